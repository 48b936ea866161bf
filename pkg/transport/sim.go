/*
 * Copyright 2026 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"

	"github.com/carverauto/plcfleet/pkg/models"
)

// SimFactory produces in-memory simulated transports so the engine can run
// without real devices. Values follow a deterministic sine per tag.
type SimFactory struct{}

func (SimFactory) New(cfg *models.DeviceConfig) (Transport, error) {
	return &simTransport{
		device: cfg.Name,
		states: make(chan StateChange, 8),
	}, nil
}

type simTransport struct {
	device    string
	cycle     atomic.Uint64
	connected atomic.Bool

	mu      sync.Mutex
	written map[string]interface{}

	states chan StateChange
}

func (s *simTransport) Connect(_ context.Context) error {
	s.connected.Store(true)

	select {
	case s.states <- StateChange{State: StateConnected}:
	default:
	}

	return nil
}

func (s *simTransport) Disconnect(_ context.Context) error {
	s.connected.Store(false)

	select {
	case s.states <- StateChange{State: StateDisconnected}:
	default:
	}

	return nil
}

func (s *simTransport) ReadAll(_ context.Context, tags []string) (map[string]interface{}, error) {
	if !s.connected.Load() {
		return nil, ErrNotConnected
	}

	n := s.cycle.Add(1)

	values := make(map[string]interface{}, len(tags))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tag := range tags {
		if v, ok := s.written[tag]; ok {
			values[tag] = v
			continue
		}

		values[tag] = simValue(s.device, tag, n)
	}

	return values, nil
}

func (s *simTransport) Write(_ context.Context, address string, value interface{}) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.written == nil {
		s.written = make(map[string]interface{})
	}

	s.written[address] = value

	return nil
}

func (s *simTransport) StateChanges() <-chan StateChange {
	return s.states
}

// simValue produces a slow sine wave with a per-tag phase and amplitude so
// different tags are distinguishable in the aggregated view.
func simValue(device, tag string, cycle uint64) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(device))
	_, _ = h.Write([]byte(tag))
	seed := h.Sum32()

	phase := float64(seed%360) * math.Pi / 180
	amplitude := 1000 + float64(seed%8000)

	return amplitude/2*(1+math.Sin(phase+float64(cycle)/20)) + float64(seed%100)
}
