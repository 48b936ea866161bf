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

package sink

import (
	"context"
	"time"

	"github.com/carverauto/plcfleet/pkg/logger"
	"github.com/sony/gobreaker"
)

const (
	breakerFailureThreshold = 5
	breakerOpenTimeout      = 30 * time.Second
	breakerCountInterval    = time.Minute
)

// BreakerSink wraps another sink with a circuit breaker so a slow or down
// downstream cannot back-pressure the fleet. When the breaker is open, writes
// are dropped and counted, not retried.
type BreakerSink struct {
	inner Sink
	cb    *gobreaker.CircuitBreaker
	log   logger.Logger
}

// NewBreakerSink wraps inner with a breaker that opens after consecutive
// failures and probes again after the open timeout.
func NewBreakerSink(inner Sink, log logger.Logger) *BreakerSink {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "fleet-sink",
		Interval: breakerCountInterval,
		Timeout:  breakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Sink breaker state changed")
		},
	})

	return &BreakerSink{inner: inner, cb: cb, log: log}
}

func (b *BreakerSink) UpdateDeviceStatus(ctx context.Context, update StatusUpdate) error {
	return b.execute(func() error {
		return b.inner.UpdateDeviceStatus(ctx, update)
	})
}

func (b *BreakerSink) AppendEvent(ctx context.Context, category, device, message string, detail map[string]interface{}) error {
	return b.execute(func() error {
		return b.inner.AppendEvent(ctx, category, device, message, detail)
	})
}

func (b *BreakerSink) Close() error {
	return b.inner.Close()
}

func (b *BreakerSink) execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		b.log.Debug().Err(err).Msg("Sink write failed")
	}

	return err
}
