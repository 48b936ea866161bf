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

// Package store merges every device's data and alarm events into one
// namespaced, queryable view. Entries are keyed "device.tag" and overwritten
// last-write-wins; alarms are keyed by a globally unique id and mutated in
// place through their lifecycle.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/plcfleet/pkg/models"
)

var ErrAlarmNotFound = errors.New("alarm not found")

// Entry is the latest aggregated value for one device tag.
type Entry struct {
	Device    string      `json:"device"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Raw       interface{} `json:"raw"`
	Quality   string      `json:"quality"`
	Unit      string      `json:"unit,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Key returns the namespaced entry key.
func (e *Entry) Key() string {
	return e.Device + "." + e.Tag
}

// AlarmState is the lifecycle state of an aggregated alarm. Cleared is
// terminal.
type AlarmState string

const (
	AlarmActive       AlarmState = "active"
	AlarmAcknowledged AlarmState = "acknowledged"
	AlarmClearedState AlarmState = "cleared"
)

// Alarm is one aggregated alarm record, retained for history after clearing.
type Alarm struct {
	ID             string           `json:"id"`
	Device         string           `json:"device"`
	Tag            string           `json:"tag"`
	Kind           models.AlarmKind `json:"kind"`
	State          AlarmState       `json:"state"`
	Value          float64          `json:"value"`
	Limit          float64          `json:"limit"`
	ActivatedAt    time.Time        `json:"activated_at"`
	AcknowledgedAt time.Time        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string           `json:"acknowledged_by,omitempty"`
	ClearedAt      time.Time        `json:"cleared_at,omitempty"`
}

// Store is the aggregation store shared by all pollers via the manager.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	alarms     map[string]*Alarm
	active     map[string]string // device|tag|kind -> alarm id
	dataPoints map[string]uint64
}

func New() *Store {
	return &Store{
		entries:    make(map[string]*Entry),
		alarms:     make(map[string]*Alarm),
		active:     make(map[string]string),
		dataPoints: make(map[string]uint64),
	}
}

// RecordData merges a cycle's readings into the store, overwriting any prior
// entry per tag, and bumps the device's data-point counter.
func (s *Store) RecordData(device string, readings []models.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range readings {
		r := &readings[i]

		entry := &Entry{
			Device:    device,
			Tag:       r.Tag,
			Value:     r.Value,
			Raw:       r.Raw,
			Quality:   r.Quality,
			Unit:      r.Unit,
			Timestamp: r.Timestamp,
		}

		s.entries[entry.Key()] = entry
		s.dataPoints[device]++
	}
}

// RecordAlarm folds one alarm transition into the store. Activation allocates
// a new record and returns its id; a clear transition closes the matching
// active record. Both directions are idempotent: re-activating an already
// active alarm or clearing an absent one is a no-op.
func (s *Store) RecordAlarm(device string, ev models.AlarmEvent) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := activeKey(device, ev.Tag, ev.Kind)

	switch ev.Transition {
	case models.AlarmActivated:
		if id, ok := s.active[key]; ok {
			return id, false
		}

		id := fmt.Sprintf("%s.%s.%d", device, ev.Tag, ev.Timestamp.UnixNano())

		s.alarms[id] = &Alarm{
			ID:          id,
			Device:      device,
			Tag:         ev.Tag,
			Kind:        ev.Kind,
			State:       AlarmActive,
			Value:       ev.Value,
			Limit:       ev.Limit,
			ActivatedAt: ev.Timestamp,
		}
		s.active[key] = id

		return id, true
	case models.AlarmCleared:
		id, ok := s.active[key]
		if !ok {
			return "", false
		}

		a := s.alarms[id]
		a.State = AlarmClearedState
		a.ClearedAt = ev.Timestamp
		a.Value = ev.Value

		delete(s.active, key)

		return id, true
	default:
		return "", false
	}
}

// AcknowledgeAlarm marks an alarm acknowledged. Acknowledging an already
// acknowledged or cleared alarm is a no-op, not an error.
func (s *Store) AcknowledgeAlarm(id, who string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alarms[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlarmNotFound, id)
	}

	if a.State != AlarmActive {
		return nil
	}

	a.State = AlarmAcknowledged
	a.AcknowledgedAt = time.Now()
	a.AcknowledgedBy = who

	return nil
}

// AllData returns copies of all entries sorted by key.
func (s *Store) AllData() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })

	return out
}

// DataForDevice returns copies of one device's entries sorted by tag.
func (s *Store) DataForDevice(device string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry

	for _, e := range s.entries {
		if e.Device == device {
			out = append(out, *e)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })

	return out
}

// Alarm returns a copy of one alarm record.
func (s *Store) Alarm(id string) (Alarm, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alarms[id]
	if !ok {
		return Alarm{}, false
	}

	return *a, true
}

// AllAlarms returns copies of every alarm record, newest first.
func (s *Store) AllAlarms() []Alarm {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		out = append(out, *a)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ActivatedAt.After(out[j].ActivatedAt) })

	return out
}

// ActiveAlarms returns all alarms that have not cleared, newest first.
func (s *Store) ActiveAlarms() []Alarm {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Alarm

	for _, a := range s.alarms {
		if a.State != AlarmClearedState {
			out = append(out, *a)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ActivatedAt.After(out[j].ActivatedAt) })

	return out
}

// DataPointCount returns the running data-point counter for a device.
func (s *Store) DataPointCount(device string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.dataPoints[device]
}

// PurgeDevice removes all of a device's entries and closes its still-active
// alarms. Alarm history is retained; retention is an external concern.
func (s *Store) PurgeDevice(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := device + "."

	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}

	now := time.Now()

	for key, id := range s.active {
		if strings.HasPrefix(key, device+"|") {
			if a, ok := s.alarms[id]; ok {
				a.State = AlarmClearedState
				a.ClearedAt = now
			}

			delete(s.active, key)
		}
	}

	delete(s.dataPoints, device)
}

func activeKey(device, tag string, kind models.AlarmKind) string {
	return device + "|" + tag + "|" + string(kind)
}
