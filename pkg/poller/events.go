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

package poller

import (
	"time"

	"github.com/carverauto/plcfleet/pkg/models"
)

// Event is a typed notification published by a DevicePoller on its internal
// bus. Subscribers are independent and order-insensitive among themselves.
type Event interface {
	DeviceName() string
}

// StateEvent signals a connection-state transition.
type StateEvent struct {
	Device string
	State  models.ConnState
	Err    error
	Time   time.Time
}

func (e StateEvent) DeviceName() string { return e.Device }

// DataEvent carries a complete read-cycle snapshot. It is emitted on every
// completed cycle; Changed is set when at least one tag's value changed.
type DataEvent struct {
	Device   string
	Readings []models.Reading
	Changed  bool
	Cycle    uint64
	Elapsed  time.Duration
}

func (e DataEvent) DeviceName() string { return e.Device }

// TagChangeEvent signals that one tag's value changed since the previous
// cycle.
type TagChangeEvent struct {
	Device string
	Tag    string
	Value  interface{}
	Prev   interface{}
	Time   time.Time
}

func (e TagChangeEvent) DeviceName() string { return e.Device }

// AlarmSignal wraps an alarm transition produced by limit evaluation.
type AlarmSignal struct {
	Device string
	Event  models.AlarmEvent
}

func (e AlarmSignal) DeviceName() string { return e.Device }

// ReadErrorEvent signals a transient read failure. The cycle continues; the
// connection is not torn down by the poller itself.
type ReadErrorEvent struct {
	Device string
	Err    error
	Time   time.Time
}

func (e ReadErrorEvent) DeviceName() string { return e.Device }

// WarningEvent signals a non-fatal configuration concern, such as a poll
// interval clamped to the cycle floor.
type WarningEvent struct {
	Device  string
	Message string
	Time    time.Time
}

func (e WarningEvent) DeviceName() string { return e.Device }
