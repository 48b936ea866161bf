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

// Package models holds the shared data model for the fleet engine.
package models

import (
	"time"
)

// ConnState represents the connection state of a device.
type ConnState string

const (
	StateOffline      ConnState = "offline"
	StateConnecting   ConnState = "connecting"
	StateOnline       ConnState = "online"
	StateError        ConnState = "error"
	StateDisconnected ConnState = "disconnected"
)

// ScaleKind selects the engineering-unit conversion applied to a tag.
type ScaleKind string

const (
	ScaleNone       ScaleKind = "none"
	ScaleLinear     ScaleKind = "linear"
	ScaleSquareRoot ScaleKind = "sqrt"
	ScalePolynomial ScaleKind = "poly"
)

// TagConfig describes one data point on a device: how to address it on the
// wire, how to scale it, and which alarm limits apply.
type TagConfig struct {
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	Unit         string    `json:"unit,omitempty"`
	Scale        ScaleKind `json:"scale,omitempty"`
	RawMin       float64   `json:"raw_min,omitempty"`
	RawMax       float64   `json:"raw_max,omitempty"`
	EUMin        float64   `json:"eu_min,omitempty"`
	EUMax        float64   `json:"eu_max,omitempty"`
	Coefficients []float64 `json:"coefficients,omitempty"`
	HighLimit    *float64  `json:"high_limit,omitempty"`
	LowLimit     *float64  `json:"low_limit,omitempty"`
	Deadband     float64   `json:"deadband,omitempty"`
}

// DeviceConfig is the externally supplied configuration for one device. It is
// immutable while a session is live; reconciliation replaces the whole record.
type DeviceConfig struct {
	Name         string      `json:"name"`
	Address      string      `json:"address"`
	Port         int         `json:"port"`
	Rack         int         `json:"rack"`
	Slot         int         `json:"slot"`
	Mode         string      `json:"mode,omitempty"`
	PollInterval Duration    `json:"poll_interval"`
	Timeout      Duration    `json:"timeout"`
	Priority     int         `json:"priority"`
	Enabled      bool        `json:"enabled"`
	AutoConnect  bool        `json:"auto_connect"`
	MaxRetries   int         `json:"max_retries"`
	RetryDelay   Duration    `json:"retry_delay"`
	Tags         []TagConfig `json:"tags"`
}

// Eligible reports whether the device should be connected automatically.
func (c *DeviceConfig) Eligible() bool {
	return c.Enabled && c.AutoConnect
}

// Tag returns the tag configuration by name.
func (c *DeviceConfig) Tag(name string) (*TagConfig, bool) {
	for i := range c.Tags {
		if c.Tags[i].Name == name {
			return &c.Tags[i], true
		}
	}

	return nil, false
}

// TagNames returns the names of all configured tags in declaration order.
func (c *DeviceConfig) TagNames() []string {
	names := make([]string, 0, len(c.Tags))
	for i := range c.Tags {
		names = append(names, c.Tags[i].Name)
	}

	return names
}

// NeedsReconnect reports whether the difference between two configurations
// requires tearing down a live session. Retry settings deliberately do not
// force a reconnect; they only affect future attempts.
func (c *DeviceConfig) NeedsReconnect(other *DeviceConfig) bool {
	if c.Address != other.Address ||
		c.Port != other.Port ||
		c.Rack != other.Rack ||
		c.Slot != other.Slot ||
		c.Mode != other.Mode ||
		c.PollInterval != other.PollInterval ||
		c.Timeout != other.Timeout ||
		c.Enabled != other.Enabled ||
		c.AutoConnect != other.AutoConnect ||
		c.Priority != other.Priority {
		return true
	}

	return !tagsEqual(c.Tags, other.Tags)
}

// Equal reports full field-by-field equality, including retry settings.
func (c *DeviceConfig) Equal(other *DeviceConfig) bool {
	if c.NeedsReconnect(other) {
		return false
	}

	return c.Name == other.Name &&
		c.MaxRetries == other.MaxRetries &&
		c.RetryDelay == other.RetryDelay
}

func tagsEqual(a, b []TagConfig) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i].Name != b[i].Name ||
			a[i].Address != b[i].Address ||
			a[i].Unit != b[i].Unit ||
			a[i].Scale != b[i].Scale ||
			a[i].RawMin != b[i].RawMin ||
			a[i].RawMax != b[i].RawMax ||
			a[i].EUMin != b[i].EUMin ||
			a[i].EUMax != b[i].EUMax ||
			a[i].Deadband != b[i].Deadband {
			return false
		}

		if !floatPtrEqual(a[i].HighLimit, b[i].HighLimit) || !floatPtrEqual(a[i].LowLimit, b[i].LowLimit) {
			return false
		}

		if len(a[i].Coefficients) != len(b[i].Coefficients) {
			return false
		}

		for j := range a[i].Coefficients {
			if a[i].Coefficients[j] != b[i].Coefficients[j] {
				return false
			}
		}
	}

	return true
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

// DeviceStatus is the mutable runtime record for one device. It is owned by
// the lifecycle manager; everyone else reads snapshots.
type DeviceStatus struct {
	Name           string    `json:"name"`
	State          ConnState `json:"state"`
	LastUpdate     time.Time `json:"last_update"`
	RetryCount     int       `json:"retry_count"`
	LastError      string    `json:"last_error,omitempty"`
	SessionStart   time.Time `json:"session_start,omitempty"`
	CycleCount     uint64    `json:"cycle_count"`
	DeferredCycles uint64    `json:"deferred_cycles"`
	DataPoints     uint64    `json:"data_points"`
	AlarmCount     uint64    `json:"alarm_count"`
	NeedsManual    bool      `json:"needs_manual,omitempty"`
}
