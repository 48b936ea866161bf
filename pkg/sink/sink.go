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

// Package sink publishes fleet lifecycle events and device status snapshots
// to an external consumer. The fleet manager treats the sink as best-effort:
// a failing sink never blocks or degrades polling.
package sink

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mock_sink.go -package=sink github.com/carverauto/plcfleet/pkg/sink Sink

// Event categories published by the fleet manager.
const (
	CategoryState     = "state"
	CategoryAlarm     = "alarm"
	CategoryRetry     = "retry"
	CategoryReconcile = "reconcile"
	CategoryWarning   = "warning"
)

// StatusUpdate is a device status snapshot pushed on health-check ticks and
// on state transitions.
type StatusUpdate struct {
	Device      string    `json:"device"`
	State       string    `json:"state"`
	RetryCount  int       `json:"retry_count"`
	NeedsManual bool      `json:"needs_manual"`
	CycleCount  uint64    `json:"cycle_count"`
	DataPoints  uint64    `json:"data_points"`
	LastError   string    `json:"last_error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives fleet output. Implementations must be safe for concurrent
// use; callers do not serialize.
type Sink interface {
	UpdateDeviceStatus(ctx context.Context, update StatusUpdate) error
	AppendEvent(ctx context.Context, category, device, message string, detail map[string]interface{}) error
	Close() error
}

// NoopSink discards everything. It stands in when no downstream is
// configured.
type NoopSink struct{}

func (NoopSink) UpdateDeviceStatus(context.Context, StatusUpdate) error { return nil }

func (NoopSink) AppendEvent(context.Context, string, string, string, map[string]interface{}) error {
	return nil
}

func (NoopSink) Close() error { return nil }
