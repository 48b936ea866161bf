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

// Package transport defines the boundary to the wire-level device protocol
// stack. The engine never frames bytes itself; it drives implementations of
// these interfaces, one per device.
package transport

//go:generate mockgen -destination=mock_transport.go -package=transport github.com/carverauto/plcfleet/pkg/transport Transport,Factory

import (
	"context"
	"errors"

	"github.com/carverauto/plcfleet/pkg/models"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrReadFailed   = errors.New("read failed")
	ErrWriteFailed  = errors.New("write failed")
)

// State mirrors the transport's own view of the session.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// StateChange is an asynchronous session-state notification.
type StateChange struct {
	State State
	Err   error
}

// Transport is one live protocol session to one device.
type Transport interface {
	// Connect establishes the session. Blocking; honors ctx cancellation.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. It always settles: implementations
	// return the first error encountered but leave the session closed.
	Disconnect(ctx context.Context) error

	// ReadAll reads the named tags in one cycle and returns raw values keyed
	// by tag name. A partial read is an error.
	ReadAll(ctx context.Context, tags []string) (map[string]interface{}, error)

	// Write writes one value to a device address.
	Write(ctx context.Context, address string, value interface{}) error

	// StateChanges delivers asynchronous session-state notifications. The
	// channel is closed when the transport is disposed.
	StateChanges() <-chan StateChange
}

// Factory creates a Transport for a device configuration. The lifecycle
// manager creates a fresh transport per connection attempt; transports are
// never reused across sessions.
type Factory interface {
	New(cfg *models.DeviceConfig) (Transport, error)
}
