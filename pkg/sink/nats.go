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
	"encoding/json"
	"fmt"
	"time"

	"github.com/carverauto/plcfleet/pkg/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultStream = "plcfleet-events"

	eventSource = "plcfleet/fleet"
)

// envelope is the CloudEvents-style wire record published for every sink
// write.
type envelope struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject"`
	Time            time.Time   `json:"time"`
	Data            interface{} `json:"data"`
}

// fleetEvent is the payload of an AppendEvent publication.
type fleetEvent struct {
	Category string                 `json:"category"`
	Device   string                 `json:"device"`
	Message  string                 `json:"message"`
	Detail   map[string]interface{} `json:"detail,omitempty"`
}

// NATSSink publishes status updates and fleet events to NATS JetStream.
type NATSSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	log    logger.Logger
}

// NewNATSSink connects to NATS, ensures the event stream exists, and returns
// a ready sink.
func NewNATSSink(ctx context.Context, natsURL, streamName string, log logger.Logger, opts ...nats.Option) (*NATSSink, error) {
	if streamName == "" {
		streamName = defaultStream
	}

	opts = append(opts,
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err = js.Stream(ctx, streamName); err != nil {
		streamConfig := jetstream.StreamConfig{
			Name:     streamName,
			Subjects: []string{"fleet.status.*", "fleet.events.*"},
		}

		if _, err = js.CreateOrUpdateStream(ctx, streamConfig); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create or get stream %s: %w", streamName, err)
		}

		log.Info().Str("stream", streamName).Msg("Created JetStream stream")
	}

	return &NATSSink{nc: nc, js: js, stream: streamName, log: log}, nil
}

// UpdateDeviceStatus publishes a device status snapshot to fleet.status.<device>.
func (s *NATSSink) UpdateDeviceStatus(ctx context.Context, update StatusUpdate) error {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}

	return s.publish(ctx, fmt.Sprintf("fleet.status.%s", update.Device),
		"com.carverauto.plcfleet.device.status", update)
}

// AppendEvent publishes a fleet lifecycle event to fleet.events.<category>.
func (s *NATSSink) AppendEvent(ctx context.Context, category, device, message string, detail map[string]interface{}) error {
	return s.publish(ctx, fmt.Sprintf("fleet.events.%s", category),
		fmt.Sprintf("com.carverauto.plcfleet.fleet.%s", category),
		fleetEvent{Category: category, Device: device, Message: message, Detail: detail})
}

func (s *NATSSink) publish(ctx context.Context, subject, eventType string, data interface{}) error {
	ev := envelope{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            eventType,
		DataContentType: "application/json",
		Subject:         subject,
		Time:            time.Now(),
		Data:            data,
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := s.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	s.log.Debug().
		Str("subject", subject).
		Str("event_id", ev.ID).
		Uint64("seq", ack.Sequence).
		Msg("Published sink event")

	return nil
}

// Close drains the underlying NATS connection.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
