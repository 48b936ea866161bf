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

package fleet

import (
	"context"

	"github.com/carverauto/plcfleet/pkg/models"
	"github.com/carverauto/plcfleet/pkg/poller"
	"github.com/carverauto/plcfleet/pkg/sink"
)

// pump drains one poller's event bus into the store, registry, sink, and
// metrics. It runs for the life of the session and exits when the session is
// stopped or drops.
func (m *Manager) pump(name string, md *managed) {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case <-md.stop:
			return
		case ev := <-md.poller.Events():
			if m.handleEvent(name, md, ev) {
				return
			}
		}
	}
}

// handleEvent dispatches one poller event. Returns true when the pump must
// stop because the session ended.
func (m *Manager) handleEvent(name string, md *managed, ev poller.Event) bool {
	ctx := context.Background()

	switch e := ev.(type) {
	case poller.DataEvent:
		m.store.RecordData(name, e.Readings)

		m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
			s.CycleCount = e.Cycle
			s.DataPoints = m.store.DataPointCount(name)
		})

		m.metrics.ReadCycles.WithLabelValues(name).Inc()
		m.metrics.DataPoints.WithLabelValues(name).Add(float64(len(e.Readings)))
		m.metrics.CycleDuration.WithLabelValues(name).Observe(e.Elapsed.Seconds())

	case poller.TagChangeEvent:
		m.log.Debug().
			Str("device", name).
			Str("tag", e.Tag).
			Interface("value", e.Value).
			Msg("Tag value changed")

	case poller.AlarmSignal:
		m.handleAlarm(ctx, name, e)

	case poller.ReadErrorEvent:
		m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
			s.LastError = e.Err.Error()
		})

		m.metrics.ReadErrors.WithLabelValues(name).Inc()

	case poller.WarningEvent:
		m.appendEvent(ctx, sink.CategoryWarning, name, e.Message, nil)

	case poller.StateEvent:
		return m.handleStateEvent(ctx, name, md, e)
	}

	return false
}

func (m *Manager) handleAlarm(ctx context.Context, name string, sig poller.AlarmSignal) {
	id, recorded := m.store.RecordAlarm(name, sig.Event)
	if !recorded {
		return
	}

	if sig.Event.Transition == models.AlarmActivated {
		m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
			s.AlarmCount++
		})
	}

	m.metrics.ActiveAlarms.Set(float64(len(m.store.ActiveAlarms())))

	m.log.Info().
		Str("device", name).
		Str("tag", sig.Event.Tag).
		Str("kind", string(sig.Event.Kind)).
		Str("transition", string(sig.Event.Transition)).
		Float64("value", sig.Event.Value).
		Msg("Alarm transition")

	m.appendEvent(ctx, sink.CategoryAlarm, name, string(sig.Event.Transition), map[string]interface{}{
		"alarm_id": id,
		"tag":      sig.Event.Tag,
		"kind":     string(sig.Event.Kind),
		"value":    sig.Event.Value,
		"limit":    sig.Event.Limit,
	})
}

// handleStateEvent mirrors poller state into the registry. An offline
// transition means the session dropped underneath us: the poller is retired
// and, for auto-connect devices, a reconnect is scheduled.
func (m *Manager) handleStateEvent(ctx context.Context, name string, md *managed, ev poller.StateEvent) bool {
	m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
		s.State = ev.State
		if ev.Err != nil {
			s.LastError = ev.Err.Error()
		}
	})

	m.pushStatus(ctx, name)

	if ev.State != models.StateOffline {
		return false
	}

	m.removePoller(name, md)
	m.setConnectedGauge()

	m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
		s.RetryCount++
	})

	m.appendEvent(ctx, sink.CategoryState, name, "session dropped", nil)

	if cfg, ok := m.registry.Config(name); ok && cfg.Eligible() && !m.isStopped() {
		m.scheduleRetry(ctx, name, cfg)
	}

	return true
}

// pushStatus sends the named device's current status snapshot to the sink.
func (m *Manager) pushStatus(ctx context.Context, name string) {
	st, ok := m.registry.Status(name)
	if !ok {
		return
	}

	update := sink.StatusUpdate{
		Device:      st.Name,
		State:       string(st.State),
		RetryCount:  st.RetryCount,
		NeedsManual: st.NeedsManual,
		CycleCount:  st.CycleCount,
		DataPoints:  st.DataPoints,
		LastError:   st.LastError,
		Timestamp:   st.LastUpdate,
	}

	if err := m.sink.UpdateDeviceStatus(ctx, update); err != nil {
		m.log.Debug().Str("device", name).Err(err).Msg("Sink status update failed")
	}
}
