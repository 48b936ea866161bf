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
	"time"

	"github.com/carverauto/plcfleet/pkg/models"
	"github.com/carverauto/plcfleet/pkg/sink"
)

// healthLoop drives periodic health checks until shutdown.
func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.Ticker(time.Duration(m.cfg.HealthInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.Chan():
			m.healthCheck(ctx)
		}
	}
}

// healthCheck refreshes runtime counters from the live pollers, pushes a
// status snapshot per device, and reconnects eligible devices that fell
// offline without a pending retry.
func (m *Manager) healthCheck(ctx context.Context) {
	for _, st := range m.registry.Statuses() {
		name := st.Name

		cfg, ok := m.registry.Config(name)
		if !ok {
			continue
		}

		if md := m.managedPoller(name); md != nil {
			cs := md.poller.Stats()

			m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
				s.CycleCount = cs.Cycles
				s.DeferredCycles = cs.DeferredTotal
				s.DataPoints = m.store.DataPointCount(name)

				if cs.LastError != "" {
					s.LastError = cs.LastError
				}
			})

			if d := m.counterDelta(m.deferredSeen, name, cs.DeferredTotal); d > 0 {
				m.metrics.DeferredCycles.WithLabelValues(name).Add(float64(d))
			}

			if d := m.counterDelta(m.droppedSeen, name, cs.DroppedTotal); d > 0 {
				m.metrics.DroppedEvents.WithLabelValues(name).Add(float64(d))
			}
		}

		m.pushStatus(ctx, name)

		current, _ := m.registry.Status(name)

		if cfg.Eligible() &&
			(current.State == models.StateOffline || current.State == models.StateError) &&
			!current.NeedsManual &&
			!m.hasRetryTimer(name) &&
			m.managedPoller(name) == nil {
			m.log.Info().Str("device", name).Msg("Health check reconnecting offline device")

			go func(device string) {
				if err := m.connectDevice(ctx, device, false); err != nil {
					m.log.Debug().Str("device", device).Err(err).Msg("Health reconnect failed")
				}
			}(name)
		}
	}

	m.setConnectedGauge()
	m.metrics.ManagedDevices.Set(float64(len(m.registry.Names())))
	m.metrics.ActiveAlarms.Set(float64(len(m.store.ActiveAlarms())))
}

// reconcileLoop re-reads the device source periodically and folds the diff
// into the running fleet.
func (m *Manager) reconcileLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.Ticker(time.Duration(m.cfg.ReconcileInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.Chan():
			if err := m.reconcile(ctx, true); err != nil {
				m.log.Error().Err(err).Msg("Reconciliation failed")
			}
		}
	}
}

// reconcile diffs the desired roster against the registry. New devices are
// admitted when connectNew is set, changed devices are bounced when the
// change requires a new session, and removed devices are torn down and
// purged. Startup passes connectNew=false because the initial connect pass
// handles admission in priority order.
func (m *Manager) reconcile(ctx context.Context, connectNew bool) error {
	configs, err := m.source.LoadDeviceConfigs(ctx)
	if err != nil {
		m.appendEvent(ctx, sink.CategoryReconcile, "", "roster load failed",
			map[string]interface{}{"error": err.Error()})

		return err
	}

	desired := make(map[string]struct{}, len(configs))

	var added, changed, removed int

	for i := range configs {
		cfg := configs[i]
		desired[cfg.Name] = struct{}{}

		current, known := m.registry.Config(cfg.Name)
		if !known {
			m.registry.UpsertConfig(cfg)
			added++

			if connectNew && cfg.Eligible() {
				go func(device string) {
					if err := m.connectDevice(ctx, device, false); err != nil {
						m.log.Debug().Str("device", device).Err(err).Msg("Connect of new device failed")
					}
				}(cfg.Name)
			}

			continue
		}

		if current.Equal(&cfg) {
			continue
		}

		needsReconnect := current.NeedsReconnect(&cfg)

		m.registry.UpsertConfig(cfg)
		changed++

		if !needsReconnect {
			// Retry settings changed; they apply to future attempts only.
			continue
		}

		m.bounceDevice(ctx, cfg)
	}

	for _, name := range m.registry.Names() {
		if _, keep := desired[name]; keep {
			continue
		}

		removed++

		m.retireDevice(ctx, name)
	}

	if added+changed+removed > 0 {
		m.log.Info().
			Int("added", added).
			Int("changed", changed).
			Int("removed", removed).
			Msg("Roster reconciled")

		m.appendEvent(ctx, sink.CategoryReconcile, "", "roster reconciled", map[string]interface{}{
			"added":   added,
			"changed": changed,
			"removed": removed,
		})
	}

	m.metrics.ManagedDevices.Set(float64(len(m.registry.Names())))

	return nil
}

// bounceDevice tears down a changed device's session and schedules a
// reconnect after the settle delay.
func (m *Manager) bounceDevice(ctx context.Context, cfg models.DeviceConfig) {
	name := cfg.Name

	m.cancelRetry(name)
	m.resetBackoff(name)

	if md := m.takePoller(name); md != nil {
		close(md.stop)

		_ = md.poller.Disconnect(ctx)
	}

	m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
		s.State = models.StateOffline
		s.RetryCount = 0
	})
	m.setConnectedGauge()

	m.log.Info().Str("device", name).Msg("Device config changed, session bounced")

	if !cfg.Eligible() {
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}

	m.retryTimers[name] = time.AfterFunc(time.Duration(m.cfg.SettleDelay), func() {
		m.mu.Lock()
		delete(m.retryTimers, name)
		m.mu.Unlock()

		if err := m.connectDevice(context.Background(), name, false); err != nil {
			m.log.Debug().Str("device", name).Err(err).Msg("Reconnect after config change failed")
		}
	})
	m.mu.Unlock()
}

// retireDevice removes a device that left the roster: session down, retry
// cancelled, data purged, registry entry dropped. Alarm history is kept.
func (m *Manager) retireDevice(ctx context.Context, name string) {
	m.cancelRetry(name)
	m.resetBackoff(name)

	if md := m.takePoller(name); md != nil {
		close(md.stop)

		_ = md.poller.Disconnect(ctx)
	}

	m.store.PurgeDevice(name)
	m.registry.Remove(name)

	m.mu.Lock()
	delete(m.deferredSeen, name)
	delete(m.droppedSeen, name)
	m.mu.Unlock()

	m.setConnectedGauge()

	m.log.Info().Str("device", name).Msg("Device removed from fleet")
}
