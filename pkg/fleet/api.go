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
	"fmt"

	"github.com/carverauto/plcfleet/pkg/models"
	"github.com/carverauto/plcfleet/pkg/poller"
	"github.com/carverauto/plcfleet/pkg/store"
)

// SystemStats is a fleet-wide roll-up.
type SystemStats struct {
	ManagedDevices  int    `json:"managed_devices"`
	OnlineDevices   int    `json:"online_devices"`
	TotalCycles     uint64 `json:"total_cycles"`
	TotalDeferred   uint64 `json:"total_deferred"`
	TotalDataPoints uint64 `json:"total_data_points"`
	ActiveAlarms    int    `json:"active_alarms"`
}

// DeviceDetail pairs a device's configuration and status with its live cycle
// statistics. Cycle is nil when no session is up.
type DeviceDetail struct {
	Config models.DeviceConfig `json:"config"`
	Status models.DeviceStatus `json:"status"`
	Cycle  *poller.CycleStats  `json:"cycle,omitempty"`
}

// WriteTag writes one value to a tag on an online device.
func (m *Manager) WriteTag(ctx context.Context, device, tag string, value interface{}) error {
	md, err := m.onlinePoller(device)
	if err != nil {
		return err
	}

	return md.poller.WriteTag(ctx, tag, value)
}

// WriteMany writes a batch of tag values to an online device. All writes are
// issued; the call fails if any single write fails.
func (m *Manager) WriteMany(ctx context.Context, device string, writes []poller.TagWrite) error {
	md, err := m.onlinePoller(device)
	if err != nil {
		return err
	}

	return md.poller.WriteMany(ctx, writes)
}

// UpdateCycleTime changes an online device's poll interval at runtime.
func (m *Manager) UpdateCycleTime(device string, interval models.Duration) error {
	md, err := m.onlinePoller(device)
	if err != nil {
		return err
	}

	md.poller.UpdateCycleTime(interval.ToTimeDuration())

	return nil
}

func (m *Manager) onlinePoller(device string) (*managed, error) {
	md := m.managedPoller(device)
	if md == nil {
		if _, ok := m.registry.Config(device); !ok {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, device)
		}

		return nil, fmt.Errorf("%w: %s", ErrDeviceNotOnline, device)
	}

	if md.poller.State() != models.StateOnline {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotOnline, device)
	}

	return md, nil
}

// AllData returns the fleet-wide aggregated view.
func (m *Manager) AllData() []store.Entry {
	return m.store.AllData()
}

// DataForDevice returns one device's aggregated entries.
func (m *Manager) DataForDevice(device string) []store.Entry {
	return m.store.DataForDevice(device)
}

// AllAlarms returns the full alarm history, newest first.
func (m *Manager) AllAlarms() []store.Alarm {
	return m.store.AllAlarms()
}

// ActiveAlarms returns alarms that have not cleared, newest first.
func (m *Manager) ActiveAlarms() []store.Alarm {
	return m.store.ActiveAlarms()
}

// AcknowledgeAlarm marks an alarm acknowledged by an operator.
func (m *Manager) AcknowledgeAlarm(ctx context.Context, id, who string) error {
	if err := m.store.AcknowledgeAlarm(id, who); err != nil {
		return err
	}

	m.appendEvent(ctx, "alarm", "", "alarm acknowledged", map[string]interface{}{
		"alarm_id": id,
		"by":       who,
	})

	return nil
}

// DeviceStatus returns one device's status snapshot.
func (m *Manager) DeviceStatus(name string) (models.DeviceStatus, bool) {
	return m.registry.Status(name)
}

// Statuses returns every device's status snapshot, sorted by name.
func (m *Manager) Statuses() []models.DeviceStatus {
	return m.registry.Statuses()
}

// SystemStats rolls the fleet up into one record.
func (m *Manager) SystemStats() SystemStats {
	stats := SystemStats{
		ActiveAlarms: len(m.store.ActiveAlarms()),
	}

	for _, st := range m.registry.Statuses() {
		stats.ManagedDevices++
		stats.TotalDataPoints += m.store.DataPointCount(st.Name)

		if md := m.managedPoller(st.Name); md != nil {
			cs := md.poller.Stats()
			stats.TotalCycles += cs.Cycles
			stats.TotalDeferred += cs.DeferredTotal

			if cs.State == models.StateOnline {
				stats.OnlineDevices++
			}

			continue
		}

		stats.TotalCycles += st.CycleCount
		stats.TotalDeferred += st.DeferredCycles
	}

	return stats
}

// DetailedStatus returns per-device configuration, status, and live cycle
// statistics, sorted by name.
func (m *Manager) DetailedStatus() []DeviceDetail {
	configs := m.registry.Configs()

	out := make([]DeviceDetail, 0, len(configs))

	for i := range configs {
		detail := DeviceDetail{Config: configs[i]}

		if st, ok := m.registry.Status(configs[i].Name); ok {
			detail.Status = st
		}

		if md := m.managedPoller(configs[i].Name); md != nil {
			cs := md.poller.Stats()
			detail.Cycle = &cs
		}

		out = append(out, detail)
	}

	return out
}
