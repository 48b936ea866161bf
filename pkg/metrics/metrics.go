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

// Package metrics exposes Prometheus instrumentation for the fleet manager
// and the per-device pollers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FleetMetrics bundles the collectors the fleet manager feeds. Create one
// per process with NewFleetMetrics and share it.
type FleetMetrics struct {
	ConnectedDevices prometheus.Gauge
	ManagedDevices   prometheus.Gauge
	ActiveAlarms     prometheus.Gauge

	ConnectAttempts *prometheus.CounterVec
	ReadCycles      *prometheus.CounterVec
	DeferredCycles  *prometheus.CounterVec
	ReadErrors      *prometheus.CounterVec
	DataPoints      *prometheus.CounterVec
	DroppedEvents   *prometheus.CounterVec

	CycleDuration *prometheus.HistogramVec
}

// NewFleetMetrics registers the fleet collectors on reg. Passing nil uses the
// default registerer.
func NewFleetMetrics(reg prometheus.Registerer) *FleetMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &FleetMetrics{
		ConnectedDevices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "plcfleet",
			Name:      "connected_devices",
			Help:      "Number of devices currently online.",
		}),
		ManagedDevices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "plcfleet",
			Name:      "managed_devices",
			Help:      "Number of devices under fleet management.",
		}),
		ActiveAlarms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "plcfleet",
			Name:      "active_alarms",
			Help:      "Number of alarms in the active or acknowledged state.",
		}),
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plcfleet",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts per device and result.",
		}, []string{"device", "result"}),
		ReadCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plcfleet",
			Name:      "read_cycles_total",
			Help:      "Completed read cycles per device.",
		}, []string{"device"}),
		DeferredCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plcfleet",
			Name:      "deferred_cycles_total",
			Help:      "Cycles deferred because a read was still outstanding.",
		}, []string{"device"}),
		ReadErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plcfleet",
			Name:      "read_errors_total",
			Help:      "Transient read failures per device.",
		}, []string{"device"}),
		DataPoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plcfleet",
			Name:      "data_points_total",
			Help:      "Tag readings recorded per device.",
		}, []string{"device"}),
		DroppedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plcfleet",
			Name:      "dropped_events_total",
			Help:      "Poller events dropped because the bus was full.",
		}, []string{"device"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "plcfleet",
			Name:      "cycle_duration_seconds",
			Help:      "Read cycle wall time per device.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"device"}),
	}
}
