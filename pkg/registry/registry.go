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

// Package registry is the in-memory directory of device configurations and
// runtime status records. Every operation is a single atomic keyed update;
// reads return clones so callers never share registry memory.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/carverauto/plcfleet/pkg/models"
)

type Registry struct {
	mu       sync.RWMutex
	configs  map[string]*models.DeviceConfig
	statuses map[string]*models.DeviceStatus
}

func New() *Registry {
	return &Registry{
		configs:  make(map[string]*models.DeviceConfig),
		statuses: make(map[string]*models.DeviceStatus),
	}
}

// UpsertConfig inserts or replaces a device configuration. A status record is
// created on first sight so the device is tracked even before any connection
// attempt.
func (r *Registry) UpsertConfig(cfg models.DeviceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := cloneConfig(&cfg)
	r.configs[cfg.Name] = c

	if _, ok := r.statuses[cfg.Name]; !ok {
		r.statuses[cfg.Name] = &models.DeviceStatus{
			Name:       cfg.Name,
			State:      models.StateOffline,
			LastUpdate: time.Now(),
		}
	}
}

// Config returns a copy of the named device's configuration.
func (r *Registry) Config(name string) (models.DeviceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.configs[name]
	if !ok {
		return models.DeviceConfig{}, false
	}

	return *cloneConfig(c), true
}

// Configs returns copies of all device configurations, sorted by name.
func (r *Registry) Configs() []models.DeviceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.DeviceConfig, 0, len(r.configs))
	for _, c := range r.configs {
		out = append(out, *cloneConfig(c))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// ConnectOrder returns enabled, auto-connect devices sorted by ascending
// priority with name as the deterministic tie-breaker.
func (r *Registry) ConnectOrder() []models.DeviceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.DeviceConfig, 0, len(r.configs))

	for _, c := range r.configs {
		if c.Eligible() {
			out = append(out, *cloneConfig(c))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}

		return out[i].Name < out[j].Name
	})

	return out
}

// Remove deletes a device's configuration and status.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.configs, name)
	delete(r.statuses, name)
}

// UpdateStatus applies fn to the named device's status under the registry
// lock. The update is atomic with respect to all other registry operations.
// Unknown devices are ignored.
func (r *Registry) UpdateStatus(name string, fn func(*models.DeviceStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.statuses[name]
	if !ok {
		return
	}

	fn(s)
	s.LastUpdate = time.Now()
}

// Status returns a copy of the named device's status record.
func (r *Registry) Status(name string) (models.DeviceStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.statuses[name]
	if !ok {
		return models.DeviceStatus{}, false
	}

	return *s, true
}

// Statuses returns copies of all status records, sorted by name.
func (r *Registry) Statuses() []models.DeviceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.DeviceStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, *s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Names returns all tracked device names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func cloneConfig(c *models.DeviceConfig) *models.DeviceConfig {
	cp := *c

	if c.Tags != nil {
		cp.Tags = make([]models.TagConfig, len(c.Tags))
		copy(cp.Tags, c.Tags)

		for i := range cp.Tags {
			if c.Tags[i].Coefficients != nil {
				cp.Tags[i].Coefficients = append([]float64(nil), c.Tags[i].Coefficients...)
			}

			if c.Tags[i].HighLimit != nil {
				v := *c.Tags[i].HighLimit
				cp.Tags[i].HighLimit = &v
			}

			if c.Tags[i].LowLimit != nil {
				v := *c.Tags[i].LowLimit
				cp.Tags[i].LowLimit = &v
			}
		}
	}

	return &cp
}
