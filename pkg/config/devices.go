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

package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/carverauto/plcfleet/pkg/models"
)

var (
	errDeviceName      = errors.New("device config missing name")
	errDeviceAddress   = errors.New("device config missing address")
	errDuplicateDevice = errors.New("duplicate device name")
)

// FileDeviceSource loads the device roster from a JSON file. The same file is
// re-read on every reconciliation tick, so edits take effect at runtime.
type FileDeviceSource struct {
	path   string
	loader ConfigLoader
}

// NewFileDeviceSource returns a device source backed by a JSON file.
func NewFileDeviceSource(path string) *FileDeviceSource {
	return &FileDeviceSource{path: path, loader: &FileConfigLoader{}}
}

// LoadDeviceConfigs reads and validates the device roster.
func (s *FileDeviceSource) LoadDeviceConfigs(ctx context.Context) ([]models.DeviceConfig, error) {
	var configs []models.DeviceConfig

	if err := s.loader.Load(ctx, s.path, &configs); err != nil {
		return nil, err
	}

	if err := ValidateDeviceConfigs(configs); err != nil {
		return nil, err
	}

	return configs, nil
}

// ValidateDeviceConfigs checks roster-level invariants: names present and
// unique, addresses present.
func ValidateDeviceConfigs(configs []models.DeviceConfig) error {
	seen := make(map[string]struct{}, len(configs))

	for i := range configs {
		c := &configs[i]

		if c.Name == "" {
			return errDeviceName
		}

		if c.Address == "" {
			return fmt.Errorf("%w: %s", errDeviceAddress, c.Name)
		}

		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("%w: %s", errDuplicateDevice, c.Name)
		}

		seen[c.Name] = struct{}{}
	}

	return nil
}
