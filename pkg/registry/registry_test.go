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

package registry

import (
	"testing"
	"time"

	"github.com/carverauto/plcfleet/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func config(name string, priority int, eligible bool) models.DeviceConfig {
	return models.DeviceConfig{
		Name:         name,
		Address:      "10.0.0.1",
		PollInterval: models.Duration(time.Second),
		Priority:     priority,
		Enabled:      eligible,
		AutoConnect:  eligible,
		Tags: []models.TagConfig{
			{Name: "temp", Address: "DB1.DBD0"},
		},
	}
}

func TestUpsertCreatesStatusOnFirstSight(t *testing.T) {
	r := New()

	r.UpsertConfig(config("plc-1", 1, true))

	st, ok := r.Status("plc-1")
	require.True(t, ok)
	assert.Equal(t, models.StateOffline, st.State)

	// A second upsert keeps the existing status record.
	r.UpdateStatus("plc-1", func(s *models.DeviceStatus) { s.RetryCount = 3 })
	r.UpsertConfig(config("plc-1", 2, true))

	st, _ = r.Status("plc-1")
	assert.Equal(t, 3, st.RetryCount)
}

func TestConnectOrderSortsByPriorityThenName(t *testing.T) {
	r := New()

	r.UpsertConfig(config("plc-c", 2, true))
	r.UpsertConfig(config("plc-a", 1, true))
	r.UpsertConfig(config("plc-b", 1, true))
	r.UpsertConfig(config("plc-d", 0, false)) // not eligible

	order := r.ConnectOrder()
	require.Len(t, order, 3)
	assert.Equal(t, "plc-a", order[0].Name)
	assert.Equal(t, "plc-b", order[1].Name)
	assert.Equal(t, "plc-c", order[2].Name)
}

func TestConfigReturnsClone(t *testing.T) {
	r := New()

	limit := 100.0
	cfg := config("plc-1", 1, true)
	cfg.Tags[0].HighLimit = &limit

	r.UpsertConfig(cfg)

	got, ok := r.Config("plc-1")
	require.True(t, ok)

	// Mutating the returned copy must not leak into the registry.
	got.Tags[0].Name = "mangled"
	*got.Tags[0].HighLimit = 999

	again, _ := r.Config("plc-1")
	assert.Equal(t, "temp", again.Tags[0].Name)
	assert.Equal(t, 100.0, *again.Tags[0].HighLimit)
}

func TestUpdateStatusIsAtomicAndStampsTime(t *testing.T) {
	r := New()

	r.UpsertConfig(config("plc-1", 1, true))

	before, _ := r.Status("plc-1")

	time.Sleep(time.Millisecond)

	r.UpdateStatus("plc-1", func(s *models.DeviceStatus) {
		s.State = models.StateOnline
		s.RetryCount = 0
	})

	after, ok := r.Status("plc-1")
	require.True(t, ok)
	assert.Equal(t, models.StateOnline, after.State)
	assert.True(t, after.LastUpdate.After(before.LastUpdate))

	// Unknown devices are ignored without panicking.
	r.UpdateStatus("ghost", func(s *models.DeviceStatus) { s.RetryCount = 1 })
}

func TestRemove(t *testing.T) {
	r := New()

	r.UpsertConfig(config("plc-1", 1, true))
	r.Remove("plc-1")

	_, ok := r.Config("plc-1")
	assert.False(t, ok)

	_, ok = r.Status("plc-1")
	assert.False(t, ok)
	assert.Empty(t, r.Names())
}
