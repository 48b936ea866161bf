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
	"errors"
	"testing"

	"github.com/carverauto/plcfleet/pkg/logger"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctrl := gomock.NewController(t)

	downErr := errors.New("downstream unavailable")

	inner := NewMockSink(ctrl)
	inner.EXPECT().
		AppendEvent(gomock.Any(), CategoryState, "plc-1", gomock.Any(), gomock.Any()).
		Return(downErr).
		Times(breakerFailureThreshold)

	b := NewBreakerSink(inner, logger.NewTestLogger())

	ctx := context.Background()

	for i := 0; i < breakerFailureThreshold; i++ {
		err := b.AppendEvent(ctx, CategoryState, "plc-1", "went offline", nil)
		require.ErrorIs(t, err, downErr)
	}

	// Breaker is now open; the inner sink must not be called again.
	err := b.AppendEvent(ctx, CategoryState, "plc-1", "went offline", nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)

	inner := NewMockSink(ctrl)
	inner.EXPECT().UpdateDeviceStatus(gomock.Any(), gomock.Any()).Return(nil)

	b := NewBreakerSink(inner, logger.NewTestLogger())

	require.NoError(t, b.UpdateDeviceStatus(context.Background(), StatusUpdate{Device: "plc-1", State: "online"}))
}
