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

package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carverauto/plcfleet/pkg/logger"
	"github.com/carverauto/plcfleet/pkg/models"
	"github.com/carverauto/plcfleet/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	waitTimeout = 2 * time.Second
	waitTick    = 5 * time.Millisecond
)

// fakeTicker delivers ticks only when the test sends them.
type fakeTicker struct {
	ch chan time.Time
}

func (f *fakeTicker) Chan() <-chan time.Time { return f.ch }
func (*fakeTicker) Stop()                    {}

// fakeClock hands out the same manual ticker for every interval.
type fakeClock struct {
	ticker *fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{ticker: &fakeTicker{ch: make(chan time.Time)}}
}

func (*fakeClock) Now() time.Time                { return time.Now() }
func (f *fakeClock) Ticker(time.Duration) Ticker { return f.ticker }

// blockingTransport parks every read until the test releases it.
type blockingTransport struct {
	reads   atomic.Int32
	release chan map[string]interface{}
	states  chan transport.StateChange
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{
		release: make(chan map[string]interface{}),
		states:  make(chan transport.StateChange, 8),
	}
}

func (*blockingTransport) Connect(context.Context) error    { return nil }
func (*blockingTransport) Disconnect(context.Context) error { return nil }

func (b *blockingTransport) ReadAll(ctx context.Context, _ []string) (map[string]interface{}, error) {
	b.reads.Add(1)

	select {
	case v := <-b.release:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (*blockingTransport) Write(context.Context, string, interface{}) error { return nil }

func (b *blockingTransport) StateChanges() <-chan transport.StateChange { return b.states }

// scriptedTransport returns a fixed sequence of read results, repeating the
// last one once the script is exhausted.
type scriptedTransport struct {
	mu     sync.Mutex
	script []map[string]interface{}
	idx    int
	states chan transport.StateChange
}

func newScriptedTransport(script ...map[string]interface{}) *scriptedTransport {
	return &scriptedTransport{
		script: script,
		states: make(chan transport.StateChange, 8),
	}
}

func (*scriptedTransport) Connect(context.Context) error    { return nil }
func (*scriptedTransport) Disconnect(context.Context) error { return nil }

func (s *scriptedTransport) ReadAll(context.Context, []string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.idx
	if i >= len(s.script) {
		i = len(s.script) - 1
	}

	s.idx++

	return s.script[i], nil
}

func (*scriptedTransport) Write(context.Context, string, interface{}) error { return nil }

func (s *scriptedTransport) StateChanges() <-chan transport.StateChange { return s.states }

func testConfig(tags ...models.TagConfig) models.DeviceConfig {
	return models.DeviceConfig{
		Name:         "plc-1",
		Address:      "10.0.0.5",
		Port:         102,
		PollInterval: models.Duration(time.Second),
		Timeout:      models.Duration(time.Second),
		Enabled:      true,
		AutoConnect:  true,
		Tags:         tags,
	}
}

// waitEvent drains the poller bus until match returns true or the timeout
// expires.
func waitEvent(t *testing.T, p *DevicePoller, match func(Event) bool) Event {
	t.Helper()

	deadline := time.After(waitTimeout)

	for {
		select {
		case ev := <-p.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func TestNonOverlappingReads(t *testing.T) {
	tr := newBlockingTransport()
	clk := newFakeClock()

	p := New(testConfig(models.TagConfig{Name: "temp", Address: "DB1.DBD0"}), tr, clk, logger.NewTestLogger())
	require.NoError(t, p.Connect(context.Background()))

	defer func() { _ = p.Disconnect(context.Background()) }()

	// The first cycle fires on connect and is now parked in the transport.
	require.Eventually(t, func() bool { return tr.reads.Load() == 1 }, waitTimeout, waitTick)

	// Further ticks must not issue reads; they only bump the deferred counter.
	for i := 0; i < 3; i++ {
		clk.ticker.ch <- time.Now()
	}

	require.Eventually(t, func() bool { return p.Stats().Deferred == 3 }, waitTimeout, waitTick)
	assert.Equal(t, int32(1), tr.reads.Load())
	assert.True(t, p.Stats().InFlight)
}

func TestDeferredCyclesCoalesceIntoOneCatchUp(t *testing.T) {
	tr := newBlockingTransport()
	clk := newFakeClock()

	p := New(testConfig(models.TagConfig{Name: "temp", Address: "DB1.DBD0"}), tr, clk, logger.NewTestLogger())
	require.NoError(t, p.Connect(context.Background()))

	defer func() { _ = p.Disconnect(context.Background()) }()

	require.Eventually(t, func() bool { return tr.reads.Load() == 1 }, waitTimeout, waitTick)

	for i := 0; i < 4; i++ {
		clk.ticker.ch <- time.Now()
	}

	require.Eventually(t, func() bool { return p.Stats().Deferred == 4 }, waitTimeout, waitTick)

	// Completing the parked read triggers exactly one catch-up read for all
	// four deferred ticks.
	tr.release <- map[string]interface{}{"temp": 1.0}

	require.Eventually(t, func() bool { return tr.reads.Load() == 2 }, waitTimeout, waitTick)

	tr.release <- map[string]interface{}{"temp": 2.0}

	require.Eventually(t, func() bool {
		s := p.Stats()
		return !s.InFlight && s.Deferred == 0 && s.Cycles == 2
	}, waitTimeout, waitTick)

	assert.Equal(t, int32(2), tr.reads.Load())
	assert.Equal(t, uint64(4), p.Stats().DeferredTotal)
}

func TestChangeDetection(t *testing.T) {
	tr := newScriptedTransport(
		map[string]interface{}{"temp": 10.0, "speed": 50.0},
		map[string]interface{}{"temp": 10.0, "speed": 60.0},
	)
	clk := newFakeClock()

	p := New(testConfig(
		models.TagConfig{Name: "temp", Address: "DB1.DBD0"},
		models.TagConfig{Name: "speed", Address: "DB1.DBD4"},
	), tr, clk, logger.NewTestLogger())

	require.NoError(t, p.Connect(context.Background()))

	defer func() { _ = p.Disconnect(context.Background()) }()

	// First cycle: everything is new, both tags signal a change.
	first := waitEvent(t, p, func(ev Event) bool {
		_, ok := ev.(DataEvent)
		return ok
	}).(DataEvent)
	assert.True(t, first.Changed)
	assert.Len(t, first.Readings, 2)

	clk.ticker.ch <- time.Now()

	// Second cycle: only speed changed.
	change := waitEvent(t, p, func(ev Event) bool {
		_, ok := ev.(TagChangeEvent)
		return ok
	}).(TagChangeEvent)
	assert.Equal(t, "speed", change.Tag)
	assert.Equal(t, 60.0, change.Value)

	second := waitEvent(t, p, func(ev Event) bool {
		_, ok := ev.(DataEvent)
		return ok
	}).(DataEvent)
	assert.True(t, second.Changed)
}

func TestChangeDetectionArrayValues(t *testing.T) {
	tr := newScriptedTransport(
		map[string]interface{}{"vib": []float64{1, 2, 3}},
		map[string]interface{}{"vib": []float64{1, 2, 3}},
		map[string]interface{}{"vib": []float64{1, 2, 4}},
	)
	clk := newFakeClock()

	p := New(testConfig(models.TagConfig{Name: "vib", Address: "DB2.ARR0"}), tr, clk, logger.NewTestLogger())
	require.NoError(t, p.Connect(context.Background()))

	defer func() { _ = p.Disconnect(context.Background()) }()

	first := waitEvent(t, p, func(ev Event) bool {
		_, ok := ev.(DataEvent)
		return ok
	}).(DataEvent)
	assert.True(t, first.Changed)

	// Identical array: snapshot event without a change flag.
	clk.ticker.ch <- time.Now()

	second := waitEvent(t, p, func(ev Event) bool {
		_, ok := ev.(DataEvent)
		return ok
	}).(DataEvent)
	assert.False(t, second.Changed)

	// One element differs: change detected.
	clk.ticker.ch <- time.Now()

	third := waitEvent(t, p, func(ev Event) bool {
		_, ok := ev.(DataEvent)
		return ok
	}).(DataEvent)
	assert.True(t, third.Changed)
}

func TestAlarmHysteresisTransitions(t *testing.T) {
	limit := 100.0

	tr := newScriptedTransport(
		map[string]interface{}{"pressure": 105.0},
		map[string]interface{}{"pressure": 95.0},
		map[string]interface{}{"pressure": 85.0},
	)
	clk := newFakeClock()

	p := New(testConfig(models.TagConfig{
		Name:      "pressure",
		Address:   "DB3.DBD0",
		HighLimit: &limit,
		Deadband:  10,
	}), tr, clk, logger.NewTestLogger())

	require.NoError(t, p.Connect(context.Background()))

	defer func() { _ = p.Disconnect(context.Background()) }()

	// 105 > 100: activation.
	sig := waitEvent(t, p, func(ev Event) bool {
		_, ok := ev.(AlarmSignal)
		return ok
	}).(AlarmSignal)
	assert.Equal(t, models.AlarmActivated, sig.Event.Transition)
	assert.Equal(t, models.AlarmHigh, sig.Event.Kind)
	assert.Equal(t, 105.0, sig.Event.Value)

	// 95 is inside the deadband: no transition, only the snapshot event.
	clk.ticker.ch <- time.Now()
	waitEvent(t, p, func(ev Event) bool {
		if _, isAlarm := ev.(AlarmSignal); isAlarm {
			t.Fatal("unexpected alarm transition inside deadband")
		}

		d, ok := ev.(DataEvent)
		return ok && d.Cycle == 2
	})

	// 85 < 90: clears.
	clk.ticker.ch <- time.Now()

	sig = waitEvent(t, p, func(ev Event) bool {
		_, ok := ev.(AlarmSignal)
		return ok
	}).(AlarmSignal)
	assert.Equal(t, models.AlarmCleared, sig.Event.Transition)
}

func TestDisconnectDiscardsInFlightRead(t *testing.T) {
	tr := newBlockingTransport()
	clk := newFakeClock()

	p := New(testConfig(models.TagConfig{Name: "temp", Address: "DB1.DBD0"}), tr, clk, logger.NewTestLogger())
	require.NoError(t, p.Connect(context.Background()))

	require.Eventually(t, func() bool { return tr.reads.Load() == 1 }, waitTimeout, waitTick)

	require.NoError(t, p.Disconnect(context.Background()))
	assert.Equal(t, models.StateDisconnected, p.State())

	// The parked read completes after disconnect; its result must be dropped.
	tr.release <- map[string]interface{}{"temp": 42.0}

	require.Eventually(t, func() bool { return !p.Stats().InFlight }, waitTimeout, waitTick)
	assert.Equal(t, uint64(0), p.Stats().Cycles)
}

func TestTransportDropStopsCycle(t *testing.T) {
	tr := newScriptedTransport(map[string]interface{}{"temp": 1.0})
	clk := newFakeClock()

	p := New(testConfig(models.TagConfig{Name: "temp", Address: "DB1.DBD0"}), tr, clk, logger.NewTestLogger())
	require.NoError(t, p.Connect(context.Background()))

	waitEvent(t, p, func(ev Event) bool {
		_, ok := ev.(DataEvent)
		return ok
	})

	tr.states <- transport.StateChange{State: transport.StateError, Err: errors.New("session lost")}

	ev := waitEvent(t, p, func(ev Event) bool {
		s, ok := ev.(StateEvent)
		return ok && s.State == models.StateOffline
	}).(StateEvent)
	assert.Equal(t, "plc-1", ev.Device)

	require.Eventually(t, func() bool { return p.State() == models.StateOffline }, waitTimeout, waitTick)
	assert.Equal(t, "session lost", p.Stats().LastError)
}

func TestIntervalClampedToFloor(t *testing.T) {
	tr := newScriptedTransport(map[string]interface{}{"temp": 1.0})
	clk := newFakeClock()

	cfg := testConfig(models.TagConfig{Name: "temp", Address: "DB1.DBD0"})
	cfg.PollInterval = models.Duration(10 * time.Millisecond)

	p := New(cfg, tr, clk, logger.NewTestLogger())
	require.NoError(t, p.Connect(context.Background()))

	defer func() { _ = p.Disconnect(context.Background()) }()

	assert.Equal(t, MinCycleInterval, p.Stats().Interval)

	warning := waitEvent(t, p, func(ev Event) bool {
		_, ok := ev.(WarningEvent)
		return ok
	}).(WarningEvent)
	assert.Contains(t, warning.Message, "clamped")
}

func TestUpdateCycleTimeKeepsBookkeeping(t *testing.T) {
	tr := newBlockingTransport()
	clk := newFakeClock()

	p := New(testConfig(models.TagConfig{Name: "temp", Address: "DB1.DBD0"}), tr, clk, logger.NewTestLogger())
	require.NoError(t, p.Connect(context.Background()))

	defer func() { _ = p.Disconnect(context.Background()) }()

	require.Eventually(t, func() bool { return tr.reads.Load() == 1 }, waitTimeout, waitTick)

	clk.ticker.ch <- time.Now()
	require.Eventually(t, func() bool { return p.Stats().Deferred == 1 }, waitTimeout, waitTick)

	p.UpdateCycleTime(500 * time.Millisecond)

	require.Eventually(t, func() bool { return p.Stats().Interval == 500*time.Millisecond }, waitTimeout, waitTick)

	// The in-flight and deferred bookkeeping survive the reschedule.
	s := p.Stats()
	assert.True(t, s.InFlight)
	assert.Equal(t, 1, s.Deferred)
}

func TestWriteTagUnknownTag(t *testing.T) {
	ctrl := gomock.NewController(t)

	tr := transport.NewMockTransport(ctrl)

	p := New(testConfig(models.TagConfig{Name: "temp", Address: "DB1.DBD0"}), tr, newFakeClock(), logger.NewTestLogger())

	err := p.WriteTag(context.Background(), "nope", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestWriteTagDelegatesToTransport(t *testing.T) {
	ctrl := gomock.NewController(t)

	tr := transport.NewMockTransport(ctrl)
	tr.EXPECT().Write(gomock.Any(), "DB1.DBD0", 7.5).Return(nil)

	p := New(testConfig(models.TagConfig{Name: "temp", Address: "DB1.DBD0"}), tr, newFakeClock(), logger.NewTestLogger())

	require.NoError(t, p.WriteTag(context.Background(), "temp", 7.5))
}

func TestWriteManyFailsWhenAnyWriteFails(t *testing.T) {
	ctrl := gomock.NewController(t)

	writeErr := errors.New("write refused")

	tr := transport.NewMockTransport(ctrl)
	tr.EXPECT().Write(gomock.Any(), "DB1.DBD0", 1).Return(nil)
	tr.EXPECT().Write(gomock.Any(), "DB1.DBD4", 2).Return(writeErr)

	p := New(testConfig(
		models.TagConfig{Name: "temp", Address: "DB1.DBD0"},
		models.TagConfig{Name: "speed", Address: "DB1.DBD4"},
	), tr, newFakeClock(), logger.NewTestLogger())

	err := p.WriteMany(context.Background(), []TagWrite{
		{Tag: "temp", Value: 1},
		{Tag: "speed", Value: 2},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, writeErr)
	assert.ErrorIs(t, err, transport.ErrWriteFailed)
}

func TestWriteRefusedAfterDisconnect(t *testing.T) {
	ctrl := gomock.NewController(t)

	tr := transport.NewMockTransport(ctrl)
	tr.EXPECT().Disconnect(gomock.Any()).Return(nil)

	p := New(testConfig(models.TagConfig{Name: "temp", Address: "DB1.DBD0"}), tr, newFakeClock(), logger.NewTestLogger())

	require.NoError(t, p.Disconnect(context.Background()))

	err := p.WriteTag(context.Background(), "temp", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotOnline)
}

func TestWriteManyMap(t *testing.T) {
	ctrl := gomock.NewController(t)

	tr := transport.NewMockTransport(ctrl)
	tr.EXPECT().Write(gomock.Any(), "DB1.DBD0", 1).Return(nil)
	tr.EXPECT().Write(gomock.Any(), "DB1.DBD4", 2).Return(nil)

	p := New(testConfig(
		models.TagConfig{Name: "temp", Address: "DB1.DBD0"},
		models.TagConfig{Name: "speed", Address: "DB1.DBD4"},
	), tr, newFakeClock(), logger.NewTestLogger())

	require.NoError(t, p.WriteManyMap(context.Background(), map[string]interface{}{
		"temp":  1,
		"speed": 2,
	}))
}

func TestConnectFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	tr := transport.NewMockTransport(ctrl)
	tr.EXPECT().Connect(gomock.Any()).Return(errors.New("no route"))

	p := New(testConfig(), tr, newFakeClock(), logger.NewTestLogger())

	err := p.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, models.StateOffline, p.State())
	assert.Equal(t, "no route", p.Stats().LastError)
}

func TestCycleLoopSurvivesConnectContextCancel(t *testing.T) {
	tr := newScriptedTransport(
		map[string]interface{}{"temp": 1.0},
		map[string]interface{}{"temp": 2.0},
	)
	clk := newFakeClock()

	p := New(testConfig(models.TagConfig{Name: "temp", Address: "DB1.DBD0"}), tr, clk, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, p.Connect(ctx))

	defer func() { _ = p.Disconnect(context.Background()) }()

	waitEvent(t, p, func(ev Event) bool {
		_, ok := ev.(DataEvent)
		return ok
	})

	// The dial context expiring must not stop an established session.
	cancel()

	clk.ticker.ch <- time.Now()

	waitEvent(t, p, func(ev Event) bool {
		d, ok := ev.(DataEvent)
		return ok && d.Cycle == 2
	})

	assert.Equal(t, models.StateOnline, p.State())
}

func TestReadFailureWrapsTransportError(t *testing.T) {
	ctrl := gomock.NewController(t)

	readErr := errors.New("bus fault")
	stateCh := make(chan transport.StateChange)

	tr := transport.NewMockTransport(ctrl)
	tr.EXPECT().Connect(gomock.Any()).Return(nil)
	tr.EXPECT().StateChanges().Return((<-chan transport.StateChange)(stateCh))
	tr.EXPECT().ReadAll(gomock.Any(), gomock.Any()).Return(nil, readErr)
	tr.EXPECT().Disconnect(gomock.Any()).Return(nil)

	p := New(testConfig(models.TagConfig{Name: "temp", Address: "DB1.DBD0"}), tr, newFakeClock(), logger.NewTestLogger())

	require.NoError(t, p.Connect(context.Background()))

	ev := waitEvent(t, p, func(ev Event) bool {
		_, ok := ev.(ReadErrorEvent)
		return ok
	}).(ReadErrorEvent)

	assert.ErrorIs(t, ev.Err, transport.ErrReadFailed)
	assert.ErrorIs(t, ev.Err, readErr)

	require.NoError(t, p.Disconnect(context.Background()))
}

func TestFullEventBusCountsDrops(t *testing.T) {
	ctrl := gomock.NewController(t)

	tr := transport.NewMockTransport(ctrl)

	p := New(testConfig(), tr, newFakeClock(), logger.NewTestLogger())

	// Nobody drains the bus; fill it to the brim, then overflow it.
	for i := 0; i < eventBufferSize; i++ {
		p.emit(WarningEvent{Device: "plc-1"})
	}

	assert.Zero(t, p.Stats().DroppedTotal)

	for i := 0; i < 3; i++ {
		p.emit(WarningEvent{Device: "plc-1"})
	}

	assert.Equal(t, uint64(3), p.Stats().DroppedTotal)
}
