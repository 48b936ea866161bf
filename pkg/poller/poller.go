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

// Package poller implements the per-device cyclic read/write state machine.
// One DevicePoller owns exactly one transport session; it is created on
// connect and discarded on disconnect, never reused.
package poller

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/carverauto/plcfleet/pkg/logger"
	"github.com/carverauto/plcfleet/pkg/models"
	"github.com/carverauto/plcfleet/pkg/scaling"
	"github.com/carverauto/plcfleet/pkg/transport"
	"golang.org/x/sync/errgroup"
)

const (
	// MinCycleInterval is the hard floor for the poll interval. Requests
	// below it are clamped up with a warning, never rejected.
	MinCycleInterval = 100 * time.Millisecond

	defaultCycleInterval = time.Second
	defaultReadTimeout   = 5 * time.Second
	eventBufferSize      = 256
)

// TagWrite is one element of a WriteMany batch.
type TagWrite struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// CycleStats is a point-in-time snapshot of the poller's cycle bookkeeping.
type CycleStats struct {
	State         models.ConnState
	InFlight      bool
	Deferred      int
	DeferredTotal uint64
	DroppedTotal  uint64
	Cycles        uint64
	Interval      time.Duration
	SessionStart  time.Time
	LastError     string
}

// DevicePoller drives the read cycle for a single device.
type DevicePoller struct {
	cfg   models.DeviceConfig
	tr    transport.Transport
	clock Clock
	log   logger.Logger

	events chan Event

	mu            sync.Mutex
	state         models.ConnState
	inFlight      bool
	deferred      int
	deferredTotal uint64
	droppedTotal  uint64
	cycleCount    uint64
	sessionStart  time.Time
	interval      time.Duration
	lastError     string
	lastValues    map[string]interface{}
	alarmHigh     map[string]int
	alarmLow      map[string]int

	reloadCh  chan time.Duration
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a poller for one device over the given transport. The poller is
// idle until Connect succeeds.
func New(cfg models.DeviceConfig, tr transport.Transport, clock Clock, log logger.Logger) *DevicePoller {
	if clock == nil {
		clock = realClock{}
	}

	return &DevicePoller{
		cfg:        cfg,
		tr:         tr,
		clock:      clock,
		log:        log,
		events:     make(chan Event, eventBufferSize),
		state:      models.StateOffline,
		lastValues: make(map[string]interface{}),
		alarmHigh:  make(map[string]int),
		alarmLow:   make(map[string]int),
		reloadCh:   make(chan time.Duration, 1),
		done:       make(chan struct{}),
	}
}

// Events returns the poller's event bus. The channel is never closed; it is
// abandoned when the poller is discarded.
func (p *DevicePoller) Events() <-chan Event {
	return p.events
}

// State returns the current connection state.
func (p *DevicePoller) State() models.ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Stats returns a snapshot of the cycle bookkeeping.
func (p *DevicePoller) Stats() CycleStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return CycleStats{
		State:         p.state,
		InFlight:      p.inFlight,
		Deferred:      p.deferred,
		DeferredTotal: p.deferredTotal,
		DroppedTotal:  p.droppedTotal,
		Cycles:        p.cycleCount,
		Interval:      p.interval,
		SessionStart:  p.sessionStart,
		LastError:     p.lastError,
	}
}

// Connect establishes the transport session and starts the cycle timer. On
// success the retry bookkeeping is reset and the session start recorded.
func (p *DevicePoller) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state == models.StateOnline || p.state == models.StateConnecting {
		p.mu.Unlock()
		return ErrAlreadyConnected
	}
	p.state = models.StateConnecting
	p.mu.Unlock()

	p.emit(StateEvent{Device: p.cfg.Name, State: models.StateConnecting, Time: p.clock.Now()})

	if err := p.tr.Connect(ctx); err != nil {
		now := p.clock.Now()

		p.mu.Lock()
		p.state = models.StateOffline
		p.lastError = err.Error()
		p.mu.Unlock()

		p.emit(StateEvent{Device: p.cfg.Name, State: models.StateError, Err: err, Time: now})
		p.emit(StateEvent{Device: p.cfg.Name, State: models.StateOffline, Time: now})

		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, p.cfg.Name, err)
	}

	interval := p.clampInterval(time.Duration(p.cfg.PollInterval))

	p.mu.Lock()
	p.state = models.StateOnline
	p.sessionStart = p.clock.Now()
	p.cycleCount = 0
	p.lastError = ""
	p.interval = interval
	p.mu.Unlock()

	p.emit(StateEvent{Device: p.cfg.Name, State: models.StateOnline, Time: p.clock.Now()})

	p.wg.Add(1)

	// The cycle loop outlives the dial deadline; its lifetime is bound to
	// Disconnect, not to the connect attempt's context.
	go p.run(context.WithoutCancel(ctx), interval)

	return nil
}

// clampInterval enforces the cycle floor, signaling a warning when a request
// has to be raised.
func (p *DevicePoller) clampInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultCycleInterval
	}

	if d < MinCycleInterval {
		p.log.Warn().
			Str("device", p.cfg.Name).
			Dur("requested", d).
			Dur("floor", MinCycleInterval).
			Msg("Poll interval below cycle floor, clamping")

		p.emit(WarningEvent{
			Device:  p.cfg.Name,
			Message: fmt.Sprintf("poll interval %s below floor %s, clamped", d, MinCycleInterval),
			Time:    p.clock.Now(),
		})

		return MinCycleInterval
	}

	return d
}

// Disconnect cancels the cycle timer and tears down the transport session.
// A read already in flight is left to complete; its result is discarded.
func (p *DevicePoller) Disconnect(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	p.state = models.StateDisconnected
	p.mu.Unlock()

	err := p.tr.Disconnect(ctx)

	p.emit(StateEvent{Device: p.cfg.Name, State: models.StateDisconnected, Err: err, Time: p.clock.Now()})

	return err
}

// UpdateCycleTime replaces the poll interval at runtime without disturbing
// the in-flight or deferred bookkeeping.
func (p *DevicePoller) UpdateCycleTime(d time.Duration) {
	d = p.clampInterval(d)

	p.mu.Lock()
	p.interval = d
	running := p.state == models.StateOnline
	p.mu.Unlock()

	if !running {
		return
	}

	// Drop any stale queued value, then queue the new one.
	select {
	case <-p.reloadCh:
	default:
	}

	select {
	case p.reloadCh <- d:
	default:
	}
}

// WriteTag writes one value to a tag through the device's translation table.
// A poller that has been disconnected refuses writes; its session is gone.
func (p *DevicePoller) WriteTag(ctx context.Context, tag string, value interface{}) error {
	if p.State() == models.StateDisconnected {
		return fmt.Errorf("%w: %s", ErrNotOnline, p.cfg.Name)
	}

	tc, ok := p.cfg.Tag(tag)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownTag, p.cfg.Name, tag)
	}

	address := tc.Address
	if address == "" {
		address = tc.Name
	}

	if err := p.tr.Write(ctx, address, value); err != nil {
		return fmt.Errorf("%w: %s.%s: %w", transport.ErrWriteFailed, p.cfg.Name, tag, err)
	}

	return nil
}

// WriteMany issues all writes concurrently and fails if any single write
// fails. Already-issued writes are not rolled back.
func (p *DevicePoller) WriteMany(ctx context.Context, writes []TagWrite) error {
	var g errgroup.Group

	for _, w := range writes {
		g.Go(func() error {
			return p.WriteTag(ctx, w.Tag, w.Value)
		})
	}

	return g.Wait()
}

// WriteManyMap is WriteMany over a name->value mapping.
func (p *DevicePoller) WriteManyMap(ctx context.Context, writes map[string]interface{}) error {
	batch := make([]TagWrite, 0, len(writes))
	for tag, value := range writes {
		batch = append(batch, TagWrite{Tag: tag, Value: value})
	}

	return p.WriteMany(ctx, batch)
}

// run is the cycle loop. It owns the ticker and reacts to interval reloads
// and asynchronous transport state drops.
func (p *DevicePoller) run(ctx context.Context, interval time.Duration) {
	defer p.wg.Done()

	ticker := p.clock.Ticker(interval)
	defer func() { ticker.Stop() }()

	stateCh := p.tr.StateChanges()

	// First cycle fires immediately; the ticker paces the rest.
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.Chan():
			p.tick(ctx)
		case d := <-p.reloadCh:
			ticker.Stop()
			ticker = p.clock.Ticker(d)

			p.log.Info().Str("device", p.cfg.Name).Dur("interval", d).Msg("Cycle interval updated")
		case sc, ok := <-stateCh:
			if !ok {
				stateCh = nil
				continue
			}

			if p.handleTransportState(sc) {
				return
			}
		}
	}
}

// handleTransportState reacts to an asynchronous session drop. Returns true
// when the cycle loop must stop.
func (p *DevicePoller) handleTransportState(sc transport.StateChange) bool {
	if sc.State != transport.StateError && sc.State != transport.StateDisconnected {
		return false
	}

	p.mu.Lock()
	if p.state != models.StateOnline {
		p.mu.Unlock()
		return true
	}

	p.state = models.StateOffline
	if sc.Err != nil {
		p.lastError = sc.Err.Error()
	}
	p.mu.Unlock()

	now := p.clock.Now()

	p.log.Warn().Str("device", p.cfg.Name).Err(sc.Err).Msg("Transport dropped session")

	p.emit(StateEvent{Device: p.cfg.Name, State: models.StateError, Err: sc.Err, Time: now})
	p.emit(StateEvent{Device: p.cfg.Name, State: models.StateOffline, Time: now})

	return true
}

// tick starts a read cycle unless one is already outstanding, in which case
// the cycle is deferred and coalesced, never silently dropped.
func (p *DevicePoller) tick(ctx context.Context) {
	p.mu.Lock()

	if p.inFlight {
		p.deferred++
		p.deferredTotal++
		p.mu.Unlock()

		p.log.Debug().Str("device", p.cfg.Name).Msg("Read outstanding, cycle deferred")

		return
	}

	p.inFlight = true
	p.mu.Unlock()

	p.wg.Add(1)

	go p.read(ctx)
}

// read performs one read cycle plus any catch-up cycles owed to deferred
// ticks. It is the only goroutine that clears the in-flight flag.
func (p *DevicePoller) read(ctx context.Context) {
	defer p.wg.Done()

	timeout := time.Duration(p.cfg.Timeout)
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}

	tags := p.cfg.TagNames()

	for {
		start := p.clock.Now()

		rctx, cancel := context.WithTimeout(ctx, timeout)
		values, err := p.tr.ReadAll(rctx, tags)

		cancel()

		select {
		case <-p.done:
			// Disconnected while the read was in flight: discard the result.
			p.mu.Lock()
			p.inFlight = false
			p.deferred = 0
			p.mu.Unlock()

			return
		default:
		}

		if err != nil {
			err = fmt.Errorf("%w: %w", transport.ErrReadFailed, err)

			p.mu.Lock()
			p.lastError = err.Error()
			p.mu.Unlock()

			p.log.Warn().Str("device", p.cfg.Name).Err(err).Msg("Read cycle failed")

			p.emit(ReadErrorEvent{Device: p.cfg.Name, Err: err, Time: p.clock.Now()})
		} else {
			p.handleReadResult(values, p.clock.Now().Sub(start))
		}

		p.mu.Lock()
		if p.deferred > 0 {
			// Catch up immediately; coalesce all deferred ticks into one read.
			p.deferred = 0
			p.mu.Unlock()

			continue
		}

		p.inFlight = false
		p.mu.Unlock()

		return
	}
}

// handleReadResult scales the raw values, runs change detection and alarm
// evaluation, and publishes the cycle's events.
func (p *DevicePoller) handleReadResult(values map[string]interface{}, elapsed time.Duration) {
	now := p.clock.Now()

	readings := make([]models.Reading, 0, len(p.cfg.Tags))

	var changes []TagChangeEvent

	var alarms []models.AlarmEvent

	p.mu.Lock()

	for i := range p.cfg.Tags {
		tc := &p.cfg.Tags[i]

		raw, ok := values[tc.Name]
		if !ok {
			continue
		}

		value := raw

		euValue := math.NaN()
		if f, numeric := toFloat(raw); numeric {
			euValue = scaling.RawToEU(f, scaling.FromTag(tc))
			value = euValue
		}

		readings = append(readings, models.Reading{
			Tag:       tc.Name,
			Value:     value,
			Raw:       raw,
			Quality:   models.QualityGood,
			Unit:      tc.Unit,
			Timestamp: now,
		})

		prev, seen := p.lastValues[tc.Name]
		if !seen || !valuesEqual(prev, value) {
			changes = append(changes, TagChangeEvent{
				Device: p.cfg.Name,
				Tag:    tc.Name,
				Value:  value,
				Prev:   prev,
				Time:   now,
			})
		}

		p.lastValues[tc.Name] = value

		alarms = append(alarms, p.evaluateAlarmsLocked(tc, euValue, now)...)
	}

	p.cycleCount++
	cycle := p.cycleCount

	p.mu.Unlock()

	for _, c := range changes {
		p.emit(c)
	}

	for _, a := range alarms {
		p.emit(AlarmSignal{Device: p.cfg.Name, Event: a})
	}

	p.emit(DataEvent{
		Device:   p.cfg.Name,
		Readings: readings,
		Changed:  len(changes) > 0,
		Cycle:    cycle,
		Elapsed:  elapsed,
	})
}

// evaluateAlarmsLocked runs limit hysteresis for one tag and returns the
// alarm transitions crossed this cycle. Caller holds p.mu.
func (p *DevicePoller) evaluateAlarmsLocked(tc *models.TagConfig, value float64, now time.Time) []models.AlarmEvent {
	if math.IsNaN(value) {
		return nil
	}

	var out []models.AlarmEvent

	if tc.HighLimit != nil {
		prev := p.alarmHigh[tc.Name]

		next := scaling.ApplyHysteresis(value, prev, *tc.HighLimit, tc.Deadband)
		if next != prev {
			p.alarmHigh[tc.Name] = next
			out = append(out, alarmEvent(p.cfg.Name, tc.Name, models.AlarmHigh, next, value, *tc.HighLimit, now))
		}
	}

	if tc.LowLimit != nil {
		prev := p.alarmLow[tc.Name]

		next := scaling.ApplyLowHysteresis(value, prev, *tc.LowLimit, tc.Deadband)
		if next != prev {
			p.alarmLow[tc.Name] = next
			out = append(out, alarmEvent(p.cfg.Name, tc.Name, models.AlarmLow, next, value, *tc.LowLimit, now))
		}
	}

	return out
}

func alarmEvent(device, tag string, kind models.AlarmKind, state int, value, limit float64, now time.Time) models.AlarmEvent {
	transition := models.AlarmCleared
	if state == scaling.HysteresisAlarm {
		transition = models.AlarmActivated
	}

	return models.AlarmEvent{
		Device:     device,
		Tag:        tag,
		Kind:       kind,
		Transition: transition,
		Value:      value,
		Limit:      limit,
		Timestamp:  now,
	}
}

// emit publishes an event without ever blocking the cycle. A full bus drops
// the event with a warning; subscribers are expected to keep draining.
func (p *DevicePoller) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.mu.Lock()
		p.droppedTotal++
		p.mu.Unlock()

		p.log.Warn().Str("device", p.cfg.Name).Msg("Event bus full, dropping event")
	}
}

// toFloat converts the numeric types a transport may return. The second
// return value is false for non-numeric values, which bypass scaling.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// valuesEqual compares two tag values with element-wise handling for the
// composite shapes transports return.
func valuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return false
		}

		if math.IsNaN(av) && math.IsNaN(bv) {
			return true
		}

		return av == bv
	case []float64:
		bv, ok := b.([]float64)
		if !ok || len(av) != len(bv) {
			return false
		}

		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}

		return true
	case []int:
		bv, ok := b.([]int)
		if !ok || len(av) != len(bv) {
			return false
		}

		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}

		return true
	case []byte:
		bv, ok := b.([]byte)
		if !ok || len(av) != len(bv) {
			return false
		}

		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}

		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}

		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}

		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
