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

// Package fleet implements the connection lifecycle manager: admission
// control, retry with backoff, health checking, and configuration
// reconciliation over a fleet of device pollers.
package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/carverauto/plcfleet/pkg/logger"
	"github.com/carverauto/plcfleet/pkg/metrics"
	"github.com/carverauto/plcfleet/pkg/models"
	"github.com/carverauto/plcfleet/pkg/poller"
	"github.com/carverauto/plcfleet/pkg/registry"
	"github.com/carverauto/plcfleet/pkg/sink"
	"github.com/carverauto/plcfleet/pkg/store"
	"github.com/carverauto/plcfleet/pkg/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

const (
	defaultHealthInterval        = 30 * time.Second
	defaultReconcileInterval     = time.Minute
	defaultMaxConcurrentConnects = 4
	defaultRetryDelay            = 5 * time.Second
	defaultSettleDelay           = 2 * time.Second
	defaultShutdownTimeout       = 10 * time.Second
	defaultConnectTimeout        = 10 * time.Second
)

// DeviceSource supplies the desired device roster. It is re-read on every
// reconciliation tick.
type DeviceSource interface {
	LoadDeviceConfigs(ctx context.Context) ([]models.DeviceConfig, error)
}

// Config holds the manager's tuning knobs. Zero values fall back to defaults.
type Config struct {
	HealthInterval        models.Duration `json:"health_interval"`
	ReconcileInterval     models.Duration `json:"reconcile_interval"`
	MaxConcurrentConnects int             `json:"max_concurrent_connects"`
	RetryDelay            models.Duration `json:"retry_delay"`
	SettleDelay           models.Duration `json:"settle_delay"`
	ShutdownTimeout       models.Duration `json:"shutdown_timeout"`
}

func (c *Config) withDefaults() Config {
	out := *c

	if out.HealthInterval <= 0 {
		out.HealthInterval = models.Duration(defaultHealthInterval)
	}

	if out.ReconcileInterval <= 0 {
		out.ReconcileInterval = models.Duration(defaultReconcileInterval)
	}

	if out.MaxConcurrentConnects <= 0 {
		out.MaxConcurrentConnects = defaultMaxConcurrentConnects
	}

	if out.RetryDelay <= 0 {
		out.RetryDelay = models.Duration(defaultRetryDelay)
	}

	if out.SettleDelay <= 0 {
		out.SettleDelay = models.Duration(defaultSettleDelay)
	}

	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = models.Duration(defaultShutdownTimeout)
	}

	return out
}

// managed pairs a live poller with the stop signal of its event pump.
type managed struct {
	poller *poller.DevicePoller
	stop   chan struct{}
}

// Manager owns the fleet: it admits connections under a concurrency ceiling,
// pumps poller events into the store and sink, retries failed devices with
// exponential backoff, and reconciles the registry against the device source.
type Manager struct {
	cfg      Config
	source   DeviceSource
	factory  transport.Factory
	registry *registry.Registry
	store    *store.Store
	sink     sink.Sink
	metrics  *metrics.FleetMetrics
	clock    poller.Clock
	log      logger.Logger

	sem *semaphore.Weighted

	mu           sync.Mutex
	pollers      map[string]*managed
	connecting   map[string]struct{}
	retryTimers  map[string]*time.Timer
	backoffs     map[string]*backoff.ExponentialBackOff
	deferredSeen map[string]uint64
	droppedSeen  map[string]uint64
	stopped      bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager assembles a fleet manager. A nil sink becomes a no-op sink; nil
// metrics register on a throwaway registry.
func NewManager(cfg Config, source DeviceSource, factory transport.Factory, reg *registry.Registry,
	st *store.Store, snk sink.Sink, fm *metrics.FleetMetrics, clock poller.Clock, log logger.Logger) *Manager {
	cfg = cfg.withDefaults()

	if snk == nil {
		snk = sink.NoopSink{}
	}

	if fm == nil {
		fm = metrics.NewFleetMetrics(prometheus.NewRegistry())
	}

	if clock == nil {
		clock = poller.NewClock()
	}

	return &Manager{
		cfg:          cfg,
		source:       source,
		factory:      factory,
		registry:     reg,
		store:        st,
		sink:         snk,
		metrics:      fm,
		clock:        clock,
		log:          log,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrentConnects)),
		pollers:      make(map[string]*managed),
		connecting:   make(map[string]struct{}),
		retryTimers:  make(map[string]*time.Timer),
		backoffs:     make(map[string]*backoff.ExponentialBackOff),
		deferredSeen: make(map[string]uint64),
		droppedSeen:  make(map[string]uint64),
		done:         make(chan struct{}),
	}
}

// Start loads the initial roster, begins priority-ordered connection of all
// eligible devices, and launches the health and reconciliation loops.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.reconcile(ctx, false); err != nil {
		return err
	}

	m.startInitialConnects(ctx)

	m.wg.Add(2)

	go m.healthLoop(ctx)
	go m.reconcileLoop(ctx)

	m.log.Info().
		Int("devices", len(m.registry.Names())).
		Int("max_concurrent_connects", m.cfg.MaxConcurrentConnects).
		Msg("Fleet manager started")

	return nil
}

// startInitialConnects admits eligible devices in priority order. The
// launcher acquires an admission slot before handing off to a connect
// goroutine, so attempts begin in order while the ceiling caps concurrency.
func (m *Manager) startInitialConnects(ctx context.Context) {
	order := m.registry.ConnectOrder()

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		for _, cfg := range order {
			select {
			case <-m.done:
				return
			default:
			}

			if err := m.sem.Acquire(ctx, 1); err != nil {
				return
			}

			name := cfg.Name

			m.wg.Add(1)

			go func() {
				defer m.wg.Done()
				defer m.sem.Release(1)

				if err := m.connectWithSlot(ctx, name, false); err != nil {
					m.log.Debug().Str("device", name).Err(err).Msg("Initial connect attempt failed")
				}
			}()
		}
	}()
}

// Connect is the operator entry point. It clears the manual-intervention
// flag and retry bookkeeping before attempting the connection.
func (m *Manager) Connect(ctx context.Context, name string) error {
	return m.connectDevice(ctx, name, true)
}

// Enable flips a device's enabled flag. Enabling clears the
// manual-intervention latch and retry counter, then reconnects the device if
// it is eligible for automatic management. Disabling tears its session down
// and parks it offline; health checks leave disabled devices alone. The
// override lasts until the next roster change for that device.
func (m *Manager) Enable(ctx context.Context, name string, enabled bool) error {
	cfg, ok := m.registry.Config(name)
	if !ok {
		return ErrDeviceNotFound
	}

	cfg.Enabled = enabled
	m.registry.UpsertConfig(cfg)

	if !enabled {
		m.cancelRetry(name)
		m.resetBackoff(name)

		if md := m.takePoller(name); md != nil {
			close(md.stop)

			_ = md.poller.Disconnect(ctx)
		}

		m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
			s.State = models.StateOffline
		})
		m.setConnectedGauge()

		m.log.Info().Str("device", name).Msg("Device disabled")

		return nil
	}

	m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
		s.NeedsManual = false
		s.RetryCount = 0
	})
	m.resetBackoff(name)

	m.log.Info().Str("device", name).Msg("Device enabled")

	if !cfg.Eligible() {
		return nil
	}

	return m.connectDevice(ctx, name, false)
}

func (m *Manager) connectDevice(ctx context.Context, name string, manual bool) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	return m.connectWithSlot(ctx, name, manual)
}

// connectWithSlot performs one connection attempt. The caller holds an
// admission slot.
func (m *Manager) connectWithSlot(ctx context.Context, name string, manual bool) error {
	if m.isStopped() {
		return ErrManagerStopped
	}

	cfg, ok := m.registry.Config(name)
	if !ok {
		return ErrDeviceNotFound
	}

	if !cfg.Enabled {
		return ErrDeviceDisabled
	}

	if manual {
		m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
			s.NeedsManual = false
			s.RetryCount = 0
		})
		m.resetBackoff(name)
	} else if st, found := m.registry.Status(name); found && st.NeedsManual {
		return ErrManualRequired
	}

	m.mu.Lock()
	if _, exists := m.pollers[name]; exists {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}

	if _, busy := m.connecting[name]; busy {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}

	m.connecting[name] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.connecting, name)
		m.mu.Unlock()
	}()

	m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
		s.State = models.StateConnecting
	})

	tr, err := m.factory.New(&cfg)
	if err != nil {
		m.recordConnectFailure(ctx, name, cfg, err, manual)
		return err
	}

	p := poller.New(cfg, tr, m.clock, m.log)

	// Bound the dial so a wedged transport cannot pin its admission slot,
	// and abort it outright when the manager shuts down.
	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		select {
		case <-m.done:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	if err := p.Connect(dialCtx); err != nil {
		m.recordConnectFailure(ctx, name, cfg, err, manual)
		return err
	}

	md := &managed{poller: p, stop: make(chan struct{})}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()

		_ = p.Disconnect(ctx)

		return ErrManagerStopped
	}

	m.pollers[name] = md
	m.mu.Unlock()

	m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
		s.State = models.StateOnline
		s.RetryCount = 0
		s.LastError = ""
		s.NeedsManual = false
		s.SessionStart = p.Stats().SessionStart
	})
	m.resetBackoff(name)

	m.metrics.ConnectAttempts.WithLabelValues(name, "success").Inc()
	m.setConnectedGauge()

	m.wg.Add(1)

	go m.pump(name, md)

	m.log.Info().Str("device", name).Msg("Device connected")

	m.appendEvent(ctx, sink.CategoryState, name, "device connected", nil)

	return nil
}

func (m *Manager) recordConnectFailure(ctx context.Context, name string, cfg models.DeviceConfig, err error, manual bool) {
	m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
		s.State = models.StateError
		s.LastError = err.Error()
		s.RetryCount++
	})

	m.metrics.ConnectAttempts.WithLabelValues(name, "failure").Inc()

	m.log.Warn().Str("device", name).Err(err).Msg("Connection attempt failed")

	m.appendEvent(ctx, sink.CategoryState, name, "connection attempt failed",
		map[string]interface{}{"error": err.Error()})

	if !manual && cfg.Eligible() {
		m.scheduleRetry(ctx, name, cfg)
	}
}

// scheduleRetry arms the next reconnect attempt, or flags the device for
// manual intervention once the retry budget is exhausted. MaxRetries <= 0
// means retry forever.
func (m *Manager) scheduleRetry(ctx context.Context, name string, cfg models.DeviceConfig) {
	st, ok := m.registry.Status(name)
	if !ok {
		return
	}

	if cfg.MaxRetries > 0 && st.RetryCount >= cfg.MaxRetries {
		m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
			s.NeedsManual = true
		})

		m.log.Error().
			Str("device", name).
			Int("retries", st.RetryCount).
			Msg("Retry budget exhausted, manual intervention required")

		m.appendEvent(ctx, sink.CategoryRetry, name, "retry budget exhausted",
			map[string]interface{}{"retries": st.RetryCount})

		return
	}

	delay := m.nextBackoff(name, cfg)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}

	if t, exists := m.retryTimers[name]; exists {
		t.Stop()
	}

	m.retryTimers[name] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.retryTimers, name)
		m.mu.Unlock()

		if err := m.connectDevice(context.Background(), name, false); err != nil {
			m.log.Debug().Str("device", name).Err(err).Msg("Retry attempt failed")
		}
	})
	m.mu.Unlock()

	m.log.Info().
		Str("device", name).
		Dur("delay", delay).
		Int("attempt", st.RetryCount).
		Msg("Reconnect scheduled")
}

func (m *Manager) nextBackoff(name string, cfg models.DeviceConfig) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	bo, ok := m.backoffs[name]
	if !ok {
		initial := time.Duration(cfg.RetryDelay)
		if initial <= 0 {
			initial = time.Duration(m.cfg.RetryDelay)
		}

		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = initial
		bo.MaxElapsedTime = 0
		bo.Reset()

		m.backoffs[name] = bo
	}

	return bo.NextBackOff()
}

func (m *Manager) resetBackoff(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.backoffs, name)
}

// Disconnect manually tears a device down. The device stays disconnected
// until an operator reconnects it or reconciliation replaces its config.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	if _, ok := m.registry.Config(name); !ok {
		return ErrDeviceNotFound
	}

	m.cancelRetry(name)

	md := m.takePoller(name)
	if md == nil {
		m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
			s.State = models.StateDisconnected
		})

		return nil
	}

	close(md.stop)

	err := md.poller.Disconnect(ctx)

	m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
		s.State = models.StateDisconnected
	})
	m.setConnectedGauge()

	m.log.Info().Str("device", name).Msg("Device disconnected")

	m.appendEvent(ctx, sink.CategoryState, name, "device disconnected", nil)

	return err
}

// Stop shuts the fleet down: retry timers are cancelled, pumps stopped, and
// all devices disconnected concurrently within the shutdown window.
func (m *Manager) Stop() {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	m.stopped = true

	timers := make([]*time.Timer, 0, len(m.retryTimers))
	for _, t := range m.retryTimers {
		timers = append(timers, t)
	}

	m.retryTimers = make(map[string]*time.Timer)

	pollers := make([]*managed, 0, len(m.pollers))
	names := make([]string, 0, len(m.pollers))

	for name, md := range m.pollers {
		pollers = append(pollers, md)
		names = append(names, name)
	}

	m.pollers = make(map[string]*managed)
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.cfg.ShutdownTimeout))
	defer cancel()

	var wg sync.WaitGroup

	for i, md := range pollers {
		close(md.stop)

		wg.Add(1)

		go func(name string, md *managed) {
			defer wg.Done()

			if err := md.poller.Disconnect(ctx); err != nil {
				m.log.Warn().Str("device", name).Err(err).Msg("Disconnect during shutdown failed")
			}

			m.registry.UpdateStatus(name, func(s *models.DeviceStatus) {
				s.State = models.StateDisconnected
			})
		}(names[i], md)
	}

	wg.Wait()
	m.wg.Wait()

	m.log.Info().Msg("Fleet manager stopped")
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stopped
}

func (m *Manager) managedPoller(name string) *managed {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pollers[name]
}

// takePoller removes and returns the managed poller, or nil.
func (m *Manager) takePoller(name string) *managed {
	m.mu.Lock()
	defer m.mu.Unlock()

	md := m.pollers[name]
	delete(m.pollers, name)

	return md
}

// removePoller drops the entry only if it still maps to md.
func (m *Manager) removePoller(name string, md *managed) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pollers[name] == md {
		delete(m.pollers, name)
	}
}

func (m *Manager) cancelRetry(name string) {
	m.mu.Lock()
	t := m.retryTimers[name]
	delete(m.retryTimers, name)
	m.mu.Unlock()

	if t != nil {
		t.Stop()
	}
}

// counterDelta tracks the last observed value of a per-device poller counter
// and returns how much it advanced since the previous health check. A value
// below the last observation means a new session reset the counter.
func (m *Manager) counterDelta(seen map[string]uint64, name string, current uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := seen[name]
	if current < prev {
		prev = 0
	}

	seen[name] = current

	return current - prev
}

func (m *Manager) hasRetryTimer(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.retryTimers[name]

	return ok
}

func (m *Manager) setConnectedGauge() {
	m.mu.Lock()
	n := len(m.pollers)
	m.mu.Unlock()

	m.metrics.ConnectedDevices.Set(float64(n))
}

func (m *Manager) appendEvent(ctx context.Context, category, device, message string, detail map[string]interface{}) {
	if err := m.sink.AppendEvent(ctx, category, device, message, detail); err != nil {
		m.log.Debug().Str("device", device).Err(err).Msg("Sink append failed")
	}
}
