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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carverauto/plcfleet/pkg/config"
	"github.com/carverauto/plcfleet/pkg/fleet"
	"github.com/carverauto/plcfleet/pkg/logger"
	"github.com/carverauto/plcfleet/pkg/metrics"
	"github.com/carverauto/plcfleet/pkg/registry"
	"github.com/carverauto/plcfleet/pkg/sink"
	"github.com/carverauto/plcfleet/pkg/store"
	"github.com/carverauto/plcfleet/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var errFailedToLoadConfig = errors.New("failed to load config")

// appConfig is the top-level daemon configuration.
type appConfig struct {
	DevicesPath string         `json:"devices_path"`
	ListenAddr  string         `json:"listen_addr"`
	NATSURL     string         `json:"nats_url,omitempty"`
	NATSStream  string         `json:"nats_stream,omitempty"`
	Fleet       fleet.Config   `json:"fleet"`
	Logging     *logger.Config `json:"logging,omitempty"`
}

func (c *appConfig) Validate() error {
	if c.DevicesPath == "" {
		return errors.New("devices_path is required")
	}

	if c.ListenAddr == "" {
		c.ListenAddr = ":9406"
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/plcfleet/fleetd.json", "Path to fleetd config file")
	flag.Parse()

	ctx := context.Background()

	var cfg appConfig

	if err := config.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	logConfig := logger.Config{Level: "info", Output: "stdout"}
	if cfg.Logging != nil {
		logConfig = *cfg.Logging
	}

	if err := logger.Init(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	fleetLogger := logger.New(logger.GetLogger().With().Str("component", "fleet").Logger())

	var eventSink sink.Sink = sink.NoopSink{}

	if cfg.NATSURL != "" {
		ns, err := sink.NewNATSSink(ctx, cfg.NATSURL, cfg.NATSStream, fleetLogger)
		if err != nil {
			return fmt.Errorf("failed to set up NATS sink: %w", err)
		}

		eventSink = sink.NewBreakerSink(ns, fleetLogger)
	}

	defer func() {
		if err := eventSink.Close(); err != nil {
			fleetLogger.Warn().Err(err).Msg("Sink close failed")
		}
	}()

	promRegistry := prometheus.NewRegistry()
	fleetMetrics := metrics.NewFleetMetrics(promRegistry)

	manager := fleet.NewManager(
		cfg.Fleet,
		config.NewFileDeviceSource(cfg.DevicesPath),
		transport.SimFactory{},
		registry.New(),
		store.New(),
		eventSink,
		fleetMetrics,
		nil,
		fleetLogger,
	)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fleet manager: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		fleetLogger.Info().Str("addr", cfg.ListenAddr).Msg("Metrics endpoint listening")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fleetLogger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	sig := <-sigCh

	fleetLogger.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		fleetLogger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}

	manager.Stop()

	return nil
}
