// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main wires the Service Manager, Event Bus, and Pipeline Engine
// into a single embeddable process. It is intentionally thin — the three
// subsystems are libraries; this binary exists only to demonstrate
// starting them together, exposing /healthz and /metrics, and wiring an
// example in-memory pipeline adapter.
//
// # Application Architecture
//
// Startup order:
//
//  1. Configuration: koanf v2, defaults -> optional YAML file -> env vars
//  2. Logging: zerolog, configured from cfg.Logging
//  3. Tracing: a no-op tracer by default, or a stdout exporter when
//     OTEL_TRACE_STDOUT=true, for demonstration only
//  4. Metrics: a per-process prometheus.Registry shared by all three
//     subsystems, exposed at /metrics
//  5. Event Bus: in-process dispatch, optional NATS relay (build tag "nats")
//  6. Service Manager: supervisor tree + health loop, started in the background
//  7. Pipeline Engine: registered against the Event Bus and an example
//     in-memory adapter, with one demonstration pipeline armed on an
//     interval schedule
//  8. HTTP front door: go-chi router serving /healthz and /metrics
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server stops
// accepting new connections, the Pipeline Engine and Event Bus drain and
// close, and the Service Manager's supervisor tree is torn down.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/backendcore/platform/internal/config"
	"github.com/backendcore/platform/internal/eventbus"
	"github.com/backendcore/platform/internal/logging"
	"github.com/backendcore/platform/internal/metrics"
	"github.com/backendcore/platform/internal/pipeline"
	"github.com/backendcore/platform/internal/servicemgr"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Msg("starting platformd")

	shutdownTracing, err := initTracing(os.Getenv("OTEL_TRACE_STDOUT") == "true", os.Stdout)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	broker, err := newBroker(cfg, m)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to dial event broker")
	}

	bus := eventbus.New(eventbus.Config{
		MaxHistorySize:       cfg.EventBus.MaxHistorySize,
		DefaultTTL:           cfg.EventBus.DefaultTTL,
		CompressionThreshold: cfg.EventBus.CompressionThreshold,
		Broker:               broker,
		ShutdownTimeout:      cfg.EventBus.ShutdownTimeout,
		Metrics:              m,
	})

	manager := servicemgr.New(servicemgr.ManagerConfig{
		HealthCheckTimeout:         cfg.ServiceManager.HealthCheckTimeout,
		HealthCheckInterval:        cfg.ServiceManager.HealthCheckInterval,
		CircuitBreakerThreshold:    cfg.ServiceManager.CircuitBreakerThreshold,
		CircuitBreakerResetTimeout: cfg.ServiceManager.CircuitBreakerResetTimeout,
		Metrics:                    m,
		Events:                     busPublisher{bus},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.Run(ctx)

	srcAdapter := newMemoryAdapter([]any{"sample-1", "sample-2", "sample-3"})
	dstAdapter := newMemoryAdapter(nil)

	engine := pipeline.New(pipeline.EngineConfig{
		Adapters: map[string]pipeline.Adapter{
			"memory-source":      srcAdapter,
			"memory-destination": dstAdapter,
		},
		DefaultConcurrency:     cfg.Pipeline.Concurrency,
		DefaultRateInterval:    cfg.Pipeline.Interval,
		DefaultRateIntervalCap: cfg.Pipeline.IntervalCap,
		DefaultMaxDLQSize:      cfg.Pipeline.MaxDLQSize,
		DefaultRetries:         cfg.Pipeline.Retries,
		DefaultMinBackoff:      cfg.Pipeline.MinBackoff,
		DefaultMaxBackoff:      cfg.Pipeline.MaxBackoff,
		Bus:                    bus,
		Metrics:                m,
	})
	if err := engine.Start(ctx); err != nil {
		logging.Fatal().Err(err).Msg("failed to start pipeline engine")
	}

	pipelineID, err := engine.RegisterPipeline(pipeline.Config{
		Name:        "example-copy",
		Source:      pipeline.AdapterRef{Type: "memory-source"},
		Destination: pipeline.AdapterRef{Type: "memory-destination"},
		BatchSize:   2,
		Retries:     cfg.Pipeline.Retries,
		Schedule:    &pipeline.Schedule{Interval: time.Minute},
		Enabled:     true,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to register example pipeline")
	}
	logging.Info().Str("pipeline_id", pipelineID.String()).Msg("example pipeline registered")

	if _, err := manager.Register(servicemgr.Config{
		Name: "pipeline-engine",
		Probe: func(context.Context) error {
			return nil
		},
	}); err != nil {
		logging.Fatal().Err(err).Msg("failed to register pipeline-engine service")
	}
	if err := manager.StartAll(ctx); err != nil {
		logging.Fatal().Err(err).Msg("failed to start registered services")
	}

	router := chi.NewRouter()
	router.Get("/healthz", healthzHandler(manager, engine, pipelineID, dstAdapter))
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("http server shutdown error")
		}
		if err := engine.Close(); err != nil {
			logging.Error().Err(err).Msg("pipeline engine shutdown error")
		}
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("event bus shutdown error")
		}
		if err := manager.Close(); err != nil {
			logging.Error().Err(err).Msg("service manager shutdown error")
		}
		if err := shutdownTracing(context.Background()); err != nil {
			logging.Error().Err(err).Msg("tracer shutdown error")
		}
		cancel()
	}()

	logging.Info().Str("addr", server.Addr).Msg("http server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal().Err(err).Msg("http server error")
	}

	logging.Info().Msg("platformd stopped gracefully")
}

// busPublisher narrows *eventbus.Bus down to servicemgr.EventPublisher's
// single-method surface: it publishes in the "servicemgr" namespace and
// drops the publish ID the Service Manager has no use for.
type busPublisher struct {
	bus *eventbus.Bus
}

func (p busPublisher) Publish(topic string, data any) error {
	_, err := p.bus.Publish(topic, data, eventbus.PublishOptions{Namespace: "servicemgr"})
	return err
}

func healthzHandler(manager *servicemgr.Manager, engine *pipeline.Engine, pipelineID uuid.UUID, dst *memoryAdapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := manager.ListServices()
		unhealthy := 0
		for _, svc := range services {
			if svc.Health == servicemgr.HealthUnhealthy {
				unhealthy++
			}
		}
		dlqSize, err := engine.DLQSize(pipelineID)
		if err != nil {
			dlqSize = -1
		}

		status := http.StatusOK
		if unhealthy > 0 {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		fmt.Fprintf(w, "services=%d unhealthy=%d pipeline_items_written=%d pipeline_dlq_size=%d\n",
			len(services), unhealthy, dst.writtenCount(), dlqSize)
	}
}
