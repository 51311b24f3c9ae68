// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxlink/backoff"
	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/client/amqp091"
	"github.com/absmach/fluxlink/config"
	"github.com/absmach/fluxlink/connection"
	"github.com/absmach/fluxlink/connectivity"
	"github.com/absmach/fluxlink/internal/otel"
	"github.com/absmach/fluxlink/internal/wiring"
	"github.com/absmach/fluxlink/ratelimit"
	"github.com/absmach/fluxlink/server/health"
	"github.com/absmach/fluxlink/storage"
	"github.com/absmach/fluxlink/storage/badger"
	"github.com/absmach/fluxlink/storage/memory"
	"github.com/absmach/fluxlink/worker"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting connectivity service", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"node_id", cfg.Node.ID,
		"storage", cfg.Storage.Type,
		"acks_backend", cfg.Acks.Backend,
		"health_enabled", cfg.Health.Enabled,
		"telemetry_enabled", cfg.Telemetry.Enabled,
		"ratelimit_enabled", cfg.RateLimit.Enabled,
		"log_level", cfg.Log.Level)

	var store storage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{Dir: cfg.Storage.BadgerDir})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := startRegistry(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize acknowledgement label registry", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	var telemetry *otel.Provider
	var metrics connectivity.Metrics
	var tracer trace.Tracer

	if cfg.Telemetry.Enabled {
		provider, err := otel.Setup(ctx, cfg.Telemetry, cfg.Node.ID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		telemetry = provider
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)

		if cfg.Telemetry.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Telemetry.TracesEnabled {
			tracer = telemetry.Tracer(connectivity.TracerName)
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Telemetry.TraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	var limiter *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewManager(ratelimit.Config{
			Enabled: true,
			Inbound: ratelimit.FlowConfig{
				Enabled: cfg.RateLimit.Inbound.Enabled,
				Rate:    cfg.RateLimit.Inbound.Rate,
				Burst:   cfg.RateLimit.Inbound.Burst,
			},
			Outbound: ratelimit.FlowConfig{
				Enabled: cfg.RateLimit.Outbound.Enabled,
				Rate:    cfg.RateLimit.Outbound.Rate,
				Burst:   cfg.RateLimit.Outbound.Burst,
			},
		})
		slog.Info("Rate limiting enabled",
			slog.Bool("inbound", cfg.RateLimit.Inbound.Enabled),
			slog.Bool("outbound", cfg.RateLimit.Outbound.Enabled))
	} else {
		slog.Info("Rate limiting disabled")
	}

	factory := wiring.NewDefaultDispatcher(
		client.Options{
			ConnectTimeout: cfg.Connectivity.ConnectTimeout,
			ReconnectDelay: cfg.Connectivity.Backoff.Min,
			StreamBuffer:   cfg.Connectivity.StreamBuffer,
		},
		amqp091.Config{
			Heartbeat: cfg.AMQP.Heartbeat,
			Prefetch:  cfg.AMQP.Prefetch,
		},
		logger,
	)

	manager := connectivity.NewManager(managerConfig(cfg, factory, registry, limiter, metrics, tracer, logger), store.Connections())

	if err := manager.Restore(ctx); err != nil {
		slog.Error("Failed to restore connections", "error", err)
		os.Exit(1)
	}

	if cfg.ConnectionsFile != "" {
		conns, err := loadConnections(cfg.ConnectionsFile)
		if err != nil {
			slog.Error("Failed to load connections file", "file", cfg.ConnectionsFile, "error", err)
			os.Exit(1)
		}
		for _, conn := range conns {
			err := manager.Create(ctx, conn)
			switch {
			case errors.Is(err, connectivity.ErrAlreadyExists):
				slog.Debug("Connection already stored", "connection", conn.ID)
			case err != nil:
				slog.Warn("Failed to create connection", "connection", conn.ID, "error", err)
			}
		}
		slog.Info("Connections file applied", "file", cfg.ConnectionsFile, "count", len(conns))
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Node.ShutdownTimeout,
			NodeID:          cfg.Node.ID,
			AcksBackend:     cfg.Acks.Backend,
		}, manager, registry.Leadership, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Health.Addr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Connectivity service started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
	defer shutdownCancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if telemetry != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := telemetry.Shutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancel()

	wg.Wait()
	slog.Info("Connectivity service stopped")
}

// managerConfig maps service configuration onto the connectivity manager.
// metrics and tracer may be nil.
func managerConfig(cfg *config.Config, factory client.Factory, registry *registryRuntime, limiter *ratelimit.Manager, metrics connectivity.Metrics, tracer trace.Tracer, logger *slog.Logger) connectivity.Config {
	c := cfg.Connectivity
	return connectivity.Config{
		Factory:  factory,
		Registry: registry.Registry,
		Limiter:  limiter,
		Breaker: worker.BreakerConfig{
			FailureThreshold: c.PublisherBreaker.FailureThreshold,
			ResetTimeout:     c.PublisherBreaker.ResetTimeout,
		},
		Backoff: backoff.Config{
			Min:        c.Backoff.Min,
			Max:        c.Backoff.Max,
			Multiplier: c.Backoff.Multiplier,
			Jitter:     c.Backoff.Jitter,
		},
		ConnectTimeout:           c.ConnectTimeout,
		DisconnectTimeout:        c.DisconnectTimeout,
		SubscribeTimeout:         c.SubscribeTimeout,
		TestTimeout:              c.TestTimeout,
		BrokerDisconnectMinDelay: c.BrokerDisconnectMinDelay,
		AckTimeout:               c.AckTimeout,
		MaxWorkerRestarts:        c.MaxWorkerRestarts,
		WorkerStopTimeout:        c.WorkerStopTimeout,
		Metrics:                  metrics,
		Tracer:                   tracer,
		Logger:                   logger,
	}
}

// loadConnections reads a JSON array of connection descriptors.
func loadConnections(path string) ([]connection.Connection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	conns := make([]connection.Connection, 0, len(raw))
	for i, r := range raw {
		conn, err := connection.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("connection %d: %w", i, err)
		}
		conns = append(conns, conn)
	}
	return conns, nil
}
