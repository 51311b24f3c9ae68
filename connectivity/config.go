// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fluxlink/acks"
	"github.com/absmach/fluxlink/backoff"
	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/ratelimit"
	"github.com/absmach/fluxlink/worker"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Default timeouts.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultDisconnectTimeout = 10 * time.Second
	DefaultSubscribeTimeout  = 10 * time.Second
	DefaultTestTimeout       = 10 * time.Second
	DefaultDeclareTimeout    = 5 * time.Second
)

// Metrics receives connectivity measurements.
type Metrics interface {
	worker.Observer
	RecordTransition(connID, from, to string)
	RecordConnectFailure(connID string)
	RecordReconnect(connID, source string, reconnect bool, delay time.Duration)
	RecordWorkers(delta int)
	RecordLabelsDeclared(delta int)
	RecordError(errorType string)
}

type nopMetrics struct{}

func (nopMetrics) InboundSettled(string, worker.Outcome)               {}
func (nopMetrics) OutboundSent(string, error)                          {}
func (nopMetrics) RecordTransition(string, string, string)             {}
func (nopMetrics) RecordConnectFailure(string)                         {}
func (nopMetrics) RecordReconnect(string, string, bool, time.Duration) {}
func (nopMetrics) RecordWorkers(int)                                   {}
func (nopMetrics) RecordLabelsDeclared(int)                            {}
func (nopMetrics) RecordError(string)                                  {}

// Config is shared by every connection actor.
type Config struct {
	Factory client.Factory
	// Registry receives the acknowledgement labels declared by sources.
	// Nil skips declaration.
	Registry       acks.Registry
	Acks           *worker.AckTracker
	InboundMapper  worker.InboundMapper
	OutboundMapper worker.OutboundMapper
	Sink           worker.Sink
	Limiter        *ratelimit.Manager
	Breaker        worker.BreakerConfig
	Backoff        backoff.Config

	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	SubscribeTimeout  time.Duration
	TestTimeout       time.Duration
	// BrokerDisconnectMinDelay is the service floor for reconnects after a
	// broker-initiated disconnect.
	BrokerDisconnectMinDelay time.Duration

	AckTimeout        time.Duration
	MaxWorkerRestarts int
	WorkerStopTimeout time.Duration

	Metrics Metrics
	// Tracer spans connection lifecycle operations and worker traffic.
	Tracer trace.Tracer
	Logger *slog.Logger
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.TestTimeout <= 0 {
		c.TestTimeout = DefaultTestTimeout
	}
	if c.BrokerDisconnectMinDelay <= 0 {
		c.BrokerDisconnectMinDelay = DefaultBrokerDisconnectMinDelay
	}
	if c.Backoff == (backoff.Config{}) {
		c.Backoff = backoff.DefaultConfig()
	}
	if c.Acks == nil {
		c.Acks = worker.NewAckTracker()
	}
	if c.InboundMapper == nil {
		c.InboundMapper = worker.PassThrough{}
	}
	if c.OutboundMapper == nil {
		c.OutboundMapper = worker.PassThrough{}
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer(TracerName)
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Sink == nil {
		logger := c.Logger
		c.Sink = worker.SinkFunc(func(_ context.Context, cmd worker.Command) error {
			logger.Debug("inbound command discarded",
				slog.String("connection", cmd.ConnectionID),
				slog.String("id", cmd.ID))
			return nil
		})
	}
	return c
}
