// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package supervisor starts, restarts and tears down the consumer and
// publisher workers of one connection.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxlink/acks"
	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/connection"
	"github.com/absmach/fluxlink/ratelimit"
	"github.com/absmach/fluxlink/worker"
	"go.opentelemetry.io/otel/trace"
)

// Defaults.
const (
	DefaultMaxRestarts = 3
	DefaultStopTimeout = 5 * time.Second
)

// Config configures a Supervisor.
type Config struct {
	Connection     connection.Connection
	InboundMapper  worker.InboundMapper
	OutboundMapper worker.OutboundMapper
	Sink           worker.Sink
	Acks           *worker.AckTracker
	AckTimeout     time.Duration
	Limiter        *ratelimit.Manager
	Breaker        worker.BreakerConfig
	// MaxRestarts bounds restarts of a crashed consumer before the source is
	// reported degraded. Zero means DefaultMaxRestarts; negative disables restarts.
	MaxRestarts int
	StopTimeout time.Duration
	// OnNack runs when a consumer rejects a message.
	OnNack func()
	// OnIssued runs when a publish issued an acknowledgement label.
	OnIssued func(id string, label acks.Label)
	// OnDegraded runs when a source gave up restarting its consumer.
	OnDegraded func(index int, err error)
	Observer   worker.Observer
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

type consumerSlot struct {
	index    int
	source   connection.Source
	stream   client.Stream
	consumer *worker.Consumer
	restarts int
	degraded bool
}

// Status summarizes the running workers.
type Status struct {
	Publisher bool
	Consumers int
	Restarts  int
	Degraded  []int
}

// Supervisor owns the client handle of a connection and its workers.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	client    client.Client
	publisher *worker.Publisher
	consumers []*consumerSlot
	stopped   bool
}

// New returns a supervisor without client or workers.
func New(cfg Config) *Supervisor {
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Acks == nil {
		cfg.Acks = worker.NewAckTracker()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("connection", cfg.Connection.ID)),
	}
}

// SetClient attaches the live client handle.
func (s *Supervisor) SetClient(c client.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = c
	s.stopped = false
}

// Client returns the live client handle, or nil.
func (s *Supervisor) Client() client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// DetermineNumberOfConsumers sums the configured consumer count of every source.
func DetermineNumberOfConsumers(conn connection.Connection) int {
	n := 0
	for _, src := range conn.Sources {
		n += max(src.ConsumerCount, 1)
	}
	return n
}

// SourceAddresses lists every source address of conn, ";"-separated.
func SourceAddresses(conn connection.Connection) string {
	var addrs []string
	for _, src := range conn.Sources {
		addrs = append(addrs, src.Addresses...)
	}
	return strings.Join(addrs, ";")
}

// StartPublisher starts the publisher worker. It fails fast with ErrNoClient
// when no client handle is attached.
func (s *Supervisor) StartPublisher() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return ErrNoClient
	}
	if s.publisher != nil {
		return fmt.Errorf("%w: publisher", ErrAlreadyStarted)
	}

	p := worker.NewPublisher(worker.PublisherConfig{
		ConnectionID: s.cfg.Connection.ID,
		Target:       s.cfg.Connection.Target,
		Sender:       s.client,
		Mapper:       s.cfg.OutboundMapper,
		Breaker:      s.cfg.Breaker,
		Limiter:      s.cfg.Limiter,
		OnIssued:     s.cfg.OnIssued,
		Observer:     s.cfg.Observer,
		Tracer:       s.cfg.Tracer,
		Logger:       s.cfg.Logger,
	})
	p.Start()
	s.publisher = p
	return nil
}

// StartConsumers subscribes every source and starts one consumer per
// subscribed stream. When any source fails no consumer is left running, every
// obtained stream is closed and the cause of the first failed source is
// returned.
func (s *Supervisor) StartConsumers(ctx context.Context) error {
	s.mu.Lock()
	c := s.client
	started := len(s.consumers) > 0
	s.mu.Unlock()

	if c == nil {
		return ErrNoClient
	}
	if started {
		return fmt.Errorf("%w: consumers", ErrAlreadyStarted)
	}
	sources := s.cfg.Connection.Sources
	if len(sources) == 0 {
		return nil
	}

	results := c.Subscribe(ctx, sources)
	if err := validateResults(results, len(sources)); err != nil {
		closeStreams(results)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.client != c {
		closeStreams(results)
		return ErrNoClient
	}
	for _, res := range results {
		slot := &consumerSlot{index: res.Index, source: res.Source, stream: res.Stream}
		slot.consumer = s.newConsumer(slot)
		slot.consumer.Start()
		s.consumers = append(s.consumers, slot)
	}
	s.logger.Info("consumers started",
		slog.Int("sources", len(results)),
		slog.Int("consumers", DetermineNumberOfConsumers(s.cfg.Connection)))
	return nil
}

// validateResults returns the error of the first failed source in source order.
func validateResults(results []client.SubscribeResult, want int) error {
	if len(results) != want {
		return fmt.Errorf("%w: got %d of %d", ErrMissingResult, len(results), want)
	}
	for i, res := range results {
		switch {
		case res.Err != nil:
			return res.Err
		case res.Stream == nil:
			return fmt.Errorf("%w: source %d has neither stream nor error", ErrSubscribeResult, i)
		}
	}
	return nil
}

func closeStreams(results []client.SubscribeResult) {
	for _, res := range results {
		if res.Stream != nil {
			_ = res.Stream.Close()
		}
	}
}

// newConsumer must be called with s.mu held.
func (s *Supervisor) newConsumer(slot *consumerSlot) *worker.Consumer {
	var c *worker.Consumer
	c = worker.NewConsumer(worker.ConsumerConfig{
		ConnectionID: s.cfg.Connection.ID,
		Index:        slot.index,
		Source:       slot.source,
		Stream:       slot.stream,
		Mapper:       s.cfg.InboundMapper,
		Sink:         s.cfg.Sink,
		Acks:         s.cfg.Acks,
		AckTimeout:   s.cfg.AckTimeout,
		Limiter:      s.cfg.Limiter,
		OnNack:       s.cfg.OnNack,
		OnCrash: func(err error) {
			go s.restart(slot, c, err)
		},
		Observer: s.cfg.Observer,
		Tracer:   s.cfg.Tracer,
		Logger:   s.cfg.Logger,
	})
	return c
}

// restart replaces a crashed consumer once its goroutines returned. Other
// sources and the publisher keep running.
func (s *Supervisor) restart(slot *consumerSlot, crashed *worker.Consumer, cause error) {
	<-crashed.Done()

	s.mu.Lock()
	if s.stopped || slot.consumer != crashed {
		s.mu.Unlock()
		return
	}
	if s.cfg.MaxRestarts < 0 || slot.restarts >= s.cfg.MaxRestarts {
		slot.degraded = true
		slot.consumer = nil
		_ = slot.stream.Close()
		s.mu.Unlock()

		s.logger.Error("consumer degraded",
			slog.Int("source", slot.index),
			slog.Int("restarts", slot.restarts),
			slog.String("error", cause.Error()))
		if s.cfg.OnDegraded != nil {
			s.cfg.OnDegraded(slot.index, cause)
		}
		return
	}

	slot.restarts++
	slot.consumer = s.newConsumer(slot)
	slot.consumer.Start()
	s.mu.Unlock()

	s.logger.Warn("consumer restarted",
		slog.Int("source", slot.index),
		slog.Int("restarts", slot.restarts),
		slog.String("error", cause.Error()))
}

// Publish sends sig through the publisher worker.
func (s *Supervisor) Publish(ctx context.Context, sig worker.Signal) error {
	s.mu.Lock()
	p := s.publisher
	s.mu.Unlock()

	if p == nil {
		return ErrNoPublisher
	}
	return p.Publish(ctx, sig)
}

// Status returns a summary of the running workers.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Publisher: s.publisher != nil}
	for _, slot := range s.consumers {
		st.Restarts += slot.restarts
		if slot.degraded {
			st.Degraded = append(st.Degraded, slot.index)
			continue
		}
		st.Consumers += max(slot.source.ConsumerCount, 1)
	}
	return st
}

// Cleanup stops every consumer, then the publisher, then disconnects the
// client handle and forgets all three. Workers stop receiving before the
// transport goes away.
func (s *Supervisor) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	consumers := s.consumers
	publisher := s.publisher
	c := s.client
	s.consumers = nil
	s.publisher = nil
	s.client = nil
	s.mu.Unlock()

	var errs []error
	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()

	for _, slot := range consumers {
		if slot.consumer != nil {
			if err := slot.consumer.Stop(stopCtx); err != nil {
				errs = append(errs, err)
			}
		}
		_ = slot.stream.Close()
	}
	if publisher != nil {
		if err := publisher.Stop(stopCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if c != nil {
		if err := c.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect client: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("worker cleanup incomplete", slog.String("error", err.Error()))
		return err
	}
	return nil
}
