// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxlink/acks"
	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/connection"
	"github.com/absmach/fluxlink/ratelimit"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"
)

// Sender is the outbound side of a client handle.
type Sender interface {
	Publish(ctx context.Context, msg client.OutboundMessage) error
}

// BreakerConfig configures the publish circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Publisher defaults.
const (
	DefaultQueueSize        = 128
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// PublisherConfig binds the publisher worker to a client handle.
type PublisherConfig struct {
	ConnectionID string
	// Target overrides the signal topic when set.
	Target    *connection.Target
	Sender    Sender
	Mapper    OutboundMapper
	Breaker   BreakerConfig
	Limiter   *ratelimit.Manager
	QueueSize int
	// OnIssued runs after a successful publish when the target issues an
	// acknowledgement label.
	OnIssued func(id string, label acks.Label)
	Observer Observer
	// Tracer spans every publish. Nil disables tracing.
	Tracer trace.Tracer
	Logger *slog.Logger
}

type publishJob struct {
	ctx    context.Context
	sig    Signal
	result chan error
}

// Publisher sends signals through the publisher role, one at a time.
type Publisher struct {
	cfg     PublisherConfig
	breaker *gobreaker.CircuitBreaker
	jobs    chan publishJob

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewPublisher builds a stopped publisher.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.Mapper == nil {
		cfg.Mapper = PassThrough{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Breaker.ResetTimeout <= 0 {
		cfg.Breaker.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	cfg.Tracer = tracerOrNoop(cfg.Tracer)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("publisher", cfg.ConnectionID))

	threshold := uint32(cfg.Breaker.FailureThreshold)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.ConnectionID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("publisher circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		cfg:     cfg,
		breaker: breaker,
		jobs:    make(chan publishJob, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Start launches the send loop.
func (p *Publisher) Start() {
	go p.run()
}

// Done is closed when the send loop has returned.
func (p *Publisher) Done() <-chan struct{} {
	return p.done
}

// Stop signals the send loop and waits for it until ctx is done. Queued
// signals fail with ErrStopped.
func (p *Publisher) Stop(ctx context.Context) error {
	p.once.Do(p.cancel)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: publisher %s", ErrStopTimeout, p.cfg.ConnectionID)
	}
}

// Publish queues sig and waits for the send result.
func (p *Publisher) Publish(ctx context.Context, sig Signal) error {
	if p.ctx.Err() != nil {
		return ErrStopped
	}
	job := publishJob{ctx: ctx, sig: sig, result: make(chan error, 1)}
	select {
	case p.jobs <- job:
	case <-p.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.result:
		return err
	case <-p.done:
		select {
		case err := <-job.result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BreakerState returns the circuit breaker state name.
func (p *Publisher) BreakerState() string {
	return p.breaker.State().String()
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case job := <-p.jobs:
			job.result <- p.send(job)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case job := <-p.jobs:
			job.result <- ErrStopped
		default:
			return
		}
	}
}

func (p *Publisher) send(job publishJob) (err error) {
	ctx, span := p.cfg.Tracer.Start(job.ctx, "worker.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(AttrConnection.String(p.cfg.ConnectionID)))
	defer func() { endSpan(span, err) }()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			p.logger.Error("publish panicked", slog.String("error", err.Error()))
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := p.cfg.Mapper.MapOutbound(ctx, job.sig)
	if err != nil {
		return fmt.Errorf("map signal: %w", err)
	}
	if t := p.cfg.Target; t != nil && t.Address != "" {
		msg.Topic = t.Address
		msg.QoS = t.QoS
	}
	if msg.Topic == "" {
		return ErrNoTarget
	}
	span.SetAttributes(AttrTopic.String(msg.Topic))

	if err := p.cfg.Limiter.WaitOutbound(ctx, p.cfg.ConnectionID); err != nil {
		return err
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.cfg.Sender.Publish(ctx, msg)
	})
	p.cfg.Observer.OutboundSent(p.cfg.ConnectionID, err)
	if err != nil {
		p.logger.Debug("publish failed",
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()))
		return err
	}

	if t := p.cfg.Target; t != nil && t.IssuedAckLabel != "" && p.cfg.OnIssued != nil {
		p.cfg.OnIssued(job.sig.ID, t.IssuedAckLabel)
	}
	return nil
}
