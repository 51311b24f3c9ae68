// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/connection"
	"github.com/absmach/fluxlink/ratelimit"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is how an inbound message was settled.
type Outcome string

const (
	OutcomeAcked   Outcome = "acked"
	OutcomeNacked  Outcome = "nacked"
	OutcomeDropped Outcome = "dropped"
)

// Observer receives worker telemetry. Implementations must not block.
type Observer interface {
	InboundSettled(connID string, outcome Outcome)
	OutboundSent(connID string, err error)
}

type nopObserver struct{}

func (nopObserver) InboundSettled(string, Outcome) {}
func (nopObserver) OutboundSent(string, error)     {}

// DefaultAckTimeout bounds the wait for requested acknowledgements.
const DefaultAckTimeout = 30 * time.Second

// ConsumerConfig binds a consumer worker to one subscribed source.
type ConsumerConfig struct {
	ConnectionID string
	Index        int
	Source       connection.Source
	Stream       client.Stream
	Mapper       InboundMapper
	Sink         Sink
	Acks         *AckTracker
	AckTimeout   time.Duration
	Limiter      *ratelimit.Manager
	// OnNack runs after a message was nacked, e.g. to schedule a redelivery.
	OnNack func()
	// OnCrash runs once when a processing goroutine panics.
	OnCrash  func(err error)
	Observer Observer
	// Tracer spans every processed message. Nil disables tracing.
	Tracer trace.Tracer
	Logger *slog.Logger
}

// Consumer processes one source stream with Source.ConsumerCount goroutines.
type Consumer struct {
	cfg    ConsumerConfig
	key    string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	crashOnce sync.Once
	crashErr  error
	logger    *slog.Logger
}

// NewConsumer builds a stopped consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Mapper == nil {
		cfg.Mapper = PassThrough{}
	}
	if cfg.Acks == nil {
		cfg.Acks = NewAckTracker()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	cfg.Tracer = tracerOrNoop(cfg.Tracer)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	key := SourceKey(cfg.ConnectionID, cfg.Index)
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:    cfg,
		key:    key,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: cfg.Logger.With(
			slog.String("source", key),
			slog.String("addresses", strings.Join(cfg.Source.Addresses, ","))),
	}
}

// SourceKey identifies a source of a connection.
func SourceKey(connID string, index int) string {
	return fmt.Sprintf("%s/%d", connID, index)
}

// Start launches the processing goroutines.
func (c *Consumer) Start() {
	n := max(c.cfg.Source.ConsumerCount, 1)
	c.wg.Add(n)
	for i := 0; i < n; i++ {
		go c.run()
	}
	go func() {
		c.wg.Wait()
		close(c.done)
	}()
	c.logger.Debug("consumer started", slog.Int("goroutines", n))
}

// Done is closed when every processing goroutine has returned.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Err returns the crash cause, if the consumer crashed.
func (c *Consumer) Err() error {
	select {
	case <-c.done:
		return c.crashErr
	default:
		return nil
	}
}

// Stop signals the goroutines and waits for them until ctx is done. The
// stream is left open so a replacement consumer can take it over.
func (c *Consumer) Stop(ctx context.Context) error {
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: consumer %s", ErrStopTimeout, c.key)
	}
}

func (c *Consumer) run() {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.crash(fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()

	stream := c.cfg.Stream
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-stream.Done():
			return
		case msg := <-stream.Messages():
			c.process(msg)
		}
	}
}

func (c *Consumer) crash(err error) {
	c.crashOnce.Do(func() {
		c.crashErr = err
		c.cancel()
		c.logger.Error("consumer crashed", slog.String("error", err.Error()))
		if c.cfg.OnCrash != nil {
			c.cfg.OnCrash(err)
		}
	})
}

func (c *Consumer) process(msg *client.Message) {
	ctx, span := c.cfg.Tracer.Start(c.ctx, "worker.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			AttrConnection.String(c.cfg.ConnectionID),
			AttrSource.String(c.key),
			AttrTopic.String(msg.Topic)))

	// A panic while processing leaves the message unsettled; nack it before
	// the crash propagates.
	settled := false
	defer func() {
		if !settled {
			_ = msg.Nack()
			endSpan(span, ErrPanic)
		}
	}()

	if err := c.cfg.Limiter.WaitInbound(ctx, c.key); err != nil {
		settled = true
		c.nack(span, msg, err)
		return
	}

	cmd, err := c.cfg.Mapper.MapInbound(ctx, c.cfg.ConnectionID, msg)
	if err != nil {
		settled = true
		// Redelivering an unmappable message cannot succeed.
		c.logger.Warn("dropping unmappable message",
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()))
		c.settle(span, msg, OutcomeDropped, msg.Ack, err)
		return
	}
	cmd.RequestedAcks = append(cmd.RequestedAcks, c.cfg.Source.RequestedAcks...)

	wait := c.cfg.Acks.Expect(cmd.ID, cmd.RequestedAcks)
	if err := c.cfg.Sink.Dispatch(ctx, cmd); err != nil {
		settled = true
		c.cfg.Acks.Forget(cmd.ID)
		c.nack(span, msg, fmt.Errorf("dispatch: %w", err))
		return
	}

	err = c.awaitAcks(cmd.ID, wait)
	settled = true
	if err != nil {
		c.nack(span, msg, err)
		return
	}
	c.settle(span, msg, OutcomeAcked, msg.Ack, nil)
}

func (c *Consumer) awaitAcks(id string, wait <-chan error) error {
	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case err := <-wait:
		return err
	case <-timer.C:
		c.cfg.Acks.Forget(id)
		return ErrAckTimeout
	case <-c.ctx.Done():
		c.cfg.Acks.Forget(id)
		return ErrStopped
	}
}

func (c *Consumer) nack(span trace.Span, msg *client.Message, cause error) {
	c.settle(span, msg, OutcomeNacked, msg.Nack, cause)
	if errors.Is(cause, ErrStopped) || errors.Is(cause, context.Canceled) {
		return
	}
	c.logger.Warn("message not processed",
		slog.String("topic", msg.Topic),
		slog.String("error", cause.Error()))
	if c.cfg.OnNack != nil {
		c.cfg.OnNack()
	}
}

// settle runs fn, reports outcome and ends span with cause.
func (c *Consumer) settle(span trace.Span, msg *client.Message, outcome Outcome, fn func() error, cause error) {
	if err := fn(); err != nil {
		c.logger.Warn("failed to settle message",
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()))
		if cause == nil {
			cause = err
		}
	}
	c.cfg.Observer.InboundSettled(c.cfg.ConnectionID, outcome)
	span.SetAttributes(AttrOutcome.String(string(outcome)))
	endSpan(span, cause)
}
