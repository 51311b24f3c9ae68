// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxlink/acks"
	"github.com/absmach/fluxlink/backoff"
	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/connection"
	"github.com/absmach/fluxlink/supervisor"
	"github.com/absmach/fluxlink/worker"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	eventBuffer = 64
	opsBuffer   = 16
)

// envelope tags an event with the session it belongs to. Events of a
// replaced session are dropped.
type envelope struct {
	sess *session
	ev   event
}

// session is one client handle with its workers.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	sup    *supervisor.Supervisor

	autoReconnect atomic.Bool
	everConnected atomic.Bool
	// activated is set once the workers of the session started.
	activated atomic.Bool

	// Only touched on the ops goroutine.
	declared bool
	workers  int
}

type view struct {
	state       State
	since       time.Time
	degraded    bool
	lastFailure string
}

// Actor drives the lifecycle of one connection. Every state change happens
// on its loop goroutine; blocking client calls run one at a time on a
// separate ops goroutine and report back as events.
type Actor struct {
	conn           connection.Connection
	cfg            Config
	logger         *slog.Logger
	subscriberID   string
	brokerMinDelay time.Duration
	retry          *backoff.Strategy

	events  chan envelope
	ops     chan func()
	quit    chan struct{}
	opsDone chan struct{}
	done    chan struct{}

	sess             atomic.Pointer[session]
	redeliveryQueued atomic.Bool

	// Loop goroutine only.
	d           data
	stopping    bool
	stopReplies []chan<- error
	redelivery  *time.Timer

	mu   sync.RWMutex
	view view
}

// NewActor starts the actor of conn in the disconnected state.
func NewActor(conn connection.Connection, cfg Config) *Actor {
	cfg = cfg.WithDefaults()
	a := &Actor{
		conn:           conn,
		cfg:            cfg,
		logger:         cfg.Logger.With(slog.String("connection", conn.ID)),
		subscriberID:   fmt.Sprintf("%s:%s", conn.ID, uuid.New().String()),
		brokerMinDelay: cfg.BrokerDisconnectMinDelay,
		retry:          backoff.New(cfg.Backoff),
		events:         make(chan envelope, eventBuffer),
		ops:            make(chan func(), opsBuffer),
		quit:           make(chan struct{}),
		opsDone:        make(chan struct{}),
		done:           make(chan struct{}),
		view:           view{state: StateDisconnected, since: time.Now()},
	}

	if conn.ConnectionType == connection.TypeMQTT {
		mcfg, err := connection.ParseMQTTConfig(conn.SpecificConfig)
		if err != nil {
			a.logger.Warn("invalid MQTT specific config, using defaults", slog.String("error", err.Error()))
		}
		if mcfg.BrokerDisconnectMinDelay > 0 {
			a.brokerMinDelay = mcfg.BrokerDisconnectMinDelay
		}
		if mcfg.ReconnectForRedelivery {
			if conn.FailoverEnabled {
				a.d.redeliveryEnabled = true
				a.d.redeliveryDelay = mcfg.ReconnectForRedeliveryDelay
			} else {
				a.logger.Warn("reconnect for redelivery needs failover, ignoring it")
			}
		}
	}

	go a.loop()
	go a.runOps()
	return a
}

// Connection returns the descriptor the actor was built for.
func (a *Actor) Connection() connection.Connection {
	return a.conn
}

// Done is closed once the actor stopped.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// Open connects the connection and starts its workers. It returns once the
// connection is active or failed.
func (a *Actor) Open(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, openCmd{reply: reply}); err != nil {
		return err
	}
	return a.await(ctx, reply)
}

// Close stops the workers and disconnects. With shutdown set the actor
// stops once disconnected.
func (a *Actor) Close(ctx context.Context, shutdown bool) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, closeCmd{shutdown: shutdown, reply: reply}); err != nil {
		if errors.Is(err, ErrStopped) {
			return nil
		}
		return err
	}
	return a.await(ctx, reply)
}

// Test checks conn with an ephemeral client. The actor's own client is not
// touched.
func (a *Actor) Test(ctx context.Context, conn connection.Connection) (TestResult, error) {
	reply := make(chan TestResult, 1)
	if err := a.send(ctx, testCmd{conn: conn, reply: reply}); err != nil {
		return TestResult{}, err
	}
	select {
	case res := <-reply:
		return res, nil
	case <-a.done:
		return TestResult{}, ErrStopped
	case <-ctx.Done():
		return TestResult{}, ctxErr(ctx)
	}
}

// Stop tears everything down and stops the actor.
func (a *Actor) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, stopCmd{reply: reply}); err != nil {
		if errors.Is(err, ErrStopped) {
			return nil
		}
		return err
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

// Publish hands sig to the publisher worker.
func (a *Actor) Publish(ctx context.Context, sig worker.Signal) error {
	s := a.sess.Load()
	if s == nil || a.State() != StateConnected {
		return ErrNotConnected
	}
	return s.sup.Publish(ctx, sig)
}

// RequestRedelivery asks for a consumer reconnect so the broker redelivers
// unacknowledged messages. Requests are coalesced while one is scheduled.
func (a *Actor) RequestRedelivery() {
	if a.redeliveryQueued.CompareAndSwap(false, true) {
		a.post(nil, redeliveryRequested{})
	}
}

// State returns the current lifecycle state.
func (a *Actor) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.view.state
}

// Status describes the connection.
func (a *Actor) Status() Status {
	a.mu.RLock()
	v := a.view
	a.mu.RUnlock()

	st := Status{
		ConnectionID:    a.conn.ID,
		State:           v.state.String(),
		Degraded:        v.degraded,
		LastFailure:     v.lastFailure,
		Since:           v.since,
		ClientCount:     a.conn.ClientCount,
		SourceAddresses: supervisor.SourceAddresses(a.conn),
	}
	if s := a.sess.Load(); s != nil {
		ss := s.sup.Status()
		st.Consumers = ss.Consumers
		st.Publisher = ss.Publisher
	}
	return st
}

func (a *Actor) send(ctx context.Context, ev event) error {
	select {
	case <-a.quit:
		return ErrStopped
	default:
	}
	select {
	case a.events <- envelope{ev: ev}:
		return nil
	case <-a.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

func (a *Actor) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-a.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

// post delivers an event from a client callback or an operation.
func (a *Actor) post(s *session, ev event) {
	select {
	case a.events <- envelope{sess: s, ev: ev}:
	case <-a.quit:
	}
}

func (a *Actor) submit(op func()) {
	a.ops <- op
}

func (a *Actor) runOps() {
	defer close(a.opsDone)
	for op := range a.ops {
		op()
	}
}

func (a *Actor) loop() {
	defer a.finish()
	for env := range a.events {
		if env.sess != nil && env.sess != a.sess.Load() {
			a.logger.Debug("stale event dropped", slog.String("event", env.ev.eventName()))
			continue
		}
		a.handle(env.ev)
		if a.stopping {
			return
		}
	}
}

func (a *Actor) finish() {
	close(a.quit)
	close(a.ops)
	<-a.opsDone
	if a.redelivery != nil {
		a.redelivery.Stop()
	}
	close(a.done)
	for _, r := range a.stopReplies {
		r <- nil
	}
	a.logger.Info("connection actor stopped")
}

func (a *Actor) handle(ev event) {
	if _, ok := ev.(redeliveryRequested); ok {
		a.redeliveryQueued.Store(false)
	}
	from := a.d.state
	next, effs := transition(a.d, ev)
	a.d = next

	a.mu.Lock()
	if from != next.state {
		a.view.state = next.state
		a.view.since = time.Now()
	}
	a.view.degraded = next.degraded
	a.view.lastFailure = next.lastFailure
	a.mu.Unlock()

	if from != next.state {
		a.logger.Info("connection state changed",
			slog.String("from", from.String()),
			slog.String("to", next.state.String()),
			slog.String("event", ev.eventName()))
		a.cfg.Metrics.RecordTransition(a.conn.ID, from.String(), next.state.String())
	}

	for _, eff := range effs {
		a.execute(eff)
	}
}

func (a *Actor) execute(eff effect) {
	switch e := eff.(type) {
	case effConnect:
		a.connect()
	case effActivate:
		a.activate()
	case effDisconnect:
		a.disconnect(e.notify)
	case effSetAutoReconnect:
		if s := a.sess.Load(); s != nil {
			s.autoReconnect.Store(e.enabled)
		}
	case effReply:
		if e.to != nil {
			select {
			case e.to <- e.err:
			default:
			}
		}
	case effReplyTest:
		if e.to != nil {
			select {
			case e.to <- e.result:
			default:
			}
		}
	case effRunTest:
		a.runTest(e)
	case effScheduleRedelivery:
		a.logger.Info("consumer reconnect for redelivery scheduled", slog.Duration("delay", e.delay))
		s := a.sess.Load()
		a.redelivery = time.AfterFunc(e.delay, func() {
			a.post(s, redeliveryDue{})
		})
	case effReconnectConsumer:
		a.reconnectConsumer()
	case effStop:
		a.stopping = true
		if e.reply != nil {
			a.stopReplies = append(a.stopReplies, e.reply)
		}
	case effLog:
		a.logger.LogAttrs(context.Background(), e.level, e.msg, e.attrs...)
	}
}

func (a *Actor) newSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{ctx: ctx, cancel: cancel}
	s.sup = supervisor.New(supervisor.Config{
		Connection:     a.conn,
		InboundMapper:  a.cfg.InboundMapper,
		OutboundMapper: a.cfg.OutboundMapper,
		Sink:           a.cfg.Sink,
		Acks:           a.cfg.Acks,
		AckTimeout:     a.cfg.AckTimeout,
		Limiter:        a.cfg.Limiter,
		Breaker:        a.cfg.Breaker,
		MaxRestarts:    a.cfg.MaxWorkerRestarts,
		StopTimeout:    a.cfg.WorkerStopTimeout,
		OnNack:         a.RequestRedelivery,
		OnIssued: func(id string, label acks.Label) {
			a.cfg.Acks.Acknowledge(id, label, true)
		},
		OnDegraded: func(index int, err error) {
			a.post(s, workerDegraded{source: index, err: err})
		},
		Observer: a.cfg.Metrics,
		Tracer:   a.cfg.Tracer,
		Logger:   a.cfg.Logger,
	})
	return s
}

func (a *Actor) listeners(s *session) client.Listeners {
	return client.Listeners{
		OnConnected: func(ev client.ConnectedEvent) {
			s.everConnected.Store(true)
			a.post(s, clientConnected{role: ev.Role})
		},
		OnDisconnected: func(ev client.DisconnectedEvent) {
			reconnect, delay := decideReconnect(a.retry, reconnectInput{
				attempts:        ev.Reconnector.Attempts(),
				everConnected:   ev.EverConnected && s.everConnected.Load(),
				failoverEnabled: a.conn.FailoverEnabled,
				autoReconnect:   s.autoReconnect.Load(),
				source:          ev.Source,
				brokerMinDelay:  a.brokerMinDelay,
			})
			if delay > 0 {
				ev.Reconnector.Delay(delay)
			}
			ev.Reconnector.Reconnect(reconnect)

			a.cfg.Metrics.RecordReconnect(a.conn.ID, ev.Source.String(), reconnect, delay)
			a.logger.Info("client disconnected",
				slog.String("client", client.RoleClientID(ev.Role, ev.ClientID)),
				slog.String("source", ev.Source.String()),
				slog.Bool("reconnect", reconnect),
				slog.Duration("delay", delay),
				slog.Any("cause", ev.Cause))

			a.post(s, clientDisconnected{
				role:      ev.Role,
				source:    ev.Source,
				reconnect: reconnect,
				delay:     delay,
				cause:     ev.Cause,
			})
		},
	}
}

func (a *Actor) connect() {
	s := a.sess.Load()
	if s == nil {
		s = a.newSession()
		c, err := a.cfg.Factory.New(a.conn, a.listeners(s))
		if err != nil {
			s.cancel()
			a.cfg.Metrics.RecordConnectFailure(a.conn.ID)
			a.submit(func() {
				a.post(nil, connectDone{err: fmt.Errorf("create client: %w", err)})
			})
			return
		}
		s.sup.SetClient(c)
		a.sess.Store(s)
	}
	s.autoReconnect.Store(true)

	a.submit(func() {
		c := s.sup.Client()
		if c == nil {
			a.post(s, connectDone{err: supervisor.ErrNoClient})
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, a.cfg.ConnectTimeout)
		defer cancel()
		ctx, span := a.startSpan(ctx, "connectivity.connect")

		err := c.Connect(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", ErrTimeout, err)
			}
			a.cfg.Metrics.RecordConnectFailure(a.conn.ID)
		}
		endSpan(span, err)
		// A role that came up during a failed first connect is nothing to resume.
		a.post(s, connectDone{err: err, everConnected: s.activated.Load()})
	})
}

func (a *Actor) activate() {
	s := a.sess.Load()
	if s == nil {
		a.submit(func() { a.post(nil, activateDone{err: ErrNotConnected}) })
		return
	}
	a.submit(func() {
		ctx, span := a.startSpan(s.ctx, "connectivity.activate")
		err := a.startWorkers(ctx, s)
		endSpan(span, err)
		if err == nil {
			s.activated.Store(true)
		}
		a.post(s, activateDone{err: err})
	})
}

func (a *Actor) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return a.cfg.Tracer.Start(ctx, name, trace.WithAttributes(
		worker.AttrConnection.String(a.conn.ID),
		attribute.String("fluxlink.connection_type", string(a.conn.ConnectionType))))
}

func (a *Actor) startWorkers(ctx context.Context, s *session) error {
	if err := s.sup.StartPublisher(); err != nil && !errors.Is(err, supervisor.ErrAlreadyStarted) {
		return fmt.Errorf("start publisher: %w", err)
	}
	if err := a.declareAcks(ctx, s); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.SubscribeTimeout)
	defer cancel()
	if err := s.sup.StartConsumers(ctx); err != nil {
		if errors.Is(err, supervisor.ErrAlreadyStarted) {
			return nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return fmt.Errorf("start consumers: %w", err)
	}

	n := supervisor.DetermineNumberOfConsumers(a.conn)
	if len(a.conn.Sources) == 0 {
		n = 0
	}
	n++ // publisher
	a.cfg.Metrics.RecordWorkers(n - s.workers)
	s.workers = n
	return nil
}

func (a *Actor) declareAcks(ctx context.Context, s *session) error {
	labels := a.conn.DeclaredLabels()
	if a.cfg.Registry == nil || len(labels) == 0 || s.declared {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultDeclareTimeout)
	defer cancel()
	_, err := a.cfg.Registry.Declare(ctx, acks.Request{
		Labels:     labels,
		Subscriber: a.subscriberID,
		Group:      a.conn.ID,
	})
	switch {
	case errors.Is(err, acks.ErrUnsupported):
		a.logger.Warn("acknowledgement labels not declared", slog.String("error", err.Error()))
		return nil
	case err != nil:
		a.cfg.Metrics.RecordError("declare_acks")
		return fmt.Errorf("declare acknowledgement labels: %w", err)
	}
	s.declared = true
	a.cfg.Metrics.RecordLabelsDeclared(len(labels))
	return nil
}

func (a *Actor) disconnect(notify bool) {
	if a.redelivery != nil {
		a.redelivery.Stop()
		a.redelivery = nil
	}
	s := a.sess.Swap(nil)
	if s != nil {
		s.autoReconnect.Store(false)
		s.cancel()
	}
	a.submit(func() {
		var err error
		if s != nil {
			err = a.teardown(s)
		}
		if notify {
			a.post(nil, disconnectDone{err: err})
		}
	})
}

func (a *Actor) teardown(s *session) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DisconnectTimeout)
	defer cancel()

	var errs []error
	if err := s.sup.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.declared {
		if err := a.cfg.Registry.RemoveSubscriber(ctx, a.subscriberID); err != nil {
			errs = append(errs, fmt.Errorf("release acknowledgement labels: %w", err))
		}
		a.cfg.Metrics.RecordLabelsDeclared(-len(a.conn.DeclaredLabels()))
		s.declared = false
	}
	if s.workers > 0 {
		a.cfg.Metrics.RecordWorkers(-s.workers)
		s.workers = 0
	}

	err := errors.Join(errs...)
	if err != nil {
		a.cfg.Metrics.RecordError("disconnect")
		a.logger.Warn("disconnect finished with errors", slog.String("error", err.Error()))
	}
	return err
}

func (a *Actor) reconnectConsumer() {
	s := a.sess.Load()
	if s == nil {
		return
	}
	a.submit(func() {
		c := s.sup.Client()
		if c == nil {
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, a.cfg.DisconnectTimeout)
		defer cancel()
		a.logger.Info("reconnecting consumer for redelivery")
		if err := c.DisconnectRole(ctx, client.RoleConsumer); err != nil {
			a.logger.Warn("consumer reconnect for redelivery failed", slog.String("error", err.Error()))
		}
	})
}

func (a *Actor) runTest(e effRunTest) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TestTimeout)
		defer cancel()
		ctx, span := a.startSpan(ctx, "connectivity.test")
		res := TestConnection(ctx, a.cfg.Factory, e.conn, a.cfg.DisconnectTimeout)
		endSpan(span, res.Err())
		if e.inState {
			a.post(nil, testDone{result: res})
			return
		}
		select {
		case e.reply <- res:
		default:
		}
	}()
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}
