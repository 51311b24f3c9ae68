// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp091 implements the protocol client handle for AMQP 0.9.1
// brokers. Both roles share one connection and use a channel each, so
// disconnecting the consumer role returns its unacknowledged deliveries to
// the broker.
package amqp091

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/connection"
	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

var _ client.Client = (*Client)(nil)

type role struct {
	name  client.Role
	id    string
	state client.RoleState

	chMu sync.Mutex
	ch   *amqp091.Channel
}

func (r *role) channel() (*amqp091.Channel, error) {
	r.chMu.Lock()
	defer r.chMu.Unlock()
	if r.ch == nil || !r.state.IsConnected() {
		return nil, client.ErrNotConnected
	}
	return r.ch, nil
}

type subscription struct {
	queue  string
	tag    string
	stream *client.ChanStream
}

// Client is an AMQP 0.9.1 protocol client handle.
type Client struct {
	conn      connection.Connection
	cfg       Config
	dialCfg   amqp091.Config
	listeners client.Listeners

	connMu   sync.Mutex
	amqpConn *amqp091.Connection

	roles map[client.Role]*role

	subsMu sync.Mutex
	subs   map[string]*subscription

	loopMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// New builds an unconnected handle for conn.
func New(conn connection.Connection, listeners client.Listeners, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	dialCfg, err := dialConfig(conn.URI, conn.VerifiesCertificates(), cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:      conn,
		cfg:       cfg,
		dialCfg:   dialCfg,
		listeners: listeners,
		roles:     make(map[client.Role]*role),
		subs:      make(map[string]*subscription),
		logger:    cfg.Logger.With(slog.String("connection", conn.ID)),
	}
	for _, name := range client.Roles {
		c.roles[name] = &role{name: name, id: fmt.Sprintf("%s-%s", conn.ID, name)}
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	return c, nil
}

func (c *Client) ClientID(role client.Role) string {
	if r, ok := c.roles[role]; ok {
		return r.id
	}
	return ""
}

func (c *Client) Connect(ctx context.Context) error {
	for _, name := range client.Roles {
		if err := c.ConnectRole(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) ConnectRole(ctx context.Context, name client.Role) error {
	r, ok := c.roles[name]
	if !ok {
		return client.ErrUnknownRole
	}
	if r.state.IsConnected() {
		return nil
	}
	if err := c.connectRole(ctx, r); err != nil {
		c.startLoop(r, client.SourceClient, err)
		return err
	}
	c.listeners.Connected(client.ConnectedEvent{Role: r.name, ClientID: r.id})
	return nil
}

func (c *Client) connectRole(ctx context.Context, r *role) error {
	prev := r.state.Get()
	if !r.state.TransitionFrom(client.StateConnecting, client.StateDisconnected, client.StateReconnecting) {
		if r.state.IsConnected() {
			return nil
		}
		return fmt.Errorf("%w: role %s is %s", client.ErrConnectFailed, r.name, r.state.Get())
	}

	ch, err := c.openChannel(ctx, r.name)
	if err != nil {
		r.state.Set(prev)
		return fmt.Errorf("%w: %w", client.ErrConnectFailed, err)
	}

	r.chMu.Lock()
	r.ch = ch
	r.chMu.Unlock()
	r.state.Set(client.StateConnected)

	notify := ch.NotifyClose(make(chan *amqp091.Error, 1))
	go c.watch(r, notify)

	c.logger.Info("amqp channel opened", slog.String("client_id", client.RoleClientID(r.name, r.id)))

	if r.name == client.RoleConsumer {
		c.restoreSubscriptions(r)
	}
	return nil
}

func (c *Client) openChannel(ctx context.Context, name client.Role) (*amqp091.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.amqpConn == nil || c.amqpConn.IsClosed() {
		conn, err := amqp091.DialConfig(c.conn.URI, c.dialCfg)
		if err != nil {
			return nil, err
		}
		c.amqpConn = conn
	}

	ch, err := c.amqpConn.Channel()
	if err != nil {
		return nil, err
	}
	if name == client.RoleConsumer {
		if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}
	return ch, nil
}

// watch turns an unexpected channel close into a reconnect cycle. A channel
// closes with the connection, so one watcher covers both.
func (c *Client) watch(r *role, notify <-chan *amqp091.Error) {
	amqpErr, ok := <-notify
	if !ok || amqpErr == nil {
		return
	}
	if !r.state.Transition(client.StateConnected, client.StateReconnecting) {
		return
	}

	source := client.SourceClient
	if amqpErr.Server {
		source = client.SourceServer
	}
	c.logger.Warn("amqp channel closed",
		slog.String("client_id", client.RoleClientID(r.name, r.id)),
		slog.String("source", source.String()),
		slog.String("error", amqpErr.Error()))
	c.startLoop(r, source, amqpErr)
}

func (c *Client) startLoop(r *role, source client.DisconnectSource, cause error) {
	c.loopMu.Lock()
	ctx := c.ctx
	c.wg.Add(1)
	c.loopMu.Unlock()

	go func() {
		defer c.wg.Done()
		loop := client.Loop{
			Role:          r.name,
			ClientID:      r.id,
			Source:        source,
			EverConnected: r.state.EverConnected(),
			Cause:         cause,
			DefaultDelay:  c.cfg.ReconnectDelay,
			Listeners:     c.listeners,
			Connect: func(ctx context.Context) error {
				return c.connectRole(ctx, r)
			},
			Logger: c.logger,
		}
		if !loop.Run(ctx) {
			r.state.Transition(client.StateReconnecting, client.StateDisconnected)
		}
	}()
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.loopMu.Lock()
	c.cancel()
	c.loopMu.Unlock()

	var errs []error
	for _, name := range client.Roles {
		if err := c.closeRole(c.roles[name]); err != nil {
			errs = append(errs, err)
		}
	}

	c.connMu.Lock()
	if c.amqpConn != nil {
		if err := c.amqpConn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		c.amqpConn = nil
	}
	c.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for reconnect loops: %w", ctx.Err()))
	}

	c.loopMu.Lock()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.loopMu.Unlock()

	return errors.Join(errs...)
}

func (c *Client) DisconnectRole(_ context.Context, name client.Role) error {
	r, ok := c.roles[name]
	if !ok {
		return client.ErrUnknownRole
	}
	if !r.state.IsConnected() {
		return nil
	}
	if err := c.closeRole(r); err != nil {
		return err
	}
	r.state.Set(client.StateReconnecting)
	c.startLoop(r, client.SourceClient, nil)
	return nil
}

func (c *Client) closeRole(r *role) error {
	if !r.state.Transition(client.StateConnected, client.StateDisconnecting) {
		r.state.TransitionFrom(client.StateDisconnected, client.StateReconnecting, client.StateConnecting)
		return nil
	}
	defer r.state.Set(client.StateDisconnected)

	r.chMu.Lock()
	ch := r.ch
	r.ch = nil
	r.chMu.Unlock()

	if ch == nil {
		return nil
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("close %s channel: %w", r.name, err)
	}
	return nil
}

// Subscribe consumes every queue of each source on the consumer channel.
func (c *Client) Subscribe(ctx context.Context, sources []connection.Source) []client.SubscribeResult {
	r := c.roles[client.RoleConsumer]
	results := make([]client.SubscribeResult, len(sources))
	for i, src := range sources {
		results[i] = client.SubscribeResult{Index: i, Source: src}
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		stream, err := c.subscribeSource(r, src)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Stream = stream
	}
	return results
}

func (c *Client) subscribeSource(r *role, src connection.Source) (*client.ChanStream, error) {
	var subs []*subscription
	stream := client.NewChanStream(c.cfg.StreamBuffer, func() {
		c.cancelSubscriptions(r, subs)
	})

	for _, queue := range src.Addresses {
		if queue == "" {
			stream.Close()
			return nil, fmt.Errorf("%w: %w", client.ErrSubscribeFailed, ErrEmptyQueue)
		}
		sub := &subscription{queue: queue, stream: stream}
		if err := c.consume(r, sub); err != nil {
			stream.Close()
			return nil, fmt.Errorf("%w: %s: %w", client.ErrSubscribeFailed, queue, err)
		}
		subs = append(subs, sub)

		c.subsMu.Lock()
		c.subs[sub.tag] = sub
		c.subsMu.Unlock()
	}
	return stream, nil
}

func (c *Client) consume(r *role, sub *subscription) error {
	ch, err := r.channel()
	if err != nil {
		return err
	}

	sub.tag = "fluxlink-" + uuid.New().String()
	deliveries, err := ch.Consume(sub.queue, sub.tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	go c.forward(r, sub, deliveries)
	return nil
}

func (c *Client) forward(r *role, sub *subscription, deliveries <-chan amqp091.Delivery) {
	for {
		select {
		case <-sub.stream.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			topic := d.RoutingKey
			if topic == "" {
				topic = sub.queue
			}
			msg := client.NewMessage(topic, d.Body, 1, fromTable(d.Headers),
				func() error {
					r.chMu.Lock()
					defer r.chMu.Unlock()
					return d.Ack(false)
				},
				func() error {
					r.chMu.Lock()
					defer r.chMu.Unlock()
					return d.Nack(false, true)
				})
			if err := sub.stream.Push(msg); err != nil {
				_ = msg.Nack()
				return
			}
		}
	}
}

func (c *Client) cancelSubscriptions(r *role, subs []*subscription) {
	c.subsMu.Lock()
	for _, s := range subs {
		delete(c.subs, s.tag)
	}
	c.subsMu.Unlock()

	ch, err := r.channel()
	if err != nil {
		return
	}
	for _, s := range subs {
		if err := ch.Cancel(s.tag, false); err != nil {
			c.logger.Warn("failed to cancel consumer",
				slog.String("queue", s.queue),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Client) restoreSubscriptions(r *role) {
	c.subsMu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for tag, s := range c.subs {
		delete(c.subs, tag)
		subs = append(subs, s)
	}
	c.subsMu.Unlock()

	for _, s := range subs {
		if err := c.consume(r, s); err != nil {
			c.logger.Error("failed to restore consumer",
				slog.String("queue", s.queue),
				slog.String("error", err.Error()))
			continue
		}
		c.subsMu.Lock()
		c.subs[s.tag] = s
		c.subsMu.Unlock()
	}
}

// Publish sends msg to the exchange and routing key encoded in msg.Topic.
func (c *Client) Publish(ctx context.Context, msg client.OutboundMessage) error {
	r := c.roles[client.RolePublisher]
	ch, err := r.channel()
	if err != nil {
		return err
	}
	exchange, key, err := parseTarget(msg.Topic)
	if err != nil {
		return err
	}

	pub := amqp091.Publishing{
		Timestamp: time.Now(),
		Body:      msg.Payload,
		Headers:   toTable(msg.Headers),
	}
	if msg.QoS > 0 {
		pub.DeliveryMode = amqp091.Persistent
	}

	r.chMu.Lock()
	defer r.chMu.Unlock()
	if err := ch.PublishWithContext(ctx, exchange, key, false, false, pub); err != nil {
		return fmt.Errorf("%w: %w", client.ErrPublishFailed, err)
	}
	return nil
}
