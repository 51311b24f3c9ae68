// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements the protocol client handle for MQTT 3.1.1 brokers
// on top of the Eclipse Paho client. Each role uses its own Paho client unless
// the connection disables separate publisher clients.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/connection"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

var _ client.Client = (*Client)(nil)

// Config configures an MQTT handle.
type Config struct {
	client.Options
	Logger *slog.Logger
}

type role struct {
	name  client.Role
	id    string
	paho  pahomqtt.Client
	state client.RoleState
}

type subscription struct {
	topic  string
	qos    byte
	stream *client.ChanStream
}

// Client is an MQTT protocol client handle.
type Client struct {
	conn      connection.Connection
	mqttCfg   connection.MQTTConfig
	opts      client.Options
	listeners client.Listeners

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
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	mc, err := connection.ParseMQTTConfig(conn.SpecificConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", connection.ErrInvalidConnection, err)
	}

	c := &Client{
		conn:      conn,
		mqttCfg:   mc,
		opts:      cfg.Options.WithDefaults(),
		listeners: listeners,
		roles:     make(map[client.Role]*role),
		subs:      make(map[string]*subscription),
		logger:    cfg.Logger.With(slog.String("connection", conn.ID)),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	consumerID := mc.ClientID
	if consumerID == "" {
		consumerID = conn.ID
	}
	consumer, err := c.newRole(client.RoleConsumer, consumerID)
	if err != nil {
		return nil, err
	}
	c.roles[client.RoleConsumer] = consumer

	if !mc.SeparatePublisherClient {
		c.roles[client.RolePublisher] = consumer
		return c, nil
	}

	publisherID := mc.PublisherID
	if publisherID == "" {
		publisherID = consumerID + "p"
	}
	publisher, err := c.newRole(client.RolePublisher, publisherID)
	if err != nil {
		return nil, err
	}
	c.roles[client.RolePublisher] = publisher

	return c, nil
}

func (c *Client) newRole(name client.Role, id string) (*role, error) {
	opts, err := buildClientOptions(c.conn, c.mqttCfg, id, c.opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	r := &role{name: name, id: id}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.connectionLost(r, err)
	})
	r.paho = pahomqtt.NewClient(opts)
	return r, nil
}

// ClientID returns the MQTT client id used by role.
func (c *Client) ClientID(role client.Role) string {
	if r, ok := c.roles[role]; ok {
		return r.id
	}
	return ""
}

// Connect connects the consumer and then the publisher role.
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

	if err := wait(ctx, r.paho.Connect(), c.opts.ConnectTimeout); err != nil {
		r.state.Set(prev)
		return fmt.Errorf("%w: %w", client.ErrConnectFailed, err)
	}
	r.state.Set(client.StateConnected)

	c.logger.Info("mqtt client connected", slog.String("client_id", client.RoleClientID(r.name, r.id)))

	if r.name == client.RoleConsumer {
		c.restoreSubscriptions(ctx, r)
	}
	return nil
}

func (c *Client) connectionLost(r *role, err error) {
	if !r.state.Transition(client.StateConnected, client.StateReconnecting) {
		return
	}
	source := disconnectSource(err)
	c.logger.Warn("mqtt connection lost",
		slog.String("client_id", client.RoleClientID(r.name, r.id)),
		slog.String("source", source.String()),
		slog.String("error", err.Error()))
	c.startLoop(r, source, err)
}

// startLoop hands the disconnect to the listeners and reconnects in the
// background for as long as they ask for it.
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
			DefaultDelay:  c.opts.ReconnectDelay,
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

// Disconnect disconnects every role and cancels pending reconnects.
func (c *Client) Disconnect(ctx context.Context) error {
	c.loopMu.Lock()
	c.cancel()
	c.loopMu.Unlock()

	var errs []error
	for _, name := range client.Roles {
		r := c.roles[name]
		if err := c.disconnectRole(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}

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

// DisconnectRole disconnects one role and reports a client-initiated
// disconnect, so the listeners may bring the role back.
func (c *Client) DisconnectRole(ctx context.Context, name client.Role) error {
	r, ok := c.roles[name]
	if !ok {
		return client.ErrUnknownRole
	}
	if !r.state.IsConnected() {
		return nil
	}
	if err := c.disconnectRole(ctx, r); err != nil {
		return err
	}
	r.state.Set(client.StateReconnecting)
	c.startLoop(r, client.SourceClient, nil)
	return nil
}

func (c *Client) disconnectRole(ctx context.Context, r *role) error {
	if !r.state.Transition(client.StateConnected, client.StateDisconnecting) {
		r.state.TransitionFrom(client.StateDisconnected, client.StateReconnecting, client.StateConnecting)
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.paho.Disconnect(defaultQuiesce)
		close(done)
	}()
	defer r.state.Set(client.StateDisconnected)

	select {
	case <-done:
		c.logger.Info("mqtt client disconnected", slog.String("client_id", client.RoleClientID(r.name, r.id)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("disconnect %s: %w", client.RoleClientID(r.name, r.id), ctx.Err())
	}
}

// Subscribe subscribes every address of each source with the consumer role.
// A failed source leaves no subscription behind.
func (c *Client) Subscribe(ctx context.Context, sources []connection.Source) []client.SubscribeResult {
	r := c.roles[client.RoleConsumer]
	results := make([]client.SubscribeResult, len(sources))
	for i, src := range sources {
		results[i] = client.SubscribeResult{Index: i, Source: src}
		if !r.state.IsConnected() {
			results[i].Err = client.ErrNotConnected
			continue
		}
		stream, err := c.subscribeSource(ctx, r, src)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Stream = stream
	}
	return results
}

func (c *Client) subscribeSource(ctx context.Context, r *role, src connection.Source) (*client.ChanStream, error) {
	var topics []string
	stream := client.NewChanStream(c.opts.StreamBuffer, func() {
		c.unsubscribe(r, topics)
	})

	for _, topic := range src.Addresses {
		if err := wait(ctx, r.paho.Subscribe(topic, src.QoS, c.handler(stream)), c.opts.ConnectTimeout); err != nil {
			stream.Close()
			return nil, fmt.Errorf("%w: %s: %w", client.ErrSubscribeFailed, topic, err)
		}
		topics = append(topics, topic)

		c.subsMu.Lock()
		c.subs[topic] = &subscription{topic: topic, qos: src.QoS, stream: stream}
		c.subsMu.Unlock()
	}
	return stream, nil
}

func (c *Client) handler(stream *client.ChanStream) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, m pahomqtt.Message) {
		msg := client.NewMessage(m.Topic(), m.Payload(), m.Qos(), nil, func() error {
			m.Ack()
			return nil
		}, nil)
		msg.Retained = m.Retained()
		if err := stream.Push(msg); err != nil {
			c.logger.Debug("dropping message for closed stream", slog.String("topic", m.Topic()))
		}
	}
}

func (c *Client) unsubscribe(r *role, topics []string) {
	c.subsMu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.subsMu.Unlock()

	if len(topics) == 0 || !r.state.IsConnected() {
		return
	}
	if err := wait(context.Background(), r.paho.Unsubscribe(topics...), c.opts.ConnectTimeout); err != nil {
		c.logger.Warn("failed to unsubscribe", slog.String("error", err.Error()))
	}
}

// restoreSubscriptions re-subscribes live streams after the consumer reconnected.
func (c *Client) restoreSubscriptions(ctx context.Context, r *role) {
	c.subsMu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subsMu.Unlock()

	for _, s := range subs {
		if err := wait(ctx, r.paho.Subscribe(s.topic, s.qos, c.handler(s.stream)), c.opts.ConnectTimeout); err != nil {
			c.logger.Error("failed to restore subscription",
				slog.String("topic", s.topic),
				slog.String("error", err.Error()))
		}
	}
}

// Publish sends msg with the publisher role.
func (c *Client) Publish(ctx context.Context, msg client.OutboundMessage) error {
	r := c.roles[client.RolePublisher]
	if !r.state.IsConnected() {
		return client.ErrNotConnected
	}
	if err := wait(ctx, r.paho.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload), c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("%w: %w", client.ErrPublishFailed, err)
	}
	return nil
}

func wait(ctx context.Context, tok pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return client.ErrTimeout
	}
}

// disconnectSource treats a connection closed by the peer as broker-initiated.
func disconnectSource(err error) client.DisconnectSource {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET):
		return client.SourceServer
	default:
		return client.SourceClient
	}
}
