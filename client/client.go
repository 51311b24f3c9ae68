// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client defines the protocol client handle the connection FSM drives.
// A handle owns two logical roles, publisher and consumer, which can be
// connected and disconnected independently.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxlink/connection"
)

// Role is the purpose of a logical sub-connection.
type Role uint8

const (
	RoleConsumer Role = iota + 1
	RolePublisher
)

// Roles lists every role in connect order.
var Roles = []Role{RoleConsumer, RolePublisher}

func (r Role) String() string {
	switch r {
	case RoleConsumer:
		return "consumer"
	case RolePublisher:
		return "publisher"
	default:
		return "unknown"
	}
}

// DisconnectSource tells who closed a connection.
type DisconnectSource uint8

const (
	// SourceClient covers local disconnects and client-side failures.
	SourceClient DisconnectSource = iota + 1
	// SourceServer is a disconnect initiated by the broker.
	SourceServer
)

func (s DisconnectSource) String() string {
	switch s {
	case SourceClient:
		return "client"
	case SourceServer:
		return "server"
	default:
		return "unknown"
	}
}

// Reconnector lets a disconnect listener steer the reconnect of one role.
type Reconnector interface {
	// Attempts is the number of failed reconnects since the role was last connected.
	Attempts() int
	Reconnect(reconnect bool)
	Delay(d time.Duration)
}

// ConnectedEvent reports that a role is connected.
type ConnectedEvent struct {
	Role     Role
	ClientID string
}

// DisconnectedEvent reports that a role lost, or failed to establish, its connection.
type DisconnectedEvent struct {
	Role     Role
	ClientID string
	Source   DisconnectSource
	// EverConnected is false while the role has never been connected.
	EverConnected bool
	Cause         error
	Reconnector   Reconnector
}

// Listeners receive lifecycle callbacks. They run on the handle's own
// goroutines and must not block.
type Listeners struct {
	OnConnected    func(ConnectedEvent)
	OnDisconnected func(DisconnectedEvent)
}

// Connected invokes OnConnected when set.
func (l Listeners) Connected(ev ConnectedEvent) {
	if l.OnConnected != nil {
		l.OnConnected(ev)
	}
}

// Disconnected invokes OnDisconnected when set.
func (l Listeners) Disconnected(ev DisconnectedEvent) {
	if l.OnDisconnected != nil {
		l.OnDisconnected(ev)
	}
}

// Client is a handle to one external protocol connection.
type Client interface {
	// Connect connects every role.
	Connect(ctx context.Context) error
	// ConnectRole connects a single role. Connecting a connected role is a no-op.
	ConnectRole(ctx context.Context, role Role) error
	// Disconnect disconnects every role and stops pending reconnects.
	Disconnect(ctx context.Context) error
	// DisconnectRole disconnects a single role. Listeners observe a client-initiated
	// disconnect and decide about the reconnect.
	DisconnectRole(ctx context.Context, role Role) error
	// Subscribe attaches one stream per source. Results keep the order of sources.
	Subscribe(ctx context.Context, sources []connection.Source) []SubscribeResult
	// Publish sends msg through the publisher role.
	Publish(ctx context.Context, msg OutboundMessage) error
	// ClientID returns the protocol client id of role.
	ClientID(role Role) string
}

// Options are shared by every protocol handle.
type Options struct {
	ConnectTimeout time.Duration
	// ReconnectDelay is used when no listener picks a delay.
	ReconnectDelay time.Duration
	// StreamBuffer is the inbound channel capacity of each stream.
	StreamBuffer int
}

// Default handle options.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = 1 * time.Second
	DefaultStreamBuffer   = 256
)

// WithDefaults fills unset options.
func (o Options) WithDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = DefaultStreamBuffer
	}
	return o
}

// Factory builds handles for connections.
type Factory interface {
	New(conn connection.Connection, listeners Listeners) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(conn connection.Connection, listeners Listeners) (Client, error)

func (f FactoryFunc) New(conn connection.Connection, listeners Listeners) (Client, error) {
	return f(conn, listeners)
}

// RoleClientID formats the identity used in logs for a role.
func RoleClientID(role Role, clientID string) string {
	return fmt.Sprintf("%s:%s", role, clientID)
}
