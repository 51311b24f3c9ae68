// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring routes connections to the protocol handle that serves
// their connection type.
package wiring

import (
	"fmt"
	"log/slog"

	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/client/amqp091"
	"github.com/absmach/fluxlink/client/mqtt"
	"github.com/absmach/fluxlink/connection"
)

// ClientDispatcher builds protocol handles based on the connection type.
type ClientDispatcher struct {
	factories map[connection.Type]client.Factory
}

var _ client.Factory = (*ClientDispatcher)(nil)

// NewClientDispatcher builds a protocol-aware client factory.
func NewClientDispatcher(mqttFactory, amqp091Factory client.Factory) *ClientDispatcher {
	d := &ClientDispatcher{factories: make(map[connection.Type]client.Factory)}
	if mqttFactory != nil {
		d.factories[connection.TypeMQTT] = mqttFactory
	}
	if amqp091Factory != nil {
		d.factories[connection.TypeAMQP091] = amqp091Factory
	}
	return d
}

// NewDefaultDispatcher wires the built-in MQTT and AMQP 0.9.1 handles.
func NewDefaultDispatcher(opts client.Options, amqpCfg amqp091.Config, logger *slog.Logger) *ClientDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	amqpCfg.Options = opts
	amqpCfg.Logger = logger.With(slog.String("protocol", string(connection.TypeAMQP091)))
	mqttCfg := mqtt.Config{
		Options: opts,
		Logger:  logger.With(slog.String("protocol", string(connection.TypeMQTT))),
	}

	return NewClientDispatcher(
		client.FactoryFunc(func(conn connection.Connection, l client.Listeners) (client.Client, error) {
			c, err := mqtt.New(conn, l, mqttCfg)
			if err != nil {
				return nil, err
			}
			return c, nil
		}),
		client.FactoryFunc(func(conn connection.Connection, l client.Listeners) (client.Client, error) {
			c, err := amqp091.New(conn, l, amqpCfg)
			if err != nil {
				return nil, err
			}
			return c, nil
		}),
	)
}

// New returns a handle for conn from the factory registered for its type.
func (d *ClientDispatcher) New(conn connection.Connection, listeners client.Listeners) (client.Client, error) {
	f, ok := d.factories[conn.ConnectionType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", connection.ErrUnsupportedProtocol, conn.ConnectionType)
	}
	return f.New(conn, listeners)
}

// Supports reports whether a factory is registered for t.
func (d *ClientDispatcher) Supports(t connection.Type) bool {
	_, ok := d.factories[t]
	return ok
}
