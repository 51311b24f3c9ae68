// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the consumer and publisher workers bound to a
// connection's client handle.
package worker

import (
	"context"
	"maps"

	"github.com/absmach/fluxlink/acks"
	"github.com/absmach/fluxlink/client"
	"github.com/google/uuid"
)

// CorrelationHeader carries the command correlation id across the bridge.
const CorrelationHeader = "correlation-id"

// Command is an inbound message mapped for the domain command pipeline.
type Command struct {
	ID           string
	ConnectionID string
	Topic        string
	Payload      []byte
	Headers      map[string]string
	// RequestedAcks must all be answered before the source message is settled.
	RequestedAcks []acks.Label
}

// Signal is a domain-originated message to be published on a connection.
type Signal struct {
	ID      string
	Topic   string
	Payload []byte
	Headers map[string]string
}

// InboundMapper maps inbound protocol messages to commands.
type InboundMapper interface {
	MapInbound(ctx context.Context, connID string, msg *client.Message) (Command, error)
}

// OutboundMapper maps signals to protocol messages.
type OutboundMapper interface {
	MapOutbound(ctx context.Context, sig Signal) (client.OutboundMessage, error)
}

// Sink receives mapped commands.
type Sink interface {
	Dispatch(ctx context.Context, cmd Command) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, cmd Command) error

func (f SinkFunc) Dispatch(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

var (
	_ InboundMapper  = PassThrough{}
	_ OutboundMapper = PassThrough{}
)

// PassThrough forwards payloads and headers unchanged. It keeps an inbound
// correlation id or assigns a fresh one.
type PassThrough struct{}

func (PassThrough) MapInbound(_ context.Context, connID string, msg *client.Message) (Command, error) {
	headers := maps.Clone(msg.Headers)
	id := headers[CorrelationHeader]
	if id == "" {
		id = uuid.New().String()
	}
	return Command{
		ID:           id,
		ConnectionID: connID,
		Topic:        msg.Topic,
		Payload:      msg.Payload,
		Headers:      headers,
	}, nil
}

func (PassThrough) MapOutbound(_ context.Context, sig Signal) (client.OutboundMessage, error) {
	headers := maps.Clone(sig.Headers)
	if sig.ID != "" {
		if headers == nil {
			headers = make(map[string]string, 1)
		}
		headers[CorrelationHeader] = sig.ID
	}
	return client.OutboundMessage{
		Topic:   sig.Topic,
		Payload: sig.Payload,
		Headers: headers,
	}, nil
}
