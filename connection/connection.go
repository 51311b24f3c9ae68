// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package connection describes external protocol connections and the
// administrative commands that act on them.
package connection

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"

	"github.com/absmach/fluxlink/acks"
)

// Type is the protocol family of a connection.
type Type string

// Supported connection types.
const (
	TypeMQTT    Type = "mqtt"
	TypeAMQP091 Type = "amqp-091"
)

// Status is the administrative state a connection should be in.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Connection is an immutable descriptor of one external protocol connection.
// Reconfiguration replaces the value instead of mutating it.
type Connection struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name,omitempty"`
	ConnectionType       Type              `json:"connectionType"`
	ConnectionStatus     Status            `json:"connectionStatus,omitempty"`
	URI                  string            `json:"uri"`
	FailoverEnabled      bool              `json:"failoverEnabled"`
	ValidateCertificates *bool             `json:"validateCertificates,omitempty"`
	ClientCount          int               `json:"clientCount,omitempty"`
	Sources              []Source          `json:"sources,omitempty"`
	Target               *Target           `json:"target,omitempty"`
	SpecificConfig       map[string]string `json:"specificConfig,omitempty"`
}

// Source is an inbound address set consumed by one or more workers.
type Source struct {
	Addresses     []string `json:"addresses"`
	ConsumerCount int      `json:"consumerCount,omitempty"`
	QoS           byte     `json:"qos,omitempty"`
	// DeclaredAcks are the labels this source issues acknowledgements for.
	DeclaredAcks []acks.Label `json:"declaredAcks,omitempty"`
	// RequestedAcks are awaited before an inbound message is settled.
	RequestedAcks []acks.Label `json:"requestedAcks,omitempty"`
}

// Target is the outbound address for domain-originated messages.
type Target struct {
	Address string `json:"address"`
	QoS     byte   `json:"qos,omitempty"`
	// IssuedAckLabel is the label acknowledged once a publish is confirmed.
	IssuedAckLabel acks.Label `json:"issuedAcknowledgementLabel,omitempty"`
}

// Parse decodes and validates a JSON connection descriptor.
func Parse(data []byte) (Connection, error) {
	var c Connection
	if err := json.Unmarshal(data, &c); err != nil {
		return Connection{}, fmt.Errorf("%w: %w", ErrInvalidConnection, err)
	}
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return Connection{}, err
	}
	return c, nil
}

// WithDefaults returns a copy with defaults applied to unset fields.
func (c Connection) WithDefaults() Connection {
	if c.ClientCount <= 0 {
		c.ClientCount = 1
	}
	if c.ConnectionStatus == "" {
		c.ConnectionStatus = StatusOpen
	}
	sources := make([]Source, len(c.Sources))
	for i, s := range c.Sources {
		if s.ConsumerCount <= 0 {
			s.ConsumerCount = 1
		}
		sources[i] = s
	}
	c.Sources = sources
	return c
}

// Validate rejects descriptors that can never be connected.
func (c Connection) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidConnection)
	}
	switch c.ConnectionType {
	case TypeMQTT, TypeAMQP091:
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidConnection, ErrUnsupportedProtocol, c.ConnectionType)
	}

	u, err := url.Parse(c.URI)
	if err != nil {
		return fmt.Errorf("%w: uri: %w", ErrInvalidConnection, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: uri %q has no host", ErrInvalidConnection, c.URI)
	}
	if !slices.Contains(schemes[c.ConnectionType], u.Scheme) {
		return fmt.Errorf("%w: scheme %q not valid for %s", ErrInvalidConnection, u.Scheme, c.ConnectionType)
	}

	if c.ClientCount < 0 {
		return fmt.Errorf("%w: clientCount must be positive", ErrInvalidConnection)
	}
	for i, s := range c.Sources {
		if len(s.Addresses) == 0 {
			return fmt.Errorf("%w: source %d has no addresses", ErrInvalidConnection, i)
		}
		if s.ConsumerCount < 0 {
			return fmt.Errorf("%w: source %d consumerCount must be positive", ErrInvalidConnection, i)
		}
		if s.QoS > 2 {
			return fmt.Errorf("%w: source %d qos must be 0, 1 or 2", ErrInvalidConnection, i)
		}
		for _, l := range slices.Concat(s.DeclaredAcks, s.RequestedAcks) {
			if err := l.Validate(); err != nil {
				return fmt.Errorf("%w: source %d: %w", ErrInvalidConnection, i, err)
			}
		}
	}
	if c.Target != nil {
		if c.Target.Address == "" {
			return fmt.Errorf("%w: target address cannot be empty", ErrInvalidConnection)
		}
		if c.Target.QoS > 2 {
			return fmt.Errorf("%w: target qos must be 0, 1 or 2", ErrInvalidConnection)
		}
		if c.Target.IssuedAckLabel != "" {
			if err := c.Target.IssuedAckLabel.Validate(); err != nil {
				return fmt.Errorf("%w: target: %w", ErrInvalidConnection, err)
			}
		}
	}

	if c.ConnectionType == TypeMQTT {
		if _, err := ParseMQTTConfig(c.SpecificConfig); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConnection, err)
		}
	}
	return nil
}

var schemes = map[Type][]string{
	TypeMQTT:    {"tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts"},
	TypeAMQP091: {"amqp", "amqps"},
}

// DeclaredLabels returns every acknowledgement label the connection issues.
func (c Connection) DeclaredLabels() []acks.Label {
	var ret []acks.Label
	for _, s := range c.Sources {
		for _, l := range s.DeclaredAcks {
			if !slices.Contains(ret, l) {
				ret = append(ret, l)
			}
		}
	}
	if c.Target != nil && c.Target.IssuedAckLabel != "" && !slices.Contains(ret, c.Target.IssuedAckLabel) {
		ret = append(ret, c.Target.IssuedAckLabel)
	}
	return ret
}

// VerifiesCertificates reports whether TLS peers are verified. Defaults to true.
func (c Connection) VerifiesCertificates() bool {
	return c.ValidateCertificates == nil || *c.ValidateCertificates
}

// Redacted returns the URI without user credentials.
func (c Connection) Redacted() string {
	u, err := url.Parse(c.URI)
	if err != nil {
		return ""
	}
	return u.Redacted()
}
