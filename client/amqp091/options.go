// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/absmach/fluxlink/client"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Default values.
const (
	DefaultHeartbeat = 10 * time.Second
	DefaultPrefetch  = 64
)

// Config configures an AMQP 0.9.1 handle.
type Config struct {
	client.Options
	Heartbeat time.Duration
	// Prefetch bounds unacknowledged deliveries on the consumer channel.
	Prefetch int
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	c.Options = c.Options.WithDefaults()
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// dialConfig validates the connection uri and builds the amqp091 dial config.
func dialConfig(uri string, verify bool, cfg Config) (amqp091.Config, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return amqp091.Config{}, fmt.Errorf("invalid broker uri: %w", err)
	}

	ret := amqp091.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp091.DefaultDial(cfg.ConnectTimeout),
	}
	switch u.Scheme {
	case "amqp":
	case "amqps":
		ret.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !verify,
		}
	default:
		return amqp091.Config{}, fmt.Errorf("%w: %q", client.ErrUnsupportedScheme, u.Scheme)
	}
	return ret, nil
}

// parseTarget splits "exchange/routing.key" addresses. An address without a
// slash is a routing key on the default exchange.
func parseTarget(address string) (exchange, key string, err error) {
	if address == "" {
		return "", "", ErrInvalidAddress
	}
	exchange, key, found := strings.Cut(address, "/")
	if !found {
		return "", address, nil
	}
	if key == "" {
		return "", "", fmt.Errorf("%w: %q has no routing key", ErrInvalidAddress, address)
	}
	return exchange, key, nil
}

func toTable(headers map[string]string) amqp091.Table {
	if len(headers) == 0 {
		return nil
	}
	t := make(amqp091.Table, len(headers))
	for k, v := range headers {
		t[k] = v
	}
	return t
}

func fromTable(t amqp091.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	headers := make(map[string]string, len(t))
	for k, v := range t {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}
