// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/connection"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// defaultQuiesce is the time in milliseconds paho waits for pending work on disconnect.
	defaultQuiesce = 250

	tlsMinVersion = tls.VersionTLS12
)

var schemeAliases = map[string]string{
	"mqtt":  "tcp",
	"mqtts": "ssl",
}

// brokerURL splits credentials from the connection uri.
func brokerURL(uri string) (broker, username, password string, secure bool, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", "", false, fmt.Errorf("invalid broker uri: %w", err)
	}
	if alias, ok := schemeAliases[u.Scheme]; ok {
		u.Scheme = alias
	}
	switch u.Scheme {
	case "tcp", "ws":
	case "ssl", "tls", "wss":
		secure = true
	default:
		return "", "", "", false, fmt.Errorf("%w: %q", client.ErrUnsupportedScheme, u.Scheme)
	}
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
		u.User = nil
	}
	return u.String(), username, password, secure, nil
}

// buildClientOptions creates paho options for one role. Automatic reconnect
// is disabled because reconnects are steered by the disconnect listener.
func buildClientOptions(conn connection.Connection, mc connection.MQTTConfig, clientID string, timeout time.Duration) (*pahomqtt.ClientOptions, error) {
	broker, username, password, secure, err := brokerURL(conn.URI)
	if err != nil {
		return nil, err
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.SetCleanSession(mc.CleanSession)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetResumeSubs(false)
	opts.SetConnectTimeout(timeout)
	opts.SetKeepAlive(mc.KeepAlive)
	opts.SetOrderMatters(false)
	opts.SetAutoAckDisabled(true)

	if secure {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tlsMinVersion,
			InsecureSkipVerify: !conn.VerifiesCertificates(),
		})
	}
	if w := mc.LastWill; w != nil {
		opts.SetWill(w.Topic, w.Message, w.QoS, w.Retain)
	}

	return opts, nil
}
