// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/connection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConnection(uri string, specific map[string]string) connection.Connection {
	return connection.Connection{
		ID:              "conn-1",
		ConnectionType:  connection.TypeMQTT,
		URI:             uri,
		FailoverEnabled: true,
		Sources:         []connection.Source{{Addresses: []string{"a/#"}, ConsumerCount: 1}},
		SpecificConfig:  specific,
	}.WithDefaults()
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		uri      string
		broker   string
		username string
		password string
		secure   bool
		err      bool
	}{
		{uri: "tcp://localhost:1883", broker: "tcp://localhost:1883"},
		{uri: "mqtt://u:p@localhost:1883", broker: "tcp://localhost:1883", username: "u", password: "p"},
		{uri: "mqtts://localhost:8883", broker: "ssl://localhost:8883", secure: true},
		{uri: "wss://localhost/mqtt", broker: "wss://localhost/mqtt", secure: true},
		{uri: "amqp://localhost", err: true},
	}

	for _, tt := range tests {
		broker, user, pass, secure, err := brokerURL(tt.uri)
		if tt.err {
			assert.ErrorIs(t, err, client.ErrUnsupportedScheme, tt.uri)
			continue
		}
		require.NoError(t, err, tt.uri)
		assert.Equal(t, tt.broker, broker)
		assert.Equal(t, tt.username, user)
		assert.Equal(t, tt.password, pass)
		assert.Equal(t, tt.secure, secure)
	}
}

func TestBuildClientOptions(t *testing.T) {
	conn := testConnection("ssl://user:pw@broker:8883", nil)
	mc, err := connection.ParseMQTTConfig(map[string]string{
		connection.KeyLastWillTopic: "status",
		connection.KeyKeepAlive:     "30s",
	})
	require.NoError(t, err)

	opts, err := buildClientOptions(conn, mc, "cid", time.Second)
	require.NoError(t, err)

	assert.Equal(t, "cid", opts.ClientID)
	assert.Equal(t, "user", opts.Username)
	assert.Equal(t, "pw", opts.Password)
	assert.False(t, opts.AutoReconnect)
	assert.False(t, opts.CleanSession)
	assert.True(t, opts.AutoAckDisabled)
	assert.Equal(t, int64(30), opts.KeepAlive)
	require.NotNil(t, opts.TLSConfig)
	assert.False(t, opts.TLSConfig.InsecureSkipVerify)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "status", opts.WillTopic)
	require.Len(t, opts.Servers, 1)
	assert.Nil(t, opts.Servers[0].User)
}

func TestNewRoles(t *testing.T) {
	c, err := New(testConnection("tcp://localhost:1883", map[string]string{connection.KeyClientID: "dev"}), client.Listeners{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, "dev", c.ClientID(client.RoleConsumer))
	assert.Equal(t, "devp", c.ClientID(client.RolePublisher))

	shared, err := New(testConnection("tcp://localhost:1883", map[string]string{connection.KeySeparatePublisherClient: "false"}), client.Listeners{}, Config{})
	require.NoError(t, err)
	assert.Same(t, shared.roles[client.RoleConsumer], shared.roles[client.RolePublisher])
	assert.Equal(t, "conn-1", shared.ClientID(client.RolePublisher))

	_, err = New(testConnection("tcp://localhost:1883", map[string]string{connection.KeyKeepAlive: "x"}), client.Listeners{}, Config{})
	assert.ErrorIs(t, err, connection.ErrInvalidConnection)
}

func TestInitialConnectFailureIsReported(t *testing.T) {
	var mu sync.Mutex
	var events []client.DisconnectedEvent
	listeners := client.Listeners{OnDisconnected: func(ev client.DisconnectedEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		ev.Reconnector.Reconnect(false)
	}}

	c, err := New(testConnection("tcp://127.0.0.1:1", nil), listeners, Config{Options: client.Options{ConnectTimeout: 2 * time.Second}})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, client.ErrConnectFailed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	ev := events[0]
	mu.Unlock()
	assert.False(t, ev.EverConnected)
	assert.Equal(t, client.RoleConsumer, ev.Role)
	assert.Zero(t, ev.Reconnector.Attempts())

	require.NoError(t, c.Disconnect(context.Background()))
}

func TestOperationsRequireConnection(t *testing.T) {
	c, err := New(testConnection("tcp://localhost:1883", nil), client.Listeners{}, Config{})
	require.NoError(t, err)

	results := c.Subscribe(context.Background(), c.conn.Sources)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, client.ErrNotConnected)
	assert.Nil(t, results[0].Stream)

	assert.ErrorIs(t, c.Publish(context.Background(), client.OutboundMessage{Topic: "t"}), client.ErrNotConnected)
	assert.NoError(t, c.DisconnectRole(context.Background(), client.RoleConsumer))
	assert.ErrorIs(t, c.DisconnectRole(context.Background(), client.Role(9)), client.ErrUnknownRole)
}

func TestDisconnectSource(t *testing.T) {
	assert.Equal(t, client.SourceServer, disconnectSource(io.EOF))
	assert.Equal(t, client.SourceServer, disconnectSource(fmt.Errorf("read: %w", syscall.ECONNRESET)))
	assert.Equal(t, client.SourceClient, disconnectSource(errors.New("pingresp not received, disconnecting")))
}
