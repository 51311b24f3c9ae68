// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides test doubles for the protocol client handle.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/connection"
)

var _ client.Client = (*FakeClient)(nil)

// FakeClient is an in-memory client handle. It reports lifecycle events to
// its listeners the way the real handles do, but never touches the network.
type FakeClient struct {
	Conn      connection.Connection
	Listeners client.Listeners

	mu            sync.Mutex
	connectErr    error
	roleErrs      map[client.Role]error
	connectDelay  time.Duration
	subscribeErrs map[int]error
	publishErr    error
	connected     map[client.Role]bool
	everConnected map[client.Role]bool
	streams       []*client.ChanStream
	published     []client.OutboundMessage
	calls         []string
	decisions     []*client.Decision

	// disconnectBudget is the time left on the last Disconnect context.
	disconnectBudget time.Duration
}

// NewFakeClient returns a disconnected fake.
func NewFakeClient(conn connection.Connection, listeners client.Listeners) *FakeClient {
	return &FakeClient{
		Conn:          conn,
		Listeners:     listeners,
		roleErrs:      make(map[client.Role]error),
		subscribeErrs: make(map[int]error),
		connected:     make(map[client.Role]bool),
		everConnected: make(map[client.Role]bool),
	}
}

// FailConnect makes connects fail with err. A nil err lets them succeed.
func (f *FakeClient) FailConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// FailConnectRole makes connects of role fail with err, overriding FailConnect.
func (f *FakeClient) FailConnectRole(role client.Role, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.roleErrs, role)
		return
	}
	f.roleErrs[role] = err
}

// DelayConnect makes connects block for d or until the context is done.
func (f *FakeClient) DelayConnect(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectDelay = d
}

// FailSubscribe makes the source at index fail to subscribe with err.
func (f *FakeClient) FailSubscribe(index int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErrs[index] = err
}

// FailPublish makes publishes fail with err.
func (f *FakeClient) FailPublish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func (f *FakeClient) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

// Calls returns the recorded method calls in order.
func (f *FakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Streams returns the streams handed out by Subscribe.
func (f *FakeClient) Streams() []*client.ChanStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*client.ChanStream(nil), f.streams...)
}

// Published returns every published message.
func (f *FakeClient) Published() []client.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.OutboundMessage(nil), f.published...)
}

// Decisions returns the reconnectors handed to disconnect listeners.
func (f *FakeClient) Decisions() []*client.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*client.Decision(nil), f.decisions...)
}

// DisconnectBudget returns the time that was left on the context of the
// last Disconnect call, or zero if it had no deadline.
func (f *FakeClient) DisconnectBudget() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnectBudget
}

// IsConnected reports whether role is connected.
func (f *FakeClient) IsConnected(role client.Role) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[role]
}

func (f *FakeClient) ClientID(role client.Role) string {
	return fmt.Sprintf("%s-%s", f.Conn.ID, role)
}

func (f *FakeClient) Connect(ctx context.Context) error {
	for _, role := range client.Roles {
		if err := f.ConnectRole(ctx, role); err != nil {
			return err
		}
	}
	return nil
}

func (f *FakeClient) ConnectRole(ctx context.Context, role client.Role) error {
	f.record("connect:" + role.String())

	f.mu.Lock()
	err := f.connectErr
	if roleErr, ok := f.roleErrs[role]; ok {
		err = roleErr
	}
	delay := f.connectDelay
	ever := f.everConnected[role]
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err != nil {
		f.Disconnected(role, client.SourceClient, 0, ever, err)
		return fmt.Errorf("%w: %w", client.ErrConnectFailed, err)
	}

	f.mu.Lock()
	f.connected[role] = true
	f.everConnected[role] = true
	f.mu.Unlock()
	f.Listeners.Connected(client.ConnectedEvent{Role: role, ClientID: f.ClientID(role)})
	return nil
}

func (f *FakeClient) Disconnect(ctx context.Context) error {
	f.record("disconnect")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectBudget = 0
	if deadline, ok := ctx.Deadline(); ok {
		f.disconnectBudget = time.Until(deadline)
	}
	for role := range f.connected {
		f.connected[role] = false
	}
	return nil
}

func (f *FakeClient) DisconnectRole(_ context.Context, role client.Role) error {
	f.record("disconnect:" + role.String())

	f.mu.Lock()
	f.connected[role] = false
	f.mu.Unlock()

	f.Disconnected(role, client.SourceClient, 0, true, nil)
	return nil
}

// Disconnected reports a lost role to the listeners, the way a transport
// callback would, and returns the listener's decision.
func (f *FakeClient) Disconnected(role client.Role, source client.DisconnectSource, attempts int, everConnected bool, cause error) *client.Decision {
	d := client.NewDecision(attempts, 0)

	f.mu.Lock()
	f.connected[role] = false
	f.decisions = append(f.decisions, d)
	f.mu.Unlock()

	f.Listeners.Disconnected(client.DisconnectedEvent{
		Role:          role,
		ClientID:      f.ClientID(role),
		Source:        source,
		EverConnected: everConnected,
		Cause:         cause,
		Reconnector:   d,
	})
	return d
}

// Reconnected marks role connected again and reports it.
func (f *FakeClient) Reconnected(role client.Role) {
	f.mu.Lock()
	f.connected[role] = true
	f.everConnected[role] = true
	f.mu.Unlock()
	f.Listeners.Connected(client.ConnectedEvent{Role: role, ClientID: f.ClientID(role)})
}

func (f *FakeClient) Subscribe(ctx context.Context, sources []connection.Source) []client.SubscribeResult {
	f.record("subscribe")

	f.mu.Lock()
	defer f.mu.Unlock()

	results := make([]client.SubscribeResult, len(sources))
	for i, src := range sources {
		results[i] = client.SubscribeResult{Index: i, Source: src}
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		if err, ok := f.subscribeErrs[i]; ok {
			results[i].Err = fmt.Errorf("%w: %w", client.ErrSubscribeFailed, err)
			continue
		}
		s := client.NewChanStream(16, nil)
		f.streams = append(f.streams, s)
		results[i].Stream = s
	}
	return results
}

func (f *FakeClient) Publish(_ context.Context, msg client.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	if !f.connected[client.RolePublisher] {
		return client.ErrNotConnected
	}
	f.published = append(f.published, msg)
	return nil
}

// FakeFactory builds FakeClients and remembers them.
type FakeFactory struct {
	// Configure runs on every new client before it is returned.
	Configure func(*FakeClient)
	// Err makes New fail.
	Err error

	mu      sync.Mutex
	clients []*FakeClient
}

var _ client.Factory = (*FakeFactory)(nil)

func (ff *FakeFactory) New(conn connection.Connection, listeners client.Listeners) (client.Client, error) {
	if ff.Err != nil {
		return nil, ff.Err
	}
	c := NewFakeClient(conn, listeners)
	if ff.Configure != nil {
		ff.Configure(c)
	}
	ff.mu.Lock()
	ff.clients = append(ff.clients, c)
	ff.mu.Unlock()
	return c, nil
}

// Clients returns every client built so far.
func (ff *FakeFactory) Clients() []*FakeClient {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return append([]*FakeClient(nil), ff.clients...)
}

// Last returns the most recently built client, or nil.
func (ff *FakeFactory) Last() *FakeClient {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.clients) == 0 {
		return nil
	}
	return ff.clients[len(ff.clients)-1]
}
