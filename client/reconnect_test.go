// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu           sync.Mutex
	disconnected []DisconnectedEvent
	connected    []ConnectedEvent
	decide       func(ev DisconnectedEvent)
}

func (r *recorder) listeners() Listeners {
	return Listeners{
		OnConnected: func(ev ConnectedEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected = append(r.connected, ev)
		},
		OnDisconnected: func(ev DisconnectedEvent) {
			r.mu.Lock()
			r.disconnected = append(r.disconnected, ev)
			r.mu.Unlock()
			if r.decide != nil {
				r.decide(ev)
			}
		},
	}
}

func TestLoopWithoutDecisionDoesNotReconnect(t *testing.T) {
	rec := &recorder{}
	calls := 0

	ok := Loop{
		Role:      RoleConsumer,
		Source:    SourceServer,
		Listeners: rec.listeners(),
		Connect:   func(context.Context) error { calls++; return nil },
	}.Run(context.Background())

	assert.False(t, ok)
	assert.Zero(t, calls)
	assert.Len(t, rec.disconnected, 1)
	assert.Equal(t, SourceServer, rec.disconnected[0].Source)
}

func TestLoopRetriesWithIncreasingAttempts(t *testing.T) {
	rec := &recorder{decide: func(ev DisconnectedEvent) {
		ev.Reconnector.Reconnect(true)
		ev.Reconnector.Delay(time.Millisecond)
	}}
	failures := 2
	boom := errors.New("refused")

	ok := Loop{
		Role:          RolePublisher,
		ClientID:      "pub",
		Source:        SourceServer,
		EverConnected: true,
		Listeners:     rec.listeners(),
		Connect: func(context.Context) error {
			if failures > 0 {
				failures--
				return boom
			}
			return nil
		},
	}.Run(context.Background())

	assert.True(t, ok)
	assert.Len(t, rec.disconnected, 3)
	for i, ev := range rec.disconnected {
		assert.Equal(t, i, ev.Reconnector.Attempts())
		assert.True(t, ev.EverConnected)
	}
	assert.Equal(t, SourceServer, rec.disconnected[0].Source)
	assert.Equal(t, SourceClient, rec.disconnected[1].Source)
	assert.ErrorIs(t, rec.disconnected[2].Cause, boom)
	assert.Equal(t, []ConnectedEvent{{Role: RolePublisher, ClientID: "pub"}}, rec.connected)
}

func TestLoopStopsOnCancel(t *testing.T) {
	rec := &recorder{decide: func(ev DisconnectedEvent) {
		ev.Reconnector.Reconnect(true)
		ev.Reconnector.Delay(time.Hour)
	}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		done <- Loop{Role: RoleConsumer, Listeners: rec.listeners(), Connect: func(context.Context) error { return nil }}.Run(ctx)
	}()

	cancel()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestRoleStrings(t *testing.T) {
	assert.Equal(t, "consumer", RoleConsumer.String())
	assert.Equal(t, "publisher", RolePublisher.String())
	assert.Equal(t, "server", SourceServer.String())
	assert.Equal(t, "consumer:abc", RoleClientID(RoleConsumer, "abc"))
}
