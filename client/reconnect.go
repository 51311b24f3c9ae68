// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

var _ Reconnector = (*Decision)(nil)

// Decision is the Reconnector handed to disconnect listeners. Without a
// listener decision the role is not reconnected.
type Decision struct {
	mu        sync.Mutex
	attempts  int
	reconnect bool
	delay     time.Duration
}

// NewDecision returns a Decision for the given number of failed attempts.
func NewDecision(attempts int, delay time.Duration) *Decision {
	return &Decision{attempts: attempts, delay: delay}
}

func (d *Decision) Attempts() int {
	return d.attempts
}

func (d *Decision) Reconnect(reconnect bool) {
	d.mu.Lock()
	d.reconnect = reconnect
	d.mu.Unlock()
}

func (d *Decision) Delay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

// Result returns the decision and the delay to wait before reconnecting.
func (d *Decision) Result() (bool, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reconnect, d.delay
}

// Loop describes the reconnect cycle of one role after it was lost.
type Loop struct {
	Role          Role
	ClientID      string
	Source        DisconnectSource
	EverConnected bool
	Cause         error
	DefaultDelay  time.Duration
	Listeners     Listeners
	// Connect establishes the role again.
	Connect func(ctx context.Context) error
	Logger  *slog.Logger
}

// Run reports the disconnect and reconnects for as long as the listener
// asks for it. Every failed attempt is reported as a client-side disconnect
// with an increased attempt count. Run returns true once the role is connected.
func (l Loop) Run(ctx context.Context) bool {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attempts := 0
	source := l.Source
	cause := l.Cause
	for {
		d := NewDecision(attempts, l.DefaultDelay)
		l.Listeners.Disconnected(DisconnectedEvent{
			Role:          l.Role,
			ClientID:      l.ClientID,
			Source:        source,
			EverConnected: l.EverConnected,
			Cause:         cause,
			Reconnector:   d,
		})

		reconnect, delay := d.Result()
		if !reconnect {
			return false
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		err := l.Connect(ctx)
		if err == nil {
			l.Listeners.Connected(ConnectedEvent{Role: l.Role, ClientID: l.ClientID})
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		attempts++
		source = SourceClient
		cause = err
		logger.Debug("reconnect attempt failed",
			slog.String("client_id", RoleClientID(l.Role, l.ClientID)),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
	}
}
