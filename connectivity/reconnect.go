// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"time"

	"github.com/absmach/fluxlink/backoff"
	"github.com/absmach/fluxlink/client"
)

// DefaultBrokerDisconnectMinDelay is the lowest reconnect delay after a
// broker-initiated disconnect.
const DefaultBrokerDisconnectMinDelay = 15 * time.Second

// reconnectInput is everything the disconnect listener needs to decide.
type reconnectInput struct {
	attempts        int
	everConnected   bool
	failoverEnabled bool
	autoReconnect   bool
	source          client.DisconnectSource
	brokerMinDelay  time.Duration
}

// decideReconnect picks whether and when a lost role reconnects. The
// strategy restarts whenever the previous reconnect run had no failures.
func decideReconnect(strategy *backoff.Strategy, in reconnectInput) (bool, time.Duration) {
	if in.attempts == 0 {
		strategy.Reset()
	}
	if !in.everConnected {
		return false, 0
	}

	reconnect := in.failoverEnabled && in.autoReconnect
	delay := strategy.NextTimeout()
	if in.source == client.SourceServer && delay < in.brokerMinDelay {
		delay = in.brokerMinDelay
	}
	return reconnect, delay
}
