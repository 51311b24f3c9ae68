// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/connection"
)

// TestConnection connects conn with a throwaway client, subscribes every
// source and disconnects again within disconnectTimeout. The client never
// reconnects.
func TestConnection(ctx context.Context, factory client.Factory, conn connection.Connection, disconnectTimeout time.Duration) TestResult {
	listeners := client.Listeners{
		OnDisconnected: func(ev client.DisconnectedEvent) {
			ev.Reconnector.Reconnect(false)
		},
	}

	c, err := factory.New(conn, listeners)
	if err != nil {
		return failed("create client", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		_ = c.Disconnect(dctx)
	}()

	if err := c.Connect(ctx); err != nil {
		return failed("connect", err)
	}

	if len(conn.Sources) > 0 {
		results := c.Subscribe(ctx, conn.Sources)
		var first error
		for _, res := range results {
			if res.Stream != nil {
				_ = res.Stream.Close()
			}
			if first == nil && !res.OK() {
				first = fmt.Errorf("source %d: %w", res.Index, res.Err)
			}
		}
		if first != nil {
			return failed("subscribe", first)
		}
	}

	return TestResult{OK: true, Message: fmt.Sprintf("connection %s is reachable", conn.ID)}
}

func failed(step string, err error) TestResult {
	return TestResult{Message: fmt.Sprintf("%s failed: %s", step, err)}
}
