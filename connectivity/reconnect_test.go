// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"testing"
	"time"

	"github.com/absmach/fluxlink/backoff"
	"github.com/absmach/fluxlink/client"
	"github.com/stretchr/testify/assert"
)

func testStrategy() *backoff.Strategy {
	return backoff.New(backoff.Config{Min: time.Second, Max: 8 * time.Second, Multiplier: 2})
}

func TestDecideReconnect(t *testing.T) {
	cases := []struct {
		desc      string
		in        reconnectInput
		reconnect bool
		delay     time.Duration
	}{
		{
			desc:  "never connected",
			in:    reconnectInput{failoverEnabled: true, autoReconnect: true, source: client.SourceClient},
			delay: 0,
		},
		{
			desc:      "failover and auto reconnect",
			in:        reconnectInput{everConnected: true, failoverEnabled: true, autoReconnect: true, source: client.SourceClient},
			reconnect: true,
			delay:     time.Second,
		},
		{
			desc:  "failover disabled",
			in:    reconnectInput{everConnected: true, autoReconnect: true, source: client.SourceClient},
			delay: time.Second,
		},
		{
			desc:  "auto reconnect disabled",
			in:    reconnectInput{everConnected: true, failoverEnabled: true, source: client.SourceClient},
			delay: time.Second,
		},
		{
			desc: "broker disconnect raises delay to the floor",
			in: reconnectInput{
				everConnected: true, failoverEnabled: true, autoReconnect: true,
				source: client.SourceServer, brokerMinDelay: 15 * time.Second,
			},
			reconnect: true,
			delay:     15 * time.Second,
		},
		{
			desc: "client disconnect ignores the floor",
			in: reconnectInput{
				everConnected: true, failoverEnabled: true, autoReconnect: true,
				source: client.SourceClient, brokerMinDelay: 15 * time.Second,
			},
			reconnect: true,
			delay:     time.Second,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			reconnect, delay := decideReconnect(testStrategy(), tc.in)
			assert.Equal(t, tc.reconnect, reconnect)
			assert.Equal(t, tc.delay, delay)
		})
	}
}

func TestDecideReconnect_Backoff(t *testing.T) {
	s := testStrategy()
	in := reconnectInput{everConnected: true, failoverEnabled: true, autoReconnect: true, source: client.SourceClient}

	var delays []time.Duration
	for attempts := 0; attempts < 5; attempts++ {
		in.attempts = attempts
		_, d := decideReconnect(s, in)
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}, delays)

	// A run without failures starts over.
	in.attempts = 0
	_, d := decideReconnect(s, in)
	assert.Equal(t, time.Second, d)
	assert.Equal(t, 1, s.Attempts())
}

func TestDecideReconnect_ResetsOnlyAfterCleanRun(t *testing.T) {
	s := testStrategy()
	in := reconnectInput{everConnected: true, failoverEnabled: true, autoReconnect: true, source: client.SourceClient}

	in.attempts = 0
	decideReconnect(s, in)
	in.attempts = 1
	decideReconnect(s, in)
	assert.Equal(t, 2, s.Attempts())

	in.attempts = 2
	decideReconnect(s, in)
	assert.Equal(t, 3, s.Attempts())
}
