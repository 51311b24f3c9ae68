// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"errors"
	"time"
)

// State is the lifecycle state of a connection.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateTesting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateTesting:
		return "testing"
	default:
		return "unknown"
	}
}

// TestResult is the outcome of a connection test.
type TestResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Err returns the failure message as an error, or nil if the test passed.
func (r TestResult) Err() error {
	if r.OK {
		return nil
	}
	return errors.New(r.Message)
}

// Status describes a connection for administrative queries.
type Status struct {
	ConnectionID    string    `json:"connectionId"`
	State           string    `json:"state"`
	Degraded        bool      `json:"degraded"`
	LastFailure     string    `json:"lastFailure,omitempty"`
	Since           time.Time `json:"since"`
	ClientCount     int       `json:"clientCount"`
	Consumers       int       `json:"consumers"`
	Publisher       bool      `json:"publisher"`
	SourceAddresses string    `json:"sourceAddresses,omitempty"`
}

// data is the FSM state plus the bookkeeping the transition function owns.
// It is only touched by the actor goroutine.
type data struct {
	state      State
	activating bool

	openWaiters  []chan<- error
	closeWaiters []chan<- error
	testWaiter   chan<- TestResult

	redeliveryEnabled bool
	redeliveryDelay   time.Duration
	redeliveryPending bool

	degraded            bool
	lastFailure         string
	stopAfterDisconnect bool
}
