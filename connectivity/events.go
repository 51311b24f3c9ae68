// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"time"

	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/connection"
)

// event is an input of the connection FSM.
type event interface {
	eventName() string
}

type openCmd struct {
	reply chan<- error
}

type closeCmd struct {
	shutdown bool
	reply    chan<- error
}

type testCmd struct {
	conn  connection.Connection
	reply chan<- TestResult
}

type stopCmd struct {
	reply chan<- error
}

// connectDone is the result of the asynchronous connect call.
type connectDone struct {
	err           error
	everConnected bool
}

type clientConnected struct {
	role client.Role
}

// clientDisconnected reports a lost role together with the reconnect
// decision already handed to the client.
type clientDisconnected struct {
	role      client.Role
	source    client.DisconnectSource
	reconnect bool
	delay     time.Duration
	cause     error
}

type activateDone struct {
	err error
}

type disconnectDone struct {
	err error
}

type testDone struct {
	result TestResult
}

type redeliveryRequested struct{}

type redeliveryDue struct{}

type workerDegraded struct {
	source int
	err    error
}

func (openCmd) eventName() string             { return "open" }
func (closeCmd) eventName() string            { return "close" }
func (testCmd) eventName() string             { return "test" }
func (stopCmd) eventName() string             { return "stop" }
func (connectDone) eventName() string         { return "connect-done" }
func (clientConnected) eventName() string     { return "client-connected" }
func (clientDisconnected) eventName() string  { return "client-disconnected" }
func (activateDone) eventName() string        { return "activate-done" }
func (disconnectDone) eventName() string      { return "disconnect-done" }
func (testDone) eventName() string            { return "test-done" }
func (redeliveryRequested) eventName() string { return "redelivery-requested" }
func (redeliveryDue) eventName() string       { return "redelivery-due" }
func (workerDegraded) eventName() string      { return "worker-degraded" }
