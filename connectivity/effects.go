// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxlink/connection"
)

// effect is a side effect requested by the transition function and
// executed by the actor.
type effect interface {
	effectName() string
}

// effConnect builds the client handle if absent, enables automatic
// reconnect and starts an asynchronous connect.
type effConnect struct{}

// effActivate starts the workers and declares acknowledgement labels.
type effActivate struct{}

// effDisconnect tears down workers and the client handle. With notify set
// the actor receives disconnectDone when the teardown finished.
type effDisconnect struct {
	notify bool
}

type effSetAutoReconnect struct {
	enabled bool
}

type effReply struct {
	to  chan<- error
	err error
}

type effReplyTest struct {
	to     chan<- TestResult
	result TestResult
}

// effRunTest tests conn with an ephemeral client. In-state tests report
// back with testDone, out-of-band tests reply directly.
type effRunTest struct {
	conn    connection.Connection
	reply   chan<- TestResult
	inState bool
}

type effScheduleRedelivery struct {
	delay time.Duration
}

// effReconnectConsumer disconnects only the consumer role.
type effReconnectConsumer struct{}

type effStop struct {
	reply chan<- error
}

type effLog struct {
	level slog.Level
	msg   string
	attrs []slog.Attr
}

func (effConnect) effectName() string            { return "connect" }
func (effActivate) effectName() string           { return "activate" }
func (effDisconnect) effectName() string         { return "disconnect" }
func (effSetAutoReconnect) effectName() string   { return "set-auto-reconnect" }
func (effReply) effectName() string              { return "reply" }
func (effReplyTest) effectName() string          { return "reply-test" }
func (effRunTest) effectName() string            { return "run-test" }
func (effScheduleRedelivery) effectName() string { return "schedule-redelivery" }
func (effReconnectConsumer) effectName() string  { return "reconnect-consumer" }
func (effStop) effectName() string               { return "stop" }
func (effLog) effectName() string                { return "log" }
