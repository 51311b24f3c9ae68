// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"fmt"
	"log/slog"
)

// transition computes the next FSM data and the effects to run for ev.
// It performs no I/O.
func transition(d data, ev event) (data, []effect) {
	next, effs := step(d, ev)
	// Tearing the session down cancels a scheduled redelivery reconnect.
	for _, eff := range effs {
		if _, ok := eff.(effDisconnect); ok {
			next.redeliveryPending = false
			break
		}
	}
	return next, effs
}

func step(d data, ev event) (data, []effect) {
	if e, ok := ev.(stopCmd); ok {
		return stop(d, e)
	}

	switch d.state {
	case StateDisconnected:
		return onDisconnected(d, ev)
	case StateConnecting:
		return onConnecting(d, ev)
	case StateConnected:
		return onConnected(d, ev)
	case StateDisconnecting:
		return onDisconnecting(d, ev)
	case StateTesting:
		return onTesting(d, ev)
	}
	return d, nil
}

func stop(d data, e stopCmd) (data, []effect) {
	effs := []effect{effSetAutoReconnect{enabled: false}}
	effs = append(effs, replyAll(d.openWaiters, ErrStopped)...)
	effs = append(effs, replyAll(d.closeWaiters, nil)...)
	if d.testWaiter != nil {
		effs = append(effs, effReplyTest{to: d.testWaiter, result: TestResult{Message: ErrStopped.Error()}})
	}
	effs = append(effs, effDisconnect{notify: false}, effStop{reply: e.reply})

	d.state = StateDisconnected
	d.activating = false
	d.openWaiters = nil
	d.closeWaiters = nil
	d.testWaiter = nil
	return d, effs
}

func onDisconnected(d data, ev event) (data, []effect) {
	switch e := ev.(type) {
	case openCmd:
		d.state = StateConnecting
		d.openWaiters = append(d.openWaiters, e.reply)
		return d, []effect{effConnect{}}

	case closeCmd:
		// The client may still be retrying after a failed connect of a
		// session that was connected before.
		return beginDisconnect(d, e)

	case testCmd:
		d.state = StateTesting
		d.testWaiter = e.reply
		return d, []effect{effRunTest{conn: e.conn, inState: true}}

	case clientConnected:
		d.state = StateConnected
		d.activating = true
		d.lastFailure = ""
		return d, []effect{effActivate{}}

	case clientDisconnected:
		d.lastFailure = errString(e.cause)
		return d, nil

	case redeliveryDue:
		d.redeliveryPending = false
		return d, nil
	}
	return d, ignored(d, ev)
}

func onConnecting(d data, ev event) (data, []effect) {
	switch e := ev.(type) {
	case openCmd:
		d.openWaiters = append(d.openWaiters, e.reply)
		return d, nil

	case closeCmd:
		return beginDisconnect(d, e)

	case testCmd:
		return d, []effect{effRunTest{conn: e.conn, reply: e.reply}}

	case connectDone:
		if e.err == nil {
			d.state = StateConnected
			d.activating = true
			d.lastFailure = ""
			return d, []effect{effActivate{}}
		}
		d.state = StateDisconnected
		d.lastFailure = e.err.Error()
		effs := replyAll(d.openWaiters, e.err)
		d.openWaiters = nil
		if !e.everConnected {
			// Nothing to resume; drop the handle so the next open starts clean.
			effs = append(effs, effSetAutoReconnect{enabled: false}, effDisconnect{notify: false})
			return d, effs
		}
		effs = append(effs, effLog{level: slog.LevelInfo, msg: "connect failed, client keeps reconnecting", attrs: []slog.Attr{slog.String("error", e.err.Error())}})
		return d, effs

	case clientDisconnected:
		d.lastFailure = errString(e.cause)
		return d, nil

	case redeliveryDue:
		d.redeliveryPending = false
		return d, nil
	}
	return d, ignored(d, ev)
}

func onConnected(d data, ev event) (data, []effect) {
	switch e := ev.(type) {
	case openCmd:
		if d.activating {
			d.openWaiters = append(d.openWaiters, e.reply)
			return d, nil
		}
		return d, []effect{effReply{to: e.reply}}

	case closeCmd:
		return beginDisconnect(d, e)

	case testCmd:
		return d, []effect{effRunTest{conn: e.conn, reply: e.reply}}

	case activateDone:
		d.activating = false
		effs := replyAll(d.openWaiters, e.err)
		d.openWaiters = nil
		if e.err == nil {
			return d, effs
		}
		d.lastFailure = e.err.Error()
		d.state = StateDisconnecting
		effs = append(effs, effSetAutoReconnect{enabled: false}, effDisconnect{notify: true})
		return d, effs

	case clientConnected:
		return d, []effect{effLog{level: slog.LevelInfo, msg: "client role reconnected", attrs: []slog.Attr{slog.String("role", e.role.String())}}}

	case clientDisconnected:
		d.lastFailure = errString(e.cause)
		if e.reconnect {
			return d, nil
		}
		d.state = StateDisconnecting
		effs := replyAll(d.openWaiters, ErrConnectionClosed)
		d.openWaiters = nil
		d.activating = false
		effs = append(effs, effSetAutoReconnect{enabled: false}, effDisconnect{notify: true})
		return d, effs

	case redeliveryRequested:
		if !d.redeliveryEnabled {
			return d, nil
		}
		if d.redeliveryPending {
			return d, []effect{effLog{level: slog.LevelDebug, msg: "redelivery reconnect already scheduled"}}
		}
		d.redeliveryPending = true
		return d, []effect{effScheduleRedelivery{delay: d.redeliveryDelay}}

	case redeliveryDue:
		d.redeliveryPending = false
		return d, []effect{effReconnectConsumer{}}

	case workerDegraded:
		d.degraded = true
		d.lastFailure = fmt.Sprintf("source %d: %s", e.source, errString(e.err))
		return d, nil
	}
	return d, ignored(d, ev)
}

func onDisconnecting(d data, ev event) (data, []effect) {
	switch e := ev.(type) {
	case openCmd:
		return d, []effect{effReply{to: e.reply, err: ErrBusy}}

	case closeCmd:
		d.closeWaiters = append(d.closeWaiters, e.reply)
		d.stopAfterDisconnect = d.stopAfterDisconnect || e.shutdown
		return d, nil

	case testCmd:
		return d, []effect{effRunTest{conn: e.conn, reply: e.reply}}

	case disconnectDone:
		d.state = StateDisconnected
		d.activating = false
		d.degraded = false
		effs := replyAll(d.closeWaiters, e.err)
		d.closeWaiters = nil
		if d.stopAfterDisconnect {
			effs = append(effs, effStop{})
		}
		return d, effs

	case redeliveryDue:
		d.redeliveryPending = false
		return d, nil
	}
	return d, ignored(d, ev)
}

func onTesting(d data, ev event) (data, []effect) {
	switch e := ev.(type) {
	case openCmd:
		return d, []effect{effReply{to: e.reply, err: ErrBusy}}

	case closeCmd:
		return d, []effect{effReply{to: e.reply, err: ErrBusy}}

	case testCmd:
		return d, []effect{effRunTest{conn: e.conn, reply: e.reply}}

	case testDone:
		d.state = StateDisconnected
		var effs []effect
		if d.testWaiter != nil {
			effs = append(effs, effReplyTest{to: d.testWaiter, result: e.result})
		}
		d.testWaiter = nil
		return d, effs

	case redeliveryDue:
		d.redeliveryPending = false
		return d, nil
	}
	return d, ignored(d, ev)
}

func beginDisconnect(d data, e closeCmd) (data, []effect) {
	effs := replyAll(d.openWaiters, ErrConnectionClosed)
	d.openWaiters = nil
	d.activating = false
	d.state = StateDisconnecting
	d.closeWaiters = append(d.closeWaiters, e.reply)
	d.stopAfterDisconnect = e.shutdown
	effs = append(effs, effSetAutoReconnect{enabled: false}, effDisconnect{notify: true})
	return d, effs
}

func replyAll(waiters []chan<- error, err error) []effect {
	effs := make([]effect, 0, len(waiters))
	for _, w := range waiters {
		effs = append(effs, effReply{to: w, err: err})
	}
	return effs
}

func ignored(d data, ev event) []effect {
	return []effect{effLog{
		level: slog.LevelDebug,
		msg:   "event ignored",
		attrs: []slog.Attr{slog.String("event", ev.eventName()), slog.String("state", d.state.String())},
	}}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
