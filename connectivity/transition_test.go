// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/connection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func effectNames(effs []effect) []string {
	var names []string
	for _, e := range effs {
		if _, ok := e.(effLog); ok {
			continue
		}
		names = append(names, e.effectName())
	}
	return names
}

func replies(effs []effect) []effReply {
	var out []effReply
	for _, e := range effs {
		if r, ok := e.(effReply); ok {
			out = append(out, r)
		}
	}
	return out
}

func TestTransition_OpenConnects(t *testing.T) {
	reply := make(chan error, 1)
	d, effs := transition(data{}, openCmd{reply: reply})

	assert.Equal(t, StateConnecting, d.state)
	assert.Len(t, d.openWaiters, 1)
	assert.Equal(t, []string{"connect"}, effectNames(effs))
}

func TestTransition_ConnectSuccessActivates(t *testing.T) {
	d := data{state: StateConnecting, openWaiters: []chan<- error{make(chan error, 1)}}

	d, effs := transition(d, connectDone{})
	assert.Equal(t, StateConnected, d.state)
	assert.True(t, d.activating)
	assert.Equal(t, []string{"activate"}, effectNames(effs))

	d, effs = transition(d, activateDone{})
	assert.False(t, d.activating)
	assert.Empty(t, d.openWaiters)
	r := replies(effs)
	require.Len(t, r, 1)
	assert.NoError(t, r[0].err)
}

func TestTransition_ConnectFailure(t *testing.T) {
	cause := errors.New("refused")

	cases := []struct {
		desc          string
		everConnected bool
		effects       []string
	}{
		{
			desc:    "never connected tears the handle down",
			effects: []string{"reply", "set-auto-reconnect", "disconnect"},
		},
		{
			desc:          "previously connected keeps the handle retrying",
			everConnected: true,
			effects:       []string{"reply"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			d := data{state: StateConnecting, openWaiters: []chan<- error{make(chan error, 1)}}
			d, effs := transition(d, connectDone{err: cause, everConnected: tc.everConnected})

			assert.Equal(t, StateDisconnected, d.state)
			assert.Equal(t, "refused", d.lastFailure)
			assert.Equal(t, tc.effects, effectNames(effs))
			assert.ErrorIs(t, replies(effs)[0].err, cause)
			for _, e := range effs {
				if dis, ok := e.(effDisconnect); ok {
					assert.False(t, dis.notify)
				}
			}
		})
	}
}

func TestTransition_RetryingHandleReconnects(t *testing.T) {
	d, effs := transition(data{state: StateDisconnected}, clientConnected{role: client.RoleConsumer})
	assert.Equal(t, StateConnected, d.state)
	assert.Equal(t, []string{"activate"}, effectNames(effs))
}

func TestTransition_CloseFromEveryActiveState(t *testing.T) {
	for _, st := range []State{StateDisconnected, StateConnecting, StateConnected} {
		t.Run(st.String(), func(t *testing.T) {
			open := make(chan error, 1)
			d := data{state: st, openWaiters: []chan<- error{open}}
			d, effs := transition(d, closeCmd{reply: make(chan error, 1)})

			assert.Equal(t, StateDisconnecting, d.state)
			assert.Len(t, d.closeWaiters, 1)
			assert.Empty(t, d.openWaiters)
			assert.Equal(t, []string{"reply", "set-auto-reconnect", "disconnect"}, effectNames(effs))

			auto := effs[1].(effSetAutoReconnect)
			assert.False(t, auto.enabled)
			assert.True(t, effs[2].(effDisconnect).notify)
			assert.ErrorIs(t, effs[0].(effReply).err, ErrConnectionClosed)
		})
	}
}

func TestTransition_DisconnectDone(t *testing.T) {
	closeReply := make(chan error, 1)
	d := data{state: StateDisconnecting, closeWaiters: []chan<- error{closeReply}, degraded: true}

	d, effs := transition(d, disconnectDone{})
	assert.Equal(t, StateDisconnected, d.state)
	assert.False(t, d.degraded)
	assert.Equal(t, []string{"reply"}, effectNames(effs))

	d = data{state: StateDisconnecting, stopAfterDisconnect: true}
	_, effs = transition(d, disconnectDone{})
	assert.Equal(t, []string{"stop"}, effectNames(effs))
}

func TestTransition_CloseWithShutdown(t *testing.T) {
	d, _ := transition(data{state: StateConnected}, closeCmd{shutdown: true})
	assert.True(t, d.stopAfterDisconnect)

	d, _ = transition(data{state: StateConnected}, closeCmd{})
	d, _ = transition(d, closeCmd{shutdown: true})
	assert.True(t, d.stopAfterDisconnect)
	assert.Len(t, d.closeWaiters, 2)
}

func TestTransition_BusyStates(t *testing.T) {
	for _, st := range []State{StateDisconnecting, StateTesting} {
		t.Run(st.String(), func(t *testing.T) {
			d, effs := transition(data{state: st}, openCmd{reply: make(chan error, 1)})
			assert.Equal(t, st, d.state)
			r := replies(effs)
			require.Len(t, r, 1)
			assert.ErrorIs(t, r[0].err, ErrBusy)
		})
	}
}

func TestTransition_Test(t *testing.T) {
	conn := connection.Connection{ID: "c"}

	d, effs := transition(data{state: StateDisconnected}, testCmd{conn: conn, reply: make(chan TestResult, 1)})
	assert.Equal(t, StateTesting, d.state)
	require.Len(t, effs, 1)
	assert.True(t, effs[0].(effRunTest).inState)

	d, effs = transition(d, testDone{result: TestResult{OK: true}})
	assert.Equal(t, StateDisconnected, d.state)
	assert.Nil(t, d.testWaiter)
	require.Len(t, effs, 1)
	assert.True(t, effs[0].(effReplyTest).result.OK)

	for _, st := range []State{StateConnecting, StateConnected, StateDisconnecting, StateTesting} {
		d, effs := transition(data{state: st}, testCmd{conn: conn, reply: make(chan TestResult, 1)})
		assert.Equal(t, st, d.state, st.String())
		require.Len(t, effs, 1)
		assert.False(t, effs[0].(effRunTest).inState, st.String())
	}
}

func TestTransition_LostConnection(t *testing.T) {
	cause := errors.New("gone")

	d, effs := transition(data{state: StateConnected}, clientDisconnected{role: client.RoleConsumer, reconnect: true, cause: cause})
	assert.Equal(t, StateConnected, d.state)
	assert.Empty(t, effectNames(effs))
	assert.Equal(t, "gone", d.lastFailure)

	d, effs = transition(data{state: StateConnected}, clientDisconnected{role: client.RoleConsumer, cause: cause})
	assert.Equal(t, StateDisconnecting, d.state)
	assert.Equal(t, []string{"set-auto-reconnect", "disconnect"}, effectNames(effs))
}

func TestTransition_ActivationFailure(t *testing.T) {
	open := make(chan error, 1)
	cause := errors.New("subscribe failed")
	d := data{state: StateConnected, activating: true, openWaiters: []chan<- error{open}}

	d, effs := transition(d, activateDone{err: cause})
	assert.Equal(t, StateDisconnecting, d.state)
	assert.Equal(t, []string{"reply", "set-auto-reconnect", "disconnect"}, effectNames(effs))
	assert.ErrorIs(t, replies(effs)[0].err, cause)
}

func TestTransition_RedeliveryIsCoalesced(t *testing.T) {
	d := data{state: StateConnected, redeliveryEnabled: true, redeliveryDelay: 2 * time.Second}

	d, effs := transition(d, redeliveryRequested{})
	assert.True(t, d.redeliveryPending)
	require.Equal(t, []string{"schedule-redelivery"}, effectNames(effs))
	assert.Equal(t, 2*time.Second, effs[0].(effScheduleRedelivery).delay)

	d, effs = transition(d, redeliveryRequested{})
	assert.Empty(t, effectNames(effs))

	d, effs = transition(d, redeliveryDue{})
	assert.False(t, d.redeliveryPending)
	assert.Equal(t, []string{"reconnect-consumer"}, effectNames(effs))

	_, effs = transition(data{state: StateConnected}, redeliveryRequested{})
	assert.Empty(t, effectNames(effs))
}

func TestTransition_DisconnectCancelsRedelivery(t *testing.T) {
	d := data{state: StateConnected, redeliveryEnabled: true, redeliveryDelay: time.Second}

	d, _ = transition(d, redeliveryRequested{})
	require.True(t, d.redeliveryPending)

	d, effs := transition(d, closeCmd{reply: make(chan error, 1)})
	assert.Contains(t, effectNames(effs), "disconnect")
	assert.False(t, d.redeliveryPending)

	d, _ = transition(d, disconnectDone{})
	d, effs = transition(d, redeliveryRequested{})
	assert.Equal(t, []string{"schedule-redelivery"}, effectNames(effs))
	assert.True(t, d.redeliveryPending)
}

func TestTransition_WorkerDegraded(t *testing.T) {
	d, _ := transition(data{state: StateConnected}, workerDegraded{source: 1, err: errors.New("crashed")})
	assert.Equal(t, StateConnected, d.state)
	assert.True(t, d.degraded)
	assert.Contains(t, d.lastFailure, "source 1")
}

func TestTransition_Stop(t *testing.T) {
	open := make(chan error, 1)
	stopReply := make(chan error, 1)
	d := data{state: StateConnecting, openWaiters: []chan<- error{open}}

	d, effs := transition(d, stopCmd{reply: stopReply})
	assert.Equal(t, StateDisconnected, d.state)
	assert.Equal(t, []string{"set-auto-reconnect", "reply", "disconnect", "stop"}, effectNames(effs))
	assert.ErrorIs(t, replies(effs)[0].err, ErrStopped)
}

func TestTransition_IgnoresStaleResults(t *testing.T) {
	d, effs := transition(data{state: StateDisconnected}, connectDone{})
	assert.Equal(t, StateDisconnected, d.state)
	assert.Empty(t, effectNames(effs))

	d, effs = transition(data{state: StateDisconnecting}, activateDone{})
	assert.Equal(t, StateDisconnecting, d.state)
	assert.Empty(t, effectNames(effs))
}
