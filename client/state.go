// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the connection state of one role.
type State uint32

// Role states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RoleState tracks one role with atomic transitions. It records whether the
// role was ever connected so disconnect listeners need not inspect the
// underlying transport.
type RoleState struct {
	state         atomic.Uint32
	everConnected atomic.Bool
}

// Get returns the current state.
func (rs *RoleState) Get() State {
	return State(rs.state.Load())
}

// Set unconditionally sets the state.
func (rs *RoleState) Set(s State) {
	rs.state.Store(uint32(s))
	if s == StateConnected {
		rs.everConnected.Store(true)
	}
}

// Transition moves from one state to another. Returns true if successful.
func (rs *RoleState) Transition(from, to State) bool {
	if !rs.state.CompareAndSwap(uint32(from), uint32(to)) {
		return false
	}
	if to == StateConnected {
		rs.everConnected.Store(true)
	}
	return true
}

// TransitionFrom moves to a state from any of the given states.
func (rs *RoleState) TransitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if rs.Transition(f, to) {
			return true
		}
	}
	return false
}

// EverConnected reports whether the role reached StateConnected at least once.
func (rs *RoleState) EverConnected() bool {
	return rs.everConnected.Load()
}

// IsConnected returns true if the role is connected.
func (rs *RoleState) IsConnected() bool {
	return rs.Get() == StateConnected
}

// CanConnect returns true if a connection attempt is allowed.
func (rs *RoleState) CanConnect() bool {
	s := rs.Get()
	return s == StateDisconnected || s == StateReconnecting
}
