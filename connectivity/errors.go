// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import "errors"

// Connectivity errors.
var (
	ErrBusy             = errors.New("connection is busy")
	ErrTimeout          = errors.New("connectivity operation timed out")
	ErrStopped          = errors.New("connection actor stopped")
	ErrNotFound         = errors.New("connection not found")
	ErrAlreadyExists    = errors.New("connection already exists")
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("connection is not connected")
)
