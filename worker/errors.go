// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import "errors"

// Worker errors.
var (
	ErrStopped     = errors.New("worker stopped")
	ErrStopTimeout = errors.New("worker did not stop in time")
	ErrNoTarget    = errors.New("no publish target")
	ErrNegativeAck = errors.New("negative acknowledgement")
	ErrAckTimeout  = errors.New("acknowledgement timeout")
	ErrPanic       = errors.New("worker panicked")
)
