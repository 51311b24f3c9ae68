// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package supervisor

import "errors"

// Supervisor errors.
var (
	// ErrNoClient is an illegal state: workers need a live client handle.
	ErrNoClient        = errors.New("no client handle")
	ErrNoPublisher     = errors.New("publisher not started")
	ErrAlreadyStarted  = errors.New("workers already started")
	ErrMissingResult   = errors.New("missing subscribe result")
	ErrSubscribeResult = errors.New("invalid subscribe result")
)
