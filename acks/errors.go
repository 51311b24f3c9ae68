// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acks

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	ErrUnsupported     = errors.New("acknowledgement label declaration is not supported on this node")
	ErrConflict        = errors.New("acknowledgement label already declared")
	ErrInvalidLabel    = errors.New("invalid acknowledgement label")
	ErrEmptySubscriber = errors.New("subscriber cannot be empty")
	ErrNotLeader       = errors.New("not the registry leader")
	ErrClosed          = errors.New("registry closed")
)

// ConflictError reports a label that is owned by another subscriber.
type ConflictError struct {
	Label      Label
	Subscriber string
	Owner      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("acknowledgement label %q requested by %q is already declared by %q", e.Label, e.Subscriber, e.Owner)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
