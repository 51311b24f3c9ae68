// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091

import "errors"

// Client errors.
var (
	ErrInvalidAddress = errors.New("invalid amqp address")
	ErrEmptyQueue     = errors.New("queue name cannot be empty")
)
