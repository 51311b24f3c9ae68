// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import "errors"

// Connection errors.
var (
	ErrInvalidConnection   = errors.New("invalid connection")
	ErrUnsupportedProtocol = errors.New("unsupported connection type")
	ErrUnknownCommand      = errors.New("unknown connectivity command")
	ErrMissingConnection   = errors.New("command requires a connection")
	ErrMissingID           = errors.New("command requires a connection id")
)
