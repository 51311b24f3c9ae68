// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrUnsupportedScheme = errors.New("unsupported uri scheme")
	ErrUnknownRole       = errors.New("unknown client role")

	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectFailed    = errors.New("connection failed")
	ErrConnectTimeout   = errors.New("connection timeout")
	ErrClientClosed     = errors.New("client has been closed")

	// Operation errors.
	ErrTimeout         = errors.New("operation timed out")
	ErrSubscribeFailed = errors.New("subscription failed")
	ErrPublishFailed   = errors.New("publish failed")
	ErrStreamClosed    = errors.New("stream closed")
)
