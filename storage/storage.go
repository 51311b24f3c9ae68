// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage persists connection descriptors for the connectivity
// manager. The manager treats it as an opaque service.
package storage

import (
	"errors"

	"github.com/absmach/fluxlink/connection"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the composite storage interface.
type Store interface {
	// Connections returns the connection descriptor store.
	Connections() ConnectionStore

	// Close closes all storage backends.
	Close() error
}

// ConnectionStore persists connection descriptors keyed by ID.
type ConnectionStore interface {
	// Get retrieves a connection by ID.
	Get(id string) (connection.Connection, error)

	// Create stores a new connection. Fails with ErrAlreadyExists.
	Create(conn connection.Connection) error

	// Save creates or replaces a connection.
	Save(conn connection.Connection) error

	// Delete removes a connection. Deleting a missing connection is not an error.
	Delete(id string) error

	// List returns all connections ordered by ID.
	List() ([]connection.Connection, error)
}
