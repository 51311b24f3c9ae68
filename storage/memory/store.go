// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/absmach/fluxlink/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	connections *ConnectionStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		connections: NewConnectionStore(),
	}
}

// Connections returns the connection store.
func (s *Store) Connections() storage.ConnectionStore {
	return s.connections
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
