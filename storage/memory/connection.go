// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"github.com/absmach/fluxlink/connection"
	"github.com/absmach/fluxlink/storage"
)

var _ storage.ConnectionStore = (*ConnectionStore)(nil)

// ConnectionStore is an in-memory implementation of storage.ConnectionStore.
type ConnectionStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewConnectionStore creates a new in-memory connection store.
func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a connection by ID.
func (s *ConnectionStore) Get(id string) (connection.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[id]
	if !ok {
		return connection.Connection{}, storage.ErrNotFound
	}
	return decode(data)
}

// Create stores a new connection.
func (s *ConnectionStore) Create(conn connection.Connection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[conn.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.data[conn.ID] = data
	return nil
}

// Save creates or replaces a connection.
func (s *ConnectionStore) Save(conn connection.Connection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[conn.ID] = data
	return nil
}

// Delete removes a connection.
func (s *ConnectionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}

// List returns all connections.
func (s *ConnectionStore) List() ([]connection.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]connection.Connection, 0, len(s.data))
	for _, data := range s.data {
		conn, err := decode(data)
		if err != nil {
			return nil, err
		}
		result = append(result, conn)
	}
	slices.SortFunc(result, func(a, b connection.Connection) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

// Values are kept encoded so callers never share maps or slices with the store.
func decode(data []byte) (connection.Connection, error) {
	var conn connection.Connection
	err := json.Unmarshal(data, &conn)
	return conn, err
}
