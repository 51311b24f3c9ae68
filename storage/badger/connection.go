// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxlink/connection"
	"github.com/absmach/fluxlink/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.ConnectionStore = (*ConnectionStore)(nil)

const connectionPrefix = "connection:"

// ConnectionStore implements storage.ConnectionStore using BadgerDB.
type ConnectionStore struct {
	db *badger.DB
}

// NewConnectionStore creates a new BadgerDB connection store.
func NewConnectionStore(db *badger.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

// Get retrieves a connection by ID.
func (s *ConnectionStore) Get(id string) (connection.Connection, error) {
	var conn connection.Connection
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(connectionKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &conn)
		})
	})
	if err != nil {
		return connection.Connection{}, err
	}
	return conn, nil
}

// Create stores a new connection.
func (s *ConnectionStore) Create(conn connection.Connection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := connectionKey(conn.ID)
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return storage.ErrAlreadyExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, data)
	})
}

// Save creates or replaces a connection.
func (s *ConnectionStore) Save(conn connection.Connection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(connectionKey(conn.ID), data)
	})
}

// Delete removes a connection.
func (s *ConnectionStore) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(connectionKey(id))
	})
}

// List returns all connections. Badger iterates in key order, so the result
// is ordered by ID.
func (s *ConnectionStore) List() ([]connection.Connection, error) {
	var conns []connection.Connection

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(connectionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var conn connection.Connection
				if err := json.Unmarshal(val, &conn); err != nil {
					return err
				}
				conns = append(conns, conn)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal connection %s: %w", item.Key(), err)
			}
		}
		return nil
	})

	return conns, err
}

func connectionKey(id string) []byte {
	return []byte(connectionPrefix + id)
}
