// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
)

// ErrKeyNotFound is returned when a key is missing from the stable store.
// raft recognises a missing term or vote by the "not found" message.
var ErrKeyNotFound = errors.New("not found")

// LogStore implements raft.LogStore on top of BadgerDB.
type LogStore struct {
	db     *badger.DB
	prefix []byte
}

var _ raft.LogStore = (*LogStore)(nil)

// NewLogStore returns a log store whose keys live under "acks:log:<name>:".
func NewLogStore(db *badger.DB, name string) *LogStore {
	return &LogStore{
		db:     db,
		prefix: []byte(fmt.Sprintf("acks:log:%s:", name)),
	}
}

func (s *LogStore) FirstIndex() (uint64, error) {
	return s.edge(false)
}

func (s *LogStore) LastIndex() (uint64, error) {
	return s.edge(true)
}

func (s *LogStore) edge(last bool) (uint64, error) {
	var idx uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = last
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := s.prefix
		if last {
			seek = append(append([]byte{}, s.prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		}
		it.Seek(seek)
		if !it.ValidForPrefix(s.prefix) {
			return nil
		}
		idx = s.index(it.Item().Key())
		return nil
	})
	return idx, err
}

func (s *LogStore) GetLog(index uint64, log *raft.Log) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return raft.ErrLogNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, log)
		})
	})
}

func (s *LogStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

func (s *LogStore) StoreLogs(logs []*raft.Log) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, l := range logs {
		val, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("failed to encode log %d: %w", l.Index, err)
		}
		if err := wb.Set(s.key(l.Index), val); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// DeleteRange deletes entries in [min, max].
func (s *LogStore) DeleteRange(min, max uint64) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for idx := min; idx <= max; idx++ {
		if err := wb.Delete(s.key(idx)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *LogStore) key(index uint64) []byte {
	key := make([]byte, len(s.prefix)+8)
	copy(key, s.prefix)
	binary.BigEndian.PutUint64(key[len(s.prefix):], index)
	return key
}

func (s *LogStore) index(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(s.prefix):])
}

// StableStore implements raft.StableStore on top of BadgerDB.
type StableStore struct {
	db     *badger.DB
	prefix []byte
}

var _ raft.StableStore = (*StableStore)(nil)

// NewStableStore returns a stable store whose keys live under "acks:stable:<name>:".
func NewStableStore(db *badger.DB, name string) *StableStore {
	return &StableStore{
		db:     db,
		prefix: []byte(fmt.Sprintf("acks:stable:%s:", name)),
	}
}

func (s *StableStore) Set(key, val []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(key), val)
	})
}

func (s *StableStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

func (s *StableStore) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return s.Set(key, buf)
}

func (s *StableStore) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid uint64 value length: %d", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func (s *StableStore) key(k []byte) []byte {
	return append(append([]byte{}, s.prefix...), k...)
}
