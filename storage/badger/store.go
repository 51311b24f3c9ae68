// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"sync"
	"time"

	"github.com/absmach/fluxlink/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	connections *ConnectionStore

	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDone     chan struct{}
	closed     bool
	mu         sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string // Directory for BadgerDB data
	GCInterval time.Duration
	// InMemory runs badger without touching disk; Dir is ignored.
	InMemory bool
}

// DefaultGCInterval is the value log GC period.
const DefaultGCInterval = 5 * time.Minute

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Connection descriptors change rarely and must survive restarts.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultGCInterval
	}
	s := &Store{
		db:          db,
		connections: NewConnectionStore(db),
		gcInterval:  cfg.GCInterval,
		gcStopCh:    make(chan struct{}),
		gcDone:      make(chan struct{}),
	}

	go s.runGC()

	return s, nil
}

// Connections returns the connection store.
func (s *Store) Connections() storage.ConnectionStore {
	return s.connections
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing to reclaim.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			// Skip a final GC; running it during close can corrupt the value log.
			return
		}
	}
}
