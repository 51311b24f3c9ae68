// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/absmach/fluxlink/acks"
	"github.com/hashicorp/raft"
)

// OpType is the kind of registry mutation carried by a log entry.
type OpType uint8

const (
	OpDeclare OpType = iota + 1
	OpRemoveSubscriber
	OpRemoveDeclaration
)

func (o OpType) String() string {
	switch o {
	case OpDeclare:
		return "declare"
	case OpRemoveSubscriber:
		return "remove_subscriber"
	case OpRemoveDeclaration:
		return "remove_declaration"
	default:
		return "unknown"
	}
}

// Operation is the payload of a registry log entry.
type Operation struct {
	Type       OpType        `json:"type"`
	Request    *acks.Request `json:"request,omitempty"`
	Subscriber string        `json:"subscriber,omitempty"`
}

// ApplyResult is returned by FSM.Apply through the raft future.
type ApplyResult struct {
	Declared acks.Declared
	Err      error
}

// FSM replicates an acks.Table.
type FSM struct {
	mu       sync.RWMutex
	table    *acks.Table
	revision uint64

	onChange func(acks.Snapshot)
	logger   *slog.Logger
}

var _ raft.FSM = (*FSM)(nil)

// NewFSM returns an empty FSM. onChange is invoked with every new state.
func NewFSM(onChange func(acks.Snapshot), logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	if onChange == nil {
		onChange = func(acks.Snapshot) {}
	}
	return &FSM{
		table:    acks.NewTable(),
		onChange: onChange,
		logger:   logger,
	}
}

// Apply applies a committed log entry.
func (f *FSM) Apply(log *raft.Log) any {
	var op Operation
	if err := json.Unmarshal(log.Data, &op); err != nil {
		f.logger.Error("failed to decode registry operation",
			slog.Uint64("index", log.Index),
			slog.String("error", err.Error()))
		return &ApplyResult{Err: fmt.Errorf("failed to decode operation: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	res := &ApplyResult{}
	changed := false
	switch op.Type {
	case OpDeclare:
		if op.Request == nil {
			res.Err = fmt.Errorf("declare operation without request")
			break
		}
		res.Declared, res.Err = f.table.Declare(*op.Request)
		changed = res.Err == nil
	case OpRemoveSubscriber:
		changed = f.table.RemoveSubscriber(op.Subscriber)
	case OpRemoveDeclaration:
		changed = f.table.RemoveDeclaration(op.Subscriber)
	default:
		res.Err = fmt.Errorf("unknown operation type: %d", op.Type)
	}

	if changed {
		f.revision = log.Index
		f.onChange(f.table.Snapshot(f.revision))
	}

	f.logger.Debug("registry operation applied",
		slog.String("op", op.Type.String()),
		slog.Uint64("index", log.Index))

	return res
}

// Lookup reads the local replica.
func (f *FSM) Lookup(l acks.Label) []acks.Declaration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.table.Lookup(l)
}

// Current returns a snapshot of the local replica.
func (f *FSM) Current() acks.Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.table.Snapshot(f.revision)
}

type snapshotState struct {
	Revision uint64      `json:"revision"`
	Table    *acks.Table `json:"table"`
}

// Snapshot captures the table for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return &fsmSnapshot{state: snapshotState{Revision: f.revision, Table: f.table.Clone()}}, nil
}

// Restore replaces the table with a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var st snapshotState
	if err := json.NewDecoder(rc).Decode(&st); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if st.Table == nil || st.Table.Subscribers == nil {
		st.Table = acks.NewTable()
	}

	f.mu.Lock()
	f.table = st.Table
	f.revision = st.Revision
	snap := f.table.Snapshot(f.revision)
	f.mu.Unlock()

	f.onChange(snap)
	return nil
}

type fsmSnapshot struct {
	state snapshotState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		data, err := json.Marshal(s.state)
		if err != nil {
			return err
		}
		if _, err := sink.Write(data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
