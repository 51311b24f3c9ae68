// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acks

import (
	"context"
	"log/slog"
	"sync"
)

var _ Registry = (*Local)(nil)

// Local is a single-node registry. Declarations are serialized by a mutex,
// which is sufficient when a single process owns every connection.
type Local struct {
	mu       sync.Mutex
	table    *Table
	revision uint64
	closed   bool

	watchers *Broadcaster
	logger   *slog.Logger
}

// NewLocal returns an empty in-memory registry.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		table:    NewTable(),
		watchers: NewBroadcaster(),
		logger:   logger,
	}
}

func (r *Local) Declare(_ context.Context, req Request) (Declared, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Declared{}, ErrClosed
	}
	d, err := r.table.Declare(req)
	if err != nil {
		return Declared{}, err
	}
	r.publishLocked()

	r.logger.Debug("acknowledgement labels declared",
		slog.String("subscriber", req.Subscriber),
		slog.Int("labels", len(d.Labels)))
	return d, nil
}

func (r *Local) Lookup(_ context.Context, label Label) ([]Declaration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Lookup(label), nil
}

func (r *Local) RemoveSubscriber(_ context.Context, subscriber string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.table.RemoveSubscriber(subscriber) {
		r.publishLocked()
	}
	return nil
}

func (r *Local) RemoveDeclaration(_ context.Context, subscriber string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.table.RemoveDeclaration(subscriber) {
		r.publishLocked()
	}
	return nil
}

func (r *Local) ReceiveDeclared(ctx context.Context) <-chan Snapshot {
	return r.watchers.Subscribe(ctx)
}

func (r *Local) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.watchers.Close()
	return nil
}

func (r *Local) publishLocked() {
	r.revision++
	r.watchers.Publish(r.table.Snapshot(r.revision))
}
