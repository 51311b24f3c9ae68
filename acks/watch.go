// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acks

import (
	"context"
	"sync"
)

// Broadcaster fans snapshots out to ReceiveDeclared subscribers.
// Each subscriber channel holds at most one pending snapshot.
type Broadcaster struct {
	mu     sync.Mutex
	last   Snapshot
	subs   map[chan Snapshot]struct{}
	closed bool
	done   chan struct{}
}

// NewBroadcaster returns a Broadcaster whose initial snapshot is empty.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		last: NewTable().Snapshot(0),
		subs: make(map[chan Snapshot]struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe registers a receiver that is released when ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	ch <- b.last
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}()

	return ch
}

// Publish replaces the latest snapshot and notifies every receiver.
// Older snapshots are ignored.
func (b *Broadcaster) Publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || s.Revision < b.last.Revision {
		return
	}
	b.last = s
	for ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Last returns the latest published snapshot.
func (b *Broadcaster) Last() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Close closes every receiver channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
