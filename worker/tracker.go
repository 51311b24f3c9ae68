// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"fmt"
	"sync"

	"github.com/absmach/fluxlink/acks"
)

type pendingAck struct {
	remaining map[acks.Label]struct{}
	done      chan error
}

// AckTracker correlates acknowledgements with the inbound messages waiting
// for them. Results are keyed by command correlation id.
type AckTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
}

// NewAckTracker returns an empty tracker.
func NewAckTracker() *AckTracker {
	return &AckTracker{pending: make(map[string]*pendingAck)}
}

// Expect registers a wait for labels under id. The returned channel yields
// nil once every label is acknowledged, or ErrNegativeAck on the first
// negative one. An empty label set resolves immediately.
func (t *AckTracker) Expect(id string, labels []acks.Label) <-chan error {
	done := make(chan error, 1)
	if len(labels) == 0 {
		done <- nil
		return done
	}

	p := &pendingAck{remaining: make(map[acks.Label]struct{}, len(labels)), done: done}
	for _, l := range labels {
		p.remaining[l] = struct{}{}
	}

	t.mu.Lock()
	t.pending[id] = p
	t.mu.Unlock()
	return done
}

// Acknowledge resolves label for id. It reports whether a wait matched.
func (t *AckTracker) Acknowledge(id string, label acks.Label, ok bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, found := t.pending[id]
	if !found {
		return false
	}
	if _, want := p.remaining[label]; !want {
		return false
	}
	if !ok {
		delete(t.pending, id)
		p.done <- fmt.Errorf("%w: %s", ErrNegativeAck, label)
		return true
	}
	delete(p.remaining, label)
	if len(p.remaining) == 0 {
		delete(t.pending, id)
		p.done <- nil
	}
	return true
}

// Forget drops the wait for id.
func (t *AckTracker) Forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Pending returns the number of outstanding waits.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
