// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalDeclareLookupRemove(t *testing.T) {
	ctx := context.Background()
	r := NewLocal(nil)
	defer r.Close()

	_, err := r.Declare(ctx, Request{Labels: []Label{"x", "y"}, Subscriber: "A"})
	require.NoError(t, err)

	_, err = r.Declare(ctx, Request{Labels: []Label{"x"}, Subscriber: "B"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = r.Declare(ctx, Request{Labels: []Label{"x"}, Subscriber: "B", Resubscribe: true})
	require.NoError(t, err)

	owners, err := r.Lookup(ctx, "x")
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, "B", owners[0].Subscriber)

	require.NoError(t, r.RemoveSubscriber(ctx, "A"))
	owners, err = r.Lookup(ctx, "y")
	require.NoError(t, err)
	assert.Empty(t, owners)
}

func TestLocalReceiveDeclared(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewLocal(nil)
	defer r.Close()

	ch := r.ReceiveDeclared(ctx)
	initial := <-ch
	assert.Equal(t, 0, initial.Len())

	_, err := r.Declare(ctx, Request{Labels: []Label{"x"}, Subscriber: "A"})
	require.NoError(t, err)

	select {
	case snap := <-ch:
		assert.Equal(t, []Label{"x"}, snap.Labels())
		assert.Equal(t, uint64(1), snap.Revision)
	case <-time.After(time.Second):
		t.Fatal("snapshot not delivered")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestLocalClosed(t *testing.T) {
	r := NewLocal(nil)
	require.NoError(t, r.Close())

	_, err := r.Declare(context.Background(), Request{Labels: []Label{"x"}, Subscriber: "A"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNoopRegistry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var r Registry = Noop{}

	_, err := r.Declare(ctx, Request{Labels: []Label{"x"}, Subscriber: "A"})
	assert.ErrorIs(t, err, ErrUnsupported)

	owners, err := r.Lookup(ctx, "x")
	assert.NoError(t, err)
	assert.Empty(t, owners)

	assert.NoError(t, r.RemoveSubscriber(ctx, "A"))
	assert.NoError(t, r.RemoveDeclaration(ctx, "A"))

	ch := r.ReceiveDeclared(ctx)
	snap := <-ch
	assert.Equal(t, 0, snap.Len())

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcasterKeepsLatest(t *testing.T) {
	b := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	<-ch

	tbl := NewTable()
	b.Publish(tbl.Snapshot(1))
	b.Publish(tbl.Snapshot(2))
	b.Publish(tbl.Snapshot(1))

	snap := <-ch
	assert.Equal(t, uint64(2), snap.Revision)
	assert.Equal(t, uint64(2), b.Last().Revision)

	b.Close()
	_, ok := <-ch
	assert.False(t, ok)
}
