// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package etcd

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/absmach/fluxlink/acks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestDecodeTableAndApplyEvent(t *testing.T) {
	r := &Registry{prefix: DefaultPrefix, table: acks.NewTable()}

	tbl, err := r.decodeTable([]*mvccpb.KeyValue{
		{Key: []byte(DefaultPrefix + "conn-1:a"), Value: []byte(`{"group":"conn-1","labels":["x"]}`)},
		{Key: []byte(DefaultPrefix + "conn-2:b"), Value: []byte(`{"labels":["y"]}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, []acks.Declaration{{Label: "x", Subscriber: "conn-1:a", Group: "conn-1"}}, tbl.Lookup("x"))
	assert.Equal(t, "conn-2:b", tbl.Lookup("y")[0].Subscriber)

	_, err = r.decodeTable([]*mvccpb.KeyValue{{Key: []byte(DefaultPrefix + "bad"), Value: []byte("{")}})
	assert.Error(t, err)

	r.table = tbl
	r.applyEvent(&clientv3.Event{Type: clientv3.EventTypeDelete, Kv: &mvccpb.KeyValue{Key: []byte(DefaultPrefix + "conn-2:b")}})
	assert.Empty(t, r.table.Lookup("y"))

	r.applyEvent(&clientv3.Event{Type: clientv3.EventTypePut, Kv: &mvccpb.KeyValue{Key: []byte(DefaultPrefix + "conn-3:c"), Value: []byte(`{"labels":["z"]}`)}})
	assert.Equal(t, "conn-3:c", r.table.Lookup("z")[0].Subscriber)
}

func TestEqualEntry(t *testing.T) {
	assert.True(t, equalEntry(acks.Entry{Labels: []acks.Label{"a"}}, acks.Entry{Labels: []acks.Label{"a"}}))
	assert.False(t, equalEntry(acks.Entry{Labels: []acks.Label{"a"}}, acks.Entry{Labels: []acks.Label{"b"}}))
	assert.False(t, equalEntry(acks.Entry{Group: "g"}, acks.Entry{}))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func startEtcd(t *testing.T) string {
	t.Helper()

	clientAddr := freeAddr(t)
	peerAddr := freeAddr(t)
	e, err := StartServer(ServerConfig{
		Name:         "acks-test",
		DataDir:      t.TempDir(),
		PeerAddr:     peerAddr,
		ClientAddr:   clientAddr,
		Bootstrap:    true,
		ReadyTimeout: 30 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	return clientAddr
}

func TestRegistryWithEmbeddedEtcd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded etcd test in short mode")
	}

	ctx := context.Background()
	endpoint := startEtcd(t)

	node1, err := New(ctx, Config{Endpoints: []string{endpoint}, LeaseTTL: 5})
	require.NoError(t, err)
	node2, err := New(ctx, Config{Endpoints: []string{endpoint}, LeaseTTL: 5})
	require.NoError(t, err)
	defer node2.Close()

	_, err = node1.Declare(ctx, acks.Request{Labels: []acks.Label{"x", "y"}, Subscriber: "A"})
	require.NoError(t, err)

	_, err = node2.Declare(ctx, acks.Request{Labels: []acks.Label{"x"}, Subscriber: "B"})
	assert.ErrorIs(t, err, acks.ErrConflict)

	_, err = node2.Declare(ctx, acks.Request{Labels: []acks.Label{"x"}, Subscriber: "B", Resubscribe: true})
	require.NoError(t, err)

	owners, err := node1.Lookup(ctx, "x")
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, "B", owners[0].Subscriber)

	// Watchers on every node converge on the same mapping.
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := node2.ReceiveDeclared(watchCtx)
	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			got := snap.Lookup("y")
			return len(got) == 1 && got[0].Subscriber == "A"
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	// Closing node1 revokes its lease, dropping the remaining declaration of A.
	require.NoError(t, node1.Close())
	owners, err = node2.Lookup(ctx, "y")
	require.NoError(t, err)
	assert.Empty(t, owners)

	require.NoError(t, node2.RemoveDeclaration(ctx, "B"))
	owners, err = node2.Lookup(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, owners)
}
