// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxlink/acks"
	"github.com/absmach/fluxlink/connection"
	"github.com/absmach/fluxlink/storage"
	"github.com/absmach/fluxlink/storage/memory"
	"github.com/absmach/fluxlink/testutil"
	"github.com/absmach/fluxlink/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, ff *testutil.FakeFactory) (*Manager, storage.ConnectionStore) {
	t.Helper()
	store := memory.NewConnectionStore()
	m := NewManager(testConfig(ff), store)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, store
}

func TestManager_CreateOpensConnection(t *testing.T) {
	ff := &testutil.FakeFactory{}
	m, store := newTestManager(t, ff)

	require.NoError(t, m.Create(ctxT(t), bridgeConnection()))

	st, err := m.Status("bridge")
	require.NoError(t, err)
	assert.Equal(t, "connected", st.State)
	assert.True(t, m.Ready())

	stored, err := store.Get("bridge")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusOpen, stored.ConnectionStatus)

	err = m.Create(ctxT(t), bridgeConnection())
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestManager_CreateClosed(t *testing.T) {
	ff := &testutil.FakeFactory{}
	m, _ := newTestManager(t, ff)

	conn := bridgeConnection()
	conn.ConnectionStatus = connection.StatusClosed
	require.NoError(t, m.Create(ctxT(t), conn))

	st, err := m.Status("bridge")
	require.NoError(t, err)
	assert.Equal(t, "disconnected", st.State)
	assert.Empty(t, ff.Clients())
	assert.True(t, m.Ready())
}

func TestManager_CreateRejectsInvalid(t *testing.T) {
	m, _ := newTestManager(t, &testutil.FakeFactory{})
	err := m.Create(ctxT(t), connection.Connection{ID: "x", ConnectionType: "kafka", URI: "kafka://h:1"})
	assert.ErrorIs(t, err, connection.ErrInvalidConnection)
}

func TestManager_OpenClosePersistStatus(t *testing.T) {
	ff := &testutil.FakeFactory{}
	m, store := newTestManager(t, ff)
	require.NoError(t, m.Create(ctxT(t), bridgeConnection()))

	require.NoError(t, m.Close(ctxT(t), "bridge"))
	stored, err := store.Get("bridge")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusClosed, stored.ConnectionStatus)
	st, err := m.Status("bridge")
	require.NoError(t, err)
	assert.Equal(t, "disconnected", st.State)

	require.NoError(t, m.Open(ctxT(t), "bridge"))
	stored, err = store.Get("bridge")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusOpen, stored.ConnectionStatus)
	assert.Len(t, ff.Clients(), 2)
}

func TestManager_UnknownConnection(t *testing.T) {
	m, _ := newTestManager(t, &testutil.FakeFactory{})

	assert.ErrorIs(t, m.Open(ctxT(t), "missing"), ErrNotFound)
	assert.ErrorIs(t, m.Close(ctxT(t), "missing"), ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctxT(t), "missing"), ErrNotFound)
	_, err := m.Status("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Publish(ctxT(t), "missing", worker.Signal{}), ErrNotFound)
}

func TestManager_Modify(t *testing.T) {
	ff := &testutil.FakeFactory{}
	m, store := newTestManager(t, ff)
	require.NoError(t, m.Create(ctxT(t), bridgeConnection()))
	first := ff.Last()

	conn := bridgeConnection()
	conn.Target = &connection.Target{Address: "commands/v2"}
	require.NoError(t, m.Modify(ctxT(t), conn))

	assert.Equal(t, 1, count(first.Calls(), "disconnect"))
	stored, err := store.Get("bridge")
	require.NoError(t, err)
	assert.Equal(t, "commands/v2", stored.Target.Address)

	require.NoError(t, m.Publish(ctxT(t), "bridge", worker.Signal{Payload: []byte("x")}))
	published := ff.Last().Published()
	require.Len(t, published, 1)
	assert.Equal(t, "commands/v2", published[0].Topic)
}

func TestManager_Delete(t *testing.T) {
	ff := &testutil.FakeFactory{}
	m, store := newTestManager(t, ff)
	require.NoError(t, m.Create(ctxT(t), bridgeConnection()))

	require.NoError(t, m.Delete(ctxT(t), "bridge"))
	_, err := store.Get("bridge")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, m.Statuses())
	assert.Equal(t, 1, count(ff.Last().Calls(), "disconnect"))
}

func TestManager_ReleaseKeepsDescriptor(t *testing.T) {
	ff := &testutil.FakeFactory{}
	m, store := newTestManager(t, ff)
	require.NoError(t, m.Create(ctxT(t), bridgeConnection()))

	resp := m.Handle(ctxT(t), connection.Command{
		Type:                    connection.CommandClose,
		ConnectionID:            "bridge",
		ShutdownAfterDisconnect: true,
	})
	assert.Empty(t, resp.Error)

	stored, err := store.Get("bridge")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusClosed, stored.ConnectionStatus)

	st, err := m.Status("bridge")
	require.NoError(t, err)
	assert.Equal(t, "disconnected", st.State)

	require.NoError(t, m.Open(ctxT(t), "bridge"))
	st, err = m.Status("bridge")
	require.NoError(t, err)
	assert.Equal(t, "connected", st.State)
}

func TestManager_Restore(t *testing.T) {
	ff := &testutil.FakeFactory{}
	store := memory.NewConnectionStore()
	open := bridgeConnection()
	closed := bridgeConnection()
	closed.ID = "idle"
	closed.ConnectionStatus = connection.StatusClosed
	require.NoError(t, store.Create(open))
	require.NoError(t, store.Create(closed))

	m := NewManager(testConfig(ff), store)
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Restore(ctxT(t)))

	statuses := m.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "bridge", statuses[0].ConnectionID)
	assert.Equal(t, "connected", statuses[0].State)
	assert.Equal(t, "idle", statuses[1].ConnectionID)
	assert.Equal(t, "disconnected", statuses[1].State)
	assert.Len(t, ff.Clients(), 1)
}

func TestManager_ReadyReportsFailedConnections(t *testing.T) {
	ff := &testutil.FakeFactory{Configure: func(fc *testutil.FakeClient) { fc.FailConnect(errors.New("refused")) }}
	m, _ := newTestManager(t, ff)

	err := m.Create(ctxT(t), bridgeConnection())
	assert.Error(t, err)
	assert.False(t, m.Ready())
}

func TestManager_TestWithoutActor(t *testing.T) {
	ff := &testutil.FakeFactory{}
	m, _ := newTestManager(t, ff)

	res, err := m.Test(ctxT(t), bridgeConnection())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, m.Statuses())
}

func TestManager_TestUsesDisconnectTimeout(t *testing.T) {
	ff := &testutil.FakeFactory{}
	m, _ := newTestManager(t, ff)

	res, err := m.Test(ctxT(t), bridgeConnection())
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)

	budget := ff.Last().DisconnectBudget()
	assert.Positive(t, budget)
	assert.LessOrEqual(t, budget, m.cfg.DisconnectTimeout)
}

func TestTestConnection(t *testing.T) {
	refused := errors.New("refused")

	cases := []struct {
		desc    string
		fail    error
		timeout time.Duration
		ok      bool
	}{
		{desc: "reachable", timeout: 250 * time.Millisecond, ok: true},
		{desc: "connect refused", fail: refused, timeout: 400 * time.Millisecond},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			ff := &testutil.FakeFactory{Configure: func(fc *testutil.FakeClient) { fc.FailConnect(tc.fail) }}

			res := TestConnection(ctxT(t), ff, bridgeConnection(), tc.timeout)
			assert.Equal(t, tc.ok, res.OK, res.Message)

			fc := ff.Last()
			assert.Equal(t, 1, count(fc.Calls(), "disconnect"))
			budget := fc.DisconnectBudget()
			assert.Positive(t, budget)
			assert.LessOrEqual(t, budget, tc.timeout)
		})
	}
}

func TestManager_Acknowledge(t *testing.T) {
	ff := &testutil.FakeFactory{}
	m, _ := newTestManager(t, ff)

	wait := m.cfg.Acks.Expect("c1", []acks.Label{"done"})
	assert.True(t, m.Acknowledge("c1", "done", true))
	select {
	case err := <-wait:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("acknowledgement not delivered")
	}
	assert.False(t, m.Acknowledge("c1", "done", true))
}

func TestManager_HandleCommands(t *testing.T) {
	ff := &testutil.FakeFactory{}
	m, _ := newTestManager(t, ff)
	conn := bridgeConnection()

	cases := []struct {
		desc string
		cmd  connection.Command
		err  bool
		test func(t *testing.T, resp Response)
	}{
		{
			desc: "create",
			cmd:  connection.Command{Type: connection.CommandCreate, Connection: &conn},
		},
		{
			desc: "status",
			cmd:  connection.Command{Type: connection.CommandStatus, ConnectionID: "bridge"},
			test: func(t *testing.T, resp Response) {
				require.NotNil(t, resp.Status)
				assert.Equal(t, "connected", resp.Status.State)
			},
		},
		{
			desc: "test",
			cmd:  connection.Command{Type: connection.CommandTest, Connection: &conn},
			test: func(t *testing.T, resp Response) {
				require.NotNil(t, resp.Test)
				assert.True(t, resp.Test.OK)
			},
		},
		{
			desc: "close",
			cmd:  connection.Command{Type: connection.CommandClose, ConnectionID: "bridge"},
		},
		{
			desc: "open",
			cmd:  connection.Command{Type: connection.CommandOpen, ConnectionID: "bridge"},
		},
		{
			desc: "delete",
			cmd:  connection.Command{Type: connection.CommandDelete, ConnectionID: "bridge"},
		},
		{
			desc: "open deleted",
			cmd:  connection.Command{Type: connection.CommandOpen, ConnectionID: "bridge"},
			err:  true,
		},
		{
			desc: "unknown",
			cmd:  connection.Command{Type: "connectivity.commands:reboot"},
			err:  true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			resp := m.Handle(ctxT(t), tc.cmd)
			assert.Equal(t, tc.cmd.Type, resp.Type)
			if tc.err {
				assert.NotEmpty(t, resp.Error)
				return
			}
			assert.Empty(t, resp.Error)
			if tc.test != nil {
				tc.test(t, resp)
			}
		})
	}
}

func TestManager_HandleMissingConnection(t *testing.T) {
	ff := &testutil.FakeFactory{}
	m, _ := newTestManager(t, ff)

	for _, typ := range []connection.CommandType{
		connection.CommandCreate,
		connection.CommandModify,
		connection.CommandTest,
	} {
		t.Run(string(typ), func(t *testing.T) {
			var resp Response
			require.NotPanics(t, func() {
				resp = m.Handle(ctxT(t), connection.Command{Type: typ, ConnectionID: "bridge"})
			})
			assert.Equal(t, typ, resp.Type)
			assert.Contains(t, resp.Error, connection.ErrMissingConnection.Error())
			assert.Nil(t, resp.Test)
		})
	}
	assert.Empty(t, ff.Clients())
}

func TestManager_ShutdownStopsActors(t *testing.T) {
	ff := &testutil.FakeFactory{}
	store := memory.NewConnectionStore()
	m := NewManager(testConfig(ff), store)
	require.NoError(t, m.Create(ctxT(t), bridgeConnection()))

	require.NoError(t, m.Shutdown(ctxT(t)))
	assert.Equal(t, 1, count(ff.Last().Calls(), "disconnect"))
	assert.ErrorIs(t, m.Create(ctxT(t), func() connection.Connection {
		c := bridgeConnection()
		c.ID = "late"
		return c
	}()), ErrStopped)

	stored, err := store.Get("bridge")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusOpen, stored.ConnectionStatus)
}
