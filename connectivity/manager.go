// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/fluxlink/acks"
	"github.com/absmach/fluxlink/connection"
	"github.com/absmach/fluxlink/storage"
	"github.com/absmach/fluxlink/worker"
	"go.opentelemetry.io/otel/trace"
)

// Response is the outcome of an administrative command.
type Response struct {
	Type   connection.CommandType `json:"type"`
	Status *Status                `json:"status,omitempty"`
	Test   *TestResult            `json:"test,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Manager owns one actor per connection and persists descriptors.
type Manager struct {
	cfg    Config
	store  storage.ConnectionStore
	logger *slog.Logger

	mu     sync.RWMutex
	actors map[string]*Actor
	open   map[string]bool // administrative status is open
	closed bool
}

// NewManager returns a manager without actors. Call Restore to bring back
// persisted connections.
func NewManager(cfg Config, store storage.ConnectionStore) *Manager {
	cfg = cfg.WithDefaults()
	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: cfg.Logger,
		actors: make(map[string]*Actor),
		open:   make(map[string]bool),
	}
}

// Restore starts an actor for every stored connection and opens the ones
// whose administrative status is open. Connection failures are logged.
func (m *Manager) Restore(ctx context.Context) error {
	conns, err := m.store.List()
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	for _, conn := range conns {
		a, err := m.spawn(conn)
		if err != nil {
			m.logger.Warn("connection not restored", slog.String("connection", conn.ID), slog.String("error", err.Error()))
			continue
		}
		if conn.ConnectionStatus != connection.StatusOpen {
			continue
		}
		if err := a.Open(ctx); err != nil {
			m.logger.Warn("failed to reopen connection", slog.String("connection", conn.ID), slog.String("error", err.Error()))
		}
	}
	m.logger.Info("connections restored", slog.Int("count", len(conns)))
	return nil
}

// Create stores conn and opens it when its status is open.
func (m *Manager) Create(ctx context.Context, conn connection.Connection) error {
	conn = conn.WithDefaults()
	if err := conn.Validate(); err != nil {
		return err
	}
	if err := m.store.Create(conn); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, conn.ID)
		}
		return fmt.Errorf("store connection: %w", err)
	}
	a, err := m.spawn(conn)
	if err != nil {
		return err
	}
	m.logger.Info("connection created", slog.String("connection", conn.Redacted()))
	if conn.ConnectionStatus == connection.StatusOpen {
		return a.Open(ctx)
	}
	return nil
}

// Modify replaces the descriptor of an existing connection. The running
// actor is shut down and a new one takes over.
func (m *Manager) Modify(ctx context.Context, conn connection.Connection) error {
	conn = conn.WithDefaults()
	if err := conn.Validate(); err != nil {
		return err
	}
	if _, err := m.store.Get(conn.ID); err != nil {
		return m.storeErr(conn.ID, err)
	}
	if err := m.retire(ctx, conn.ID); err != nil {
		return err
	}
	if err := m.store.Save(conn); err != nil {
		return fmt.Errorf("store connection: %w", err)
	}
	a, err := m.spawn(conn)
	if err != nil {
		return err
	}
	m.logger.Info("connection modified", slog.String("connection", conn.Redacted()))
	if conn.ConnectionStatus == connection.StatusOpen {
		return a.Open(ctx)
	}
	return nil
}

// Open marks the connection open and connects it. A released connection
// gets a new actor.
func (m *Manager) Open(ctx context.Context, id string) error {
	a, err := m.load(id)
	if err != nil {
		return err
	}
	if err := m.setStatus(id, connection.StatusOpen); err != nil {
		return err
	}
	return a.Open(ctx)
}

// Close marks the connection closed and disconnects it.
func (m *Manager) Close(ctx context.Context, id string) error {
	if err := m.setStatus(id, connection.StatusClosed); err != nil {
		return err
	}
	a, err := m.actor(id)
	if err != nil {
		// Released connections are already disconnected.
		return nil
	}
	return a.Close(ctx, false)
}

// Test checks conn without affecting a running connection of the same id.
func (m *Manager) Test(ctx context.Context, conn connection.Connection) (TestResult, error) {
	conn = conn.WithDefaults()
	if err := conn.Validate(); err != nil {
		return TestResult{}, err
	}
	if a, err := m.actor(conn.ID); err == nil {
		return a.Test(ctx, conn)
	}

	tctx, cancel := context.WithTimeout(ctx, m.cfg.TestTimeout)
	defer cancel()
	tctx, span := m.cfg.Tracer.Start(tctx, "connectivity.test",
		trace.WithAttributes(worker.AttrConnection.String(conn.ID)))
	res := TestConnection(tctx, m.cfg.Factory, conn, m.cfg.DisconnectTimeout)
	endSpan(span, res.Err())
	return res, nil
}

// Release closes the connection and stops its actor. The descriptor stays
// stored with status closed.
func (m *Manager) Release(ctx context.Context, id string) error {
	if _, err := m.actor(id); err != nil {
		return err
	}
	if err := m.setStatus(id, connection.StatusClosed); err != nil {
		return err
	}
	return m.retire(ctx, id)
}

// Delete closes the connection, stops its actor and forgets it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := m.store.Get(id); err != nil {
		return m.storeErr(id, err)
	}
	if err := m.retire(ctx, id); err != nil {
		return err
	}
	if err := m.store.Delete(id); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	m.logger.Info("connection deleted", slog.String("connection", id))
	return nil
}

// Status describes one connection.
func (m *Manager) Status(id string) (Status, error) {
	a, err := m.actor(id)
	if err == nil {
		return a.Status(), nil
	}
	conn, err := m.store.Get(id)
	if err != nil {
		return Status{}, m.storeErr(id, err)
	}
	return Status{
		ConnectionID: id,
		State:        StateDisconnected.String(),
		ClientCount:  conn.ClientCount,
	}, nil
}

// Statuses describes every connection ordered by id.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.actors))
	for _, a := range m.actors {
		out = append(out, a.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// Ready reports whether every connection that should be open is connected
// and not degraded.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, a := range m.actors {
		if !m.open[id] {
			continue
		}
		st := a.Status()
		if st.State != StateConnected.String() || st.Degraded {
			return false
		}
	}
	return true
}

// Publish sends a domain signal through the connection's publisher.
func (m *Manager) Publish(ctx context.Context, id string, sig worker.Signal) error {
	a, err := m.actor(id)
	if err != nil {
		return err
	}
	return a.Publish(ctx, sig)
}

// Acknowledge settles one requested acknowledgement of an inbound command.
func (m *Manager) Acknowledge(correlationID string, label acks.Label, ok bool) bool {
	return m.cfg.Acks.Acknowledge(correlationID, label, ok)
}

// Handle executes an administrative command.
func (m *Manager) Handle(ctx context.Context, cmd connection.Command) Response {
	resp := Response{Type: cmd.Type}
	var err error

	switch cmd.Type {
	case connection.CommandCreate:
		if cmd.Connection == nil {
			err = missingConnection(cmd.Type)
			break
		}
		err = m.Create(ctx, *cmd.Connection)
	case connection.CommandModify:
		if cmd.Connection == nil {
			err = missingConnection(cmd.Type)
			break
		}
		err = m.Modify(ctx, *cmd.Connection)
	case connection.CommandOpen:
		err = m.Open(ctx, cmd.ConnectionID)
	case connection.CommandClose:
		if cmd.ShutdownAfterDisconnect {
			err = m.Release(ctx, cmd.ConnectionID)
			break
		}
		err = m.Close(ctx, cmd.ConnectionID)
	case connection.CommandTest:
		if cmd.Connection == nil {
			err = missingConnection(cmd.Type)
			break
		}
		var res TestResult
		res, err = m.Test(ctx, *cmd.Connection)
		resp.Test = &res
	case connection.CommandDelete:
		err = m.Delete(ctx, cmd.ConnectionID)
	case connection.CommandStatus:
		var st Status
		if st, err = m.Status(cmd.ConnectionID); err == nil {
			resp.Status = &st
		}
	default:
		err = fmt.Errorf("%w: %q", connection.ErrUnknownCommand, cmd.Type)
	}

	if err != nil {
		resp.Error = err.Error()
		m.cfg.Metrics.RecordError("command")
		m.logger.Warn("command failed",
			slog.String("type", string(cmd.Type)),
			slog.String("connection", cmd.ConnectionID),
			slog.String("error", err.Error()))
	}
	return resp
}

func missingConnection(t connection.CommandType) error {
	return fmt.Errorf("%w: %s", connection.ErrMissingConnection, t)
}

// Shutdown stops every actor. The stored descriptors keep their status so
// Restore reopens them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[string]*Actor)
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(actors))
	for i, a := range actors {
		wg.Add(1)
		go func(i int, a *Actor) {
			defer wg.Done()
			if err := a.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("stop %s: %w", a.conn.ID, err)
			}
		}(i, a)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) spawn(conn connection.Connection) (*Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStopped
	}
	if _, ok := m.actors[conn.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, conn.ID)
	}
	a := NewActor(conn, m.cfg)
	m.actors[conn.ID] = a
	m.open[conn.ID] = conn.ConnectionStatus == connection.StatusOpen
	return a, nil
}

// retire shuts the actor of id down and removes it.
func (m *Manager) retire(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.actors[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := a.Close(ctx, true); err != nil {
		return err
	}
	select {
	case <-a.Done():
	case <-ctx.Done():
		return ctxErr(ctx)
	}

	m.mu.Lock()
	if m.actors[id] == a {
		delete(m.actors, id)
		delete(m.open, id)
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) actor(id string) (*Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

func (m *Manager) load(id string) (*Actor, error) {
	if a, err := m.actor(id); err == nil {
		return a, nil
	}
	conn, err := m.store.Get(id)
	if err != nil {
		return nil, m.storeErr(id, err)
	}
	return m.spawn(conn)
}

func (m *Manager) setStatus(id string, status connection.Status) error {
	conn, err := m.store.Get(id)
	if err != nil {
		return m.storeErr(id, err)
	}
	m.mu.Lock()
	m.open[id] = status == connection.StatusOpen
	m.mu.Unlock()
	if conn.ConnectionStatus == status {
		return nil
	}
	conn.ConnectionStatus = status
	if err := m.store.Save(conn); err != nil {
		return fmt.Errorf("store connection: %w", err)
	}
	return nil
}

func (m *Manager) storeErr(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("load connection: %w", err)
}
