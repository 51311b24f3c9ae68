// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package raft replicates the acknowledgement label registry with
// hashicorp/raft. Every mutation is ordered by the raft log, so ownership
// decisions are linearizable across the cluster. Followers forward writes to
// the leader over connect; reads are served from the local replica.
package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/absmach/fluxlink/acks"
	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
)

// Peer is a voting member of the registry group.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`

	// ForwardAddress is the peer's write forwarding endpoint.
	ForwardAddress string `yaml:"forward_address"`
}

// Config configures a raft-backed registry.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	// Peers is the initial voter set. Empty means a single-node group.
	Peers []Peer
	// ForwardAddr is where this node accepts writes forwarded by followers.
	// Empty disables the endpoint.
	ForwardAddr string

	ApplyTimeout      time.Duration
	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64

	// Transport overrides the TCP transport. Used by tests.
	Transport raft.Transport

	Logger *slog.Logger
}

// Registry is an acks.Registry replicated through raft.
type Registry struct {
	cfg Config

	raft      *raft.Raft
	fsm       *FSM
	db        *badger.DB
	transport raft.Transport
	watchers  *acks.Broadcaster

	forward       *forwarder
	forwardServer *http.Server

	done   chan struct{}
	logger *slog.Logger
}

var _ acks.Registry = (*Registry)(nil)

// New opens the raft log in cfg.DataDir and joins or bootstraps the group.
func New(cfg Config) (*Registry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft node id cannot be empty")
	}
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 1 * time.Second
	}
	if cfg.ElectionTimeout == 0 {
		cfg.ElectionTimeout = 3 * time.Second
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}
	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = 1024
	}

	r := &Registry{
		cfg:      cfg,
		watchers: acks.NewBroadcaster(),
		forward:  newForwarder(cfg.ApplyTimeout),
		done:     make(chan struct{}),
		logger:   cfg.Logger,
	}
	r.fsm = NewFSM(r.watchers.Publish, cfg.Logger)

	dir := filepath.Join(cfg.DataDir, "acks-raft")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raft directory: %w", err)
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open raft badger db: %w", err)
	}
	r.db = db

	logStore := NewLogStore(db, cfg.NodeID)
	stableStore := NewStableStore(db, cfg.NodeID)
	snapStore, err := raft.NewFileSnapshotStore(filepath.Join(dir, "snapshots"), 3, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	transport := cfg.Transport
	if transport == nil {
		addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to resolve bind address: %w", err)
		}
		transport, err = raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create raft transport: %w", err)
		}
	}
	r.transport = transport

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = cfg.ElectionTimeout
	raftCfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
	raftCfg.SnapshotInterval = cfg.SnapshotInterval
	raftCfg.SnapshotThreshold = cfg.SnapshotThreshold
	raftCfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "acks-" + cfg.NodeID,
		Level:  hclog.Info,
		Output: os.Stderr,
	})

	ra, err := raft.NewRaft(raftCfg, r.fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	r.raft = ra

	hasState, err := raft.HasExistingState(logStore, stableStore, snapStore)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to check existing state: %w", err)
	}
	if !hasState {
		if err := r.bootstrap(); err != nil {
			r.Close()
			return nil, err
		}
	}

	if cfg.ForwardAddr != "" {
		r.serveForward(cfg.ForwardAddr)
	}

	go r.monitorLeadership()

	r.logger.Info("acknowledgement registry raft node started",
		slog.String("node_id", cfg.NodeID),
		slog.String("addr", string(transport.LocalAddr())))

	return r, nil
}

func (r *Registry) bootstrap() error {
	servers := []raft.Server{{
		ID:      raft.ServerID(r.cfg.NodeID),
		Address: r.transport.LocalAddr(),
	}}
	for _, p := range r.cfg.Peers {
		if p.ID == r.cfg.NodeID {
			continue
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Address)})
	}

	if err := r.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("failed to bootstrap raft: %w", err)
	}
	return nil
}

func (r *Registry) Declare(ctx context.Context, req acks.Request) (acks.Declared, error) {
	if err := req.Validate(); err != nil {
		return acks.Declared{}, err
	}
	res, err := r.apply(ctx, Operation{Type: OpDeclare, Request: &req})
	if err != nil {
		return acks.Declared{}, err
	}
	return res.Declared, res.Err
}

// Lookup reads the local replica, which may lag the leader.
func (r *Registry) Lookup(_ context.Context, label acks.Label) ([]acks.Declaration, error) {
	return r.fsm.Lookup(label), nil
}

func (r *Registry) RemoveSubscriber(ctx context.Context, subscriber string) error {
	res, err := r.apply(ctx, Operation{Type: OpRemoveSubscriber, Subscriber: subscriber})
	if err != nil {
		return err
	}
	return res.Err
}

func (r *Registry) RemoveDeclaration(ctx context.Context, subscriber string) error {
	res, err := r.apply(ctx, Operation{Type: OpRemoveDeclaration, Subscriber: subscriber})
	if err != nil {
		return err
	}
	return res.Err
}

func (r *Registry) ReceiveDeclared(ctx context.Context) <-chan acks.Snapshot {
	return r.watchers.Subscribe(ctx)
}

// IsLeader reports whether this node accepts registry mutations.
func (r *Registry) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

// Leader returns the address and id of the current leader.
func (r *Registry) Leader() (string, string) {
	addr, id := r.raft.LeaderWithID()
	return string(addr), string(id)
}

// WaitForLeader blocks until a leader is known.
func (r *Registry) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if addr, _ := r.Leader(); addr != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for registry leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Registry) Close() error {
	select {
	case <-r.done:
		return nil
	default:
		close(r.done)
	}

	var errs []error
	if r.forwardServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ApplyTimeout)
		if err := r.forwardServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("forward endpoint shutdown: %w", err))
		}
		cancel()
	}
	if r.raft != nil {
		if err := r.raft.Shutdown().Error(); err != nil {
			errs = append(errs, fmt.Errorf("raft shutdown: %w", err))
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("raft db close: %w", err))
		}
	}
	r.watchers.Close()

	return errors.Join(errs...)
}

// apply commits op on the leader, forwarding it when this node follows.
func (r *Registry) apply(ctx context.Context, op Operation) (*ApplyResult, error) {
	if r.IsLeader() {
		return r.applyLocal(op)
	}

	wctx, cancel := context.WithTimeout(ctx, r.cfg.ApplyTimeout)
	defer cancel()
	if err := r.WaitForLeader(wctx); err != nil {
		return nil, fmt.Errorf("%w: %w", acks.ErrNotLeader, err)
	}
	if r.IsLeader() {
		return r.applyLocal(op)
	}

	addr, id := r.Leader()
	target := r.forwardAddress(id)
	if target == "" {
		return nil, fmt.Errorf("%w: leader is %q at %q and has no forward address", acks.ErrNotLeader, id, addr)
	}
	r.logger.Debug("forwarding registry operation to leader",
		slog.String("op", op.Type.String()),
		slog.String("leader", id))
	return r.forward.forward(ctx, target, op)
}

func (r *Registry) forwardAddress(id string) string {
	for _, p := range r.cfg.Peers {
		if p.ID == id {
			return p.ForwardAddress
		}
	}
	return ""
}

// applyLocal commits op through the local raft node, which must lead.
func (r *Registry) applyLocal(op Operation) (*ApplyResult, error) {
	if !r.IsLeader() {
		addr, id := r.Leader()
		return nil, fmt.Errorf("%w: leader is %q at %q", acks.ErrNotLeader, id, addr)
	}

	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation: %w", err)
	}

	future := r.raft.Apply(data, r.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: %w", acks.ErrNotLeader, err)
		}
		return nil, fmt.Errorf("raft apply failed: %w", err)
	}

	res, ok := future.Response().(*ApplyResult)
	if !ok {
		return nil, fmt.Errorf("unexpected raft response %T", future.Response())
	}
	return res, nil
}

func (r *Registry) monitorLeadership() {
	for {
		select {
		case <-r.done:
			return
		case leader := <-r.raft.LeaderCh():
			if leader {
				r.logger.Info("became acknowledgement registry leader", slog.String("node_id", r.cfg.NodeID))
			} else {
				r.logger.Info("lost acknowledgement registry leadership", slog.String("node_id", r.cfg.NodeID))
			}
		}
	}
}
