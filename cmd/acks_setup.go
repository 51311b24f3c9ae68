// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxlink/acks"
	acksetcd "github.com/absmach/fluxlink/acks/etcd"
	acksraft "github.com/absmach/fluxlink/acks/raft"
	"github.com/absmach/fluxlink/config"
	"github.com/absmach/fluxlink/server/health"
)

// registryRuntime bundles the label registry with its optional leadership
// view and the resources that must be released at shutdown.
type registryRuntime struct {
	Registry   acks.Registry
	Leadership health.Leadership
	closers    []func() error
}

// Close releases the registry and any embedded server, newest first.
func (r *registryRuntime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

func buildRaftConfig(nodeID string, cfg config.RaftConfig, logger *slog.Logger) acksraft.Config {
	peers := make([]acksraft.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, acksraft.Peer{ID: p.ID, Address: p.Address, ForwardAddress: p.ForwardAddress})
	}
	return acksraft.Config{
		NodeID:            nodeID,
		BindAddr:          cfg.BindAddr,
		ForwardAddr:       cfg.ForwardAddr,
		DataDir:           cfg.DataDir,
		Peers:             peers,
		ApplyTimeout:      cfg.ApplyTimeout,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ElectionTimeout:   cfg.ElectionTimeout,
		SnapshotInterval:  cfg.SnapshotInterval,
		SnapshotThreshold: cfg.SnapshotThreshold,
		Logger:            logger.With(slog.String("component", "acks-raft")),
	}
}

func buildEtcdServerConfig(nodeID string, cfg config.EtcdServerConfig) acksetcd.ServerConfig {
	return acksetcd.ServerConfig{
		Name:           nodeID,
		DataDir:        cfg.DataDir,
		PeerAddr:       cfg.PeerAddr,
		ClientAddr:     cfg.ClientAddr,
		AdvertiseAddr:  cfg.AdvertiseAddr,
		InitialCluster: cfg.InitialCluster,
		Bootstrap:      cfg.Bootstrap,
		ReadyTimeout:   cfg.ReadyTimeout,
	}
}

func buildEtcdConfig(cfg config.EtcdConfig, logger *slog.Logger) acksetcd.Config {
	endpoints := cfg.Endpoints
	if cfg.Embedded && len(endpoints) == 0 && cfg.Server.ClientAddr != "" {
		endpoints = []string{cfg.Server.ClientAddr}
	}
	return acksetcd.Config{
		Endpoints:   endpoints,
		DialTimeout: cfg.DialTimeout,
		Prefix:      cfg.Prefix,
		LeaseTTL:    cfg.LeaseTTL,
		MaxRetries:  cfg.MaxRetries,
		Logger:      logger.With(slog.String("component", "acks-etcd")),
	}
}

// startRegistry builds the acknowledgement label registry selected by cfg.
func startRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*registryRuntime, error) {
	rt := &registryRuntime{}

	switch cfg.Acks.Backend {
	case config.AcksNoop:
		rt.Registry = acks.Noop{}
		slog.Info("Acknowledgement label registry disabled")

	case "", config.AcksLocal:
		local := acks.NewLocal(logger)
		rt.Registry = local
		rt.closers = append(rt.closers, local.Close)
		slog.Info("Using in-process acknowledgement label registry")

	case config.AcksRaft:
		reg, err := acksraft.New(buildRaftConfig(cfg.Node.ID, cfg.Acks.Raft, logger))
		if err != nil {
			return nil, fmt.Errorf("start raft registry: %w", err)
		}
		rt.Registry = reg
		rt.Leadership = reg
		rt.closers = append(rt.closers, reg.Close)
		slog.Info("Using raft acknowledgement label registry",
			slog.String("node_id", cfg.Node.ID),
			slog.String("bind_addr", cfg.Acks.Raft.BindAddr),
			slog.Int("peers", len(cfg.Acks.Raft.Peers)))

	case config.AcksEtcd:
		if cfg.Acks.Etcd.Embedded {
			srv, err := acksetcd.StartServer(buildEtcdServerConfig(cfg.Node.ID, cfg.Acks.Etcd.Server), logger)
			if err != nil {
				return nil, fmt.Errorf("start embedded etcd: %w", err)
			}
			rt.closers = append(rt.closers, func() error {
				srv.Close()
				return nil
			})
			slog.Info("Embedded etcd started", slog.String("client_addr", cfg.Acks.Etcd.Server.ClientAddr))
		}
		reg, err := acksetcd.New(ctx, buildEtcdConfig(cfg.Acks.Etcd, logger))
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("start etcd registry: %w", err)
		}
		rt.Registry = reg
		rt.closers = append(rt.closers, reg.Close)
		slog.Info("Using etcd acknowledgement label registry", slog.Any("endpoints", cfg.Acks.Etcd.Endpoints))

	default:
		return nil, fmt.Errorf("unknown acknowledgement registry backend %q", cfg.Acks.Backend)
	}

	return rt, nil
}
