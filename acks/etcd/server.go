// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package etcd

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
)

// ServerConfig configures an embedded etcd member.
type ServerConfig struct {
	Name           string `yaml:"name"`
	DataDir        string `yaml:"data_dir"`
	PeerAddr       string `yaml:"peer_addr"`
	ClientAddr     string `yaml:"client_addr"`
	AdvertiseAddr  string `yaml:"advertise_addr"`
	InitialCluster string `yaml:"initial_cluster"`
	Bootstrap      bool   `yaml:"bootstrap"`
	// ReadyTimeout bounds the wait for the member to serve clients.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// StartServer starts an embedded etcd member and waits until it is ready.
func StartServer(cfg ServerConfig, logger *slog.Logger) (*embed.Etcd, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}

	eCfg := embed.NewConfig()
	eCfg.Name = cfg.Name
	eCfg.Dir = cfg.DataDir

	peerURL, err := url.Parse("http://" + cfg.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address: %w", err)
	}
	eCfg.ListenPeerUrls = []url.URL{*peerURL}
	eCfg.AdvertisePeerUrls = []url.URL{*peerURL}
	if cfg.AdvertiseAddr != "" {
		advertiseURL, err := url.Parse("http://" + cfg.AdvertiseAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid advertise address: %w", err)
		}
		eCfg.AdvertisePeerUrls = []url.URL{*advertiseURL}
	}

	clientURL, err := url.Parse("http://" + cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid client address: %w", err)
	}
	eCfg.ListenClientUrls = []url.URL{*clientURL}
	eCfg.AdvertiseClientUrls = []url.URL{*clientURL}

	eCfg.InitialCluster = cfg.InitialCluster
	if eCfg.InitialCluster == "" {
		eCfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, eCfg.AdvertisePeerUrls[0].String())
	}
	eCfg.ClusterState = embed.ClusterStateFlagExisting
	if cfg.Bootstrap {
		eCfg.ClusterState = embed.ClusterStateFlagNew
	}

	eCfg.Logger = "zap"
	eCfg.LogLevel = "error"

	e, err := embed.StartEtcd(eCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
		logger.Info("embedded etcd ready",
			slog.String("name", cfg.Name),
			slog.String("client_addr", cfg.ClientAddr))
	case <-time.After(cfg.ReadyTimeout):
		e.Server.Stop()
		e.Close()
		return nil, fmt.Errorf("etcd server took too long to start")
	}

	return e, nil
}
