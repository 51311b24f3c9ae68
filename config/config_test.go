// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Connectivity.ConnectTimeout != 10*time.Second {
		t.Errorf("expected connect timeout 10s, got %v", cfg.Connectivity.ConnectTimeout)
	}
	if cfg.Connectivity.Backoff.Min != time.Second {
		t.Errorf("expected backoff min 1s, got %v", cfg.Connectivity.Backoff.Min)
	}
	if cfg.Acks.Backend != AcksLocal {
		t.Errorf("expected acks backend local, got %s", cfg.Acks.Backend)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty node id",
			modify:  func(c *Config) { c.Node.ID = "" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.Connectivity.ConnectTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "backoff max below min",
			modify:  func(c *Config) { c.Connectivity.Backoff.Max = time.Millisecond },
			wantErr: true,
		},
		{
			name:    "backoff jitter out of range",
			modify:  func(c *Config) { c.Connectivity.Backoff.Jitter = 1.5 },
			wantErr: true,
		},
		{
			name:    "unknown acks backend",
			modify:  func(c *Config) { c.Acks.Backend = "gossip" },
			wantErr: true,
		},
		{
			name: "raft backend without data dir",
			modify: func(c *Config) {
				c.Acks.Backend = AcksRaft
				c.Acks.Raft.DataDir = ""
			},
			wantErr: true,
		},
		{
			name:    "raft backend",
			modify:  func(c *Config) { c.Acks.Backend = AcksRaft },
			wantErr: false,
		},
		{
			name: "etcd backend without endpoints",
			modify: func(c *Config) {
				c.Acks.Backend = AcksEtcd
				c.Acks.Etcd.Endpoints = nil
			},
			wantErr: true,
		},
		{
			name: "embedded etcd backend",
			modify: func(c *Config) {
				c.Acks.Backend = AcksEtcd
				c.Acks.Etcd.Endpoints = nil
				c.Acks.Etcd.Embedded = true
			},
			wantErr: false,
		},
		{
			name:    "badger storage without dir",
			modify:  func(c *Config) { c.Storage.BadgerDir = "" },
			wantErr: true,
		},
		{
			name: "memory storage",
			modify: func(c *Config) {
				c.Storage.Type = "memory"
				c.Storage.BadgerDir = ""
			},
			wantErr: false,
		},
		{
			name: "enabled rate limit with zero rate",
			modify: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Inbound.Rate = 0
			},
			wantErr: true,
		},
		{
			name: "telemetry sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.TraceSampleRate = 2
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.ID != Default().Node.ID {
		t.Errorf("expected default config for a missing file")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fluxlink.yaml")
	data := []byte(`
node:
  id: edge-7
connectivity:
  broker_disconnect_min_delay: 30s
  backoff:
    min: 2s
    max: 1m
acks:
  backend: noop
storage:
  type: memory
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.ID != "edge-7" {
		t.Errorf("expected node id edge-7, got %s", cfg.Node.ID)
	}
	if cfg.Connectivity.BrokerDisconnectMinDelay != 30*time.Second {
		t.Errorf("expected broker floor 30s, got %v", cfg.Connectivity.BrokerDisconnectMinDelay)
	}
	if cfg.Connectivity.Backoff.Multiplier != 2.0 {
		t.Errorf("unset fields should keep defaults, got multiplier %v", cfg.Connectivity.Backoff.Multiplier)
	}
	if cfg.Acks.Backend != AcksNoop {
		t.Errorf("expected noop backend, got %s", cfg.Acks.Backend)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := Default()
	cfg.Node.ID = "saved-node"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Node.ID != "saved-node" {
		t.Errorf("expected saved-node, got %s", loaded.Node.ID)
	}
}
