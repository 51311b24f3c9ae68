// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Registry backends.
const (
	AcksLocal = "local"
	AcksNoop  = "noop"
	AcksRaft  = "raft"
	AcksEtcd  = "etcd"
)

// Config holds all configuration for the connectivity service.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Log          LogConfig          `yaml:"log"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	Acks         AcksConfig         `yaml:"acks"`
	Storage      StorageConfig      `yaml:"storage"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Health       HealthConfig       `yaml:"health"`

	// ConnectionsFile is a JSON array of connections created at startup.
	ConnectionsFile string `yaml:"connections_file"`
}

// NodeConfig identifies this service instance.
type NodeConfig struct {
	ID              string        `yaml:"id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ConnectivityConfig holds connection lifecycle settings.
type ConnectivityConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	SubscribeTimeout  time.Duration `yaml:"subscribe_timeout"`
	TestTimeout       time.Duration `yaml:"test_timeout"`

	// BrokerDisconnectMinDelay is the lowest reconnect delay after a
	// broker-initiated disconnect.
	BrokerDisconnectMinDelay time.Duration `yaml:"broker_disconnect_min_delay"`
	Backoff                  BackoffConfig `yaml:"backoff"`

	MaxWorkerRestarts int                  `yaml:"max_worker_restarts"`
	WorkerStopTimeout time.Duration        `yaml:"worker_stop_timeout"`
	AckTimeout        time.Duration        `yaml:"ack_timeout"`
	StreamBuffer      int                  `yaml:"stream_buffer"`
	PublisherBreaker  CircuitBreakerConfig `yaml:"publisher_breaker"`
}

// BackoffConfig holds the reconnect retry strategy.
type BackoffConfig struct {
	Min        time.Duration `yaml:"min"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"` // 0.0 to 1.0
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// AMQPConfig holds AMQP 0.9.1 client settings.
type AMQPConfig struct {
	Heartbeat time.Duration `yaml:"heartbeat"`
	Prefetch  int           `yaml:"prefetch"`
}

// AcksConfig selects and configures the acknowledgement label registry.
type AcksConfig struct {
	Backend string     `yaml:"backend"` // local, noop, raft, etcd
	Raft    RaftConfig `yaml:"raft"`
	Etcd    EtcdConfig `yaml:"etcd"`
}

// RaftConfig holds the raft-replicated registry settings.
type RaftConfig struct {
	BindAddr          string        `yaml:"bind_addr"`
	ForwardAddr       string        `yaml:"forward_addr"`
	DataDir           string        `yaml:"data_dir"`
	Peers             []PeerConfig  `yaml:"peers"` // empty means a single-node group
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
}

// PeerConfig is one raft voter.
type PeerConfig struct {
	ID             string `yaml:"id"`
	Address        string `yaml:"address"`
	ForwardAddress string `yaml:"forward_address"`
}

// EtcdConfig holds the etcd registry settings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"`
	LeaseTTL    int           `yaml:"lease_ttl"` // seconds
	MaxRetries  int           `yaml:"max_retries"`

	// Embedded starts an etcd member inside this process.
	Embedded bool             `yaml:"embedded"`
	Server   EtcdServerConfig `yaml:"server"`
}

// EtcdServerConfig holds embedded etcd configuration.
type EtcdServerConfig struct {
	DataDir        string        `yaml:"data_dir"`
	PeerAddr       string        `yaml:"peer_addr"`       // Peer address (e.g., "0.0.0.0:2380")
	ClientAddr     string        `yaml:"client_addr"`     // Client address (e.g., "0.0.0.0:2379")
	AdvertiseAddr  string        `yaml:"advertise_addr"`  // Host advertised to peers and clients
	InitialCluster string        `yaml:"initial_cluster"` // "node1=http://host1:2380,node2=http://host2:2380"
	Bootstrap      bool          `yaml:"bootstrap"`       // true only for first node
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
}

// StorageConfig holds connection storage configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// RateLimitConfig holds message throttling configuration.
type RateLimitConfig struct {
	Enabled  bool       `yaml:"enabled"`
	Inbound  FlowConfig `yaml:"inbound"`
	Outbound FlowConfig `yaml:"outbound"`
}

// FlowConfig limits one message direction.
type FlowConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // messages per second
	Burst   int     `yaml:"burst"` // burst allowance
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC endpoint
	Insecure        bool          `yaml:"insecure"`
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	ExportInterval  time.Duration `yaml:"export_interval"`
}

// HealthConfig holds the health endpoint configuration.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:              "fluxlink-1",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Connectivity: ConnectivityConfig{
			ConnectTimeout:           10 * time.Second,
			DisconnectTimeout:        10 * time.Second,
			SubscribeTimeout:         10 * time.Second,
			TestTimeout:              10 * time.Second,
			BrokerDisconnectMinDelay: 10 * time.Second,
			Backoff: BackoffConfig{
				Min:        1 * time.Second,
				Max:        2 * time.Minute,
				Multiplier: 2.0,
				Jitter:     0,
			},
			MaxWorkerRestarts: 3,
			WorkerStopTimeout: 5 * time.Second,
			AckTimeout:        30 * time.Second,
			StreamBuffer:      256,
			PublisherBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		AMQP: AMQPConfig{
			Heartbeat: 10 * time.Second,
			Prefetch:  64,
		},
		Acks: AcksConfig{
			Backend: AcksLocal,
			Raft: RaftConfig{
				BindAddr:          "127.0.0.1:7950",
				ForwardAddr:       "127.0.0.1:7951",
				DataDir:           "/tmp/fluxlink/raft",
				ApplyTimeout:      5 * time.Second,
				HeartbeatTimeout:  1 * time.Second,
				ElectionTimeout:   1 * time.Second,
				SnapshotInterval:  2 * time.Minute,
				SnapshotThreshold: 1024,
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"127.0.0.1:2379"},
				DialTimeout: 5 * time.Second,
				Prefix:      "/fluxlink/acks/",
				LeaseTTL:    10,
				MaxRetries:  16,
				Embedded:    false,
				Server: EtcdServerConfig{
					DataDir:        "/tmp/fluxlink/etcd",
					PeerAddr:       "127.0.0.1:2380",
					ClientAddr:     "127.0.0.1:2379",
					InitialCluster: "fluxlink-1=http://127.0.0.1:2380",
					Bootstrap:      true,
					ReadyTimeout:   60 * time.Second,
				},
			},
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "/tmp/fluxlink/data",
		},
		RateLimit: RateLimitConfig{
			Enabled:  false,
			Inbound:  FlowConfig{Enabled: true, Rate: 1000, Burst: 100},
			Outbound: FlowConfig{Enabled: true, Rate: 1000, Burst: 100},
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ServiceName:     "fluxlink",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false, // Disabled by default for performance
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8081",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	conn := c.Connectivity
	if conn.ConnectTimeout <= 0 || conn.DisconnectTimeout <= 0 || conn.SubscribeTimeout <= 0 || conn.TestTimeout <= 0 {
		return fmt.Errorf("connectivity timeouts must be positive")
	}
	if conn.BrokerDisconnectMinDelay < 0 {
		return fmt.Errorf("connectivity.broker_disconnect_min_delay cannot be negative")
	}
	if conn.Backoff.Min <= 0 || conn.Backoff.Max < conn.Backoff.Min {
		return fmt.Errorf("connectivity.backoff requires 0 < min <= max")
	}
	if conn.Backoff.Multiplier < 1.0 {
		return fmt.Errorf("connectivity.backoff.multiplier must be at least 1.0")
	}
	if conn.Backoff.Jitter < 0.0 || conn.Backoff.Jitter > 1.0 {
		return fmt.Errorf("connectivity.backoff.jitter must be between 0.0 and 1.0")
	}
	if conn.StreamBuffer < 1 {
		return fmt.Errorf("connectivity.stream_buffer must be at least 1")
	}

	switch c.Acks.Backend {
	case AcksLocal, AcksNoop:
	case AcksRaft:
		if c.Acks.Raft.BindAddr == "" {
			return fmt.Errorf("acks.raft.bind_addr required when backend is raft")
		}
		if c.Acks.Raft.DataDir == "" {
			return fmt.Errorf("acks.raft.data_dir required when backend is raft")
		}
	case AcksEtcd:
		if len(c.Acks.Etcd.Endpoints) == 0 && !c.Acks.Etcd.Embedded {
			return fmt.Errorf("acks.etcd.endpoints required unless etcd is embedded")
		}
		if c.Acks.Etcd.LeaseTTL < 1 {
			return fmt.Errorf("acks.etcd.lease_ttl must be at least 1 second")
		}
		if c.Acks.Etcd.Embedded {
			if c.Acks.Etcd.Server.DataDir == "" {
				return fmt.Errorf("acks.etcd.server.data_dir required when etcd is embedded")
			}
			if c.Acks.Etcd.Server.PeerAddr == "" || c.Acks.Etcd.Server.ClientAddr == "" {
				return fmt.Errorf("acks.etcd.server peer_addr and client_addr required when etcd is embedded")
			}
		}
	default:
		return fmt.Errorf("acks.backend must be one of: local, noop, raft, etcd")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.RateLimit.Enabled {
		for name, f := range map[string]FlowConfig{"inbound": c.RateLimit.Inbound, "outbound": c.RateLimit.Outbound} {
			if f.Enabled && (f.Rate <= 0 || f.Burst < 1) {
				return fmt.Errorf("ratelimit.%s requires a positive rate and burst", name)
			}
		}
	}

	// OpenTelemetry validation (only if enabled)
	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Telemetry.ExportInterval <= 0 {
			return fmt.Errorf("telemetry.export_interval must be positive")
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health is enabled")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
