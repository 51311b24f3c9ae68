// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles message flow through connection workers.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// KeyedLimiter keeps one token bucket per key, for example per connection
// source or per connection target.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewKeyedLimiter creates a limiter allowing r events per second per key
// with the given burst.
func NewKeyedLimiter(r float64, burst int) *KeyedLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

func (l *KeyedLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow reports whether an event for key may happen now.
func (l *KeyedLimiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}

// Wait blocks until an event for key is allowed or ctx is done.
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return l.limiter(key).Wait(ctx)
}

// Remove drops the bucket of key.
func (l *KeyedLimiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Config holds throttling configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Inbound  FlowConfig `yaml:"inbound"`
	Outbound FlowConfig `yaml:"outbound"`
}

// FlowConfig limits one message direction.
type FlowConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // messages per second per key
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Inbound: FlowConfig{
			Enabled: true,
			Rate:    1000, // per consumer source
			Burst:   100,
		},
		Outbound: FlowConfig{
			Enabled: true,
			Rate:    1000, // per publisher target
			Burst:   100,
		},
	}
}

// Manager coordinates inbound and outbound limiters. A nil Manager allows
// everything.
type Manager struct {
	config   Config
	inbound  *KeyedLimiter
	outbound *KeyedLimiter
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg}
	if !cfg.Enabled {
		return m
	}
	if cfg.Inbound.Enabled {
		m.inbound = NewKeyedLimiter(cfg.Inbound.Rate, cfg.Inbound.Burst)
	}
	if cfg.Outbound.Enabled {
		m.outbound = NewKeyedLimiter(cfg.Outbound.Rate, cfg.Outbound.Burst)
	}
	return m
}

// WaitInbound blocks a consumer until a message from source may be processed.
func (m *Manager) WaitInbound(ctx context.Context, source string) error {
	if m == nil || m.inbound == nil {
		return nil
	}
	return m.inbound.Wait(ctx, source)
}

// WaitOutbound blocks a publisher until a message to target may be sent.
func (m *Manager) WaitOutbound(ctx context.Context, target string) error {
	if m == nil || m.outbound == nil {
		return nil
	}
	return m.outbound.Wait(ctx, target)
}

// Forget drops the buckets of a key in both directions.
func (m *Manager) Forget(key string) {
	if m == nil {
		return
	}
	if m.inbound != nil {
		m.inbound.Remove(key)
	}
	if m.outbound != nil {
		m.outbound.Remove(key)
	}
}
