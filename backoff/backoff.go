// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backoff implements the retry timeout strategy used when
// reconnecting protocol clients.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Default strategy values.
const (
	DefaultMin        = 1 * time.Second
	DefaultMax        = 2 * time.Minute
	DefaultMultiplier = 2.0
)

// Config describes the growth of retry timeouts.
type Config struct {
	Min        time.Duration `yaml:"min"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	// Jitter is the fraction (0..1) by which a timeout may be shortened at random.
	Jitter float64 `yaml:"jitter"`
}

// DefaultConfig returns a doubling strategy from one second up to two minutes.
func DefaultConfig() Config {
	return Config{
		Min:        DefaultMin,
		Max:        DefaultMax,
		Multiplier: DefaultMultiplier,
	}
}

// Strategy is a resettable counter that yields capped exponential timeouts.
// It is safe for concurrent use.
type Strategy struct {
	mu       sync.Mutex
	cfg      Config
	attempts int
	rand     func() float64
}

// New returns a Strategy for cfg. Zero values in cfg fall back to defaults.
func New(cfg Config) *Strategy {
	if cfg.Min <= 0 {
		cfg.Min = DefaultMin
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}

	return &Strategy{cfg: cfg, rand: rand.Float64}
}

// Reset zeroes the attempt counter.
func (s *Strategy) Reset() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

// NextTimeout returns min(Min*Multiplier^attempts, Max) and records one more attempt.
func (s *Strategy) NextTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.timeout(s.attempts)
	s.attempts++

	if s.cfg.Jitter > 0 {
		d -= time.Duration(float64(d) * s.cfg.Jitter * s.rand())
	}
	return d
}

// Attempts returns the number of timeouts handed out since the last reset.
func (s *Strategy) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// CurrentTries is the number of the retry that the next timeout will precede.
func (s *Strategy) CurrentTries() int {
	return s.Attempts() + 1
}

// Config returns the effective configuration.
func (s *Strategy) Config() Config {
	return s.cfg
}

func (s *Strategy) timeout(attempts int) time.Duration {
	f := float64(s.cfg.Min) * math.Pow(s.cfg.Multiplier, float64(attempts))
	if math.IsInf(f, 0) || f >= float64(s.cfg.Max) {
		return s.cfg.Max
	}
	return time.Duration(f)
}
