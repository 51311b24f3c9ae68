// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextTimeoutGrowsThenPlateaus(t *testing.T) {
	s := New(Config{Min: 100 * time.Millisecond, Max: time.Second, Multiplier: 2})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, s.NextTimeout(), "attempt %d", i)
	}
	assert.Equal(t, len(want), s.Attempts())
}

func TestNextTimeoutStrictlyIncreasesUntilCap(t *testing.T) {
	s := New(Config{Min: 10 * time.Millisecond, Max: 3 * time.Second, Multiplier: 1.5})

	prev := time.Duration(0)
	capped := false
	for range 50 {
		d := s.NextTimeout()
		require.LessOrEqual(t, d, 3*time.Second)
		if capped {
			assert.Equal(t, 3*time.Second, d)
			continue
		}
		assert.Greater(t, d, prev)
		prev = d
		capped = d == 3*time.Second
	}
	assert.True(t, capped)
}

func TestReset(t *testing.T) {
	s := New(Config{Min: time.Second, Max: time.Minute, Multiplier: 2})

	s.NextTimeout()
	s.NextTimeout()
	assert.Equal(t, 2, s.Attempts())
	assert.Equal(t, 3, s.CurrentTries())

	s.Reset()
	assert.Equal(t, 0, s.Attempts())
	assert.Equal(t, time.Second, s.NextTimeout())
}

func TestNewAppliesDefaults(t *testing.T) {
	s := New(Config{})
	cfg := s.Config()

	assert.Equal(t, DefaultMin, cfg.Min)
	assert.Equal(t, DefaultMin, cfg.Max)
	assert.Equal(t, DefaultMultiplier, cfg.Multiplier)
}

func TestJitterOnlyShortens(t *testing.T) {
	s := New(Config{Min: time.Second, Max: time.Second, Multiplier: 2, Jitter: 0.5})
	s.rand = func() float64 { return 1 }

	assert.Equal(t, 500*time.Millisecond, s.NextTimeout())

	s.rand = func() float64 { return 0 }
	assert.Equal(t, time.Second, s.NextTimeout())
}

func TestLargeAttemptCountDoesNotOverflow(t *testing.T) {
	s := New(Config{Min: time.Second, Max: time.Hour, Multiplier: 10})
	for range 500 {
		s.NextTimeout()
	}
	assert.Equal(t, time.Hour, s.NextTimeout())
}
