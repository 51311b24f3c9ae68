// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxlink/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "not an int64 sum: %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetricsWithProvider(mp)
	require.NoError(t, err)

	m.RecordTransition("c1", "connecting", "connected")
	m.RecordTransition("c2", "connecting", "connected")
	m.RecordTransition("c1", "connected", "disconnecting")
	m.RecordConnectFailure("c1")
	m.RecordReconnect("c1", "server", true, 5*time.Second)
	m.RecordWorkers(3)
	m.RecordWorkers(-1)
	m.RecordLabelsDeclared(2)
	m.InboundSettled("c1", worker.OutcomeAcked)
	m.InboundSettled("c1", worker.OutcomeNacked)
	m.OutboundSent("c1", nil)
	m.OutboundSent("c1", errors.New("down"))
	m.RecordError("registry")

	data := collect(t, reader)
	assert.Equal(t, int64(3), sumOf(t, data["connectivity.state.transitions.total"]))
	assert.Equal(t, int64(1), sumOf(t, data["connectivity.connections.connected"]))
	assert.Equal(t, int64(1), sumOf(t, data["connectivity.connect.failures.total"]))
	assert.Equal(t, int64(2), sumOf(t, data["connectivity.workers.active"]))
	assert.Equal(t, int64(2), sumOf(t, data["connectivity.acks.labels.declared"]))
	assert.Equal(t, int64(2), sumOf(t, data["connectivity.messages.inbound.total"]))
	assert.Equal(t, int64(2), sumOf(t, data["connectivity.messages.outbound.total"]))
	assert.Equal(t, int64(1), sumOf(t, data["connectivity.errors.total"]))

	hist, ok := data["connectivity.reconnect.delay.ms"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.Equal(t, 5000.0, hist.DataPoints[0].Sum)
}
