// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxlink/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fluxlink-connectivity"

// Metrics holds OpenTelemetry metric instruments for the connectivity service.
type Metrics struct {
	meter metric.Meter

	// Counters
	transitionsTotal     metric.Int64Counter
	connectFailuresTotal metric.Int64Counter
	inboundTotal         metric.Int64Counter
	outboundTotal        metric.Int64Counter
	errorsTotal          metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsConnected metric.Int64UpDownCounter
	workersActive        metric.Int64UpDownCounter
	labelsDeclared       metric.Int64UpDownCounter

	// Histograms
	reconnectDelay metric.Float64Histogram
}

var _ worker.Observer = (*Metrics)(nil)

// NewMetrics creates Metrics on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates Metrics on mp.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.transitionsTotal, err = m.meter.Int64Counter(
		"connectivity.state.transitions.total",
		metric.WithDescription("Connection FSM state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitionsTotal counter: %w", err)
	}

	m.connectFailuresTotal, err = m.meter.Int64Counter(
		"connectivity.connect.failures.total",
		metric.WithDescription("Failed connection attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectFailuresTotal counter: %w", err)
	}

	m.inboundTotal, err = m.meter.Int64Counter(
		"connectivity.messages.inbound.total",
		metric.WithDescription("Inbound messages by settlement outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inboundTotal counter: %w", err)
	}

	m.outboundTotal, err = m.meter.Int64Counter(
		"connectivity.messages.outbound.total",
		metric.WithDescription("Outbound publishes by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outboundTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"connectivity.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.connectionsConnected, err = m.meter.Int64UpDownCounter(
		"connectivity.connections.connected",
		metric.WithDescription("Connections in the connected state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsConnected gauge: %w", err)
	}

	m.workersActive, err = m.meter.Int64UpDownCounter(
		"connectivity.workers.active",
		metric.WithDescription("Running consumer goroutines"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workersActive gauge: %w", err)
	}

	m.labelsDeclared, err = m.meter.Int64UpDownCounter(
		"connectivity.acks.labels.declared",
		metric.WithDescription("Acknowledgement labels declared by this node"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create labelsDeclared gauge: %w", err)
	}

	m.reconnectDelay, err = m.meter.Float64Histogram(
		"connectivity.reconnect.delay.ms",
		metric.WithDescription("Reconnect delay chosen after a disconnect, in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnectDelay histogram: %w", err)
	}

	return m, nil
}

// RecordTransition records an FSM state change.
func (m *Metrics) RecordTransition(connID, from, to string) {
	ctx := context.Background()
	m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("connection", connID),
		attribute.String("from", from),
		attribute.String("to", to),
	))
	switch {
	case to == "connected":
		m.connectionsConnected.Add(ctx, 1)
	case from == "connected":
		m.connectionsConnected.Add(ctx, -1)
	}
}

// RecordConnectFailure records a failed connect.
func (m *Metrics) RecordConnectFailure(connID string) {
	m.connectFailuresTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("connection", connID),
	))
}

// RecordReconnect records the reconnect decision after a disconnect.
func (m *Metrics) RecordReconnect(connID, source string, reconnect bool, delay time.Duration) {
	m.reconnectDelay.Record(context.Background(), float64(delay.Milliseconds()), metric.WithAttributes(
		attribute.String("connection", connID),
		attribute.String("source", source),
		attribute.Bool("reconnect", reconnect),
	))
}

// RecordWorkers adjusts the running consumer count.
func (m *Metrics) RecordWorkers(delta int) {
	m.workersActive.Add(context.Background(), int64(delta))
}

// RecordLabelsDeclared adjusts the declared label count.
func (m *Metrics) RecordLabelsDeclared(delta int) {
	m.labelsDeclared.Add(context.Background(), int64(delta))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

func (m *Metrics) InboundSettled(connID string, outcome worker.Outcome) {
	m.inboundTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("connection", connID),
		attribute.String("outcome", string(outcome)),
	))
}

func (m *Metrics) OutboundSent(connID string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.outboundTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("connection", connID),
		attribute.String("result", result),
	))
}
