// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attributes shared by the worker spans.
const (
	AttrConnection = attribute.Key("fluxlink.connection")
	AttrSource     = attribute.Key("fluxlink.source")
	AttrTopic      = attribute.Key("fluxlink.topic")
	AttrOutcome    = attribute.Key("fluxlink.outcome")
)

func tracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t
}

func endSpan(span trace.Span, err error) {
	if err != nil && span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
