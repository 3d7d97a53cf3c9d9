// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package version

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const versionTracerName = "taxonomy.version"

// Tracer provides OpenTelemetry tracing for version lifecycle operations.
// When disabled it returns noop spans.
//
// Thread Safety: All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer. Uses slog.Default() if logger is nil.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(versionTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartCreate starts a span for create_version.
func (t *Tracer) StartCreate(ctx context.Context, change store.ChangeKind, ops int, actor string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "version.create",
		trace.WithAttributes(
			attribute.String("taxonomy.change", string(change)),
			attribute.Int("taxonomy.operations", ops),
			attribute.String("taxonomy.actor", actor),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	t.logger.DebugContext(ctx, "creating version",
		slog.String("change", string(change)),
		slog.Int("operations", ops),
	)
	return ctx, span
}

// StartRollback starts a span for rollback_to_version.
func (t *Tracer) StartRollback(ctx context.Context, target store.Version, actor string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "version.rollback",
		trace.WithAttributes(
			attribute.Int64("taxonomy.target", int64(target)),
			attribute.String("taxonomy.actor", actor),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	t.logger.DebugContext(ctx, "rolling back",
		slog.Uint64("target", uint64(target)),
	)
	return ctx, span
}

// End completes a lifecycle span. version is the version current after the
// call, reported only on success.
func (t *Tracer) End(span trace.Span, version store.Version, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int64("taxonomy.version", int64(version)))
}
