// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("taxonomy.cache")
	meter  = otel.Meter("taxonomy.cache")
)

var (
	treeHits          metric.Int64Counter
	treeMisses        metric.Int64Counter
	treeInvalidations metric.Int64Counter
	treeBuildLatency  metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		treeHits, err = meter.Int64Counter(
			"taxonomy_tree_cache_hits_total",
			metric.WithDescription("Total number of tree cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		treeMisses, err = meter.Int64Counter(
			"taxonomy_tree_cache_misses_total",
			metric.WithDescription("Total number of tree cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		treeInvalidations, err = meter.Int64Counter(
			"taxonomy_tree_cache_invalidations_total",
			metric.WithDescription("Total number of wholesale tree cache invalidations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		treeBuildLatency, err = meter.Float64Histogram(
			"taxonomy_tree_build_duration_seconds",
			metric.WithDescription("Duration of tree builds on cache miss"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	treeHits.Add(ctx, 1)
}

func recordMiss(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	treeMisses.Add(ctx, 1)
}

func recordInvalidation(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	treeInvalidations.Add(ctx, 1)
}

func recordBuild(ctx context.Context, d time.Duration, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	treeBuildLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.Bool("success", ok)),
	)
}

// startSpan creates a span for a cache operation.
func startSpan(ctx context.Context, operation string, version uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "TreeCache."+operation,
		trace.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.Int64("taxonomy.version", int64(version)),
		),
	)
}
