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
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/taxonomy/services/taxonomy/taxerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for version lifecycle metrics.
var meter = otel.Meter("taxonomy.version")

var (
	createTotal       metric.Int64Counter
	rollbackTotal     metric.Int64Counter
	migrationDuration metric.Float64Histogram
	validationErrors  metric.Int64Counter
	rollbackEstimate  metric.Float64Histogram
	currentVersion    metric.Int64Gauge

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		createTotal, err = meter.Int64Counter(
			"taxonomy_version_create_total",
			metric.WithDescription("Total number of create_version calls by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"taxonomy_rollback_total",
			metric.WithDescription("Total number of rollback_to_version calls by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		migrationDuration, err = meter.Float64Histogram(
			"taxonomy_migration_duration_seconds",
			metric.WithDescription("Wall time of create_version and rollback transactions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		validationErrors, err = meter.Int64Counter(
			"taxonomy_validation_errors_total",
			metric.WithDescription("Validator errors that blocked a migration"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackEstimate, err = meter.Float64Histogram(
			"taxonomy_rollback_estimate_seconds",
			metric.WithDescription("Estimated rollback duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		currentVersion, err = meter.Int64Gauge(
			"taxonomy_current_version",
			metric.WithDescription("Current taxonomy version"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// statusOf maps an operation error to a bounded status label.
func statusOf(err error) string {
	if err == nil {
		return "success"
	}
	switch taxerr.KindOf(err) {
	case taxerr.KindValidationFailed:
		return "validation_failed"
	case taxerr.KindCycleDetected:
		return "cycle_detected"
	case taxerr.KindInvalidTarget:
		return "invalid_target"
	case taxerr.KindNotFound:
		return "not_found"
	default:
		return "storage_error"
	}
}

func recordCreate(ctx context.Context, d time.Duration, err error) {
	if !metricsEnabled.Load() {
		return
	}
	if initMetrics() != nil {
		return
	}
	status := attribute.String("status", statusOf(err))
	createTotal.Add(ctx, 1, metric.WithAttributes(status))
	migrationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", "create-version"), status,
	))
}

func recordRollback(ctx context.Context, d time.Duration, err error) {
	if !metricsEnabled.Load() {
		return
	}
	if initMetrics() != nil {
		return
	}
	status := attribute.String("status", statusOf(err))
	rollbackTotal.Add(ctx, 1, metric.WithAttributes(status))
	migrationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", "rollback"), status,
	))
}

func recordValidationErrors(ctx context.Context, n int) {
	if !metricsEnabled.Load() || n == 0 {
		return
	}
	if initMetrics() != nil {
		return
	}
	validationErrors.Add(ctx, int64(n))
}

func recordEstimate(ctx context.Context, d time.Duration, fullRebuild bool) {
	if !metricsEnabled.Load() {
		return
	}
	if initMetrics() != nil {
		return
	}
	rollbackEstimate.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.Bool("requires_full_rebuild", fullRebuild),
	))
}

func recordCurrent(ctx context.Context, v uint64) {
	if !metricsEnabled.Load() {
		return
	}
	if initMetrics() != nil {
		return
	}
	currentVersion.Record(ctx, int64(v))
}
