// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollback

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/AleutianAI/taxonomy/services/taxonomy/taxerr"
)

// Plan is the ordered set of migrations to reverse, newest first.
type Plan struct {
	From   store.Version
	Target store.Version

	// Steps are the headers of the migrations to reverse.
	Steps []store.MigrationHeader

	// Migrations are the full records of Steps, filled in by LoadPlan.
	// Restore replays their snapshots.
	Migrations []store.Migration

	// OperationCount is the total number of operations across Migrations.
	OperationCount int

	// Estimate is the predicted rollback duration.
	Estimate time.Duration

	// RequiresFullRebuild is set when the plan spans more migrations than
	// the configured threshold. The estimate is doubled in that case.
	RequiresFullRebuild bool

	// ExceedsTarget is set when Estimate is above the recovery target.
	ExceedsTarget bool
}

// BuildPlan selects the migrations that lead from target to current along the
// live lineage. It works on headers only; LoadPlan fetches the snapshots.
//
// # Description
//
// The log is walked newest first with a cursor starting at current. A
// create-version migration whose ToVersion equals the cursor is part of the
// lineage: it is added to the plan and the cursor moves to its FromVersion.
// Rollback migrations, and create-version migrations of branches abandoned by
// an earlier rollback, are skipped. The walk stops when the cursor reaches
// target.
//
// # Outputs
//
//   - Plan: steps newest first, with the duration estimate filled in.
//   - error: *taxerr.Error of kind InvalidTarget if target is 0, not below
//     current, or not on the lineage of current.
func (e *Engine) BuildPlan(history []store.MigrationHeader, current, target store.Version) (Plan, error) {
	const op = "rollback.BuildPlan"

	if target == 0 {
		return Plan{}, taxerr.InvalidTarget(op, "target version must be at least 1")
	}
	if target >= current {
		return Plan{}, taxerr.InvalidTarget(op, "target version %d must be less than current version %d", target, current)
	}

	plan := Plan{From: current, Target: target}
	cursor := current
	for i := len(history) - 1; i >= 0 && cursor != target; i-- {
		h := history[i]
		if h.Kind != store.KindCreateVersion || h.ToVersion != cursor {
			continue
		}
		plan.Steps = append(plan.Steps, h)
		plan.OperationCount += h.OperationCount
		cursor = h.FromVersion
	}
	if cursor != target {
		return Plan{}, taxerr.InvalidTarget(op, "version %d is not in the history of version %d", target, current)
	}

	e.estimate(&plan)
	return plan, nil
}

// LoadPlan reads the full record of every step of plan through r.
func (e *Engine) LoadPlan(r store.Reader, plan *Plan) error {
	const op = "rollback.LoadPlan"
	plan.Migrations = make([]store.Migration, 0, len(plan.Steps))
	for _, h := range plan.Steps {
		m, ok, err := r.Migration(h.Seq)
		if err != nil {
			return taxerr.Storage(op, err)
		}
		if !ok {
			return taxerr.Storage(op, fmt.Errorf("migration %d missing from log", h.Seq))
		}
		plan.Migrations = append(plan.Migrations, m)
	}
	return nil
}

// Estimate returns base + ops × per-op, doubled when migrations exceeds the
// full-rebuild threshold.
func (e *Engine) Estimate(migrations, operations int) (time.Duration, bool) {
	d := e.cfg.BaseOverhead + time.Duration(operations)*e.cfg.PerOperation
	full := migrations > e.cfg.FullRebuildThreshold
	if full {
		d *= 2
	}
	return d, full
}

func (e *Engine) estimate(p *Plan) {
	p.Estimate, p.RequiresFullRebuild = e.Estimate(len(p.Steps), p.OperationCount)
	p.ExceedsTarget = p.Estimate > e.cfg.Target

	if p.ExceedsTarget {
		e.logger.Warn("rollback estimate exceeds recovery target",
			slog.Uint64("from", uint64(p.From)),
			slog.Uint64("target", uint64(p.Target)),
			slog.Duration("estimate", p.Estimate),
			slog.Duration("recovery_target", e.cfg.Target),
			slog.Bool("requires_full_rebuild", p.RequiresFullRebuild),
		)
	}
}
