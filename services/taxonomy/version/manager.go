// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package version owns the taxonomy version lifecycle: creating a version
// from a list of operations and rolling back to an earlier one.
//
// # Description
//
// Manager is the only writer of the store. Every write runs under one
// in-process mutex and inside one badger transaction, so a caller either
// observes the previous version or the fully validated new one. Readers never
// take the mutex; they read the current version with Current() and open their
// own read transaction.
//
// # Thread Safety
//
// Manager is safe for concurrent use.
package version

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/taxonomy/services/taxonomy/dag"
	"github.com/AleutianAI/taxonomy/services/taxonomy/migration"
	"github.com/AleutianAI/taxonomy/services/taxonomy/rollback"
	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/AleutianAI/taxonomy/services/taxonomy/taxerr"
	"github.com/AleutianAI/taxonomy/services/taxonomy/telemetry"
	"github.com/google/uuid"
)

// SystemActor is recorded as PerformedBy for migrations the store creates
// itself.
const SystemActor = "system"

// Invalidator is notified after every committed version change.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Options configures a Manager.
type Options struct {
	// Estimator configures rollback duration estimates.
	Estimator rollback.EstimatorConfig

	// Cache is invalidated after every commit. Optional.
	Cache Invalidator

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// TracingEnabled turns on version.* spans.
	TracingEnabled bool

	// Now returns the current time. Uses time.Now if nil.
	Now func() time.Time
}

// Manager serialises all version changes.
type Manager struct {
	mu          sync.Mutex
	repo        *store.Repository
	exec        *migration.Executor
	engine      *rollback.Engine
	cache       Invalidator
	tracer      *Tracer
	logger      *slog.Logger
	now         func() time.Time
	current     atomic.Uint64
	lastApplied time.Time
}

// NewManager creates a manager and loads the current version from repo.
func NewManager(ctx context.Context, repo *store.Repository, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "version_manager"))

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		repo:   repo,
		exec:   migration.NewExecutor(logger),
		engine: rollback.NewEngine(opts.Estimator, logger),
		cache:  opts.Cache,
		tracer: NewTracer(logger, opts.TracingEnabled),
		logger: logger,
		now:    now,
	}

	err := repo.View(ctx, func(r store.Reader) error {
		cur, err := r.CurrentVersion()
		if err != nil {
			return err
		}
		m.current.Store(uint64(cur))

		hist, err := r.History()
		if err != nil {
			return err
		}
		if len(hist) > 0 {
			m.lastApplied = hist[len(hist)-1].AppliedAt
		}
		return nil
	})
	if err != nil {
		return nil, taxerr.Storage("version.NewManager", err)
	}
	recordCurrent(ctx, m.current.Load())
	return m, nil
}

// Current returns the current version (0 before Initialize).
//
// Thread Safety: Lock-free; safe to call during a write.
func (m *Manager) Current() store.Version {
	return store.Version(m.current.Load())
}

// Engine returns the rollback engine, for read-side cycle checks.
func (m *Manager) Engine() *rollback.Engine {
	return m.engine
}

// Result describes a committed version change.
type Result struct {
	Version   store.Version
	Migration store.Migration
	Message   string

	// Plan is set for rollbacks.
	Plan *rollback.Plan
}

// Initialize creates version 1 holding a root and one child, recorded as a
// create-version migration 0 → 1 by SystemActor. It is a no-op returning
// created=false when a version already exists.
func (m *Manager) Initialize(ctx context.Context, rootLabel, childLabel string) (Result, bool, error) {
	const op = "version.Initialize"

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.Current(); cur != 0 {
		return Result{Version: cur, Message: fmt.Sprintf("Taxonomy already initialized at version %d", cur)}, false, nil
	}

	ops := []store.Operation{migration.CreateNode(rootLabel, nil, "", nil)}
	if childLabel != "" {
		rootID := store.NodeID(0) // patched after the root is allocated
		ops = append(ops, migration.CreateNode(childLabel, &rootID, "", nil))
	}
	if problems := migration.ValidateOperations(ops); len(problems) > 0 {
		return Result{}, false, taxerr.Validation(op, problems)
	}

	var mig store.Migration
	err := m.repo.Update(ctx, func(rw store.ReadWriter) error {
		cur, err := rw.CurrentVersion()
		if err != nil {
			return err
		}
		if cur != 0 {
			return taxerr.InvalidTarget(op, "store already initialized at version %d", cur)
		}
		if _, err := m.exec.CopyForward(rw, 0, 1); err != nil {
			return err
		}

		root, err := m.exec.Apply(ctx, rw, 1, ops[:1])
		if err != nil {
			return err
		}
		applied := root
		if len(ops) > 1 {
			id := root[0].NodeID
			ops[1].ParentID = &id
			child, err := m.exec.Apply(ctx, rw, 1, ops[1:])
			if err != nil {
				return err
			}
			applied = append(applied, child...)
		}

		mig, err = m.commit(ctx, rw, commitInput{
			op:          op,
			from:        0,
			to:          1,
			kind:        store.KindCreateVersion,
			change:      store.ChangeMajor,
			applied:     applied,
			description: "Initial taxonomy",
			actor:       SystemActor,
		})
		return err
	})
	if err != nil {
		return Result{}, false, taxerr.Storage(op, err)
	}

	m.published(ctx, mig)
	m.logger.Info("taxonomy initialized",
		slog.String("migration_id", mig.ID),
		slog.String("root", rootLabel),
	)
	return Result{Version: 1, Migration: mig, Message: "Taxonomy initialized at version 1"}, true, nil
}

// CreateVersion applies ops atomically as version current+1.
//
// # Description
//
// Runs, under the writer lock and inside one transaction: the operation
// shape check, the existence pre-check against the current version, the
// cycle guard for every MOVE_NODE, copy-forward, operation application,
// snapshot capture and full validation of the new version. The migration
// record and the current-version pointer are written in the same
// transaction. On any failure nothing is written.
//
// # Outputs
//
//   - Result: the new version and its migration record.
//   - error: *taxerr.Error of kind ValidationFailed, NotFound,
//     CycleDetected or StorageError.
func (m *Manager) CreateVersion(ctx context.Context, change store.ChangeKind, ops []store.Operation, description, actor string) (Result, error) {
	const op = "version.CreateVersion"
	start := time.Now()

	if change == "" {
		change = store.ChangePatch
	}

	ctx, span := m.tracer.StartCreate(ctx, change, len(ops), actor)
	res, err := m.createVersion(ctx, op, change, ops, description, actor)
	m.tracer.End(span, res.Version, err)
	recordCreate(ctx, time.Since(start), err)

	logger := telemetry.LoggerWithTrace(ctx, m.logger)
	if err != nil {
		level := slog.LevelWarn
		if taxerr.KindOf(err) == taxerr.KindStorage {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "create version failed",
			slog.String("kind", taxerr.KindOf(err).String()),
			slog.String("error", err.Error()),
		)
		return Result{}, err
	}

	logger.Info("version created",
		slog.Uint64("version", uint64(res.Version)),
		slog.String("migration_id", res.Migration.ID),
		slog.Int("operations", len(ops)),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (m *Manager) createVersion(ctx context.Context, op string, change store.ChangeKind, ops []store.Operation, description, actor string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, taxerr.Storage(op, err)
	}
	if !change.Valid() {
		return Result{}, taxerr.Validation(op, []string{fmt.Sprintf("unknown change kind %q", change)})
	}
	if problems := migration.ValidateOperations(ops); len(problems) > 0 {
		recordValidationErrors(ctx, len(problems))
		return Result{}, taxerr.Validation(op, problems)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var mig store.Migration
	err := m.repo.Update(ctx, func(rw store.ReadWriter) error {
		cur, err := rw.CurrentVersion()
		if err != nil {
			return err
		}
		if cur == 0 {
			return taxerr.NotFound(op, "taxonomy is not initialized")
		}

		if err := migration.Precheck(rw, cur, ops); err != nil {
			return err
		}
		for _, o := range ops {
			if o.Type != store.OpMoveNode {
				continue
			}
			if err := m.engine.GuardMove(ctx, rw, cur, o.NodeID, o.ParentID); err != nil {
				return err
			}
		}

		next := cur + 1
		if _, err := m.exec.CopyForward(rw, cur, next); err != nil {
			return err
		}
		applied, err := m.exec.Apply(ctx, rw, next, ops)
		if err != nil {
			return err
		}

		mig, err = m.commit(ctx, rw, commitInput{
			op:          op,
			from:        cur,
			to:          next,
			kind:        store.KindCreateVersion,
			change:      change,
			applied:     applied,
			description: description,
			actor:       actor,
		})
		return err
	})
	if err != nil {
		return Result{}, taxerr.Storage(op, err)
	}

	m.published(ctx, mig)
	return Result{
		Version:   mig.ToVersion,
		Migration: mig,
		Message:   fmt.Sprintf("Created version %d", mig.ToVersion),
	}, nil
}

// RollbackToVersion makes target the current version again.
//
// # Description
//
// Builds the rollback plan along the live lineage, logs a warning when the
// estimate exceeds the recovery target, replays the plan's snapshots onto
// the target rows and validates the result, all in one transaction. A
// rollback migration capturing the whole version being left is appended so
// the rollback can itself be reversed.
//
// # Outputs
//
//   - Result: target version, the rollback migration and the plan.
//   - error: *taxerr.Error of kind InvalidTarget, ValidationFailed or
//     StorageError.
func (m *Manager) RollbackToVersion(ctx context.Context, target store.Version, reason, actor string) (Result, error) {
	const op = "version.RollbackToVersion"
	start := time.Now()

	ctx, span := m.tracer.StartRollback(ctx, target, actor)
	res, err := m.rollbackToVersion(ctx, op, target, reason, actor)
	m.tracer.End(span, res.Version, err)
	recordRollback(ctx, time.Since(start), err)

	logger := telemetry.LoggerWithTrace(ctx, m.logger)
	if err != nil {
		logger.Warn("rollback failed",
			slog.Uint64("target", uint64(target)),
			slog.String("kind", taxerr.KindOf(err).String()),
			slog.String("error", err.Error()),
		)
		return Result{}, err
	}

	logger.Info("rollback completed",
		slog.Uint64("from", uint64(res.Plan.From)),
		slog.Uint64("target", uint64(target)),
		slog.Int("migrations_reversed", len(res.Plan.Steps)),
		slog.Duration("estimate", res.Plan.Estimate),
		slog.Duration("duration", time.Since(start)),
		slog.String("reason", reason),
	)
	return res, nil
}

func (m *Manager) rollbackToVersion(ctx context.Context, op string, target store.Version, reason, actor string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, taxerr.Storage(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		mig  store.Migration
		plan rollback.Plan
	)
	err := m.repo.Update(ctx, func(rw store.ReadWriter) error {
		cur, err := rw.CurrentVersion()
		if err != nil {
			return err
		}
		hist, err := rw.History()
		if err != nil {
			return err
		}
		if plan, err = m.engine.BuildPlan(hist, cur, target); err != nil {
			return err
		}
		recordEstimate(ctx, plan.Estimate, plan.RequiresFullRebuild)

		has, err := rw.HasVersion(target)
		if err != nil {
			return err
		}
		if !has {
			return taxerr.InvalidTarget(op, "version %d has no stored rows", target)
		}

		if err := m.engine.LoadPlan(rw, &plan); err != nil {
			return err
		}

		snap, err := m.engine.CaptureVersion(rw, cur)
		if err != nil {
			return err
		}
		if _, err := m.engine.Restore(ctx, rw, plan); err != nil {
			return err
		}

		mig, err = m.commit(ctx, rw, commitInput{
			op:          op,
			from:        cur,
			to:          target,
			kind:        store.KindRollback,
			snapshot:    &snap,
			description: reason,
			actor:       actor,
		})
		return err
	})
	if err != nil {
		return Result{}, taxerr.Storage(op, err)
	}

	m.published(ctx, mig)
	return Result{
		Version:   target,
		Migration: mig,
		Plan:      &plan,
		Message:   fmt.Sprintf("Successfully rolled back to version %d", target),
	}, nil
}

type commitInput struct {
	op          string
	from, to    store.Version
	kind        store.MigrationKind
	change      store.ChangeKind
	applied     []store.Operation
	snapshot    *store.Snapshot
	description string
	actor       string
}

// commit validates version in.to, then appends the migration record and moves
// the current-version pointer. Must run inside the write transaction with
// m.mu held.
func (m *Manager) commit(ctx context.Context, rw store.ReadWriter, in commitInput) (store.Migration, error) {
	res, err := dag.Validate(ctx, rw, in.to)
	if err != nil {
		return store.Migration{}, err
	}
	if !res.IsValid {
		recordValidationErrors(ctx, len(res.Errors))
		return store.Migration{}, taxerr.Validation(in.op, res.Errors)
	}
	for _, w := range res.Warnings {
		m.logger.Warn("validation warning", slog.Uint64("version", uint64(in.to)), slog.String("warning", w))
	}

	var snap store.Snapshot
	if in.snapshot != nil {
		snap = *in.snapshot
	} else {
		if snap, err = m.engine.Capture(rw, in.from, in.applied); err != nil {
			return store.Migration{}, err
		}
	}

	applied := m.now().UTC()
	if applied.Before(m.lastApplied) {
		applied = m.lastApplied
	}

	mig := store.Migration{
		ID:          uuid.NewString(),
		FromVersion: in.from,
		ToVersion:   in.to,
		Kind:        in.kind,
		Change:      in.change,
		Operations:  in.applied,
		Snapshot:    snap,
		Description: in.description,
		PerformedBy: in.actor,
		AppliedAt:   applied,
	}
	if err := rw.AppendMigration(&mig); err != nil {
		return store.Migration{}, err
	}
	if err := rw.SetCurrentVersion(in.to); err != nil {
		return store.Migration{}, err
	}
	return mig, nil
}

// published runs after a successful commit with m.mu held.
func (m *Manager) published(ctx context.Context, mig store.Migration) {
	m.current.Store(uint64(mig.ToVersion))
	m.lastApplied = mig.AppliedAt
	if m.cache != nil {
		m.cache.Invalidate(ctx)
	}
	recordCurrent(ctx, uint64(mig.ToVersion))
}
