// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback captures pre-change state for migrations and reverses
// migrations back to an earlier version.
//
// # Description
//
// Every migration carries a Snapshot: the state, at the migration's source
// version, of each node and edge it touched. Rolling back replays those
// snapshots newest-first onto the target version's rows, so an entity touched
// by several migrations ends up in the state recorded by the oldest of them.
//
// The engine also guards MOVE_NODE operations against cycles on the live
// graph before a migration is started.
//
// # Thread Safety
//
// Engine is stateless apart from its configuration and safe for concurrent
// use. Methods that write take a store.ReadWriter owned by the caller.
package rollback

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/taxonomy/services/taxonomy/dag"
	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/AleutianAI/taxonomy/services/taxonomy/taxerr"
)

// EstimatorConfig holds the constants of the rollback duration estimate.
type EstimatorConfig struct {
	// BaseOverhead is the fixed cost of any rollback.
	BaseOverhead time.Duration

	// PerOperation is the cost of reversing one operation.
	PerOperation time.Duration

	// FullRebuildThreshold is the plan length above which the estimate is
	// doubled and the plan is flagged RequiresFullRebuild.
	FullRebuildThreshold int

	// Target is the recovery time objective. Estimates above it are reported
	// but do not stop the rollback.
	Target time.Duration
}

// DefaultEstimatorConfig returns 30s base, 0.5s per operation, a threshold of
// 10 migrations and a 15 minute target.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		BaseOverhead:         30 * time.Second,
		PerOperation:         500 * time.Millisecond,
		FullRebuildThreshold: 10,
		Target:               15 * time.Minute,
	}
}

// Engine plans and performs rollbacks.
type Engine struct {
	cfg    EstimatorConfig
	logger *slog.Logger
}

// NewEngine creates an engine. Zero-valued config fields take their defaults.
func NewEngine(cfg EstimatorConfig, logger *slog.Logger) *Engine {
	def := DefaultEstimatorConfig()
	if cfg.BaseOverhead <= 0 {
		cfg.BaseOverhead = def.BaseOverhead
	}
	if cfg.PerOperation <= 0 {
		cfg.PerOperation = def.PerOperation
	}
	if cfg.FullRebuildThreshold <= 0 {
		cfg.FullRebuildThreshold = def.FullRebuildThreshold
	}
	if cfg.Target <= 0 {
		cfg.Target = def.Target
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger.With(slog.String("component", "rollback_engine"))}
}

// Config returns the effective estimator configuration.
func (e *Engine) Config() EstimatorConfig { return e.cfg }

// Capture records, at version from, the state of every node and edge the
// applied operations touched. applied must carry the node ids allocated for
// CREATE_NODE operations. Rows of from are immutable, so reading them after
// the operations ran against the next version yields the pre-change state.
func (e *Engine) Capture(r store.Reader, from store.Version, applied []store.Operation) (store.Snapshot, error) {
	snap := store.Snapshot{Version: from}
	seenNode := make(map[store.NodeID]bool)
	seenEdge := make(map[store.Edge]bool)

	var fromEdges []store.Edge
	if from != 0 {
		var err error
		if fromEdges, err = r.Edges(from); err != nil {
			return snap, err
		}
	}
	present := make(map[store.Edge]bool, len(fromEdges))
	for _, ed := range fromEdges {
		present[ed] = true
	}

	addNode := func(id store.NodeID) error {
		if seenNode[id] {
			return nil
		}
		seenNode[id] = true
		n, ok, err := r.Node(from, id)
		if err != nil {
			return err
		}
		if !ok {
			n = store.Node{ID: id, Version: from}
		}
		snap.Nodes = append(snap.Nodes, store.NodeState{Node: n, Present: ok})
		return nil
	}
	addEdge := func(ed store.Edge) {
		ed.Version = from
		if seenEdge[ed] {
			return
		}
		seenEdge[ed] = true
		snap.Edges = append(snap.Edges, store.EdgeState{Edge: ed, Present: present[ed]})
	}

	for _, op := range applied {
		if err := addNode(op.NodeID); err != nil {
			return snap, err
		}
		// every edge into the node at from, plus the edge the operation creates
		for _, ed := range fromEdges {
			if ed.Child == op.NodeID {
				addEdge(ed)
			}
		}
		if op.ParentID != nil {
			addEdge(store.Edge{Parent: *op.ParentID, Child: op.NodeID})
		}
	}
	return snap, nil
}

// CaptureVersion records every node and edge of version v as present. Used
// for rollback migrations so the version being left can be rebuilt.
func (e *Engine) CaptureVersion(r store.Reader, v store.Version) (store.Snapshot, error) {
	snap := store.Snapshot{Version: v}
	nodes, err := r.Nodes(v)
	if err != nil {
		return snap, err
	}
	edges, err := r.Edges(v)
	if err != nil {
		return snap, err
	}
	for _, n := range nodes {
		snap.Nodes = append(snap.Nodes, store.NodeState{Node: n, Present: true})
	}
	for _, ed := range edges {
		snap.Edges = append(snap.Edges, store.EdgeState{Edge: ed, Present: true})
	}
	return snap, nil
}

// Restore replays the snapshots of plan, newest first, onto the rows of
// plan.Target. Returns the number of entities written or deleted.
func (e *Engine) Restore(ctx context.Context, rw store.ReadWriter, plan Plan) (int, error) {
	const op = "rollback.Restore"
	restored := 0

	for _, m := range plan.Migrations {
		if err := ctx.Err(); err != nil {
			return restored, taxerr.Storage(op, err)
		}
		for _, ns := range m.Snapshot.Nodes {
			var err error
			if ns.Present {
				n := ns.Node.Clone()
				n.Version = plan.Target
				err = rw.PutNode(n)
			} else {
				err = rw.DeleteNode(plan.Target, ns.Node.ID)
			}
			if err != nil {
				return restored, taxerr.Storage(op, err)
			}
			restored++
		}
		for _, es := range m.Snapshot.Edges {
			var err error
			if es.Present {
				ed := es.Edge
				ed.Version = plan.Target
				err = rw.PutEdge(ed)
			} else {
				err = rw.DeleteEdge(plan.Target, es.Edge.Parent, es.Edge.Child)
			}
			if err != nil {
				return restored, taxerr.Storage(op, err)
			}
			restored++
		}
	}

	e.logger.Debug("snapshots replayed",
		slog.Uint64("target", uint64(plan.Target)),
		slog.Int("migrations", len(plan.Migrations)),
		slog.Int("entities", restored),
	)
	return restored, nil
}

// GuardMove rejects a move of node under newParent when newParent is
// reachable from node in version v, including newParent == node. A nil
// newParent never creates a cycle. If the reachability check cannot be
// performed the move is rejected as well.
func (e *Engine) GuardMove(ctx context.Context, r store.Reader, v store.Version, node store.NodeID, newParent *store.NodeID) error {
	const op = "rollback.GuardMove"
	if newParent == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return taxerr.Storage(op, err)
	}

	g, err := dag.Load(r, v)
	if err != nil {
		e.logger.Warn("reachability check failed, rejecting move",
			slog.Uint64("node_id", uint64(node)),
			slog.String("error", err.Error()),
		)
		ce := taxerr.Cycle(op, "reachability check failed")
		ce.Err = err
		return ce
	}
	if g.Reachable(node, *newParent) {
		return taxerr.Cycle(op, "node %d is an ancestor of %d", node, *newParent)
	}
	return nil
}
