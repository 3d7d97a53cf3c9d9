// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/taxonomy/services/taxonomy/dag"
	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/AleutianAI/taxonomy/services/taxonomy/taxerr"
)

// Executor applies operations to the row set of a version under construction.
//
// Thread Safety: Executor holds no mutable state. Callers serialise writes
// through the ReadWriter they pass in.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an executor. A nil logger falls back to slog.Default().
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger.With(slog.String("component", "migration_executor"))}
}

// CopyForward makes version to an exact copy of version from. Any rows already
// stored under to (left by an abandoned lineage) are removed first.
//
// # Outputs
//
//   - int: number of nodes and edges copied.
//   - error: storage failure.
func (e *Executor) CopyForward(rw store.ReadWriter, from, to store.Version) (int, error) {
	cleared, err := rw.ClearVersion(to)
	if err != nil {
		return 0, err
	}
	if cleared > 0 {
		e.logger.Info("cleared abandoned version rows",
			slog.Uint64("version", uint64(to)),
			slog.Int("rows", cleared),
		)
	}
	if from == 0 {
		return 0, nil
	}

	nodes, err := rw.Nodes(from)
	if err != nil {
		return 0, err
	}
	edges, err := rw.Edges(from)
	if err != nil {
		return 0, err
	}

	for _, n := range nodes {
		c := n.Clone()
		c.Version = to
		if err := rw.PutNode(c); err != nil {
			return 0, err
		}
	}
	for _, ed := range edges {
		ed.Version = to
		if err := rw.PutEdge(ed); err != nil {
			return 0, err
		}
	}

	return len(nodes) + len(edges), nil
}

// Precheck verifies that every node an operation references exists in
// version v. Operations must already be well formed (see ValidateOperations).
func Precheck(r store.Reader, v store.Version, ops []store.Operation) error {
	const op = "migration.Precheck"
	for i, o := range ops {
		for _, id := range Referenced(o) {
			_, ok, err := r.Node(v, id)
			if err != nil {
				return taxerr.Storage(op, err)
			}
			if !ok {
				return taxerr.NotFound(op, "operation %d (%s): node %d does not exist in version %d", i, o.Type, id, v)
			}
		}
	}
	return nil
}

// Apply runs ops in order against version v, which must already hold the
// copied-forward rows. The returned slice is ops with CREATE_NODE NodeID
// filled in with the allocated id.
//
// Returns a *taxerr.Error of kind NotFound when an operation references a node
// missing from v, CycleDetected when a move would make a node its own
// ancestor, or StorageError on any storage failure. The caller aborts
// the surrounding transaction on error.
func (e *Executor) Apply(ctx context.Context, rw store.ReadWriter, v store.Version, ops []store.Operation) ([]store.Operation, error) {
	applied := make([]store.Operation, 0, len(ops))
	for i, o := range ops {
		if err := ctx.Err(); err != nil {
			return nil, taxerr.Storage("migration.Apply", err)
		}

		var err error
		switch o.Type {
		case store.OpCreateNode:
			o.NodeID, err = e.createNode(rw, v, o)
		case store.OpMoveNode:
			err = e.moveNode(rw, v, o)
		default:
			err = &taxerr.Error{
				Kind:    taxerr.KindValidationFailed,
				Op:      "migration.Apply",
				Message: "unknown operation type",
				Details: []string{string(o.Type)},
			}
		}
		if err != nil {
			e.logger.Debug("operation failed",
				slog.Int("index", i),
				slog.String("type", string(o.Type)),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		applied = append(applied, o)
	}
	return applied, nil
}

func (e *Executor) parentPath(rw store.ReadWriter, v store.Version, parent *store.NodeID, op string) ([]string, error) {
	if parent == nil {
		return nil, nil
	}
	p, ok, err := rw.Node(v, *parent)
	if err != nil {
		return nil, taxerr.Storage(op, err)
	}
	if !ok {
		return nil, taxerr.NotFound(op, "parent node %d does not exist in version %d", *parent, v)
	}
	return p.CanonicalPath, nil
}

func (e *Executor) createNode(rw store.ReadWriter, v store.Version, o store.Operation) (store.NodeID, error) {
	const op = "migration.CreateNode"

	base, err := e.parentPath(rw, v, o.ParentID, op)
	if err != nil {
		return 0, err
	}

	id, err := rw.NextNodeID()
	if err != nil {
		return 0, taxerr.Storage(op, err)
	}

	path := make([]string, 0, len(base)+1)
	path = append(path, base...)
	path = append(path, o.Name)

	n := store.Node{
		ID:            id,
		Version:       v,
		CanonicalPath: path,
		Label:         o.Name,
		Description:   o.Description,
		Metadata:      copyMetadata(o.Metadata),
		Active:        true,
	}
	if err := rw.PutNode(n); err != nil {
		return 0, taxerr.Storage(op, err)
	}
	if o.ParentID != nil {
		if err := rw.PutEdge(store.Edge{Version: v, Parent: *o.ParentID, Child: id}); err != nil {
			return 0, taxerr.Storage(op, err)
		}
	}
	return id, nil
}

// moveNode re-parents one node and recomputes its canonical path. Descendant
// paths are left as they were.
func (e *Executor) moveNode(rw store.ReadWriter, v store.Version, o store.Operation) error {
	const op = "migration.MoveNode"

	n, ok, err := rw.Node(v, o.NodeID)
	if err != nil {
		return taxerr.Storage(op, err)
	}
	if !ok {
		return taxerr.NotFound(op, "node %d does not exist in version %d", o.NodeID, v)
	}

	base, err := e.parentPath(rw, v, o.ParentID, op)
	if err != nil {
		return err
	}
	if o.ParentID != nil {
		// Checked against v so earlier moves in the same batch count.
		g, err := dag.Load(rw, v)
		if err != nil {
			return taxerr.Storage(op, err)
		}
		if g.Reachable(o.NodeID, *o.ParentID) {
			return taxerr.Cycle(op, "node %d is an ancestor of %d in version %d", o.NodeID, *o.ParentID, v)
		}
	}

	edges, err := rw.Edges(v)
	if err != nil {
		return taxerr.Storage(op, err)
	}
	for _, ed := range edges {
		if ed.Child != o.NodeID {
			continue
		}
		if err := rw.DeleteEdge(v, ed.Parent, ed.Child); err != nil {
			return taxerr.Storage(op, err)
		}
	}
	if o.ParentID != nil {
		if err := rw.PutEdge(store.Edge{Version: v, Parent: *o.ParentID, Child: o.NodeID}); err != nil {
			return taxerr.Storage(op, err)
		}
	}

	path := make([]string, 0, len(base)+1)
	path = append(path, base...)
	path = append(path, n.Label)
	n.CanonicalPath = path
	n.Version = v
	if err := rw.PutNode(n); err != nil {
		return taxerr.Storage(op, err)
	}

	e.logger.Debug("node moved",
		slog.Uint64("node_id", uint64(o.NodeID)),
		slog.String("path", n.PathString()),
		slog.String("reason", o.Reason),
	)
	return nil
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
