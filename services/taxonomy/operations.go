// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/taxonomy/services/taxonomy/cache"
	"github.com/AleutianAI/taxonomy/services/taxonomy/dag"
	"github.com/AleutianAI/taxonomy/services/taxonomy/migration"
	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/AleutianAI/taxonomy/services/taxonomy/taxerr"
	"github.com/AleutianAI/taxonomy/services/taxonomy/version"
)

// Messages returned in OpResult for the convenience operations.
const (
	MsgNodeAdded  = "Node added successfully"
	MsgNodeMoved  = "Node moved successfully"
	MsgMoveCycle  = "Move would create cycle in taxonomy"
	msgNotStarted = "taxonomy is not initialized"
)

// OpResult is the outcome of a write operation.
//
// Expected failures (validation, cycle, unknown node, bad rollback target)
// are reported with OK=false and a Message; Err then holds the classified
// *taxerr.Error. Only storage failures are returned as a Go error.
type OpResult struct {
	OK      bool          `json:"ok" yaml:"ok"`
	Version store.Version `json:"version,omitempty" yaml:"version,omitempty"`
	NodeID  store.NodeID  `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	Message string        `json:"message" yaml:"message"`

	// Estimate is the rollback duration estimate, set by RollbackToVersion.
	Estimate time.Duration `json:"estimate,omitempty" yaml:"estimate,omitempty"`

	Err error `json:"-" yaml:"-"`
}

// MigrationSummary is one entry of the version history.
type MigrationSummary struct {
	Seq            uint64              `json:"seq" yaml:"seq"`
	MigrationID    string              `json:"migration_id" yaml:"migration_id"`
	FromVersion    store.Version       `json:"from_version" yaml:"from_version"`
	ToVersion      store.Version       `json:"to_version" yaml:"to_version"`
	Kind           store.MigrationKind `json:"kind" yaml:"kind"`
	Change         store.ChangeKind    `json:"change,omitempty" yaml:"change,omitempty"`
	OperationCount int                 `json:"operation_count" yaml:"operation_count"`
	Description    string              `json:"description" yaml:"description"`
	PerformedBy    string              `json:"performed_by" yaml:"performed_by"`
	AppliedAt      time.Time           `json:"applied_at" yaml:"applied_at"`
}

// Initialize creates version 1 with the configured root and child labels.
// It returns false without error when the store already has a version.
func (s *Store) Initialize(ctx context.Context) (bool, error) {
	_, created, err := s.manager.Initialize(ctx, s.cfg.Initial.RootLabel, s.cfg.Initial.ChildLabel)
	if err != nil {
		return false, err
	}
	return created, nil
}

// ValidateDAG validates version v. v == 0 means the current version.
func (s *Store) ValidateDAG(ctx context.Context, v store.Version) (dag.ValidationResult, error) {
	const op = "taxonomy.ValidateDAG"

	var res dag.ValidationResult
	err := s.repo.View(ctx, func(r store.Reader) error {
		target, err := s.resolve(r, op, v)
		if err != nil {
			return err
		}
		res, err = dag.Validate(ctx, r, target)
		return err
	})
	if err != nil {
		return dag.ValidationResult{}, taxerr.Storage(op, err)
	}
	return res, nil
}

// CreateVersion applies ops atomically as a new version.
func (s *Store) CreateVersion(ctx context.Context, change store.ChangeKind, ops []store.Operation, description, actor string) (OpResult, error) {
	if actor == "" {
		actor = s.actor
	}
	res, err := s.manager.CreateVersion(ctx, change, ops, description, actor)
	if err != nil {
		return failure(err)
	}
	return OpResult{OK: true, Version: res.Version, Message: res.Message}, nil
}

// AddNode creates one node as a new version. parent nil creates a root.
func (s *Store) AddNode(ctx context.Context, name string, parent *store.NodeID, description string, metadata map[string]string) (OpResult, error) {
	ops := []store.Operation{migration.CreateNode(name, parent, description, metadata)}
	res, err := s.manager.CreateVersion(ctx, store.ChangeMinor, ops, fmt.Sprintf("Add node %q", name), s.actor)
	if err != nil {
		return failure(err)
	}
	return OpResult{
		OK:      true,
		Version: res.Version,
		NodeID:  res.Migration.Operations[0].NodeID,
		Message: MsgNodeAdded,
	}, nil
}

// MoveNode re-parents a node as a new version. newParent nil detaches it
// to a root. A move under one of the node's own descendants is refused
// with MsgMoveCycle.
func (s *Store) MoveNode(ctx context.Context, id store.NodeID, newParent *store.NodeID, reason string) (OpResult, error) {
	ops := []store.Operation{migration.MoveNode(id, newParent, reason)}
	desc := fmt.Sprintf("Move node %d", id)
	if reason != "" {
		desc += ": " + reason
	}
	res, err := s.manager.CreateVersion(ctx, store.ChangePatch, ops, desc, s.actor)
	if err != nil {
		if taxerr.KindOf(err) == taxerr.KindCycleDetected {
			return OpResult{Message: MsgMoveCycle, Err: err}, nil
		}
		return failure(err)
	}
	return OpResult{OK: true, Version: res.Version, NodeID: id, Message: MsgNodeMoved}, nil
}

// RollbackToVersion makes target the current version.
func (s *Store) RollbackToVersion(ctx context.Context, target store.Version, reason, actor string) (OpResult, error) {
	if actor == "" {
		actor = s.actor
	}
	res, err := s.manager.RollbackToVersion(ctx, target, reason, actor)
	if err != nil {
		return failure(err)
	}
	return OpResult{OK: true, Version: res.Version, Message: res.Message, Estimate: res.Plan.Estimate}, nil
}

// GetTaxonomyTree returns the tree view of version v (0 = current). Trees
// are cached per version until the next committed change.
func (s *Store) GetTaxonomyTree(ctx context.Context, v store.Version) (*cache.Tree, error) {
	const op = "taxonomy.GetTaxonomyTree"

	var target store.Version
	err := s.repo.View(ctx, func(r store.Reader) error {
		var err error
		target, err = s.resolve(r, op, v)
		return err
	})
	if err != nil {
		return nil, taxerr.Storage(op, err)
	}

	tree, err := s.cache.Get(ctx, target, s.loadTree)
	if err != nil {
		return nil, taxerr.Storage(op, err)
	}
	return tree, nil
}

func (s *Store) loadTree(ctx context.Context, v store.Version) (*cache.Tree, error) {
	var g *dag.Graph
	err := s.repo.View(ctx, func(r store.Reader) error {
		var err error
		g, err = dag.Load(r, v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cache.BuildTree(g), nil
}

// GetNodeAncestry returns the nodes from a root down to id in version v
// (0 = current).
func (s *Store) GetNodeAncestry(ctx context.Context, id store.NodeID, v store.Version) ([]store.Node, error) {
	const op = "taxonomy.GetNodeAncestry"

	var path []store.Node
	err := s.repo.View(ctx, func(r store.Reader) error {
		target, err := s.resolve(r, op, v)
		if err != nil {
			return err
		}
		g, err := dag.Load(r, target)
		if err != nil {
			return err
		}
		var ok bool
		if path, ok = g.Ancestry(id); !ok {
			return taxerr.NotFound(op, "node %d does not exist in version %d", id, target)
		}
		return nil
	})
	if err != nil {
		return nil, taxerr.Storage(op, err)
	}
	return path, nil
}

// GetVersionHistory returns every migration in log order.
func (s *Store) GetVersionHistory(ctx context.Context) ([]MigrationSummary, error) {
	const op = "taxonomy.GetVersionHistory"

	var hist []store.MigrationHeader
	err := s.repo.View(ctx, func(r store.Reader) error {
		var err error
		hist, err = r.History()
		return err
	})
	if err != nil {
		return nil, taxerr.Storage(op, err)
	}

	out := make([]MigrationSummary, 0, len(hist))
	for _, h := range hist {
		out = append(out, summarize(h))
	}
	return out, nil
}

func summarize(m store.MigrationHeader) MigrationSummary {
	return MigrationSummary{
		Seq:            m.Seq,
		MigrationID:    m.ID,
		FromVersion:    m.FromVersion,
		ToVersion:      m.ToVersion,
		Kind:           m.Kind,
		Change:         m.Change,
		OperationCount: m.OperationCount,
		Description:    m.Description,
		PerformedBy:    m.PerformedBy,
		AppliedAt:      m.AppliedAt,
	}
}

// resolve maps v == 0 to the current version and checks the version has
// stored rows. The current pointer is read through r so it always names a
// version present in the same snapshot.
func (s *Store) resolve(r store.Reader, op string, v store.Version) (store.Version, error) {
	if v == 0 {
		cur, err := r.CurrentVersion()
		if err != nil {
			return 0, err
		}
		v = cur
		if v == 0 {
			return 0, taxerr.NotFound(op, msgNotStarted)
		}
	}
	has, err := r.HasVersion(v)
	if err != nil {
		return 0, err
	}
	if !has {
		return 0, taxerr.NotFound(op, "version %d does not exist", v)
	}
	return v, nil
}

// failure converts a classified error into an OpResult. Storage errors are
// returned as errors.
func failure(err error) (OpResult, error) {
	var te *taxerr.Error
	if !errors.As(err, &te) || te.Kind == taxerr.KindStorage {
		return OpResult{Message: err.Error(), Err: err}, err
	}
	msg := te.Message
	if len(te.Details) > 0 {
		msg += ": " + strings.Join(te.Details, "; ")
	}
	return OpResult{Message: msg, Err: err}, nil
}

// SystemActor is recorded for migrations created without an explicit actor.
const SystemActor = version.SystemActor
