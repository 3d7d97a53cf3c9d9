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
	"context"
	"testing"
	"time"

	"github.com/AleutianAI/taxonomy/services/taxonomy/migration"
	taxbadger "github.com/AleutianAI/taxonomy/services/taxonomy/storage/badger"
	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/AleutianAI/taxonomy/services/taxonomy/taxerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(n store.NodeID) *store.NodeID { return &n }

type fixture struct {
	repo   *store.Repository
	exec   *migration.Executor
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := taxbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &fixture{
		repo:   store.NewRepository(db),
		exec:   migration.NewExecutor(nil),
		engine: NewEngine(EstimatorConfig{}, nil),
	}
}

// step builds version to from from, captures its snapshot and returns the
// migration record it would be logged with.
func (f *fixture) step(t *testing.T, from, to store.Version, ops ...store.Operation) store.Migration {
	t.Helper()
	var m store.Migration
	require.NoError(t, f.repo.Update(context.Background(), func(rw store.ReadWriter) error {
		if _, err := f.exec.CopyForward(rw, from, to); err != nil {
			return err
		}
		applied, err := f.exec.Apply(context.Background(), rw, to, ops)
		if err != nil {
			return err
		}
		snap, err := f.engine.Capture(rw, from, applied)
		if err != nil {
			return err
		}
		m = store.Migration{FromVersion: from, ToVersion: to, Kind: store.KindCreateVersion, Operations: applied, Snapshot: snap}
		return rw.AppendMigration(&m)
	}))
	return m
}

func (f *fixture) nodes(t *testing.T, v store.Version) []store.Node {
	t.Helper()
	var nodes []store.Node
	require.NoError(t, f.repo.View(context.Background(), func(r store.Reader) error {
		var err error
		nodes, err = r.Nodes(v)
		return err
	}))
	return nodes
}

func (f *fixture) edges(t *testing.T, v store.Version) []store.Edge {
	t.Helper()
	var edges []store.Edge
	require.NoError(t, f.repo.View(context.Background(), func(r store.Reader) error {
		var err error
		edges, err = r.Edges(v)
		return err
	}))
	return edges
}

func TestCapture_CreateAndMove(t *testing.T) {
	f := newFixture(t)
	f.step(t, 0, 1, migration.CreateNode("Root", nil, "", nil), migration.CreateNode("AI", ptr(1), "", nil))

	m := f.step(t, 1, 2,
		migration.CreateNode("RAG", ptr(2), "", nil),
		migration.MoveNode(2, nil, "detach"),
	)

	require.Len(t, m.Snapshot.Nodes, 2)
	assert.Equal(t, store.NodeID(3), m.Snapshot.Nodes[0].Node.ID)
	assert.False(t, m.Snapshot.Nodes[0].Present)
	assert.Equal(t, store.NodeID(2), m.Snapshot.Nodes[1].Node.ID)
	assert.True(t, m.Snapshot.Nodes[1].Present)
	assert.Equal(t, []string{"Root", "AI"}, m.Snapshot.Nodes[1].Node.CanonicalPath)

	assert.ElementsMatch(t, []store.EdgeState{
		{Edge: store.Edge{Version: 1, Parent: 2, Child: 3}, Present: false},
		{Edge: store.Edge{Version: 1, Parent: 1, Child: 2}, Present: true},
	}, m.Snapshot.Edges)
}

func TestRestore_ReplaysSnapshotsOntoTarget(t *testing.T) {
	f := newFixture(t)
	f.step(t, 0, 1, migration.CreateNode("Root", nil, "", nil), migration.CreateNode("AI", ptr(1), "", nil))
	m2 := f.step(t, 1, 2, migration.CreateNode("RAG", ptr(2), "", nil))
	m3 := f.step(t, 2, 3, migration.MoveNode(3, ptr(1), "flatten"), migration.CreateNode("Agents", ptr(3), "", nil))

	wantNodes := f.nodes(t, 1)
	wantEdges := f.edges(t, 1)

	// overwrite version 1 with version 3 rows, then replay back down
	plan := Plan{From: 3, Target: 1, Migrations: []store.Migration{m3, m2}}
	require.NoError(t, f.repo.Update(context.Background(), func(rw store.ReadWriter) error {
		if _, err := f.exec.CopyForward(rw, 3, 1); err != nil {
			return err
		}
		n, err := f.engine.Restore(context.Background(), rw, plan)
		assert.Positive(t, n)
		return err
	}))

	assert.Equal(t, wantNodes, f.nodes(t, 1))
	assert.Equal(t, wantEdges, f.edges(t, 1))
}

func TestLoadPlan_FetchesSnapshots(t *testing.T) {
	f := newFixture(t)
	f.step(t, 0, 1, migration.CreateNode("Root", nil, "", nil), migration.CreateNode("AI", ptr(1), "", nil))
	f.step(t, 1, 2, migration.CreateNode("RAG", ptr(2), "", nil))
	f.step(t, 2, 3, migration.MoveNode(3, ptr(1), "flatten"))

	require.NoError(t, f.repo.View(context.Background(), func(r store.Reader) error {
		hist, err := r.History()
		require.NoError(t, err)

		plan, err := f.engine.BuildPlan(hist, 3, 1)
		require.NoError(t, err)
		require.NoError(t, f.engine.LoadPlan(r, &plan))

		require.Len(t, plan.Migrations, 2)
		assert.Equal(t, store.Version(3), plan.Migrations[0].ToVersion)
		assert.NotEmpty(t, plan.Migrations[0].Snapshot.Nodes)
		assert.Equal(t, store.Version(2), plan.Migrations[1].ToVersion)

		plan.Steps = append(plan.Steps, store.MigrationHeader{Seq: 99})
		assert.ErrorIs(t, f.engine.LoadPlan(r, &plan), taxerr.ErrStorage)
		return nil
	}))
}

func TestCaptureVersion(t *testing.T) {
	f := newFixture(t)
	f.step(t, 0, 1, migration.CreateNode("Root", nil, "", nil), migration.CreateNode("AI", ptr(1), "", nil))

	require.NoError(t, f.repo.View(context.Background(), func(r store.Reader) error {
		snap, err := f.engine.CaptureVersion(r, 1)
		require.NoError(t, err)
		assert.Equal(t, store.Version(1), snap.Version)
		assert.Equal(t, 3, snap.EntityCount())
		for _, ns := range snap.Nodes {
			assert.True(t, ns.Present)
		}
		return nil
	}))
}

func headers(log []store.Migration) []store.MigrationHeader {
	out := make([]store.MigrationHeader, len(log))
	for i, m := range log {
		out[i] = m.Header()
	}
	return out
}

func TestBuildPlan_FollowsLiveLineage(t *testing.T) {
	e := NewEngine(EstimatorConfig{}, nil)
	ops := func(n int) []store.Operation { return make([]store.Operation, n) }

	// 1 -> 2 -> 3, rollback to 1, then 1 -> 2' -> 3'
	log := []store.Migration{
		{Seq: 1, FromVersion: 0, ToVersion: 1, Kind: store.KindCreateVersion, Operations: ops(2)},
		{Seq: 2, FromVersion: 1, ToVersion: 2, Kind: store.KindCreateVersion, Operations: ops(1)},
		{Seq: 3, FromVersion: 2, ToVersion: 3, Kind: store.KindCreateVersion, Operations: ops(1)},
		{Seq: 4, FromVersion: 3, ToVersion: 1, Kind: store.KindRollback},
		{Seq: 5, FromVersion: 1, ToVersion: 2, Kind: store.KindCreateVersion, Operations: ops(3)},
		{Seq: 6, FromVersion: 2, ToVersion: 3, Kind: store.KindCreateVersion, Operations: ops(4)},
	}

	plan, err := e.BuildPlan(headers(log), 3, 1)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, uint64(6), plan.Steps[0].Seq)
	assert.Equal(t, uint64(5), plan.Steps[1].Seq)
	assert.Empty(t, plan.Migrations)
	assert.Equal(t, 7, plan.OperationCount)
	assert.Equal(t, 30*time.Second+7*500*time.Millisecond, plan.Estimate)
	assert.False(t, plan.RequiresFullRebuild)
	assert.False(t, plan.ExceedsTarget)
}

func TestBuildPlan_InvalidTarget(t *testing.T) {
	e := NewEngine(EstimatorConfig{}, nil)
	log := []store.Migration{
		{Seq: 1, FromVersion: 0, ToVersion: 1, Kind: store.KindCreateVersion},
		{Seq: 2, FromVersion: 1, ToVersion: 2, Kind: store.KindCreateVersion},
	}

	for _, tc := range []struct {
		name            string
		current, target store.Version
	}{
		{"zero", 2, 0},
		{"equal to current", 2, 2},
		{"above current", 2, 5},
		{"off lineage", 4, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.BuildPlan(headers(log), tc.current, tc.target)
			assert.ErrorIs(t, err, taxerr.ErrInvalidTarget)
		})
	}
}

func TestEstimate(t *testing.T) {
	e := NewEngine(DefaultEstimatorConfig(), nil)

	tests := []struct {
		name       string
		migrations int
		ops        int
		want       time.Duration
		full       bool
	}{
		{"single op", 1, 1, 30*time.Second + 500*time.Millisecond, false},
		{"at threshold", 10, 20, 40 * time.Second, false},
		{"above threshold doubles", 11, 20, 80 * time.Second, true},
		{"large", 12, 1800, 2 * (30*time.Second + 900*time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, full := e.Estimate(tt.migrations, tt.ops)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.full, full)
		})
	}
}

func TestBuildPlan_FlagsExceededTarget(t *testing.T) {
	e := NewEngine(EstimatorConfig{}, nil)

	var log []store.Migration
	for v := store.Version(1); v <= 12; v++ {
		log = append(log, store.Migration{
			Seq: uint64(v), FromVersion: v - 1, ToVersion: v,
			Kind: store.KindCreateVersion, Operations: make([]store.Operation, 100),
		})
	}

	plan, err := e.BuildPlan(headers(log), 12, 1)
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 11)
	assert.True(t, plan.RequiresFullRebuild)
	assert.True(t, plan.ExceedsTarget)
	assert.Equal(t, 2*(30*time.Second+1100*500*time.Millisecond), plan.Estimate)
}

func TestGuardMove(t *testing.T) {
	f := newFixture(t)
	f.step(t, 0, 1,
		migration.CreateNode("Root", nil, "", nil),
		migration.CreateNode("AI", ptr(1), "", nil),
		migration.CreateNode("RAG", ptr(2), "", nil),
		migration.CreateNode("ML", ptr(1), "", nil),
	)

	ctx := context.Background()
	require.NoError(t, f.repo.View(ctx, func(r store.Reader) error {
		assert.ErrorIs(t, f.engine.GuardMove(ctx, r, 1, 1, ptr(3)), taxerr.ErrCycleDetected)
		assert.ErrorIs(t, f.engine.GuardMove(ctx, r, 1, 2, ptr(2)), taxerr.ErrCycleDetected)
		assert.NoError(t, f.engine.GuardMove(ctx, r, 1, 3, ptr(4)))
		assert.NoError(t, f.engine.GuardMove(ctx, r, 1, 2, nil))
		return nil
	}))
}
