// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	taxbadger "github.com/AleutianAI/taxonomy/services/taxonomy/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := taxbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db)
}

func TestRepository_NodesAndEdgesScopedByVersion(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	err := repo.Update(ctx, func(rw ReadWriter) error {
		for _, n := range []Node{
			{ID: 1, Version: 1, CanonicalPath: []string{"Root"}, Label: "Root", Active: true},
			{ID: 2, Version: 1, CanonicalPath: []string{"Root", "AI"}, Label: "AI", Active: true},
			{ID: 1, Version: 2, CanonicalPath: []string{"Root"}, Label: "Root", Active: true},
		} {
			if err := rw.PutNode(n); err != nil {
				return err
			}
		}
		return rw.PutEdge(Edge{Version: 1, Parent: 1, Child: 2})
	})
	require.NoError(t, err)

	err = repo.View(ctx, func(r Reader) error {
		v1, err := r.Nodes(1)
		require.NoError(t, err)
		assert.Len(t, v1, 2)
		assert.Equal(t, NodeID(1), v1[0].ID)
		assert.Equal(t, []string{"Root", "AI"}, v1[1].CanonicalPath)

		v2, err := r.Nodes(2)
		require.NoError(t, err)
		assert.Len(t, v2, 1)

		edges, err := r.Edges(1)
		require.NoError(t, err)
		assert.Equal(t, []Edge{{Version: 1, Parent: 1, Child: 2}}, edges)

		edges2, err := r.Edges(2)
		require.NoError(t, err)
		assert.Empty(t, edges2)

		n, ok, err := r.Node(1, 2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "AI", n.Label)

		_, ok, err = r.Node(2, 2)
		require.NoError(t, err)
		assert.False(t, ok)

		has, err := r.HasVersion(2)
		require.NoError(t, err)
		assert.True(t, has)

		has, err = r.HasVersion(3)
		require.NoError(t, err)
		assert.False(t, has)
		return nil
	})
	require.NoError(t, err)
}

func TestRepository_CountersAdvanceOnlyOnCommit(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	var first NodeID
	require.NoError(t, repo.Update(ctx, func(rw ReadWriter) error {
		id, err := rw.NextNodeID()
		first = id
		return err
	}))
	assert.Equal(t, NodeID(1), first)

	abort := errors.New("abort")
	err := repo.Update(ctx, func(rw ReadWriter) error {
		if _, err := rw.NextNodeID(); err != nil {
			return err
		}
		if err := rw.SetCurrentVersion(9); err != nil {
			return err
		}
		return abort
	})
	assert.ErrorIs(t, err, abort)

	var next NodeID
	require.NoError(t, repo.Update(ctx, func(rw ReadWriter) error {
		id, err := rw.NextNodeID()
		next = id
		return err
	}))
	assert.Equal(t, NodeID(2), next)

	require.NoError(t, repo.View(ctx, func(r Reader) error {
		v, err := r.CurrentVersion()
		assert.Equal(t, Version(0), v)
		return err
	}))
}

func TestRepository_MigrationLogIsAppendOnly(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	parent := NodeID(1)

	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.Update(ctx, func(rw ReadWriter) error {
			return rw.AppendMigration(&Migration{
				ID:          "m",
				FromVersion: Version(i - 1),
				ToVersion:   Version(i),
				Kind:        KindCreateVersion,
				Operations:  []Operation{{Type: OpCreateNode, Name: "X", ParentID: &parent}},
				Snapshot:    Snapshot{Version: Version(i - 1), Nodes: []NodeState{{Node: Node{ID: 5}}}},
				PerformedBy: "test",
				AppliedAt:   time.Unix(int64(i), 0).UTC(),
			})
		}))
	}

	require.NoError(t, repo.View(ctx, func(r Reader) error {
		migrations, err := r.Migrations()
		require.NoError(t, err)
		require.Len(t, migrations, 3)
		for i, m := range migrations {
			assert.Equal(t, uint64(i+1), m.Seq)
			assert.Equal(t, Version(i+1), m.ToVersion)
			require.NotNil(t, m.Operations[0].ParentID)
			assert.Equal(t, parent, *m.Operations[0].ParentID)
			assert.False(t, m.Snapshot.Nodes[0].Present)
		}

		headers, err := r.History()
		require.NoError(t, err)
		require.Len(t, headers, 3)
		for i, h := range headers {
			assert.Equal(t, migrations[i].Header(), h)
			assert.Equal(t, 1, h.OperationCount)
		}

		m, ok, err := r.Migration(2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, Version(2), m.ToVersion)
		assert.Len(t, m.Snapshot.Nodes, 1)

		_, ok, err = r.Migration(9)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestRepository_ClearVersion(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Update(ctx, func(rw ReadWriter) error {
		for v := Version(1); v <= 2; v++ {
			if err := rw.PutNode(Node{ID: 1, Version: v, CanonicalPath: []string{"Root"}, Label: "Root"}); err != nil {
				return err
			}
			if err := rw.PutNode(Node{ID: 2, Version: v, CanonicalPath: []string{"Root", "A"}, Label: "A"}); err != nil {
				return err
			}
			if err := rw.PutEdge(Edge{Version: v, Parent: 1, Child: 2}); err != nil {
				return err
			}
		}
		return nil
	}))

	var removed int
	require.NoError(t, repo.Update(ctx, func(rw ReadWriter) error {
		var err error
		removed, err = rw.ClearVersion(2)
		return err
	}))
	assert.Equal(t, 3, removed)

	require.NoError(t, repo.View(ctx, func(r Reader) error {
		has, err := r.HasVersion(2)
		require.NoError(t, err)
		assert.False(t, has)

		nodes, err := r.Nodes(1)
		require.NoError(t, err)
		assert.Len(t, nodes, 2)
		return nil
	}))
}

func TestTx_ReadOnlyRejectsWrites(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.View(context.Background(), func(r Reader) error {
		return r.(*Tx).SetCurrentVersion(1)
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestDecode_DetectsCorruption(t *testing.T) {
	data, err := encode(&Node{ID: 3, Label: "X"})
	require.NoError(t, err)

	data[len(data)-1] ^= 0xFF
	var n Node
	assert.ErrorIs(t, decode(data, &n), ErrCorrupted)
	assert.ErrorIs(t, decode([]byte{1, 2}, &n), ErrCorrupted)
}

func TestNode_Helpers(t *testing.T) {
	n := Node{CanonicalPath: []string{"Root", "AI", "RAG"}, Label: "RAG", Metadata: map[string]string{"k": "v"}}

	assert.Equal(t, 2, n.Depth())
	assert.Equal(t, "Root/AI/RAG", n.PathString())
	assert.NotEqual(t, Node{CanonicalPath: []string{"Root/AI", "RAG"}}.PathKey(), n.PathKey())

	c := n.Clone()
	c.CanonicalPath[0] = "Other"
	c.Metadata["k"] = "changed"
	assert.Equal(t, "Root", n.CanonicalPath[0])
	assert.Equal(t, "v", n.Metadata["k"])
}
