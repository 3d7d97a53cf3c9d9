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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/taxonomy/services/taxonomy/dag"
	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraph() *dag.Graph {
	mk := func(id store.NodeID, path ...string) store.Node {
		return store.Node{ID: id, Version: 2, CanonicalPath: path, Label: path[len(path)-1], Active: true}
	}
	nodes := []store.Node{
		mk(1, "Root"),
		mk(2, "Root", "AI"),
		mk(3, "Root", "AI", "RAG"),
		mk(4, "Root", "AI", "Agents"),
		mk(5, "Root", "Data"),
	}
	edges := []store.Edge{
		{Version: 2, Parent: 1, Child: 5},
		{Version: 2, Parent: 1, Child: 2},
		{Version: 2, Parent: 2, Child: 3},
		{Version: 2, Parent: 2, Child: 4},
	}
	return dag.Build(2, nodes, edges)
}

func TestBuildTree(t *testing.T) {
	tree := BuildTree(testGraph())

	assert.Equal(t, store.Version(2), tree.Version)
	assert.Equal(t, 5, tree.TotalNodes)
	assert.Equal(t, 2, tree.MaxDepth)
	require.Len(t, tree.Roots, 1)

	root := tree.Roots[0]
	assert.Equal(t, "Root", root.Label)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "AI", root.Children[0].Label)
	assert.Equal(t, "Data", root.Children[1].Label)

	ai := root.Children[0]
	require.Len(t, ai.Children, 2)
	assert.Equal(t, "Agents", ai.Children[0].Label)
	assert.Equal(t, "RAG", ai.Children[1].Label)
	assert.Equal(t, []string{"Root", "AI", "RAG"}, ai.Children[1].Path)
	assert.Equal(t, 2, ai.Children[1].Depth)

	var visited []string
	tree.Walk(func(n *TreeNode) bool {
		visited = append(visited, n.Label)
		return n.Label != "AI"
	})
	assert.Equal(t, []string{"Root", "AI", "Data"}, visited)
}

func TestTreeCache_HitMissInvalidate(t *testing.T) {
	c := New()
	ctx := context.Background()
	var builds atomic.Int32
	load := func(ctx context.Context, v store.Version) (*Tree, error) {
		builds.Add(1)
		return &Tree{Version: v}, nil
	}

	t1, err := c.Get(ctx, 2, load)
	require.NoError(t, err)
	t2, err := c.Get(ctx, 2, load)
	require.NoError(t, err)
	assert.Same(t, t1, t2)
	assert.Equal(t, int32(1), builds.Load())

	c.Invalidate(ctx)
	t3, err := c.Get(ctx, 2, load)
	require.NoError(t, err)
	assert.NotSame(t, t1, t3)
	assert.Equal(t, int32(2), builds.Load())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(1), stats.Invalidations)
}

func TestTreeCache_ErrorsAreNotCached(t *testing.T) {
	c := New()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := c.Get(ctx, 1, func(context.Context, store.Version) (*Tree, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Stats().Entries)

	tree, err := c.Get(ctx, 1, func(_ context.Context, v store.Version) (*Tree, error) { return &Tree{Version: v}, nil })
	require.NoError(t, err)
	assert.Equal(t, store.Version(1), tree.Version)
}

func TestTreeCache_ConcurrentMissesShareOneBuild(t *testing.T) {
	c := New()
	ctx := context.Background()
	var builds atomic.Int32
	release := make(chan struct{})
	load := func(_ context.Context, v store.Version) (*Tree, error) {
		builds.Add(1)
		<-release
		return &Tree{Version: v}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Tree, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tree, err := c.Get(ctx, 3, load)
			assert.NoError(t, err)
			results[i] = tree
		}(i)
	}

	// let every goroutine reach the flight before releasing the build
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestTreeCache_CancelledCallerDoesNotFailSharedBuild(t *testing.T) {
	c := New()
	var builds atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context, v store.Version) (*Tree, error) {
		builds.Add(1)
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &Tree{Version: v}, nil
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(first, 4, load)
		firstErr <- err
	}()
	<-started

	var second *Tree
	var secondErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		second, secondErr = c.Get(context.Background(), 4, load)
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	// let the second caller join the flight before releasing the build
	time.Sleep(50 * time.Millisecond)
	close(release)
	<-done

	require.NoError(t, secondErr)
	assert.Equal(t, store.Version(4), second.Version)
	assert.Equal(t, int32(1), builds.Load())
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestTreeCache_BuildStartedBeforeInvalidateIsNotStored(t *testing.T) {
	c := New()
	ctx := context.Background()

	_, err := c.Get(ctx, 1, func(ctx context.Context, v store.Version) (*Tree, error) {
		c.Invalidate(ctx)
		return &Tree{Version: v}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, c.Stats().Entries)
}
