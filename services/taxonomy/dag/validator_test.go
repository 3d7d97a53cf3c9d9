// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"testing"

	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id store.NodeID, path ...string) store.Node {
	return store.Node{ID: id, Version: 1, CanonicalPath: path, Label: path[len(path)-1], Active: true}
}

func edge(parent, child store.NodeID) store.Edge {
	return store.Edge{Version: 1, Parent: parent, Child: child}
}

// Root -> AI -> RAG, AI -> Agents
func sampleGraph() ([]store.Node, []store.Edge) {
	nodes := []store.Node{
		node(1, "Root"),
		node(2, "Root", "AI"),
		node(3, "Root", "AI", "RAG"),
		node(4, "Root", "AI", "Agents"),
	}
	edges := []store.Edge{edge(1, 2), edge(2, 3), edge(2, 4)}
	return nodes, edges
}

func TestCheck_ValidTree(t *testing.T) {
	nodes, edges := sampleGraph()

	res, err := Check(context.Background(), Build(1, nodes, edges))
	require.NoError(t, err)

	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
	assert.Empty(t, res.Cycles)
	assert.Empty(t, res.OrphanedNodes)
	assert.Equal(t, 4, res.NodeCount)
	assert.Equal(t, 3, res.EdgeCount)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(nodes []store.Node, edges []store.Edge) ([]store.Node, []store.Edge)
		valid        bool
		errors       int
		warnings     int
		cycles       int
		orphaned     []store.NodeID
		errorSubstr  string
		warningSubst string
	}{
		{
			name: "cycle",
			mutate: func(n []store.Node, e []store.Edge) ([]store.Node, []store.Edge) {
				return n, append(e, edge(3, 2))
			},
			valid:       false,
			cycles:      1,
			errors:      1,
			errorSubstr: "cycle detected: 2 -> 3 -> 2",
			// 3 now has AI as child while its path is not a prefix of AI's
			warnings: 1,
		},
		{
			name: "extra root",
			mutate: func(n []store.Node, e []store.Edge) ([]store.Node, []store.Edge) {
				return append(n, node(5, "Loose")), e
			},
			valid:        true,
			warnings:     2,
			orphaned:     []store.NodeID{5},
			warningSubst: "multiple root nodes",
		},
		{
			name: "label mismatch",
			mutate: func(n []store.Node, e []store.Edge) ([]store.Node, []store.Edge) {
				n[3].Label = "Agent"
				return n, e
			},
			valid:       false,
			errors:      1,
			errorSubstr: `label "Agent" does not match`,
		},
		{
			name: "duplicate path",
			mutate: func(n []store.Node, e []store.Edge) ([]store.Node, []store.Edge) {
				return append(n, node(5, "Root", "AI", "RAG")), append(e, edge(2, 5))
			},
			valid:       false,
			errors:      1,
			errorSubstr: "duplicate canonical path",
		},
		{
			name: "stale descendant path",
			mutate: func(n []store.Node, e []store.Edge) ([]store.Node, []store.Edge) {
				n[2].CanonicalPath = []string{"Root", "Old", "RAG"}
				return n, e
			},
			valid:        true,
			warnings:     1,
			warningSubst: "is not under parent",
		},
		{
			name: "dangling edge",
			mutate: func(n []store.Node, e []store.Edge) ([]store.Node, []store.Edge) {
				return n, append(e, edge(2, 99))
			},
			valid:       false,
			errors:      1,
			errorSubstr: "missing from version 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes, edges := tt.mutate(sampleGraph())

			res, err := Check(context.Background(), Build(1, nodes, edges))
			require.NoError(t, err)

			assert.Equal(t, tt.valid, res.IsValid)
			assert.Len(t, res.Errors, tt.errors, "errors: %v", res.Errors)
			assert.Len(t, res.Warnings, tt.warnings, "warnings: %v", res.Warnings)
			assert.Len(t, res.Cycles, tt.cycles)
			assert.Equal(t, tt.orphaned, res.OrphanedNodes)
			if tt.errorSubstr != "" {
				assert.Contains(t, res.Errors[0], tt.errorSubstr)
			}
			if tt.warningSubst != "" {
				assert.Contains(t, res.Warnings[0], tt.warningSubst)
			}
		})
	}
}

func TestCheck_EmptyVersion(t *testing.T) {
	res, err := Check(context.Background(), Build(7, nil, nil))
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, []string{"version 7 has no nodes"}, res.Errors)
}

func TestCheck_Cancelled(t *testing.T) {
	nodes, edges := sampleGraph()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Check(ctx, Build(1, nodes, edges))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGraph_Cycles_SelfLoopAndLongCycle(t *testing.T) {
	nodes := []store.Node{node(1, "A"), node(2, "A", "B"), node(3, "A", "B", "C"), node(4, "D")}
	edges := []store.Edge{edge(1, 2), edge(2, 3), edge(3, 1), edge(4, 4)}

	cycles := Build(1, nodes, edges).Cycles()
	require.Len(t, cycles, 2)
	assert.Equal(t, []store.NodeID{1, 2, 3}, cycles[0])
	assert.Equal(t, []store.NodeID{4}, cycles[1])
}

func TestGraph_Cycles_DiamondIsAcyclic(t *testing.T) {
	nodes := []store.Node{node(1, "A"), node(2, "A", "B"), node(3, "A", "C"), node(4, "A", "B", "D")}
	edges := []store.Edge{edge(1, 2), edge(1, 3), edge(2, 4), edge(3, 4)}

	assert.False(t, Build(1, nodes, edges).HasCycle())
}

func TestGraph_Components(t *testing.T) {
	nodes := []store.Node{node(1, "A"), node(2, "A", "B"), node(3, "C"), node(4, "C", "D"), node(5, "E")}
	edges := []store.Edge{edge(1, 2), edge(4, 3)}

	comps := Build(1, nodes, edges).Components()
	assert.Equal(t, [][]store.NodeID{{1, 2}, {3, 4}, {5}}, comps)
}

func TestGraph_Reachable(t *testing.T) {
	nodes, edges := sampleGraph()
	g := Build(1, nodes, edges)

	assert.True(t, g.Reachable(1, 3))
	assert.True(t, g.Reachable(2, 2))
	assert.False(t, g.Reachable(3, 1))
	assert.False(t, g.Reachable(3, 4))
}

func TestGraph_Ancestry(t *testing.T) {
	nodes, edges := sampleGraph()
	g := Build(1, nodes, edges)

	path, ok := g.Ancestry(3)
	require.True(t, ok)
	labels := make([]string, len(path))
	for i, n := range path {
		labels[i] = n.Label
	}
	assert.Equal(t, []string{"Root", "AI", "RAG"}, labels)

	_, ok = g.Ancestry(42)
	assert.False(t, ok)
}

func TestGraph_AncestryStopsOnCycle(t *testing.T) {
	nodes := []store.Node{node(1, "A"), node(2, "A", "B")}
	edges := []store.Edge{edge(1, 2), edge(2, 1)}

	path, ok := Build(1, nodes, edges).Ancestry(2)
	require.True(t, ok)
	assert.Len(t, path, 2)
}
