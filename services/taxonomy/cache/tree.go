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
	"sort"

	"github.com/AleutianAI/taxonomy/services/taxonomy/dag"
	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
)

// TreeNode is one node of the hierarchical view. A node with several parents
// appears under each of them.
type TreeNode struct {
	ID          store.NodeID      `json:"id" yaml:"id"`
	Label       string            `json:"label" yaml:"label"`
	Path        []string          `json:"path" yaml:"path"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Active      bool              `json:"active" yaml:"active"`
	Depth       int               `json:"depth" yaml:"depth"`
	Children    []*TreeNode       `json:"children,omitempty" yaml:"children,omitempty"`
}

// Tree is the hierarchical view of one version.
//
// Trees handed out by TreeCache are shared between callers and must be
// treated as read-only.
type Tree struct {
	Version    store.Version `json:"version" yaml:"version"`
	Roots      []*TreeNode   `json:"roots" yaml:"roots"`
	TotalNodes int           `json:"total_nodes" yaml:"total_nodes"`
	MaxDepth   int           `json:"max_depth" yaml:"max_depth"`
}

// BuildTree renders g as a tree rooted at its zero in-degree nodes. Siblings
// are ordered by label, then id.
func BuildTree(g *dag.Graph) *Tree {
	t := &Tree{Version: g.Version(), TotalNodes: g.NodeCount()}

	for _, id := range g.IDs() {
		if n, _ := g.Node(id); n.Depth() > t.MaxDepth {
			t.MaxDepth = n.Depth()
		}
	}

	onPath := make(map[store.NodeID]bool)
	var build func(id store.NodeID) *TreeNode
	build = func(id store.NodeID) *TreeNode {
		n, _ := g.Node(id)
		tn := &TreeNode{
			ID:          n.ID,
			Label:       n.Label,
			Path:        append([]string(nil), n.CanonicalPath...),
			Description: n.Description,
			Metadata:    n.Metadata,
			Active:      n.Active,
			Depth:       n.Depth(),
		}
		onPath[id] = true
		for _, c := range sortedChildren(g, id) {
			if onPath[c] {
				continue
			}
			tn.Children = append(tn.Children, build(c))
		}
		onPath[id] = false
		return tn
	}

	for _, r := range sortedByLabel(g, g.Roots()) {
		t.Roots = append(t.Roots, build(r))
	}
	return t
}

func sortedChildren(g *dag.Graph, id store.NodeID) []store.NodeID {
	return sortedByLabel(g, g.Children(id))
}

func sortedByLabel(g *dag.Graph, ids []store.NodeID) []store.NodeID {
	sort.SliceStable(ids, func(i, j int) bool {
		a, _ := g.Node(ids[i])
		b, _ := g.Node(ids[j])
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.ID < b.ID
	})
	return ids
}

// Walk calls fn for every node in depth-first order. Returning false from fn
// skips that node's children.
func (t *Tree) Walk(fn func(n *TreeNode) bool) {
	var visit func(n *TreeNode)
	visit = func(n *TreeNode) {
		if !fn(n) {
			return
		}
		for _, c := range n.Children {
			visit(c)
		}
	}
	for _, r := range t.Roots {
		visit(r)
	}
}
