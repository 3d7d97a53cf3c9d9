// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag builds an in-memory directed graph from one taxonomy version and
// runs the structural checks over it: cycle detection, root counting, weak
// connectivity, label/path consistency and canonical path uniqueness.
//
// # Thread Safety
//
// A Graph is immutable after Build returns and may be read from multiple
// goroutines.
package dag

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
)

// Graph is an adjacency-list view of one version.
type Graph struct {
	version  store.Version
	nodes    map[store.NodeID]store.Node
	order    []store.NodeID
	children map[store.NodeID][]store.NodeID
	parents  map[store.NodeID][]store.NodeID
	edges    int

	// dangling holds edges whose parent or child is not a node of the version.
	dangling []store.Edge
}

// Build assembles a graph from a version's nodes and edges.
func Build(v store.Version, nodes []store.Node, edges []store.Edge) *Graph {
	g := &Graph{
		version:  v,
		nodes:    make(map[store.NodeID]store.Node, len(nodes)),
		order:    make([]store.NodeID, 0, len(nodes)),
		children: make(map[store.NodeID][]store.NodeID),
		parents:  make(map[store.NodeID][]store.NodeID),
	}
	for _, n := range nodes {
		if _, dup := g.nodes[n.ID]; !dup {
			g.order = append(g.order, n.ID)
		}
		g.nodes[n.ID] = n
	}
	sort.Slice(g.order, func(i, j int) bool { return g.order[i] < g.order[j] })

	for _, e := range edges {
		_, okParent := g.nodes[e.Parent]
		_, okChild := g.nodes[e.Child]
		if !okParent || !okChild {
			g.dangling = append(g.dangling, e)
			continue
		}
		g.children[e.Parent] = append(g.children[e.Parent], e.Child)
		g.parents[e.Child] = append(g.parents[e.Child], e.Parent)
		g.edges++
	}
	for _, list := range g.children {
		sortIDs(list)
	}
	for _, list := range g.parents {
		sortIDs(list)
	}
	return g
}

// Load reads version v through r and builds its graph.
func Load(r store.Reader, v store.Version) (*Graph, error) {
	nodes, err := r.Nodes(v)
	if err != nil {
		return nil, fmt.Errorf("load nodes of version %d: %w", v, err)
	}
	edges, err := r.Edges(v)
	if err != nil {
		return nil, fmt.Errorf("load edges of version %d: %w", v, err)
	}
	return Build(v, nodes, edges), nil
}

func sortIDs(ids []store.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// Version returns the version the graph was built from.
func (g *Graph) Version() store.Version { return g.version }

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.order) }

// EdgeCount returns the number of edges between existing nodes.
func (g *Graph) EdgeCount() int { return g.edges }

// Node returns the node with id.
func (g *Graph) Node(id store.NodeID) (store.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// IDs returns node ids in ascending order.
func (g *Graph) IDs() []store.NodeID {
	return append([]store.NodeID(nil), g.order...)
}

// Children returns the children of id in ascending id order.
func (g *Graph) Children(id store.NodeID) []store.NodeID {
	return append([]store.NodeID(nil), g.children[id]...)
}

// Parents returns the parents of id in ascending id order.
func (g *Graph) Parents(id store.NodeID) []store.NodeID {
	return append([]store.NodeID(nil), g.parents[id]...)
}

// Roots returns the nodes with no incoming edge in ascending id order.
func (g *Graph) Roots() []store.NodeID {
	var roots []store.NodeID
	for _, id := range g.order {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

const (
	white = iota
	gray
	black
)

// Cycles returns one node sequence per back edge found by an iterative
// three-colour depth-first search. Each sequence starts at the node the back
// edge points to and follows child edges around the cycle.
func (g *Graph) Cycles() [][]store.NodeID {
	color := make(map[store.NodeID]int, len(g.order))
	var cycles [][]store.NodeID

	type frame struct {
		id   store.NodeID
		next int
	}

	for _, start := range g.order {
		if color[start] != white {
			continue
		}
		stack := []frame{{id: start}}
		color[start] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			kids := g.children[top.id]
			if top.next >= len(kids) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			child := kids[top.next]
			top.next++

			switch color[child] {
			case white:
				color[child] = gray
				stack = append(stack, frame{id: child})
			case gray:
				// back edge: the cycle is the stack suffix starting at child
				var cycle []store.NodeID
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i].id == child {
						for _, f := range stack[i:] {
							cycle = append(cycle, f.id)
						}
						break
					}
				}
				cycles = append(cycles, cycle)
			}
		}
	}
	return cycles
}

// HasCycle reports whether the graph contains any cycle.
func (g *Graph) HasCycle() bool {
	return len(g.Cycles()) > 0
}

// Components returns the weakly connected components, each sorted by id,
// ordered by their smallest id. Uses union-find with path halving.
func (g *Graph) Components() [][]store.NodeID {
	parent := make(map[store.NodeID]store.NodeID, len(g.order))
	for _, id := range g.order {
		parent[id] = id
	}

	var find func(store.NodeID) store.NodeID
	find = func(x store.NodeID) store.NodeID {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b store.NodeID) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	for p, kids := range g.children {
		for _, c := range kids {
			union(p, c)
		}
	}

	groups := make(map[store.NodeID][]store.NodeID)
	var reps []store.NodeID
	for _, id := range g.order {
		r := find(id)
		if _, seen := groups[r]; !seen {
			reps = append(reps, r)
		}
		groups[r] = append(groups[r], id)
	}
	sortIDs(reps)

	out := make([][]store.NodeID, 0, len(reps))
	for _, r := range reps {
		out = append(out, groups[r])
	}
	return out
}

// Reachable reports whether a directed path from → … → to exists.
// A node is reachable from itself.
func (g *Graph) Reachable(from, to store.NodeID) bool {
	if from == to {
		return true
	}
	seen := map[store.NodeID]bool{from: true}
	queue := []store.NodeID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range g.children[cur] {
			if c == to {
				return true
			}
			if !seen[c] {
				seen[c] = true
				queue = append(queue, c)
			}
		}
	}
	return false
}

// Ancestry returns the nodes from a root down to id by following the first
// parent at each step. ok is false if id is not a node of the graph.
func (g *Graph) Ancestry(id store.NodeID) (path []store.Node, ok bool) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}

	seen := map[store.NodeID]bool{id: true}
	path = []store.Node{n}
	cur := id
	for {
		ps := g.parents[cur]
		if len(ps) == 0 || seen[ps[0]] {
			break
		}
		cur = ps[0]
		seen[cur] = true
		path = append(path, g.nodes[cur])
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, true
}
