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
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
)

// ValidationResult is the outcome of validating one version.
//
// IsValid is true iff no cycle was found and Errors is empty. Warnings never
// affect validity.
type ValidationResult struct {
	Version       store.Version    `json:"version" yaml:"version"`
	IsValid       bool             `json:"is_valid" yaml:"is_valid"`
	Errors        []string         `json:"errors" yaml:"errors"`
	Warnings      []string         `json:"warnings" yaml:"warnings"`
	Cycles        [][]store.NodeID `json:"cycles" yaml:"cycles"`
	OrphanedNodes []store.NodeID   `json:"orphaned_nodes" yaml:"orphaned_nodes"`
	NodeCount     int              `json:"node_count" yaml:"node_count"`
	EdgeCount     int              `json:"edge_count" yaml:"edge_count"`
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate loads version v through r and checks it.
func Validate(ctx context.Context, r store.Reader, v store.Version) (ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return ValidationResult{Version: v}, err
	}
	g, err := Load(r, v)
	if err != nil {
		return ValidationResult{Version: v}, err
	}
	return Check(ctx, g)
}

// Check runs the structural checks over g in a fixed order: cycles, root
// count, weak connectivity, label/path consistency, path uniqueness.
//
// Returns ctx.Err() if the context is cancelled between phases.
func Check(ctx context.Context, g *Graph) (ValidationResult, error) {
	res := ValidationResult{
		Version:   g.Version(),
		NodeCount: g.NodeCount(),
		EdgeCount: g.EdgeCount(),
	}

	if g.NodeCount() == 0 {
		res.addError("version %d has no nodes", g.Version())
		return res, nil
	}

	for _, e := range g.dangling {
		res.addError("edge %d -> %d references a node missing from version %d", e.Parent, e.Child, e.Version)
	}

	// cycles
	for _, c := range g.Cycles() {
		res.Cycles = append(res.Cycles, c)
		res.addError("cycle detected: %s", formatCycle(c))
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	// roots
	roots := g.Roots()
	switch {
	case len(roots) == 0:
		res.addError("no root node: every node has an incoming edge")
	case len(roots) > 1:
		res.OrphanedNodes = append(res.OrphanedNodes, roots[1:]...)
		res.addWarning("multiple root nodes found (%d); orphaned: %s", len(roots), formatIDs(roots[1:]))
	}

	// connectivity
	if comps := g.Components(); len(comps) > 1 {
		res.addWarning("taxonomy is not weakly connected: %d components", len(comps))
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	// label and path consistency
	byPath := make(map[string][]store.NodeID, g.NodeCount())
	for _, id := range g.order {
		n := g.nodes[id]
		if len(n.CanonicalPath) == 0 {
			res.addError("node %d (%q) has an empty canonical path", n.ID, n.Label)
			continue
		}
		if last := n.CanonicalPath[len(n.CanonicalPath)-1]; last != n.Label {
			res.addError("node %d label %q does not match last path segment %q", n.ID, n.Label, last)
		}
		for _, p := range g.parents[id] {
			if !isStrictPrefix(g.nodes[p].CanonicalPath, n.CanonicalPath) {
				res.addWarning("node %d path %q is not under parent %d path %q",
					n.ID, n.PathString(), p, g.nodes[p].PathString())
			}
		}
		byPath[n.PathKey()] = append(byPath[n.PathKey()], id)
	}

	// path uniqueness
	for _, id := range g.order {
		n := g.nodes[id]
		ids := byPath[n.PathKey()]
		if len(ids) > 1 && ids[0] == id {
			res.addError("duplicate canonical path %q shared by nodes %s", n.PathString(), formatIDs(ids))
		}
	}

	res.IsValid = len(res.Cycles) == 0 && len(res.Errors) == 0
	return res, nil
}

func isStrictPrefix(prefix, path []string) bool {
	if len(prefix) >= len(path) {
		return false
	}
	for i := range prefix {
		if prefix[i] != path[i] {
			return false
		}
	}
	return true
}

func formatIDs(ids []store.NodeID) string {
	return "[" + joinIDs(ids, ", ") + "]"
}

// formatCycle renders a cycle closed back on its first node, e.g. 1 -> 2 -> 1.
func formatCycle(ids []store.NodeID) string {
	if len(ids) == 0 {
		return ""
	}
	return joinIDs(append(append([]store.NodeID(nil), ids...), ids[0]), " -> ")
}

func joinIDs(ids []store.NodeID, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, sep)
}
