// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store holds the persisted taxonomy table set: nodes and edges
// scoped by version, the append-only migration log, and the meta pointers
// (current version, id counters).
//
// # Ownership Model
//
// Rows for a committed version are never rewritten in place. A new version is
// produced by copying the previous row set forward and applying operations to
// the copy (see the migration package). The only exception is a version
// number abandoned by a rollback: the next migration that reuses the number
// clears the stale rows first.
//
// # Thread Safety
//
// A Tx is bound to one badger transaction and must not be shared between
// goroutines. Any number of read-only Tx values may be open concurrently with
// one read-write Tx.
package store

import (
	"strings"
	"time"
)

// NodeID identifies a taxonomy node. Ids are allocated monotonically and a
// node keeps its id across versions.
type NodeID uint64

// Version is a taxonomy version number. Zero means "no version".
type Version uint64

// Node is a taxonomy category as it exists in one version.
type Node struct {
	ID            NodeID
	Version       Version
	CanonicalPath []string
	Label         string
	Description   string
	Metadata      map[string]string
	Active        bool
}

// Depth is the number of ancestors on the node's canonical path.
func (n Node) Depth() int {
	return len(n.CanonicalPath) - 1
}

// PathString renders the canonical path for display, e.g. "Root/AI/RAG".
func (n Node) PathString() string {
	return strings.Join(n.CanonicalPath, "/")
}

// PathKey returns a collision-free key for canonical path comparison.
// Labels may contain "/" so PathString is not suitable for equality checks.
func (n Node) PathKey() string {
	return strings.Join(n.CanonicalPath, "\x00")
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	c := n
	c.CanonicalPath = append([]string(nil), n.CanonicalPath...)
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Edge is a directed parent → child relationship within one version.
type Edge struct {
	Version Version
	Parent  NodeID
	Child   NodeID
}

// MigrationKind distinguishes forward migrations from rollbacks.
type MigrationKind string

const (
	KindCreateVersion MigrationKind = "create-version"
	KindRollback      MigrationKind = "rollback"
)

// ChangeKind classifies a forward migration. Version numbers advance by one
// regardless of kind; the kind is recorded for history and reporting.
type ChangeKind string

const (
	ChangeMajor ChangeKind = "major"
	ChangeMinor ChangeKind = "minor"
	ChangePatch ChangeKind = "patch"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeMajor, ChangeMinor, ChangePatch:
		return true
	}
	return false
}

// OperationType names a typed migration operation.
type OperationType string

const (
	OpCreateNode OperationType = "CREATE_NODE"
	OpMoveNode   OperationType = "MOVE_NODE"
)

// Operation is one step of a migration.
//
// CREATE_NODE uses Name, ParentID, Description and Metadata; NodeID is filled
// in with the allocated id when the operation is applied. MOVE_NODE uses
// NodeID, ParentID (nil detaches to root) and Reason.
type Operation struct {
	Type        OperationType
	NodeID      NodeID
	Name        string
	ParentID    *NodeID
	Description string
	Metadata    map[string]string
	Reason      string
}

// NodeState is the captured pre-change state of one node. Present is false
// when the node did not exist before the migration (it was created by it).
type NodeState struct {
	Node    Node
	Present bool
}

// EdgeState is the captured pre-change state of one edge.
type EdgeState struct {
	Edge    Edge
	Present bool
}

// Snapshot is the rollback data of a migration: the state, at Version, of
// every entity the migration touched.
type Snapshot struct {
	Version Version
	Nodes   []NodeState
	Edges   []EdgeState
}

// EntityCount returns the number of captured entities.
func (s Snapshot) EntityCount() int {
	return len(s.Nodes) + len(s.Edges)
}

// Migration is a permanent record of one transition between versions.
// Migrations are written once and never modified.
type Migration struct {
	Seq         uint64
	ID          string
	FromVersion Version
	ToVersion   Version
	Kind        MigrationKind
	Change      ChangeKind
	Operations  []Operation
	Snapshot    Snapshot
	Description string
	PerformedBy string
	AppliedAt   time.Time
}

// MigrationHeader is the summary of a migration without its operations and
// snapshot. Headers are stored alongside the full records so history and
// rollback planning never decode snapshots.
type MigrationHeader struct {
	Seq            uint64
	ID             string
	FromVersion    Version
	ToVersion      Version
	Kind           MigrationKind
	Change         ChangeKind
	OperationCount int
	Description    string
	PerformedBy    string
	AppliedAt      time.Time
}

// Header returns the summary of m.
func (m Migration) Header() MigrationHeader {
	return MigrationHeader{
		Seq:            m.Seq,
		ID:             m.ID,
		FromVersion:    m.FromVersion,
		ToVersion:      m.ToVersion,
		Kind:           m.Kind,
		Change:         m.Change,
		OperationCount: len(m.Operations),
		Description:    m.Description,
		PerformedBy:    m.PerformedBy,
		AppliedAt:      m.AppliedAt,
	}
}
