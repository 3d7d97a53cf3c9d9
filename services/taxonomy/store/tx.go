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
	"fmt"
	"sort"

	taxbadger "github.com/AleutianAI/taxonomy/services/taxonomy/storage/badger"
	"github.com/dgraph-io/badger/v4"
)

// ErrReadOnly is returned when a write is attempted through a read-only Tx.
var ErrReadOnly = errors.New("transaction is read-only")

// Reader is the read side of the table set. All reads are scoped by version.
type Reader interface {
	// CurrentVersion returns the committed current-version pointer (0 if none).
	CurrentVersion() (Version, error)

	// HasVersion reports whether any node row exists for v.
	HasVersion(v Version) (bool, error)

	// Node returns the node with id in version v. ok is false if it does not exist.
	Node(v Version, id NodeID) (node Node, ok bool, err error)

	// Nodes returns every node of version v ordered by id.
	Nodes(v Version) ([]Node, error)

	// Edges returns every edge of version v ordered by (parent, child).
	Edges(v Version) ([]Edge, error)

	// Migrations returns the full migration log in append order.
	Migrations() ([]Migration, error)

	// History returns the migration headers in append order without
	// decoding operations or snapshots.
	History() ([]MigrationHeader, error)

	// Migration returns the full record with sequence seq.
	Migration(seq uint64) (m Migration, ok bool, err error)
}

// ReadWriter adds the writes issued while building a version.
type ReadWriter interface {
	Reader

	SetCurrentVersion(v Version) error
	NextNodeID() (NodeID, error)
	PutNode(n Node) error
	DeleteNode(v Version, id NodeID) error
	PutEdge(e Edge) error
	DeleteEdge(v Version, parent, child NodeID) error

	// ClearVersion deletes every node and edge row of v and returns the
	// number of rows removed.
	ClearVersion(v Version) (int, error)

	// AppendMigration assigns m.Seq and writes the record and its header.
	AppendMigration(m *Migration) error
}

// Tx is a typed view over one badger transaction.
type Tx struct {
	txn      *badger.Txn
	writable bool
}

var _ ReadWriter = (*Tx)(nil)

// NewTx wraps txn. writable must match how txn was opened.
func NewTx(txn *badger.Txn, writable bool) *Tx {
	return &Tx{txn: txn, writable: writable}
}

func (t *Tx) getUint(key []byte) (uint64, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	return decodeUint(val)
}

func (t *Tx) set(key, val []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	if err := t.txn.Set(key, val); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (t *Tx) del(key []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	if err := t.txn.Delete(key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// scan calls fn with the value of every key under prefix, in key order.
func (t *Tx) scan(prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read %s: %w", item.Key(), err)
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

// keys returns every key under prefix without fetching values.
func (t *Tx) keys(prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, it.Item().KeyCopy(nil))
	}
	return out, nil
}

// CurrentVersion implements Reader.
func (t *Tx) CurrentVersion() (Version, error) {
	v, err := t.getUint(keyCurrent)
	return Version(v), err
}

// HasVersion implements Reader.
func (t *Tx) HasVersion(v Version) (bool, error) {
	if v == 0 {
		return false, nil
	}
	opts := badger.DefaultIteratorOptions
	prefix := nodePrefix(v)
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	defer it.Close()

	it.Seek(prefix)
	return it.ValidForPrefix(prefix), nil
}

// Node implements Reader.
func (t *Tx) Node(v Version, id NodeID) (Node, bool, error) {
	item, err := t.txn.Get(nodeKey(v, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, fmt.Errorf("get node %d@%d: %w", id, v, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return Node{}, false, fmt.Errorf("read node %d@%d: %w", id, v, err)
	}
	var n Node
	if err := decode(val, &n); err != nil {
		return Node{}, false, fmt.Errorf("decode node %d@%d: %w", id, v, err)
	}
	return n, true, nil
}

// Nodes implements Reader.
func (t *Tx) Nodes(v Version) ([]Node, error) {
	var nodes []Node
	err := t.scan(nodePrefix(v), func(key, val []byte) error {
		var n Node
		if err := decode(val, &n); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		nodes = append(nodes, n)
		return nil
	})
	return nodes, err
}

// Edges implements Reader.
func (t *Tx) Edges(v Version) ([]Edge, error) {
	var edges []Edge
	err := t.scan(edgePrefix(v), func(key, val []byte) error {
		var e Edge
		if err := decode(val, &e); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		edges = append(edges, e)
		return nil
	})
	return edges, err
}

// Migrations implements Reader.
func (t *Tx) Migrations() ([]Migration, error) {
	var migrations []Migration
	err := t.scan(prefixMigration, func(key, val []byte) error {
		var m Migration
		if err := decode(val, &m); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		migrations = append(migrations, m)
		return nil
	})
	sort.SliceStable(migrations, func(i, j int) bool { return migrations[i].Seq < migrations[j].Seq })
	return migrations, err
}

// History implements Reader.
func (t *Tx) History() ([]MigrationHeader, error) {
	var headers []MigrationHeader
	err := t.scan(prefixHistory, func(key, val []byte) error {
		var h MigrationHeader
		if err := decode(val, &h); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		headers = append(headers, h)
		return nil
	})
	return headers, err
}

// Migration implements Reader.
func (t *Tx) Migration(seq uint64) (Migration, bool, error) {
	item, err := t.txn.Get(migrationKey(seq))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Migration{}, false, nil
	}
	if err != nil {
		return Migration{}, false, fmt.Errorf("get migration %d: %w", seq, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return Migration{}, false, fmt.Errorf("read migration %d: %w", seq, err)
	}
	var m Migration
	if err := decode(val, &m); err != nil {
		return Migration{}, false, fmt.Errorf("decode migration %d: %w", seq, err)
	}
	return m, true, nil
}

// SetCurrentVersion implements ReadWriter.
func (t *Tx) SetCurrentVersion(v Version) error {
	return t.set(keyCurrent, encodeUint(uint64(v)))
}

// NextNodeID implements ReadWriter. The counter only advances if the
// surrounding transaction commits.
func (t *Tx) NextNodeID() (NodeID, error) {
	last, err := t.getUint(keyNextNode)
	if err != nil {
		return 0, err
	}
	next := last + 1
	if err := t.set(keyNextNode, encodeUint(next)); err != nil {
		return 0, err
	}
	return NodeID(next), nil
}

// PutNode implements ReadWriter.
func (t *Tx) PutNode(n Node) error {
	val, err := encode(&n)
	if err != nil {
		return err
	}
	return t.set(nodeKey(n.Version, n.ID), val)
}

// DeleteNode implements ReadWriter.
func (t *Tx) DeleteNode(v Version, id NodeID) error {
	return t.del(nodeKey(v, id))
}

// PutEdge implements ReadWriter.
func (t *Tx) PutEdge(e Edge) error {
	val, err := encode(&e)
	if err != nil {
		return err
	}
	return t.set(edgeKey(e.Version, e.Parent, e.Child), val)
}

// DeleteEdge implements ReadWriter.
func (t *Tx) DeleteEdge(v Version, parent, child NodeID) error {
	return t.del(edgeKey(v, parent, child))
}

// ClearVersion implements ReadWriter.
func (t *Tx) ClearVersion(v Version) (int, error) {
	if !t.writable {
		return 0, ErrReadOnly
	}
	removed := 0
	for _, prefix := range [][]byte{nodePrefix(v), edgePrefix(v)} {
		keys, err := t.keys(prefix)
		if err != nil {
			return removed, err
		}
		for _, k := range keys {
			if err := t.del(k); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// AppendMigration implements ReadWriter.
func (t *Tx) AppendMigration(m *Migration) error {
	last, err := t.getUint(keyNextMigration)
	if err != nil {
		return err
	}
	m.Seq = last + 1
	val, err := encode(m)
	if err != nil {
		return err
	}
	if err := t.set(migrationKey(m.Seq), val); err != nil {
		return err
	}
	hdr, err := encode(m.Header())
	if err != nil {
		return err
	}
	if err := t.set(historyKey(m.Seq), hdr); err != nil {
		return err
	}
	return t.set(keyNextMigration, encodeUint(m.Seq))
}

// Repository binds the table set to a badger database.
//
// Thread Safety: Safe for concurrent use. Writers must be serialised by the
// caller; the version package holds the single-writer lock.
type Repository struct {
	db *taxbadger.DB
}

// NewRepository returns a repository over db.
func NewRepository(db *taxbadger.DB) *Repository {
	return &Repository{db: db}
}

// View runs fn against a consistent read-only snapshot.
func (r *Repository) View(ctx context.Context, fn func(Reader) error) error {
	return r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return fn(NewTx(txn, false))
	})
}

// Update runs fn in one read-write transaction. Nothing fn writes is visible
// unless fn returns nil and the commit succeeds.
func (r *Repository) Update(ctx context.Context, fn func(ReadWriter) error) error {
	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return fn(NewTx(txn, true))
	})
}
