// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache memoizes the hierarchical tree view per version.
//
// Entries are keyed by version number. Version rows are immutable once
// committed, so entries only go stale when a version number abandoned by a
// rollback is reused; any commit invalidates the whole cache.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// LoadFunc builds the tree for a version on cache miss.
type LoadFunc func(ctx context.Context, v store.Version) (*Tree, error)

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries       int   `json:"entries" yaml:"entries"`
	Hits          int64 `json:"hits" yaml:"hits"`
	Misses        int64 `json:"misses" yaml:"misses"`
	Invalidations int64 `json:"invalidations" yaml:"invalidations"`
}

// TreeCache maps version → tree.
//
// Thread Safety:
//
//	TreeCache is safe for concurrent use. Concurrent misses for the same
//	version share one build through singleflight. A build that started before
//	an Invalidate is returned to its callers but not stored.
type TreeCache struct {
	mu         sync.RWMutex
	entries    map[store.Version]*Tree
	generation uint64
	flight     singleflight.Group

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
}

// New creates an empty cache.
func New() *TreeCache {
	return &TreeCache{entries: make(map[store.Version]*Tree)}
}

// Get returns the cached tree for v, building it with load on a miss.
// Concurrent misses for the same version share one build. A caller whose
// ctx ends returns ctx.Err() without cancelling the build for the others.
func (c *TreeCache) Get(ctx context.Context, v store.Version, load LoadFunc) (*Tree, error) {
	ctx, span := startSpan(ctx, "Get", uint64(v))
	defer span.End()

	c.mu.RLock()
	t, ok := c.entries[v]
	gen := c.generation
	c.mu.RUnlock()

	span.SetAttributes(attribute.Bool("cache.hit", ok))
	if ok {
		c.hits.Add(1)
		recordHit(ctx)
		return t, nil
	}
	c.misses.Add(1)
	recordMiss(ctx)

	// The shared build outlives any one caller; each caller still honours
	// its own ctx while waiting.
	key := fmt.Sprintf("%d/%d", gen, v)
	buildCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		start := time.Now()
		t, err := load(buildCtx, v)
		recordBuild(ctx, time.Since(start), err == nil)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.generation == gen {
			c.entries[v] = t
		}
		c.mu.Unlock()
		return t, nil
	})

	select {
	case <-ctx.Done():
		err := ctx.Err()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	case res := <-ch:
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			return nil, res.Err
		}
		return res.Val.(*Tree), nil
	}
}

// Invalidate drops every entry.
func (c *TreeCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[store.Version]*Tree)
	c.generation++
	c.mu.Unlock()

	c.invalidations.Add(1)
	recordInvalidation(ctx)
}

// Stats returns the current counters.
func (c *TreeCache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Entries:       n,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
