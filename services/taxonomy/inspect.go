// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taxonomy

import (
	"context"

	"github.com/AleutianAI/taxonomy/services/taxonomy/cache"
	"github.com/AleutianAI/taxonomy/services/taxonomy/dag"
	"github.com/AleutianAI/taxonomy/services/taxonomy/lock"
	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"golang.org/x/sync/errgroup"
)

// Report is a health summary of the current version.
type Report struct {
	Version       store.Version        `json:"version" yaml:"version"`
	Validation    dag.ValidationResult `json:"validation" yaml:"validation"`
	TotalNodes    int                  `json:"total_nodes" yaml:"total_nodes"`
	MaxDepth      int                  `json:"max_depth" yaml:"max_depth"`
	Migrations    int                  `json:"migrations" yaml:"migrations"`
	LastMigration *MigrationSummary    `json:"last_migration,omitempty" yaml:"last_migration,omitempty"`
	Cache         cache.Stats          `json:"cache" yaml:"cache"`
	Lock          *lock.Info           `json:"lock,omitempty" yaml:"lock,omitempty"`
}

// Inspect validates the current version, builds its tree and reads the
// history concurrently. All reads are pinned to the version current when
// Inspect was called.
func (s *Store) Inspect(ctx context.Context) (Report, error) {
	v := s.Current()
	rep := Report{Version: v}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.ValidateDAG(gctx, v)
		rep.Validation = res
		return err
	})
	g.Go(func() error {
		tree, err := s.GetTaxonomyTree(gctx, v)
		if err != nil {
			return err
		}
		rep.TotalNodes = tree.TotalNodes
		rep.MaxDepth = tree.MaxDepth
		return nil
	})
	g.Go(func() error {
		hist, err := s.GetVersionHistory(gctx)
		if err != nil {
			return err
		}
		rep.Migrations = len(hist)
		if len(hist) > 0 {
			last := hist[len(hist)-1]
			rep.LastMigration = &last
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	rep.Cache = s.CacheStats()
	if s.lock != nil {
		info := s.lock.Info()
		rep.Lock = &info
	}
	return rep, nil
}
