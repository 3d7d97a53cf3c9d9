// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taxonomy is the versioned DAG taxonomy store.
//
// # Description
//
// A Store owns one badger database holding every version of a hierarchical
// classification graph, the append-only migration log between versions, and
// the current-version pointer. Versions are immutable once committed; every
// change creates a new version through an atomic, validated migration, and
// any earlier version on the live lineage can be made current again by
// rollback.
//
// Open a Store once per process and pass the handle to every caller:
//
//	s, err := taxonomy.Open(ctx, cfg, taxonomy.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	if _, err := s.Initialize(ctx); err != nil {
//	    return err
//	}
//	res, err := s.AddNode(ctx, "RAG", &aiID, "", nil)
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are serialized; reads
// never block on a write and see the version that was current when they
// started.
package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/taxonomy/services/taxonomy/cache"
	"github.com/AleutianAI/taxonomy/services/taxonomy/config"
	"github.com/AleutianAI/taxonomy/services/taxonomy/lock"
	taxbadger "github.com/AleutianAI/taxonomy/services/taxonomy/storage/badger"
	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/AleutianAI/taxonomy/services/taxonomy/taxerr"
	"github.com/AleutianAI/taxonomy/services/taxonomy/version"
)

// dbDirName is the badger directory inside the data directory.
const dbDirName = "db"

// Options configures Open beyond what config.Config carries.
type Options struct {
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Actor is recorded as PerformedBy for AddNode and MoveNode.
	// Default: version.SystemActor.
	Actor string

	// Purpose is written into the writer lock file, e.g. "taxonomy add".
	Purpose string

	// OnLockTamper is called if the writer lock file is changed externally
	// while the store is open.
	OnLockTamper func(lock.TamperEvent)

	// Now overrides the migration clock. Used by tests.
	Now func() time.Time
}

// Store is the taxonomy store handle.
type Store struct {
	cfg     *config.Config
	db      *taxbadger.DB
	repo    *store.Repository
	cache   *cache.TreeCache
	manager *version.Manager
	lock    *lock.DirLock
	dataDir string
	actor   string
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open validates cfg, takes the writer lock for a persistent data
// directory, opens the database and loads the current version.
//
// # Outputs
//
//   - *Store: Ready store. Call Close when done.
//   - error: Config, lock (matching lock.ErrLocked) or storage failure.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("taxonomy: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("taxonomy: invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	actor := opts.Actor
	if actor == "" {
		actor = version.SystemActor
	}

	s := &Store{
		cfg:    cfg,
		cache:  cache.New(),
		actor:  actor,
		logger: logger.With(slog.String("component", "taxonomy_store")),
	}

	dbCfg := taxbadger.Config{
		InMemory:       cfg.InMemory,
		SyncWrites:     cfg.SyncWrites,
		Logger:         logger,
		GCInterval:     cfg.GCInterval,
		GCDiscardRatio: 0.5,
	}
	if !cfg.InMemory {
		dir, err := cfg.ResolvedDataDir()
		if err != nil {
			return nil, fmt.Errorf("taxonomy: resolve data dir: %w", err)
		}
		s.dataDir = dir

		lk, err := lock.Acquire(dir, lock.Options{
			Purpose:  opts.Purpose,
			Logger:   logger,
			OnTamper: opts.OnLockTamper,
		})
		if err != nil {
			return nil, err
		}
		s.lock = lk
		dbCfg.Path = filepath.Join(dir, dbDirName)
	}

	db, err := taxbadger.Open(dbCfg)
	if err != nil {
		s.releaseLock()
		return nil, taxerr.Storage("taxonomy.Open", err)
	}
	s.db = db
	s.repo = store.NewRepository(db)

	mgr, err := version.NewManager(ctx, s.repo, version.Options{
		Estimator:      cfg.EstimatorConfig(),
		Cache:          s.cache,
		Logger:         logger,
		TracingEnabled: cfg.Telemetry.TraceExporter != "none",
		Now:            opts.Now,
	})
	if err != nil {
		_ = db.Close()
		s.releaseLock()
		return nil, err
	}
	s.manager = mgr

	s.logger.Info("taxonomy store opened",
		slog.String("data_dir", s.dataDir),
		slog.Bool("in_memory", cfg.InMemory),
		slog.Uint64("current_version", uint64(mgr.Current())),
	)
	return s, nil
}

// Close closes the database and releases the writer lock. Safe to call
// more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		if s.lock != nil {
			if err := s.lock.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release writer lock: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Debug("taxonomy store closed")
	})
	return s.closeErr
}

func (s *Store) releaseLock() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Release(); err != nil {
		s.logger.Warn("failed to release writer lock", slog.String("error", err.Error()))
	}
}

// Current returns the current version, 0 before Initialize.
func (s *Store) Current() store.Version {
	return s.manager.Current()
}

// DataDir returns the resolved data directory, "" for an in-memory store.
func (s *Store) DataDir() string {
	return s.dataDir
}

// CacheStats returns tree cache counters.
func (s *Store) CacheStats() cache.Stats {
	return s.cache.Stats()
}
