// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/taxonomy/pkg/logging"
	"github.com/AleutianAI/taxonomy/services/taxonomy"
	"github.com/AleutianAI/taxonomy/services/taxonomy/config"
	"github.com/AleutianAI/taxonomy/services/taxonomy/lock"
	"github.com/AleutianAI/taxonomy/services/taxonomy/telemetry"
	"github.com/spf13/cobra"
)

// app carries global flag values and per-invocation resources.
type app struct {
	configPath string
	dataDir    string
	inMemory   bool
	logLevel   string

	cfg       *config.Config
	logger    *logging.Logger
	telemetry func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "taxonomy",
		Short: "Manage a versioned DAG taxonomy store",
		Long: `taxonomy stores a hierarchical classification graph as a sequence of
immutable versions. Every change is an atomic, validated migration and any
earlier version can be restored with rollback.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ./"+config.DefaultFileName+" if present)")
	pf.StringVar(&a.dataDir, "data-dir", "", "data directory (overrides data_dir)")
	pf.BoolVar(&a.inMemory, "in-memory", false, "use a throwaway in-memory store")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newInitCmd(a),
		newValidateCmd(a),
		newAddCmd(a),
		newMoveCmd(a),
		newApplyCmd(a),
		newRollbackCmd(a),
		newTreeCmd(a),
		newAncestryCmd(a),
		newHistoryCmd(a),
		newInspectCmd(a),
		newConfigCmd(),
	)
	return root
}

// setup loads configuration, applies flag overrides, and starts logging
// and telemetry.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.LoadOptions{Path: a.configPath})
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = a.dataDir
	}
	if flags.Changed("in-memory") {
		cfg.InMemory = a.inMemory
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = strings.ToLower(a.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:  level,
		LogDir: cfg.Log.Dir,
		JSON:   cfg.Log.JSON,
		Output: cmd.ErrOrStderr(),
	})

	shutdown, err := telemetry.Init(cmd.Context(), cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = shutdown
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	var err error
	if a.telemetry != nil {
		err = a.telemetry(context.WithoutCancel(ctx))
		a.telemetry = nil
	}
	if a.logger != nil {
		_ = a.logger.Close()
		a.logger = nil
	}
	return err
}

// withStore opens the store for the duration of fn.
func (a *app) withStore(cmd *cobra.Command, fn func(*taxonomy.Store) error) error {
	s, err := taxonomy.Open(cmd.Context(), a.cfg, taxonomy.Options{
		Logger:  a.logger.Slog(),
		Purpose: "taxonomy " + cmd.Name(),
		OnLockTamper: func(e lock.TamperEvent) {
			a.logger.Warn("writer lock changed while in use", "path", e.Path, "op", e.Op.String())
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
