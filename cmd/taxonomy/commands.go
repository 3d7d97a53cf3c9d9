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
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/AleutianAI/taxonomy/services/taxonomy"
	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func parseNodeID(s string) (store.NodeID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return store.NodeID(n), nil
}

func parseVersion(s string) (store.Version, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return store.Version(n), nil
}

// optionalParent returns nil unless the --parent flag was set.
func optionalParent(cmd *cobra.Command, v uint64) (*store.NodeID, error) {
	if !cmd.Flags().Changed("parent") {
		return nil, nil
	}
	if v == 0 {
		return nil, errors.New("--parent must be a node id greater than 0")
	}
	id := store.NodeID(v)
	return &id, nil
}

// report prints an OpResult and turns a refused operation into a command
// error so the exit status is non-zero.
func report(cmd *cobra.Command, res taxonomy.OpResult) error {
	st := newStyles(cmd.OutOrStdout())
	if !res.OK {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", st.icon(false), res.Message)
		return errors.New(res.Message)
	}
	line := fmt.Sprintf("%s %s", st.icon(true), res.Message)
	if res.NodeID != 0 {
		line += st.muted.Render(fmt.Sprintf("  node=%d", res.NodeID))
	}
	if res.Version != 0 {
		line += st.muted.Render(fmt.Sprintf("  version=%d", res.Version))
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
	return nil
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create version 1 with the configured root and child",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd, func(s *taxonomy.Store) error {
				created, err := s.Initialize(cmd.Context())
				if err != nil {
					return err
				}
				st := newStyles(cmd.OutOrStdout())
				if !created {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already initialized at version %d\n", st.icon(true), s.Current())
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s taxonomy initialized at version %d\n", st.icon(true), s.Current())
				return nil
			})
		},
	}
}

func newValidateCmd(a *app) *cobra.Command {
	var (
		versionFlag uint64
		output      string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the DAG of a version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(s *taxonomy.Store) error {
				res, err := s.ValidateDAG(cmd.Context(), store.Version(versionFlag))
				if err != nil {
					return err
				}
				if format != formatText {
					if err := encode(cmd.OutOrStdout(), format, res); err != nil {
						return err
					}
				} else {
					st := newStyles(cmd.OutOrStdout())
					w := cmd.OutOrStdout()
					fmt.Fprintf(w, "%s version %d: %d nodes, %d edges\n", st.icon(res.IsValid), res.Version, res.NodeCount, res.EdgeCount)
					for _, e := range res.Errors {
						fmt.Fprintf(w, "  %s %s\n", st.err.Render("error:"), e)
					}
					for _, warn := range res.Warnings {
						fmt.Fprintf(w, "  %s %s\n", st.warn.Render("warning:"), warn)
					}
				}
				if !res.IsValid {
					return fmt.Errorf("version %d is invalid", res.Version)
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&versionFlag, "version", 0, "version to validate (default current)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json, yaml")
	return cmd
}

func newAddCmd(a *app) *cobra.Command {
	var (
		parent      uint64
		description string
		metadata    map[string]string
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a node as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := optionalParent(cmd, parent)
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(s *taxonomy.Store) error {
				res, err := s.AddNode(cmd.Context(), args[0], p, description, metadata)
				if err != nil {
					return err
				}
				return report(cmd, res)
			})
		},
	}
	cmd.Flags().Uint64Var(&parent, "parent", 0, "parent node id (omit to create a root)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "node description")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "metadata key=value pairs")
	return cmd
}

func newMoveCmd(a *app) *cobra.Command {
	var (
		parent uint64
		reason string
	)
	cmd := &cobra.Command{
		Use:   "move NODE",
		Short: "Move a node under a new parent as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			p, err := optionalParent(cmd, parent)
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(s *taxonomy.Store) error {
				res, err := s.MoveNode(cmd.Context(), id, p, reason)
				if err != nil {
					return err
				}
				return report(cmd, res)
			})
		},
	}
	cmd.Flags().Uint64Var(&parent, "parent", 0, "new parent node id (omit to detach to a root)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the move")
	return cmd
}

// opEntry is one operation in an apply file.
type opEntry struct {
	Type        store.OperationType `yaml:"type"`
	Node        uint64              `yaml:"node"`
	Name        string              `yaml:"name"`
	Parent      *uint64             `yaml:"parent"`
	Description string              `yaml:"description"`
	Metadata    map[string]string   `yaml:"metadata"`
	Reason      string              `yaml:"reason"`
}

// migrationFile is the document read by apply. JSON is accepted too.
type migrationFile struct {
	Change      store.ChangeKind `yaml:"change"`
	Description string           `yaml:"description"`
	Actor       string           `yaml:"actor"`
	Operations  []opEntry        `yaml:"operations"`
}

func readMigrationFile(path string) (migrationFile, []store.Operation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return migrationFile{}, nil, err
	}
	var mf migrationFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return migrationFile{}, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	ops := make([]store.Operation, 0, len(mf.Operations))
	for _, entry := range mf.Operations {
		op := store.Operation{
			Type:        entry.Type,
			NodeID:      store.NodeID(entry.Node),
			Name:        entry.Name,
			Description: entry.Description,
			Metadata:    entry.Metadata,
			Reason:      entry.Reason,
		}
		if entry.Parent != nil {
			p := store.NodeID(*entry.Parent)
			op.ParentID = &p
		}
		ops = append(ops, op)
	}
	return mf, ops, nil
}

func newApplyCmd(a *app) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "apply FILE",
		Short: "Apply a multi-operation migration from a YAML or JSON file",
		Long: `Apply creates one version from every operation in FILE, atomically.

Example file:

  change: minor
  description: Add retrieval topics
  operations:
    - type: CREATE_NODE
      name: RAG
      parent: 2
    - type: MOVE_NODE
      node: 5
      parent: 2
      reason: regroup`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mf, ops, err := readMigrationFile(args[0])
			if err != nil {
				return err
			}
			if actor == "" {
				actor = mf.Actor
			}
			return a.withStore(cmd, func(s *taxonomy.Store) error {
				res, err := s.CreateVersion(cmd.Context(), mf.Change, ops, mf.Description, actor)
				if err != nil {
					return err
				}
				return report(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor recorded on the migration (overrides the file)")
	return cmd
}

func newRollbackCmd(a *app) *cobra.Command {
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "rollback TARGET",
		Short: "Make an earlier version current again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(s *taxonomy.Store) error {
				res, err := s.RollbackToVersion(cmd.Context(), target, reason, actor)
				if err != nil {
					return err
				}
				if res.OK {
					st := newStyles(cmd.OutOrStdout())
					fmt.Fprintln(cmd.OutOrStdout(), st.muted.Render(fmt.Sprintf("estimated %s", res.Estimate)))
				}
				return report(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the rollback")
	cmd.Flags().StringVar(&actor, "actor", "", "actor recorded on the migration")
	return cmd
}
