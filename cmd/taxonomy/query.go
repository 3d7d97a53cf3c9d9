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
	"fmt"
	"strconv"
	"time"

	"github.com/AleutianAI/taxonomy/services/taxonomy"
	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func newTreeCmd(a *app) *cobra.Command {
	var (
		versionFlag uint64
		output      string
	)
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the taxonomy tree of a version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(s *taxonomy.Store) error {
				t, err := s.GetTaxonomyTree(cmd.Context(), store.Version(versionFlag))
				if err != nil {
					return err
				}
				if format != formatText {
					return encode(cmd.OutOrStdout(), format, t)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTree(t, newStyles(cmd.OutOrStdout())))
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&versionFlag, "version", 0, "version to show (default current)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json, yaml")
	return cmd
}

func newAncestryCmd(a *app) *cobra.Command {
	var (
		versionFlag uint64
		output      string
	)
	cmd := &cobra.Command{
		Use:   "ancestry NODE",
		Short: "Show the path from the root to a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(s *taxonomy.Store) error {
				path, err := s.GetNodeAncestry(cmd.Context(), id, store.Version(versionFlag))
				if err != nil {
					return err
				}
				if format != formatText {
					return encode(cmd.OutOrStdout(), format, path)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderAncestry(path, newStyles(cmd.OutOrStdout())))
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&versionFlag, "version", 0, "version to read (default current)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json, yaml")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List every migration in log order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(s *taxonomy.Store) error {
				hist, err := s.GetVersionHistory(cmd.Context())
				if err != nil {
					return err
				}
				if format != formatText {
					return encode(cmd.OutOrStdout(), format, hist)
				}

				st := newStyles(cmd.OutOrStdout())
				_, err = fmt.Fprintln(cmd.OutOrStdout(), renderHistory(hist, st))
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json, yaml")
	return cmd
}

func newInspectCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize the health of the current version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(s *taxonomy.Store) error {
				rep, err := s.Inspect(cmd.Context())
				if err != nil {
					return err
				}
				if format != formatText {
					return encode(cmd.OutOrStdout(), format, rep)
				}

				st := newStyles(cmd.OutOrStdout())
				w := cmd.OutOrStdout()
				fmt.Fprintln(w, st.title.Render(fmt.Sprintf("taxonomy version %d", rep.Version)))
				fmt.Fprintf(w, "  %s valid (%d errors, %d warnings)\n",
					st.icon(rep.Validation.IsValid), len(rep.Validation.Errors), len(rep.Validation.Warnings))
				fmt.Fprintf(w, "  nodes: %d  max depth: %d  migrations: %d\n", rep.TotalNodes, rep.MaxDepth, rep.Migrations)
				if m := rep.LastMigration; m != nil {
					fmt.Fprintf(w, "  last: %s %d -> %d by %s at %s\n",
						m.Kind, m.FromVersion, m.ToVersion, m.PerformedBy, m.AppliedAt.Format(time.RFC3339))
				}
				if rep.Lock != nil {
					fmt.Fprintf(w, "  writer lock: pid %d on %s\n", rep.Lock.PID, rep.Lock.Host)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json, yaml")
	return cmd
}

// renderHistory lays the migration log out as a table.
func renderHistory(hist []taxonomy.MigrationSummary, st styles) string {
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("SEQ", "FROM", "TO", "KIND", "OPS", "BY", "APPLIED", "DESCRIPTION").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.title.PaddingRight(1)
			}
			return lipgloss.NewStyle().PaddingRight(1)
		})
	for _, m := range hist {
		t.Row(
			strconv.FormatUint(m.Seq, 10),
			strconv.FormatUint(uint64(m.FromVersion), 10),
			strconv.FormatUint(uint64(m.ToVersion), 10),
			string(m.Kind),
			strconv.Itoa(m.OperationCount),
			m.PerformedBy,
			m.AppliedAt.Format(time.RFC3339),
			m.Description,
		)
	}
	return t.String()
}
