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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AleutianAI/taxonomy/services/taxonomy/cache"
	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

var (
	colorTeal    = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#5C7A84")
)

// styles holds the lipgloss styles for one output stream. Styling is off
// when the stream is not a terminal, so piped output stays plain.
type styles struct {
	title   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
	muted   lipgloss.Style
	enabled bool
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func newStyles(w io.Writer) styles {
	if !isTerminal(w) {
		plain := lipgloss.NewStyle()
		return styles{title: plain, ok: plain, warn: plain, err: plain, muted: plain}
	}
	r := lipgloss.NewRenderer(w)
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(colorTeal),
		ok:      r.NewStyle().Foreground(colorTeal),
		warn:    r.NewStyle().Foreground(colorWarning),
		err:     r.NewStyle().Foreground(colorError),
		muted:   r.NewStyle().Foreground(colorMuted),
		enabled: true,
	}
}

func (s styles) icon(ok bool) string {
	if ok {
		return s.ok.Render("✓")
	}
	return s.err.Render("✗")
}

// renderTree draws the taxonomy with lipgloss/tree.
func renderTree(t *cache.Tree, st styles) string {
	header := fmt.Sprintf("version %d  (%d nodes, max depth %d)", t.Version, t.TotalNodes, t.MaxDepth)
	root := tree.Root(st.title.Render(header)).
		Enumerator(tree.RoundedEnumerator).
		EnumeratorStyle(st.muted)
	for _, r := range t.Roots {
		root.Child(subtree(r, st))
	}
	return root.String()
}

func subtree(n *cache.TreeNode, st styles) any {
	label := n.Label + " " + st.muted.Render(fmt.Sprintf("#%d", n.ID))
	if !n.Active {
		label += " " + st.warn.Render("(inactive)")
	}
	if len(n.Children) == 0 {
		return label
	}
	t := tree.Root(label).Enumerator(tree.RoundedEnumerator).EnumeratorStyle(st.muted)
	for _, c := range n.Children {
		t.Child(subtree(c, st))
	}
	return t
}

func renderAncestry(path []store.Node, st styles) string {
	parts := make([]string, len(path))
	for i, n := range path {
		parts[i] = fmt.Sprintf("%s %s", n.Label, st.muted.Render(fmt.Sprintf("#%d", n.ID)))
	}
	return strings.Join(parts, st.muted.Render(" → "))
}

// outputFormat is the --output flag value.
type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
	formatYAML outputFormat = "yaml"
)

func parseFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(s)); f {
	case formatText, formatJSON, formatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
}

// encode writes v as JSON or YAML.
func encode(w io.Writer, f outputFormat, v any) error {
	switch f {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("encode: unsupported format %q", f)
}
