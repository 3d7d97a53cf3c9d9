// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// ErrExists is returned by WriteDefault when the target already exists.
var ErrExists = errors.New("config file already exists")

// DefaultYAML renders the built-in defaults as a YAML document. Durations
// are written in their string form so the file round-trips through Load.
func DefaultYAML() ([]byte, error) {
	k := koanf.New(".")
	loadDefaults(k)

	raw := stringifyDurations(k.Raw())
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}
	header := []byte("# Taxonomy store configuration.\n" +
		"# Every key can be overridden with a TAXONOMY_ environment variable,\n" +
		"# e.g. TAXONOMY_LOG_LEVEL=debug or TAXONOMY_ROLLBACK_TARGET=10m.\n\n")
	return append(header, data...), nil
}

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}

	data, err := DefaultYAML()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func stringifyDurations(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case time.Duration:
			out[k] = tv.String()
		case map[string]any:
			out[k] = stringifyDurations(tv)
		default:
			out[k] = v
		}
	}
	return out
}
