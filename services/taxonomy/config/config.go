// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads taxonomy store configuration in layers: built-in
// defaults, then an optional YAML file, then TAXONOMY_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/taxonomy/services/taxonomy/rollback"
	"github.com/AleutianAI/taxonomy/services/taxonomy/telemetry"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides, e.g. TAXONOMY_LOG_LEVEL.
const EnvPrefix = "TAXONOMY_"

// DefaultFileName is the config file looked up when no path is given.
const DefaultFileName = "taxonomy.yaml"

// ErrNotFound is returned when an explicitly requested config file is missing.
var ErrNotFound = errors.New("config file not found")

// Config is the full store configuration.
type Config struct {
	DataDir    string        `koanf:"data_dir" validate:"required_unless=InMemory true"`
	InMemory   bool          `koanf:"in_memory"`
	SyncWrites bool          `koanf:"sync_writes"`
	GCInterval time.Duration `koanf:"gc_interval"`

	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Rollback  RollbackConfig  `koanf:"rollback"`
	Initial   InitialConfig   `koanf:"initial"`
}

// LogConfig controls pkg/logging.
type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	Dir   string `koanf:"dir"`
	JSON  bool   `koanf:"json"`
}

// TelemetryConfig selects exporters.
type TelemetryConfig struct {
	TraceExporter  string `koanf:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `koanf:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `koanf:"otlp_endpoint"`
	MetricsFile    string `koanf:"metrics_file"`
}

// RollbackConfig holds the rollback estimate constants.
type RollbackConfig struct {
	BaseOverhead         time.Duration `koanf:"base_overhead"`
	PerOperation         time.Duration `koanf:"per_operation"`
	FullRebuildThreshold int           `koanf:"full_rebuild_threshold" validate:"gte=1"`
	Target               time.Duration `koanf:"target"`
}

// InitialConfig names the nodes created by initialize.
type InitialConfig struct {
	RootLabel  string `koanf:"root_label" validate:"required"`
	ChildLabel string `koanf:"child_label"`
}

// Defaults returns the built-in configuration as flat koanf keys.
func Defaults() map[string]any {
	est := rollback.DefaultEstimatorConfig()
	return map[string]any{
		"data_dir":    "./taxonomy-data",
		"in_memory":   false,
		"sync_writes": true,
		"gc_interval": 5 * time.Minute,

		"log.level": "info",
		"log.dir":   "",
		"log.json":  false,

		"telemetry.trace_exporter":  "none",
		"telemetry.metric_exporter": "none",
		"telemetry.otlp_endpoint":   "localhost:4317",
		"telemetry.metrics_file":    "",

		"rollback.base_overhead":          est.BaseOverhead,
		"rollback.per_operation":          est.PerOperation,
		"rollback.full_rebuild_threshold": est.FullRebuildThreshold,
		"rollback.target":                 est.Target,

		"initial.root_label":  "Root",
		"initial.child_label": "AI",
	}
}

// Default returns the built-in configuration without consulting any file or
// the environment.
func Default() *Config {
	k := koanf.New(".")
	loadDefaults(k)
	var cfg Config
	// Defaults are static values of the right types; Unmarshal cannot fail.
	_ = k.Unmarshal("", &cfg)
	return &cfg
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Path is the YAML file to read. Empty means DefaultFileName in the
	// working directory, skipped if absent.
	Path string

	// SkipEnv disables environment overrides.
	SkipEnv bool
}

// Load builds the configuration from defaults, file and environment, then
// validates it.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")
	loadDefaults(k)

	path := opts.Path
	required := path != ""
	if path == "" {
		path = DefaultFileName
	}
	if err := loadFile(k, path, required); err != nil {
		return nil, err
	}

	if !opts.SkipEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
			return nil, fmt.Errorf("failed to load environment config: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func loadDefaults(k *koanf.Koanf) {
	for key, value := range Defaults() {
		_ = k.Set(key, value)
	}
}

func loadFile(k *koanf.Koanf, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return nil
}

// sections whose first underscore in an env var name is a key separator.
var sections = []string{"log", "telemetry", "rollback", "initial"}

// envTransform converts environment variable names to config keys.
// Example: TAXONOMY_ROLLBACK_BASE_OVERHEAD -> rollback.base_overhead
func envTransform(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, sec := range sections {
		if strings.HasPrefix(key, sec+"_") {
			return sec + "." + strings.TrimPrefix(key, sec+"_")
		}
	}
	return key
}

var configValidate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	for name, d := range map[string]time.Duration{
		"gc_interval":            c.GCInterval,
		"rollback.base_overhead": c.Rollback.BaseOverhead,
		"rollback.per_operation": c.Rollback.PerOperation,
		"rollback.target":        c.Rollback.Target,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative (got %s)", name, d)
		}
	}
	if c.Telemetry.MetricsFile != "" && c.Telemetry.MetricExporter != "prometheus" {
		return fmt.Errorf("telemetry.metrics_file requires telemetry.metric_exporter=prometheus")
	}
	return nil
}

// EstimatorConfig converts the rollback section.
func (c *Config) EstimatorConfig() rollback.EstimatorConfig {
	return rollback.EstimatorConfig{
		BaseOverhead:         c.Rollback.BaseOverhead,
		PerOperation:         c.Rollback.PerOperation,
		FullRebuildThreshold: c.Rollback.FullRebuildThreshold,
		Target:               c.Rollback.Target,
	}
}

// TelemetryConfig converts the telemetry section.
func (c *Config) TelemetryConfig() telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.TraceExporter = c.Telemetry.TraceExporter
	tc.MetricExporter = c.Telemetry.MetricExporter
	tc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	tc.MetricsFile = c.Telemetry.MetricsFile
	return tc
}

// ResolvedDataDir returns DataDir as an absolute path.
func (c *Config) ResolvedDataDir() (string, error) {
	if c.InMemory {
		return "", nil
	}
	return filepath.Abs(expandHome(c.DataDir))
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
