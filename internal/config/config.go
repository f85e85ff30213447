// Package config loads FrankenTerm's configuration surface (§6): the ingest,
// storage, patterns, workflows, and safety sections recognised by the core.
// It follows the same merge-then-default pattern as wing.yaml — read the
// file if present, fall back to named defaults field by field — rather than
// a schema library, matching internal/config/wing.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root of config.yaml, mirroring wing.yaml's flat-sections
// style rather than one monolithic struct with deep nesting.
type Config struct {
	Ingest    IngestConfig    `yaml:"ingest,omitempty"`
	Storage   StorageConfig   `yaml:"storage,omitempty"`
	Patterns  PatternsConfig  `yaml:"patterns,omitempty"`
	Workflows WorkflowsConfig `yaml:"workflows,omitempty"`
	Safety    SafetyConfig    `yaml:"safety,omitempty"`
}

type IngestConfig struct {
	PollIntervalMS          int      `yaml:"poll_interval_ms,omitempty"`
	MinPollIntervalMS       int      `yaml:"min_poll_interval_ms,omitempty"`
	MaxConcurrentCaptures   int      `yaml:"max_concurrent_captures,omitempty"`
	Include                 []string `yaml:"include,omitempty"`
	Exclude                 []string `yaml:"exclude,omitempty"`
	MaxCapturesPerSec       float64  `yaml:"max_captures_per_sec,omitempty"`
	MaxBytesPerSecPerPane   int      `yaml:"max_bytes_per_sec,omitempty"`
	OverflowBackpressureThreshold int `yaml:"overflow_backpressure_threshold,omitempty"`
}

type StorageConfig struct {
	WriterQueueSize     int `yaml:"writer_queue_size,omitempty"`
	RetentionDays       int `yaml:"retention_days,omitempty"`
	WALCheckpointFrames int `yaml:"wal_checkpoint_frames,omitempty"`
}

type PatternsConfig struct {
	EnabledPacks  []string `yaml:"enabled_packs,omitempty"`
	DisabledRules []string `yaml:"pack_overrides.disabled_rules,omitempty"`
}

type WorkflowsConfig struct {
	Enabled       bool   `yaml:"enabled,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent,omitempty"`
	PerPanePolicy string `yaml:"per_pane_policy,omitempty"` // "reject" (default) or "queue"
}

type SafetyConfig struct {
	BlockAltScreen      bool               `yaml:"block_alt_screen,omitempty"`
	RequirePromptActive bool               `yaml:"require_prompt_active,omitempty"`
	RateLimits          map[string]float64 `yaml:"rate_limits,omitempty"` // "{action}.max_per_second"
	RedactSecrets       bool               `yaml:"redact_secrets,omitempty"`
	ApprovalTTLSeconds  int                `yaml:"approval_ttl_seconds,omitempty"`
}

// Defaults mirrors the per-field fallback chain in wing.go's mergeConfigs,
// applied directly to a freshly-loaded Config rather than via a separate
// user/project merge (FrankenTerm has a single data-dir config, no project
// override layer).
func Defaults() Config {
	return Config{
		Patterns: PatternsConfig{
			EnabledPacks: []string{"core"},
		},
		Ingest: IngestConfig{
			PollIntervalMS:                250,
			MinPollIntervalMS:             50,
			MaxConcurrentCaptures:         32,
			MaxCapturesPerSec:             20,
			MaxBytesPerSecPerPane:         65536,
			OverflowBackpressureThreshold: 5,
		},
		Storage: StorageConfig{
			WriterQueueSize:     1024,
			RetentionDays:       30,
			WALCheckpointFrames: 10000,
		},
		Workflows: WorkflowsConfig{
			Enabled:       true,
			MaxConcurrent: 8,
			PerPanePolicy: "reject",
		},
		Safety: SafetyConfig{
			BlockAltScreen:      true,
			RequirePromptActive: true,
			RedactSecrets:       true,
			ApprovalTTLSeconds:  300,
		},
	}
}

// Load reads dataDir/config.yaml, applying Defaults() for any zero-valued
// field left unset by the file (os.IsNotExist is not an error: an absent
// file just means "use defaults", matching LoadWingConfig).
func Load(dataDir string) (*Config, error) {
	cfg := Defaults()
	path := filepath.Join(dataDir, "config.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills any zero-valued field a partial config.yaml left
// unset, the same per-field fallback idea as wing.go's mergeConfigs but
// single-source since there is no separate project layer here.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Ingest.PollIntervalMS == 0 {
		cfg.Ingest.PollIntervalMS = d.Ingest.PollIntervalMS
	}
	if cfg.Ingest.MinPollIntervalMS == 0 {
		cfg.Ingest.MinPollIntervalMS = d.Ingest.MinPollIntervalMS
	}
	if cfg.Ingest.MaxConcurrentCaptures == 0 {
		cfg.Ingest.MaxConcurrentCaptures = d.Ingest.MaxConcurrentCaptures
	}
	if cfg.Ingest.MaxCapturesPerSec == 0 {
		cfg.Ingest.MaxCapturesPerSec = d.Ingest.MaxCapturesPerSec
	}
	if cfg.Ingest.MaxBytesPerSecPerPane == 0 {
		cfg.Ingest.MaxBytesPerSecPerPane = d.Ingest.MaxBytesPerSecPerPane
	}
	if cfg.Ingest.OverflowBackpressureThreshold == 0 {
		cfg.Ingest.OverflowBackpressureThreshold = d.Ingest.OverflowBackpressureThreshold
	}
	if cfg.Storage.WriterQueueSize == 0 {
		cfg.Storage.WriterQueueSize = d.Storage.WriterQueueSize
	}
	if cfg.Storage.RetentionDays == 0 {
		cfg.Storage.RetentionDays = d.Storage.RetentionDays
	}
	if cfg.Storage.WALCheckpointFrames == 0 {
		cfg.Storage.WALCheckpointFrames = d.Storage.WALCheckpointFrames
	}
	if cfg.Workflows.MaxConcurrent == 0 {
		cfg.Workflows.MaxConcurrent = d.Workflows.MaxConcurrent
	}
	if cfg.Workflows.PerPanePolicy == "" {
		cfg.Workflows.PerPanePolicy = d.Workflows.PerPanePolicy
	}
	if cfg.Safety.ApprovalTTLSeconds == 0 {
		cfg.Safety.ApprovalTTLSeconds = d.Safety.ApprovalTTLSeconds
	}
	if len(cfg.Patterns.EnabledPacks) == 0 {
		cfg.Patterns.EnabledPacks = d.Patterns.EnabledPacks
	}
}

// Save writes cfg to dataDir/config.yaml, creating dataDir if needed.
func Save(dataDir string, cfg *Config) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, "config.yaml"), data, 0644)
}
