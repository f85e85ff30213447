package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWhenFileAbsent(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingest.PollIntervalMS != 250 {
		t.Fatalf("expected default poll interval 250, got %d", cfg.Ingest.PollIntervalMS)
	}
	if cfg.Workflows.PerPanePolicy != "reject" {
		t.Fatalf("expected default per_pane_policy reject, got %q", cfg.Workflows.PerPanePolicy)
	}
}

func TestLoadMergesPartialFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	yamlContent := "ingest:\n  poll_interval_ms: 500\nworkflows:\n  per_pane_policy: queue\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlContent), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingest.PollIntervalMS != 500 {
		t.Fatalf("expected overridden poll interval 500, got %d", cfg.Ingest.PollIntervalMS)
	}
	if cfg.Workflows.PerPanePolicy != "queue" {
		t.Fatalf("expected overridden per_pane_policy queue, got %q", cfg.Workflows.PerPanePolicy)
	}
	if cfg.Storage.RetentionDays != 30 {
		t.Fatalf("expected default retention_days 30 to survive partial override, got %d", cfg.Storage.RetentionDays)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := Defaults()
	cfg.Safety.ApprovalTTLSeconds = 120

	if err := Save(dir, &cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Safety.ApprovalTTLSeconds != 120 {
		t.Fatalf("expected round-tripped approval_ttl_seconds 120, got %d", loaded.Safety.ApprovalTTLSeconds)
	}
}

func TestPathHelpersNestUnderDataDir(t *testing.T) {
	dir := "/tmp/example-data"
	if got := DBPath(dir); got != "/tmp/example-data/frankenterm.sqlite" {
		t.Fatalf("unexpected DBPath: %s", got)
	}
	if got := LockPath(dir); got != "/tmp/example-data/watcher.lock" {
		t.Fatalf("unexpected LockPath: %s", got)
	}
	if got := SocketPath(dir); got != "/tmp/example-data/api.sock" {
		t.Fatalf("unexpected SocketPath: %s", got)
	}
}
