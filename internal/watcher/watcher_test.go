package watcher

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/config"
	"github.com/Dicklesworthstone/frankenterm/internal/eventbus"
	"github.com/Dicklesworthstone/frankenterm/internal/mux/simadapter"
	"github.com/Dicklesworthstone/frankenterm/internal/pattern"
	"github.com/Dicklesworthstone/frankenterm/internal/storage"
)

func wirePermissionDeniedRule(t *testing.T, w *Watcher) *pattern.Engine {
	t.Helper()
	rule, err := pattern.CompileRule(pattern.RawRule{
		RuleID:  "test.permission_denied",
		Pattern: `permission denied`,
	})
	if err != nil {
		t.Fatalf("CompileRule: %v", err)
	}
	return pattern.NewEngine([]*pattern.Rule{rule}, w.muteCache)
}

func TestStartWiresComponentsAndReportsHealthy(t *testing.T) {
	dir := t.TempDir()
	if err := config.EnsureDataDir(dir); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}

	a := simadapter.New()
	paneID := a.AddPane("shell", "tmux", "/")
	a.SetPromptActive(paneID, true)

	w := New(dir, a)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(2 * time.Second)

	if w.HealthStatus() != HealthHealthy {
		t.Fatalf("expected HealthHealthy after Start, got %v", w.HealthStatus())
	}
	if w.Storage == nil || w.Bus == nil || w.Policy == nil || w.Pattern == nil || w.Runner == nil || w.Scheduler == nil {
		t.Fatalf("expected every collaborator to be wired")
	}
}

func TestSecondWatcherCannotAcquireTheSameLock(t *testing.T) {
	dir := t.TempDir()
	if err := config.EnsureDataDir(dir); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}

	lock, err := AcquireLock(config.LockPath(dir))
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer lock.Release()

	if _, err := AcquireLock(config.LockPath(dir)); err == nil {
		t.Fatal("expected second AcquireLock on the same path to fail")
	}
}

func TestCaptureCrashWritesBoundedRedactedManifest(t *testing.T) {
	dir := t.TempDir()
	path, err := captureCrash(dir, "ingest_scheduler", "boom: sk-abcdefghijklmnopqrstuvwx", []byte("goroutine 1 [running]:\nmain.main()"))
	if err != nil {
		t.Fatalf("captureCrash: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) > maxManifestBytes {
		t.Fatalf("manifest exceeds bound: %d bytes", len(data))
	}
	if strings.Contains(string(data), "sk-abcdefghijklmnopqrstuvwx") {
		t.Fatalf("expected secret-like panic value to be redacted, got %q", data)
	}
}

func TestOnSegmentAppendedPublishesDetectionToBus(t *testing.T) {
	dir := t.TempDir()
	if err := config.EnsureDataDir(dir); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}
	a := simadapter.New()
	w := New(dir, a)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(2 * time.Second)

	w.Pattern = wirePermissionDeniedRule(t, w)

	sub := w.Bus.Subscribe(eventbus.Filter{}, eventbus.DropNewest)
	defer sub.Unsubscribe()

	// detection_events.pane_id references panes, so pane 1 must exist first.
	if _, err := w.Storage.Submit(ctx, storage.RegisterPane{PaneID: 1, ObservedSinceMS: 1}); err != nil {
		t.Fatalf("RegisterPane: %v", err)
	}

	w.onSegmentAppended(1, "permission denied: cannot write file", time.Now().UnixMilli())

	select {
	case ev := <-sub.Events():
		if ev.PaneID != 1 {
			t.Fatalf("expected pane 1, got %d", ev.PaneID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a detection event on the bus")
	}
}

func TestRecoverTaskCapturesManifestAndMarksUnhealthy(t *testing.T) {
	dir := t.TempDir()
	if err := config.EnsureDataDir(dir); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}
	w := New(dir, simadapter.New())
	w.setHealth(HealthHealthy)

	func() {
		defer w.recoverTask("test_task")
		panic("synthetic failure")
	}()

	if w.HealthStatus() != HealthUnhealthy {
		t.Fatalf("expected HealthUnhealthy after a recovered panic, got %v", w.HealthStatus())
	}
	entries, err := os.ReadDir(config.CrashDir(dir))
	if err != nil {
		t.Fatalf("ReadDir crash dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one crash manifest, got %d", len(entries))
	}
}
