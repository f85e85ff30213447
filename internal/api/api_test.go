package api

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/config"
	"github.com/Dicklesworthstone/frankenterm/internal/ftclient"
	"github.com/Dicklesworthstone/frankenterm/internal/mux/simadapter"
	"github.com/Dicklesworthstone/frankenterm/internal/policy"
	"github.com/Dicklesworthstone/frankenterm/internal/storage"
	"github.com/Dicklesworthstone/frankenterm/internal/watcher"
)

// setup boots a real Watcher against a temp data dir and serves this
// package's Server over a unix socket, mirroring transport_test.go's
// store+Server+Client wiring one layer up the stack.
func setup(t *testing.T) (*watcher.Watcher, *ftclient.Client, func()) {
	t.Helper()

	dir := t.TempDir()
	if err := config.EnsureDataDir(dir); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}

	a := simadapter.New()
	w := watcher.New(dir, a)

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}

	srv := NewServer(w)
	sock := filepath.Join(dir, "ft.sock")
	ln, err := Listen(sock)
	if err != nil {
		cancel()
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(ln)

	client := ftclient.New(sock)
	cleanup := func() {
		srv.Close()
		ln.Close()
		cancel()
		w.Stop(2 * time.Second)
	}
	return w, client, cleanup
}

func dialCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHandleStateListsSimulatedPanes(t *testing.T) {
	w, client, cleanup := setup(t)
	defer cleanup()

	a := w.Adapter.(*simadapter.Adapter)
	paneID := a.AddPane("shell", "tmux", "/home")
	a.SetPromptActive(paneID, true)

	var panes []paneState
	if err := client.Get(dialCtx(t), "/state", &panes); err != nil {
		t.Fatalf("GET /state: %v", err)
	}
	if len(panes) != 1 {
		t.Fatalf("want 1 pane, got %d", len(panes))
	}
	if panes[0].PaneID != paneID {
		t.Errorf("want pane_id=%d, got %d", paneID, panes[0].PaneID)
	}
	if !panes[0].PromptActive {
		t.Error("want prompt_active=true")
	}
}

func TestHandleSendDeniedOnAltScreen(t *testing.T) {
	w, client, cleanup := setup(t)
	defer cleanup()

	a := w.Adapter.(*simadapter.Adapter)
	paneID := a.AddPane("shell", "tmux", "/")
	a.SetPromptActive(paneID, true)
	a.SetAltScreen(paneID, true)

	var resp sendResponse
	err := client.Post(dialCtx(t), "/send", sendRequest{PaneID: paneID, Text: "ls"}, &resp)
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	if resp.Verdict != "deny" {
		t.Fatalf("want verdict=deny, got %s", resp.Verdict)
	}
	if resp.DenyCode != "policy.alt_screen_blocked" {
		t.Errorf("want deny_code=policy.alt_screen_blocked, got %s", resp.DenyCode)
	}
	if resp.Sent {
		t.Error("want sent=false on deny")
	}
}

func TestHandleSendAllowedWritesToAdapter(t *testing.T) {
	w, client, cleanup := setup(t)
	defer cleanup()

	a := w.Adapter.(*simadapter.Adapter)
	paneID := a.AddPane("shell", "tmux", "/")
	a.SetPromptActive(paneID, true)

	var resp sendResponse
	err := client.Post(dialCtx(t), "/send", sendRequest{PaneID: paneID, Text: "echo hi"}, &resp)
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	if resp.Verdict != "allow" {
		t.Fatalf("want verdict=allow, got %s", resp.Verdict)
	}
	if !resp.Sent {
		t.Error("want sent=true on allow")
	}
}

func TestHandleSearchFindsIngestedSegment(t *testing.T) {
	w, client, cleanup := setup(t)
	defer cleanup()

	ctx := dialCtx(t)
	a := w.Adapter.(*simadapter.Adapter)
	paneID := a.AddPane("shell", "tmux", "/")
	if _, err := w.Storage.Submit(ctx, storage.RegisterPane{PaneID: paneID, Title: "shell", Domain: "tmux", CWD: "/", ObservedSinceMS: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("register pane: %v", err)
	}
	if _, err := w.Storage.Submit(ctx, storage.AppendSegment{
		PaneID:       paneID,
		Seq:          1,
		Content:      "Line 1\nLine 2 TOKEN_XYZ\nLine 3\n",
		CapturedAtMS: time.Now().UnixMilli(),
		Kind:         "delta",
	}); err != nil {
		t.Fatalf("seed segment: %v", err)
	}

	var hits []map[string]any
	if err := client.Get(ctx, "/search?query=TOKEN_XYZ", &hits); err != nil {
		t.Fatalf("GET /search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("want 1 hit, got %d", len(hits))
	}
}

func TestHandleSearchRejectsOversizedLimit(t *testing.T) {
	_, client, cleanup := setup(t)
	defer cleanup()

	var hits []map[string]any
	err := client.Get(dialCtx(t), "/search?query=x&limit=5000", &hits)
	if err == nil {
		t.Fatal("expected an error for limit > 1000")
	}
	ee, ok := err.(*ftclient.EnvelopeError)
	if !ok {
		t.Fatalf("expected *ftclient.EnvelopeError, got %T: %v", err, err)
	}
	if ee.Code != "search.invalid_limit" {
		t.Errorf("want code=search.invalid_limit, got %s", ee.Code)
	}
}

func TestHandleMuteAddListRemove(t *testing.T) {
	_, client, cleanup := setup(t)
	defer cleanup()
	ctx := dialCtx(t)

	if err := client.Post(ctx, "/mute/add", muteAddRequest{DedupKey: "core.codex:usage_reached"}, nil); err != nil {
		t.Fatalf("POST /mute/add: %v", err)
	}

	var mutes []map[string]any
	if err := client.Get(ctx, "/mute/list", &mutes); err != nil {
		t.Fatalf("GET /mute/list: %v", err)
	}
	if len(mutes) != 1 {
		t.Fatalf("want 1 mute, got %d", len(mutes))
	}

	if err := client.Post(ctx, "/mute/remove", muteRemoveRequest{DedupKey: "core.codex:usage_reached"}, nil); err != nil {
		t.Fatalf("POST /mute/remove: %v", err)
	}
	mutes = nil
	if err := client.Get(ctx, "/mute/list", &mutes); err != nil {
		t.Fatalf("GET /mute/list after remove: %v", err)
	}
	if len(mutes) != 0 {
		t.Fatalf("want 0 mutes after remove, got %d", len(mutes))
	}
}

func TestHandleWorkflowListIncludesDefaultSpec(t *testing.T) {
	_, client, cleanup := setup(t)
	defer cleanup()

	var specs []workflowListEntry
	if err := client.Get(dialCtx(t), "/workflow/list", &specs); err != nil {
		t.Fatalf("GET /workflow/list: %v", err)
	}
	found := false
	for _, s := range specs {
		if s.Name == "handle_usage_limits" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected handle_usage_limits among specs, got %+v", specs)
	}
}

func TestHandleWorkflowDryRunNeverMutatesStorage(t *testing.T) {
	w, client, cleanup := setup(t)
	defer cleanup()

	a := w.Adapter.(*simadapter.Adapter)
	paneID := a.AddPane("shell", "tmux", "/")
	a.SetPromptActive(paneID, true)

	ctx := dialCtx(t)
	var report map[string]any
	err := client.Post(ctx, "/workflow/dry_run", workflowDryRunRequest{Name: "handle_usage_limits", PaneID: paneID}, &report)
	if err != nil {
		t.Fatalf("POST /workflow/dry_run: %v", err)
	}
	if report["steps"] == nil {
		t.Fatalf("expected a steps field in the dry-run report, got %+v", report)
	}

	reader, err := w.Storage.ReaderHandle()
	if err != nil {
		t.Fatalf("ReaderHandle: %v", err)
	}
	defer reader.Close()
	ok, _, err := policy.VerifyChain(reader)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !ok {
		t.Fatal("expected an intact (empty) audit chain after a dry run")
	}
	records, err := reader.ListAuditRecords(0)
	if err != nil {
		t.Fatalf("ListAuditRecords: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no audit records after a dry run, got %d", len(records))
	}
}

func TestHandleDoctorReportsHealthy(t *testing.T) {
	_, client, cleanup := setup(t)
	defer cleanup()

	var report map[string]any
	if err := client.Get(dialCtx(t), "/doctor", &report); err != nil {
		t.Fatalf("GET /doctor: %v", err)
	}
	if report["health"] == nil {
		t.Fatalf("expected a health field in the doctor report, got %+v", report)
	}
}

func TestHandleWaitForTimesOutWithoutMatch(t *testing.T) {
	w, client, cleanup := setup(t)
	defer cleanup()

	a := w.Adapter.(*simadapter.Adapter)
	paneID := a.AddPane("shell", "tmux", "/")

	var resp waitForResponse
	req := waitForRequest{PaneID: paneID, RuleID: "core.codex:usage_reached", TimeoutMS: 50}
	if err := client.Post(context.Background(), "/wait_for", req, &resp); err != nil {
		t.Fatalf("POST /wait_for: %v", err)
	}
	if resp.Matched {
		t.Fatal("expected no match within the short timeout")
	}
}
