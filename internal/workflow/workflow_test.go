package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/eventbus"
	"github.com/Dicklesworthstone/frankenterm/internal/mux/simadapter"
	"github.com/Dicklesworthstone/frankenterm/internal/pattern"
	"github.com/Dicklesworthstone/frankenterm/internal/policy"
	"github.com/Dicklesworthstone/frankenterm/internal/storage"
)

func openTestRunner(t *testing.T, pane *simadapter.Adapter, paneID int64) (*Runner, context.Context, *storage.Handle) {
	return openTestRunnerWithBus(t, pane, paneID, eventbus.New())
}

func openTestRunnerWithBus(t *testing.T, pane *simadapter.Adapter, paneID int64, bus *eventbus.Bus) (*Runner, context.Context, *storage.Handle) {
	t.Helper()
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h, err := storage.Open(ctx, filepath.Join(dir, "db.sqlite"), storage.Options{})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	limiter := policy.NewRateLimiter(1000, 1000)
	issuer := policy.NewApprovalIssuer([]byte("k"), time.Minute)
	pol := policy.NewEngine(h, limiter, issuer, nil)

	paneState := func(id int64) (policy.PaneState, error) {
		return policy.PaneState{PaneID: id, PromptActive: true, HostApproved: true}, nil
	}

	r := NewRunner(h, pol, pane, bus, paneState, 4)
	return r, ctx, h
}

func TestRunExecutesStepsAndSucceeds(t *testing.T) {
	a := simadapter.New()
	paneID := a.AddPane("shell", "tmux", "/")
	a.SetPromptActive(paneID, true)

	r, ctx, h := openTestRunner(t, a, paneID)
	spec := &Spec{Name: "greet", Steps: []Step{SendText{Pane: paneID, Text: "echo hi\n"}}}

	id, err := r.Run(ctx, spec, paneID, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	waitForTerminal(t, r, id)
	status, _, _, ok := r.Status(id)
	if !ok || status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %v", status)
	}

	reader, err := h.ReaderHandle()
	if err != nil {
		t.Fatalf("ReaderHandle: %v", err)
	}
	defer reader.Close()
	exec, err := reader.GetExecution(id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec == nil || exec.Status != string(StatusSucceeded) {
		t.Fatalf("expected persisted execution to be succeeded, got %+v", exec)
	}
}

func TestRunRejectsCollisionOnSamePaneByDefault(t *testing.T) {
	a := simadapter.New()
	paneID := a.AddPane("shell", "tmux", "/")
	a.SetPromptActive(paneID, true)

	r, ctx, _ := openTestRunner(t, a, paneID)
	spec := &Spec{Name: "slow", Steps: []Step{Sleep{MS: 200}}}

	id1, err := r.Run(ctx, spec, paneID, nil, false)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	_ = id1

	_, err = r.Run(ctx, spec, paneID, nil, false)
	if err == nil {
		t.Fatal("expected second Run on the same busy pane to be rejected")
	}
}

func TestDryRunProducesReportWithoutExecuting(t *testing.T) {
	a := simadapter.New()
	paneID := a.AddPane("shell", "tmux", "/")
	a.SetPromptActive(paneID, true)

	_, ctx, h := openTestRunner(t, a, paneID)
	limiter := policy.NewRateLimiter(1000, 1000)
	issuer := policy.NewApprovalIssuer([]byte("k"), time.Minute)
	pol := policy.NewEngine(h, limiter, issuer, nil)

	spec := &Spec{Name: "greet", Steps: []Step{SendText{Pane: paneID, Text: "echo hi\n"}}}
	pane := policy.PaneState{PaneID: paneID, PromptActive: true, HostApproved: true}

	report, err := DryRun(pol, func(req policy.Request) (policy.Decision, error) { return pol.Evaluate(ctx, req) }, spec, paneID, pane, nil)
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if len(report.Steps) != 1 || report.Steps[0].PolicyVerdict != "allow" {
		t.Fatalf("expected one allowed step, got %+v", report.Steps)
	}
	if sent := a.SentText(paneID); len(sent) != 0 {
		t.Fatalf("expected dry run to send nothing to the adapter, got %v", sent)
	}
}

func TestWaitForPatternSucceedsOnlyAfterMatchingBusEvent(t *testing.T) {
	a := simadapter.New()
	paneID := a.AddPane("shell", "tmux", "/")
	a.SetPromptActive(paneID, true)
	a.Feed(paneID, []byte("some unrelated scrollback\n"))

	bus := eventbus.New()
	r, ctx, _ := openTestRunnerWithBus(t, a, paneID, bus)
	spec := &Spec{Name: "wait", Steps: []Step{WaitForPattern{Pane: paneID, RuleOrRegex: "agent.done:ready", TimeoutMS: 2000}}}

	id, err := r.Run(ctx, spec, paneID, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// A non-matching event must not complete the step.
	bus.Publish(eventbus.Event{PaneID: paneID, DetectionEvent: pattern.DetectionEvent{RuleID: "agent.other:noise", Snippet: "noise"}})
	time.Sleep(50 * time.Millisecond)
	if status, _, _, ok := r.Status(id); !ok || status.Terminal() {
		t.Fatalf("expected execution still running after a non-matching event, got %v", status)
	}

	bus.Publish(eventbus.Event{PaneID: paneID, DetectionEvent: pattern.DetectionEvent{RuleID: "agent.done:ready", Snippet: "ready"}})

	waitForTerminal(t, r, id)
	status, _, _, ok := r.Status(id)
	if !ok || status != StatusSucceeded {
		t.Fatalf("expected succeeded after matching event, got %v", status)
	}
}

func TestWaitForPatternTimesOutWithoutMatch(t *testing.T) {
	a := simadapter.New()
	paneID := a.AddPane("shell", "tmux", "/")
	a.SetPromptActive(paneID, true)
	a.Feed(paneID, []byte("plenty of scrollback, but no detection ever arrives\n"))

	r, ctx, _ := openTestRunner(t, a, paneID)
	spec := &Spec{Name: "wait", Steps: []Step{WaitForPattern{Pane: paneID, RuleOrRegex: "agent.done:ready", TimeoutMS: 100}}}

	id, err := r.Run(ctx, spec, paneID, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	waitForTerminal(t, r, id)
	status, _, _, ok := r.Status(id)
	if !ok || status != StatusFailed {
		t.Fatalf("expected the wait to time out and fail, got %v", status)
	}
}

func waitForTerminal(t *testing.T, r *Runner, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status, _, _, ok := r.Status(id); ok && status.Terminal() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal state in time", id)
}
