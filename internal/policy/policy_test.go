package policy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
	"github.com/Dicklesworthstone/frankenterm/internal/storage"
)

func openTestEngine(t *testing.T, requireApproval ApprovalRequiredActions) (*Engine, context.Context) {
	t.Helper()
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h, err := storage.Open(ctx, filepath.Join(dir, "db.sqlite"), storage.Options{})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	limiter := NewRateLimiter(1000, 1000)
	issuer := NewApprovalIssuer([]byte("test-key"), time.Minute)
	return NewEngine(h, limiter, issuer, requireApproval), ctx
}

func basePane() PaneState {
	return PaneState{PaneID: 1, PromptActive: true, HostApproved: true}
}

func TestAllowsWhenAllGatesPass(t *testing.T) {
	e, ctx := openTestEngine(t, nil)
	d, err := e.Evaluate(ctx, Request{Actor: ActorHuman, Action: ActionSendText, Pane: basePane()})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != KindAllow {
		t.Fatalf("expected Allow, got %+v", d)
	}
}

func TestDeniesAltScreenPane(t *testing.T) {
	e, ctx := openTestEngine(t, nil)
	pane := basePane()
	pane.AltScreen = true
	d, err := e.Evaluate(ctx, Request{Actor: ActorHuman, Action: ActionSendText, Pane: pane})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != KindDeny || d.DenyCode != ferr.CodeAltScreenBlocked {
		t.Fatalf("expected alt-screen denial, got %+v", d)
	}
}

func TestDeniesPromptInactiveForSendText(t *testing.T) {
	e, ctx := openTestEngine(t, nil)
	pane := basePane()
	pane.PromptActive = false
	d, err := e.Evaluate(ctx, Request{Actor: ActorHuman, Action: ActionSendText, Pane: pane})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != KindDeny || d.DenyCode != ferr.CodePromptInactiveBlocked {
		t.Fatalf("expected prompt-inactive denial, got %+v", d)
	}
}

func TestDeniesClosedPaneBeforeOtherChecks(t *testing.T) {
	e, ctx := openTestEngine(t, nil)
	pane := basePane()
	pane.Closed = true
	pane.AltScreen = true // would also deny, but closed should win
	d, err := e.Evaluate(ctx, Request{Actor: ActorHuman, Action: ActionSendText, Pane: pane})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.DenyCode != ferr.CodePaneClosedBlocked {
		t.Fatalf("expected pane-closed denial to win, got %+v", d)
	}
}

func TestDeniesHostNotApproved(t *testing.T) {
	e, ctx := openTestEngine(t, nil)
	pane := basePane()
	pane.HostApproved = false
	d, err := e.Evaluate(ctx, Request{Actor: ActorHuman, Action: ActionSendText, Pane: pane})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != KindDeny || d.DenyCode != ferr.CodeHostNotApproved {
		t.Fatalf("expected host-not-approved denial, got %+v", d)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	e, ctx := openTestEngine(t, ApprovalRequiredActions{ActionWorkflowRun: true})
	pane := basePane()

	d, err := e.Evaluate(ctx, Request{Actor: ActorWorkflow, Action: ActionWorkflowRun, Pane: pane})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != KindRequireApproval {
		t.Fatalf("expected RequireApproval, got %+v", d)
	}

	d2, err := e.Evaluate(ctx, Request{Actor: ActorWorkflow, Action: ActionWorkflowRun, Pane: pane, ApprovalToken: d.ApprovalToken})
	if err != nil {
		t.Fatalf("Evaluate with token: %v", err)
	}
	if d2.Kind != KindAllow {
		t.Fatalf("expected Allow once a valid token is presented, got %+v", d2)
	}
}

func TestApprovalTokenDoesNotTransferAcrossPanes(t *testing.T) {
	e, ctx := openTestEngine(t, ApprovalRequiredActions{ActionWorkflowRun: true})
	pane1 := basePane()
	pane2 := basePane()
	pane2.PaneID = 2

	d, err := e.Evaluate(ctx, Request{Actor: ActorWorkflow, Action: ActionWorkflowRun, Pane: pane1})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	d2, err := e.Evaluate(ctx, Request{Actor: ActorWorkflow, Action: ActionWorkflowRun, Pane: pane2, ApprovalToken: d.ApprovalToken})
	if err != nil {
		t.Fatalf("Evaluate with mismatched token: %v", err)
	}
	if d2.Kind != KindRequireApproval {
		t.Fatalf("expected a fresh RequireApproval for the mismatched pane, got %+v", d2)
	}
}

func TestRedactsSecretLikeInputsInAuditTrail(t *testing.T) {
	e, ctx := openTestEngine(t, nil)
	d, err := e.Evaluate(ctx, Request{
		Actor:  ActorHuman,
		Action: ActionSendText,
		Pane:   basePane(),
		Inputs: map[string]string{"text": "export KEY=sk-abcdefghijklmnopqrstuvwx"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.RedactedInputs["text"] == "export KEY=sk-abcdefghijklmnopqrstuvwx" {
		t.Fatalf("expected secret-like input to be redacted, got %q", d.RedactedInputs["text"])
	}
}

func TestRateLimitDeniesAfterBurstExhausted(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, err := storage.Open(ctx, filepath.Join(dir, "db.sqlite"), storage.Options{})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer h.Close()

	limiter := NewRateLimiter(0.001, 1)
	issuer := NewApprovalIssuer([]byte("k"), time.Minute)
	e := NewEngine(h, limiter, issuer, nil)

	pane := basePane()
	if d, err := e.Evaluate(ctx, Request{Actor: ActorHuman, Action: ActionSendText, Pane: pane}); err != nil || d.Kind != KindAllow {
		t.Fatalf("expected first call to be allowed, got %+v / %v", d, err)
	}
	d, err := e.Evaluate(ctx, Request{Actor: ActorHuman, Action: ActionSendText, Pane: pane})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != KindDeny || d.DenyCode != ferr.CodeRateLimited {
		t.Fatalf("expected rate_limited denial on second call, got %+v", d)
	}
}
