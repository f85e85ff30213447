package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
	"github.com/Dicklesworthstone/frankenterm/internal/storage"
)

// ApprovalRequiredActions lists the actions that must present an unexpired
// approval token before being allowed, even when every other gate passes.
type ApprovalRequiredActions map[Action]bool

// Engine evaluates requests against the ordered rules in §4.6: redaction,
// hard capability denials, rate limiting, approval requirement, allow. It
// writes every decision to the audit chain regardless of outcome.
type Engine struct {
	storage      *storage.Handle
	limiter      *RateLimiter
	approvals    *ApprovalIssuer
	requireApproval ApprovalRequiredActions
}

func NewEngine(h *storage.Handle, limiter *RateLimiter, approvals *ApprovalIssuer, requireApproval ApprovalRequiredActions) *Engine {
	if requireApproval == nil {
		requireApproval = ApprovalRequiredActions{}
	}
	return &Engine{storage: h, limiter: limiter, approvals: approvals, requireApproval: requireApproval}
}

// Evaluate runs the full rule pipeline and records the resulting decision
// to the audit chain before returning it.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	decision := e.evaluate(req)
	if err := e.audit(ctx, req, decision); err != nil {
		return decision, err
	}
	return decision, nil
}

// EvaluateDryRun runs the same rule pipeline as Evaluate but never writes an
// audit record, for callers like the workflow dry-run planner and the API's
// send dry_run mode that must report a verdict without any side effect.
func (e *Engine) EvaluateDryRun(req Request) Decision {
	return e.evaluate(req)
}

func (e *Engine) evaluate(req Request) Decision {
	redacted := RedactInputs(req.Inputs)

	// Rule 2: hard denials.
	if req.Pane.Closed {
		return Decision{Kind: KindDeny, DenyCode: ferr.CodePaneClosedBlocked, DenyMsg: "pane is closed", RedactedInputs: redacted}
	}
	if req.Pane.AltScreen {
		return Decision{Kind: KindDeny, DenyCode: ferr.CodeAltScreenBlocked, DenyMsg: "pane is in alternate screen buffer", RedactedInputs: redacted}
	}
	if req.Action == ActionSendText && !req.Pane.PromptActive {
		return Decision{Kind: KindDeny, DenyCode: ferr.CodePromptInactiveBlocked, DenyMsg: "pane has no active prompt", RedactedInputs: redacted}
	}
	if !req.Pane.HostApproved {
		return Decision{Kind: KindDeny, DenyCode: ferr.CodeHostNotApproved, DenyMsg: "host is not approved", RedactedInputs: redacted}
	}

	// Rule 3: rate limit.
	if e.limiter != nil && !e.limiter.Allow(req.Actor, req.Action) {
		retry := e.limiter.RetryAfter(req.Actor, req.Action)
		return Decision{
			Kind:           KindDeny,
			DenyCode:       ferr.CodeRateLimited,
			DenyMsg:        "rate limit exceeded",
			DenyHint:       fmt.Sprintf("retry-after=%s", retry.Round(time.Millisecond)),
			RedactedInputs: redacted,
		}
	}

	// Rule 4: approval requirement.
	if e.requireApproval[req.Action] {
		if req.ApprovalToken == "" {
			return e.issueApproval(req, redacted)
		}
		if err := e.approvals.Validate(req.ApprovalToken, req.Actor, req.Action, req.Pane.PaneID); err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return Decision{Kind: KindDeny, DenyCode: ferr.CodeApprovalExpired, DenyMsg: "approval token expired", RedactedInputs: redacted}
			}
			return e.issueApproval(req, redacted)
		}
	}

	// Rule 5: allow.
	return Decision{Kind: KindAllow, RedactedInputs: redacted}
}

func (e *Engine) issueApproval(req Request, redacted map[string]string) Decision {
	token, expiresAtMS, err := e.approvals.Issue(req.Actor, req.Action, req.Pane.PaneID)
	if err != nil {
		return Decision{Kind: KindDeny, DenyCode: ferr.CodeApprovalRequired, DenyMsg: "failed to issue approval token", RedactedInputs: redacted}
	}
	return Decision{
		Kind:              KindRequireApproval,
		ApprovalToken:     token,
		ApprovalExpiresMS: expiresAtMS,
		RedactedInputs:    redacted,
	}
}

func (e *Engine) audit(ctx context.Context, req Request, decision Decision) error {
	decisionJSON, err := decision.MarshalForAudit()
	if err != nil {
		return fmt.Errorf("marshal decision for audit: %w", err)
	}
	inputsJSON, err := json.Marshal(decision.RedactedInputs)
	if err != nil {
		return fmt.Errorf("marshal redacted inputs for audit: %w", err)
	}
	paneID := req.Pane.PaneID
	_, err = e.storage.Submit(ctx, storage.RecordAudit{
		ActorKind:      string(req.Actor),
		Action:         string(req.Action),
		TargetPane:     &paneID,
		Decision:       decisionJSON,
		InputsRedacted: inputsJSON,
		AtMS:           time.Now().UnixMilli(),
	})
	return err
}
