package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/eventbus"
	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
	"github.com/Dicklesworthstone/frankenterm/internal/mux"
	"github.com/Dicklesworthstone/frankenterm/internal/policy"
)

type sendRequest struct {
	PaneID    int64  `json:"pane_id"`
	Text      string `json:"text"`
	PasteMode string `json:"paste_mode"`
	DryRun    bool   `json:"dry_run"`
}

type sendResponse struct {
	Verdict           string `json:"verdict"`
	DenyCode          string `json:"deny_code,omitempty"`
	DenyMessage       string `json:"deny_message,omitempty"`
	ApprovalToken     string `json:"approval_token,omitempty"`
	ApprovalExpiresMS int64  `json:"approval_expires_ms,omitempty"`
	Sent              bool   `json:"sent"`
}

// handleSend implements POST /send (§6 "send_text"): policy-gated input
// delivery to a pane. dry_run asks only for the verdict, with no audit
// record and no Mux Adapter call — the same distinction workflow.DryRun
// draws for a planned SendText step.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, start, "api.invalid_body", "could not decode request body")
		return
	}

	pane, err := s.w.PaneState(req.PaneID)
	if err != nil {
		writeErr(w, start, err)
		return
	}

	polReq := policy.Request{
		Actor:  policy.ActorHuman,
		Action: policy.ActionSendText,
		Pane:   pane,
		Inputs: map[string]string{"text": req.Text, "paste_mode": req.PasteMode},
	}

	if req.DryRun {
		decision := s.w.Policy.EvaluateDryRun(polReq)
		writeOK(w, start, decisionToResponse(decision, false))
		return
	}

	decision, err := s.w.Policy.Evaluate(r.Context(), polReq)
	if err != nil {
		writeErr(w, start, err)
		return
	}
	if decision.Kind != policy.KindAllow {
		writeOK(w, start, decisionToResponse(decision, false))
		return
	}

	paste := mux.PasteModeBracketed
	if req.PasteMode == "keystroke" {
		paste = mux.PasteModeKeystroke
	}
	if err := s.w.Adapter.SendText(r.Context(), req.PaneID, []byte(req.Text), paste); err != nil {
		writeErr(w, start, err)
		return
	}
	writeOK(w, start, decisionToResponse(decision, true))
}

func decisionToResponse(d policy.Decision, sent bool) sendResponse {
	resp := sendResponse{Sent: sent}
	switch d.Kind {
	case policy.KindAllow:
		resp.Verdict = "allow"
	case policy.KindDeny:
		resp.Verdict = "deny"
		resp.DenyCode = d.DenyCode
		resp.DenyMessage = d.DenyMsg
	case policy.KindRequireApproval:
		resp.Verdict = "require_approval"
		resp.ApprovalToken = d.ApprovalToken
		resp.ApprovalExpiresMS = d.ApprovalExpiresMS
	}
	return resp
}

type waitForRequest struct {
	PaneID    int64  `json:"pane_id"`
	RuleID    string `json:"rule_id"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type waitForResponse struct {
	Matched bool   `json:"matched"`
	RuleID  string `json:"rule_id,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// handleWaitFor implements POST /wait_for (§6 "wait_for"): blocks the caller
// on the Event Bus until a detection on the named pane/rule arrives or the
// timeout elapses, rather than polling storage.
func (s *Server) handleWaitFor(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req waitForRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, start, "api.invalid_body", "could not decode request body")
		return
	}
	if req.TimeoutMS <= 0 {
		req.TimeoutMS = 30000
	}

	paneID := req.PaneID
	filter := eventbus.Filter{PaneID: &paneID}
	if req.RuleID != "" {
		filter.RuleID = &req.RuleID
	}
	sub := s.w.Bus.Subscribe(filter, eventbus.DropNewest)
	defer sub.Unsubscribe()

	select {
	case ev := <-sub.Events():
		writeOK(w, start, waitForResponse{Matched: true, RuleID: ev.RuleID, Snippet: ev.Snippet})
	case <-time.After(time.Duration(req.TimeoutMS) * time.Millisecond):
		writeOK(w, start, waitForResponse{Matched: false})
	case <-r.Context().Done():
		writeErr(w, start, ferr.New(ferr.Retryable, "api.request_cancelled", "client disconnected"))
	}
}
