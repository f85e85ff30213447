package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
	"github.com/Dicklesworthstone/frankenterm/internal/policy"
	"github.com/Dicklesworthstone/frankenterm/internal/workflow"
)

const codeWorkflowNotFound = "workflow.not_found"

func (s *Server) lookupSpec(name string) (*workflow.Spec, error) {
	spec, ok := s.w.Specs[name]
	if !ok {
		return nil, ferr.New(ferr.NotFound, codeWorkflowNotFound, "no workflow spec named "+name)
	}
	return spec, nil
}

type workflowRunRequest struct {
	Name   string `json:"name"`
	PaneID int64  `json:"pane_id"`
	Force  bool   `json:"force"`
}

// handleWorkflowRun implements POST /workflow/run.
func (s *Server) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req workflowRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, start, "api.invalid_body", "could not decode request body")
		return
	}
	spec, err := s.lookupSpec(req.Name)
	if err != nil {
		writeErr(w, start, err)
		return
	}
	id, err := s.w.Runner.Run(r.Context(), spec, req.PaneID, nil, req.Force)
	if err != nil {
		writeErr(w, start, err)
		return
	}
	writeOK(w, start, map[string]string{"execution_id": id})
}

type workflowListEntry struct {
	Name    string `json:"name"`
	Trigger string `json:"trigger"`
	Steps   int    `json:"steps"`
}

// handleWorkflowList implements GET /workflow/list.
func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	out := make([]workflowListEntry, 0, len(s.w.Specs))
	for _, spec := range s.w.Specs {
		out = append(out, workflowListEntry{Name: spec.Name, Trigger: spec.Trigger, Steps: len(spec.Steps)})
	}
	writeOK(w, start, out)
}

type workflowStatusResponse struct {
	ExecutionID string                   `json:"execution_id"`
	Status      string                   `json:"status"`
	CurrentStep int                      `json:"current_step"`
	StepLog     []workflow.StepLogEntry `json:"step_log"`
}

// handleWorkflowStatus implements GET /workflow/status/{id}.
func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.PathValue("id")
	status, current, stepLog, ok := s.w.Runner.Status(id)
	if !ok {
		writeErr(w, start, ferr.New(ferr.NotFound, ferr.CodeExecutionNotFound, "no execution with that id"))
		return
	}
	writeOK(w, start, workflowStatusResponse{
		ExecutionID: id,
		Status:      string(status),
		CurrentStep: current,
		StepLog:     stepLog,
	})
}

type workflowDryRunRequest struct {
	Name   string `json:"name"`
	PaneID int64  `json:"pane_id"`
}

// handleWorkflowDryRun implements POST /workflow/dry_run: plans a spec
// against pane_id's current state without touching the Mux Adapter, using
// policy.Engine.EvaluateDryRun so the preview writes no audit record for the
// actions it previews (unlike a live run, where every decision is audited).
func (s *Server) handleWorkflowDryRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req workflowDryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, start, "api.invalid_body", "could not decode request body")
		return
	}
	spec, err := s.lookupSpec(req.Name)
	if err != nil {
		writeErr(w, start, err)
		return
	}
	pane, err := s.w.PaneState(req.PaneID)
	if err != nil {
		writeErr(w, start, err)
		return
	}
	evalFn := func(preq policy.Request) (policy.Decision, error) {
		return s.w.Policy.EvaluateDryRun(preq), nil
	}
	report, err := workflow.DryRun(s.w.Policy, evalFn, spec, req.PaneID, pane, nil)
	if err != nil {
		writeErr(w, start, err)
		return
	}
	writeOK(w, start, report)
}
