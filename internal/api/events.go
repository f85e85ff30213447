package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/storage"
)

// handleListEvents implements GET /events.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	filter := storage.EventFilter{Limit: 100}
	if v, ok := queryInt64(r, "pane"); ok {
		filter.PaneID = &v
	}
	if v := r.URL.Query().Get("rule_id"); v != "" {
		filter.RuleID = &v
	}
	filter.Unhandled = queryBool(r, "unhandled")
	if v, ok := queryInt(r, "limit"); ok {
		filter.Limit = v
	}

	reader, err := s.w.Storage.ReaderHandle()
	if err != nil {
		writeErr(w, start, err)
		return
	}
	defer reader.Close()

	events, err := reader.ListEvents(filter)
	if err != nil {
		writeErr(w, start, err)
		return
	}
	writeOK(w, start, events)
}

type annotateRequest struct {
	Handled *bool    `json:"handled"`
	Labels  []string `json:"labels"`
}

func eventIDFromPath(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// handleAnnotateEvent implements POST /events/{id}/annotate: sets both the
// handled flag and the label set in one call, whichever fields the caller
// supplied.
func (s *Server) handleAnnotateEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := eventIDFromPath(r)
	if !ok {
		badRequest(w, start, "api.invalid_event_id", "event id must be an integer")
		return
	}
	var req annotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, start, "api.invalid_body", "could not decode request body")
		return
	}
	if _, err := s.w.Storage.Submit(r.Context(), storage.AnnotateEvent{EventID: id, Handled: req.Handled, Labels: req.Labels}); err != nil {
		writeErr(w, start, err)
		return
	}
	writeOK(w, start, map[string]any{"event_id": id})
}

type triageRequest struct {
	Handled bool `json:"handled"`
}

// handleTriageEvent implements POST /events/{id}/triage: marks an event
// handled or unhandled without touching its labels.
func (s *Server) handleTriageEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := eventIDFromPath(r)
	if !ok {
		badRequest(w, start, "api.invalid_event_id", "event id must be an integer")
		return
	}
	var req triageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, start, "api.invalid_body", "could not decode request body")
		return
	}
	handled := req.Handled
	if _, err := s.w.Storage.Submit(r.Context(), storage.AnnotateEvent{EventID: id, Handled: &handled}); err != nil {
		writeErr(w, start, err)
		return
	}
	writeOK(w, start, map[string]any{"event_id": id, "handled": handled})
}

type labelRequest struct {
	Labels []string `json:"labels"`
}

// handleLabelEvent implements POST /events/{id}/label: replaces an event's
// label set without touching its handled flag.
func (s *Server) handleLabelEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := eventIDFromPath(r)
	if !ok {
		badRequest(w, start, "api.invalid_event_id", "event id must be an integer")
		return
	}
	var req labelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, start, "api.invalid_body", "could not decode request body")
		return
	}
	if req.Labels == nil {
		req.Labels = []string{}
	}
	if _, err := s.w.Storage.Submit(r.Context(), storage.AnnotateEvent{EventID: id, Labels: req.Labels}); err != nil {
		writeErr(w, start, err)
		return
	}
	writeOK(w, start, map[string]any{"event_id": id, "labels": req.Labels})
}
