package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/storage"
)

type muteAddRequest struct {
	DedupKey    string `json:"dedup_key"`
	ExpiresAtMS *int64 `json:"expires_at_ms"`
}

// handleMuteAdd implements POST /mute/add.
func (s *Server) handleMuteAdd(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req muteAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, start, "api.invalid_body", "could not decode request body")
		return
	}
	if req.DedupKey == "" {
		badRequest(w, start, "api.invalid_dedup_key", "dedup_key is required")
		return
	}
	if _, err := s.w.Storage.Submit(r.Context(), storage.UpsertMute{DedupKey: req.DedupKey, ExpiresAtMS: req.ExpiresAtMS}); err != nil {
		writeErr(w, start, err)
		return
	}
	writeOK(w, start, map[string]string{"dedup_key": req.DedupKey})
}

// handleMuteList implements GET /mute/list.
func (s *Server) handleMuteList(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reader, err := s.w.Storage.ReaderHandle()
	if err != nil {
		writeErr(w, start, err)
		return
	}
	defer reader.Close()
	mutes, err := reader.ListMutes()
	if err != nil {
		writeErr(w, start, err)
		return
	}
	writeOK(w, start, mutes)
}

type muteRemoveRequest struct {
	DedupKey string `json:"dedup_key"`
}

// handleMuteRemove implements POST /mute/remove.
func (s *Server) handleMuteRemove(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req muteRemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, start, "api.invalid_body", "could not decode request body")
		return
	}
	if _, err := s.w.Storage.Submit(r.Context(), storage.RemoveMute{DedupKey: req.DedupKey}); err != nil {
		writeErr(w, start, err)
		return
	}
	writeOK(w, start, map[string]string{"dedup_key": req.DedupKey})
}
