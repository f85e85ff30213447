package api

import (
	"net/http"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/mux"
)

// paneState is the §6 "state" operation's per-pane payload: persisted
// metadata joined with the Mux Adapter's live runtime flags.
type paneState struct {
	PaneID       int64  `json:"pane_id"`
	Title        string `json:"title"`
	Domain       string `json:"domain"`
	CWD          string `json:"cwd"`
	AltScreen    bool   `json:"alt_screen"`
	PromptActive bool   `json:"prompt_active"`
	Closed       bool   `json:"closed"`
}

// handleState implements GET /state: the list of observed panes with their
// current runtime properties, sourced live from the Mux Adapter rather than
// the persisted pane rows (Storage.ReaderHandle's Pane rows lag live state by
// up to one poll interval and don't carry AltScreen/PromptActive at all).
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	panes, err := s.w.Adapter.ListPanes(r.Context())
	if err != nil {
		writeErr(w, start, err)
		return
	}
	out := make([]paneState, 0, len(panes))
	for _, p := range panes {
		out = append(out, paneState{
			PaneID:       p.PaneID,
			Title:        p.Title,
			Domain:       p.Domain,
			CWD:          p.CWD,
			AltScreen:    p.AltScreen,
			PromptActive: p.PromptActive,
			Closed:       p.Closed,
		})
	}
	writeOK(w, start, out)
}

// handleGetText implements GET /text?pane=<id>&mode=scrollback|viewport|escapes&lines=<n>.
func (s *Server) handleGetText(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	paneID, ok := queryInt64(r, "pane")
	if !ok {
		badRequest(w, start, "api.invalid_pane", "pane query parameter is required and must be an integer")
		return
	}
	mode := mux.ModeScrollbackNLines
	switch r.URL.Query().Get("mode") {
	case "", "scrollback":
		mode = mux.ModeScrollbackNLines
	case "viewport":
		mode = mux.ModeViewport
	case "escapes":
		mode = mux.ModeWithEscapes
	default:
		badRequest(w, start, "api.invalid_mode", "mode must be one of scrollback, viewport, escapes")
		return
	}
	lines := 200
	if v, ok := queryInt(r, "lines"); ok {
		lines = v
	}
	data, err := s.w.Adapter.GetText(r.Context(), paneID, mode, lines)
	if err != nil {
		writeErr(w, start, err)
		return
	}
	writeOK(w, start, map[string]string{"text": string(data)})
}
