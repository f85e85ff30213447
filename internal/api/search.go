package api

import (
	"net/http"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
	"github.com/Dicklesworthstone/frankenterm/internal/storage"
)

// handleSearch implements GET /search: a lexical FTS5 query over captured
// pane output. mode is accepted as a parameter now so a future semantic or
// hybrid mode can be added without an incompatible route change, but only
// "lexical" (the default) is implemented — §"Non-goals".
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		badRequest(w, start, "api.invalid_query", "query parameter is required")
		return
	}
	mode := q.Get("mode")
	if mode == "" {
		mode = "lexical"
	}
	if mode != "lexical" {
		writeErr(w, start, ferr.New(ferr.TerminalConfig, ferr.CodeUnsupportedMode, "only lexical search is supported"))
		return
	}

	opts := storage.SearchOptions{Limit: 100, Snippets: true}
	if v, ok := queryInt64(r, "pane"); ok {
		opts.PaneID = &v
	}
	if v, ok := queryInt64(r, "since"); ok {
		opts.SinceMS = &v
	}
	if v, ok := queryInt64(r, "until"); ok {
		opts.UntilMS = &v
	}
	if v, ok := queryInt(r, "limit"); ok {
		opts.Limit = v
	}
	if q.Has("snippets") {
		opts.Snippets = queryBool(r, "snippets")
	}

	reader, err := s.w.Storage.ReaderHandle()
	if err != nil {
		writeErr(w, start, err)
		return
	}
	defer reader.Close()

	hits, err := reader.Search(query, opts)
	if err != nil {
		writeErr(w, start, err)
		return
	}
	writeOK(w, start, hits)
}
