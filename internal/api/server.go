package api

import (
	"net"
	"net/http"
	"os"

	"github.com/Dicklesworthstone/frankenterm/internal/watcher"
)

// Server exposes the Watcher's collaborators over a unix-socket HTTP API,
// the same net/http-over-unix-socket shape as internal/transport.Server,
// swapped from a store.Store to a watcher.Watcher.
type Server struct {
	w    *watcher.Watcher
	http *http.Server
}

// NewServer builds a Server bound to w. Routes are registered eagerly so
// Serve can be called directly against any net.Listener (ftd and the tests
// both use the unix socket returned by Listen).
func NewServer(w *watcher.Watcher) *Server {
	mux := http.NewServeMux()
	s := &Server{w: w}
	s.registerRoutes(mux)
	s.http = &http.Server{Handler: mux}
	return s
}

// Listen removes any stale socket file and opens a unix-socket listener at
// sockPath, matching transport.Server.ListenAndServe's stale-socket cleanup.
func Listen(sockPath string) (net.Listener, error) {
	os.Remove(sockPath)
	return net.Listen("unix", sockPath)
}

func (s *Server) Serve(ln net.Listener) error {
	return s.http.Serve(ln)
}

func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /text", s.handleGetText)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("POST /wait_for", s.handleWaitFor)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /events", s.handleListEvents)
	mux.HandleFunc("POST /events/{id}/annotate", s.handleAnnotateEvent)
	mux.HandleFunc("POST /events/{id}/triage", s.handleTriageEvent)
	mux.HandleFunc("POST /events/{id}/label", s.handleLabelEvent)
	mux.HandleFunc("POST /workflow/run", s.handleWorkflowRun)
	mux.HandleFunc("GET /workflow/list", s.handleWorkflowList)
	mux.HandleFunc("GET /workflow/status/{id}", s.handleWorkflowStatus)
	mux.HandleFunc("POST /workflow/dry_run", s.handleWorkflowDryRun)
	mux.HandleFunc("POST /mute/add", s.handleMuteAdd)
	mux.HandleFunc("GET /mute/list", s.handleMuteList)
	mux.HandleFunc("POST /mute/remove", s.handleMuteRemove)
	mux.HandleFunc("GET /doctor", s.handleDoctor)
}
