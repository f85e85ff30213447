package simadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Harness exposes an Adapter over a single websocket endpoint so the full
// ingest→storage→pattern pipeline can be exercised against something that
// looks like a real network-attached multiplexer, rather than an in-process
// struct. It is a test/demo fixture, not a production transport: the real
// Mux Adapter boundary the watcher uses in production is whatever concrete
// implementation the operator wires in (out of scope per §4.1).
type Harness struct {
	Adapter *Adapter

	mu       sync.Mutex
	listener net.Listener
}

// feedRequest is the wire message a harness client sends to script output
// into a simulated pane (list_panes/get_text/send_text are driven through
// the ordinary mux.Adapter calls; feed is harness-only).
type feedRequest struct {
	PaneID int64  `json:"pane_id"`
	Data   string `json:"data"`
}

func NewHarness(a *Adapter) *Harness {
	return &Harness{Adapter: a}
}

// routes builds the harness's single-endpoint mux, shared by Start and by
// tests that already hold a listener (e.g. one bound to an ephemeral port).
func (h *Harness) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/feed", h.handleFeed)
	return mux
}

// Start begins listening on addr, serving a single GET /ws/feed endpoint
// that accepts feedRequest messages and applies them to the adapter.
func (h *Harness) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("harness listen: %w", err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	log.Printf("[simadapter] harness listening on %s", addr)
	return http.Serve(ln, h.routes())
}

func (h *Harness) Close() error {
	h.mu.Lock()
	ln := h.listener
	h.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (h *Harness) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		var req feedRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		h.Adapter.Feed(req.PaneID, []byte(req.Data))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"ok":true}`))
	}
}

// dialFeed is a minimal client used by tests to push a feed message over
// the harness without depending on a specific test's transport choice.
func dialFeed(ctx context.Context, url string, req feedRequest) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
