// Package simadapter is an in-memory Mux Adapter used by tests, as ftd's
// built-in backend, and by the coder/websocket-backed harness in harness.go. It
// stands in for a real terminal multiplexer the way internal/egg/vterm.go
// stood in for a third-party terminal emulator in the teacher repo: a
// reference implementation, not a production backend.
package simadapter

import (
	"context"
	"sync"

	"github.com/Dicklesworthstone/frankenterm/internal/mux"
)

type pane struct {
	desc    mux.PaneDescriptor
	buffer  []byte // full scrollback, append-only until truncated to maxScroll
	sent    [][]byte
}

// Adapter is a concurrency-safe, fully in-process mux.Adapter. Tests drive it
// directly with Feed/AddPane/ClosePane to script a scenario deterministically.
type Adapter struct {
	mu          sync.Mutex
	panes       map[int64]*pane
	nextPaneID  int64
	maxScroll   int
	unavailable bool
}

const defaultMaxScrollback = 1 << 20 // 1 MiB per pane, matches a generous real backend's default

func New() *Adapter {
	return &Adapter{
		panes:      make(map[int64]*pane),
		nextPaneID: 1,
		maxScroll:  defaultMaxScrollback,
	}
}

// SetUnavailable flips the adapter into BackendUnavailable mode for every
// subsequent call, so tests can exercise the ingest layer's retry path.
func (a *Adapter) SetUnavailable(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unavailable = v
}

// AddPane registers a new simulated pane and returns its id.
func (a *Adapter) AddPane(title, domain, cwd string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextPaneID
	a.nextPaneID++
	a.panes[id] = &pane{desc: mux.PaneDescriptor{
		PaneID: id,
		Title:  title,
		Domain: domain,
		CWD:    cwd,
	}}
	return id
}

// Feed appends bytes to a pane's scrollback buffer, simulating new terminal
// output arriving between polls.
func (a *Adapter) Feed(paneID int64, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.panes[paneID]
	if !ok {
		return
	}
	p.buffer = append(p.buffer, data...)
	if len(p.buffer) > a.maxScroll {
		p.buffer = p.buffer[len(p.buffer)-a.maxScroll:]
	}
}

// TruncateScrollback drops everything but the trailing n bytes, simulating a
// backend whose scrollback wrapped between polls (forces overlap_lost).
func (a *Adapter) TruncateScrollback(paneID int64, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.panes[paneID]
	if !ok || len(p.buffer) <= n {
		return
	}
	p.buffer = p.buffer[len(p.buffer)-n:]
}

func (a *Adapter) SetAltScreen(paneID int64, v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.panes[paneID]; ok {
		p.desc.AltScreen = v
	}
}

func (a *Adapter) SetPromptActive(paneID int64, v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.panes[paneID]; ok {
		p.desc.PromptActive = v
	}
}

func (a *Adapter) ClosePane(paneID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.panes[paneID]; ok {
		p.desc.Closed = true
	}
}

// SentText returns every SendText payload delivered to a pane, in order,
// for assertions in tests that exercise the policy/workflow write path.
func (a *Adapter) SentText(paneID int64) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.panes[paneID]
	if !ok {
		return nil
	}
	out := make([][]byte, len(p.sent))
	copy(out, p.sent)
	return out
}

func (a *Adapter) ListPanes(ctx context.Context) ([]mux.PaneDescriptor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unavailable {
		return nil, mux.ErrBackendUnavailable(nil)
	}
	out := make([]mux.PaneDescriptor, 0, len(a.panes))
	for _, p := range a.panes {
		out = append(out, p.desc)
	}
	return out, nil
}

func (a *Adapter) GetText(ctx context.Context, paneID int64, mode mux.TextMode, scrollbackLines int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unavailable {
		return nil, mux.ErrBackendUnavailable(nil)
	}
	p, ok := a.panes[paneID]
	if !ok {
		return nil, mux.ErrPaneNotFound(paneID)
	}
	out := make([]byte, len(p.buffer))
	copy(out, p.buffer)
	return out, nil
}

func (a *Adapter) SendText(ctx context.Context, paneID int64, data []byte, paste mux.PasteMode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unavailable {
		return mux.ErrBackendUnavailable(nil)
	}
	p, ok := a.panes[paneID]
	if !ok {
		return mux.ErrPaneNotFound(paneID)
	}
	if p.desc.Closed {
		return mux.ErrPaneNotFound(paneID)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.sent = append(p.sent, cp)
	// A real terminal would echo keystrokes back into scrollback; the
	// simulator mirrors that so WaitForPattern steps have something to match.
	p.buffer = append(p.buffer, data...)
	return nil
}

var _ mux.Adapter = (*Adapter)(nil)
