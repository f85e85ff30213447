// Package mux defines the abstract Mux Adapter contract (§4.1): the only IO
// boundary between the core pipeline and a real terminal multiplexer. The
// core never assumes a specific backend; it only consumes this interface.
package mux

import (
	"context"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
)

// TextMode selects how GetText renders a pane's buffer.
type TextMode int

const (
	ModeScrollbackNLines TextMode = iota
	ModeViewport
	ModeWithEscapes
)

// PasteMode controls how SendText delivers input: as a literal paste
// (bracketed, no per-key interpretation) or as simulated keystrokes.
type PasteMode int

const (
	PasteModeBracketed PasteMode = iota
	PasteModeKeystroke
)

// PaneDescriptor is the adapter's view of one observable pane, the unit C3
// tails. Title/Domain/CWD are best-effort metadata; a backend unable to
// supply one leaves it empty rather than failing ListPanes.
type PaneDescriptor struct {
	PaneID int64
	Title  string
	Domain string
	CWD    string
	// AltScreen and PromptActive feed the Policy Engine's capability gates
	// (§4.6): sending input to a pane in the alternate screen buffer or
	// without an active prompt is a hard denial, not a soft warning.
	AltScreen    bool
	PromptActive bool
	Closed       bool
}

// Adapter is the contract consumed by the ingest tailer (C3) and, for
// writes, the workflow runner (C7) via the Policy Engine. It is assumed
// single-host, low-latency, and unreliable under load: callers must be
// defensively designed for occasional missed polls and duplicate buffers.
type Adapter interface {
	ListPanes(ctx context.Context) ([]PaneDescriptor, error)
	GetText(ctx context.Context, paneID int64, mode TextMode, scrollbackLines int) ([]byte, error)
	SendText(ctx context.Context, paneID int64, data []byte, paste PasteMode) error
}

// Well-known error codes an Adapter implementation should use when wrapping
// failures, so the ingest and policy layers can match on category without
// depending on a specific backend's error type.
const (
	CodeBackendUnavailable = "mux.backend_unavailable"
	CodePaneNotFound       = "mux.pane_not_found"
	CodeTransient          = "mux.transient"
)

// ErrPaneNotFound builds the standard NotFound error for a missing pane.
func ErrPaneNotFound(paneID int64) error {
	return ferr.New(ferr.NotFound, CodePaneNotFound, "pane not found").WithHint("pane may have closed between list_panes and get_text")
}

// ErrBackendUnavailable builds the standard Retryable error for a backend
// that is temporarily unreachable (daemon restarting, socket reset, etc).
func ErrBackendUnavailable(cause error) error {
	return ferr.Wrap(ferr.Retryable, CodeBackendUnavailable, "mux backend unavailable", cause)
}

// ErrTransient builds the standard Retryable error for a one-off hiccup
// that is expected to clear on the next poll.
func ErrTransient(cause error) error {
	return ferr.Wrap(ferr.Retryable, CodeTransient, "transient mux error", cause)
}
