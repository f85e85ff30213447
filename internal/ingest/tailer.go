package ingest

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
	"github.com/Dicklesworthstone/frankenterm/internal/mux"
	"github.com/Dicklesworthstone/frankenterm/internal/storage"
)

const backpressureThreshold = 5

// Gap reasons recorded on synthesized gap segments (§4.3).
const (
	GapOverlapLost         = "overlap_lost"
	GapBackpressureOverflow = "backpressure_overflow"
	GapBackendDown         = "backend_down"
)

// Tailer owns one pane's cooperative polling loop. Segments for a single
// pane are always submitted in seq order because the tailer serializes its
// own submissions; no additional locking is needed across panes.
type Tailer struct {
	paneID    int64
	adapter   mux.Adapter
	storage   *storage.Handle
	admission *Admission
	interval  time.Duration
	sendTimeout time.Duration

	mu     sync.Mutex
	cursor *Cursor
	suspended bool

	// onAppend, when set, is invoked after a delta segment is durably
	// stored, handing its content to the Watcher's pattern-scan stage.
	// Gaps carry no content and never invoke it.
	onAppend func(paneID int64, content string, atMS int64)
}

// SetOnAppend installs the Watcher's post-append hook. Must be called
// before Run starts polling; it is not safe to change concurrently with a
// running tailer.
func (t *Tailer) SetOnAppend(fn func(paneID int64, content string, atMS int64)) {
	t.onAppend = fn
}

// NewTailer constructs a tailer for paneID, seeding its cursor from the
// storage layer's last stored seq and overlap tail so a restart resumes
// without reprocessing or skipping content.
func NewTailer(paneID int64, adapter mux.Adapter, h *storage.Handle, reader *storage.Reader, admission *Admission, interval time.Duration) (*Tailer, error) {
	lastSeq, err := reader.LastSeq(paneID)
	if err != nil {
		return nil, err
	}
	tail, err := reader.TailContent(paneID, overlapWindowBytes)
	if err != nil {
		return nil, err
	}

	c := newCursor(paneID)
	c.NextSeq = lastSeq + 1
	c.Overlap = []byte(tail)
	// A pane with segments already on disk has a real capture history even
	// if this tailer instance is only now rehydrating it after a restart;
	// only a pane with no stored segments at all is "never captured."
	c.NeverCaptured = lastSeq == 0

	return &Tailer{
		paneID:      paneID,
		adapter:     adapter,
		storage:     h,
		admission:   admission,
		interval:    interval,
		sendTimeout: 2 * time.Second,
		cursor:      c,
	}, nil
}

// Suspend pauses polling (used by the discovery scheduler when the backend
// is unavailable) so every tailer can be resumed together with a single
// backend_down gap per pane.
func (t *Tailer) Suspend() {
	t.mu.Lock()
	t.suspended = true
	t.mu.Unlock()
}

// Resume clears suspension. It does not write a gap itself: the
// Scheduler's resumeAll appends the backend_down gap after calling it.
func (t *Tailer) Resume() {
	t.mu.Lock()
	t.suspended = false
	t.mu.Unlock()
}

// Run polls the pane on interval until ctx is cancelled.
func (t *Tailer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("ingest: pane %d poll error: %v", t.paneID, err)
			}
		}
	}
}

func (t *Tailer) poll(ctx context.Context) error {
	t.mu.Lock()
	suspended := t.suspended
	t.mu.Unlock()
	if suspended {
		return nil
	}

	if !t.admission.AllowCapture() {
		return nil // Throttled: sleep until the next tick, per step 1.
	}

	buf, err := t.adapter.GetText(ctx, t.paneID, mux.ModeScrollbackNLines, 0)
	if err != nil {
		return t.handleAdapterError(ctx, err)
	}

	if !t.admission.ChargeBytes(t.paneID, len(buf)) {
		return nil // byte budget exhausted this tick
	}

	return t.ingestBuffer(ctx, buf, "")
}

// ingestBuffer runs the delta-extraction, fingerprint, and append pipeline
// for one captured buffer. forcedGapReason, if non-empty, overrides normal
// delta handling with a gap segment (used by the Scheduler's resumeAll for
// backend_down; backpressure overflow is applied inside appendSegment).
func (t *Tailer) ingestBuffer(ctx context.Context, buf []byte, forcedGapReason string) error {
	t.mu.Lock()
	c := t.cursor
	t.mu.Unlock()

	now := time.Now().UnixMilli()

	if forcedGapReason != "" {
		if err := t.appendGap(ctx, c, now, forcedGapReason); err != nil {
			return err
		}
		t.mu.Lock()
		c.Overlap = trailingWindow(buf)
		if len(buf) > 0 {
			c.NeverCaptured = false
		}
		t.mu.Unlock()
		return nil
	}

	t.mu.Lock()
	firstCapture := c.NeverCaptured
	t.mu.Unlock()

	delta, ok := extractDelta(c.Overlap, buf)
	if !ok {
		if firstCapture {
			// No prior overlap window exists to have been lost: this pane
			// has never been captured before, so the whole buffer is the
			// initial delta, not a discontinuity (§8 Scenario 1).
			delta = buf
		} else {
			if err := t.appendGap(ctx, c, now, GapOverlapLost); err != nil {
				return err
			}
			delta = buf
		}
	}

	if len(buf) > 0 {
		t.mu.Lock()
		c.NeverCaptured = false
		t.mu.Unlock()
	}

	if len(delta) > 0 {
		fp := fingerprint(delta)
		if fp == c.LastFingerprint {
			return nil // duplicate poll, NoChange
		}

		if err := t.appendSegment(ctx, c, delta, now, "delta", ""); err != nil {
			return err
		}
		c.LastFingerprint = fp
	}

	t.mu.Lock()
	c.Overlap = trailingWindow(buf)
	t.mu.Unlock()
	return nil
}

func (t *Tailer) appendGap(ctx context.Context, c *Cursor, atMS int64, reason string) error {
	return t.appendSegment(ctx, c, nil, atMS, "gap", reason)
}

// appendSegment submits the segment and applies the slow-and-signal
// backpressure policy (§4.3 step 6): on QueueFull, count consecutive hits;
// at threshold, the next successful submission is forced into a gap.
func (t *Tailer) appendSegment(ctx context.Context, c *Cursor, content []byte, atMS int64, kind, gapReason string) error {
	t.mu.Lock()
	forcedOverflow := c.BackpressureHits >= backpressureThreshold
	if forcedOverflow {
		kind = "gap"
		gapReason = GapBackpressureOverflow
		content = nil
	}
	seq := c.NextSeq
	t.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, t.sendTimeout)
	defer cancel()

	_, err := t.storage.Submit(sctx, storage.AppendSegment{
		PaneID:       t.paneID,
		Seq:          seq,
		Content:      string(content),
		CapturedAtMS: atMS,
		Kind:         kind,
		GapReason:    gapReason,
	})

	if err != nil {
		if fe, ok := err.(*ferr.Error); ok && fe.Category == ferr.Overload {
			t.mu.Lock()
			c.BackpressureHits++
			t.mu.Unlock()
		}
		return err
	}

	t.mu.Lock()
	c.NextSeq++
	c.BackpressureHits = 0
	t.mu.Unlock()

	if kind == "delta" && len(content) > 0 && t.onAppend != nil {
		t.onAppend(t.paneID, string(content), atMS)
	}
	return nil
}

func (t *Tailer) handleAdapterError(ctx context.Context, err error) error {
	fe, ok := err.(*ferr.Error)
	if !ok {
		return err
	}
	switch fe.Code {
	case mux.CodePaneNotFound:
		if _, subErr := t.storage.Submit(ctx, storage.MarkPaneClosed{PaneID: t.paneID}); subErr != nil {
			return subErr
		}
	case mux.CodeBackendUnavailable:
		t.Suspend()
	}
	return nil
}
