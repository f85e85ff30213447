package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/mux/simadapter"
	"github.com/Dicklesworthstone/frankenterm/internal/storage"
)

func TestExtractDeltaFindsLongestOverlap(t *testing.T) {
	overlap := []byte("hello world")
	buf := []byte("world, goodbye")

	delta, ok := extractDelta(overlap, buf)
	if !ok {
		t.Fatal("expected overlap to be found")
	}
	if string(delta) != ", goodbye" {
		t.Fatalf("expected delta %q, got %q", ", goodbye", delta)
	}
}

func TestExtractDeltaNoOverlapIsGap(t *testing.T) {
	overlap := []byte("hello world")
	buf := []byte("totally different content")

	_, ok := extractDelta(overlap, buf)
	if ok {
		t.Fatal("expected no overlap to be found")
	}
}

func TestExtractDeltaEmptyOverlapEmptyBufIsOK(t *testing.T) {
	delta, ok := extractDelta(nil, nil)
	if !ok {
		t.Fatal("expected empty/empty to be ok")
	}
	if len(delta) != 0 {
		t.Fatalf("expected empty delta, got %q", delta)
	}
}

func TestExtractDeltaFullRepeatYieldsEmptyDelta(t *testing.T) {
	overlap := []byte("abcdef")
	buf := []byte("abcdef")

	delta, ok := extractDelta(overlap, buf)
	if !ok {
		t.Fatal("expected overlap to be found")
	}
	if len(delta) != 0 {
		t.Fatalf("expected empty delta for unchanged buffer, got %q", delta)
	}
}

func TestTrailingWindowCapsAtOverlapWindowBytes(t *testing.T) {
	buf := make([]byte, overlapWindowBytes+100)
	for i := range buf {
		buf[i] = byte('a' + i%26)
	}
	win := trailingWindow(buf)
	if len(win) != overlapWindowBytes {
		t.Fatalf("expected window capped at %d, got %d", overlapWindowBytes, len(win))
	}
	if string(win) != string(buf[len(buf)-overlapWindowBytes:]) {
		t.Fatal("window does not match trailing bytes")
	}
}

// TestFreshPaneFirstPollYieldsOneDeltaSegmentNoGap exercises a real Tailer
// against a genuinely new pane (§8 Scenario 1): the adapter returns a
// buffer and there is no prior state at all. The only expected outcome is
// one delta segment; a spurious overlap_lost gap before it would be wrong.
func TestFreshPaneFirstPollYieldsOneDeltaSegmentNoGap(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := storage.Open(ctx, filepath.Join(dir, "frankenterm.db"), storage.Options{})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer h.Close()

	adapter := simadapter.New()
	paneID := adapter.AddPane("shell", "tmux", "/")
	adapter.Feed(paneID, []byte("Line 1\nLine 2 TOKEN_XYZ\nLine 3\n"))

	if _, err := h.Submit(ctx, storage.RegisterPane{PaneID: paneID, Title: "shell", ObservedSinceMS: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("RegisterPane: %v", err)
	}

	reader, err := h.ReaderHandle()
	if err != nil {
		t.Fatalf("ReaderHandle: %v", err)
	}
	defer reader.Close()

	admission := NewAdmission(0, 0) // a zero-rate limiter still has an initial burst token, enough for this one poll
	tailer, err := NewTailer(paneID, adapter, h, reader, admission, time.Hour)
	if err != nil {
		t.Fatalf("NewTailer: %v", err)
	}

	if err := tailer.poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	segs, err := reader.ListSegments(paneID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("want exactly 1 segment on a pane's first poll, got %d: %+v", len(segs), segs)
	}
	if segs[0].Seq != 1 || segs[0].Kind != "delta" {
		t.Fatalf("want seq=1 kind=delta, got seq=%d kind=%s", segs[0].Seq, segs[0].Kind)
	}
	if segs[0].Content != "Line 1\nLine 2 TOKEN_XYZ\nLine 3\n" {
		t.Fatalf("unexpected segment content: %q", segs[0].Content)
	}
}

func TestFingerprintIsStableAndDeterministic(t *testing.T) {
	a := fingerprint([]byte("same content"))
	b := fingerprint([]byte("same content"))
	c := fingerprint([]byte("different content"))
	if a != b {
		t.Fatal("expected identical content to fingerprint identically")
	}
	if a == c {
		t.Fatal("expected different content to fingerprint differently")
	}
}
