// Package ingest implements the Tailer and pane-discovery scheduler (C3):
// it turns the Mux Adapter's snapshot-style view into an ordered delta
// stream per pane, with no silent gaps.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
)

const overlapWindowBytes = 4096

// Cursor tracks one pane's tailing state between polls.
type Cursor struct {
	PaneID          int64
	NextSeq         int64
	Overlap         []byte // trailing window of the last captured buffer
	LastFingerprint string
	BackpressureHits int

	// NeverCaptured is true until the pane's first non-empty buffer has been
	// processed (whether freshly discovered or rehydrated from storage with
	// no prior segments). While true, a failed overlap match reflects the
	// absence of any prior capture, not a genuine discontinuity, so no
	// overlap_lost gap should be synthesized (§8 Scenario 1).
	NeverCaptured bool
}

func newCursor(paneID int64) *Cursor {
	return &Cursor{PaneID: paneID, NextSeq: 1, NeverCaptured: true}
}

// extractDelta compares buf against the cursor's overlap window to locate
// the longest matching tail prefix of buf that equals a suffix of overlap.
// Everything after that match is the delta. If overlap is empty or no
// match is found while buf is non-empty, ok is false (caller emits a
// overlap_lost gap).
func extractDelta(overlap, buf []byte) (delta []byte, ok bool) {
	if len(buf) == 0 {
		return nil, true
	}
	if len(overlap) == 0 {
		return nil, false
	}

	maxOverlap := len(overlap)
	if len(buf) < maxOverlap {
		maxOverlap = len(buf)
	}
	for n := maxOverlap; n > 0; n-- {
		if string(overlap[len(overlap)-n:]) == string(buf[:n]) {
			return buf[n:], true
		}
	}
	// No overlap at all: if buf happens to be a pure continuation with zero
	// shared bytes, we still can't tell apart from a wrapped/reset buffer.
	return nil, false
}

// trailingWindow returns the trailing overlapWindowBytes of buf (or all of
// buf if shorter), used to refresh the cursor's overlap window after a
// successful append.
func trailingWindow(buf []byte) []byte {
	if len(buf) <= overlapWindowBytes {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out
	}
	out := make([]byte, overlapWindowBytes)
	copy(out, buf[len(buf)-overlapWindowBytes:])
	return out
}

func fingerprint(delta []byte) string {
	sum := sha256.Sum256(delta)
	return hex.EncodeToString(sum[:])
}
