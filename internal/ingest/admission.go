package ingest

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Admission gates how often and how much each pane's tailer may capture,
// per §4.3 step 1: a global captures/sec budget plus a per-pane bytes/sec
// budget. Exceeding either yields Throttled rather than blocking forever.
type Admission struct {
	global *rate.Limiter

	mu     sync.Mutex
	byPane map[int64]*rate.Limiter
	byteRate  rate.Limit
	byteBurst int
}

// NewAdmission builds an admission controller. capturesPerSec bounds the
// total poll rate across all panes; bytesPerSecPerPane bounds each pane's
// sustained throughput independently.
func NewAdmission(capturesPerSec float64, bytesPerSecPerPane int) *Admission {
	burst := bytesPerSecPerPane
	if burst < overlapWindowBytes {
		burst = overlapWindowBytes
	}
	return &Admission{
		global:    rate.NewLimiter(rate.Limit(capturesPerSec), int(capturesPerSec)+1),
		byPane:    make(map[int64]*rate.Limiter),
		byteRate:  rate.Limit(bytesPerSecPerPane),
		byteBurst: burst,
	}
}

// AllowCapture reports whether a poll may proceed right now. It never
// blocks; callers that are denied simply retry on the next scheduler tick.
func (a *Admission) AllowCapture() bool {
	return a.global.Allow()
}

// ChargeBytes reports whether n bytes may be admitted for paneID's byte
// budget, consuming from that pane's bucket if so.
func (a *Admission) ChargeBytes(paneID int64, n int) bool {
	lim := a.paneLimiter(paneID)
	return lim.AllowN(time.Now(), n)
}

func (a *Admission) paneLimiter(paneID int64) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	lim, ok := a.byPane[paneID]
	if !ok {
		lim = rate.NewLimiter(a.byteRate, a.byteBurst)
		a.byPane[paneID] = lim
	}
	return lim
}

// WaitGlobal blocks until the global capture budget admits one capture, or
// ctx is done. Unlike AllowCapture, which tailers use, it waits instead of
// returning false.
func (a *Admission) WaitGlobal(ctx context.Context) error {
	return a.global.Wait(ctx)
}
