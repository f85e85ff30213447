package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
	"github.com/Dicklesworthstone/frankenterm/internal/mux"
	"github.com/Dicklesworthstone/frankenterm/internal/storage"
)

// Scheduler polls list_panes at a fixed interval, starts a Tailer for each
// newly discovered pane, and marks panes missing from the adapter's list as
// closed. Discovery and per-pane tailers run concurrently.
type Scheduler struct {
	adapter   mux.Adapter
	storage   *storage.Handle
	admission *Admission

	DiscoveryInterval time.Duration
	TailInterval      time.Duration

	// OnAppend, when set, is installed on every tailer this scheduler
	// creates (the Watcher wires this to its pattern-scan stage).
	OnAppend func(paneID int64, content string, atMS int64)

	mu      sync.Mutex
	tailers map[int64]*tailerHandle
}

type tailerHandle struct {
	tailer *Tailer
	cancel context.CancelFunc
}

func NewScheduler(adapter mux.Adapter, h *storage.Handle, admission *Admission, discoveryInterval, tailInterval time.Duration) *Scheduler {
	return &Scheduler{
		adapter:           adapter,
		storage:           h,
		admission:         admission,
		DiscoveryInterval: discoveryInterval,
		TailInterval:      tailInterval,
		tailers:           make(map[int64]*tailerHandle),
	}
}

// Run drives the discovery loop until ctx is cancelled, stopping every
// tailer on exit.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.DiscoveryInterval)
	defer ticker.Stop()

	s.discover(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.discover(ctx)
		}
	}
}

func (s *Scheduler) discover(ctx context.Context) {
	panes, err := s.adapter.ListPanes(ctx)
	if err != nil {
		if fe, ok := err.(*ferr.Error); ok && fe.Code == mux.CodeBackendUnavailable {
			s.suspendAll()
			return
		}
		log.Printf("ingest: discovery error: %v", err)
		return
	}
	s.resumeAll(ctx)

	seen := make(map[int64]bool, len(panes))
	for _, p := range panes {
		seen[p.PaneID] = true
		if p.Closed {
			s.closePane(ctx, p.PaneID)
			continue
		}
		s.ensureTailer(ctx, p)
	}

	s.mu.Lock()
	var missing []int64
	for paneID := range s.tailers {
		if !seen[paneID] {
			missing = append(missing, paneID)
		}
	}
	s.mu.Unlock()
	for _, paneID := range missing {
		s.closePane(ctx, paneID)
	}
}

func (s *Scheduler) ensureTailer(ctx context.Context, p mux.PaneDescriptor) {
	s.mu.Lock()
	_, exists := s.tailers[p.PaneID]
	s.mu.Unlock()
	if exists {
		return
	}

	now := time.Now().UnixMilli()
	if _, err := s.storage.Submit(ctx, storage.RegisterPane{
		PaneID:          p.PaneID,
		Title:           p.Title,
		Domain:          p.Domain,
		CWD:             p.CWD,
		Priority:        100,
		ObservedSinceMS: now,
	}); err != nil {
		log.Printf("ingest: register pane %d failed: %v", p.PaneID, err)
		return
	}

	reader, err := s.storage.ReaderHandle()
	if err != nil {
		log.Printf("ingest: reader for pane %d failed: %v", p.PaneID, err)
		return
	}

	tailer, err := NewTailer(p.PaneID, s.adapter, s.storage, reader, s.admission, s.TailInterval)
	reader.Close()
	if err != nil {
		log.Printf("ingest: tailer init for pane %d failed: %v", p.PaneID, err)
		return
	}
	if s.OnAppend != nil {
		tailer.SetOnAppend(s.OnAppend)
	}

	tctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.tailers[p.PaneID] = &tailerHandle{tailer: tailer, cancel: cancel}
	s.mu.Unlock()

	go tailer.Run(tctx)
}

func (s *Scheduler) closePane(ctx context.Context, paneID int64) {
	s.mu.Lock()
	h, ok := s.tailers[paneID]
	if ok {
		delete(s.tailers, paneID)
	}
	s.mu.Unlock()
	if ok {
		h.cancel()
	}
	if _, err := s.storage.Submit(ctx, storage.MarkPaneClosed{PaneID: paneID}); err != nil {
		log.Printf("ingest: mark pane %d closed failed: %v", paneID, err)
	}
}

// suspendAll pauses every tailer on BackendUnavailable, per §4.3 failure
// semantics: "suspend all tailers until restored".
func (s *Scheduler) suspendAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.tailers {
		h.tailer.Suspend()
	}
}

// resumeAll resumes every suspended tailer and, in a goroutine per tailer,
// captures the pane once right away and appends a backend_down gap.
func (s *Scheduler) resumeAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.tailers {
		h.tailer.mu.Lock()
		wasSuspended := h.tailer.suspended
		h.tailer.mu.Unlock()
		if wasSuspended {
			h.tailer.Resume()
			go func(t *Tailer) {
				buf, err := t.adapter.GetText(ctx, t.paneID, mux.ModeScrollbackNLines, 0)
				if err != nil {
					return
				}
				_ = t.ingestBuffer(ctx, buf, GapBackendDown)
			}(h.tailer)
		}
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.tailers {
		h.cancel()
	}
}
