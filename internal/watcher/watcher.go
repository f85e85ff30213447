// Package watcher implements the Watcher (C8): the process that owns the
// lock, the lifecycle of every other component, and crash reporting. It is
// the only thing cmd/ftd actually runs.
package watcher

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/config"
	"github.com/Dicklesworthstone/frankenterm/internal/eventbus"
	"github.com/Dicklesworthstone/frankenterm/internal/ingest"
	"github.com/Dicklesworthstone/frankenterm/internal/mux"
	"github.com/Dicklesworthstone/frankenterm/internal/pattern"
	"github.com/Dicklesworthstone/frankenterm/internal/policy"
	"github.com/Dicklesworthstone/frankenterm/internal/storage"
	"github.com/Dicklesworthstone/frankenterm/internal/workflow"
)

// Health mirrors the Watcher's self-reported status, surfaced by the CLI
// `doctor` subcommand and the API's state() call.
type Health int

const (
	HealthStarting Health = iota
	HealthHealthy
	HealthUnhealthy
	HealthStopped
)

// Watcher owns every long-running collaborator and the single watcher lock
// for a data directory. Start performs the 5-step sequence from §4.8; Stop
// reverses it.
type Watcher struct {
	DataDir string
	Adapter mux.Adapter
	Config  *config.Config

	lock *Lock

	Storage   *storage.Handle
	Bus       *eventbus.Bus
	Policy    *policy.Engine
	Pattern   *pattern.Engine
	Runner    *workflow.Runner
	Scheduler *ingest.Scheduler

	// Specs holds every loaded workflow spec, keyed by name, consulted both
	// by the trigger subscription below and by the API's workflow run/list/
	// dry_run operations.
	Specs map[string]*workflow.Spec

	muteCache *muteCache
	reload    *reloadWatcher

	triggerSub *eventbus.Subscription

	mu     sync.RWMutex
	health Health

	stopMute chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Watcher for dataDir using adapter as the Mux Adapter
// backend (the simulated adapter in production runs absent a real
// multiplexer integration, per the Mux Adapter's Non-goal boundary).
func New(dataDir string, adapter mux.Adapter) *Watcher {
	return &Watcher{DataDir: dataDir, Adapter: adapter, health: HealthStarting}
}

// Start runs the 5-step startup sequence: acquire the lock, open storage
// (migrations + integrity), load configuration and rule packs, then start
// collaborators in dependency order (storage writer is already running from
// Open; pattern engine, event bus, workflow runner, ingest scheduler
// follow). It returns once every collaborator's background loop has been
// launched; it does not block for the watcher's lifetime — call Wait or
// select on ctx.Done() for that.
func (w *Watcher) Start(ctx context.Context) error {
	lock, err := AcquireLock(config.LockPath(w.DataDir))
	if err != nil {
		return err
	}
	w.lock = lock

	h, err := storage.Open(ctx, config.DBPath(w.DataDir), storage.Options{})
	if err != nil {
		w.lock.Release()
		return err
	}
	w.Storage = h

	reader, err := h.ReaderHandle()
	if err != nil {
		h.Close()
		w.lock.Release()
		return err
	}
	report, err := reader.CheckIntegrity()
	if err != nil {
		reader.Close()
		h.Close()
		w.lock.Release()
		return fmt.Errorf("integrity check: %w", err)
	}
	if !report.Healthy() {
		log.Printf("watcher: integrity check reports degraded state: %+v", report)
		w.setHealth(HealthUnhealthy)
	}

	cfg, err := config.Load(w.DataDir)
	if err != nil {
		reader.Close()
		h.Close()
		w.lock.Release()
		return fmt.Errorf("load config: %w", err)
	}
	w.Config = cfg

	if err := pattern.EnsureDefaultPacks(filepath.Join(w.DataDir, "patterns")); err != nil {
		reader.Close()
		h.Close()
		w.lock.Release()
		return fmt.Errorf("install default rule packs: %w", err)
	}
	if err := workflow.EnsureDefaultSpecs(filepath.Join(w.DataDir, "workflows")); err != nil {
		reader.Close()
		h.Close()
		w.lock.Release()
		return fmt.Errorf("install default workflow specs: %w", err)
	}

	rules, err := w.loadRulePacks()
	if err != nil {
		reader.Close()
		h.Close()
		w.lock.Release()
		return fmt.Errorf("load rule packs: %w", err)
	}

	specs, err := workflow.LoadSpecDir(filepath.Join(w.DataDir, "workflows"))
	if err != nil {
		reader.Close()
		h.Close()
		w.lock.Release()
		return fmt.Errorf("load workflow specs: %w", err)
	}
	w.Specs = specs

	w.muteCache = newMuteCache(reader)
	w.stopMute = make(chan struct{})
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.muteCache.runRefresh(5*time.Second, w.stopMute)
	}()

	w.Pattern = pattern.NewEngine(rules, w.muteCache)
	w.Bus = eventbus.New()

	limiter := policy.NewRateLimiter(generalRatePerSecond(cfg), 10)
	approvalTTL := time.Duration(cfg.Safety.ApprovalTTLSeconds) * time.Second
	issuer := policy.NewApprovalIssuer(approvalKeyFromDataDir(w.DataDir), approvalTTL)
	required := policy.ApprovalRequiredActions{policy.ActionWorkflowRun: true}
	w.Policy = policy.NewEngine(h, limiter, issuer, required)

	w.Runner = workflow.NewRunner(h, w.Policy, w.Adapter, w.Bus, w.paneState, cfg.Workflows.MaxConcurrent)
	if cfg.Workflows.PerPanePolicy == "queue" {
		w.Runner.CollisionPolicy = workflow.CollisionQueue
	}

	admission := ingest.NewAdmission(cfg.Ingest.MaxCapturesPerSec, cfg.Ingest.MaxBytesPerSecPerPane)
	pollInterval := time.Duration(cfg.Ingest.PollIntervalMS) * time.Millisecond
	discoveryInterval := 2 * pollInterval
	sched := ingest.NewScheduler(w.Adapter, h, admission, discoveryInterval, pollInterval)
	sched.OnAppend = w.onSegmentAppended
	w.Scheduler = sched

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.recoverTask("ingest_scheduler")
		sched.Run(ctx)
	}()

	// Trigger subscription: the only thing wiring C5's fanout to C7. It is
	// deliberately decoupled from onSegmentAppended's publish so the runner
	// reacts the same way any other Bus subscriber would.
	w.triggerSub = w.Bus.SubscribeDepth(eventbus.Filter{}, eventbus.CoalesceOldest, 256)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.recoverTask("workflow_trigger")
		w.runTriggerLoop(ctx, w.triggerSub)
	}()

	reload, err := newReloadWatcher(w.DataDir)
	if err != nil {
		log.Printf("watcher: reload watcher unavailable: %v", err)
	} else {
		w.reload = reload
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.recoverTask("reload_watcher")
			w.reload.run()
		}()
	}

	w.setHealth(HealthHealthy)
	return nil
}

// Stop stops the mute refresh and reload watcher, waits up to grace for the
// background tasks to finish, then closes the storage write connection and
// releases the lock last. It does not cancel the ctx given to Start: the
// ingest scheduler and trigger loop only exit once that ctx is done, so a
// caller that has not cancelled it waits the full grace period.
func (w *Watcher) Stop(grace time.Duration) {
	if w.stopMute != nil {
		close(w.stopMute)
	}
	if w.reload != nil {
		w.reload.stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("watcher: shutdown grace period elapsed with tasks still draining")
	}

	if w.triggerSub != nil {
		w.triggerSub.Unsubscribe()
	}
	if w.Storage != nil {
		w.Storage.Close()
	}
	if w.lock != nil {
		w.lock.Release()
	}
	w.setHealth(HealthStopped)
}

// recoverTask is the Watcher's top-level panic boundary for each background
// task (§4.8 step 5): on panic, capture a crash manifest and mark Unhealthy
// rather than let the process die silently or take the rest of the
// collaborators down with it.
func (w *Watcher) recoverTask(task string) {
	if r := recover(); r != nil {
		stack := captureStack()
		path, err := captureCrash(config.CrashDir(w.DataDir), task, r, stack)
		if err != nil {
			log.Printf("watcher: failed to write crash manifest for %s: %v", task, err)
		} else {
			log.Printf("watcher: task %s panicked, crash manifest at %s", task, path)
		}
		w.setHealth(HealthUnhealthy)
	}
}

func (w *Watcher) setHealth(h Health) {
	w.mu.Lock()
	w.health = h
	w.mu.Unlock()
}

// HealthStatus reports the Watcher's current self-assessed health.
func (w *Watcher) HealthStatus() Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.health
}

// onSegmentAppended is the ingest scheduler's post-append hook: it feeds
// newly stored content through the Pattern Engine, persists and publishes
// whatever it finds. This is the glue between C3/C4/C5 that no single
// component owns on its own.
func (w *Watcher) onSegmentAppended(paneID int64, content string, atMS int64) {
	defer w.recoverTask("pattern_scan:pane_" + fmt.Sprint(paneID))

	events := w.Pattern.Scan(paneID, []byte(content), atMS)
	for _, de := range events {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		val, err := w.Storage.Submit(ctx, storage.InsertEvent{
			PaneID:      paneID,
			RuleID:      de.RuleID,
			MatchedAtMS: de.MatchedAtMS,
			MatchStart:  de.MatchStart,
			MatchEnd:    de.MatchEnd,
			Snippet:     de.Snippet,
			DedupKey:    de.DedupKey,
			Severity:    de.Severity,
		})
		cancel()
		if err != nil {
			log.Printf("watcher: persist detection event for pane %d rule %s: %v", paneID, de.RuleID, err)
			continue
		}
		eventID, _ := val.(int64)
		w.Bus.Publish(eventbus.Event{PaneID: paneID, EventID: eventID, DetectionEvent: de})
	}
}

// runTriggerLoop is the Event-Bus-to-Workflow-Runner glue (§ dataflow
// "C4 -> C5 -> C7"): for every fanned-out detection, it starts a run of any
// loaded spec whose Trigger names that rule.
func (w *Watcher) runTriggerLoop(ctx context.Context, sub *eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			w.triggerWorkflows(ev.PaneID, ev.RuleID, ev.EventID)
		}
	}
}

func (w *Watcher) triggerWorkflows(paneID int64, ruleID string, eventID int64) {
	for _, spec := range w.Specs {
		if spec.Trigger == "" || spec.Trigger != ruleID {
			continue
		}
		id := eventID
		spec := spec
		go func() {
			defer w.recoverTask("workflow_run:" + spec.Name)
			if _, err := w.Runner.Run(context.Background(), spec, paneID, &id, false); err != nil {
				log.Printf("watcher: trigger workflow %s for pane %d: %v", spec.Name, paneID, err)
			}
		}()
	}
}

// PaneState exports paneState for the API layer, which needs to resolve a
// pane's runtime state (e.g. to build a policy.Request for the send/dry_run
// endpoints) without duplicating the Mux Adapter lookup.
func (w *Watcher) PaneState(paneID int64) (policy.PaneState, error) {
	return w.paneState(paneID)
}

// paneState resolves a pane's current runtime state for the Policy Engine
// and Workflow Runner, sourced from the Mux Adapter's own pane list rather
// than a cached copy (ListPanes is cheap and this path is not a hot loop).
func (w *Watcher) paneState(paneID int64) (policy.PaneState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	panes, err := w.Adapter.ListPanes(ctx)
	if err != nil {
		return policy.PaneState{}, err
	}
	for _, p := range panes {
		if p.PaneID == paneID {
			return policy.PaneState{
				PaneID:       p.PaneID,
				AltScreen:    p.AltScreen,
				PromptActive: p.PromptActive,
				Closed:       p.Closed,
				HostApproved: true,
			}, nil
		}
	}
	return policy.PaneState{}, mux.ErrPaneNotFound(paneID)
}

func (w *Watcher) loadRulePacks() ([]*pattern.Rule, error) {
	if len(w.Config.Patterns.EnabledPacks) == 0 {
		return nil, nil
	}
	raws, err := pattern.LoadEnabledPacks(filepath.Join(w.DataDir, "patterns"), w.Config.Patterns.EnabledPacks)
	if err != nil {
		return nil, err
	}
	compiled, err := pattern.CompilePack(raws)
	if err != nil {
		return nil, err
	}
	return pattern.FilterDisabledRules(compiled, w.Config.Patterns.DisabledRules), nil
}

func generalRatePerSecond(cfg *config.Config) float64 {
	if v, ok := cfg.Safety.RateLimits["default"]; ok && v > 0 {
		return v
	}
	return 10
}

// approvalKeyFromDataDir derives (or would load) the HS256 signing key for
// approval tokens. A real deployment persists a generated key under dataDir
// on first run; tests and this reference build derive a fixed key from the
// path to keep Start self-contained.
func approvalKeyFromDataDir(dataDir string) []byte {
	return []byte("frankenterm-approval-key:" + dataDir)
}
