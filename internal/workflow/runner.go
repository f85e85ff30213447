package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/frankenterm/internal/eventbus"
	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
	"github.com/Dicklesworthstone/frankenterm/internal/mux"
	"github.com/Dicklesworthstone/frankenterm/internal/policy"
	"github.com/Dicklesworthstone/frankenterm/internal/storage"
)

// CollisionPolicy selects what happens when a trigger targets a pane that
// already has a running execution.
type CollisionPolicy int

const (
	CollisionReject CollisionPolicy = iota
	CollisionQueue
)

// PaneStateFunc resolves a pane's current runtime state for precondition
// and policy evaluation; the runner has no pane state of its own.
type PaneStateFunc func(paneID int64) (policy.PaneState, error)

// execution is the runner's in-memory record for one running execution.
// Step futures hold only the execution_id and re-resolve through the arena
// map to survive cancellation, per §3 ownership summary.
type execution struct {
	id       string
	spec     *Spec
	pane     int64
	status   Status
	current  int
	stepLog  []StepLogEntry
	cancel   context.CancelFunc
}

// Runner executes workflow specs triggered by detected events. At most one
// execution runs per pane (a per-pane mutex wraps the step loop).
// MaxConcurrent is stored but does not cap the number of executions running
// across panes.
type Runner struct {
	storage   *storage.Handle
	policy    *policy.Engine
	adapter   mux.Adapter
	paneState PaneStateFunc
	bus       *eventbus.Bus

	MaxConcurrent   int
	CollisionPolicy CollisionPolicy

	mu     sync.Mutex
	arena  map[string]*execution
	paneMu map[int64]*sync.Mutex
}

// NewRunner wires a Runner to the storage layer, policy engine, adapter and
// the Event Bus it subscribes to for wait_for_pattern steps (bus may be nil
// in tests that never exercise a WaitForPattern step).
func NewRunner(h *storage.Handle, pol *policy.Engine, adapter mux.Adapter, bus *eventbus.Bus, paneState PaneStateFunc, maxConcurrent int) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Runner{
		storage:         h,
		policy:          pol,
		adapter:         adapter,
		bus:             bus,
		paneState:       paneState,
		MaxConcurrent:   maxConcurrent,
		CollisionPolicy: CollisionReject,
		arena:  make(map[string]*execution),
		paneMu: make(map[int64]*sync.Mutex),
	}
}

// Run starts an execution of specName against paneID. force bypasses the
// collision policy (always starts a new execution; used by the CLI/API for
// an explicit override).
func (r *Runner) Run(ctx context.Context, spec *Spec, paneID int64, triggerEventID *int64, force bool) (string, error) {
	r.mu.Lock()
	busy := r.isPaneBusy(paneID)
	r.mu.Unlock()

	if busy && !force {
		if r.CollisionPolicy == CollisionReject {
			return "", ferr.New(ferr.PolicyDenial, "workflow.pane_busy", fmt.Sprintf("pane %d already has a running execution", paneID))
		}
		// CollisionQueue: fall through, the pane mutex below serializes us
		// behind whatever is currently running.
	}

	id := uuid.NewString()
	now := time.Now().UnixMilli()
	if _, err := r.storage.Submit(ctx, storage.CreateExecution{
		ExecutionID:    id,
		SpecName:       spec.Name,
		TriggerEventID: triggerEventID,
		PaneID:         paneID,
		StartedAtMS:    now,
	}); err != nil {
		return "", err
	}

	ex := &execution{id: id, spec: spec, pane: paneID, status: StatusRunning}
	r.mu.Lock()
	r.arena[id] = ex
	r.mu.Unlock()

	execCtx, cancel := context.WithCancel(context.Background())
	ex.cancel = cancel

	go r.execute(execCtx, id)

	return id, nil
}

func (r *Runner) isPaneBusy(paneID int64) bool {
	for _, ex := range r.arena {
		if ex.pane == paneID && !ex.status.Terminal() {
			return true
		}
	}
	return false
}

func (r *Runner) paneLock(paneID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.paneMu[paneID]
	if !ok {
		m = &sync.Mutex{}
		r.paneMu[paneID] = m
	}
	return m
}

func (r *Runner) execute(ctx context.Context, id string) {
	lock := r.paneLockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	ex := r.arena[id]
	r.mu.Unlock()
	if ex == nil {
		return
	}

	pane, err := r.paneState(ex.pane)
	if err != nil {
		r.finish(ctx, id, StatusFailed, ex.stepLog)
		return
	}

	for i, rawStep := range ex.spec.Steps {
		step := withTriggerPane(rawStep, ex.pane)
		entryStart := time.Now()
		inputs := resolveInputs(step, nil)
		ok, msg := EvaluatePrecondition(step, pane)

		entry := StepLogEntry{StepIndex: i, StepType: step.StepType(), ResolvedInputs: inputs, PreconditionOK: ok}
		if !ok {
			entry.Outcome = "precondition_failed: " + msg
			ex.stepLog = append(ex.stepLog, entry)
			r.persistStep(ctx, ex)
			r.finish(ctx, id, StatusFailed, ex.stepLog)
			return
		}

		if requiresPolicy(step) {
			decision, derr := r.policy.Evaluate(ctx, policy.Request{
				Actor:  policy.ActorWorkflow,
				Action: policy.ActionSendText,
				Pane:   pane,
				Inputs: inputs,
			})
			if derr != nil {
				entry.Outcome = "policy_error: " + derr.Error()
				ex.stepLog = append(ex.stepLog, entry)
				r.persistStep(ctx, ex)
				r.finish(ctx, id, StatusFailed, ex.stepLog)
				return
			}
			entry.PolicyVerdict = verdictString(decision)
			entry.PolicyCode = decision.DenyCode

			switch decision.Kind {
			case policy.KindDeny:
				entry.Outcome = "policy_denied"
				ex.stepLog = append(ex.stepLog, entry)
				r.persistStep(ctx, ex)
				r.finish(ctx, id, StatusFailed, ex.stepLog)
				return
			case policy.KindRequireApproval:
				entry.Outcome = "waiting_approval"
				ex.stepLog = append(ex.stepLog, entry)
				r.persistStep(ctx, ex)
				r.setStatus(ex, StatusWaitingApproval)
				r.persistExecutionStatus(ctx, ex)
				return
			}
		}

		if err := r.runStep(ctx, step); err != nil {
			entry.Outcome = "error: " + err.Error()
			ex.stepLog = append(ex.stepLog, entry)
			r.persistStep(ctx, ex)
			r.finish(ctx, id, StatusFailed, ex.stepLog)
			return
		}

		entry.Outcome = "ok"
		entry.DurationMS = time.Since(entryStart).Milliseconds()
		ex.stepLog = append(ex.stepLog, entry)
		ex.current = i + 1
		r.persistStep(ctx, ex)
	}

	r.finish(ctx, id, StatusSucceeded, ex.stepLog)
}

func (r *Runner) runStep(ctx context.Context, step Step) error {
	switch s := step.(type) {
	case SendText:
		paste := mux.PasteModeBracketed
		if s.PasteMode == "keystroke" {
			paste = mux.PasteModeKeystroke
		}
		return r.adapter.SendText(ctx, s.Pane, []byte(s.Text), paste)
	case Sleep:
		select {
		case <-time.After(time.Duration(s.MS) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case WaitForPattern:
		return r.waitForPattern(ctx, s)
	case Custom:
		return nil // Custom steps are collaborator-defined; no built-in behavior.
	default:
		return fmt.Errorf("unknown step type %T", step)
	}
}

// waitForPattern suspends the step via an Event Bus subscription (§5) until
// a detection on s.Pane matches s.RuleOrRegex, or the timeout elapses.
// RuleOrRegex is matched two ways: a literal rule_id equality against the
// detection's RuleID, or, if it compiles as a regexp, against the matched
// snippet.
func (r *Runner) waitForPattern(ctx context.Context, s WaitForPattern) error {
	if r.bus == nil {
		return ferr.New(ferr.TerminalData, "workflow.wait_unavailable", "wait_for_pattern requires an event bus")
	}

	pane := s.Pane
	sub := r.bus.Subscribe(eventbus.Filter{PaneID: &pane}, eventbus.CoalesceOldest)
	defer sub.Unsubscribe()

	var matcher *regexp.Regexp
	if s.RuleOrRegex != "" {
		matcher, _ = regexp.Compile(s.RuleOrRegex) // a bare rule_id won't compile usefully; literal compare still applies
	}

	timeout := time.Duration(s.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return ferr.New(ferr.TerminalData, "workflow.wait_timeout", "wait_for_pattern timed out")
			}
			if s.RuleOrRegex == "" || ev.RuleID == s.RuleOrRegex || (matcher != nil && matcher.MatchString(ev.Snippet)) {
				return nil
			}
		case <-deadline.C:
			return ferr.New(ferr.TerminalData, "workflow.wait_timeout", "wait_for_pattern timed out")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) paneLockFor(id string) *sync.Mutex {
	r.mu.Lock()
	ex := r.arena[id]
	r.mu.Unlock()
	if ex == nil {
		return &sync.Mutex{}
	}
	return r.paneLock(ex.pane)
}

func (r *Runner) setStatus(ex *execution, s Status) {
	r.mu.Lock()
	ex.status = s
	r.mu.Unlock()
}

func (r *Runner) persistStep(ctx context.Context, ex *execution) {
	log, err := marshalStepLog(ex.stepLog)
	if err != nil {
		return
	}
	_, _ = r.storage.Submit(ctx, storage.UpdateExecution{
		ExecutionID: ex.id,
		Status:      string(ex.status),
		CurrentStep: ex.current,
		StepLog:     log,
	})
}

func (r *Runner) persistExecutionStatus(ctx context.Context, ex *execution) {
	r.persistStep(ctx, ex)
}

func (r *Runner) finish(ctx context.Context, id string, status Status, stepLog []StepLogEntry) {
	r.mu.Lock()
	ex := r.arena[id]
	r.mu.Unlock()
	if ex == nil {
		return
	}
	log, err := marshalStepLog(stepLog)
	if err != nil {
		log = json.RawMessage(`[]`)
	}
	_, _ = r.storage.Submit(ctx, storage.UpdateExecution{
		ExecutionID: id,
		Status:      string(status),
		CurrentStep: ex.current,
		StepLog:     log,
	})
	// The in-memory status turns terminal only after the row is persisted,
	// so a caller that sees it can read the final row from storage.
	r.mu.Lock()
	ex.status = status
	r.mu.Unlock()
}

// Status returns the in-memory snapshot of an execution, re-resolved
// through the arena map.
func (r *Runner) Status(id string) (Status, int, []StepLogEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.arena[id]
	if !ok {
		return "", 0, nil, false
	}
	return ex.status, ex.current, ex.stepLog, true
}
