package workflow

import (
	"fmt"

	"github.com/Dicklesworthstone/frankenterm/internal/policy"
)

// PlannedStep is one step compiled against the triggering context: concrete
// inputs resolved, precondition evaluated, but before policy or Mux Adapter
// involvement.
type PlannedStep struct {
	Index          int
	Step           Step
	ResolvedInputs map[string]string
	PreconditionOK bool
	PreconditionMsg string
}

// StepPlan is the compiled, ready-to-execute form of a Spec for one
// triggering pane.
type StepPlan struct {
	Spec  *Spec
	Pane  int64
	Steps []PlannedStep
}

// Compile builds a StepPlan from spec for paneID. It performs no IO: input
// resolution here is purely string templating over the step's own static
// fields (event-context substitution, when present, is supplied by the
// caller via triggerContext).
func Compile(spec *Spec, paneID int64, triggerContext map[string]string) *StepPlan {
	plan := &StepPlan{Spec: spec, Pane: paneID}
	for i, rawStep := range spec.Steps {
		step := withTriggerPane(rawStep, paneID)
		plan.Steps = append(plan.Steps, PlannedStep{
			Index:          i,
			Step:           step,
			ResolvedInputs: resolveInputs(step, triggerContext),
		})
	}
	return plan
}

func resolveInputs(step Step, ctx map[string]string) map[string]string {
	switch s := step.(type) {
	case SendText:
		return map[string]string{"pane": fmt.Sprintf("%d", s.Pane), "text": s.Text, "paste_mode": s.PasteMode}
	case WaitForPattern:
		return map[string]string{"pane": fmt.Sprintf("%d", s.Pane), "pattern": s.RuleOrRegex}
	case Sleep:
		return map[string]string{"ms": fmt.Sprintf("%d", s.MS)}
	case Custom:
		out := map[string]string{"id": s.ID}
		for k, v := range s.Params {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	default:
		return nil
	}
}

// EvaluatePrecondition checks whether step's stated precondition holds
// against pane's current runtime state (e.g. SendText requires an active
// prompt, matching the Policy Engine's own hard gate so a workflow fails
// fast instead of reaching Deny).
func EvaluatePrecondition(step Step, pane policy.PaneState) (ok bool, msg string) {
	switch step.(type) {
	case SendText:
		if pane.Closed {
			return false, "pane is closed"
		}
		if pane.AltScreen {
			return false, "pane is in alternate screen buffer"
		}
		if !pane.PromptActive {
			return false, "pane has no active prompt"
		}
		return true, ""
	case WaitForPattern:
		if pane.Closed {
			return false, "pane is closed"
		}
		return true, ""
	default:
		return true, ""
	}
}

// DryRunReport is the JSON-serializable output of dry_run_plan: same plan
// construction as a real run, but with no Mux calls and no audit writes.
type DryRunReport struct {
	SpecName string           `json:"spec_name"`
	Pane     int64            `json:"pane"`
	Steps    []DryRunStepEntry `json:"steps"`
}

type DryRunStepEntry struct {
	StepIndex      int               `json:"step_index"`
	StepType       string            `json:"step_type"`
	ResolvedInputs map[string]string `json:"resolved_inputs"`
	PreconditionOK bool              `json:"precondition_ok"`
	PreconditionMsg string           `json:"precondition_msg,omitempty"`
	PolicyVerdict  string            `json:"policy_verdict"`
	PolicyCode     string            `json:"policy_code,omitempty"`
}

// DryRun compiles plan and evaluates each step's precondition and policy
// verdict without touching the Mux Adapter. Each verdict comes from evalFn,
// so whether it is audited depends on the evalFn passed in; the API passes
// the policy engine's EvaluateDryRun, which writes no audit record.
func DryRun(pol *policy.Engine, evalFn func(req policy.Request) (policy.Decision, error), spec *Spec, paneID int64, pane policy.PaneState, triggerContext map[string]string) (*DryRunReport, error) {
	plan := Compile(spec, paneID, triggerContext)
	report := &DryRunReport{SpecName: spec.Name, Pane: paneID}

	for _, ps := range plan.Steps {
		entry := DryRunStepEntry{
			StepIndex:      ps.Index,
			StepType:       ps.Step.StepType(),
			ResolvedInputs: ps.ResolvedInputs,
		}
		ok, msg := EvaluatePrecondition(ps.Step, pane)
		entry.PreconditionOK = ok
		entry.PreconditionMsg = msg

		if ok && requiresPolicy(ps.Step) {
			decision, err := evalFn(policy.Request{
				Actor:  policy.ActorWorkflow,
				Action: policy.ActionSendText,
				Pane:   pane,
				Inputs: ps.ResolvedInputs,
			})
			if err != nil {
				return nil, fmt.Errorf("dry run policy evaluation: %w", err)
			}
			entry.PolicyVerdict = verdictString(decision)
			entry.PolicyCode = decision.DenyCode
		} else {
			entry.PolicyVerdict = "n/a"
		}

		report.Steps = append(report.Steps, entry)
	}
	return report, nil
}

func requiresPolicy(step Step) bool {
	_, ok := step.(SendText)
	return ok
}

func verdictString(d policy.Decision) string {
	switch d.Kind {
	case policy.KindAllow:
		return "allow"
	case policy.KindDeny:
		return "deny"
	case policy.KindRequireApproval:
		return "require_approval"
	default:
		return "unknown"
	}
}
