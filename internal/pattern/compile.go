package pattern

import (
	"fmt"
	"regexp"
	"text/template"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
)

const maxPatternLength = 512

// nestedUnboundedQuantifier catches the classic catastrophic-backtracking
// shape: an unbounded-repeat group itself repeated unboundedly, e.g.
// (a+)+ or (a*)*  or  (.+)+.
var nestedUnboundedQuantifier = regexp.MustCompile(`\([^()]*[+*][^()]*\)[+*]`)

// CompileRule validates and compiles a RawRule, rejecting dangerous
// patterns at load time (§4.4 "a lint that checks for nested unbounded
// quantifiers and length ceilings").
func CompileRule(raw RawRule) (*Rule, error) {
	if raw.RuleID == "" {
		return nil, ferr.New(ferr.TerminalConfig, "pattern.missing_rule_id", "rule_id is required")
	}
	if len(raw.Pattern) == 0 {
		return nil, ferr.New(ferr.TerminalConfig, "pattern.missing_pattern", fmt.Sprintf("rule %s has no pattern", raw.RuleID))
	}
	if len(raw.Pattern) > maxPatternLength {
		return nil, ferr.New(ferr.TerminalConfig, "pattern.pattern_too_long",
			fmt.Sprintf("rule %s pattern exceeds %d bytes", raw.RuleID, maxPatternLength))
	}
	if nestedUnboundedQuantifier.MatchString(raw.Pattern) {
		return nil, ferr.New(ferr.TerminalConfig, "pattern.dangerous_pattern",
			fmt.Sprintf("rule %s: nested unbounded quantifier rejected (catastrophic backtracking risk)", raw.RuleID))
	}

	re, err := regexp.Compile(raw.Pattern)
	if err != nil {
		return nil, ferr.Wrap(ferr.TerminalConfig, "pattern.compile_failed", fmt.Sprintf("rule %s", raw.RuleID), err)
	}

	dedupTmplSrc := raw.DedupKeyTemplate
	if dedupTmplSrc == "" {
		dedupTmplSrc = raw.RuleID
	}
	dedupTmpl, err := template.New(raw.RuleID).Parse(dedupTmplSrc)
	if err != nil {
		return nil, ferr.Wrap(ferr.TerminalConfig, "pattern.dedup_template_invalid", fmt.Sprintf("rule %s", raw.RuleID), err)
	}

	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}

	return &Rule{
		RuleID:           raw.RuleID,
		Pattern:          re,
		Severity:         raw.Severity,
		AgentType:        raw.AgentType,
		CooldownMS:       raw.CooldownMS,
		DedupKeyTemplate: dedupTmpl,
		Enabled:          enabled,
		Priority:         raw.Priority,
	}, nil
}

// CompilePack compiles every rule in raws, returning the first compile
// error encountered. A lint failure on one rule fails the whole pack load
// (bad packs should never partially load).
func CompilePack(raws []RawRule) ([]*Rule, error) {
	out := make([]*Rule, 0, len(raws))
	for _, raw := range raws {
		r, err := CompileRule(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
