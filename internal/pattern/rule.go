// Package pattern implements the Pattern Engine (C4): compiled rule packs,
// regex matching with dangerous-pattern rejection, and per-rule
// cooldown/dedup/mute state. scan is pure over segment content plus this
// internal state.
package pattern

import (
	"regexp"
	"text/template"
)

// Rule is a loaded, compiled detection rule. Rules are immutable once
// loaded: a pack change forces a pipeline restart rather than a hot-swap
// (§9 "reload = pipeline restart").
type Rule struct {
	RuleID           string // namespaced: pack.agent:event
	Pattern          *regexp.Regexp
	Severity         string
	AgentType        string
	CooldownMS       int64
	DedupKeyTemplate *template.Template
	Enabled          bool
	Priority         int // lower value sorts first within a segment
}

// RawRule is the YAML/JSON-shaped source form before compilation.
type RawRule struct {
	RuleID           string `yaml:"rule_id"`
	Pattern          string `yaml:"pattern"`
	Severity         string `yaml:"severity"`
	AgentType        string `yaml:"agent_type"`
	CooldownMS       int64  `yaml:"cooldown_ms"`
	DedupKeyTemplate string `yaml:"dedup_key_template"`
	Enabled          *bool  `yaml:"enabled"`
	Priority         int    `yaml:"priority"`
}

// DetectionEvent is the pattern engine's output, persisted by the caller
// via storage.InsertEvent.
type DetectionEvent struct {
	RuleID      string
	Priority    int // carried from the matching Rule, for (rule_priority, match_start) ordering
	MatchedAtMS int64
	MatchStart  int
	MatchEnd    int
	Snippet     string
	DedupKey    string
	Severity    string
}
