package pattern

import (
	"bytes"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
)

const (
	// maxScanLength bounds a single scan pass; longer segments are scanned
	// in overlapping windows instead (§4.4 "bounded per segment").
	maxScanLength = 64 * 1024
	scanWindow    = 8 * 1024
	scanOverlap   = 256
)

// MuteChecker answers whether a dedup key is currently muted. The engine
// does not own mute state itself (the Policy Engine / storage does); it
// consults this interface so mutes take absolute precedence over cooldowns.
type MuteChecker interface {
	IsMuted(dedupKey string, nowMS int64) bool
}

type ruleState struct {
	rule           *Rule
	lastMatchAtMS  map[string]int64 // dedup_key -> last match time, for cooldown
	mu             sync.Mutex
	disabledReason string
}

// Engine holds the compiled rule set and per-rule runtime state. scan is
// pure over its inputs plus this state (cooldown clocks, dedup sets); it
// performs no IO.
type Engine struct {
	rules []*ruleState
	mutes MuteChecker
}

func NewEngine(rules []*Rule, mutes MuteChecker) *Engine {
	states := make([]*ruleState, len(rules))
	for i, r := range rules {
		states[i] = &ruleState{rule: r, lastMatchAtMS: make(map[string]int64)}
	}
	// Stable sort by priority so within-segment ordering is deterministic.
	sort.SliceStable(states, func(i, j int) bool { return states[i].rule.Priority < states[j].rule.Priority })
	return &Engine{rules: states, mutes: mutes}
}

// Scan evaluates every enabled rule against content, returning events in
// (rule_priority, match_start) order as required by §4.4.
func (e *Engine) Scan(paneID int64, content []byte, nowMS int64) []DetectionEvent {
	var events []DetectionEvent
	for _, rs := range e.rules {
		if !rs.rule.Enabled || rs.disabledReason != "" {
			continue
		}
		hits := e.scanRule(rs, content, nowMS)
		events = append(events, hits...)
	}
	// Events are appended rule-by-rule (already priority-ordered); within a
	// rule, scanRule yields match_start order. A final stable sort over
	// (priority, match_start) guards against cross-rule interleaving.
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Priority != events[j].Priority {
			return events[i].Priority < events[j].Priority
		}
		return events[i].MatchStart < events[j].MatchStart
	})
	return events
}

func (e *Engine) scanRule(rs *ruleState, content []byte, nowMS int64) (events []DetectionEvent) {
	defer func() {
		if r := recover(); r != nil {
			rs.mu.Lock()
			rs.disabledReason = fmt.Sprintf("panic: %v", r)
			rs.mu.Unlock()
			log.Printf("pattern: rule %s disabled after panic: %v", rs.rule.RuleID, r)
			events = nil
		}
	}()

	for _, win := range windows(content) {
		locs := rs.rule.Pattern.FindAllSubmatchIndex(content[win.start:win.end], -1)
		for _, loc := range locs {
			matchStart := win.start + loc[0]
			matchEnd := win.start + loc[1]
			snippet := string(content[matchStart:matchEnd])

			dedupKey := renderDedupKey(rs.rule, content, loc, win.start)

			if e.mutes != nil && e.mutes.IsMuted(dedupKey, nowMS) {
				continue // mute takes absolute precedence, no event at all
			}

			rs.mu.Lock()
			last, seen := rs.lastMatchAtMS[dedupKey]
			withinCooldown := seen && rs.rule.CooldownMS > 0 && nowMS-last < rs.rule.CooldownMS
			if !withinCooldown {
				rs.lastMatchAtMS[dedupKey] = nowMS
			}
			rs.mu.Unlock()
			if withinCooldown {
				continue
			}

			events = append(events, DetectionEvent{
				RuleID:      rs.rule.RuleID,
				Priority:    rs.rule.Priority,
				MatchedAtMS: nowMS,
				MatchStart:  matchStart,
				MatchEnd:    matchEnd,
				Snippet:     snippet,
				DedupKey:    dedupKey,
				Severity:    rs.rule.Severity,
			})
		}
	}
	return events
}

func windows(content []byte) []windowBounds {
	if len(content) <= maxScanLength {
		return []windowBounds{{start: 0, end: len(content)}}
	}
	var out []windowBounds
	for start := 0; start < len(content); start += scanWindow - scanOverlap {
		end := start + scanWindow
		if end > len(content) {
			end = len(content)
		}
		out = append(out, windowBounds{start: start, end: end})
		if end == len(content) {
			break
		}
	}
	return out
}

type windowBounds struct {
	start, end int
}

func renderDedupKey(rule *Rule, content []byte, loc []int, winStart int) string {
	var buf bytes.Buffer
	data := map[string]string{
		"rule_id": rule.RuleID,
	}
	for i := 2; i+1 < len(loc); i += 2 {
		if loc[i] < 0 {
			continue
		}
		data["g"+strconv.Itoa(i/2)] = string(content[winStart+loc[i] : winStart+loc[i+1]])
	}
	if err := rule.DedupKeyTemplate.Execute(&buf, data); err != nil {
		return rule.RuleID
	}
	return buf.String()
}
