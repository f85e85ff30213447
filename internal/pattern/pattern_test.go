package pattern

import "testing"

type fakeMutes struct {
	muted map[string]bool
}

func (f *fakeMutes) IsMuted(key string, nowMS int64) bool { return f.muted[key] }

func compileOne(t *testing.T, raw RawRule) *Rule {
	t.Helper()
	r, err := CompileRule(raw)
	if err != nil {
		t.Fatalf("CompileRule: %v", err)
	}
	return r
}

func TestCompileRuleRejectsNestedUnboundedQuantifier(t *testing.T) {
	_, err := CompileRule(RawRule{RuleID: "bad.rule:x", Pattern: `(a+)+b`})
	if err == nil {
		t.Fatal("expected dangerous pattern to be rejected")
	}
}

func TestCompileRuleRejectsOverlongPattern(t *testing.T) {
	long := make([]byte, maxPatternLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := CompileRule(RawRule{RuleID: "bad.rule:y", Pattern: string(long)})
	if err == nil {
		t.Fatal("expected overlong pattern to be rejected")
	}
}

func TestScanOrdersByMatchStartWithinSamePriority(t *testing.T) {
	r1 := compileOne(t, RawRule{RuleID: "a.agent:error", Pattern: `ERROR`, Priority: 1})
	r2 := compileOne(t, RawRule{RuleID: "a.agent:warn", Pattern: `WARN`, Priority: 1})

	e := NewEngine([]*Rule{r2, r1}, nil)
	events := e.Scan(1, []byte("WARN then ERROR"), 1000)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].RuleID != "a.agent:warn" || events[1].RuleID != "a.agent:error" {
		t.Fatalf("expected match_start order (warn, error) when priorities tie, got (%s, %s)", events[0].RuleID, events[1].RuleID)
	}
}

// TestScanOrdersByPriorityBeforeMatchStart covers the case where match_start
// order and rule_priority order disagree: the lower-priority rule's match
// appears earlier in the content, but priority is the primary sort key, so
// it must still be yielded second.
func TestScanOrdersByPriorityBeforeMatchStart(t *testing.T) {
	r1 := compileOne(t, RawRule{RuleID: "a.agent:error", Pattern: `ERROR`, Priority: 1})
	r2 := compileOne(t, RawRule{RuleID: "a.agent:warn", Pattern: `WARN`, Priority: 2})

	e := NewEngine([]*Rule{r2, r1}, nil)
	events := e.Scan(1, []byte("WARN then ERROR"), 1000)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].RuleID != "a.agent:error" || events[1].RuleID != "a.agent:warn" {
		t.Fatalf("expected priority order (error, warn) despite warn matching earlier, got (%s, %s)", events[0].RuleID, events[1].RuleID)
	}
	if events[0].Priority != 1 || events[1].Priority != 2 {
		t.Fatalf("expected events to carry their rule's priority, got (%d, %d)", events[0].Priority, events[1].Priority)
	}
}

func TestScanRespectsCooldown(t *testing.T) {
	r := compileOne(t, RawRule{RuleID: "a.agent:error", Pattern: `ERROR`, CooldownMS: 10000})
	e := NewEngine([]*Rule{r}, nil)

	events := e.Scan(1, []byte("ERROR"), 1000)
	if len(events) != 1 {
		t.Fatalf("expected first match, got %d events", len(events))
	}

	events = e.Scan(1, []byte("ERROR"), 5000)
	if len(events) != 0 {
		t.Fatalf("expected cooldown to suppress second match, got %d events", len(events))
	}

	events = e.Scan(1, []byte("ERROR"), 20000)
	if len(events) != 1 {
		t.Fatalf("expected match after cooldown expiry, got %d events", len(events))
	}
}

func TestScanMuteTakesPrecedenceOverCooldown(t *testing.T) {
	r := compileOne(t, RawRule{RuleID: "a.agent:error", Pattern: `ERROR`})
	mutes := &fakeMutes{muted: map[string]bool{"a.agent:error": true}}
	e := NewEngine([]*Rule{r}, mutes)

	events := e.Scan(1, []byte("ERROR"), 1000)
	if len(events) != 0 {
		t.Fatalf("expected mute to suppress all events, got %d", len(events))
	}
}

func TestScanDisablesRuleAfterPanicAndContinues(t *testing.T) {
	good := compileOne(t, RawRule{RuleID: "a.agent:good", Pattern: `OK`})
	bad := compileOne(t, RawRule{RuleID: "a.agent:bad", Pattern: `ERROR`})

	e := NewEngine([]*Rule{good, bad}, nil)
	// Force a panic in the "bad" rule's state by corrupting its template
	// reference is not directly reachable from outside the package, so
	// instead exercise the panic-recovery path via a nil regexp swap.
	for _, rs := range e.rules {
		if rs.rule.RuleID == "a.agent:bad" {
			rs.rule.Pattern = nil
		}
	}

	events := e.Scan(1, []byte("OK and ERROR"), 1000)
	if len(events) != 1 || events[0].RuleID != "a.agent:good" {
		t.Fatalf("expected only the good rule to fire, got %+v", events)
	}
}

func TestWindowsSplitsOversizedContent(t *testing.T) {
	content := make([]byte, maxScanLength+1000)
	wins := windows(content)
	if len(wins) < 2 {
		t.Fatalf("expected content over maxScanLength to be split into multiple windows, got %d", len(wins))
	}
	if wins[len(wins)-1].end != len(content) {
		t.Fatalf("expected last window to reach end of content")
	}
}
