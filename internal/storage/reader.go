package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
)

// Reader is a short-lived WAL-mode connection used for search and status
// queries. Many readers can be open concurrently with the single writer.
type Reader struct {
	db *sql.DB
}

func (r *Reader) Close() error {
	return r.db.Close()
}

// Pane mirrors the persisted pane row plus its runtime-observable fields.
type Pane struct {
	PaneID          int64
	Title           string
	Domain          string
	CWD             string
	Priority        int
	ObservedSinceMS int64
	LastCaptureSeq  int64
	Closed          bool
}

func (r *Reader) ListPanes() ([]Pane, error) {
	rows, err := r.db.Query(`SELECT pane_id, title, domain, cwd, priority, observed_since_ms, last_capture_seq, closed FROM panes ORDER BY pane_id`)
	if err != nil {
		return nil, ferr.Wrap(ferr.Retryable, "storage.list_panes_failed", "list panes", err)
	}
	defer rows.Close()
	var out []Pane
	for rows.Next() {
		var p Pane
		var closed int
		if err := rows.Scan(&p.PaneID, &p.Title, &p.Domain, &p.CWD, &p.Priority, &p.ObservedSinceMS, &p.LastCaptureSeq, &closed); err != nil {
			return nil, fmt.Errorf("scan pane: %w", err)
		}
		p.Closed = closed != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Reader) GetPane(paneID int64) (*Pane, error) {
	var p Pane
	var closed int
	err := r.db.QueryRow(`SELECT pane_id, title, domain, cwd, priority, observed_since_ms, last_capture_seq, closed FROM panes WHERE pane_id = ?`, paneID).
		Scan(&p.PaneID, &p.Title, &p.Domain, &p.CWD, &p.Priority, &p.ObservedSinceMS, &p.LastCaptureSeq, &closed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pane: %w", err)
	}
	p.Closed = closed != 0
	return &p, nil
}

// TailContent returns the trailing maxBytes of a pane's persisted content,
// reconstructed by concatenating segments backward from the latest seq.
// Used to rehydrate a tailer's overlap window across a process restart.
func (r *Reader) TailContent(paneID int64, maxBytes int) (string, error) {
	rows, err := r.db.Query(`SELECT content FROM output_segments WHERE pane_id = ? ORDER BY seq DESC LIMIT 32`, paneID)
	if err != nil {
		return "", fmt.Errorf("tail content: %w", err)
	}
	defer rows.Close()

	var chunks []string
	total := 0
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return "", fmt.Errorf("scan tail content: %w", err)
		}
		chunks = append(chunks, c)
		total += len(c)
		if total >= maxBytes {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	// chunks are newest-first; reverse into oldest-first then trim to maxBytes from the tail.
	var combined []byte
	for i := len(chunks) - 1; i >= 0; i-- {
		combined = append(combined, chunks[i]...)
	}
	if len(combined) > maxBytes {
		combined = combined[len(combined)-maxBytes:]
	}
	return string(combined), nil
}

func (r *Reader) LastSeq(paneID int64) (int64, error) {
	var seq sql.NullInt64
	err := r.db.QueryRow(`SELECT MAX(seq) FROM output_segments WHERE pane_id = ?`, paneID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// Segment mirrors a persisted output_segments row (§3 OutputSegment).
type Segment struct {
	PaneID       int64
	Seq          int64
	Content      string
	CapturedAtMS int64
	Kind         string
	GapReason    string
	ByteCount    int64
}

// ListSegments returns every segment stored for paneID in seq order, used
// by tests and diagnostics to inspect the exact delta/gap sequence a tailer
// produced.
func (r *Reader) ListSegments(paneID int64) ([]Segment, error) {
	rows, err := r.db.Query(`SELECT pane_id, seq, content, captured_at_ms, kind, gap_reason, byte_count
		FROM output_segments WHERE pane_id = ? ORDER BY seq`, paneID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var s Segment
		var gapReason sql.NullString
		if err := rows.Scan(&s.PaneID, &s.Seq, &s.Content, &s.CapturedAtMS, &s.Kind, &gapReason, &s.ByteCount); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		s.GapReason = gapReason.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// SearchOptions controls the lexical FTS5 search (§6 "search").
type SearchOptions struct {
	PaneID   *int64
	SinceMS  *int64
	UntilMS  *int64
	Limit    int
	Snippets bool
}

// SearchHit is one FTS5 match.
type SearchHit struct {
	PaneID       int64
	Seq          int64
	CapturedAtMS int64
	Snippet      string
}

// Search runs an FTS5 MATCH query against output_segments_fts. query must be
// valid FTS5 query syntax; a query that SQLite rejects is returned as a
// search.invalid_query error.
func (r *Reader) Search(query string, opts SearchOptions) ([]SearchHit, error) {
	if opts.Limit <= 0 || opts.Limit > 1000 {
		return nil, ferr.New(ferr.TerminalConfig, ferr.CodeInvalidLimit, "limit must be in (0,1000]")
	}
	if opts.SinceMS != nil && opts.UntilMS != nil && *opts.SinceMS > *opts.UntilMS {
		return nil, ferr.New(ferr.TerminalConfig, ferr.CodeInvalidTimeRange, "since must be <= until")
	}

	sqlStr := `SELECT s.pane_id, s.seq, s.captured_at_ms, snippet(output_segments_fts, 0, '[', ']', '...', 16)
		FROM output_segments_fts f
		JOIN output_segments s ON s.id = f.rowid
		WHERE output_segments_fts MATCH ?`
	args := []any{query}
	if opts.PaneID != nil {
		sqlStr += " AND s.pane_id = ?"
		args = append(args, *opts.PaneID)
	}
	if opts.SinceMS != nil {
		sqlStr += " AND s.captured_at_ms >= ?"
		args = append(args, *opts.SinceMS)
	}
	if opts.UntilMS != nil {
		sqlStr += " AND s.captured_at_ms <= ?"
		args = append(args, *opts.UntilMS)
	}
	sqlStr += " ORDER BY s.captured_at_ms DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := r.db.Query(sqlStr, args...)
	if err != nil {
		return nil, ferr.Wrap(ferr.TerminalConfig, ferr.CodeInvalidQuery, "invalid FTS5 query", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.PaneID, &h.Seq, &h.CapturedAtMS, &h.Snippet); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Event mirrors a persisted detection_events row.
type Event struct {
	EventID     int64
	PaneID      int64
	RuleID      string
	MatchedAtMS int64
	MatchStart  int
	MatchEnd    int
	Snippet     string
	DedupKey    string
	Severity    string
	Handled     bool
	Labels      []string
}

type EventFilter struct {
	PaneID    *int64
	RuleID    *string
	Unhandled bool
	Limit     int
}

func (r *Reader) ListEvents(f EventFilter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	sqlStr := `SELECT event_id, pane_id, rule_id, matched_at_ms, match_start, match_end, snippet, dedup_key, severity, handled, labels
		FROM detection_events WHERE 1=1`
	var args []any
	if f.PaneID != nil {
		sqlStr += " AND pane_id = ?"
		args = append(args, *f.PaneID)
	}
	if f.RuleID != nil {
		sqlStr += " AND rule_id = ?"
		args = append(args, *f.RuleID)
	}
	if f.Unhandled {
		sqlStr += " AND handled = 0"
	}
	sqlStr += " ORDER BY matched_at_ms DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var handled int
		var labelsRaw string
		if err := rows.Scan(&e.EventID, &e.PaneID, &e.RuleID, &e.MatchedAtMS, &e.MatchStart, &e.MatchEnd,
			&e.Snippet, &e.DedupKey, &e.Severity, &handled, &labelsRaw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Handled = handled != 0
		_ = json.Unmarshal([]byte(labelsRaw), &e.Labels)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Mute mirrors a persisted mutes row.
type Mute struct {
	DedupKey    string
	ExpiresAtMS *int64
}

func (r *Reader) ListMutes() ([]Mute, error) {
	rows, err := r.db.Query(`SELECT dedup_key, expires_at_ms FROM mutes`)
	if err != nil {
		return nil, fmt.Errorf("list mutes: %w", err)
	}
	defer rows.Close()
	var out []Mute
	for rows.Next() {
		var m Mute
		var exp sql.NullInt64
		if err := rows.Scan(&m.DedupKey, &exp); err != nil {
			return nil, fmt.Errorf("scan mute: %w", err)
		}
		if exp.Valid {
			m.ExpiresAtMS = &exp.Int64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Execution mirrors a persisted workflow_executions row.
type Execution struct {
	ExecutionID    string
	SpecName       string
	TriggerEventID *int64
	PaneID         int64
	StartedAtMS    int64
	Status         string
	CurrentStep    int
	StepLog        json.RawMessage
}

func (r *Reader) GetExecution(id string) (*Execution, error) {
	var e Execution
	var trigger sql.NullInt64
	var stepLog string
	err := r.db.QueryRow(`SELECT execution_id, spec_name, trigger_event_id, pane_id, started_at_ms, status, current_step, step_log
		FROM workflow_executions WHERE execution_id = ?`, id).
		Scan(&e.ExecutionID, &e.SpecName, &trigger, &e.PaneID, &e.StartedAtMS, &e.Status, &e.CurrentStep, &stepLog)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if trigger.Valid {
		e.TriggerEventID = &trigger.Int64
	}
	e.StepLog = json.RawMessage(stepLog)
	return &e, nil
}

func (r *Reader) RunningExecutionForPane(paneID int64) (*Execution, error) {
	rows, err := r.db.Query(`SELECT execution_id FROM workflow_executions WHERE pane_id = ? AND status = 'running' LIMIT 1`, paneID)
	if err != nil {
		return nil, fmt.Errorf("running execution for pane: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	var id string
	if err := rows.Scan(&id); err != nil {
		return nil, err
	}
	return r.GetExecution(id)
}

// AuditRecord mirrors a persisted audit_records row.
type AuditRecord struct {
	ID             int64
	ActorKind      string
	Action         string
	TargetPane     *int64
	Decision       json.RawMessage
	InputsRedacted json.RawMessage
	AtMS           int64
	PrevEntryHash  string
	EntryHash      string
}

func (r *Reader) ListAuditRecords(limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Query(`SELECT id, actor_kind, action, target_pane, decision, inputs_redacted, at_ms, prev_entry_hash, entry_hash
		FROM audit_records ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()
	var out []AuditRecord
	for rows.Next() {
		var a AuditRecord
		var targetPane sql.NullInt64
		var decision, inputs string
		if err := rows.Scan(&a.ID, &a.ActorKind, &a.Action, &targetPane, &decision, &inputs, &a.AtMS, &a.PrevEntryHash, &a.EntryHash); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if targetPane.Valid {
			a.TargetPane = &targetPane.Int64
		}
		a.Decision = json.RawMessage(decision)
		a.InputsRedacted = json.RawMessage(inputs)
		out = append(out, a)
	}
	return out, rows.Err()
}
