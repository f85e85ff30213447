package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
)

// Command is the tagged-variant request type accepted by Submit. The set is
// closed and exhaustively matched in apply — no open extension point at the
// storage layer (§9 "Dynamic dispatch").
type Command interface {
	isCommand()
}

type RegisterPane struct {
	PaneID          int64
	Title           string
	Domain          string
	CWD             string
	Priority        int
	ObservedSinceMS int64
}

type MarkPaneClosed struct {
	PaneID int64
}

type AppendSegment struct {
	PaneID       int64
	Seq          int64 // caller-assigned; must be strictly greater than the last stored seq
	Content      string
	CapturedAtMS int64
	Kind         string // delta | full_refresh | gap
	GapReason    string
}

type InsertEvent struct {
	PaneID      int64
	RuleID      string
	MatchedAtMS int64
	MatchStart  int
	MatchEnd    int
	Snippet     string
	DedupKey    string
	Severity    string
	Labels      []string
}

type AnnotateEvent struct {
	EventID int64
	Handled *bool
	Labels  []string // nil means leave unchanged
}

type UpsertMute struct {
	DedupKey    string
	ExpiresAtMS *int64
}

type RemoveMute struct {
	DedupKey string
}

type RecordAudit struct {
	ActorKind      string
	Action         string
	TargetPane     *int64
	Decision       json.RawMessage
	InputsRedacted json.RawMessage
	AtMS           int64
}

type RetentionSweep struct {
	RetentionDays int
	ChunkSize     int // max rows deleted per DELETE statement; 0 means default (500)
}

type CheckpointWAL struct {
	Truncate bool
}

type CreateExecution struct {
	ExecutionID    string
	SpecName       string
	TriggerEventID *int64
	PaneID         int64
	StartedAtMS    int64
}

type UpdateExecution struct {
	ExecutionID string
	Status      string
	CurrentStep int
	StepLog     json.RawMessage
}

func (RegisterPane) isCommand()    {}
func (MarkPaneClosed) isCommand()  {}
func (AppendSegment) isCommand()   {}
func (InsertEvent) isCommand()     {}
func (AnnotateEvent) isCommand()   {}
func (UpsertMute) isCommand()      {}
func (RemoveMute) isCommand()      {}
func (RecordAudit) isCommand()     {}
func (RetentionSweep) isCommand()  {}
func (CheckpointWAL) isCommand()   {}
func (CreateExecution) isCommand() {}
func (UpdateExecution) isCommand() {}

func (h *Handle) apply(cmd Command) (any, error) {
	switch c := cmd.(type) {
	case RegisterPane:
		return h.applyRegisterPane(c)
	case MarkPaneClosed:
		return nil, h.applyMarkPaneClosed(c)
	case AppendSegment:
		return h.applyAppendSegment(c)
	case InsertEvent:
		return h.applyInsertEvent(c)
	case AnnotateEvent:
		return nil, h.applyAnnotateEvent(c)
	case UpsertMute:
		return nil, h.applyUpsertMute(c)
	case RemoveMute:
		return nil, h.applyRemoveMute(c)
	case RecordAudit:
		return h.applyRecordAudit(c)
	case RetentionSweep:
		return h.applyRetentionSweep(c)
	case CheckpointWAL:
		return nil, h.applyCheckpointWAL(c)
	case CreateExecution:
		return nil, h.applyCreateExecution(c)
	case UpdateExecution:
		return nil, h.applyUpdateExecution(c)
	default:
		return nil, ferr.New(ferr.TerminalConfig, "storage.unknown_command", fmt.Sprintf("%T", cmd))
	}
}

func (h *Handle) applyRegisterPane(c RegisterPane) (any, error) {
	_, err := h.writeDB.Exec(`INSERT INTO panes (pane_id, title, domain, cwd, priority, observed_since_ms, last_capture_seq, closed)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0)
		ON CONFLICT(pane_id) DO UPDATE SET title=excluded.title, domain=excluded.domain, cwd=excluded.cwd,
			priority=excluded.priority, closed=0`,
		c.PaneID, c.Title, c.Domain, c.CWD, c.Priority, c.ObservedSinceMS)
	if err != nil {
		return nil, translateSQLErr(err, "register pane")
	}
	return nil, nil
}

func (h *Handle) applyMarkPaneClosed(c MarkPaneClosed) error {
	_, err := h.writeDB.Exec(`UPDATE panes SET closed = 1 WHERE pane_id = ?`, c.PaneID)
	if err != nil {
		return translateSQLErr(err, "mark pane closed")
	}
	return nil
}

// applyAppendSegment enforces invariant (c): seq is accepted only if strictly
// greater than the last stored seq for that pane. The FTS row is inserted in
// the same transaction via the AFTER INSERT trigger, satisfying invariant (b).
func (h *Handle) applyAppendSegment(c AppendSegment) (any, error) {
	h.lastSeqMu.Lock()
	last := h.lastSeq[c.PaneID]
	if c.Seq <= last {
		h.lastSeqMu.Unlock()
		return nil, ferr.New(ferr.TerminalData, ferr.CodeSequenceViolation,
			fmt.Sprintf("pane %d: seq %d not greater than last stored seq %d", c.PaneID, c.Seq, last))
	}
	h.lastSeqMu.Unlock()

	tx, err := h.writeDB.Begin()
	if err != nil {
		return nil, translateSQLErr(err, "begin append segment")
	}
	defer tx.Rollback()

	var gapReason sql.NullString
	if c.GapReason != "" {
		gapReason = sql.NullString{String: c.GapReason, Valid: true}
	}

	res, err := tx.Exec(`INSERT INTO output_segments (pane_id, seq, content, captured_at_ms, kind, gap_reason, byte_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.PaneID, c.Seq, c.Content, c.CapturedAtMS, c.Kind, gapReason, len(c.Content))
	if err != nil {
		return nil, translateSQLErr(err, "insert segment")
	}
	if _, err := tx.Exec(`UPDATE panes SET last_capture_seq = ? WHERE pane_id = ?`, c.Seq, c.PaneID); err != nil {
		return nil, translateSQLErr(err, "update last_capture_seq")
	}
	if err := tx.Commit(); err != nil {
		return nil, translateSQLErr(err, "commit append segment")
	}

	h.lastSeqMu.Lock()
	h.lastSeq[c.PaneID] = c.Seq
	h.lastSeqMu.Unlock()

	h.writesSinceCheckpoint++
	if h.writesSinceCheckpoint >= h.walFrameThreshold {
		h.writesSinceCheckpoint = 0
		_, _ = h.writeDB.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	}

	id, _ := res.LastInsertId()
	return id, nil
}

func (h *Handle) applyInsertEvent(c InsertEvent) (any, error) {
	labels, err := json.Marshal(c.Labels)
	if err != nil {
		return nil, ferr.Wrap(ferr.TerminalConfig, "storage.marshal_labels", "marshal labels", err)
	}
	res, err := h.writeDB.Exec(`INSERT INTO detection_events
		(pane_id, rule_id, matched_at_ms, match_start, match_end, snippet, dedup_key, severity, handled, labels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		c.PaneID, c.RuleID, c.MatchedAtMS, c.MatchStart, c.MatchEnd, c.Snippet, c.DedupKey, c.Severity, string(labels))
	if err != nil {
		return nil, translateSQLErr(err, "insert event")
	}
	id, _ := res.LastInsertId()
	return id, nil
}

func (h *Handle) applyAnnotateEvent(c AnnotateEvent) error {
	if c.Handled != nil {
		if _, err := h.writeDB.Exec(`UPDATE detection_events SET handled = ? WHERE event_id = ?`, boolToInt(*c.Handled), c.EventID); err != nil {
			return translateSQLErr(err, "annotate event handled")
		}
	}
	if c.Labels != nil {
		labels, err := json.Marshal(c.Labels)
		if err != nil {
			return ferr.Wrap(ferr.TerminalConfig, "storage.marshal_labels", "marshal labels", err)
		}
		if _, err := h.writeDB.Exec(`UPDATE detection_events SET labels = ? WHERE event_id = ?`, string(labels), c.EventID); err != nil {
			return translateSQLErr(err, "annotate event labels")
		}
	}
	return nil
}

// applyUpsertMute is idempotent: a second UpsertMute with the same key and
// expiry is observationally identical to the first.
func (h *Handle) applyUpsertMute(c UpsertMute) error {
	_, err := h.writeDB.Exec(`INSERT INTO mutes (dedup_key, expires_at_ms) VALUES (?, ?)
		ON CONFLICT(dedup_key) DO UPDATE SET expires_at_ms = excluded.expires_at_ms`,
		c.DedupKey, c.ExpiresAtMS)
	if err != nil {
		return translateSQLErr(err, "upsert mute")
	}
	return nil
}

func (h *Handle) applyRemoveMute(c RemoveMute) error {
	_, err := h.writeDB.Exec(`DELETE FROM mutes WHERE dedup_key = ?`, c.DedupKey)
	if err != nil {
		return translateSQLErr(err, "remove mute")
	}
	return nil
}

// applyRecordAudit appends a hash-chained audit record (§4.6, invariant d).
func (h *Handle) applyRecordAudit(c RecordAudit) (any, error) {
	var prevHash string
	row := h.writeDB.QueryRow(`SELECT entry_hash FROM audit_records ORDER BY id DESC LIMIT 1`)
	if err := row.Scan(&prevHash); err != nil && err != sql.ErrNoRows {
		return nil, translateSQLErr(err, "read previous audit hash")
	}

	canonical := canonicalAuditPayload(c, prevHash)
	entryHash := hashAuditPayload(canonical)

	var targetPane sql.NullInt64
	if c.TargetPane != nil {
		targetPane = sql.NullInt64{Int64: *c.TargetPane, Valid: true}
	}

	res, err := h.writeDB.Exec(`INSERT INTO audit_records
		(actor_kind, action, target_pane, decision, inputs_redacted, at_ms, prev_entry_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ActorKind, c.Action, targetPane, string(c.Decision), string(c.InputsRedacted), c.AtMS, prevHash, entryHash)
	if err != nil {
		return nil, translateSQLErr(err, "insert audit record")
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// applyRetentionSweep deletes segments older than RetentionDays in bounded
// chunks, never a single unbounded DELETE (§4.2).
func (h *Handle) applyRetentionSweep(c RetentionSweep) (any, error) {
	chunk := c.ChunkSize
	if chunk <= 0 {
		chunk = 500
	}
	cutoff := time.Now().AddDate(0, 0, -c.RetentionDays).UnixMilli()

	var total int64
	for {
		res, err := h.writeDB.Exec(`DELETE FROM output_segments WHERE id IN (
			SELECT id FROM output_segments WHERE captured_at_ms < ? LIMIT ?)`, cutoff, chunk)
		if err != nil {
			return total, translateSQLErr(err, "retention sweep chunk")
		}
		n, _ := res.RowsAffected()
		total += n
		if n < int64(chunk) {
			break
		}
	}
	return total, nil
}

func (h *Handle) applyCheckpointWAL(c CheckpointWAL) error {
	mode := "PASSIVE"
	if c.Truncate {
		mode = "TRUNCATE"
	}
	if _, err := h.writeDB.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return translateSQLErr(err, "checkpoint wal")
	}
	return nil
}

func (h *Handle) applyCreateExecution(c CreateExecution) error {
	var trigger sql.NullInt64
	if c.TriggerEventID != nil {
		trigger = sql.NullInt64{Int64: *c.TriggerEventID, Valid: true}
	}
	_, err := h.writeDB.Exec(`INSERT INTO workflow_executions
		(execution_id, spec_name, trigger_event_id, pane_id, started_at_ms, status, current_step, step_log)
		VALUES (?, ?, ?, ?, ?, 'running', 0, '[]')`,
		c.ExecutionID, c.SpecName, trigger, c.PaneID, c.StartedAtMS)
	if err != nil {
		return translateSQLErr(err, "create execution")
	}
	return nil
}

func (h *Handle) applyUpdateExecution(c UpdateExecution) error {
	_, err := h.writeDB.Exec(`UPDATE workflow_executions SET status = ?, current_step = ?, step_log = ? WHERE execution_id = ?`,
		c.Status, c.CurrentStep, string(c.StepLog), c.ExecutionID)
	if err != nil {
		return translateSQLErr(err, "update execution")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// translateSQLErr maps a raw SQLite error into a category at the storage
// boundary (§7 propagation policy). "database is locked"/busy is retried
// locally; anything indicating a structural problem is TerminalData.
func translateSQLErr(err error, action string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "database is locked", "database is busy", "SQLITE_BUSY"):
		return ferr.Wrap(ferr.Retryable, "storage.busy", action, err)
	case containsAny(msg, "malformed", "corrupt", "no such table", "no such column"):
		return ferr.Wrap(ferr.TerminalData, "storage.corrupt", action, err)
	default:
		return ferr.Wrap(ferr.TerminalData, "storage.write_failed", action, err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
