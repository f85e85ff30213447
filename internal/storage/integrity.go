package storage

import (
	"fmt"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
)

// IntegrityReport summarizes the outcome of a full integrity pass, as
// surfaced by `ft doctor` and the watcher's startup check (§4.2).
type IntegrityReport struct {
	QuickCheckOK     bool
	QuickCheckDetail string
	ForeignKeysOK    bool
	ForeignKeyErrors []string
	FTSOK            bool
	FTSDetail        string
	WALPages         int
}

// CheckIntegrity runs SQLite's built-in consistency checks plus an FTS5
// integrity-check against a reader connection. It never mutates data.
func (r *Reader) CheckIntegrity() (*IntegrityReport, error) {
	rep := &IntegrityReport{}

	var quick string
	if err := r.db.QueryRow("PRAGMA quick_check").Scan(&quick); err != nil {
		return nil, ferr.Wrap(ferr.Retryable, "storage.quick_check_failed", "run quick_check", err)
	}
	rep.QuickCheckOK = quick == "ok"
	rep.QuickCheckDetail = quick

	fkRows, err := r.db.Query("PRAGMA foreign_key_check")
	if err != nil {
		return nil, ferr.Wrap(ferr.Retryable, "storage.fk_check_failed", "run foreign_key_check", err)
	}
	defer fkRows.Close()
	cols, err := fkRows.Columns()
	if err != nil {
		return nil, fmt.Errorf("foreign_key_check columns: %w", err)
	}
	for fkRows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := fkRows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan foreign_key_check row: %w", err)
		}
		rep.ForeignKeyErrors = append(rep.ForeignKeyErrors, fmt.Sprintf("%v", vals))
	}
	rep.ForeignKeysOK = len(rep.ForeignKeyErrors) == 0

	// The FTS5 'integrity-check' command raises an error on mismatch and
	// succeeds silently otherwise; it never returns a row.
	if _, ftsErr := r.db.Exec(`INSERT INTO output_segments_fts(output_segments_fts) VALUES ('integrity-check')`); ftsErr != nil {
		rep.FTSOK = false
		rep.FTSDetail = ftsErr.Error()
	} else {
		rep.FTSOK = true
		rep.FTSDetail = "ok"
	}

	var walPages int
	_ = r.db.QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(new(int), new(int), &walPages)
	rep.WALPages = walPages

	return rep, nil
}

// Healthy reports whether every check in the report passed.
func (rep *IntegrityReport) Healthy() bool {
	return rep.QuickCheckOK && rep.ForeignKeysOK && rep.FTSOK
}

// VerifyAuditChain replays every audit record in id order and recomputes
// each entry_hash from its stored fields and the preceding hash, reporting
// the first id where the chain breaks (§4.6 invariant d).
func (r *Reader) VerifyAuditChain() (ok bool, brokenAtID int64, err error) {
	records, lerr := r.ListAuditRecords(int(^uint(0) >> 1))
	if lerr != nil {
		return false, 0, lerr
	}
	prevHash := ""
	for _, rec := range records {
		canonical := canonicalAuditPayload(RecordAudit{
			ActorKind:      rec.ActorKind,
			Action:         rec.Action,
			TargetPane:     rec.TargetPane,
			Decision:       rec.Decision,
			InputsRedacted: rec.InputsRedacted,
			AtMS:           rec.AtMS,
		}, prevHash)
		want := hashAuditPayload(canonical)
		if rec.PrevEntryHash != prevHash || rec.EntryHash != want {
			return false, rec.ID, nil
		}
		prevHash = rec.EntryHash
	}
	return true, 0, nil
}
