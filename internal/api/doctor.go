package api

import (
	"net/http"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/policy"
	"github.com/Dicklesworthstone/frankenterm/internal/watcher"
)

func healthString(h watcher.Health) string {
	switch h {
	case watcher.HealthHealthy:
		return "healthy"
	case watcher.HealthUnhealthy:
		return "unhealthy"
	case watcher.HealthStopped:
		return "stopped"
	default:
		return "starting"
	}
}

type doctorResponse struct {
	Integrity       *integrityView `json:"integrity"`
	AuditChainOK    bool           `json:"audit_chain_ok"`
	AuditBrokenAtID int64          `json:"audit_broken_at_id,omitempty"`
	ReloadDue       bool           `json:"reload_due"`
	Health          string         `json:"health"`
}

type integrityView struct {
	QuickCheckOK     bool     `json:"quick_check_ok"`
	QuickCheckDetail string   `json:"quick_check_detail"`
	ForeignKeysOK    bool     `json:"foreign_keys_ok"`
	ForeignKeyErrors []string `json:"foreign_key_errors,omitempty"`
	FTSOK            bool     `json:"fts_ok"`
	FTSDetail        string   `json:"fts_detail"`
	WALPages         int      `json:"wal_pages"`
}

// handleDoctor implements GET /doctor (§"ft doctor"): the self-diagnosis
// bundle of the Storage Engine's integrity pragmas and the Policy Engine's
// audit chain verifier, run against a short-lived reader so it never
// contends with the single writer connection.
func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reader, err := s.w.Storage.ReaderHandle()
	if err != nil {
		writeErr(w, start, err)
		return
	}
	defer reader.Close()

	rep, err := reader.CheckIntegrity()
	if err != nil {
		writeErr(w, start, err)
		return
	}
	chainOK, brokenAt, err := policy.VerifyChain(reader)
	if err != nil {
		writeErr(w, start, err)
		return
	}

	resp := doctorResponse{
		Integrity: &integrityView{
			QuickCheckOK:     rep.QuickCheckOK,
			QuickCheckDetail: rep.QuickCheckDetail,
			ForeignKeysOK:    rep.ForeignKeysOK,
			ForeignKeyErrors: rep.ForeignKeyErrors,
			FTSOK:            rep.FTSOK,
			FTSDetail:        rep.FTSDetail,
			WALPages:         rep.WALPages,
		},
		AuditChainOK:    chainOK,
		AuditBrokenAtID: brokenAt,
		ReloadDue:       s.w.ReloadDue(),
		Health:          healthString(s.w.HealthStatus()),
	}
	writeOK(w, start, resp)
}
