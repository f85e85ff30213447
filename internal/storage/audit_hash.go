package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// canonicalAuditPayload builds the deterministic string hashed into each
// audit record's entry_hash, matching the canonical(R) referenced by the
// audit-chain invariant in spec.md §8.
func canonicalAuditPayload(c RecordAudit, prevHash string) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%d|%s",
		c.ActorKind, c.Action, derefPane(c.TargetPane), string(c.Decision), string(c.InputsRedacted), c.AtMS, prevHash)
}

func hashAuditPayload(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func derefPane(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
