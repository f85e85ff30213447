package policy

import "github.com/Dicklesworthstone/frankenterm/internal/storage"

// VerifyChain replays every audit record via the storage layer's hash-chain
// verifier. It lives in this package (rather than only in storage) because
// the audit chain is a policy-owned invariant; storage merely persists it.
func VerifyChain(reader *storage.Reader) (ok bool, brokenAtID int64, err error) {
	return reader.VerifyAuditChain()
}
