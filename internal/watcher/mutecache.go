package watcher

import (
	"log"
	"sync"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/storage"
)

// muteCache implements pattern.MuteChecker against the storage layer's
// mutes table without a database round-trip per match (the Pattern Engine's
// scan is a hot path, same reasoning as admission.go keeping per-pane rate
// limiters in memory rather than re-deriving them per call). It refreshes on
// a fixed interval rather than subscribing to mute changes, since mutes are
// an operator-facing, low-frequency control surface.
type muteCache struct {
	reader *storage.Reader

	mu      sync.RWMutex
	expires map[string]*int64 // dedup_key -> expires_at_ms (nil entry = never expires)
}

func newMuteCache(reader *storage.Reader) *muteCache {
	c := &muteCache{reader: reader, expires: make(map[string]*int64)}
	c.refresh()
	return c
}

func (c *muteCache) refresh() {
	mutes, err := c.reader.ListMutes()
	if err != nil {
		log.Printf("watcher: refresh mute cache: %v", err)
		return
	}
	next := make(map[string]*int64, len(mutes))
	for _, m := range mutes {
		next[m.DedupKey] = m.ExpiresAtMS
	}
	c.mu.Lock()
	c.expires = next
	c.mu.Unlock()
}

// runRefresh periodically reloads the cache until the caller closes done.
func (c *muteCache) runRefresh(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.refresh()
		}
	}
}

// IsMuted implements pattern.MuteChecker: a mute with no expiry is
// permanent; one with an expiry in the past is treated as not-muted without
// waiting for the next refresh to evict it (belt-and-suspenders against a
// stale cache window extending a mute past its stated TTL).
func (c *muteCache) IsMuted(dedupKey string, nowMS int64) bool {
	c.mu.RLock()
	exp, ok := c.expires[dedupKey]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if exp == nil {
		return true
	}
	return nowMS < *exp
}
