package watcher

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
)

// Lock enforces "only one live writer per data directory" (§6 persistent
// state layout). gofrs/flock is the primary mechanism, the same
// TryLock-non-blocking pattern the daemon in the example pack uses against
// its own lock file; a second, independently-opened file descriptor backstops
// it with a raw flock(2) call on non-Windows (see lock_unix.go), the same
// cross-check internal/sandbox uses golang.org/x/sys/unix for directly
// rather than trusting a single library's view of kernel state.
type Lock struct {
	fl *flock.Flock
	fd *os.File
}

// AcquireLock tries to take the watcher lock at path, non-blocking. A
// failure to acquire returns a distinct error code (storage.queue_full is
// not it — this is its own "already running" signal) so callers can
// distinguish "another watcher owns this data dir" from any other startup
// failure.
func AcquireLock(path string) (*Lock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, ferr.Wrap(ferr.TerminalConfig, "watcher.lock_failed", "acquire watcher lock", err)
	}
	if !locked {
		return nil, ferr.New(ferr.TerminalConfig, "watcher.already_running", "another watcher already holds the lock for this data directory")
	}

	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		fl.Unlock()
		return nil, ferr.Wrap(ferr.TerminalConfig, "watcher.lock_failed", "open lock file for backstop flock", err)
	}
	if err := backstopFlock(fd); err != nil {
		fd.Close()
		fl.Unlock()
		return nil, ferr.Wrap(ferr.TerminalConfig, "watcher.already_running", "backstop flock rejected the lock", err)
	}

	return &Lock{fl: fl, fd: fd}, nil
}

// Release drops both the primary and backstop locks. Safe to call once; a
// second call is a no-op.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if l.fd != nil {
		backstopUnlock(l.fd)
		l.fd.Close()
		l.fd = nil
	}
	if l.fl != nil {
		if err := l.fl.Unlock(); err != nil {
			return fmt.Errorf("release watcher lock: %w", err)
		}
	}
	return nil
}
