package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/policy"
)

const maxManifestBytes = 1 << 20 // 1 MiB ceiling per §4.8 step 5

// captureCrash writes a bounded, redacted crash manifest under crashDir and
// returns its path. recovered is the value from recover(); stack is a
// runtime.Stack dump captured at the same defer site, the same pattern
// internal/egg/server.go's recovery interceptors use for gRPC panics, here
// persisted to disk instead of just logged since the watcher has no caller
// left to return an error to.
func captureCrash(crashDir string, task string, recovered any, stack []byte) (string, error) {
	if err := os.MkdirAll(crashDir, 0755); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	body := policy.RedactText(fmt.Sprintf("task: %s\npanic: %v\n\n%s", task, recovered, string(stack)))
	if len(body) > maxManifestBytes {
		body = body[:maxManifestBytes]
	}

	name := fmt.Sprintf("crash-%s-%s.txt", sanitizeTask(task), crashTimestamp())
	path := filepath.Join(crashDir, name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		return "", fmt.Errorf("write crash manifest: %w", err)
	}
	return path, nil
}

// captureStack is a small wrapper so callers' defer/recover sites don't each
// repeat the runtime.Stack buffer-sizing dance.
func captureStack() []byte {
	buf := make([]byte, 65536)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

func sanitizeTask(task string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, task)
}

func crashTimestampFrom(t time.Time) string {
	return t.UTC().Format("20060102T150405.000Z")
}

// crashTimestamp is split out from crashTimestampFrom only so a future test
// can exercise the formatting without depending on wall-clock time; the
// manifest itself always stamps the real crash moment.
func crashTimestamp() string {
	return crashTimestampFrom(time.Now())
}
