package watcher

import (
	"log"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadWatcher watches the rule-pack directory, the workflow-spec directory,
// and config.yaml for changes. Per §4.4/§9 a configuration change is never
// hot-swapped into the running pipeline: fsnotify only detects *that* a
// reload is due, it does not perform one. The watcher exposes ReloadDue so an
// operator (or a future supervisor) knows a restart of ftd will pick up the
// change.
type reloadWatcher struct {
	fsw  *fsnotify.Watcher
	due  atomic.Bool
	done chan struct{}
}

func newReloadWatcher(dataDir string) (*reloadWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{
		filepath.Join(dataDir, "patterns"),
		filepath.Join(dataDir, "workflows"),
		dataDir, // covers config.yaml itself
	} {
		if err := fsw.Add(dir); err != nil {
			log.Printf("watcher: reload watch on %s unavailable: %v", dir, err)
		}
	}
	return &reloadWatcher{fsw: fsw, done: make(chan struct{})}, nil
}

// run drains fsnotify events until stopped, debouncing bursts of writes (a
// YAML save often fires several events) into a single "reload due" flip.
func (r *reloadWatcher) run() {
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-r.done:
			r.fsw.Close()
			return
		case ev, ok := <-r.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(500 * time.Millisecond)
		case err, ok := <-r.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: reload watcher error: %v", err)
		case <-debounce.C:
			if !r.due.Swap(true) {
				log.Printf("watcher: configuration or rule-pack change detected, restart ftd to apply it")
			}
		}
	}
}

func (r *reloadWatcher) stop() {
	close(r.done)
}

// ReloadDue reports whether a watched file has changed since startup and a
// pipeline restart is needed to pick it up.
func (w *Watcher) ReloadDue() bool {
	if w.reload == nil {
		return false
	}
	return w.reload.due.Load()
}
