// Package storage implements the single-writer SQLite+FTS persistence engine
// (§4.2). A dedicated writer goroutine owns the only read-write connection
// and drains a bounded command queue; readers open independent WAL-mode
// connections and never touch the write path.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Status reports the writer's health as observed by the Watcher.
type Status int

const (
	StatusHealthy Status = iota
	StatusUnhealthy
)

// Handle is the public contract consumed by every writer-side collaborator
// (ingest, pattern engine via event persistence, policy engine, workflow
// runner). Submit is the only way to mutate the database.
type Handle struct {
	dsn string

	writeDB *sql.DB
	queue   chan *envelope
	done    chan struct{}

	statusMu sync.RWMutex
	status   Status
	unhealthy error

	lastSeqMu sync.Mutex
	lastSeq   map[int64]int64 // pane_id -> last stored seq, cached for fast SequenceViolation checks

	walFrameThreshold int
	writesSinceCheckpoint int
}

// Options configures the writer.
type Options struct {
	QueueDepth        int // default 1024
	WALCheckpointFrames int // default 10000, exposed as writesSinceCheckpoint proxy
}

type envelope struct {
	cmd    Command
	result chan Result
}

// Result is the outcome of a submitted write command.
type Result struct {
	Value any
	Err   error
}

// Open creates the data directory's writer handle, running migrations and
// starting the dedicated writer goroutine. ctx bounds the writer's lifetime;
// cancel it to stop the writer (Close only closes the write connection).
func Open(ctx context.Context, dsn string, opts Options) (*Handle, error) {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1024
	}
	if opts.WALCheckpointFrames <= 0 {
		opts.WALCheckpointFrames = 10000
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ferr.Wrap(ferr.TerminalConfig, "storage.open_failed", "open database", err)
	}
	db.SetMaxOpenConns(1) // single writer connection

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, ferr.Wrap(ferr.TerminalConfig, "storage.pragma_failed", pragma, err)
		}
	}

	h := &Handle{
		dsn:               dsn,
		writeDB:           db,
		queue:             make(chan *envelope, opts.QueueDepth),
		done:              make(chan struct{}),
		lastSeq:           make(map[int64]int64),
		walFrameThreshold: opts.WALCheckpointFrames,
	}

	if err := h.migrate(); err != nil {
		db.Close()
		return nil, ferr.Wrap(ferr.TerminalConfig, "storage.migrate_failed", "run migrations", err)
	}
	if err := h.hydrateLastSeq(); err != nil {
		db.Close()
		return nil, ferr.Wrap(ferr.TerminalData, "storage.hydrate_failed", "hydrate sequence cache", err)
	}

	go h.runWriter(ctx)

	return h, nil
}

// Submit enqueues cmd for the writer goroutine. It returns QueueFull
// immediately (never retries internally) if the queue is at capacity — this
// is the backpressure signal the tailer and workflow runner key off of.
func (h *Handle) Submit(ctx context.Context, cmd Command) (any, error) {
	env := &envelope{cmd: cmd, result: make(chan Result, 1)}
	select {
	case h.queue <- env:
	default:
		return nil, ferr.New(ferr.Overload, ferr.CodeQueueFull, "write queue at capacity")
	}

	select {
	case res := <-env.result:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, ferr.New(ferr.TerminalData, ferr.CodeUnhealthy, "writer stopped")
	}
}

// Status reports whether the writer is still accepting mutations.
func (h *Handle) Status() (Status, error) {
	h.statusMu.RLock()
	defer h.statusMu.RUnlock()
	return h.status, h.unhealthy
}

func (h *Handle) markUnhealthy(err error) {
	h.statusMu.Lock()
	h.status = StatusUnhealthy
	h.unhealthy = err
	h.statusMu.Unlock()
}

// Close closes the write connection. It does not drain the queue or stop
// the writer goroutine; that stops when the ctx passed to Open is done.
func (h *Handle) Close() error {
	return h.writeDB.Close()
}

// ReaderHandle opens an independent short-lived WAL-mode reader connection.
// Readers never go through the command queue.
func (h *Handle) ReaderHandle() (*Reader, error) {
	db, err := sql.Open("sqlite", h.dsn)
	if err != nil {
		return nil, ferr.Wrap(ferr.Retryable, "storage.reader_open_failed", "open reader connection", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, ferr.Wrap(ferr.Retryable, "storage.reader_pragma_failed", "set busy_timeout", err)
	}
	return &Reader{db: db}, nil
}

func (h *Handle) runWriter(ctx context.Context) {
	defer close(h.done)
	retryDelay := 50 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.queue:
			val, err := h.apply(env.cmd)
			if isRetryable(err) {
				// Bounded local retry (3 attempts, delay growing linearly by
				// retryDelay, no jitter); never crosses the writer boundary.
				for attempt := 0; attempt < 3 && err != nil; attempt++ {
					time.Sleep(retryDelay * time.Duration(attempt+1))
					val, err = h.apply(env.cmd)
				}
			}
			if isCorruption(err) {
				h.markUnhealthy(err)
			}
			env.result <- Result{Value: val, Err: err}
		}
	}
}

func isRetryable(err error) bool {
	fe, ok := err.(*ferr.Error)
	return ok && fe.Category == ferr.Retryable
}

func isCorruption(err error) bool {
	fe, ok := err.(*ferr.Error)
	return ok && fe.Category == ferr.TerminalData
}

func (h *Handle) migrate() error {
	if _, err := h.writeDB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := h.writeDB.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := h.writeDB.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

func (h *Handle) hydrateLastSeq() error {
	rows, err := h.writeDB.Query(`SELECT pane_id, MAX(seq) FROM output_segments GROUP BY pane_id`)
	if err != nil {
		return fmt.Errorf("hydrate last seq: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var paneID, seq int64
		if err := rows.Scan(&paneID, &seq); err != nil {
			return fmt.Errorf("scan last seq: %w", err)
		}
		h.lastSeq[paneID] = seq
	}
	return rows.Err()
}
