// Package store provides transactional persistence for workers, tasks,
// cards, columns and comments (§3, §4.1 of the spec). Every concurrency-
// sensitive mutation — claim, status transition, card move — is expressed
// as a single conditional SQL update; no lock is layered above it in the
// service layer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion = 1

	maxBusyRetries = 5
	retryBaseDelay = 10 * time.Millisecond
	retryMaxDelay  = 160 * time.Millisecond
)

// Store is the transactional persistence layer backing the task queue.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithClock overrides the time source; used by tests that assert exact
// 90s/300s sweep boundaries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or migrates the SQLite database at path. Use ":memory:" for
// an ephemeral in-test store.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = "boardqueue.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for callers that need to wrap it (e.g.
// OpenTelemetry instrumentation at the driver boundary).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			hostname TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			last_heartbeat TIMESTAMP NOT NULL,
			registered_at TIMESTAMP NOT NULL,
			max_concurrent_tasks INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS columns (
			id TEXT PRIMARY KEY,
			board_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			auto_run INTEGER NOT NULL DEFAULT 0,
			agent_type TEXT NOT NULL DEFAULT '',
			prompt_template TEXT NOT NULL DEFAULT '',
			on_success_column_id TEXT NOT NULL DEFAULT '',
			on_failure_column_id TEXT NOT NULL DEFAULT '',
			max_loop_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS cards (
			id TEXT PRIMARY KEY,
			column_id TEXT NOT NULL,
			board_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			labels TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			assignee_id TEXT NOT NULL DEFAULT '',
			agent_status TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS comments (
			id TEXT PRIMARY KEY,
			card_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			is_agent_output INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			board_id TEXT NOT NULL DEFAULT '',
			card_id TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			assigned_to TEXT NOT NULL DEFAULT '',
			claimed_by_worker TEXT NOT NULL DEFAULT '',
			agent_type TEXT NOT NULL DEFAULT '',
			agent_model TEXT NOT NULL DEFAULT '',
			prompt_text TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			source_column_id TEXT NOT NULL DEFAULT '',
			target_column_id TEXT NOT NULL DEFAULT '',
			failure_column_id TEXT NOT NULL DEFAULT '',
			loop_count INTEGER NOT NULL DEFAULT 0,
			max_loop_count INTEGER NOT NULL DEFAULT 0,
			error_summary TEXT NOT NULL DEFAULT '',
			output_comment_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			claimed_at TIMESTAMP,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			lease_expires_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_board ON tasks(board_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_card_column ON tasks(card_id, source_column_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claimed_by ON tasks(claimed_by_worker);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations (version) VALUES (?);`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite reports BUSY/LOCKED, using capped
// exponential backoff with jitter (§4.1: "max 5 retries, 10ms -> 160ms").
func retryOnBusy(ctx context.Context, f func() error) error {
	var err error
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxBusyRetries {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		delay := retryBaseDelay << uint(attempt)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
