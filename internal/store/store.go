// Package store wraps the messages.db SQLite database: the durable message
// queue, materialized chats, scheduled tasks, background jobs and workflow
// runs. Pure-Go driver, WAL mode, a single serialized writer connection.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. When unset the store is silent.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the millisecond clock. Tests use this to step time.
func WithClock(now func() int64) Option {
	return func(s *Store) { s.now = now }
}

// WithRetryBackoff sets the requeue backoff window in milliseconds.
func WithRetryBackoff(baseMs, maxMs int64) Option {
	return func(s *Store) { s.retryBaseMs, s.retryMaxMs = baseMs, maxMs }
}

// WithClaimDeadline sets how long a claim may be held before the reaper
// returns it to the queue.
func WithClaimDeadline(ms int64) Option {
	return func(s *Store) { s.claimDeadlineMs = ms }
}

// Store owns the messages.db handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	now             func() int64
	retryBaseMs     int64
	retryMaxMs      int64
	claimDeadlineMs int64
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open creates a Store on the SQLite file at dbPath. A single shared
// connection serializes all writers, eliminating SQLITE_BUSY from
// concurrent goroutines.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open messages db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:              db,
		logger:          nopLogger,
		now:             func() int64 { return time.Now().UnixMilli() },
		retryBaseMs:     2000,
		retryMaxMs:      60000,
		claimDeadlineMs: 600000,
	}
	for _, o := range opts {
		o(s)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	return s, nil
}

// CheckIntegrity runs SQLite's integrity check, returning an error when the
// database reports anything but "ok".
func (s *Store) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

// Init creates all tables. Idempotent; safe on every startup.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_name TEXT,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			is_group INTEGER NOT NULL DEFAULT 0,
			chat_type TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_name TEXT,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			is_group INTEGER NOT NULL DEFAULT 0,
			chat_type TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			attempt INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			visible_at INTEGER NOT NULL DEFAULT 0,
			claimed_at INTEGER,
			claim_deadline INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			chat_id TEXT PRIMARY KEY,
			name TEXT,
			last_message_time INTEGER NOT NULL DEFAULT 0,
			last_agent_timestamp INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			chat_jid TEXT NOT NULL,
			prompt TEXT NOT NULL,
			schedule_type TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode TEXT,
			next_run INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			attempt INTEGER NOT NULL DEFAULT 0,
			last_result TEXT,
			running_since INTEGER,
			state_json TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			chat_jid TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			output TEXT,
			output_path TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			created_at INTEGER NOT NULL,
			finished_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, timestamp)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_queue_chat_status ON queue(chat_id, status, visible_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_workflow_steps_run ON workflow_steps(run_id)`)

	s.logger.Debug("store: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
