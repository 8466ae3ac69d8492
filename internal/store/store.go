// Package store owns all durable state: chats, messages, scheduled tasks,
// task run logs, usage records, memory summaries, preferences and knowledge
// docs. It is the only writer of database rows; concurrent callers are
// serialized by sqlite's WAL mode and busy timeout.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Store wraps the embedded sqlite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the database at path and runs pending
// migrations. Safe to call with an already-migrated database: migrations are
// additive and idempotent.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		url.PathEscape(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent group executions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database. Idempotent for graceful shutdown.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

var migrations = []string{
	// v1: core message pipeline
	`CREATE TABLE IF NOT EXISTS chats (
		chat_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		last_message_time INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS messages (
		chat_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		sender_id TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		from_self INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (chat_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat_time ON messages (chat_id, timestamp);`,

	// v2: scheduled tasks + run logs
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		group_folder TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		schedule_type TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		context_mode TEXT NOT NULL DEFAULT 'isolated',
		status TEXT NOT NULL DEFAULT 'active',
		next_run INTEGER,
		last_run INTEGER,
		last_result TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks (status, next_run);
	CREATE TABLE IF NOT EXISTS task_run_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_run_logs_task ON task_run_logs (task_id, created_at);`,

	// v3: usage accounting
	`CREATE TABLE IF NOT EXISTS usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_folder TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		prompt_tokens INTEGER,
		response_tokens INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		model TEXT,
		is_scheduled INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_group_time ON usage (group_folder, timestamp);`,

	// v4: long-term memory summaries
	`CREATE TABLE IF NOT EXISTS memory_summaries (
		group_folder TEXT PRIMARY KEY,
		summary TEXT NOT NULL,
		messages_archived INTEGER NOT NULL DEFAULT 0,
		chars_archived INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,

	// v5: preferences + knowledge docs
	`CREATE TABLE IF NOT EXISTS preferences (
		group_folder TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (group_folder, key)
	);
	CREATE TABLE IF NOT EXISTS knowledge_docs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_folder TEXT NOT NULL,
		filename TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		size_chars INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (group_folder, filename)
	);`,
}

// migrate applies additive migrations guarded by a schema version counter.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump schema_version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
		slog.Debug("applied store migration", slog.Int("version", i+1))
	}
	return nil
}
