package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertMemorySummary replaces a group's narrative summary and accumulates
// the archived counters. created_at is stable across updates; updated_at
// refreshes on every call.
func (s *Store) UpsertMemorySummary(ctx context.Context, folder, summary string, messagesArchived, charsArchived int64) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_summaries (group_folder, summary, messages_archived, chars_archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (group_folder) DO UPDATE SET
			summary = excluded.summary,
			messages_archived = memory_summaries.messages_archived + excluded.messages_archived,
			chars_archived = memory_summaries.chars_archived + excluded.chars_archived,
			updated_at = excluded.updated_at`,
		folder, summary, messagesArchived, charsArchived, now, now)
	if err != nil {
		return fmt.Errorf("upsert memory summary for %s: %w", folder, err)
	}
	return nil
}

// GetMemorySummary returns a group's summary or ErrNotFound.
func (s *Store) GetMemorySummary(ctx context.Context, folder string) (*MemorySummary, error) {
	var m MemorySummary
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT group_folder, summary, messages_archived, chars_archived, created_at, updated_at
		 FROM memory_summaries WHERE group_folder = ?`, folder).
		Scan(&m.GroupFolder, &m.Summary, &m.MessagesArchived, &m.CharsArchived, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory summary for %s: %w", folder, err)
	}
	m.CreatedAt = time.UnixMilli(created)
	m.UpdatedAt = time.UnixMilli(updated)
	return &m, nil
}

// ArchiveMessages runs the summarizer's commit step atomically: upsert the
// summary (accumulating counters) and delete every message older than the
// newest processed one.
func (s *Store) ArchiveMessages(ctx context.Context, folder, chatID, summary string, messagesArchived, charsArchived int64, before time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive messages for %s: %w", folder, err)
	}
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_summaries (group_folder, summary, messages_archived, chars_archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (group_folder) DO UPDATE SET
			summary = excluded.summary,
			messages_archived = memory_summaries.messages_archived + excluded.messages_archived,
			chars_archived = memory_summaries.chars_archived + excluded.chars_archived,
			updated_at = excluded.updated_at`,
		folder, summary, messagesArchived, charsArchived, now, now); err != nil {
		tx.Rollback()
		return fmt.Errorf("archive summary for %s: %w", folder, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND timestamp < ?`,
		chatID, before.UnixMilli()); err != nil {
		tx.Rollback()
		return fmt.Errorf("archive delete for %s: %w", chatID, err)
	}
	return tx.Commit()
}
