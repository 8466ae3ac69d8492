package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertChat creates or updates chat metadata. last_message_time only moves
// forward: concurrent writers cannot regress it.
func (s *Store) UpsertChat(ctx context.Context, chatID, name string, lastMessage time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (chat_id, name, last_message_time) VALUES (?, ?, ?)
		 ON CONFLICT (chat_id) DO UPDATE SET
			name = excluded.name,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time)`,
		chatID, name, lastMessage.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert chat %s: %w", chatID, err)
	}
	return nil
}

// GetChat returns chat metadata or ErrNotFound.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var c Chat
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, name, last_message_time FROM chats WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.Name, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", chatID, err)
	}
	c.LastMessageTime = time.UnixMilli(ts)
	return &c, nil
}

// InsertMessage stores a message, replacing any prior row with the same
// (chat_id, message_id).
func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, message_id, sender_id, sender_name, content, timestamp, from_self)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id, message_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			sender_name = excluded.sender_name,
			content = excluded.content,
			timestamp = excluded.timestamp,
			from_self = excluded.from_self`,
		m.ChatID, m.MessageID, m.SenderID, m.SenderName, m.Content, m.Timestamp.UnixMilli(), m.FromSelf)
	if err != nil {
		return fmt.Errorf("insert message %s/%s: %w", m.ChatID, m.MessageID, err)
	}
	return nil
}

// MessagesSince returns messages for a chat strictly newer than the
// watermark, oldest first. Messages whose content starts with botPrefix are
// the assistant's own replies on a shared account and are excluded.
func (s *Store) MessagesSince(ctx context.Context, chatID string, since time.Time, botPrefix string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, message_id, sender_id, sender_name, content, timestamp, from_self
		 FROM messages
		 WHERE chat_id = ? AND timestamp > ?
		   AND (? = '' OR content NOT LIKE ? || '%')
		 ORDER BY timestamp`,
		chatID, since.UnixMilli(), botPrefix, botPrefix)
	if err != nil {
		return nil, fmt.Errorf("messages since for %s: %w", chatID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// OldestMessages returns up to limit oldest messages for a chat, for the
// memory summarizer.
func (s *Store) OldestMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, message_id, sender_id, sender_name, content, timestamp, from_self
		 FROM messages WHERE chat_id = ? ORDER BY timestamp LIMIT ?`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("oldest messages for %s: %w", chatID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessageStats returns the message count and total content size for a chat.
func (s *Store) MessageStats(ctx context.Context, chatID string) (count int, chars int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0) FROM messages WHERE chat_id = ?`,
		chatID).Scan(&count, &chars)
	if err != nil {
		return 0, 0, fmt.Errorf("message stats for %s: %w", chatID, err)
	}
	return count, chars, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.SenderID, &m.SenderName, &m.Content, &ts, &m.FromSelf); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
