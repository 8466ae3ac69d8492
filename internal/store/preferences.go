package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPreferenceKey is returned for writes outside the allowed set.
var ErrInvalidPreferenceKey = errors.New("store: invalid preference key")

// SetPreference writes one (group, key, value) row. Keys outside
// AllowedPreferenceKeys are rejected.
func (s *Store) SetPreference(ctx context.Context, folder, key, value string) error {
	if !PreferenceKeyAllowed(key) {
		return fmt.Errorf("%w: %s", ErrInvalidPreferenceKey, key)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (group_folder, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (group_folder, key) DO UPDATE SET
			value = excluded.value, updated_at = excluded.updated_at`,
		folder, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set preference %s/%s: %w", folder, key, err)
	}
	return nil
}

// GetPreferences returns all preferences for a group.
func (s *Store) GetPreferences(ctx context.Context, folder string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM preferences WHERE group_folder = ?`, folder)
	if err != nil {
		return nil, fmt.Errorf("preferences for %s: %w", folder, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// GetPreference returns one value or ErrNotFound.
func (s *Store) GetPreference(ctx context.Context, folder, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM preferences WHERE group_folder = ? AND key = ?`, folder, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get preference %s/%s: %w", folder, key, err)
	}
	return v, nil
}
