package store

import (
	"context"
	"fmt"
	"time"
)

// InsertUsage appends one usage record.
func (s *Store) InsertUsage(ctx context.Context, u UsageRecord) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage (group_folder, timestamp, prompt_tokens, response_tokens, duration_ms, model, is_scheduled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.GroupFolder, u.Timestamp.UnixMilli(), intPtr(u.PromptTokens), intPtr(u.ResponseTokens),
		u.Duration.Milliseconds(), nullIfEmpty(u.Model), u.IsScheduled)
	if err != nil {
		return fmt.Errorf("insert usage for %s: %w", u.GroupFolder, err)
	}
	return nil
}

// UsageForGroup aggregates usage for a group within [from, to). Percentiles
// are computed by offset queries over the ordered duration column.
func (s *Store) UsageForGroup(ctx context.Context, folder string, from, to time.Time) (*UsageStats, error) {
	stats := &UsageStats{GroupFolder: folder}

	var totalMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(response_tokens), 0), COALESCE(SUM(duration_ms), 0)
		 FROM usage WHERE group_folder = ? AND timestamp >= ? AND timestamp < ?`,
		folder, from.UnixMilli(), to.UnixMilli()).
		Scan(&stats.Runs, &stats.PromptTokens, &stats.ResponseTokens, &totalMS)
	if err != nil {
		return nil, fmt.Errorf("usage aggregate for %s: %w", folder, err)
	}
	stats.TotalDuration = time.Duration(totalMS) * time.Millisecond

	if stats.Runs == 0 {
		return stats, nil
	}

	p50, err := s.durationPercentile(ctx, folder, from, to, stats.Runs, 50)
	if err != nil {
		return nil, err
	}
	p95, err := s.durationPercentile(ctx, folder, from, to, stats.Runs, 95)
	if err != nil {
		return nil, err
	}
	stats.P50Duration = p50
	stats.P95Duration = p95
	return stats, nil
}

func (s *Store) durationPercentile(ctx context.Context, folder string, from, to time.Time, n, pct int) (time.Duration, error) {
	offset := (n - 1) * pct / 100
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT duration_ms FROM usage
		 WHERE group_folder = ? AND timestamp >= ? AND timestamp < ?
		 ORDER BY duration_ms LIMIT 1 OFFSET ?`,
		folder, from.UnixMilli(), to.UnixMilli(), offset).Scan(&ms)
	if err != nil {
		return 0, fmt.Errorf("p%d for %s: %w", pct, folder, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// UsageByDay buckets a group's run counts by UTC day within [from, to).
func (s *Store) UsageByDay(ctx context.Context, folder string, from, to time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DATE(timestamp / 1000, 'unixepoch'), COUNT(*)
		 FROM usage WHERE group_folder = ? AND timestamp >= ? AND timestamp < ?
		 GROUP BY 1 ORDER BY 1`,
		folder, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("usage by day for %s: %w", folder, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var day string
		var count int
		if err := rows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("scan usage bucket: %w", err)
		}
		out[day] = count
	}
	return out, rows.Err()
}

func intPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
