// Package alerts tracks consecutive execution failures per group and
// notifies an external webhook when a group's failure streak crosses the
// alerting thresholds.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// groupState is the in-memory failure record for one group.
type groupState struct {
	consecutive int
	lastError   string
	lastAlertAt time.Time
}

// Tracker records per-group failure streaks. A webhook notification fires
// on the first failure and on every third consecutive failure after that,
// subject to the cooldown.
type Tracker struct {
	mu       sync.Mutex
	groups   map[string]*groupState
	webhook  string
	cooldown time.Duration
	client   *http.Client
	now      func() time.Time
}

// New creates a tracker. An empty webhookURL disables notifications but
// keeps the counters.
func New(webhookURL string, cooldown time.Duration) *Tracker {
	return &Tracker{
		groups:   make(map[string]*groupState),
		webhook:  webhookURL,
		cooldown: cooldown,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
}

// RecordError increments a group's failure streak and returns the new
// count. When the count is 1 or a multiple of 3 and the cooldown has
// passed, the webhook is notified in the background.
func (t *Tracker) RecordError(group, errMsg string) int {
	t.mu.Lock()
	s, ok := t.groups[group]
	if !ok {
		s = &groupState{}
		t.groups[group] = s
	}
	s.consecutive++
	s.lastError = errMsg
	count := s.consecutive

	notify := count == 1 || count%3 == 0
	if notify && t.webhook != "" {
		now := t.now()
		if s.lastAlertAt.IsZero() || now.Sub(s.lastAlertAt) >= t.cooldown {
			s.lastAlertAt = now
		} else {
			notify = false
		}
	}
	t.mu.Unlock()

	if notify && t.webhook != "" {
		go t.send(group, errMsg, count)
	}
	return count
}

// ResetErrors clears a group's streak after a successful execution.
func (t *Tracker) ResetErrors(group string) {
	t.mu.Lock()
	delete(t.groups, group)
	t.mu.Unlock()
}

// Consecutive returns a group's current streak.
func (t *Tracker) Consecutive(group string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.groups[group]; ok {
		return s.consecutive
	}
	return 0
}

// LastError returns the most recent failure message for a group.
func (t *Tracker) LastError(group string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.groups[group]; ok {
		return s.lastError
	}
	return ""
}

func (t *Tracker) send(group, errMsg string, count int) {
	body, err := json.Marshal(map[string]any{
		"group":                group,
		"consecutive_failures": count,
		"error":                errMsg,
		"timestamp":            t.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.webhook, bytes.NewReader(body))
	if err != nil {
		slog.Warn("alert webhook request build failed", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		slog.Warn("alert webhook delivery failed",
			slog.String("group", group), slog.String("error", err.Error()))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("alert webhook rejected",
			slog.String("group", group), slog.String("status", fmt.Sprint(resp.StatusCode)))
	}
}
