package channel

import (
	"context"
	"sync"
	"time"
)

// maxTypingEntries bounds the tracker; inserting beyond the cap evicts the
// oldest entry and stops its ticker.
const maxTypingEntries = 100

type typingEntry struct {
	cancel  context.CancelFunc
	started time.Time
}

// typingTracker keeps one repeating typing-indicator loop per chat.
type typingTracker struct {
	mu      sync.Mutex
	entries map[string]*typingEntry
}

func newTypingTracker() *typingTracker {
	return &typingTracker{entries: make(map[string]*typingEntry)}
}

// start launches the indicator loop for a chat, replacing any existing one.
// send fires immediately and then on every interval tick.
func (t *typingTracker) start(chatID string, send func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if existing, ok := t.entries[chatID]; ok {
		existing.cancel()
	} else if len(t.entries) >= maxTypingEntries {
		t.evictOldestLocked()
	}
	t.entries[chatID] = &typingEntry{cancel: cancel, started: time.Now()}
	t.mu.Unlock()

	go func() {
		send(ctx)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				send(ctx)
			}
		}
	}()
}

func (t *typingTracker) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, e := range t.entries {
		if oldestKey == "" || e.started.Before(oldest) {
			oldestKey = key
			oldest = e.started
		}
	}
	if oldestKey != "" {
		t.entries[oldestKey].cancel()
		delete(t.entries, oldestKey)
	}
}

func (t *typingTracker) stop(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[chatID]; ok {
		e.cancel()
		delete(t.entries, chatID)
	}
}

func (t *typingTracker) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		e.cancel()
		delete(t.entries, key)
	}
}

func (t *typingTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
