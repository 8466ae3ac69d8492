package groups

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// RouterState persists the ingest watermarks: the newest message timestamp
// seen overall and, per chat, the newest message already handed to the
// executor. All updates are monotonic-max.
type RouterState struct {
	mu   sync.Mutex
	path string

	LastTimestamp      int64            `json:"last_timestamp"`
	LastAgentTimestamp map[string]int64 `json:"last_agent_timestamp"`
}

// LoadRouterState reads router_state.json; a missing file yields zero
// watermarks.
func LoadRouterState(path string) (*RouterState, error) {
	s := &RouterState{path: path, LastAgentTimestamp: make(map[string]int64)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read router state: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse router state: %w", err)
	}
	if s.LastAgentTimestamp == nil {
		s.LastAgentTimestamp = make(map[string]int64)
	}
	return s, nil
}

// MarkSeen advances the global watermark.
func (s *RouterState) MarkSeen(ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms := ts.UnixMilli(); ms > s.LastTimestamp {
		s.LastTimestamp = ms
		return s.persistLocked()
	}
	return nil
}

// AgentWatermark returns the newest message time already dispatched for a
// chat.
func (s *RouterState) AgentWatermark(chatID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.UnixMilli(s.LastAgentTimestamp[chatID])
}

// AdvanceAgentWatermark moves a chat's dispatch watermark forward. Stale
// values are ignored.
func (s *RouterState) AdvanceAgentWatermark(chatID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms := ts.UnixMilli(); ms > s.LastAgentTimestamp[chatID] {
		s.LastAgentTimestamp[chatID] = ms
		return s.persistLocked()
	}
	return nil
}

func (s *RouterState) persistLocked() error {
	return writeJSONAtomic(s.path, s)
}

// Sessions maps group folders to the opaque session token returned by the
// previous sandbox run, so context_mode=group tasks can resume. Persisted
// to sessions.json; the in-memory copy is authoritative.
type Sessions struct {
	mu     sync.Mutex
	path   string
	tokens map[string]string
}

// LoadSessions reads sessions.json; a missing file yields no tokens.
func LoadSessions(path string) (*Sessions, error) {
	s := &Sessions{path: path, tokens: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	if err := json.Unmarshal(data, &s.tokens); err != nil {
		return nil, fmt.Errorf("parse sessions: %w", err)
	}
	return s, nil
}

// Get returns a group's session token, or "".
func (s *Sessions) Get(folder string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[folder]
}

// Set stores a group's session token. An empty token clears the entry.
func (s *Sessions) Set(folder, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		delete(s.tokens, folder)
	} else {
		s.tokens[folder] = token
	}
	return writeJSONAtomic(s.path, s.tokens)
}
