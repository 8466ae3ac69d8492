package store

import "time"

// Chat is the metadata row for one external chat.
type Chat struct {
	ChatID          string
	Name            string
	LastMessageTime time.Time
}

// Message is one stored chat message, identified by (ChatID, MessageID).
type Message struct {
	ChatID     string
	MessageID  string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  time.Time
	FromSelf   bool
}

// Task schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task context modes.
const (
	ContextIsolated = "isolated"
	ContextGroup    = "group"
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// Task is a scheduled background prompt owned by a group.
type Task struct {
	ID            string
	GroupFolder   string
	ChatID        string
	Prompt        string
	ScheduleType  string // cron | interval | once
	ScheduleValue string
	ContextMode   string // isolated | group
	Status        string // active | paused | completed
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	CreatedAt     time.Time
}

// TaskRunLog is one append-only execution record for a task.
type TaskRunLog struct {
	ID        int64
	TaskID    string
	Status    string // success | error
	Duration  time.Duration
	Result    string
	CreatedAt time.Time
}

// UsageRecord is one append-only execution accounting row.
type UsageRecord struct {
	GroupFolder    string
	Timestamp      time.Time
	PromptTokens   *int
	ResponseTokens *int
	Duration       time.Duration
	Model          string
	IsScheduled    bool
}

// UsageStats aggregates usage rows for one group.
type UsageStats struct {
	GroupFolder    string
	Runs           int
	PromptTokens   int64
	ResponseTokens int64
	TotalDuration  time.Duration
	P50Duration    time.Duration
	P95Duration    time.Duration
}

// MemorySummary is the accumulated long-term memory for one group.
type MemorySummary struct {
	GroupFolder      string
	Summary          string
	MessagesArchived int64
	CharsArchived    int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// KnowledgeDoc is one searchable document in a group's knowledge base.
type KnowledgeDoc struct {
	ID          int64
	GroupFolder string
	Filename    string
	Title       string
	Content     string
	SizeChars   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AllowedPreferenceKeys is the authoritative set of writable preference
// keys, shared by the set_preference tool and the dashboard validator.
var AllowedPreferenceKeys = []string{
	"language",
	"nickname",
	"response_style",
	"interests",
	"timezone",
	"custom_instructions",
}

// PreferenceKeyAllowed reports whether key may be written.
func PreferenceKeyAllowed(key string) bool {
	for _, k := range AllowedPreferenceKeys {
		if k == key {
			return true
		}
	}
	return false
}
