package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the NanoClaw orchestrator.
type Config struct {
	AssistantName string `json:"assistant_name"`
	GeminiModel   string `json:"gemini_model"`
	GeminiAPIKey  string `json:"-"` // from env GEMINI_API_KEY only
	TelegramToken string `json:"-"` // from env TELEGRAM_BOT_TOKEN only
	Timezone      string `json:"timezone"`

	// DataDir is the root for all persistent state (db, ipc, state files).
	DataDir string `json:"data_dir"`
	// GroupsDir holds per-group workspaces (<folder>/{logs,media}).
	GroupsDir string `json:"groups_dir"`
	// ProjectDir is mounted read-only into the main group's container.
	ProjectDir string `json:"project_dir"`
	// GlobalDir is mounted read-only into non-main containers when present.
	GlobalDir string `json:"global_dir,omitempty"`
	// MountAllowlistPath points at the mount allowlist JSON. Must live
	// outside any container-writable directory.
	MountAllowlistPath string `json:"mount_allowlist_path"`

	// MainGroupFolder names the distinguished admin group.
	MainGroupFolder string `json:"main_group_folder"`

	// BotPrefix marks self-sent replies so they are excluded from context
	// when the chat account is shared.
	BotPrefix string `json:"bot_prefix"`

	// Raw millisecond knobs from the config file; read through the
	// accessor methods below.
	PollIntervalMS          int64 `json:"poll_interval_ms,omitempty"`
	SchedulerPollIntervalMS int64 `json:"scheduler_poll_interval_ms,omitempty"`
	IPCPollIntervalMS       int64 `json:"ipc_poll_interval_ms,omitempty"`

	Container    ContainerConfig    `json:"container"`
	RateLimit    RateLimitConfig    `json:"rate_limit"`
	Cleanup      CleanupConfig      `json:"cleanup"`
	Telegram     TelegramConfig     `json:"telegram"`
	Alerts       AlertsConfig       `json:"alerts"`
	TaskTracking TaskTrackingConfig `json:"task_tracking"`
	Memory       MemoryConfig       `json:"memory"`
	FastPath     FastPathConfig     `json:"fast_path"`

	mu          sync.RWMutex
	maintenance bool
}

// ContainerConfig configures the sandboxed agent runtime.
type ContainerConfig struct {
	// Runtime is the container CLI binary ("docker" or "podman").
	Runtime string `json:"runtime"`
	Image   string `json:"image"`
	// TimeoutMS bounds one agent run; on expiry the process gets SIGTERM,
	// then SIGKILL after GracefulShutdownDelayMS.
	TimeoutMS                int64 `json:"timeout_ms"`
	MaxOutputSize            int   `json:"max_output_size"`
	GracefulShutdownDelayMS  int64 `json:"graceful_shutdown_delay_ms"`
	IPCDebounceMS            int64 `json:"ipc_debounce_ms"`
	IPCFallbackPollingFactor int   `json:"ipc_fallback_polling_multiplier"`
}

// RateLimitConfig bounds per-chat message throughput.
type RateLimitConfig struct {
	Enabled       bool `json:"enabled"`
	MaxRequests   int  `json:"max_requests"`
	WindowMinutes int  `json:"window_minutes"`
}

// CleanupConfig controls periodic media pruning in group workspaces.
type CleanupConfig struct {
	MediaMaxAgeDays           int `json:"media_max_age_days"`
	MediaCleanupIntervalHours int `json:"media_cleanup_interval_hours"`
}

// TelegramConfig tunes the outbound Telegram surface.
type TelegramConfig struct {
	RateLimitDelayMS int64 `json:"rate_limit_delay_ms"`
	MaxMessageLength int   `json:"max_message_length"`
}

// AlertsConfig configures failure-streak webhook notifications.
type AlertsConfig struct {
	WebhookURL           string `json:"webhook_url,omitempty"`
	FailureThreshold     int    `json:"failure_threshold"`
	AlertCooldownMinutes int    `json:"alert_cooldown_minutes"`
}

// TaskTrackingConfig bounds multi-turn scheduled-task execution.
type TaskTrackingConfig struct {
	MaxTurns      int   `json:"max_turns"`
	StepTimeoutMS int64 `json:"step_timeout_ms"`
}

// MemoryConfig controls long-term conversation summarization.
type MemoryConfig struct {
	SummarizeThresholdChars int    `json:"summarize_threshold_chars"`
	MaxContextMessages      int    `json:"max_context_messages"`
	CheckIntervalHours      int    `json:"check_interval_hours"`
	SummaryPrompt           string `json:"summary_prompt,omitempty"`
}

// FastPathConfig controls the direct streamed Gemini path.
type FastPathConfig struct {
	Enabled             bool  `json:"enabled"`
	CacheTTLSeconds     int   `json:"cache_ttl_seconds"`
	MinCacheChars       int   `json:"min_cache_chars"`
	StreamingIntervalMS int64 `json:"streaming_interval_ms"`
	MaxHistoryMessages  int   `json:"max_history_messages"`
	TimeoutMS           int64 `json:"timeout_ms"`
}

// AllowedContainerEnvKeys is the closed set of environment variable names
// that may be exposed to a sandboxed agent. TELEGRAM_BOT_TOKEN, HOME and
// PATH are deliberately absent: the container must never see host
// credentials or host filesystem hints.
var AllowedContainerEnvKeys = []string{
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"GEMINI_MODEL",
	"NANOCLAW_SYSTEM_PROMPT",
	"NANOCLAW_ENABLE_WEB_SEARCH",
	"NANOCLAW_TIMEOUT_MS",
	"NANOCLAW_IS_MAIN",
	"TZ",
	"NODE_ENV",
}

// EnvKeyAllowed reports whether a container env key is on the allowlist.
func EnvKeyAllowed(key string) bool {
	for _, k := range AllowedContainerEnvKeys {
		if k == key {
			return true
		}
	}
	return false
}

// SetMaintenance toggles maintenance mode. While active the scheduler skips
// its ticks; in-flight executions finish normally.
func (c *Config) SetMaintenance(on bool) {
	c.mu.Lock()
	c.maintenance = on
	c.mu.Unlock()
}

// Maintenance reports whether maintenance mode is active.
func (c *Config) Maintenance() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maintenance
}

// PollInterval is the chat-transport polling cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// SchedulerPollInterval is the due-task scan cadence.
func (c *Config) SchedulerPollInterval() time.Duration {
	return time.Duration(c.SchedulerPollIntervalMS) * time.Millisecond
}

// IPCPollInterval is the base cadence for the IPC polling fallback.
func (c *Config) IPCPollInterval() time.Duration {
	return time.Duration(c.IPCPollIntervalMS) * time.Millisecond
}

// ContainerTimeout returns the sandbox run bound as a duration.
func (c *ContainerConfig) ContainerTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// GracefulShutdownDelay returns the grace window between SIGTERM and SIGKILL.
func (c *ContainerConfig) GracefulShutdownDelay() time.Duration {
	return time.Duration(c.GracefulShutdownDelayMS) * time.Millisecond
}

// IPCDebounce returns the watcher event debounce window.
func (c *ContainerConfig) IPCDebounce() time.Duration {
	return time.Duration(c.IPCDebounceMS) * time.Millisecond
}

// FastPathTimeout returns the outer fast-path bound.
func (c *FastPathConfig) FastPathTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// StreamingInterval returns the progress-callback throttle interval.
func (c *FastPathConfig) StreamingInterval() time.Duration {
	return time.Duration(c.StreamingIntervalMS) * time.Millisecond
}

// CacheTTL returns the provider-side cache lifetime.
func (c *FastPathConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// RateLimitWindow returns the sliding window size.
func (c *RateLimitConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// AlertCooldown returns the minimum gap between webhook alerts per group.
func (c *AlertsConfig) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownMinutes) * time.Minute
}
