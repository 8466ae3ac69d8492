package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		AssistantName:   "Andy",
		GeminiModel:     "gemini-2.0-flash",
		Timezone:        "UTC",
		DataDir:         "data",
		GroupsDir:       "groups",
		ProjectDir:      ".",
		MainGroupFolder: "main",
		BotPrefix:       "​", // zero-width space marks self-sent replies

		PollIntervalMS:          2000,
		SchedulerPollIntervalMS: 30000,
		IPCPollIntervalMS:       1000,

		Container: ContainerConfig{
			Runtime:                  "docker",
			Image:                    "nanoclaw-agent:latest",
			TimeoutMS:                300000,
			MaxOutputSize:            1024 * 1024,
			GracefulShutdownDelayMS:  5000,
			IPCDebounceMS:            200,
			IPCFallbackPollingFactor: 5,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			MaxRequests:   20,
			WindowMinutes: 10,
		},
		Cleanup: CleanupConfig{
			MediaMaxAgeDays:           7,
			MediaCleanupIntervalHours: 24,
		},
		Telegram: TelegramConfig{
			RateLimitDelayMS: 1000,
			MaxMessageLength: 4096,
		},
		Alerts: AlertsConfig{
			FailureThreshold:     3,
			AlertCooldownMinutes: 30,
		},
		TaskTracking: TaskTrackingConfig{
			MaxTurns:      10,
			StepTimeoutMS: 120000,
		},
		Memory: MemoryConfig{
			SummarizeThresholdChars: 100000,
			MaxContextMessages:      500,
			CheckIntervalHours:      6,
		},
		FastPath: FastPathConfig{
			Enabled:             true,
			CacheTTLSeconds:     3600,
			MinCacheChars:       4096,
			StreamingIntervalMS: 1500,
			MaxHistoryMessages:  50,
			TimeoutMS:           120000,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("GEMINI_API_KEY", &c.GeminiAPIKey)
	envStr("TELEGRAM_BOT_TOKEN", &c.TelegramToken)
	envStr("NANOCLAW_ASSISTANT_NAME", &c.AssistantName)
	envStr("NANOCLAW_GEMINI_MODEL", &c.GeminiModel)
	envStr("NANOCLAW_DATA_DIR", &c.DataDir)
	envStr("NANOCLAW_GROUPS_DIR", &c.GroupsDir)
	envStr("NANOCLAW_CONTAINER_IMAGE", &c.Container.Image)
	envStr("NANOCLAW_CONTAINER_RUNTIME", &c.Container.Runtime)
	envStr("NANOCLAW_TIMEZONE", &c.Timezone)
	envStr("NANOCLAW_ALERT_WEBHOOK_URL", &c.Alerts.WebhookURL)

	if v := os.Getenv("NANOCLAW_CONTAINER_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			c.Container.TimeoutMS = ms
		}
	}
	if v := os.Getenv("NANOCLAW_FAST_PATH_ENABLED"); v != "" {
		c.FastPath.Enabled = v == "1" || v == "true"
	}
}

func (c *Config) validate() error {
	if c.MainGroupFolder == "" {
		return fmt.Errorf("main_group_folder must not be empty")
	}
	if c.Telegram.MaxMessageLength <= 0 {
		return fmt.Errorf("telegram.max_message_length must be positive")
	}
	if c.Container.IPCFallbackPollingFactor <= 0 {
		c.Container.IPCFallbackPollingFactor = 5
	}
	return nil
}

// Location resolves the configured timezone, falling back to time.Local on
// failure. Scheduler cron computations use this.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// StorePath is the sqlite database file.
func (c *Config) StorePath() string { return filepath.Join(c.DataDir, "messages.db") }

// RouterStatePath holds last-seen and last-agent watermarks.
func (c *Config) RouterStatePath() string { return filepath.Join(c.DataDir, "router_state.json") }

// SessionsPath holds per-group sandbox session tokens.
func (c *Config) SessionsPath() string { return filepath.Join(c.DataDir, "sessions.json") }

// RegisteredGroupsPath holds the group registry.
func (c *Config) RegisteredGroupsPath() string {
	return filepath.Join(c.DataDir, "registered_groups.json")
}

// IPCDir is the root of per-group IPC namespaces.
func (c *Config) IPCDir() string { return filepath.Join(c.DataDir, "ipc") }

// GroupDir is a group's workspace directory.
func (c *Config) GroupDir(folder string) string { return filepath.Join(c.GroupsDir, folder) }

// GroupLogsDir holds per-run container diagnostics for a group.
func (c *Config) GroupLogsDir(folder string) string {
	return filepath.Join(c.GroupsDir, folder, "logs")
}

// GroupMediaDir holds downloaded attachments for a group.
func (c *Config) GroupMediaDir(folder string) string {
	return filepath.Join(c.GroupsDir, folder, "media")
}
