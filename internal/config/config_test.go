package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAllowedContainerEnvKeys(t *testing.T) {
	if got := len(AllowedContainerEnvKeys); got != 9 {
		t.Fatalf("allowlist has %d keys, want 9", got)
	}

	for _, k := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "GEMINI_MODEL", "TZ", "NODE_ENV"} {
		if !EnvKeyAllowed(k) {
			t.Errorf("expected %s to be allowed", k)
		}
	}
	for _, k := range []string{"TELEGRAM_BOT_TOKEN", "HOME", "PATH"} {
		if EnvKeyAllowed(k) {
			t.Errorf("%s must never reach the container", k)
		}
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MainGroupFolder != "main" {
		t.Errorf("MainGroupFolder = %q, want main", cfg.MainGroupFolder)
	}
	if cfg.Telegram.MaxMessageLength != 4096 {
		t.Errorf("MaxMessageLength = %d, want 4096", cfg.Telegram.MaxMessageLength)
	}
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	content := `{
		// comments are allowed
		assistant_name: "Luna",
		fast_path: { enabled: false, timeout_ms: 9000 },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NANOCLAW_GEMINI_MODEL", "gemini-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AssistantName != "Luna" {
		t.Errorf("AssistantName = %q", cfg.AssistantName)
	}
	if cfg.FastPath.Enabled {
		t.Error("fast path should be disabled by file")
	}
	if cfg.FastPath.TimeoutMS != 9000 {
		t.Errorf("TimeoutMS = %d", cfg.FastPath.TimeoutMS)
	}
	if cfg.GeminiModel != "gemini-test" {
		t.Errorf("env overlay lost: model = %q", cfg.GeminiModel)
	}
}

func TestMaintenanceToggle(t *testing.T) {
	cfg := Default()
	if cfg.Maintenance() {
		t.Fatal("maintenance should default to off")
	}
	cfg.SetMaintenance(true)
	if !cfg.Maintenance() {
		t.Fatal("maintenance should be on after SetMaintenance(true)")
	}
}
