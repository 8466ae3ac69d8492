package groups

import (
	"path/filepath"
	"testing"
	"time"
)

func TestTriggerPattern(t *testing.T) {
	pattern := TriggerPattern("Andy")

	accepts := []string{"@Andy hello", "@andy hello", "@Andy!"}
	for _, s := range accepts {
		if !pattern.MatchString(s) {
			t.Errorf("pattern should accept %q", s)
		}
	}
	rejects := []string{"Andy hello", "hello @Andy", "@Andyxxx"}
	for _, s := range rejects {
		if pattern.MatchString(s) {
			t.Errorf("pattern should reject %q", s)
		}
	}
}

func TestTriggerPatternEscapesName(t *testing.T) {
	// A regex metacharacter in the assistant name must be treated literally.
	pattern := TriggerPattern("C.B")
	if pattern.MatchString("@CxB hi") {
		t.Error("dot must be escaped, not a wildcard")
	}
	if !pattern.MatchString("@C.B hi") {
		t.Error("literal name should match")
	}
}

func TestDeriveFolderName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Family Chat", "family_chat"},
		{"dev-team", "dev-team"},
		{"  Café ☕ ", "caf___"},
		{"UPPER_case-9", "upper_case-9"},
		{"", "_"},
	}
	for _, tt := range tests {
		if got := DeriveFolderName(tt.in); got != tt.want {
			t.Errorf("DeriveFolderName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registered_groups.json")

	r, err := LoadRegistry(path, "main")
	if err != nil {
		t.Fatal(err)
	}
	g := &Group{ChatID: "123@chat", Folder: "family", Name: "Family"}
	if err := r.Register(g); err != nil {
		t.Fatal(err)
	}

	// Duplicate folder under a different chat is rejected.
	if err := r.Register(&Group{ChatID: "456@chat", Folder: "family", Name: "Other"}); err == nil {
		t.Fatal("duplicate folder should be rejected")
	}
	// Bad folder names are rejected.
	if err := r.Register(&Group{ChatID: "789@chat", Folder: "../evil"}); err == nil {
		t.Fatal("path-traversal folder should be rejected")
	}

	reloaded, err := LoadRegistry(path, "main")
	if err != nil {
		t.Fatal(err)
	}
	got := reloaded.ByChat("123@chat")
	if got == nil || got.Folder != "family" {
		t.Fatalf("reloaded group = %+v", got)
	}
	if reloaded.ByFolder("family") == nil {
		t.Error("ByFolder lookup failed")
	}
	if !reloaded.IsMain("main") || reloaded.IsMain("family") {
		t.Error("IsMain misclassified")
	}
}

func TestGroupFlagDefaults(t *testing.T) {
	g := &Group{}
	if !g.FastPathEnabled() {
		t.Error("fast path should default on")
	}
	if !g.FollowUpEnabled() {
		t.Error("follow-up should default on")
	}
	if g.WebSearchEnabled() {
		t.Error("web search should default off")
	}

	off := false
	g.EnableFastPath = &off
	if g.FastPathEnabled() {
		t.Error("explicit opt-out ignored")
	}
}

func TestRouterStateWatermarks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router_state.json")
	s, err := LoadRouterState(path)
	if err != nil {
		t.Fatal(err)
	}

	later := time.UnixMilli(2000)
	earlier := time.UnixMilli(1000)

	if err := s.AdvanceAgentWatermark("c", later); err != nil {
		t.Fatal(err)
	}
	// Stale update must not regress.
	if err := s.AdvanceAgentWatermark("c", earlier); err != nil {
		t.Fatal(err)
	}
	if got := s.AgentWatermark("c"); !got.Equal(later) {
		t.Errorf("watermark = %v, want %v", got, later)
	}

	if err := s.MarkSeen(later); err != nil {
		t.Fatal(err)
	}
	reloaded, err := LoadRouterState(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.LastTimestamp != later.UnixMilli() {
		t.Errorf("persisted last_timestamp = %d", reloaded.LastTimestamp)
	}
	if got := reloaded.AgentWatermark("c"); !got.Equal(later) {
		t.Errorf("persisted watermark = %v", got)
	}
}

func TestSessionsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s, err := LoadSessions(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("family", "sess-abc"); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadSessions(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Get("family"); got != "sess-abc" {
		t.Errorf("token = %q", got)
	}

	if err := reloaded.Set("family", ""); err != nil {
		t.Fatal(err)
	}
	if reloaded.Get("family") != "" {
		t.Error("empty token should clear the entry")
	}
}
