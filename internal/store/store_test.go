package store

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "messages.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s.Close()
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
}

func TestUpsertChatMonotonicTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	later := time.UnixMilli(2000)
	earlier := time.UnixMilli(1000)

	if err := s.UpsertChat(ctx, "chat1", "Chat One", later); err != nil {
		t.Fatal(err)
	}
	// A stale writer must not regress last_message_time.
	if err := s.UpsertChat(ctx, "chat1", "Renamed", earlier); err != nil {
		t.Fatal(err)
	}

	c, err := s.GetChat(ctx, "chat1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "Renamed" {
		t.Errorf("name = %q, want Renamed", c.Name)
	}
	if !c.LastMessageTime.Equal(later) {
		t.Errorf("last_message_time = %v, want %v", c.LastMessageTime, later)
	}
}

func TestMessagesSinceExcludesBotPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(10_000)
	msgs := []Message{
		{ChatID: "c", MessageID: "1", Content: "old", Timestamp: base},
		{ChatID: "c", MessageID: "2", Content: "hello", Timestamp: base.Add(time.Second)},
		{ChatID: "c", MessageID: "3", Content: "[bot] my own reply", Timestamp: base.Add(2 * time.Second)},
		{ChatID: "c", MessageID: "4", Content: "world", Timestamp: base.Add(3 * time.Second)},
	}
	for _, m := range msgs {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.MessagesSince(ctx, "c", base, "[bot]")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].Content != "hello" || got[1].Content != "world" {
		t.Errorf("unexpected contents: %q, %q", got[0].Content, got[1].Content)
	}
}

func TestInsertMessageUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := Message{ChatID: "c", MessageID: "1", Content: "first", Timestamp: time.UnixMilli(1000)}
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.Content = "edited"
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := s.MessagesSince(ctx, "c", time.UnixMilli(0), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "edited" {
		t.Fatalf("upsert failed: %+v", got)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	next := time.Now().Add(-time.Minute)
	task := &Task{
		GroupFolder:   "g1",
		ChatID:        "chat1",
		Prompt:        "Daily summary",
		ScheduleType:  ScheduleCron,
		ScheduleValue: "0 9 * * *",
		NextRun:       &next,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if !regexp.MustCompile(`^task-\d+-[0-9a-f]{8}$`).MatchString(task.ID) {
		t.Fatalf("task id %q should match task-<unix-ms>-<random>", task.ID)
	}
	if task.Status != TaskActive || task.ContextMode != ContextIsolated {
		t.Fatalf("defaults not applied: %+v", task)
	}

	due, err := s.DueTasks(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("due tasks = %d, want 1", len(due))
	}

	// Paused tasks are never due.
	if err := s.SetTaskStatus(ctx, task.ID, TaskPaused); err != nil {
		t.Fatal(err)
	}
	due, _ = s.DueTasks(ctx, time.Now())
	if len(due) != 0 {
		t.Fatal("paused task still due")
	}
	if err := s.SetTaskStatus(ctx, task.ID, TaskActive); err != nil {
		t.Fatal(err)
	}

	// nil next_run forces completion.
	if err := s.UpdateTaskAfterRun(ctx, task.ID, nil, "done"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.NextRun != nil {
		t.Error("next_run should be nil after completion")
	}
	if got.LastResult != "done" {
		t.Errorf("last_result = %q", got.LastResult)
	}
}

func TestDeleteTaskCascadesRunLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &Task{GroupFolder: "g1", ChatID: "c", Prompt: "p", ScheduleType: ScheduleOnce, ScheduleValue: "2030-01-01T00:00:00Z"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendTaskRunLog(ctx, task.ID, "success", 2*time.Second, "ok"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	logs, err := s.TaskRunLogs(ctx, task.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Fatalf("run logs survived task deletion: %d", len(logs))
	}
	if err := s.DeleteTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestMemorySummaryAccumulates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMemorySummary(ctx, "g2", "First", 5, 2000); err != nil {
		t.Fatal(err)
	}
	first, err := s.GetMemorySummary(ctx, "g2")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := s.UpsertMemorySummary(ctx, "g2", "Updated", 3, 1500); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMemorySummary(ctx, "g2")
	if err != nil {
		t.Fatal(err)
	}

	if got.Summary != "Updated" {
		t.Errorf("summary = %q, want Updated", got.Summary)
	}
	if got.MessagesArchived != 8 || got.CharsArchived != 3500 {
		t.Errorf("counters = (%d, %d), want (8, 3500)", got.MessagesArchived, got.CharsArchived)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Error("created_at must be stable across updates")
	}
	if !got.UpdatedAt.After(first.UpdatedAt) {
		t.Error("updated_at must strictly increase")
	}
}

func TestArchiveMessagesDeletesOlder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(50_000)
	for i, id := range []string{"1", "2", "3"} {
		if err := s.InsertMessage(ctx, Message{
			ChatID: "c", MessageID: id, Content: "m" + id,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	cutoff := base.Add(2 * time.Second)
	if err := s.ArchiveMessages(ctx, "g", "c", "summary", 2, 4, cutoff); err != nil {
		t.Fatal(err)
	}

	left, err := s.MessagesSince(ctx, "c", time.UnixMilli(0), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].MessageID != "3" {
		t.Fatalf("archive kept wrong rows: %+v", left)
	}
}

func TestPreferenceKeyAllowlist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetPreference(ctx, "g", "language", "en"); err != nil {
		t.Fatal(err)
	}
	err := s.SetPreference(ctx, "g", "favorite_color", "blue")
	if !errors.Is(err, ErrInvalidPreferenceKey) {
		t.Fatalf("got %v, want ErrInvalidPreferenceKey", err)
	}

	prefs, err := s.GetPreferences(ctx, "g")
	if err != nil {
		t.Fatal(err)
	}
	if len(prefs) != 1 || prefs["language"] != "en" {
		t.Errorf("prefs = %v", prefs)
	}
}

func TestSearchKnowledgeRanksByRelevance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	docs := []struct{ filename, title, content string }{
		{"deploy.md", "Deployment guide", "How to deploy the service to production."},
		{"recipes.md", "Pasta recipes", "Carbonara and amatriciana."},
		{"deploy-faq.md", "FAQ", "deploy deploy deploy rollback"},
	}
	for _, d := range docs {
		if err := s.UpsertKnowledgeDoc(ctx, "g", d.filename, d.title, d.content); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.SearchKnowledge(ctx, "g", "how do I deploy?", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d docs, want 2", len(got))
	}
	for _, d := range got {
		if d.Filename == "recipes.md" {
			t.Error("irrelevant doc returned")
		}
	}

	none, err := s.SearchKnowledge(ctx, "g", "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Error("empty query should match nothing")
	}
}

func TestUsagePercentiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(100_000)
	for i := 1; i <= 10; i++ {
		pt := i * 10
		if err := s.InsertUsage(ctx, UsageRecord{
			GroupFolder:  "g",
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			PromptTokens: &pt,
			Duration:     time.Duration(i*100) * time.Millisecond,
		}); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.UsageForGroup(ctx, "g", base, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Runs != 10 {
		t.Fatalf("runs = %d", stats.Runs)
	}
	if stats.PromptTokens != 550 {
		t.Errorf("prompt tokens = %d, want 550", stats.PromptTokens)
	}
	// Offset percentiles over 100..1000ms: P50 at offset 4 → 500ms, P95 at offset 8 → 900ms.
	if stats.P50Duration != 500*time.Millisecond {
		t.Errorf("p50 = %v", stats.P50Duration)
	}
	if stats.P95Duration != 900*time.Millisecond {
		t.Errorf("p95 = %v", stats.P95Duration)
	}
}
