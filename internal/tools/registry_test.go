package tools

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	r := NewRegistry(Deps{Store: s, Location: time.UTC})
	return r, s
}

func inv(folder string, isMain bool) Invocation {
	return Invocation{GroupFolder: folder, ChatID: folder + "@chat", IsMain: isMain}
}

func TestScheduleCronTask(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	res := r.Execute(ctx, Call{
		Name: "schedule_task",
		Args: map[string]any{
			"prompt":         "Daily summary",
			"schedule_type":  "cron",
			"schedule_value": "0 9 * * *",
		},
	}, inv("family", false))

	if res.Response["success"] != true {
		t.Fatalf("schedule failed: %v", res.Response)
	}
	taskID, _ := res.Response["task_id"].(string)
	if !regexp.MustCompile(`^task-`).MatchString(taskID) {
		t.Errorf("task id %q does not match ^task-", taskID)
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Prompt != "Daily summary" || task.ScheduleType != store.ScheduleCron || task.ScheduleValue != "0 9 * * *" {
		t.Errorf("stored task fields wrong: %+v", task)
	}
	if task.ContextMode != store.ContextIsolated {
		t.Errorf("context_mode = %q, want isolated", task.ContextMode)
	}
	if task.Status != store.TaskActive {
		t.Errorf("status = %q, want active", task.Status)
	}
	if task.NextRun == nil {
		t.Fatal("next_run not set")
	}
	next := task.NextRun.In(time.UTC)
	if !next.After(time.Now().Add(-time.Minute)) {
		t.Errorf("next_run %v is in the past", next)
	}
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Errorf("next_run %v does not satisfy 0 9 * * *", next)
	}
}

func TestScheduleIntervalRejectsNonNumeric(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	res := r.Execute(ctx, Call{
		Name: "schedule_task",
		Args: map[string]any{
			"prompt":         "poll feed",
			"schedule_type":  "interval",
			"schedule_value": "not-a-number",
		},
	}, inv("family", false))

	if res.Response["success"] != false {
		t.Errorf("success = %v, want false", res.Response["success"])
	}
	if res.Response["error"] != "Invalid interval value" {
		t.Errorf("error = %v, want Invalid interval value", res.Response["error"])
	}
	tasks, err := s.TasksForGroup(ctx, "family")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("task was created despite rejection: %+v", tasks)
	}
}

func TestScheduleValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name          string
		scheduleType  string
		scheduleValue string
		wantErr       string
	}{
		{"bad cron", "cron", "not a cron", "Invalid cron expression"},
		{"zero interval", "interval", "0", "Invalid interval value"},
		{"negative interval", "interval", "-5000", "Invalid interval value"},
		{"bad timestamp", "once", "tomorrow-ish", "Invalid timestamp"},
		{"unknown type", "hourly", "1", "Invalid schedule type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(ctx, Call{
				Name: "schedule_task",
				Args: map[string]any{
					"prompt":         "x",
					"schedule_type":  tt.scheduleType,
					"schedule_value": tt.scheduleValue,
				},
			}, inv("g", false))
			if res.Response["error"] != tt.wantErr {
				t.Errorf("error = %v, want %q", res.Response["error"], tt.wantErr)
			}
		})
	}
}

func TestTaskLifecycleAuthorization(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	task := &store.Task{GroupFolder: "family", ChatID: "family@chat", Prompt: "p", ScheduleType: store.ScheduleOnce}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	// A different group cannot touch it.
	res := r.Execute(ctx, Call{Name: "pause_task", Args: map[string]any{"task_id": task.ID}}, inv("work", false))
	if res.Response["error"] != "Permission denied" {
		t.Errorf("cross-group pause: %v", res.Response)
	}

	// The owner can.
	res = r.Execute(ctx, Call{Name: "pause_task", Args: map[string]any{"task_id": task.ID}}, inv("family", false))
	if res.Response["success"] != true {
		t.Fatalf("owner pause: %v", res.Response)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != store.TaskPaused {
		t.Errorf("status = %q, want paused", got.Status)
	}

	// Main can act on anyone's task.
	res = r.Execute(ctx, Call{Name: "resume_task", Args: map[string]any{"task_id": task.ID}}, inv("main", true))
	if res.Response["success"] != true {
		t.Fatalf("main resume: %v", res.Response)
	}

	res = r.Execute(ctx, Call{Name: "cancel_task", Args: map[string]any{"task_id": task.ID}}, inv("family", false))
	if res.Response["success"] != true {
		t.Fatalf("cancel: %v", res.Response)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("task still present after cancel: %v", err)
	}

	res = r.Execute(ctx, Call{Name: "pause_task", Args: map[string]any{"task_id": "task-0-0000"}}, inv("family", false))
	if res.Response["error"] != "Task not found" {
		t.Errorf("missing task: %v", res.Response)
	}
}

func TestSetPreference(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	res := r.Execute(ctx, Call{Name: "set_preference", Args: map[string]any{"key": "language", "value": "vi"}}, inv("family", false))
	if res.Response["success"] != true {
		t.Fatalf("set_preference: %v", res.Response)
	}
	prefs, err := s.GetPreferences(ctx, "family")
	if err != nil {
		t.Fatalf("get preferences: %v", err)
	}
	if prefs["language"] != "vi" {
		t.Errorf("preference not stored: %v", prefs)
	}

	res = r.Execute(ctx, Call{Name: "set_preference", Args: map[string]any{"key": "favorite_color", "value": "blue"}}, inv("family", false))
	if res.Response["error"] != "Invalid key: favorite_color" {
		t.Errorf("invalid key: %v", res.Response)
	}
}

type fakeRegistrar struct {
	registered []*groups.Group
	err        error
}

func (f *fakeRegistrar) Register(g *groups.Group) error {
	if f.err != nil {
		return f.err
	}
	f.registered = append(f.registered, g)
	return nil
}

func TestRegisterGroup(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	call := Call{Name: "register_group", Args: map[string]any{"jid": "123@chat", "name": "Book Club"}}

	res := r.Execute(ctx, call, inv("family", false))
	if res.Response["error"] != "Permission denied" {
		t.Errorf("non-main: %v", res.Response)
	}

	res = r.Execute(ctx, call, inv("main", true))
	if res.Response["error"] != "Registrar not available" {
		t.Errorf("missing registrar: %v", res.Response)
	}

	reg := &fakeRegistrar{}
	r.deps.Registrar = reg
	res = r.Execute(ctx, call, inv("main", true))
	if res.Response["success"] != true {
		t.Fatalf("register: %v", res.Response)
	}
	if len(reg.registered) != 1 || reg.registered[0].Folder != "book_club" {
		t.Errorf("registered = %+v", reg.registered)
	}

	// An explicit folder wins over derivation from the name.
	explicit := Call{Name: "register_group", Args: map[string]any{
		"jid": "456@chat", "name": "Book Club", "folder": "books",
	}}
	res = r.Execute(ctx, explicit, inv("main", true))
	if res.Response["success"] != true || res.Response["folder"] != "books" {
		t.Errorf("explicit folder: %v", res.Response)
	}
	if len(reg.registered) != 2 || reg.registered[1].Folder != "books" {
		t.Errorf("registered = %+v", reg.registered)
	}

	reg.err = errors.New("folder taken")
	res = r.Execute(ctx, call, inv("main", true))
	if res.Response["error"] != "Function execution failed" {
		t.Errorf("registrar error: %v", res.Response)
	}
}

func TestUnknownFunction(t *testing.T) {
	r, _ := newTestRegistry(t)
	res := r.Execute(context.Background(), Call{Name: "launch_rocket"}, inv("family", false))
	if res.Response["error"] != "Unknown function: launch_rocket" {
		t.Errorf("unknown function: %v", res.Response)
	}
	if res.Name != "launch_rocket" {
		t.Errorf("result name = %q", res.Name)
	}
}

func TestDeclarationsByCaller(t *testing.T) {
	r, _ := newTestRegistry(t)

	names := func(isMain bool) map[string]bool {
		out := map[string]bool{}
		for _, d := range r.Declarations(isMain) {
			out[d.Name] = true
		}
		return out
	}

	nonMain := names(false)
	if len(nonMain) != 6 {
		t.Errorf("non-main sees %d tools, want 6", len(nonMain))
	}
	if nonMain["register_group"] {
		t.Error("non-main must not see register_group")
	}
	main := names(true)
	if len(main) != 7 || !main["register_group"] {
		t.Errorf("main catalogue wrong: %v", main)
	}
}

func TestGenerateImageWithoutClient(t *testing.T) {
	r, _ := newTestRegistry(t)
	res := r.Execute(context.Background(), Call{Name: "generate_image", Args: map[string]any{"prompt": "a cat"}}, inv("family", false))
	if res.Response["error"] != "No bot instance available" {
		t.Errorf("no client: %v", res.Response)
	}
}

func TestNextRun(t *testing.T) {
	after := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	next, err := NextRun(store.ScheduleCron, "0 9 * * *", after, time.UTC)
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	want := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("cron next = %v, want %v", next, want)
	}

	next, err = NextRun(store.ScheduleInterval, "60000", after, time.UTC)
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	if !next.Equal(after.Add(time.Minute)) {
		t.Errorf("interval next = %v", next)
	}

	next, err = NextRun(store.ScheduleOnce, "anything", after, time.UTC)
	if err != nil || next != nil {
		t.Errorf("once: next=%v err=%v, want nil,nil", next, err)
	}

	if _, err := NextRun(store.ScheduleInterval, "-1", after, time.UTC); err == nil {
		t.Error("negative interval accepted")
	}
}
