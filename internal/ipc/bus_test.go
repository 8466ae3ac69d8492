package ipc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]string)
	}
	f.sent[chatID] = append(f.sent[chatID], text)
	return nil
}

func (f *fakeSender) messages(chatID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[chatID]...)
}

func newTestBus(t *testing.T) (*Bus, *fakeSender, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()

	registry, err := groups.LoadRegistry(filepath.Join(dir, "registered_groups.json"), "main")
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	for _, g := range []*groups.Group{
		{ChatID: "main@chat", Folder: "main", Name: "Main"},
		{ChatID: "family@chat", Folder: "family", Name: "Family"},
		{ChatID: "work@chat", Folder: "work", Name: "Work"},
	} {
		if err := registry.Register(g); err != nil {
			t.Fatalf("register %s: %v", g.Folder, err)
		}
	}

	s, err := store.Open(filepath.Join(dir, "messages.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sender := &fakeSender{}
	toolReg := tools.NewRegistry(tools.Deps{Store: s, Registrar: registry, Location: time.UTC})

	root := filepath.Join(dir, "ipc")
	bus := NewBus(Options{
		Root:          root,
		AssistantName: "Andy",
		MainFolder:    "main",
		Debounce:      10 * time.Millisecond,
		PollInterval:  time.Hour,
	}, registry, toolReg, sender)

	if err := os.MkdirAll(filepath.Join(root, "errors"), 0o755); err != nil {
		t.Fatalf("mkdir errors: %v", err)
	}
	bus.refreshGroupDirs()
	return bus, sender, s, root
}

func dropFile(t *testing.T, root, folder, sub, name, content string) string {
	t.Helper()
	path := filepath.Join(root, folder, sub, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write ipc file: %v", err)
	}
	return path
}

func TestMessageDeliveredWithPrefix(t *testing.T) {
	bus, sender, _, root := newTestBus(t)
	path := dropFile(t, root, "family", "messages", "m1.json",
		`{"type":"message","chatJid":"family@chat","text":"reminder set"}`)

	bus.ScanAll(context.Background())

	got := sender.messages("family@chat")
	if len(got) != 1 || got[0] != "Andy: reminder set" {
		t.Errorf("delivered = %v", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("processed file not unlinked")
	}
	if !bus.MessageSentTo("family@chat") {
		t.Error("sent set not recorded")
	}
}

func TestCrossGroupMessageRejected(t *testing.T) {
	bus, sender, _, root := newTestBus(t)
	dropFile(t, root, "family", "messages", "m1.json",
		`{"type":"message","chatJid":"work@chat","text":"sneaky"}`)

	bus.ScanAll(context.Background())

	if len(sender.messages("work@chat")) != 0 {
		t.Error("unauthorised message was delivered")
	}
	errFiles, _ := os.ReadDir(filepath.Join(root, "errors"))
	if len(errFiles) != 1 || errFiles[0].Name() != "family-m1.json" {
		t.Errorf("errors dir = %v", names(errFiles))
	}
}

func TestMainMayMessageAnyChat(t *testing.T) {
	bus, sender, _, root := newTestBus(t)
	dropFile(t, root, "main", "messages", "m1.json",
		`{"type":"message","chatJid":"work@chat","text":"announcement"}`)

	bus.ScanAll(context.Background())

	if len(sender.messages("work@chat")) != 1 {
		t.Error("main message not delivered")
	}
}

func TestUnparseableFileMovedToErrors(t *testing.T) {
	bus, _, _, root := newTestBus(t)
	dropFile(t, root, "family", "messages", "bad.json", `{not json`)

	bus.ScanAll(context.Background())

	if _, err := os.Stat(filepath.Join(root, "errors", "family-bad.json")); err != nil {
		t.Errorf("unparseable file not moved: %v", err)
	}
}

func TestScheduleTaskViaIPC(t *testing.T) {
	bus, _, s, root := newTestBus(t)
	dropFile(t, root, "family", "tasks", "t1.json",
		`{"type":"schedule_task","prompt":"water plants","schedule_type":"interval","schedule_value":"3600000","chatJid":"family@chat"}`)

	bus.ScanAll(context.Background())

	tasks, err := s.TasksForGroup(context.Background(), "family")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Prompt != "water plants" {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].ContextMode != store.ContextIsolated {
		t.Errorf("context_mode = %q", tasks[0].ContextMode)
	}
}

func TestScheduleForOtherGroupRejected(t *testing.T) {
	bus, _, s, root := newTestBus(t)
	dropFile(t, root, "family", "tasks", "t1.json",
		`{"type":"schedule_task","prompt":"spy","schedule_type":"interval","schedule_value":"1000","groupFolder":"work"}`)

	bus.ScanAll(context.Background())

	tasks, _ := s.TasksForGroup(context.Background(), "work")
	if len(tasks) != 0 {
		t.Errorf("cross-group task created: %+v", tasks)
	}
	if _, err := os.Stat(filepath.Join(root, "errors", "family-t1.json")); err != nil {
		t.Errorf("rejected file not moved: %v", err)
	}
}

func TestTaskLifecycleViaIPC(t *testing.T) {
	bus, _, s, root := newTestBus(t)
	ctx := context.Background()

	task := &store.Task{GroupFolder: "family", ChatID: "family@chat", Prompt: "p", ScheduleType: store.ScheduleOnce}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	dropFile(t, root, "family", "tasks", "pause.json",
		`{"type":"pause_task","taskId":"`+task.ID+`"}`)
	bus.ScanAll(ctx)
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != store.TaskPaused {
		t.Errorf("status = %q, want paused", got.Status)
	}

	// Another group cannot cancel it; the file lands in errors/.
	dropFile(t, root, "work", "tasks", "cancel.json",
		`{"type":"cancel_task","taskId":"`+task.ID+`"}`)
	bus.ScanAll(ctx)
	if _, err := s.GetTask(ctx, task.ID); err != nil {
		t.Error("task cancelled by foreign group")
	}
	if _, err := os.Stat(filepath.Join(root, "errors", "work-cancel.json")); err != nil {
		t.Errorf("unauthorised cancel not moved to errors: %v", err)
	}
}

func TestRegisterGroupViaIPCMainOnly(t *testing.T) {
	bus, _, _, root := newTestBus(t)
	ctx := context.Background()

	dropFile(t, root, "family", "tasks", "reg.json",
		`{"type":"register_group","jid":"new@chat","name":"New Group"}`)
	bus.ScanAll(ctx)
	if g := bus.registry.ByChat("new@chat"); g != nil {
		t.Error("non-main registered a group")
	}

	dropFile(t, root, "main", "tasks", "reg.json",
		`{"type":"register_group","jid":"new@chat","name":"New Group"}`)
	bus.ScanAll(ctx)
	g := bus.registry.ByChat("new@chat")
	if g == nil || g.Folder != "new_group" {
		t.Errorf("registered group = %+v", g)
	}

	// A folder named in the file overrides derivation from the name.
	dropFile(t, root, "main", "tasks", "reg2.json",
		`{"type":"register_group","jid":"other@chat","name":"Other Group","folder":"custom_folder"}`)
	bus.ScanAll(ctx)
	g = bus.registry.ByChat("other@chat")
	if g == nil || g.Folder != "custom_folder" {
		t.Errorf("registered group = %+v", g)
	}
}

func TestWatcherDebounceCollapsesBursts(t *testing.T) {
	bus, sender, _, root := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer bus.Stop()

	for i := 0; i < 3; i++ {
		dropFile(t, root, "family", "messages", "burst"+string(rune('a'+i))+".json",
			`{"type":"message","chatJid":"family@chat","text":"hi"}`)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.messages("family@chat")) == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("delivered %d of 3 burst messages", len(sender.messages("family@chat")))
}

func names(entries []os.DirEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}
