// Package ipc is the file-based channel sandboxed agents use to reach the
// host: JSON files dropped into per-group messages/ and tasks/ directories.
// A filesystem watcher gives low latency; a slower polling sweep guarantees
// delivery when watch events are lost.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
)

// MessageSender delivers outbound chat messages for the bus.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// request is the envelope shared by every IPC file.
type request struct {
	Type string `json:"type"`

	// message fields
	ChatJID string `json:"chatJid,omitempty"`
	Text    string `json:"text,omitempty"`

	// task fields
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	GroupFolder   string `json:"groupFolder,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`
	TaskID        string `json:"taskId,omitempty"`

	// register_group fields
	JID     string `json:"jid,omitempty"`
	Name    string `json:"name,omitempty"`
	Folder  string `json:"folder,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}

// Bus owns the IPC root directory.
type Bus struct {
	root          string
	assistantName string
	mainFolder    string
	debounce      time.Duration
	pollInterval  time.Duration

	registry *groups.Registry
	tools    *tools.Registry
	chat     MessageSender

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watched   map[string]bool
	scanTimer *time.Timer
	sentChats map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Options configures a Bus.
type Options struct {
	Root          string
	AssistantName string
	MainFolder    string
	Debounce      time.Duration
	PollInterval  time.Duration
}

// NewBus wires an IPC bus. chat may be nil; messages then fail and land in
// errors/.
func NewBus(opts Options, registry *groups.Registry, toolReg *tools.Registry, chat MessageSender) *Bus {
	return &Bus{
		root:          opts.Root,
		assistantName: opts.AssistantName,
		mainFolder:    opts.MainFolder,
		debounce:      opts.Debounce,
		pollInterval:  opts.PollInterval,
		registry:      registry,
		tools:         toolReg,
		chat:          chat,
		watched:       make(map[string]bool),
		sentChats:     make(map[string]bool),
		stopCh:        make(chan struct{}),
	}
}

// Start creates the directory tree, registers watchers and launches the
// event and polling loops.
func (b *Bus) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(b.root, "errors"), 0o755); err != nil {
		return fmt.Errorf("create ipc root: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("ipc watcher unavailable, relying on polling", slog.String("error", err.Error()))
	} else {
		b.mu.Lock()
		b.watcher = watcher
		b.mu.Unlock()
		if err := watcher.Add(b.root); err != nil {
			slog.Warn("watch ipc root", slog.String("error", err.Error()))
		}
	}
	b.refreshGroupDirs()

	if watcher != nil {
		b.wg.Add(1)
		go b.watchLoop(ctx, watcher)
	}
	b.wg.Add(1)
	go b.pollLoop(ctx)
	return nil
}

// Stop halts both loops; a scan in progress completes.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.closeWatcher()
	b.mu.Lock()
	if b.scanTimer != nil {
		b.scanTimer.Stop()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// EnsureGroupDirs creates a group's messages/ and tasks/ subdirectories and
// watches them. Called at startup for every registered group and again when
// a group is registered at runtime.
func (b *Bus) EnsureGroupDirs(folder string) {
	for _, sub := range []string{"messages", "tasks"} {
		dir := filepath.Join(b.root, folder, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("create ipc dir", slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		b.watchDir(dir)
	}
}

func (b *Bus) refreshGroupDirs() {
	for _, g := range b.registry.All() {
		b.EnsureGroupDirs(g.Folder)
	}
}

func (b *Bus) watchDir(dir string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watcher == nil || b.watched[dir] {
		return
	}
	if err := b.watcher.Add(dir); err != nil {
		slog.Warn("watch ipc dir", slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}
	b.watched[dir] = true
}

func (b *Bus) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				b.scheduleScan(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			// Drop the watcher entirely; the polling sweep carries on.
			slog.Warn("ipc watcher error, falling back to polling", slog.String("error", err.Error()))
			b.closeWatcher()
			return
		}
	}
}

// scheduleScan debounces watch events: bursts within the window collapse to
// one scan.
func (b *Bus) scheduleScan(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanTimer != nil {
		b.scanTimer.Stop()
	}
	b.scanTimer = time.AfterFunc(b.debounce, func() {
		select {
		case <-b.stopCh:
			return
		default:
		}
		b.ScanAll(ctx)
	})
}

func (b *Bus) pollLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.refreshGroupDirs()
			b.ScanAll(ctx)
		}
	}
}

func (b *Bus) closeWatcher() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watcher != nil {
		b.watcher.Close()
		b.watcher = nil
		b.watched = make(map[string]bool)
	}
}

// ScanAll processes every pending file across all registered groups.
func (b *Bus) ScanAll(ctx context.Context) {
	for _, g := range b.registry.All() {
		b.scanGroup(ctx, g.Folder)
	}
}

func (b *Bus) scanGroup(ctx context.Context, folder string) {
	b.scanDir(ctx, folder, filepath.Join(b.root, folder, "messages"), b.processMessage)
	b.scanDir(ctx, folder, filepath.Join(b.root, folder, "tasks"), b.processTask)
}

func (b *Bus) scanDir(ctx context.Context, folder, dir string, handle func(context.Context, string, request) error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			slog.Warn("unparseable ipc file",
				slog.String("file", path), slog.String("error", err.Error()))
			b.moveToErrors(folder, path)
			continue
		}
		if err := handle(ctx, folder, req); err != nil {
			slog.Warn("ipc request failed",
				slog.String("file", path),
				slog.String("type", req.Type),
				slog.String("source", folder),
				slog.String("error", err.Error()))
			b.moveToErrors(folder, path)
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("remove processed ipc file", slog.String("file", path), slog.String("error", err.Error()))
		}
	}
}

// processMessage delivers an outbound message. Authorised iff the source is
// the main group or the target chat belongs to the source group.
func (b *Bus) processMessage(ctx context.Context, source string, req request) error {
	if req.Type != "message" {
		return fmt.Errorf("unexpected type %q in messages dir", req.Type)
	}
	if !b.authorized(source, req.ChatJID) {
		return fmt.Errorf("group %s may not message chat %s", source, req.ChatJID)
	}
	if b.chat == nil {
		return fmt.Errorf("no chat client available")
	}
	if err := b.chat.SendMessage(ctx, req.ChatJID, b.assistantName+": "+req.Text); err != nil {
		return fmt.Errorf("send ipc message: %w", err)
	}
	b.mu.Lock()
	b.sentChats[req.ChatJID] = true
	b.mu.Unlock()
	return nil
}

// MessageSentTo reports whether the bus already delivered a message to the
// chat during this process lifetime. The router uses it to avoid duplicate
// notifications after a sandbox run.
func (b *Bus) MessageSentTo(chatID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sentChats[chatID]
}

// ClearSent forgets delivery markers for a chat.
func (b *Bus) ClearSent(chatID string) {
	b.mu.Lock()
	delete(b.sentChats, chatID)
	b.mu.Unlock()
}

// processTask routes a task request through the same handlers as in-band
// function calls.
func (b *Bus) processTask(ctx context.Context, source string, req request) error {
	isMain := source == b.mainFolder
	inv := tools.Invocation{GroupFolder: source, ChatID: req.ChatJID, IsMain: isMain}

	var call tools.Call
	switch req.Type {
	case "schedule_task":
		target := req.GroupFolder
		if target == "" {
			target = source
		}
		if !isMain && target != source {
			return fmt.Errorf("group %s may not schedule for %s", source, target)
		}
		if req.ChatJID != "" && !b.authorized(source, req.ChatJID) {
			return fmt.Errorf("group %s may not target chat %s", source, req.ChatJID)
		}
		inv.GroupFolder = target
		call = tools.Call{Name: "schedule_task", Args: map[string]any{
			"prompt":         req.Prompt,
			"schedule_type":  req.ScheduleType,
			"schedule_value": req.ScheduleValue,
			"context_mode":   req.ContextMode,
		}}
	case "pause_task", "resume_task", "cancel_task":
		call = tools.Call{Name: req.Type, Args: map[string]any{"task_id": req.TaskID}}
	case "register_group":
		call = tools.Call{Name: "register_group", Args: map[string]any{
			"jid":     req.JID,
			"name":    req.Name,
			"folder":  req.Folder,
			"trigger": req.Trigger,
		}}
	case "generate_image":
		if req.ChatJID != "" && !b.authorized(source, req.ChatJID) {
			return fmt.Errorf("group %s may not target chat %s", source, req.ChatJID)
		}
		inv.ChatID = req.ChatJID
		call = tools.Call{Name: "generate_image", Args: map[string]any{"prompt": req.Prompt}}
	default:
		return fmt.Errorf("unknown ipc task type %q", req.Type)
	}

	result := b.tools.Execute(ctx, call, inv)
	if errMsg, ok := result.Response["error"]; ok {
		return fmt.Errorf("%s: %v", req.Type, errMsg)
	}
	return nil
}

// authorized implements the IPC permission rule: main reaches everything,
// other groups only their own chat.
func (b *Bus) authorized(source, chatID string) bool {
	if source == b.mainFolder {
		return true
	}
	g := b.registry.ByChat(chatID)
	return g != nil && g.Folder == source
}

// moveToErrors relocates a failed file to <root>/errors/<source>-<name>.
func (b *Bus) moveToErrors(folder, path string) {
	dest := filepath.Join(b.root, "errors", folder+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		slog.Error("move ipc file to errors",
			slog.String("file", path), slog.String("error", err.Error()))
		os.Remove(path)
	}
}
