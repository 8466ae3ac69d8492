// Package router is the dispatch core: it ingests chat messages, debounces
// them, applies trigger and rate-limit gates, and routes each consolidated
// prompt to the fast path or the sandbox under the owning group's serial
// lock. It also executes scheduled tasks for the scheduler.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/alerts"
	"github.com/nextlevelbuilder/nanoclaw/internal/channel"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/consolidator"
	"github.com/nextlevelbuilder/nanoclaw/internal/dispatch"
	"github.com/nextlevelbuilder/nanoclaw/internal/fastpath"
	"github.com/nextlevelbuilder/nanoclaw/internal/gemini"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/memory"
	"github.com/nextlevelbuilder/nanoclaw/internal/ratelimit"
	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

const genericErrorReply = "Sorry, something went wrong. Please try again."

// Chat is the transport surface the router needs. Satisfied by
// *channel.Telegram and by fakes in tests.
type Chat interface {
	SendMessage(ctx context.Context, chatID, text string) error
	StartTyping(chatID string)
	StopTyping(chatID string)
	DownloadMedia(ctx context.Context, fileID, destDir string) (string, error)
}

// SandboxRunner executes containerised agent runs. Satisfied by
// *sandbox.Runner.
type SandboxRunner interface {
	Run(ctx context.Context, in sandbox.Input, extraMounts []groups.Mount) (*sandbox.Result, error)
}

// FastRunner executes fast-path runs. Satisfied by *fastpath.Runner.
type FastRunner interface {
	Run(ctx context.Context, req fastpath.Request) (*fastpath.Result, error)
}

// Router wires the pipeline together.
type Router struct {
	cfg      *config.Config
	store    *store.Store
	registry *groups.Registry
	state    *groups.RouterState
	sessions *groups.Sessions
	locks    *dispatch.GroupLocks
	limiter  *ratelimit.Limiter
	tracker  *alerts.Tracker
	memory   *memory.Manager

	chat    Chat
	fast    FastRunner
	sandbox SandboxRunner

	cons *consolidator.Consolidator
}

// Deps collects the router's collaborators. fast may be nil (no provider
// key); everything then goes through the sandbox.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Registry *groups.Registry
	State    *groups.RouterState
	Sessions *groups.Sessions
	Locks    *dispatch.GroupLocks
	Limiter  *ratelimit.Limiter
	Tracker  *alerts.Tracker
	Memory   *memory.Manager
	Chat     Chat
	Fast     FastRunner
	Sandbox  SandboxRunner
}

// New builds the router and its consolidator.
func New(deps Deps) *Router {
	r := &Router{
		cfg:      deps.Config,
		store:    deps.Store,
		registry: deps.Registry,
		state:    deps.State,
		sessions: deps.Sessions,
		locks:    deps.Locks,
		limiter:  deps.Limiter,
		tracker:  deps.Tracker,
		memory:   deps.Memory,
		chat:     deps.Chat,
		fast:     deps.Fast,
		sandbox:  deps.Sandbox,
	}
	r.cons = consolidator.New(func(batch consolidator.Consolidated) {
		r.dispatchText(context.Background(), batch.ChatID, batch.CombinedText)
	})
	return r
}

// Close cancels pending consolidation timers.
func (r *Router) Close() {
	r.cons.Destroy()
}

// HandleIncoming ingests one message from the chat transport. Every message
// in a registered chat is stored; only triggered ones are dispatched.
func (r *Router) HandleIncoming(ctx context.Context, msg channel.IncomingMessage) {
	if strings.HasPrefix(msg.Text, r.cfg.BotPrefix) {
		return
	}

	if err := r.store.UpsertChat(ctx, msg.ChatID, msg.SenderName, msg.Timestamp); err != nil {
		slog.Error("upsert chat", slog.String("chat", msg.ChatID), slog.String("error", err.Error()))
	}
	if err := r.store.InsertMessage(ctx, store.Message{
		ChatID:     msg.ChatID,
		MessageID:  msg.MessageID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Text,
		Timestamp:  msg.Timestamp,
	}); err != nil {
		slog.Error("insert message", slog.String("chat", msg.ChatID), slog.String("error", err.Error()))
	}
	if err := r.state.MarkSeen(msg.Timestamp); err != nil {
		slog.Warn("persist router state", slog.String("error", err.Error()))
	}

	g := r.registry.ByChat(msg.ChatID)
	if g == nil {
		return
	}
	if !r.triggered(g, msg.Text) {
		return
	}
	if !r.allowRate(ctx, msg.ChatID) {
		return
	}

	if msg.MediaFileID != "" {
		r.dispatchMedia(ctx, g, msg)
		return
	}

	if !r.cons.Add(msg.ChatID, msg.Text, consolidator.AddOptions{MessageID: msg.MessageID}) {
		// Streaming bypass: dispatch immediately.
		r.dispatchText(ctx, msg.ChatID, msg.Text)
	}
}

func (r *Router) triggered(g *groups.Group, text string) bool {
	name := g.Trigger
	if name == "" {
		name = r.cfg.AssistantName
	}
	return r.registry.Triggered(g, groups.TriggerPattern(name), text)
}

func (r *Router) allowRate(ctx context.Context, chatID string) bool {
	rl := r.cfg.RateLimit
	if !rl.Enabled {
		return true
	}
	res := r.limiter.Check(chatID, rl.MaxRequests, time.Duration(rl.WindowMinutes)*time.Minute)
	if res.Allowed {
		if res.Remaining == rl.MaxRequests {
			// Grace path: Check returned full headroom without counting
			// this request, so count it here.
			r.limiter.Record(chatID)
		}
		return true
	}
	slog.Warn("rate limit exceeded", slog.String("chat", chatID))
	notice := fmt.Sprintf("Rate limit reached. Try again in %d seconds.", int(res.ResetIn.Seconds())+1)
	if err := r.chat.SendMessage(ctx, chatID, r.cfg.BotPrefix+notice); err != nil {
		slog.Warn("send rate limit notice", slog.String("error", err.Error()))
	}
	return false
}

func (r *Router) dispatchMedia(ctx context.Context, g *groups.Group, msg channel.IncomingMessage) {
	mediaPath, err := r.chat.DownloadMedia(ctx, msg.MediaFileID, r.cfg.GroupMediaDir(g.Folder))
	if err != nil {
		slog.Error("download media",
			slog.String("chat", msg.ChatID), slog.String("error", err.Error()))
		r.reply(ctx, msg.ChatID, genericErrorReply)
		return
	}
	prompt := msg.Text
	if prompt == "" {
		prompt = "The user sent a " + msg.MediaType + " with no caption."
	}
	r.locks.Go(g.Folder, func() {
		r.execute(context.Background(), g, msg.ChatID, prompt, mediaPath)
	})
}

func (r *Router) dispatchText(ctx context.Context, chatID, text string) {
	g := r.registry.ByChat(chatID)
	if g == nil {
		return
	}
	r.locks.Go(g.Folder, func() {
		r.execute(context.Background(), g, chatID, text, "")
	})
}

// execute runs one prompt inside the group lock, choosing fast path or
// sandbox per the eligibility rules.
func (r *Router) execute(ctx context.Context, g *groups.Group, chatID, prompt, mediaPath string) {
	r.chat.StartTyping(chatID)
	defer r.chat.StopTyping(chatID)

	// Messages arriving while the reply streams skip the debounce buffer.
	r.cons.SetStreaming(chatID, true)
	defer r.cons.SetStreaming(chatID, false)

	start := time.Now()
	var (
		text           string
		runErr         error
		promptTokens   int
		responseTokens int
		model          = r.modelFor(g)
	)

	useFast := r.cfg.FastPath.Enabled && g.FastPathEnabled() && mediaPath == "" && r.fast != nil
	if useFast {
		text, promptTokens, responseTokens, runErr = r.runFast(ctx, g, chatID, prompt)
	} else {
		text, runErr = r.runSandbox(ctx, g, chatID, prompt, mediaPath, false)
	}
	duration := time.Since(start)

	if runErr != nil {
		slog.Error("execution failed",
			slog.String("group", g.Folder),
			slog.String("chat", chatID),
			slog.Bool("fast_path", useFast),
			slog.String("error", runErr.Error()))
		r.tracker.RecordError(g.Folder, runErr.Error())
		r.reply(ctx, chatID, genericErrorReply)
		return
	}
	r.tracker.ResetErrors(g.Folder)

	if text != "" {
		r.reply(ctx, chatID, text)
	}

	if err := r.state.AdvanceAgentWatermark(chatID, start); err != nil {
		slog.Warn("advance watermark", slog.String("error", err.Error()))
	}
	r.recordUsage(ctx, g.Folder, model, duration, promptTokens, responseTokens, false)

	if r.memory != nil {
		if err := r.memory.CheckChat(ctx, g.Folder, chatID); err != nil {
			slog.Warn("memory check", slog.String("group", g.Folder), slog.String("error", err.Error()))
		}
	}
}

func (r *Router) runFast(ctx context.Context, g *groups.Group, chatID, prompt string) (string, int, int, error) {
	history, err := r.history(ctx, chatID)
	if err != nil {
		slog.Warn("load history", slog.String("chat", chatID), slog.String("error", err.Error()))
	}

	var memorySummary string
	if summary, err := r.store.GetMemorySummary(ctx, g.Folder); err == nil {
		memorySummary = summary.Summary
	}

	res, err := r.fast.Run(ctx, fastpath.Request{
		GroupFolder:       g.Folder,
		ChatID:            chatID,
		IsMain:            r.registry.IsMain(g.Folder),
		Model:             r.modelFor(g),
		SystemInstruction: r.systemInstruction(ctx, g),
		EnableFollowUp:    g.FollowUpEnabled(),
		Prompt:            prompt,
		History:           history,
		MemorySummary:     memorySummary,
	})
	if err != nil {
		return "", 0, 0, err
	}
	var text string
	if res.Result != nil {
		text = *res.Result
	}
	return text, res.PromptTokens, res.ResponseTokens, nil
}

func (r *Router) runSandbox(ctx context.Context, g *groups.Group, chatID, prompt, mediaPath string, scheduled bool) (string, error) {
	in := sandbox.Input{
		Prompt:          prompt,
		SessionID:       r.sessions.Get(g.Folder),
		GroupFolder:     g.Folder,
		ChatJID:         chatID,
		IsMain:          r.registry.IsMain(g.Folder),
		IsScheduledTask: scheduled,
		SystemPrompt:    r.systemInstruction(ctx, g),
		EnableWebSearch: g.WebSearchEnabled(),
		MediaPath:       mediaPath,
	}
	if summary, err := r.store.GetMemorySummary(ctx, g.Folder); err == nil {
		in.MemoryContext = summary.Summary
	}

	res, err := r.sandbox.Run(ctx, in, g.ExtraMounts)
	if err != nil {
		return "", err
	}
	if res.NewSessionID != "" {
		if err := r.sessions.Set(g.Folder, res.NewSessionID); err != nil {
			slog.Warn("persist session token", slog.String("error", err.Error()))
		}
	}
	if res.Status != "success" {
		return "", fmt.Errorf("sandbox run failed: %s", res.Error)
	}
	return res.Result, nil
}

// history loads the chat's recent turns for the fast path. The bot prefix
// filter keeps self-sent replies out; FromSelf rows become model turns.
func (r *Router) history(ctx context.Context, chatID string) ([]gemini.Content, error) {
	since := r.state.AgentWatermark(chatID)
	msgs, err := r.store.MessagesSince(ctx, chatID, since, r.cfg.BotPrefix)
	if err != nil {
		return nil, err
	}
	limit := r.cfg.FastPath.MaxHistoryMessages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]gemini.Content, 0, len(msgs))
	for _, m := range msgs {
		role := gemini.RoleUser
		if m.FromSelf {
			role = gemini.RoleModel
		}
		out = append(out, gemini.TextContent(role, m.SenderName+": "+m.Content))
	}
	return out, nil
}

// systemInstruction composes the group's persona prompt with any stored
// preferences.
func (r *Router) systemInstruction(ctx context.Context, g *groups.Group) string {
	instr := g.SystemPrompt
	if instr == "" {
		instr = fmt.Sprintf("You are %s, a helpful assistant for the %q group chat.", r.cfg.AssistantName, g.Name)
	}
	prefs, err := r.store.GetPreferences(ctx, g.Folder)
	if err != nil || len(prefs) == 0 {
		return instr
	}
	var b strings.Builder
	b.WriteString(instr)
	b.WriteString("\n\nUser preferences:\n")
	for _, key := range store.AllowedPreferenceKeys {
		if v, ok := prefs[key]; ok {
			fmt.Fprintf(&b, "- %s: %s\n", key, v)
		}
	}
	return b.String()
}

func (r *Router) modelFor(g *groups.Group) string {
	if g.Model != "" {
		return g.Model
	}
	return r.cfg.GeminiModel
}

// reply sends text marked with the bot prefix so the reply is excluded from
// future context queries.
func (r *Router) reply(ctx context.Context, chatID, text string) {
	if err := r.chat.SendMessage(ctx, chatID, r.cfg.BotPrefix+text); err != nil {
		slog.Error("send reply", slog.String("chat", chatID), slog.String("error", err.Error()))
	}
}

func (r *Router) recordUsage(ctx context.Context, folder, model string, duration time.Duration, promptTokens, responseTokens int, scheduled bool) {
	rec := store.UsageRecord{
		GroupFolder: folder,
		Timestamp:   time.Now(),
		Duration:    duration,
		Model:       model,
		IsScheduled: scheduled,
	}
	if promptTokens > 0 {
		rec.PromptTokens = &promptTokens
	}
	if responseTokens > 0 {
		rec.ResponseTokens = &responseTokens
	}
	if err := r.store.InsertUsage(ctx, rec); err != nil {
		slog.Warn("record usage", slog.String("error", err.Error()))
	}
}

// RunTask executes one scheduled task through the sandbox. Implements the
// scheduler's TaskRunner.
func (r *Router) RunTask(ctx context.Context, task *store.Task) (string, error) {
	g := r.registry.ByFolder(task.GroupFolder)
	if g == nil {
		return "", fmt.Errorf("task %s references unknown group %s", task.ID, task.GroupFolder)
	}

	in := sandbox.Input{
		Prompt:          task.Prompt,
		GroupFolder:     g.Folder,
		ChatJID:         task.ChatID,
		IsMain:          r.registry.IsMain(g.Folder),
		IsScheduledTask: true,
		SystemPrompt:    r.systemInstruction(ctx, g),
		EnableWebSearch: g.WebSearchEnabled(),
	}
	if task.ContextMode == store.ContextGroup {
		in.SessionID = r.sessions.Get(g.Folder)
	}
	if summary, err := r.store.GetMemorySummary(ctx, g.Folder); err == nil {
		in.MemoryContext = summary.Summary
	}

	start := time.Now()
	res, err := r.sandbox.Run(ctx, in, g.ExtraMounts)
	duration := time.Since(start)
	if err != nil {
		r.tracker.RecordError(g.Folder, err.Error())
		return "", err
	}
	if res.NewSessionID != "" && task.ContextMode == store.ContextGroup {
		if err := r.sessions.Set(g.Folder, res.NewSessionID); err != nil {
			slog.Warn("persist session token", slog.String("error", err.Error()))
		}
	}
	if res.Status != "success" {
		r.tracker.RecordError(g.Folder, res.Error)
		return "", fmt.Errorf("sandbox run failed: %s", res.Error)
	}
	r.tracker.ResetErrors(g.Folder)
	r.recordUsage(ctx, g.Folder, r.modelFor(g), duration, 0, 0, true)

	if res.Result != "" && task.ChatID != "" {
		r.reply(ctx, task.ChatID, res.Result)
	}
	return res.Result, nil
}
