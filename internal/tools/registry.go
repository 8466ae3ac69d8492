// Package tools implements the fixed catalogue of functions the model may
// invoke: task scheduling and lifecycle, image generation, user preferences
// and (for the main group) group registration. The same handlers back both
// in-band function calls and IPC task files.
package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/gemini"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// ChatSender is the slice of the chat transport the tools need.
type ChatSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
	SendPhoto(ctx context.Context, chatID string, data []byte, caption string) error
}

// ImageGenerator renders a prompt into encoded image bytes.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// Registrar registers a new group. Only the main group may use it.
// Satisfied by *groups.Registry.
type Registrar interface {
	Register(g *groups.Group) error
}

// Deps are the registry's injected collaborators. Chat, Images and
// Registrar may be nil; the affected handlers then report the condition
// instead of panicking.
type Deps struct {
	Store     *store.Store
	Chat      ChatSender
	Images    ImageGenerator
	Registrar Registrar
	Location  *time.Location
}

// Invocation identifies who is calling a tool.
type Invocation struct {
	GroupFolder string
	ChatID      string
	IsMain      bool
}

// Call is one requested tool invocation.
type Call struct {
	Name string
	Args map[string]any
}

// Result is the value returned to the model as a function response.
type Result struct {
	Name     string
	Response map[string]any
}

type handlerFunc func(ctx context.Context, args map[string]any, inv Invocation) (map[string]any, error)

type toolEntry struct {
	decl     gemini.ToolDecl
	mainOnly bool
	handler  handlerFunc
}

// Registry dispatches tool calls against the fixed catalogue.
type Registry struct {
	deps    Deps
	entries []toolEntry
}

// NewRegistry builds the catalogue over deps.
func NewRegistry(deps Deps) *Registry {
	if deps.Location == nil {
		deps.Location = time.Local
	}
	r := &Registry{deps: deps}
	r.entries = []toolEntry{
		{decl: scheduleTaskDecl, handler: r.scheduleTask},
		{decl: pauseTaskDecl, handler: r.pauseTask},
		{decl: resumeTaskDecl, handler: r.resumeTask},
		{decl: cancelTaskDecl, handler: r.cancelTask},
		{decl: generateImageDecl, handler: r.generateImage},
		{decl: setPreferenceDecl, handler: r.setPreference},
		{decl: registerGroupDecl, mainOnly: true, handler: r.registerGroup},
	}
	return r
}

// Declarations returns the tool declarations visible to a caller. The main
// group sees the full catalogue; everyone else is denied register_group.
func (r *Registry) Declarations(isMain bool) []gemini.ToolDecl {
	out := make([]gemini.ToolDecl, 0, len(r.entries))
	for _, e := range r.entries {
		if e.mainOnly && !isMain {
			continue
		}
		out = append(out, e.decl)
	}
	return out
}

// Execute runs one tool call. It never returns an error: unknown names and
// handler failures are reported inside the function response so the model
// can react.
func (r *Registry) Execute(ctx context.Context, call Call, inv Invocation) Result {
	for _, e := range r.entries {
		if e.decl.Name != call.Name {
			continue
		}
		resp, err := e.handler(ctx, call.Args, inv)
		if err != nil {
			slog.Error("tool handler failed",
				slog.String("tool", call.Name),
				slog.String("group", inv.GroupFolder),
				slog.String("error", err.Error()))
			return Result{Name: call.Name, Response: map[string]any{"error": "Function execution failed"}}
		}
		return Result{Name: call.Name, Response: resp}
	}
	return Result{Name: call.Name, Response: map[string]any{"error": "Unknown function: " + call.Name}}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}
