package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/nanoclaw/internal/gemini"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

var pauseTaskDecl = gemini.ToolDecl{
	Name:        "pause_task",
	Description: "Pause a scheduled task so it stops running until resumed.",
	Parameters: &gemini.Schema{
		Type: "object",
		Properties: map[string]*gemini.Schema{
			"task_id": {Type: "string"},
		},
		Required: []string{"task_id"},
	},
}

var resumeTaskDecl = gemini.ToolDecl{
	Name:        "resume_task",
	Description: "Resume a previously paused task.",
	Parameters: &gemini.Schema{
		Type: "object",
		Properties: map[string]*gemini.Schema{
			"task_id": {Type: "string"},
		},
		Required: []string{"task_id"},
	},
}

var cancelTaskDecl = gemini.ToolDecl{
	Name:        "cancel_task",
	Description: "Cancel and delete a scheduled task permanently.",
	Parameters: &gemini.Schema{
		Type: "object",
		Properties: map[string]*gemini.Schema{
			"task_id": {Type: "string"},
		},
		Required: []string{"task_id"},
	},
}

var generateImageDecl = gemini.ToolDecl{
	Name:        "generate_image",
	Description: "Generate an image from a text prompt and send it to the chat.",
	Parameters: &gemini.Schema{
		Type: "object",
		Properties: map[string]*gemini.Schema{
			"prompt": {Type: "string", Description: "Description of the image to generate"},
		},
		Required: []string{"prompt"},
	},
}

var setPreferenceDecl = gemini.ToolDecl{
	Name:        "set_preference",
	Description: "Store a user preference for this group. Allowed keys: language, nickname, response_style, interests, timezone, custom_instructions.",
	Parameters: &gemini.Schema{
		Type: "object",
		Properties: map[string]*gemini.Schema{
			"key":   {Type: "string"},
			"value": {Type: "string"},
		},
		Required: []string{"key", "value"},
	},
}

var registerGroupDecl = gemini.ToolDecl{
	Name:        "register_group",
	Description: "Register a new chat so the assistant starts serving it. Main group only.",
	Parameters: &gemini.Schema{
		Type: "object",
		Properties: map[string]*gemini.Schema{
			"jid":     {Type: "string", Description: "Chat identifier to register"},
			"name":    {Type: "string", Description: "Human-readable group name"},
			"trigger": {Type: "string", Description: "Override trigger name; defaults to the assistant name"},
		},
		Required: []string{"jid", "name"},
	},
}

// authorizeTask loads a task and checks the caller may act on it: the main
// group may touch any task, others only their own.
func (r *Registry) authorizeTask(ctx context.Context, taskID string, inv Invocation) (*store.Task, map[string]any) {
	task, err := r.deps.Store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, map[string]any{"success": false, "error": "Task not found"}
	}
	if err != nil {
		return nil, map[string]any{"error": "Function execution failed"}
	}
	if !inv.IsMain && task.GroupFolder != inv.GroupFolder {
		return nil, map[string]any{"error": "Permission denied"}
	}
	return task, nil
}

func (r *Registry) pauseTask(ctx context.Context, args map[string]any, inv Invocation) (map[string]any, error) {
	id := stringArg(args, "task_id")
	if _, resp := r.authorizeTask(ctx, id, inv); resp != nil {
		return resp, nil
	}
	if err := r.deps.Store.SetTaskStatus(ctx, id, store.TaskPaused); err != nil {
		return nil, fmt.Errorf("pause task: %w", err)
	}
	return map[string]any{"success": true, "task_id": id, "status": store.TaskPaused}, nil
}

func (r *Registry) resumeTask(ctx context.Context, args map[string]any, inv Invocation) (map[string]any, error) {
	id := stringArg(args, "task_id")
	if _, resp := r.authorizeTask(ctx, id, inv); resp != nil {
		return resp, nil
	}
	if err := r.deps.Store.SetTaskStatus(ctx, id, store.TaskActive); err != nil {
		return nil, fmt.Errorf("resume task: %w", err)
	}
	return map[string]any{"success": true, "task_id": id, "status": store.TaskActive}, nil
}

func (r *Registry) cancelTask(ctx context.Context, args map[string]any, inv Invocation) (map[string]any, error) {
	id := stringArg(args, "task_id")
	if _, resp := r.authorizeTask(ctx, id, inv); resp != nil {
		return resp, nil
	}
	if err := r.deps.Store.DeleteTask(ctx, id); err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	return map[string]any{"success": true, "task_id": id}, nil
}

func (r *Registry) generateImage(ctx context.Context, args map[string]any, inv Invocation) (map[string]any, error) {
	if r.deps.Images == nil {
		return map[string]any{"error": "No bot instance available"}, nil
	}
	data, err := r.deps.Images.GenerateImage(ctx, stringArg(args, "prompt"))
	if err != nil {
		return nil, fmt.Errorf("generate image: %w", err)
	}
	if r.deps.Chat == nil {
		return map[string]any{"error": "No bot instance available"}, nil
	}
	if err := r.deps.Chat.SendPhoto(ctx, inv.ChatID, data, ""); err != nil {
		return nil, fmt.Errorf("send photo: %w", err)
	}
	return map[string]any{"sent": true}, nil
}

func (r *Registry) setPreference(ctx context.Context, args map[string]any, inv Invocation) (map[string]any, error) {
	key := stringArg(args, "key")
	value := stringArg(args, "value")
	err := r.deps.Store.SetPreference(ctx, inv.GroupFolder, key, value)
	if errors.Is(err, store.ErrInvalidPreferenceKey) {
		return map[string]any{"error": "Invalid key: " + key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("set preference: %w", err)
	}
	return map[string]any{"success": true, "key": key}, nil
}

func (r *Registry) registerGroup(ctx context.Context, args map[string]any, inv Invocation) (map[string]any, error) {
	if !inv.IsMain {
		return map[string]any{"error": "Permission denied"}, nil
	}
	if r.deps.Registrar == nil {
		return map[string]any{"error": "Registrar not available"}, nil
	}
	jid := stringArg(args, "jid")
	name := stringArg(args, "name")
	if jid == "" || name == "" {
		return map[string]any{"success": false, "error": "jid and name are required"}, nil
	}
	folder := stringArg(args, "folder")
	if folder == "" {
		folder = groups.DeriveFolderName(name)
	}
	g := &groups.Group{
		ChatID:  jid,
		Folder:  folder,
		Name:    name,
		Trigger: stringArg(args, "trigger"),
	}
	if err := r.deps.Registrar.Register(g); err != nil {
		return nil, fmt.Errorf("register group: %w", err)
	}
	return map[string]any{"success": true, "folder": g.Folder}, nil
}
