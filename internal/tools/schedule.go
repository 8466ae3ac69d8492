package tools

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/nanoclaw/internal/gemini"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

var scheduleTaskDecl = gemini.ToolDecl{
	Name:        "schedule_task",
	Description: "Schedule a recurring or one-off task. Use cron for calendar schedules, interval for fixed periods, once for a single future run.",
	Parameters: &gemini.Schema{
		Type: "object",
		Properties: map[string]*gemini.Schema{
			"prompt":        {Type: "string", Description: "Instruction the task executes on each run"},
			"schedule_type": {Type: "string", Enum: []string{"cron", "interval", "once"}},
			"schedule_value": {Type: "string", Description: "Cron expression, interval in milliseconds, or ISO timestamp " +
				"depending on schedule_type"},
			"context_mode": {Type: "string", Description: "isolated (default) or group", Enum: []string{"isolated", "group"}},
		},
		Required: []string{"prompt", "schedule_type", "schedule_value"},
	},
}

// NextRun computes a task's next execution time after the given moment.
// Cron expressions are evaluated in loc; interval schedules step forward by
// their millisecond period; once schedules never recur (nil).
func NextRun(scheduleType, scheduleValue string, after time.Time, loc *time.Location) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(scheduleValue, after.In(loc), false)
		if err != nil {
			return nil, fmt.Errorf("cron next tick: %w", err)
		}
		return &next, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid interval %q", scheduleValue)
		}
		next := after.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case store.ScheduleOnce:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
}

func (r *Registry) scheduleTask(ctx context.Context, args map[string]any, inv Invocation) (map[string]any, error) {
	prompt := stringArg(args, "prompt")
	scheduleType := stringArg(args, "schedule_type")
	scheduleValue := stringArg(args, "schedule_value")
	contextMode := stringArg(args, "context_mode")
	if contextMode == "" {
		contextMode = store.ContextIsolated
	}

	now := time.Now().In(r.deps.Location)
	var nextRun *time.Time

	switch scheduleType {
	case store.ScheduleCron:
		if !gronx.New().IsValid(scheduleValue) {
			return map[string]any{"success": false, "error": "Invalid cron expression"}, nil
		}
		next, err := gronx.NextTickAfter(scheduleValue, now, false)
		if err != nil {
			return map[string]any{"success": false, "error": "Invalid cron expression"}, nil
		}
		nextRun = &next
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return map[string]any{"success": false, "error": "Invalid interval value"}, nil
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		nextRun = &next
	case store.ScheduleOnce:
		at, err := parseTimestamp(scheduleValue)
		if err != nil {
			return map[string]any{"success": false, "error": "Invalid timestamp"}, nil
		}
		nextRun = &at
	default:
		return map[string]any{"success": false, "error": "Invalid schedule type"}, nil
	}

	task := &store.Task{
		GroupFolder:   inv.GroupFolder,
		ChatID:        inv.ChatID,
		Prompt:        prompt,
		ScheduleType:  scheduleType,
		ScheduleValue: scheduleValue,
		ContextMode:   contextMode,
		NextRun:       nextRun,
	}
	if err := r.deps.Store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	resp := map[string]any{"success": true, "task_id": task.ID}
	if nextRun != nil {
		resp["next_run"] = nextRun.Format(time.RFC3339)
	}
	return resp, nil
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}
