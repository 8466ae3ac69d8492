// Package scheduler polls the store for due tasks and runs them through the
// per-group serial dispatcher, so scheduled work never overlaps with live
// message handling in the same group.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/dispatch"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
)

const resultSummaryLimit = 200

// TaskRunner executes one task's prompt. Scheduled tasks always go through
// the sandbox; the router supplies the implementation.
type TaskRunner interface {
	RunTask(ctx context.Context, task *store.Task) (string, error)
}

// Scheduler is the polling loop.
type Scheduler struct {
	store       *store.Store
	locks       *dispatch.GroupLocks
	runner      TaskRunner
	interval    time.Duration
	loc         *time.Location
	maintenance func() bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a scheduler. maintenance reports whether ticks should be
// skipped; a nil func means never.
func New(s *store.Store, locks *dispatch.GroupLocks, runner TaskRunner, interval time.Duration, loc *time.Location, maintenance func() bool) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if maintenance == nil {
		maintenance = func() bool { return false }
	}
	return &Scheduler{
		store:       s,
		locks:       locks,
		runner:      runner,
		interval:    interval,
		loc:         loc,
		maintenance: maintenance,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the poll loop. The loop runs until Stop or ctx
// cancellation; an iteration in progress always completes.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the in-flight iteration to finish.
// Tasks already handed to the dispatcher keep running.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.maintenance() {
		slog.Debug("scheduler tick skipped: maintenance mode")
		return
	}
	due, err := s.store.DueTasks(ctx, time.Now())
	if err != nil {
		slog.Error("fetch due tasks", slog.String("error", err.Error()))
		return
	}
	for _, task := range due {
		task := task
		s.locks.Go(task.GroupFolder, func() {
			s.runOne(ctx, task)
		})
	}
}

// runOne executes a single task inside its group lock. The task's status is
// re-read first: it may have been paused or cancelled between the due query
// and this point.
func (s *Scheduler) runOne(ctx context.Context, task *store.Task) {
	current, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		slog.Warn("task vanished before run", slog.String("task", task.ID), slog.String("error", err.Error()))
		return
	}
	if current.Status != store.TaskActive {
		slog.Debug("skipping non-active task", slog.String("task", task.ID), slog.String("status", current.Status))
		return
	}

	start := time.Now()
	result, runErr := s.runner.RunTask(ctx, current)
	duration := time.Since(start)

	status := "success"
	summary := truncate(result, resultSummaryLimit)
	if runErr != nil {
		status = "error"
		summary = truncate(runErr.Error(), resultSummaryLimit)
		slog.Error("scheduled task failed",
			slog.String("task", task.ID),
			slog.String("group", task.GroupFolder),
			slog.String("error", runErr.Error()))
	}

	nextRun, err := tools.NextRun(current.ScheduleType, current.ScheduleValue, time.Now(), s.loc)
	if err != nil {
		slog.Warn("next run computation failed, completing task",
			slog.String("task", task.ID), slog.String("error", err.Error()))
		nextRun = nil
	}
	if err := s.store.UpdateTaskAfterRun(ctx, task.ID, nextRun, summary); err != nil {
		slog.Error("update task after run", slog.String("task", task.ID), slog.String("error", err.Error()))
	}
	if err := s.store.AppendTaskRunLog(ctx, task.ID, status, duration, summary); err != nil {
		slog.Error("append task run log", slog.String("task", task.ID), slog.String("error", err.Error()))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
