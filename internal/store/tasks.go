package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewTaskID mints a task identifier of the form task-<unix-ms>-<random>.
func NewTaskID() string {
	return fmt.Sprintf("task-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// CreateTask inserts a new scheduled task. Missing ID, status, context mode
// and created-at are defaulted.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = NewTaskID()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextIsolated
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, group_folder, chat_id, prompt, schedule_type, schedule_value,
			context_mode, status, next_run, last_run, last_result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.Status, timePtrMilli(t.NextRun), timePtrMilli(t.LastRun),
		t.LastResult, t.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns a task by id or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// TasksForGroup lists a group's tasks, newest first.
func (s *Store) TasksForGroup(ctx context.Context, folder string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE group_folder = ? ORDER BY created_at DESC`, folder)
	if err != nil {
		return nil, fmt.Errorf("tasks for group %s: %w", folder, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// DueTasks returns active tasks whose next_run has passed, soonest first.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE status = ? AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run`,
		TaskActive, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// SetTaskStatus updates a task's status (pause/resume).
func (s *Store) SetTaskStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set task %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task and, via the foreign key, its run logs in one
// transaction.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return ErrNotFound
	}
	return tx.Commit()
}

// UpdateTaskAfterRun records a completed execution. A nil nextRun marks the
// task completed (once-tasks, or cron/interval that produced no next fire).
func (s *Store) UpdateTaskAfterRun(ctx context.Context, id string, nextRun *time.Time, resultSummary string) error {
	status := TaskActive
	if nextRun == nil {
		status = TaskCompleted
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET next_run = ?, last_run = ?, last_result = ?, status = ?
		 WHERE id = ? AND status != ?`,
		timePtrMilli(nextRun), time.Now().UnixMilli(), resultSummary, status, id, TaskPaused)
	if err != nil {
		return fmt.Errorf("update task %s after run: %w", id, err)
	}
	return nil
}

// AppendTaskRunLog appends one execution record.
func (s *Store) AppendTaskRunLog(ctx context.Context, taskID, status string, duration time.Duration, result string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_run_logs (task_id, status, duration_ms, result, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		taskID, status, duration.Milliseconds(), result, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append run log for %s: %w", taskID, err)
	}
	return nil
}

// TaskRunLogs lists a task's run history, newest first.
func (s *Store) TaskRunLogs(ctx context.Context, taskID string, limit int) ([]TaskRunLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, status, duration_ms, COALESCE(result, ''), created_at
		 FROM task_run_logs WHERE task_id = ? ORDER BY created_at DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("run logs for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		var durMS, ts int64
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Status, &durMS, &l.Result, &ts); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		l.Duration = time.Duration(durMS) * time.Millisecond
		l.CreatedAt = time.UnixMilli(ts)
		out = append(out, l)
	}
	return out, rows.Err()
}

const taskSelect = `SELECT id, group_folder, chat_id, prompt, schedule_type, schedule_value,
	context_mode, status, next_run, last_run, COALESCE(last_result, ''), created_at FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var nextRun, lastRun sql.NullInt64
	var createdAt int64
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &t.Status, &nextRun, &lastRun, &t.LastResult, &createdAt)
	if err != nil {
		return nil, err
	}
	if nextRun.Valid {
		v := time.UnixMilli(nextRun.Int64)
		t.NextRun = &v
	}
	if lastRun.Valid {
		v := time.UnixMilli(lastRun.Int64)
		t.LastRun = &v
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func timePtrMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
