package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Task states.
const (
	TaskActive   = "active"
	TaskPaused   = "paused"
	TaskCanceled = "canceled"
)

// Schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task is one durable scheduled task.
type Task struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	NextRun       int64
	Status        string
	Attempt       int
	LastResult    string
	RunningSince  int64 // 0 when not claimed
	StateJSON     string
	CreatedAt     int64
}

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
	context_mode, next_run, status, attempt, last_result, running_since, state_json, created_at`

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = s.now()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.NextRun, t.Status, t.Attempt, t.LastResult, t.StateJSON, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, fmt.Errorf("task %s: not found", id)
	}
	return t, err
}

// ListTasks returns tasks for one group folder, or all tasks when folder is
// empty (main-group privilege).
func (s *Store) ListTasks(ctx context.Context, folder string) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status != 'canceled' ORDER BY next_run ASC`
	args := []any{}
	if folder != "" {
		query = `SELECT ` + taskColumns + ` FROM tasks WHERE group_folder = ? AND status != 'canceled' ORDER BY next_run ASC`
		args = append(args, folder)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimDueTasks atomically claims every active task due at or before now
// that is not already running, stamping running_since.
func (s *Store) ClaimDueTasks(ctx context.Context) ([]Task, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE tasks SET running_since = ?
		 WHERE status = 'active' AND next_run <= ? AND running_since IS NULL
		 RETURNING `+taskColumns,
		now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if len(out) > 0 {
		s.logger.Debug("store: claimed due tasks", "count", len(out))
	}
	return out, rows.Err()
}

// FinishTaskRun releases the claim and persists the run outcome computed by
// the scheduler: new nextRun, status, attempt and lastResult.
func (s *Store) FinishTaskRun(ctx context.Context, id string, nextRun int64, status string, attempt int, lastResult string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET running_since = NULL, next_run = ?, status = ?, attempt = ?, last_result = ?
		 WHERE id = ?`,
		nextRun, status, attempt, lastResult, id,
	)
	if err != nil {
		return fmt.Errorf("finish task run: %w", err)
	}
	return nil
}

// SetTaskStatus applies pause/resume/cancel.
func (s *Store) SetTaskStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: not found", id)
	}
	return nil
}

// UpdateTask rewrites the mutable fields of a task (prompt, schedule,
// context mode, next run).
func (s *Store) UpdateTask(ctx context.Context, t Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET prompt = ?, schedule_type = ?, schedule_value = ?, context_mode = ?, next_run = ?
		 WHERE id = ?`,
		t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode, t.NextRun, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: not found", t.ID)
	}
	return nil
}

// MarkTaskDueNow forces next_run to now for run_task.
func (s *Store) MarkTaskDueNow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET next_run = ? WHERE id = ? AND status = 'active'`, s.now(), id)
	if err != nil {
		return fmt.Errorf("mark task due: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: not found or not active", id)
	}
	return nil
}

// RecoverStaleTasks reverts running_since for tasks claimed longer than
// timeoutMs ago, so a crashed run is retried. Returns the number revived.
func (s *Store) RecoverStaleTasks(ctx context.Context, timeoutMs int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET running_since = NULL
		 WHERE running_since IS NOT NULL AND running_since < ?`,
		s.now()-timeoutMs,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("store: recovered stale task claims", "count", n)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var contextMode, lastResult, stateJSON sql.NullString
	var runningSince sql.NullInt64
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType,
		&t.ScheduleValue, &contextMode, &t.NextRun, &t.Status, &t.Attempt,
		&lastResult, &runningSince, &stateJSON, &t.CreatedAt)
	if err != nil {
		return Task{}, err
	}
	t.ContextMode = contextMode.String
	t.LastResult = lastResult.String
	t.StateJSON = stateJSON.String
	t.RunningSince = runningSince.Int64
	return t, nil
}
