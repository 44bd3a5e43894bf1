package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// WorkflowRun records one multi-step agent workflow for observability.
type WorkflowRun struct {
	ID          string
	GroupFolder string
	Name        string
	Status      string
	CreatedAt   int64
	FinishedAt  int64
}

// WorkflowStep is one step result inside a run.
type WorkflowStep struct {
	ID        string
	RunID     string
	Name      string
	Status    string
	Result    string
	CreatedAt int64
}

// WorkflowStore is a thin facade over the workflow tables with an idempotent
// Close, handed to components that must not close the underlying database.
type WorkflowStore struct {
	s         *Store
	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

// Workflows returns the workflow facade for this store.
func (s *Store) Workflows() *WorkflowStore {
	return &WorkflowStore{s: s}
}

// Close marks the facade closed. Safe to call repeatedly.
func (w *WorkflowStore) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
	})
	return nil
}

func (w *WorkflowStore) checkOpen() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return fmt.Errorf("workflow store is closed")
	}
	return nil
}

// StartRun inserts a running workflow run.
func (w *WorkflowStore) StartRun(ctx context.Context, run WorkflowRun) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = w.s.now()
	}
	_, err := w.s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, group_folder, name, status, created_at)
		 VALUES (?, ?, ?, 'running', ?)`,
		run.ID, run.GroupFolder, run.Name, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("start workflow run: %w", err)
	}
	return nil
}

// AddStep appends a step result to a run.
func (w *WorkflowStore) AddStep(ctx context.Context, step WorkflowStep) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if step.CreatedAt == 0 {
		step.CreatedAt = w.s.now()
	}
	_, err := w.s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (id, run_id, name, status, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Name, step.Status, step.Result, step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add workflow step: %w", err)
	}
	return nil
}

// FinishRun records the terminal status of a run.
func (w *WorkflowStore) FinishRun(ctx context.Context, id, status string) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	_, err := w.s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, w.s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("finish workflow run: %w", err)
	}
	return nil
}

// GetRun returns one run and its steps.
func (w *WorkflowStore) GetRun(ctx context.Context, id string) (WorkflowRun, []WorkflowStep, error) {
	if err := w.checkOpen(); err != nil {
		return WorkflowRun{}, nil, err
	}
	var run WorkflowRun
	var finishedAt sql.NullInt64
	err := w.s.db.QueryRowContext(ctx,
		`SELECT id, group_folder, name, status, created_at, finished_at FROM workflow_runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &run.GroupFolder, &run.Name, &run.Status, &run.CreatedAt, &finishedAt)
	if err != nil {
		return WorkflowRun{}, nil, fmt.Errorf("get workflow run: %w", err)
	}
	run.FinishedAt = finishedAt.Int64

	rows, err := w.s.db.QueryContext(ctx,
		`SELECT id, run_id, name, status, result, created_at FROM workflow_steps
		 WHERE run_id = ? ORDER BY created_at ASC`,
		id,
	)
	if err != nil {
		return WorkflowRun{}, nil, fmt.Errorf("get workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []WorkflowStep
	for rows.Next() {
		var st WorkflowStep
		var result sql.NullString
		if err := rows.Scan(&st.ID, &st.RunID, &st.Name, &st.Status, &result, &st.CreatedAt); err != nil {
			return WorkflowRun{}, nil, fmt.Errorf("scan workflow step: %w", err)
		}
		st.Result = result.String
		steps = append(steps, st)
	}
	return run, steps, rows.Err()
}

// DeleteFinishedBefore removes completed runs older than cutoffMs and their
// step results. Returns the number of runs removed.
func (w *WorkflowStore) DeleteFinishedBefore(ctx context.Context, cutoffMs int64) (int, error) {
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	tx, err := w.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM workflow_steps WHERE run_id IN
			(SELECT id FROM workflow_runs WHERE status != 'running' AND created_at < ?)`,
		cutoffMs,
	)
	if err != nil {
		return 0, fmt.Errorf("delete workflow steps: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_runs WHERE status != 'running' AND created_at < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete workflow runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit workflow cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
