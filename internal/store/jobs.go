package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Background job states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobCanceled  = "canceled"
	JobFailed    = "failed"
)

// Job is one durable background job.
type Job struct {
	ID          string
	GroupFolder string
	ChatJID     string
	Prompt      string
	Status      string
	Output      string
	OutputPath  string
	CreatedAt   int64
	StartedAt   int64
	FinishedAt  int64
}

const jobColumns = `id, group_folder, chat_jid, prompt, status, output, output_path,
	created_at, started_at, finished_at`

// CreateJob inserts a queued job.
func (s *Store) CreateJob(ctx context.Context, j Job) error {
	if j.CreatedAt == 0 {
		j.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, group_folder, chat_jid, prompt, status, created_at)
		 VALUES (?, ?, ?, ?, 'queued', ?)`,
		j.ID, j.GroupFolder, j.ChatJID, j.Prompt, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// ClaimNextJob atomically claims the oldest queued job, if any.
func (s *Store) ClaimNextJob(ctx context.Context) (Job, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = ?
		 WHERE id = (SELECT id FROM jobs WHERE status = 'queued' ORDER BY created_at ASC LIMIT 1)
		 RETURNING `+jobColumns,
		s.now(),
	)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return j, true, nil
}

// FinishJob records a terminal state with its short output and optional
// output file path.
func (s *Store) FinishJob(ctx context.Context, id, status, output, outputPath string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, output = ?, output_path = ?, finished_at = ? WHERE id = ?`,
		status, output, outputPath, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// CancelJob marks a queued or running job canceled. Returns the job so the
// runner can abort an in-flight execution.
func (s *Store) CancelJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'canceled', finished_at = ?
		 WHERE id = ? AND status IN ('queued', 'running')
		 RETURNING `+jobColumns,
		s.now(), id,
	)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, fmt.Errorf("job %s: not found or already finished", id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("cancel job: %w", err)
	}
	return j, nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, fmt.Errorf("job %s: not found", id)
	}
	return j, err
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var output, outputPath sql.NullString
	var startedAt, finishedAt sql.NullInt64
	err := row.Scan(&j.ID, &j.GroupFolder, &j.ChatJID, &j.Prompt, &j.Status,
		&output, &outputPath, &j.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return Job{}, err
	}
	j.Output = output.String
	j.OutputPath = outputPath.String
	j.StartedAt = startedAt.Int64
	j.FinishedAt = finishedAt.Int64
	return j, nil
}
