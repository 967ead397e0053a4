package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, status, total_tasks, completed_tasks, failed_tasks, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Status, &j.TotalTasks, &j.CompletedTasks, &j.FailedTasks,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

// CreateJobWithTasks inserts the job and all its tasks in a single
// transaction. Failure before commit leaves no partial job.
func (s *Store) CreateJobWithTasks(ctx context.Context, job *Job, tasks []*Task) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx,
			`INSERT INTO generation_jobs (id, status, total_tasks, completed_tasks, failed_tasks)
			 VALUES ($1, $2, $3, 0, 0)
			 RETURNING created_at, updated_at`,
			job.ID, job.Status, job.TotalTasks,
		).Scan(&job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		for _, task := range tasks {
			err = tx.QueryRow(ctx,
				`INSERT INTO generation_tasks (id, job_id, prompt, style, status, retry_count)
				 VALUES ($1, $2, $3, $4, $5, 0)
				 RETURNING created_at`,
				task.ID, task.JobID, task.Prompt, task.Style, task.Status,
			).Scan(&task.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert task for prompt %q: %w", task.Prompt, err)
			}
		}

		return tx.Commit(ctx)
	})
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListJobTasks returns all tasks of a job in creation order.
func (s *Store) ListJobTasks(ctx context.Context, jobID uuid.UUID) ([]*Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM generation_tasks WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CancelJob transitions a pending or running job to cancelled. Pending tasks
// are failed immediately and counted; in-flight tasks finish and record their
// outcomes, but the job never leaves cancelled.
func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job *Job
	err := s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		var status JobStatus
		err = tx.QueryRow(ctx,
			`SELECT status FROM generation_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			return notFound(err)
		}
		if status.Terminal() {
			return ErrJobTerminal
		}

		tag, err := tx.Exec(ctx,
			`UPDATE generation_tasks
			 SET status = 'failed', error_message = 'job cancelled', completed_at = now()
			 WHERE job_id = $1 AND status = 'pending'`, id)
		if err != nil {
			return fmt.Errorf("fail pending tasks: %w", err)
		}

		row := tx.QueryRow(ctx,
			`UPDATE generation_jobs
			 SET status = 'cancelled',
			     failed_tasks = failed_tasks + $2,
			     completed_at = now(),
			     updated_at = now()
			 WHERE id = $1
			 RETURNING `+jobColumns, id, tag.RowsAffected())
		job, err = scanJob(row)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// recordOutcome is the single atomic read-modify-write that mutates job
// counters. completedDelta/failedDelta are each 0 or 1. A cancelled job keeps
// its status; otherwise the terminal status is derived when the counters
// reach total_tasks.
func recordOutcomeSQL() string {
	return `UPDATE generation_jobs SET
	  completed_tasks = completed_tasks + $2,
	  failed_tasks = failed_tasks + $3,
	  updated_at = now(),
	  status = CASE
	    WHEN status = 'cancelled' THEN status
	    WHEN completed_tasks + failed_tasks + $2 + $3 >= total_tasks THEN
	      CASE WHEN failed_tasks + $3 > 0 THEN 'failed'::text ELSE 'completed'::text END
	    ELSE 'running'
	  END,
	  completed_at = CASE
	    WHEN completed_at IS NULL AND completed_tasks + failed_tasks + $2 + $3 >= total_tasks THEN now()
	    ELSE completed_at
	  END
	WHERE id = $1
	RETURNING ` + jobColumns
}
