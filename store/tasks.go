package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const taskColumns = `id, job_id, prompt, style, status, image_id, error_message, retry_count, created_at, started_at, completed_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var errMsg *string
	err := row.Scan(&t.ID, &t.JobID, &t.Prompt, &t.Style, &t.Status, &t.ImageID,
		&errMsg, &t.RetryCount, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if errMsg != nil {
		t.ErrorMessage = *errMsg
	}
	return &t, nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM generation_tasks WHERE id = $1`, id)
	return scanTask(row)
}

// ClaimTask atomically transitions a task from pending to running and stamps
// started_at. A running task whose claim is older than lease is stolen. If
// the task is already terminal it is returned as-is so the caller can replay
// the stored outcome; if another worker holds a fresh claim, ErrTaskClaimed
// is returned.
func (s *Store) ClaimTask(ctx context.Context, id uuid.UUID, lease time.Duration) (*Task, error) {
	var task *Task
	err := s.withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`UPDATE generation_tasks
			 SET status = 'running', started_at = now()
			 WHERE id = $1
			   AND (status = 'pending'
			        OR (status = 'running' AND started_at < now() - $2::interval))
			 RETURNING `+taskColumns,
			id, lease)

		var err error
		task, err = scanTask(row)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		// No claimable row: distinguish terminal, fresh-claim and missing.
		task, err = s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return nil
		}
		return ErrTaskClaimed
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ResetTaskForRetry returns a running task to pending for another attempt,
// incrementing retry_count and clearing the claim.
func (s *Store) ResetTaskForRetry(ctx context.Context, id uuid.UUID) (*Task, error) {
	var task *Task
	err := s.withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`UPDATE generation_tasks
			 SET status = 'pending', retry_count = retry_count + 1,
			     started_at = NULL, error_message = NULL
			 WHERE id = $1 AND status = 'running'
			 RETURNING `+taskColumns, id)
		var err error
		task, err = scanTask(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CompleteTask finishes a task successfully: the image is marked ready, the
// task stores the image id, and the job counters advance — all in one
// transaction, so a task outcome is counted exactly once. The returned bool
// reports whether this call recorded the outcome; false means the task was
// already terminal and nothing changed.
func (s *Store) CompleteTask(ctx context.Context, taskID, imageID uuid.UUID) (*Job, bool, error) {
	return s.finishTask(ctx, taskID, &imageID, "")
}

// FailTask finishes a task as failed with an error message and advances the
// job's failed counter. Same atomicity and idempotence as CompleteTask.
func (s *Store) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string) (*Job, bool, error) {
	return s.finishTask(ctx, taskID, nil, errMsg)
}

func (s *Store) finishTask(ctx context.Context, taskID uuid.UUID, imageID *uuid.UUID, errMsg string) (*Job, bool, error) {
	var (
		job      *Job
		recorded bool
	)
	err := s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			jobID uuid.UUID
			row   pgx.Row
		)
		if imageID != nil {
			row = tx.QueryRow(ctx,
				`UPDATE generation_tasks
				 SET status = 'completed', image_id = $2, completed_at = now(), error_message = NULL
				 WHERE id = $1 AND status IN ('pending', 'running')
				 RETURNING job_id`, taskID, *imageID)
		} else {
			row = tx.QueryRow(ctx,
				`UPDATE generation_tasks
				 SET status = 'failed', error_message = $2, completed_at = now()
				 WHERE id = $1 AND status IN ('pending', 'running')
				 RETURNING job_id`, taskID, errMsg)
		}
		if err := row.Scan(&jobID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Already terminal: replayed delivery, nothing to record.
				recorded = false
				task, err := s.GetTask(ctx, taskID)
				if err != nil {
					return err
				}
				job, err = s.GetJob(ctx, task.JobID)
				return err
			}
			return fmt.Errorf("finish task: %w", err)
		}

		if imageID != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE images SET status = 'ready', updated_at = now() WHERE id = $1`, *imageID); err != nil {
				return fmt.Errorf("mark image ready: %w", err)
			}
		}

		completedDelta, failedDelta := 0, 1
		if imageID != nil {
			completedDelta, failedDelta = 1, 0
		}
		jobRow := tx.QueryRow(ctx, recordOutcomeSQL(), jobID, completedDelta, failedDelta)
		job, err = scanJob(jobRow)
		if err != nil {
			return err
		}

		recorded = true
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, false, err
	}
	return job, recorded, nil
}
