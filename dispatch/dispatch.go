// Package dispatch turns batch submissions into persisted jobs and hands
// their tasks to a queue: either the in-process worker pool or the external
// NATS JetStream queue driven by the relay.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/glazeworks/imagegen/metrics"
	"github.com/glazeworks/imagegen/store"
)

// Submission limits.
const (
	maxPromptsPerJob  = 100
	maxCountPerPrompt = 10
	maxPromptLength   = 2000
)

// Queue is where accepted tasks go for execution.
type Queue interface {
	// Enqueue hands one task to the execution transport. Must not block on
	// task execution.
	Enqueue(ctx context.Context, taskID uuid.UUID, retryCount int) error
}

// Store is the persistence surface the dispatcher needs.
type Store interface {
	CreateJobWithTasks(ctx context.Context, job *store.Job, tasks []*store.Task) error
}

// ValidationError describes a rejected submission. The HTTP layer maps it to
// a 400 response.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Submission is one batch request: every prompt is expanded into
// CountPerPrompt tasks.
type Submission struct {
	Prompts        []string
	Style          string
	CountPerPrompt int
}

// Dispatcher validates submissions, persists the job with all its tasks in
// one transaction, and enqueues the tasks.
type Dispatcher struct {
	store  Store
	queue  Queue
	mode   string
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New creates a Dispatcher. mode labels enqueue metrics only.
func New(st Store, q Queue, mode string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  st,
		queue:  q,
		mode:   mode,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit accepts a batch, creates the job and its tasks, and enqueues every
// task exactly once. A task whose enqueue fails stays pending and is logged;
// the job itself is never rolled back once committed.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*store.Job, []*store.Task, error) {
	prompts, err := normalizePrompts(sub.Prompts)
	if err != nil {
		return nil, nil, err
	}

	count := sub.CountPerPrompt
	if count == 0 {
		count = 1
	}
	if count < 1 || count > maxCountPerPrompt {
		return nil, nil, &ValidationError{Reason: fmt.Sprintf("count_per_prompt must be between 1 and %d", maxCountPerPrompt)}
	}

	style := strings.TrimSpace(sub.Style)
	if style == "" {
		style = store.DefaultStyle
	}

	job := &store.Job{
		ID:         uuid.New(),
		Status:     store.JobPending,
		TotalTasks: len(prompts) * count,
	}
	tasks := make([]*store.Task, 0, job.TotalTasks)
	for _, prompt := range prompts {
		for i := 0; i < count; i++ {
			tasks = append(tasks, &store.Task{
				ID:     uuid.New(),
				JobID:  job.ID,
				Prompt: prompt,
				Style:  style,
				Status: store.TaskPending,
			})
		}
	}

	if err := d.store.CreateJobWithTasks(ctx, job, tasks); err != nil {
		return nil, nil, fmt.Errorf("create job: %w", err)
	}
	metrics.JobsSubmitted.Inc()

	enqueued := 0
	for _, task := range tasks {
		if err := d.queue.Enqueue(ctx, task.ID, 0); err != nil {
			// The task row exists and stays pending; it is recoverable by
			// re-delivery, so the job is not failed here.
			d.logger.Error("enqueue failed, task left pending",
				"job_id", job.ID, "task_id", task.ID, "error", err)
			continue
		}
		enqueued++
	}
	metrics.TasksEnqueued.WithLabelValues(d.mode).Add(float64(enqueued))

	d.logger.Info("job submitted",
		"job_id", job.ID,
		"prompts", len(prompts),
		"total_tasks", job.TotalTasks,
		"enqueued", enqueued,
		"style", style)
	return job, tasks, nil
}

func normalizePrompts(prompts []string) ([]string, error) {
	if len(prompts) == 0 {
		return nil, &ValidationError{Reason: "at least one prompt is required"}
	}
	if len(prompts) > maxPromptsPerJob {
		return nil, &ValidationError{Reason: fmt.Sprintf("at most %d prompts per job", maxPromptsPerJob)}
	}
	out := make([]string, 0, len(prompts))
	for i, prompt := range prompts {
		trimmed := strings.TrimSpace(prompt)
		if trimmed == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("prompt %d is empty", i+1)}
		}
		if len(trimmed) > maxPromptLength {
			return nil, &ValidationError{Reason: fmt.Sprintf("prompt %d exceeds %d characters", i+1, maxPromptLength)}
		}
		out = append(out, trimmed)
	}
	return out, nil
}
