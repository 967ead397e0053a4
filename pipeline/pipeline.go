// Package pipeline executes one generation task end to end: claim, generate,
// derive variants, upload, tag, embed, record. Every step is idempotent, so a
// re-executed task converges to the same image instead of producing a second
// one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/glazeworks/imagegen/config"
	"github.com/glazeworks/imagegen/imaging"
	"github.com/glazeworks/imagegen/metrics"
	"github.com/glazeworks/imagegen/objectstore"
	"github.com/glazeworks/imagegen/provider"
	"github.com/glazeworks/imagegen/store"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	ClaimTask(ctx context.Context, id uuid.UUID, lease time.Duration) (*store.Task, error)
	GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
	ResetTaskForRetry(ctx context.Context, id uuid.UUID) (*store.Task, error)
	CompleteTask(ctx context.Context, taskID, imageID uuid.UUID) (*store.Job, bool, error)
	FailTask(ctx context.Context, taskID uuid.UUID, errMsg string) (*store.Job, bool, error)
	ClaimImage(ctx context.Context, img *store.Image) error
	SetImageGenerated(ctx context.Context, id uuid.UUID, cost float64) error
	UpsertVariants(ctx context.Context, variants []store.ImageVariant) error
	SaveTagging(ctx context.Context, imageID uuid.UUID, tags []store.ImageTag, desc store.ImageDescription, colors []store.ImageColor, confidence, cost float64) error
	SaveEmbedding(ctx context.Context, emb store.ImageEmbedding) error
	RejectImage(ctx context.Context, id uuid.UUID, errMsg string) error
}

// RequeueFunc re-enqueues a task for another attempt after a retryable
// failure.
type RequeueFunc func(ctx context.Context, taskID uuid.UUID, retryCount int) error

// Status is the outcome class of one pipeline run.
type Status string

const (
	// StatusCompleted means the task finished and its image is ready.
	StatusCompleted Status = "completed"
	// StatusFailed means the task finished terminally without an image.
	StatusFailed Status = "failed"
	// StatusRetried means the attempt failed retryably and the task was
	// reset and re-enqueued.
	StatusRetried Status = "retried"
	// StatusSkipped means another worker holds a fresh claim; nothing ran.
	StatusSkipped Status = "skipped"
)

// Error kinds reported in outcomes.
const (
	KindProvider  = "provider_error"
	KindTimeout   = "timeout"
	KindCancelled = "cancelled"
	KindInternal  = "internal"
)

// Outcome is the result of one pipeline run, replayed verbatim for deliveries
// of tasks that already finished.
type Outcome struct {
	Status  Status     `json:"status"`
	ImageID *uuid.UUID `json:"image_id,omitempty"`
	Kind    string     `json:"error_kind,omitempty"`
	Message string     `json:"error,omitempty"`
	// Job is the post-outcome job snapshot when this run recorded an
	// outcome; nil for skipped and retried runs.
	Job *store.Job `json:"-"`
}

// Pipeline runs tasks against one set of providers and one object store.
type Pipeline struct {
	store     Store
	objects   objectstore.Store
	generator provider.Generator
	tagger    provider.Tagger
	embedder  provider.Embedder
	cfg       config.PipelineConfig

	logger       *slog.Logger
	requeue      RequeueFunc
	pollInterval time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithRequeue sets the function used to re-enqueue retryable tasks. Without
// one, reset tasks stay pending until something re-delivers them.
func WithRequeue(f RequeueFunc) Option {
	return func(p *Pipeline) {
		p.requeue = f
	}
}

// SetRequeue replaces the retry hook after construction, for transports
// that themselves depend on the pipeline.
func (p *Pipeline) SetRequeue(f RequeueFunc) {
	p.requeue = f
}

// WithPollInterval overrides the async generation poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		p.pollInterval = d
	}
}

// New creates a Pipeline.
func New(st Store, objects objectstore.Store, gen provider.Generator, tagger provider.Tagger, embedder provider.Embedder, cfg config.PipelineConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        st,
		objects:      objects,
		generator:    gen,
		tagger:       tagger,
		embedder:     embedder,
		cfg:          cfg,
		logger:       slog.Default(),
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one task. The returned Outcome describes what happened from
// the caller's point of view; a non-nil error means infrastructure failed
// mid-flight and the delivery should be retried by the transport.
func (p *Pipeline) Run(ctx context.Context, taskID uuid.UUID) (*Outcome, error) {
	start := time.Now()
	outcome, err := p.run(ctx, taskID)
	if err != nil {
		return nil, err
	}
	metrics.TaskOutcomes.WithLabelValues(string(outcome.Status)).Inc()
	metrics.TaskDuration.Observe(time.Since(start).Seconds())
	return outcome, nil
}

func (p *Pipeline) run(ctx context.Context, taskID uuid.UUID) (*Outcome, error) {
	task, err := p.store.ClaimTask(ctx, taskID, p.cfg.ClaimLease)
	if errors.Is(err, store.ErrTaskClaimed) {
		p.logger.Info("task claim held elsewhere, skipping", "task_id", taskID)
		return &Outcome{Status: StatusSkipped, Message: "claim held by another worker"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	// Replayed delivery of a finished task: report the stored outcome.
	if task.Status.Terminal() {
		p.logger.Info("task already terminal, replaying outcome",
			"task_id", task.ID, "status", task.Status)
		if task.Status == store.TaskCompleted {
			return &Outcome{Status: StatusCompleted, ImageID: task.ImageID}, nil
		}
		return &Outcome{Status: StatusFailed, Kind: KindProvider, Message: task.ErrorMessage}, nil
	}

	job, err := p.store.GetJob(ctx, task.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job.Status == store.JobCancelled {
		job, _, err := p.store.FailTask(ctx, task.ID, "job cancelled")
		if err != nil {
			return nil, fmt.Errorf("fail cancelled task: %w", err)
		}
		return &Outcome{Status: StatusFailed, Kind: KindCancelled, Message: "job cancelled", Job: job}, nil
	}

	imageID := store.ImageIDForTask(task.ID)
	logger := p.logger.With("task_id", task.ID, "job_id", task.JobID, "image_id", imageID)
	logger.Info("task started", "attempt", task.RetryCount+1)

	// The budget is one wall clock covering all attempts, anchored at task
	// creation, so a retry only gets what the earlier attempts left.
	deadline := task.CreatedAt.Add(p.cfg.TaskBudget)
	if !time.Now().Before(deadline) {
		return p.handleFailure(ctx, logger, task, imageID,
			fmt.Errorf("task budget exhausted: %w", context.DeadlineExceeded))
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := p.execute(runCtx, logger, task, imageID); err != nil {
		return p.handleFailure(ctx, logger, task, imageID, err)
	}

	job, recorded, err := p.store.CompleteTask(ctx, task.ID, imageID)
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}
	logger.Info("task completed",
		"recorded", recorded,
		"job_status", job.Status,
		"progress", job.Progress())
	return &Outcome{Status: StatusCompleted, ImageID: &imageID, Job: job}, nil
}

// execute runs the generate/variant/tag/embed stages. Errors carry provider
// classification where applicable.
func (p *Pipeline) execute(ctx context.Context, logger *slog.Logger, task *store.Task, imageID uuid.UUID) error {
	err := p.store.ClaimImage(ctx, &store.Image{ID: imageID, Prompt: task.Prompt, Style: task.Style})
	if err != nil {
		return fmt.Errorf("claim image: %w", err)
	}

	result, err := p.generate(ctx, task)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if len(result.Bytes) == 0 {
		return provider.NewTerminalError(errors.New("generation returned no image data"))
	}
	if err := p.store.SetImageGenerated(ctx, imageID, result.Cost); err != nil {
		return fmt.Errorf("record generation: %w", err)
	}

	variants, err := imaging.Variants(result.Bytes)
	if err != nil {
		return fmt.Errorf("derive variants: %w", err)
	}
	if err := p.uploadVariants(ctx, imageID, variants); err != nil {
		return err
	}

	analysis, err := p.tag(ctx, task, result.Bytes)
	if err != nil {
		return fmt.Errorf("tag: %w", err)
	}
	if err := p.saveAnalysis(ctx, logger, imageID, result.Bytes, analysis); err != nil {
		return err
	}

	if err := p.embed(ctx, task, imageID, analysis); err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	return nil
}

// callError distinguishes a per-call provider timeout, which is transient,
// from the task budget expiring, which surfaces as the budget context's own
// error and is terminal.
func callError(ctx context.Context, err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return provider.NewTransientError(err)
	}
	return err
}

func (p *Pipeline) generate(ctx context.Context, task *store.Task) (*provider.GenerationResult, error) {
	prompt := provider.StyledPrompt(task.Prompt, task.Style)
	master, _ := imaging.PresetByName("full_res")

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	start := time.Now()
	result, handle, err := p.generator.Generate(callCtx, prompt, master.Width, master.Height)
	cancel()
	metrics.ObserveProviderCall("generation", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, callError(ctx, err)
	}
	if result != nil {
		return result, nil
	}

	// Asynchronous adapter: poll the handle until it settles or the task
	// budget runs out.
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}

		pollCtx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
		status, err := p.generator.Poll(pollCtx, handle)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("poll generation %s: %w", handle.ID, callError(ctx, err))
		}
		switch status.State {
		case provider.PollCompleted:
			return status.Result, nil
		case provider.PollFailed:
			if status.Err != nil {
				return nil, status.Err
			}
			return nil, provider.NewTerminalError(fmt.Errorf("generation %s failed", handle.ID))
		}
	}
}

func (p *Pipeline) uploadVariants(ctx context.Context, imageID uuid.UUID, variants []imaging.Variant) error {
	rows := make([]store.ImageVariant, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range variants {
		g.Go(func() error {
			key := objectstore.VariantKey(imageID, v.Preset.Name)
			if err := p.objects.Put(gctx, key, v.Bytes, objectstore.ContentTypeJPEG); err != nil {
				return fmt.Errorf("upload %s variant: %w", v.Preset.Name, err)
			}
			rows[i] = store.ImageVariant{
				ImageID:       imageID,
				Preset:        v.Preset.Name,
				Width:         v.Preset.Width,
				Height:        v.Preset.Height,
				StoragePath:   key,
				FileSizeBytes: len(v.Bytes),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := p.store.UpsertVariants(ctx, rows); err != nil {
		return fmt.Errorf("record variants: %w", err)
	}
	return nil
}

func (p *Pipeline) tag(ctx context.Context, task *store.Task, image []byte) (*provider.Analysis, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.TaggingTimeout)
	defer cancel()
	start := time.Now()
	analysis, err := p.tagger.AnalyzeImage(callCtx, image, task.Prompt)
	metrics.ObserveProviderCall("tagging", time.Since(start).Seconds(), err)
	return analysis, callError(ctx, err)
}

func (p *Pipeline) saveAnalysis(ctx context.Context, logger *slog.Logger, imageID uuid.UUID, image []byte, analysis *provider.Analysis) error {
	tags := make([]store.ImageTag, 0, len(analysis.Tags))
	for _, tag := range analysis.Tags {
		tags = append(tags, store.ImageTag{
			ImageID:    imageID,
			Tag:        tag,
			Confidence: analysis.Confidence,
			Source:     store.TagSourceAuto,
		})
	}

	// Color extraction failure is not worth failing the whole task over.
	var colorRows []store.ImageColor
	colors, err := imaging.DominantColors(image, 5)
	if err != nil {
		logger.Warn("color extraction failed", "error", err)
	}
	for _, c := range colors {
		colorRows = append(colorRows, store.ImageColor{
			ImageID:    imageID,
			Hex:        c.Hex,
			Percentage: c.Percentage,
			IsDominant: c.Dominant,
		})
	}

	desc := store.ImageDescription{
		ImageID:        imageID,
		Description:    analysis.Description,
		VisionAnalysis: analysis.Raw,
		ModelVersion:   analysis.Model,
	}
	err = p.store.SaveTagging(ctx, imageID, tags, desc, colorRows, analysis.Confidence, analysis.Cost)
	if err != nil {
		return fmt.Errorf("record tagging: %w", err)
	}
	return nil
}

func (p *Pipeline) embed(ctx context.Context, task *store.Task, imageID uuid.UUID, analysis *provider.Analysis) error {
	input := provider.EmbeddingInput(task.Prompt, analysis.Description, analysis.Category, analysis.Tags)

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.EmbeddingTimeout)
	defer cancel()
	start := time.Now()
	vector, err := p.embedder.EmbedText(callCtx, input)
	metrics.ObserveProviderCall("embedding", time.Since(start).Seconds(), err)
	if err != nil {
		return callError(ctx, err)
	}
	if len(vector) != p.embedder.Dimensions() {
		return provider.NewTerminalError(fmt.Errorf("embedding has %d dimensions, want %d",
			len(vector), p.embedder.Dimensions()))
	}

	return p.store.SaveEmbedding(ctx, store.ImageEmbedding{
		ImageID:      imageID,
		Vector:       vector,
		Source:       input,
		ModelVersion: p.embedder.Model(),
	})
}

// handleFailure resolves a failed attempt: retryable failures within the
// retry budget reset the task and re-enqueue it; everything else records a
// terminal failure and rejects the partial image.
func (p *Pipeline) handleFailure(ctx context.Context, logger *slog.Logger, task *store.Task, imageID uuid.UUID, cause error) (*Outcome, error) {
	// Process shutdown mid-task: leave the claim for lease expiry so the
	// redelivered task can be stolen, and let the transport retry.
	if ctx.Err() != nil {
		return nil, fmt.Errorf("task interrupted: %w", cause)
	}

	classified := provider.Classify(cause)
	kind := errorKind(classified)
	// A blown task budget consumes all attempts at once, so a bare timeout
	// or cancellation is terminal no matter how many retries remain.
	// Per-call provider timeouts arrive wrapped transient and still retry.
	retryable := provider.IsTransient(classified) ||
		(!provider.IsTerminal(classified) &&
			!errors.Is(classified, context.DeadlineExceeded) &&
			!errors.Is(classified, context.Canceled))

	if retryable && task.RetryCount < p.cfg.MaxRetries {
		if _, err := p.store.ResetTaskForRetry(ctx, task.ID); err != nil {
			return nil, fmt.Errorf("reset task for retry: %w", err)
		}
		logger.Warn("task attempt failed, retrying",
			"attempt", task.RetryCount+1,
			"max_retries", p.cfg.MaxRetries,
			"error", cause)
		if p.requeue != nil {
			if err := p.requeue(ctx, task.ID, task.RetryCount+1); err != nil {
				// Task stays pending; lease-expired redelivery or a
				// manual nudge will pick it up.
				logger.Error("requeue failed", "error", err)
			}
		}
		return &Outcome{Status: StatusRetried, Kind: kind, Message: cause.Error()}, nil
	}

	job, recorded, err := p.store.FailTask(ctx, task.ID, cause.Error())
	if err != nil {
		return nil, fmt.Errorf("fail task: %w", err)
	}
	if err := p.store.RejectImage(ctx, imageID, cause.Error()); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("reject image failed", "error", err)
	}
	logger.Error("task failed",
		"recorded", recorded,
		"kind", kind,
		"attempt", task.RetryCount+1,
		"error", cause)
	return &Outcome{Status: StatusFailed, Kind: kind, Message: cause.Error(), Job: job}, nil
}

func errorKind(err error) string {
	switch {
	case provider.IsTerminal(err) || provider.IsTransient(err):
		return KindProvider
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInternal
	}
}
