package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glazeworks/imagegen/config"
	"github.com/glazeworks/imagegen/objectstore"
	"github.com/glazeworks/imagegen/provider"
	"github.com/glazeworks/imagegen/provider/providertest"
	"github.com/glazeworks/imagegen/store"
	"github.com/glazeworks/imagegen/store/storetest"
)

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testCfg() config.PipelineConfig {
	return config.PipelineConfig{
		MaxRetries:        3,
		WorkerConcurrency: 2,
		TaskBudget:        30 * time.Second,
		GenerationTimeout: 5 * time.Second,
		TaggingTimeout:    5 * time.Second,
		EmbeddingTimeout:  5 * time.Second,
		ClaimLease:        time.Minute,
		ShutdownGrace:     time.Second,
	}
}

type fixture struct {
	mem      *storetest.Memory
	objects  objectstore.Store
	gen      *providertest.Generator
	tagger   *providertest.Tagger
	embedder *providertest.Embedder
	pipe     *Pipeline
}

func newFixture(t *testing.T, cfg config.PipelineConfig, opts ...Option) *fixture {
	t.Helper()
	objects, err := objectstore.NewFS(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		mem:      storetest.New(),
		objects:  objects,
		gen:      &providertest.Generator{Image: testImage(t)},
		tagger:   &providertest.Tagger{Tags: []string{"cookie", "chocolate"}},
		embedder: &providertest.Embedder{},
	}
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	f.pipe = New(f.mem, objects, f.gen, f.tagger, f.embedder, cfg, opts...)
	return f
}

// seedJob creates a job with one pending task per prompt.
func seedJob(t *testing.T, mem *storetest.Memory, prompts ...string) (*store.Job, []*store.Task) {
	t.Helper()
	job := &store.Job{ID: uuid.New(), Status: store.JobPending, TotalTasks: len(prompts)}
	tasks := make([]*store.Task, 0, len(prompts))
	for _, prompt := range prompts {
		tasks = append(tasks, &store.Task{
			ID:     uuid.New(),
			JobID:  job.ID,
			Prompt: prompt,
			Style:  store.DefaultStyle,
			Status: store.TaskPending,
		})
	}
	require.NoError(t, mem.CreateJobWithTasks(context.Background(), job, tasks))
	return job, tasks
}

func TestRunBatchSuccess(t *testing.T) {
	f := newFixture(t, testCfg())
	job, tasks := seedJob(t, f.mem, "chocolate chip cookies", "sourdough bread")

	for _, task := range tasks {
		outcome, err := f.pipe.Run(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, outcome.Status)
		require.NotNil(t, outcome.ImageID)
		assert.Equal(t, store.ImageIDForTask(task.ID), *outcome.ImageID)
	}

	got, err := f.mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedTasks)
	assert.Equal(t, 0, got.FailedTasks)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 100.0, got.Progress())

	assert.Equal(t, 2, f.mem.ImageCount())
	assert.Equal(t, 10, f.mem.VariantCount(), "five variants per image")
	assert.Equal(t, 2, f.mem.EmbeddingCount())

	for _, task := range tasks {
		img, err := f.mem.GetImage(context.Background(), store.ImageIDForTask(task.ID))
		require.NoError(t, err)
		assert.Equal(t, store.ImageReady, img.Status)
		assert.True(t, img.AutoTagged)
	}
}

func TestRunVariantDimensions(t *testing.T) {
	f := newFixture(t, testCfg())
	_, tasks := seedJob(t, f.mem, "lemon tart")

	_, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)

	imageID := store.ImageIDForTask(tasks[0].ID)
	variants := f.mem.VariantsFor(imageID)
	require.Len(t, variants, 5)
	byPreset := map[string][2]int{}
	for _, v := range variants {
		byPreset[v.Preset] = [2]int{v.Width, v.Height}
		assert.Equal(t, objectstore.VariantKey(imageID, v.Preset), v.StoragePath)
		assert.Greater(t, v.FileSizeBytes, 0)
	}
	assert.Equal(t, [2]int{150, 150}, byPreset["thumbnail"])
	assert.Equal(t, [2]int{400, 300}, byPreset["product_card"])
	assert.Equal(t, [2]int{800, 600}, byPreset["full_product"])
	assert.Equal(t, [2]int{1920, 600}, byPreset["hero_image"])
	assert.Equal(t, [2]int{2048, 2048}, byPreset["full_res"])
}

func TestRunTerminalFailure(t *testing.T) {
	f := newFixture(t, testCfg())
	f.tagger.Errs = []error{provider.NewTerminalError(errors.New("content policy violation"))}
	job, tasks := seedJob(t, f.mem, "a cake")

	outcome, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, KindProvider, outcome.Kind)
	assert.Contains(t, outcome.Message, "content policy violation")

	got, err := f.mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status)
	assert.Equal(t, 0, got.CompletedTasks)
	assert.Equal(t, 1, got.FailedTasks)

	img, err := f.mem.GetImage(context.Background(), store.ImageIDForTask(tasks[0].ID))
	require.NoError(t, err)
	assert.Equal(t, store.ImageRejected, img.Status)
	assert.Equal(t, 0, f.mem.EmbeddingCount())
}

func TestRunTransientRetryThenSuccess(t *testing.T) {
	var requeued []uuid.UUID
	f := newFixture(t, testCfg(), WithRequeue(func(ctx context.Context, taskID uuid.UUID, retryCount int) error {
		requeued = append(requeued, taskID)
		return nil
	}))
	f.gen.Errs = []error{
		provider.NewTransientError(errors.New("rate limited")),
		provider.NewTransientError(errors.New("rate limited")),
	}
	job, tasks := seedJob(t, f.mem, "banana bread")

	// First two attempts fail retryably, the third succeeds.
	for i := 0; i < 2; i++ {
		outcome, err := f.pipe.Run(context.Background(), tasks[0].ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRetried, outcome.Status)
	}
	outcome, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)

	task, err := f.mem.GetTask(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Len(t, requeued, 2)

	got, err := f.mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedTasks)
	assert.Equal(t, 1, f.mem.ImageCount(), "retries converge on one image")
}

func TestRunNoRetriesConfigured(t *testing.T) {
	cfg := testCfg()
	cfg.MaxRetries = 0
	f := newFixture(t, cfg)
	f.gen.Errs = []error{provider.NewTransientError(errors.New("rate limited"))}
	job, tasks := seedJob(t, f.mem, "a pie")

	outcome, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)

	got, err := f.mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status)
	assert.Equal(t, 1, got.FailedTasks)
}

func TestRunBudgetTimeout(t *testing.T) {
	cfg := testCfg()
	cfg.TaskBudget = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.gen.Latency = 500 * time.Millisecond
	_, tasks := seedJob(t, f.mem, "slow scones")

	// Retries remain, but a blown budget is terminal anyway.
	outcome, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, KindTimeout, outcome.Kind)
	assert.Equal(t, 1, f.gen.Calls())
}

func TestRunBudgetSharedAcrossAttempts(t *testing.T) {
	cfg := testCfg()
	cfg.TaskBudget = 300 * time.Millisecond
	f := newFixture(t, cfg)
	f.gen.Latency = 200 * time.Millisecond
	f.gen.Errs = []error{provider.NewTransientError(errors.New("rate limited"))}
	_, tasks := seedJob(t, f.mem, "cookies")

	outcome, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusRetried, outcome.Status)

	// The retry inherits the remaining budget rather than a fresh one, so it
	// times out even though the attempt alone would fit.
	outcome, err = f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, KindTimeout, outcome.Kind)

	task, err := f.mem.GetTask(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
}

func TestRunProviderCallTimeoutRetries(t *testing.T) {
	cfg := testCfg()
	cfg.MaxRetries = 1
	cfg.GenerationTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.gen.Latency = 200 * time.Millisecond
	_, tasks := seedJob(t, f.mem, "slow scones")

	// Exceeding the per-call timeout is a transient provider failure, not a
	// blown budget.
	outcome, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetried, outcome.Status)
	assert.Equal(t, KindProvider, outcome.Kind)

	outcome, err = f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, KindProvider, outcome.Kind)
	assert.Equal(t, 2, f.gen.Calls())
}

func TestRunCancelledJob(t *testing.T) {
	f := newFixture(t, testCfg())
	job, tasks := seedJob(t, f.mem, "muffins", "muffins")

	// Cancelling fails both pending tasks up front, so the run sees an
	// already-terminal task and replays its failure.
	_, err := f.mem.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)

	outcome, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, 0, f.gen.Calls(), "no provider work after cancellation")

	got, err := f.mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, got.Status)
	assert.Equal(t, 2, got.FailedTasks)
}

func TestRunCancelledJobWithPendingTask(t *testing.T) {
	f := newFixture(t, testCfg())
	job, _ := seedJob(t, f.mem, "muffins")

	_, err := f.mem.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)

	// A task the cancel sweep missed (still pending) fails without any
	// provider work once a worker picks it up.
	late := &store.Task{ID: uuid.New(), JobID: job.ID, Prompt: "late", Style: store.DefaultStyle, Status: store.TaskPending}
	require.NoError(t, f.mem.CreateJobWithTasks(context.Background(),
		&store.Job{ID: uuid.New(), Status: store.JobPending}, []*store.Task{late}))

	outcome, err := f.pipe.Run(context.Background(), late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, KindCancelled, outcome.Kind)
	assert.Equal(t, 0, f.gen.Calls())
}

func TestRunReplayedDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t, testCfg())
	job, tasks := seedJob(t, f.mem, "bagels")

	outcome, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status)
	require.Equal(t, 1, f.gen.Calls())

	// Second delivery of the same task: no work, no double count.
	outcome, err = f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, store.ImageIDForTask(tasks[0].ID), *outcome.ImageID)
	assert.Equal(t, 1, f.gen.Calls())

	got, err := f.mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompletedTasks)
	assert.Equal(t, store.JobCompleted, got.Status)
}

func TestRunFreshClaimSkips(t *testing.T) {
	f := newFixture(t, testCfg())
	_, tasks := seedJob(t, f.mem, "focaccia")

	_, err := f.mem.ClaimTask(context.Background(), tasks[0].ID, time.Minute)
	require.NoError(t, err)

	outcome, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, outcome.Status)
	assert.Equal(t, 0, f.gen.Calls())
}

func TestRunConvergesAfterCrashMidUpload(t *testing.T) {
	cfg := testCfg()
	cfg.ClaimLease = 20 * time.Millisecond
	f := newFixture(t, cfg)
	job, tasks := seedJob(t, f.mem, "cinnamon rolls")
	ctx := context.Background()
	imageID := store.ImageIDForTask(tasks[0].ID)

	// A worker died mid-task: the claim is held, the image row exists and
	// part of the variant set is already uploaded.
	_, err := f.mem.ClaimTask(ctx, tasks[0].ID, cfg.ClaimLease)
	require.NoError(t, err)
	require.NoError(t, f.mem.ClaimImage(ctx, &store.Image{ID: imageID, Prompt: tasks[0].Prompt, Style: tasks[0].Style}))
	staleKey := objectstore.VariantKey(imageID, "thumbnail")
	require.NoError(t, f.objects.Put(ctx, staleKey, []byte("half-written"), objectstore.ContentTypeJPEG))

	// Redelivery while the claim is still fresh is refused.
	outcome, err := f.pipe.Run(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, outcome.Status)
	assert.Equal(t, 0, f.gen.Calls())

	// Once the lease expires the claim is stolen and the task runs through.
	time.Sleep(3 * cfg.ClaimLease)
	outcome, err = f.pipe.Run(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status)

	// One image, the full variant set at the original paths, one counter
	// increment.
	assert.Equal(t, 1, f.mem.ImageCount())
	variants := f.mem.VariantsFor(imageID)
	require.Len(t, variants, 5)
	for _, v := range variants {
		assert.Equal(t, objectstore.VariantKey(imageID, v.Preset), v.StoragePath)
	}
	img, err := f.mem.GetImage(ctx, imageID)
	require.NoError(t, err)
	assert.Equal(t, store.ImageReady, img.Status)

	got, err := f.mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedTasks)

	data, err := f.objects.Get(ctx, staleKey)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("half-written"), data, "partial upload overwritten in place")
	assert.Equal(t, 1, f.gen.Calls())
}

func TestRunAsyncGeneration(t *testing.T) {
	f := newFixture(t, testCfg())
	f.gen.Async = true
	f.gen.AsyncPolls = 3
	job, tasks := seedJob(t, f.mem, "eclairs")

	outcome, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)

	got, err := f.mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)
}

func TestRunZeroTagsStillReady(t *testing.T) {
	f := newFixture(t, testCfg())
	f.tagger.Tags = nil
	_, tasks := seedJob(t, f.mem, "plain crackers")

	outcome, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)

	img, err := f.mem.GetImage(context.Background(), store.ImageIDForTask(tasks[0].ID))
	require.NoError(t, err)
	assert.Equal(t, store.ImageReady, img.Status)
}

func TestRunEmbeddingInputShape(t *testing.T) {
	f := newFixture(t, testCfg())
	f.tagger.Tags = []string{"walnut", "brownie"}
	f.tagger.Description = "a rich walnut brownie"
	f.tagger.Category = "baked_goods"
	_, tasks := seedJob(t, f.mem, "walnut brownies")

	_, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)

	inputs := f.embedder.Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t,
		"Image: walnut brownies Description: a rich walnut brownie Category: baked_goods Tags: brownie, walnut",
		inputs[0])

	emb, ok := f.mem.EmbeddingFor(store.ImageIDForTask(tasks[0].ID))
	require.True(t, ok)
	assert.Len(t, emb.Vector, 1536)
	assert.Equal(t, inputs[0], emb.Source)
}

func TestRunMixedOutcomes(t *testing.T) {
	cfg := testCfg()
	cfg.MaxRetries = 0
	f := newFixture(t, cfg)
	f.gen.Errs = []error{nil, provider.NewTerminalError(errors.New("invalid prompt"))}
	job, tasks := seedJob(t, f.mem, "good", "bad")

	first, err := f.pipe.Run(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)

	second, err := f.pipe.Run(context.Background(), tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, second.Status)

	got, err := f.mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status, "any task failure fails the job")
	assert.Equal(t, 1, got.CompletedTasks)
	assert.Equal(t, 1, got.FailedTasks)
	assert.Equal(t, 100.0, got.Progress())
}
