package dispatch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glazeworks/imagegen/config"
	"github.com/glazeworks/imagegen/objectstore"
	"github.com/glazeworks/imagegen/pipeline"
	"github.com/glazeworks/imagegen/provider"
	"github.com/glazeworks/imagegen/provider/providertest"
	"github.com/glazeworks/imagegen/store"
	"github.com/glazeworks/imagegen/store/storetest"
)

func poolTestImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 90, G: 160, B: 220, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newPoolFixture(t *testing.T, workers int) (*storetest.Memory, *providertest.Generator, *Pool) {
	t.Helper()
	objects, err := objectstore.NewFS(t.TempDir())
	require.NoError(t, err)

	mem := storetest.New()
	gen := &providertest.Generator{Image: poolTestImage(t)}
	cfg := config.PipelineConfig{
		MaxRetries:        3,
		WorkerConcurrency: workers,
		TaskBudget:        30 * time.Second,
		GenerationTimeout: 5 * time.Second,
		TaggingTimeout:    5 * time.Second,
		EmbeddingTimeout:  5 * time.Second,
		ClaimLease:        time.Minute,
		ShutdownGrace:     5 * time.Second,
	}
	pipe := pipeline.New(mem, objects, gen, &providertest.Tagger{Tags: []string{"test"}}, &providertest.Embedder{}, cfg)
	pool := NewPool(pipe, workers, cfg.ShutdownGrace, nil)
	pipe.SetRequeue(pool.Requeue)
	return mem, gen, pool
}

func seedPoolJob(t *testing.T, mem *storetest.Memory, n int) (*store.Job, []*store.Task) {
	t.Helper()
	job := &store.Job{ID: uuid.New(), Status: store.JobPending, TotalTasks: n}
	var tasks []*store.Task
	for i := 0; i < n; i++ {
		tasks = append(tasks, &store.Task{
			ID: uuid.New(), JobID: job.ID, Prompt: "prompt", Style: store.DefaultStyle, Status: store.TaskPending,
		})
	}
	require.NoError(t, mem.CreateJobWithTasks(context.Background(), job, tasks))
	return job, tasks
}

func waitForJob(t *testing.T, mem *storetest.Memory, jobID uuid.UUID, want store.JobStatus) *store.Job {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		job, err := mem.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return nil
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const workers = 2
	mem, gen, pool := newPoolFixture(t, workers)

	var current, peak atomic.Int32
	gen.OnStarted(func() {
		cur := current.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		current.Add(-1)
	})

	job, tasks := seedPoolJob(t, mem, 10)
	pool.Start(context.Background())
	defer pool.Stop()

	for _, task := range tasks {
		require.NoError(t, pool.Enqueue(context.Background(), task.ID, 0))
	}

	got := waitForJob(t, mem, job.ID, store.JobCompleted)
	assert.Equal(t, 10, got.CompletedTasks)
	assert.LessOrEqual(t, peak.Load(), int32(workers), "never more than %d tasks in flight", workers)
	assert.Equal(t, 10, gen.Calls())
}

func TestPoolStopDrainsQueue(t *testing.T) {
	mem, _, pool := newPoolFixture(t, 2)
	job, tasks := seedPoolJob(t, mem, 4)

	pool.Start(context.Background())
	for _, task := range tasks {
		require.NoError(t, pool.Enqueue(context.Background(), task.ID, 0))
	}
	pool.Stop()

	got, err := mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status, "queued tasks finish within the grace period")

	err = pool.Enqueue(context.Background(), uuid.New(), 0)
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestPoolRetriesThroughRequeue(t *testing.T) {
	mem, gen, pool := newPoolFixture(t, 1)
	gen.Errs = []error{
		provider.NewTransientError(errors.New("rate limited")),
		provider.NewTransientError(errors.New("rate limited")),
	}
	job, tasks := seedPoolJob(t, mem, 1)

	pool.Start(context.Background())
	defer pool.Stop()
	require.NoError(t, pool.Enqueue(context.Background(), tasks[0].ID, 0))

	got := waitForJob(t, mem, job.ID, store.JobCompleted)
	assert.Equal(t, 1, got.CompletedTasks)

	task, err := mem.GetTask(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, 3, gen.Calls())
}
