package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glazeworks/imagegen/pipeline"
)

// ErrPoolStopped is returned by Enqueue after shutdown has begun.
var ErrPoolStopped = errors.New("worker pool stopped")

// Pool is the in-process execution transport: an unbounded task queue drained
// by a fixed number of workers. Enqueue never blocks on task execution.
type Pool struct {
	pipeline    *pipeline.Pipeline
	concurrency int
	grace       time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []uuid.UUID
	closed bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a Pool with the given worker count. grace bounds how long
// Stop waits for in-flight tasks before cancelling them.
func NewPool(p *pipeline.Pipeline, concurrency int, grace time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	pool := &Pool{
		pipeline:    p,
		concurrency: concurrency,
		grace:       grace,
		logger:      logger,
	}
	pool.cond = sync.NewCond(&pool.mu)
	return pool
}

// Start launches the workers. The pool keeps running after ctx is done only
// for the Stop grace period.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.work(runCtx, worker)
		}(i)
	}
	p.logger.Info("worker pool started", "workers", p.concurrency)
}

// Enqueue adds a task to the queue. Implements Queue.
func (p *Pool) Enqueue(ctx context.Context, taskID uuid.UUID, retryCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolStopped
	}
	p.queue = append(p.queue, taskID)
	p.cond.Signal()
	return nil
}

// Requeue adapts Enqueue to the pipeline's retry hook.
func (p *Pool) Requeue(ctx context.Context, taskID uuid.UUID, retryCount int) error {
	return p.Enqueue(ctx, taskID, retryCount)
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		taskID, ok := p.next()
		if !ok {
			return
		}
		outcome, err := p.pipeline.Run(ctx, taskID)
		if err != nil {
			// The task claim expires via its lease; a future delivery
			// (or restart re-enqueue) picks it back up.
			p.logger.Error("task run failed", "worker", worker, "task_id", taskID, "error", err)
			continue
		}
		p.logger.Debug("task run finished",
			"worker", worker, "task_id", taskID, "outcome", outcome.Status)
	}
}

// next blocks until a task is available or the pool closes with an empty
// queue.
func (p *Pool) next() (uuid.UUID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return uuid.UUID{}, false
	}
	taskID := p.queue[0]
	p.queue = p.queue[1:]
	return taskID, true
}

// Stop drains the pool: no new tasks are accepted, workers finish what they
// hold (and whatever is still queued) within the grace period, then the rest
// is cancelled. Cancelled tasks are recovered later through claim-lease
// expiry.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closed = true
	pending := len(p.queue)
	p.mu.Unlock()
	p.cond.Broadcast()

	p.logger.Info("worker pool stopping", "queued", pending, "grace", p.grace)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.grace):
		p.logger.Warn("grace period elapsed, cancelling in-flight tasks")
		p.cancel()
		<-done
	}
	p.logger.Info("worker pool stopped")
}
