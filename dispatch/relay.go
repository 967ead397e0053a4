package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"

	"github.com/glazeworks/imagegen/config"
	"github.com/glazeworks/imagegen/metrics"
)

const (
	relayConsumerName = "task-relay"
	relayFetchWait    = 5 * time.Second
	// relayAckWait must exceed the worker's task budget so a slow task is
	// not redelivered while still running.
	relayAckWait = 15 * time.Minute
)

// Relay consumes the task stream and invokes the worker endpoint over HTTP,
// bounded by the configured concurrency and rate limits. Worker responses
// decide the message fate: 2xx acks, 5xx and transport errors nak for
// redelivery, other 4xx terminates the delivery.
type Relay struct {
	queue   *JetStreamQueue
	cfg     config.QueueConfig
	secret  string
	client  *http.Client
	limiter *rate.Limiter
	sem     chan struct{}
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewRelay creates a Relay for the given queue. secret signs request bodies.
func NewRelay(queue *JetStreamQueue, cfg config.QueueConfig, secret string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		queue:   queue,
		cfg:     cfg,
		secret:  secret,
		client:  &http.Client{Timeout: relayAckWait},
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxDispatchesPerSecond), 1),
		sem:     make(chan struct{}, cfg.MaxConcurrentDispatches),
		logger:  logger,
	}
}

// Run consumes until ctx is done, then waits for in-flight dispatches.
func (r *Relay) Run(ctx context.Context) error {
	consumer, err := r.queue.js.CreateOrUpdateConsumer(ctx, r.queue.stream, jetstream.ConsumerConfig{
		Durable:       relayConsumerName,
		FilterSubject: r.queue.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       relayAckWait,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", relayConsumerName, err)
	}

	r.logger.Info("relay started",
		"stream", r.queue.stream,
		"worker_url", r.cfg.WorkerURL,
		"max_concurrent", r.cfg.MaxConcurrentDispatches,
		"max_per_second", r.cfg.MaxDispatchesPerSecond)

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return nil
		default:
		}

		// Reserve a concurrency slot and a rate token before pulling, so
		// undispatchable messages stay on the stream.
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			r.wg.Wait()
			return nil
		}
		if err := r.limiter.Wait(ctx); err != nil {
			<-r.sem
			r.wg.Wait()
			return nil
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(relayFetchWait))
		if err != nil {
			<-r.sem
			if ctx.Err() != nil {
				r.wg.Wait()
				return nil
			}
			continue
		}

		dispatched := false
		for msg := range msgs.Messages() {
			dispatched = true
			r.wg.Add(1)
			go func(m jetstream.Msg) {
				defer r.wg.Done()
				defer func() { <-r.sem }()
				r.dispatch(ctx, m)
			}(msg)
		}
		if !dispatched {
			<-r.sem
		}
	}
}

// dispatch posts one task delivery to the worker endpoint.
func (r *Relay) dispatch(ctx context.Context, msg jetstream.Msg) {
	var tm TaskMessage
	if err := json.Unmarshal(msg.Data(), &tm); err != nil {
		r.logger.Warn("malformed task message, terminating delivery", "error", err)
		metrics.RelayDispatches.WithLabelValues("malformed").Inc()
		_ = msg.Term() // Malformed data is never retryable
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.WorkerURL, bytes.NewReader(msg.Data()))
	if err != nil {
		r.logger.Error("build worker request", "task_id", tm.TaskID, "error", err)
		metrics.RelayDispatches.WithLabelValues("error").Inc()
		_ = msg.Nak()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, SignBody(r.secret, msg.Data()))

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-dispatch: redeliver after restart.
			_ = msg.Nak()
			return
		}
		r.logger.Warn("worker unreachable, will redeliver", "task_id", tm.TaskID, "error", err)
		metrics.RelayDispatches.WithLabelValues("error").Inc()
		_ = msg.Nak()
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.RelayDispatches.WithLabelValues("ok").Inc()
		if err := msg.Ack(); err != nil {
			r.logger.Warn("ack failed", "task_id", tm.TaskID, "error", err)
		}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		r.logger.Warn("worker rejected delivery, will redeliver",
			"task_id", tm.TaskID, "status", resp.StatusCode)
		metrics.RelayDispatches.WithLabelValues("retry").Inc()
		_ = msg.Nak()
	default:
		// Other 4xx: the delivery itself is bad, redelivering cannot fix it.
		r.logger.Error("worker refused delivery, terminating",
			"task_id", tm.TaskID, "status", resp.StatusCode)
		metrics.RelayDispatches.WithLabelValues("drop").Inc()
		_ = msg.Term()
	}
}
