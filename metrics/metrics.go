// Package metrics defines the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "imagegen"

var (
	// JobsSubmitted counts accepted batch submissions.
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "Number of accepted batch generation jobs.",
	})

	// TasksEnqueued counts tasks handed to the queue, by queue mode.
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_enqueued_total",
		Help:      "Number of tasks enqueued for execution.",
	}, []string{"mode"})

	// TaskOutcomes counts pipeline runs by outcome.
	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_outcomes_total",
		Help:      "Number of pipeline runs by outcome.",
	}, []string{"outcome"})

	// TaskDuration observes wall-clock time per pipeline run.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Wall-clock duration of pipeline runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// ProviderCalls counts provider calls by stage and result.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_calls_total",
		Help:      "Number of provider calls by stage and result.",
	}, []string{"stage", "result"})

	// ProviderLatency observes provider call latency by stage.
	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_latency_seconds",
		Help:      "Latency of provider calls by stage.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})

	// RelayDispatches counts worker-endpoint dispatches by result.
	RelayDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_dispatches_total",
		Help:      "Number of relay dispatches to the worker endpoint by result.",
	}, []string{"result"})
)

// ObserveProviderCall records one provider call.
func ObserveProviderCall(stage string, seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ProviderCalls.WithLabelValues(stage, result).Inc()
	ProviderLatency.WithLabelValues(stage).Observe(seconds)
}
