// Package server exposes the admin HTTP API: batch submission, job status
// and cancellation, the worker callback endpoint, and the image review
// surface.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glazeworks/imagegen/dispatch"
	"github.com/glazeworks/imagegen/objectstore"
	"github.com/glazeworks/imagegen/pipeline"
	"github.com/glazeworks/imagegen/store"
)

// Store is the persistence surface the HTTP layer needs.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
	ListJobTasks(ctx context.Context, jobID uuid.UUID) ([]*store.Task, error)
	CancelJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
	GetImage(ctx context.Context, id uuid.UUID) (*store.Image, error)
	ListReviewQueue(ctx context.Context, limit int) ([]*store.ImageReview, error)
	ApproveImage(ctx context.Context, id uuid.UUID, overrideTags []string) error
	DeleteImage(ctx context.Context, id uuid.UUID) error
	GetStats(ctx context.Context) (*store.Stats, error)
}

// Server wires the HTTP handlers to the dispatcher, pipeline and store.
type Server struct {
	store      Store
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline
	objects    objectstore.Store
	secret     string
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithWebhookSecret enables the worker callback endpoint with the given
// shared secret. Without one, the endpoint rejects all requests.
func WithWebhookSecret(secret string) Option {
	return func(s *Server) {
		s.secret = secret
	}
}

// New creates a Server.
func New(st Store, d *dispatch.Dispatcher, p *pipeline.Pipeline, objects objectstore.Store, opts ...Option) *Server {
	s := &Server{
		store:      st,
		dispatcher: d,
		pipeline:   p,
		objects:    objects,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /admin/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /admin/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /admin/jobs/{id}/status", s.handleJobStatus)
	mux.HandleFunc("POST /admin/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /admin/worker/process-task", s.handleProcessTask)
	mux.HandleFunc("POST /admin/images/generate", s.handleGenerateImage)
	mux.HandleFunc("GET /admin/images/review", s.handleReviewQueue)
	mux.HandleFunc("POST /admin/images/{id}/approve", s.handleApproveImage)
	mux.HandleFunc("DELETE /admin/images/{id}", s.handleDeleteImage)
	mux.HandleFunc("GET /admin/stats", s.handleStats)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.logRequests(mux)
}

// logRequests is the access-log middleware.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pathID parses the {id} path value as a UUID.
func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	return id, err == nil
}
