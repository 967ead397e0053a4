package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/glazeworks/imagegen/dispatch"
	"github.com/glazeworks/imagegen/store"
)

// submitJobRequest is the batch submission body.
type submitJobRequest struct {
	Prompts        []string `json:"prompts"`
	Style          string   `json:"style,omitempty"`
	CountPerPrompt int      `json:"count_per_prompt,omitempty"`
}

// jobStatusResponse is the progress projection served on /status.
// completed_at is null until the job reaches a terminal state.
type jobStatusResponse struct {
	ID             string          `json:"id"`
	Status         store.JobStatus `json:"status"`
	TotalTasks     int             `json:"total_tasks"`
	CompletedTasks int             `json:"completed_tasks"`
	FailedTasks    int             `json:"failed_tasks"`
	Progress       float64         `json:"progress_percentage"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
}

func statusResponse(job *store.Job) jobStatusResponse {
	return jobStatusResponse{
		ID:             job.ID.String(),
		Status:         job.Status,
		TotalTasks:     job.TotalTasks,
		CompletedTasks: job.CompletedTasks,
		FailedTasks:    job.FailedTasks,
		Progress:       job.Progress(),
		CreatedAt:      job.CreatedAt,
		CompletedAt:    job.CompletedAt,
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, _, err := s.dispatcher.Submit(r.Context(), dispatch.Submission{
		Prompts:        req.Prompts,
		Style:          req.Style,
		CountPerPrompt: req.CountPerPrompt,
	})
	if err != nil {
		var verr *dispatch.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Reason)
			return
		}
		s.logger.Error("submit job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusCreated, statusResponse(job))
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("load job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(job))
}

// jobDetailResponse is the full job view with per-task state.
type jobDetailResponse struct {
	jobStatusResponse
	Tasks []*store.Task `json:"tasks"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("load job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	tasks, err := s.store.ListJobTasks(r.Context(), id)
	if err != nil {
		s.logger.Error("list tasks failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load tasks")
		return
	}
	writeJSON(w, http.StatusOK, jobDetailResponse{
		jobStatusResponse: statusResponse(job),
		Tasks:             tasks,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.store.CancelJob(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrJobTerminal):
		writeError(w, http.StatusConflict, "job already finished")
	case err != nil:
		s.logger.Error("cancel job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
	default:
		s.logger.Info("job cancelled", "job_id", id)
		writeJSON(w, http.StatusOK, statusResponse(job))
	}
}
