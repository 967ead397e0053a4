package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/glazeworks/imagegen/dispatch"
	"github.com/glazeworks/imagegen/objectstore"
	"github.com/glazeworks/imagegen/store"
)

// generateImageRequest asks for a single image outside a batch.
type generateImageRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
}

// handleGenerateImage submits a single-prompt job. The image shows up in the
// review queue once its task completes.
func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	var req generateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, tasks, err := s.dispatcher.Submit(r.Context(), dispatch.Submission{
		Prompts: []string{req.Prompt},
		Style:   req.Style,
	})
	if err != nil {
		var verr *dispatch.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Reason)
			return
		}
		s.logger.Error("generate image failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	taskID := tasks[0].ID
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":   job.ID.String(),
		"task_id":  taskID.String(),
		"image_id": store.ImageIDForTask(taskID).String(),
	})
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	reviews, err := s.store.ListReviewQueue(r.Context(), limit)
	if err != nil {
		s.logger.Error("list review queue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load review queue")
		return
	}
	if reviews == nil {
		reviews = []*store.ImageReview{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": reviews, "count": len(reviews)})
}

// approveImageRequest optionally replaces the auto tags on approval.
type approveImageRequest struct {
	Tags []string `json:"tags,omitempty"`
}

func (s *Server) handleApproveImage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid image id")
		return
	}

	var req approveImageRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	err := s.store.ApproveImage(r.Context(), id, req.Tags)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	if err != nil {
		s.logger.Error("approve image failed", "image_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to approve image")
		return
	}
	s.logger.Info("image approved", "image_id", id, "manual_tags", len(req.Tags))
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// handleDeleteImage removes the image rows and every stored variant.
func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid image id")
		return
	}

	err := s.store.DeleteImage(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	if err != nil {
		s.logger.Error("delete image failed", "image_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete image")
		return
	}
	if err := s.objects.DeletePrefix(r.Context(), objectstore.ImagePrefix(id)); err != nil {
		// The rows are gone; orphaned objects are only a storage leak.
		s.logger.Warn("delete stored variants failed", "image_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("load stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
