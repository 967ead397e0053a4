package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/glazeworks/imagegen/dispatch"
	"github.com/glazeworks/imagegen/store"
)

// maxWorkerBody bounds the worker callback request body.
const maxWorkerBody = 1 << 20

// handleProcessTask is the worker callback: the queue relay posts one task
// delivery here and the task runs to an outcome before the response is
// written. Any 2xx means the delivery is settled; 5xx asks for redelivery.
func (s *Server) handleProcessTask(w http.ResponseWriter, r *http.Request) {
	if s.secret == "" {
		writeError(w, http.StatusUnauthorized, "worker endpoint disabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWorkerBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !dispatch.VerifySignature(s.secret, body, r.Header.Get(dispatch.SignatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var msg dispatch.TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid task message")
		return
	}

	outcome, err := s.pipeline.Run(r.Context(), msg.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		// The task id is unknown; redelivery cannot fix that.
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("task run failed", "task_id", msg.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "task run failed")
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}
