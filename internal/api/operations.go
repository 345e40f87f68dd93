package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/testbridge-io/testbridge/internal/api/middleware"
	"github.com/testbridge-io/testbridge/internal/queue"
)

// handleGetOperation returns the full state of a queued operation.
// GET /api/v1/operations/{id}
//
// Producers poll this endpoint to observe the outcome of asynchronously
// queued tracker work: status, attempt count, last error, and result.
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	if s.operations == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Operation queue is not configured"))

		return
	}

	id := r.PathValue("id")
	if id == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Operation ID is required"))

		return
	}

	op, err := s.operations.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrOperationNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("No operation with ID "+id))

			return
		}

		s.logger.Error("Failed to load operation",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("operation_id", id),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load operation"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, op)
}

// handleCancelOperation requests cancellation of a queued operation.
// DELETE /api/v1/operations/{id}
//
// Pending operations cancel immediately; in-flight operations are flagged
// and resolve to cancelled at their terminal write. A 409 means the
// operation already reached a terminal state.
func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	if s.operations == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Operation queue is not configured"))

		return
	}

	id := r.PathValue("id")
	if id == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Operation ID is required"))

		return
	}

	cancelled, err := s.operations.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrOperationNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("No operation with ID "+id))

			return
		}

		s.logger.Error("Failed to cancel operation",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("operation_id", id),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to cancel operation"))

		return
	}

	if !cancelled {
		WriteErrorResponse(w, r, s.logger, Conflict("Operation already reached a terminal state"))

		return
	}

	s.writeJSON(w, r, http.StatusAccepted, map[string]any{
		"id":        id,
		"cancelled": true,
	})
}

// handleOperationStats returns per-status queue depth counts.
// GET /api/v1/operations/stats
func (s *Server) handleOperationStats(w http.ResponseWriter, r *http.Request) {
	if s.operations == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Operation queue is not configured"))

		return
	}

	stats, err := s.operations.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to load operation stats",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load operation stats"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, stats)
}

// writeJSON marshals payload and writes it with the given status code.
// Marshaling happens before headers so failures can still produce an RFC
// 7807 response.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}
