package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/testbridge-io/testbridge/internal/api/middleware"
	"github.com/testbridge-io/testbridge/internal/webhook"
)

// handleTrackerWebhook receives inbound issue-tracker callbacks.
// POST /api/v1/webhooks/tracker
//
// The endpoint bypasses API-key authentication; authenticity is established
// by HMAC signature verification inside the processor. The response always
// reports acceptance and a reason, never processing internals:
//
//   - 200 OK {accepted:true}:  event stored (or duplicate/ignored)
//   - 401 {accepted:false}:    signature missing or invalid
//   - 400 {accepted:false}:    payload undecodable
//   - 503: event could not be persisted; the tracker should redeliver
func (s *Server) handleTrackerWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.webhooks == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Webhook processing is not configured"))

		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.logger.Error("Failed to read webhook body",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, BadRequest("Failed to read request body"))

		return
	}

	result, err := s.webhooks.Process(r.Context(), body, r.Header)
	if err != nil {
		// Storage failure: ask the tracker to redeliver.
		s.logger.Error("Webhook event could not be persisted",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Event could not be stored, please redeliver"))

		return
	}

	s.writeWebhookResult(w, correlationID, result)
}

// webhookStatusCode maps processing reasons to HTTP status codes.
func webhookStatusCode(result *webhook.Result) int {
	if result.Accepted {
		return http.StatusOK
	}

	switch result.Reason {
	case webhook.ReasonInvalidSignature, webhook.ReasonMissingSignature:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) writeWebhookResult(w http.ResponseWriter, correlationID string, result *webhook.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("Failed to marshal webhook result",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(webhookStatusCode(result))

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write webhook result",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}
