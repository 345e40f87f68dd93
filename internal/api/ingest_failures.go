package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/testbridge-io/testbridge/internal/api/middleware"
	"github.com/testbridge-io/testbridge/internal/mapping"
)

type (
	// FailureBatchResponse is the batch ingestion response. Only failed
	// entries are itemized; accepted entries are summarized with their
	// queued operation IDs.
	FailureBatchResponse struct {
		Status        string           `json:"status"` // "success", "partial_success" or "error"
		Summary       ResponseSummary  `json:"summary"`
		Accepted      []AcceptedReport `json:"accepted"`
		FailedReports []FailedReport   `json:"failed_reports"`  //nolint: tagliatelle
		CorrelationID string           `json:"correlation_id"`  //nolint: tagliatelle
		Timestamp     string           `json:"timestamp"`
	}

	// ResponseSummary provides aggregate counts for batch processing.
	ResponseSummary struct {
		Received     int `json:"received"`
		Successful   int `json:"successful"`
		Failed       int `json:"failed"`
		Retriable    int `json:"retriable"`
		NonRetriable int `json:"non_retriable"` //nolint: tagliatelle
	}

	// AcceptedReport describes one accepted failure report.
	AcceptedReport struct {
		Index        int    `json:"index"`
		Fingerprint  string `json:"fingerprint"`
		Deduplicated bool   `json:"deduplicated"`
		// IssueKey is set when the failure attached to an existing issue.
		IssueKey string `json:"issueKey,omitempty"`
		// OperationID identifies the queued tracker operation; poll
		// GET /api/v1/operations/{id} for its outcome.
		OperationID string `json:"operationId"`
	}

	// FailedReport describes a single failed report in the batch.
	FailedReport struct {
		Index     int    `json:"index"`
		Reason    string `json:"reason"`
		Retriable bool   `json:"retriable"`
	}
)

// handleFailureReports handles producer failure ingestion.
// POST /api/v1/failures - Report a batch of test failures
//
// Request validation (returns 4xx):
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body, invalid JSON, or empty failure array
//
// Success responses:
//   - 200 OK: All failures accepted (new issues queued or deduplicated)
//   - 207 Multi-Status: Partial success (some accepted, some failed)
//   - 422 Unprocessable Entity: All failures rejected
func (s *Server) handleFailureReports(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.failures == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Failure ingestion is not configured"))

		return
	}

	// Content-Type validation
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	failures, problem := s.parseFailureRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	response := s.reportFailures(r.Context(), correlationID, failures)

	statusCode := s.sendFailureResponse(w, r, response)

	duration := time.Since(startTime)
	s.logger.Info("Failure reports processed",
		slog.String("correlation_id", correlationID),
		slog.String("status", response.Status),
		slog.Int("received", response.Summary.Received),
		slog.Int("successful", response.Summary.Successful),
		slog.Int("failed", response.Summary.Failed),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
	)
}

// parseFailureRequest parses and validates the HTTP request body.
// Returns parsed failures or a ProblemDetail if parsing fails.
func (s *Server) parseFailureRequest(r *http.Request) ([]mapping.Failure, *ProblemDetail) {
	// Request size check (optimization: fail fast for known oversized requests)
	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	// Empty body check (better UX: specific error message)
	if r.ContentLength == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	var failures []mapping.Failure

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&failures); err != nil {
		return nil, BadRequest("Invalid JSON: " + err.Error())
	}

	if len(failures) == 0 {
		return nil, BadRequest("Failure array cannot be empty")
	}

	return failures, nil
}

// reportFailures runs each report through the mapping service and builds the
// batch response. Validation failures are non-retriable; storage or queue
// errors are retriable.
func (s *Server) reportFailures(
	ctx context.Context,
	correlationID string,
	failures []mapping.Failure,
) *FailureBatchResponse {
	var (
		accepted      []AcceptedReport
		failedReports []FailedReport
		retriable     int
		nonRetriable  int
	)

	for i := range failures {
		failure := &failures[i]

		if err := failure.Validate(); err != nil {
			failedReports = append(failedReports, FailedReport{
				Index:     i,
				Reason:    err.Error(),
				Retriable: false,
			})
			nonRetriable++

			s.logger.Warn("Failure report validation failed",
				slog.String("correlation_id", correlationID),
				slog.Int("report_index", i),
				slog.String("reason", err.Error()),
			)

			continue
		}

		result, err := s.failures.ReportFailure(ctx, failure, correlationID)
		if err != nil {
			failedReports = append(failedReports, FailedReport{
				Index:     i,
				Reason:    err.Error(),
				Retriable: true,
			})
			retriable++

			s.logger.Error("Failure report processing failed",
				slog.String("correlation_id", correlationID),
				slog.Int("report_index", i),
				slog.String("error", err.Error()),
			)

			continue
		}

		report := AcceptedReport{
			Index:        i,
			Fingerprint:  result.Fingerprint,
			Deduplicated: result.Deduplicated,
			OperationID:  result.Operation.ID,
		}
		if result.Mapping != nil {
			report.IssueKey = result.Mapping.ExternalIssueKey
		}

		accepted = append(accepted, report)
	}

	status := "success"
	if len(failedReports) > 0 && len(accepted) == 0 {
		status = "error"
	}

	if accepted == nil {
		accepted = []AcceptedReport{}
	}

	if failedReports == nil {
		failedReports = []FailedReport{}
	}

	return &FailureBatchResponse{
		Status: status,
		Summary: ResponseSummary{
			Received:     len(failures),
			Successful:   len(accepted),
			Failed:       len(failedReports),
			Retriable:    retriable,
			NonRetriable: nonRetriable,
		},
		Accepted:      accepted,
		FailedReports: failedReports,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

// determineFailureStatusCode determines the HTTP status code for the batch.
//
// Status code logic:
//   - 200 OK: All reports accepted
//   - 207 Multi-Status: Partial success (some accepted, some failed)
//   - 422 Unprocessable Entity: All reports failed
func determineFailureStatusCode(response *FailureBatchResponse) int {
	if response.Summary.Failed == 0 {
		return http.StatusOK
	} else if response.Summary.Successful > 0 {
		response.Status = "partial_success"

		return http.StatusMultiStatus
	}

	return http.StatusUnprocessableEntity
}

// sendFailureResponse marshals and sends the batch response to the client.
// Returns the HTTP status code for logging purposes.
func (s *Server) sendFailureResponse(
	w http.ResponseWriter,
	r *http.Request,
	response *FailureBatchResponse,
) int {
	statusCode := determineFailureStatusCode(response)

	// Marshal response (fail fast before headers)
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to marshal failure batch response",
			slog.String("correlation_id", response.CorrelationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write failure batch response",
			slog.String("correlation_id", response.CorrelationID),
			slog.String("error", err.Error()),
		)
	}

	return statusCode
}
