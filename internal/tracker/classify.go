package tracker

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Port error codes recognized by the retry classifier.
const (
	// CodeNetworkError marks a failure to reach the tracker at all.
	CodeNetworkError = "NETWORK_ERROR"

	// CodeConnReset marks a connection reset mid-request.
	CodeConnReset = "ECONNRESET"

	// CodeRateLimited marks a port-level rate-limit signal that carries no
	// HTTP status (e.g. a client-side limiter).
	CodeRateLimited = "RATE_LIMITED"
)

// Error is the structured error surfaced by Port implementations.
//
// Status carries the HTTP status code when the tracker responded; zero means
// the request never completed. Headers retains response headers relevant to
// classification (Retry-After in particular).
type Error struct {
	Status  int
	Code    string
	Message string
	Headers map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return "tracker: " + e.Code + ": " + e.Message
	}

	return "tracker: " + e.Message
}

// IsRateLimit reports whether err is a rate-limit signal.
//
// Rate-limit detection is noisy by nature; the matcher is deliberately broad:
// HTTP 429, the RATE_LIMITED port code, or a case-insensitive "rate limit"
// substring in the message. Classification order at the call site must be
// rate-limit → retryable → fatal, because a 429 also looks non-retryable to
// IsRetryable.
func IsRateLimit(err error) bool {
	var trackerErr *Error
	if errors.As(err, &trackerErr) {
		if trackerErr.Status == http.StatusTooManyRequests {
			return true
		}

		if trackerErr.Code == CodeRateLimited {
			return true
		}
	}

	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

// IsRetryable reports whether err is a transient failure worth re-dispatching
// under backoff: network-level errors or a 5xx response.
func IsRetryable(err error) bool {
	var trackerErr *Error
	if !errors.As(err, &trackerErr) {
		// Unstructured errors from the transport layer (timeouts, DNS) are
		// treated as network failures.
		return true
	}

	switch trackerErr.Code {
	case CodeNetworkError, CodeConnReset:
		return true
	}

	return trackerErr.Status >= http.StatusInternalServerError && trackerErr.Status < 600
}

// RetryAfter extracts the cool-off duration from a rate-limit error.
//
// It reads the Retry-After header (delay-seconds form) from the structured
// error; a missing header, a missing structured error, or a non-numeric value
// all fall back to the supplied default. The HTTP-date form of Retry-After is
// not supported: the tracker integrations we target emit delay-seconds only.
func RetryAfter(err error, fallback time.Duration) time.Duration {
	var trackerErr *Error
	if !errors.As(err, &trackerErr) {
		return fallback
	}

	raw, ok := trackerErr.Headers["Retry-After"]
	if !ok || raw == "" {
		return fallback
	}

	seconds, parseErr := strconv.Atoi(strings.TrimSpace(raw))
	if parseErr != nil || seconds < 0 {
		return fallback
	}

	return time.Duration(seconds) * time.Second
}
