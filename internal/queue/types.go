// Package queue implements the durable operation queue that drives all
// outbound issue-tracker work and scheduled suite runs.
//
// Producers enqueue operations; the coordinator claims eligible rows under a
// lease, dispatches them to kind-specific invokers, and classifies outcomes
// into completion, retry, rate-limit reschedule, or terminal failure. The
// store is the single source of truth: the database row decides whether a
// claim or a terminal write won, never in-process state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Operation status values. An operation is eligible for claiming only while
// pending with scheduled_at in the past.
const (
	StatusPending   = "pending"
	StatusInFlight  = "in_flight"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Operation kinds understood by the dispatch mux. Producers may register
// additional kinds; these are the built-in ones.
const (
	KindCreateIssue = "create_issue"
	KindUpdateIssue = "update_issue"
	KindAddComment  = "add_comment"
	KindLinkIssues  = "link"
	KindBulkCreate  = "bulk_create"
	KindRunSuite    = "run_suite"
)

// Sentinel errors returned by operation stores.
var (
	// ErrOperationNotFound indicates the requested operation ID does not exist.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrUnknownKind indicates no invoker is registered for an operation's kind.
	ErrUnknownKind = errors.New("unknown operation kind")
)

// Operation is one unit of outbound work.
//
// Attempt counts claims: it is incremented when a worker claims the row and
// decremented again on a rate-limit reschedule, so waiting out a rate limit
// never consumes an attempt.
type Operation struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	// Payload is the kind-specific request body, passed through to the
	// invoker unparsed.
	Payload json.RawMessage `json:"payload"`

	// Metadata is opaque producer context carried alongside the payload
	// and surfaced to the completion handler. Invokers never see it.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	Status        string `json:"status"`
	Priority      int    `json:"priority"`
	Attempt       int    `json:"attempt"`
	MaxAttempts   int    `json:"maxAttempts"`
	AffinityKey   string `json:"affinityKey,omitempty"`
	MappingRef    string `json:"mappingRef,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`

	ScheduledAt    time.Time  `json:"scheduledAt"`
	RateLimitUntil *time.Time `json:"rateLimitUntil,omitempty"`
	LeaseOwner     string     `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`

	// CancelRequested is set when Cancel catches the operation in flight;
	// the terminal write then resolves to cancelled instead of completed or
	// failed.
	CancelRequested bool `json:"cancelRequested,omitempty"`

	LastError string `json:"lastError,omitempty"`

	// ErrorDetail is the structured form of the last failure (status code,
	// error code) when the port provided one.
	ErrorDetail json.RawMessage `json:"errorDetail,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
}

// EnqueueOptions carries the optional attributes of a new operation.
type EnqueueOptions struct {
	// Priority orders claiming; lower values are claimed first. Zero is the
	// default priority.
	Priority int

	// ScheduledAt defers the operation; zero means eligible immediately.
	ScheduledAt time.Time

	// MaxAttempts overrides the queue-wide attempt limit when positive.
	MaxAttempts int

	// AffinityKey groups operations that target the same external subject
	// (e.g. an issue key). Recorded and indexed, not used for ordering.
	AffinityKey string

	// MappingRef links the operation to a failure-mapping row.
	MappingRef string

	// CorrelationID propagates the request correlation ID into the
	// operation for log traceability.
	CorrelationID string

	// Metadata is opaque producer context surfaced to the completion
	// handler alongside the result.
	Metadata json.RawMessage
}

// Stats summarizes queue depth per status for the stats endpoint.
type Stats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"inFlight"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// OperationStore is the persistence interface for operations.
//
// The domain package defines this interface to specify what it needs from
// storage, without depending on concrete implementations. Methods returning a
// bool report whether the conditional update touched a row; false means
// another actor won the race (lease expired, operation cancelled) and the
// caller must discard its result. Outcome writes are scoped to the worker
// that holds the lease: after a reclaim hands the row to someone else, the
// original claimant's write is a no-op.
type OperationStore interface {
	// Insert persists a new pending operation.
	Insert(ctx context.Context, op *Operation) error

	// Get returns the operation with the given ID.
	Get(ctx context.Context, id string) (*Operation, error)

	// Claim atomically transitions up to limit eligible pending operations
	// to in_flight for the given worker, incrementing their attempt
	// counters and setting lease_owner and lease_expires_at. Eligible rows
	// are ordered by priority, then scheduled_at. Only rows the
	// conditional update actually won are returned.
	Claim(ctx context.Context, workerID string, limit int, leaseFor time.Duration) ([]*Operation, error)

	// MarkCompleted finishes an in-flight operation held by workerID,
	// recording its result. If cancellation was requested while in flight,
	// the row resolves to cancelled instead.
	MarkCompleted(ctx context.Context, id, workerID string, result json.RawMessage) (bool, error)

	// MarkFailed terminally fails an in-flight operation held by workerID,
	// recording the error message and optional structured detail. Resolves
	// to cancelled if cancellation was requested.
	MarkFailed(ctx context.Context, id, workerID, lastError string, detail json.RawMessage) (bool, error)

	// RescheduleRetry returns an in-flight operation held by workerID to
	// pending with a new scheduled_at, keeping the attempt counter.
	RescheduleRetry(ctx context.Context, id, workerID, lastError string, at time.Time) (bool, error)

	// RescheduleRateLimited returns an in-flight operation held by workerID
	// to pending with scheduled_at and rate_limit_until set to at, and
	// decrements the attempt counter, undoing the increment the claim
	// applied.
	RescheduleRateLimited(ctx context.Context, id, workerID, lastError string, at time.Time) (bool, error)

	// Cancel cancels a pending operation immediately, or flags an in-flight
	// one for cooperative cancellation. Returns false when the operation is
	// already terminal.
	Cancel(ctx context.Context, id string) (bool, error)

	// ReclaimExpired returns in-flight operations whose lease has expired
	// to pending, reporting how many rows were reclaimed.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)

	// Stats returns per-status operation counts.
	Stats(ctx context.Context) (*Stats, error)
}
