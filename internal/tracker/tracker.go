// Package tracker defines the external issue-tracker port consumed by the
// operation queue, along with error classification rules for retry handling.
//
// The domain package defines this interface to specify what it needs from an
// issue tracker, without depending on concrete implementations. This follows
// the same Dependency Inversion pattern as the store interfaces: high-level
// queue logic should not depend on transport details. The concrete Jira REST
// client lives in jira.go; tests use MockPort.
package tracker

import (
	"context"
	"encoding/json"
)

// IssueRef describes an external issue as returned by the tracker.
//
// Only the identity fields (ID, Key, ProjectKey) are guaranteed to be set on
// every successful call; the cached field set depends on what the tracker
// returns for the operation in question.
type IssueRef struct {
	ID         string `json:"id"`
	Key        string `json:"key"`
	ProjectKey string `json:"projectKey"`
	Summary    string `json:"summary,omitempty"`
	Status     string `json:"status,omitempty"`
	Priority   string `json:"priority,omitempty"`
	Type       string `json:"type,omitempty"`
	Assignee   string `json:"assignee,omitempty"`
}

// Port is the outbound issue-tracker interface.
//
// Payloads are opaque to the queue: producers build them, the port parses
// them. A malformed payload is the port's responsibility to reject, and it
// must do so with a non-retryable error (the producer supplied bad input;
// retrying cannot help).
//
// Implementations must surface rate-limit and transient conditions via
// *Error so the queue can classify outcomes (see classify.go).
type Port interface {
	// CreateIssue creates a new issue and returns its descriptor.
	CreateIssue(ctx context.Context, payload json.RawMessage) (*IssueRef, error)

	// UpdateIssue applies field updates to an existing issue.
	UpdateIssue(ctx context.Context, key string, payload json.RawMessage) (*IssueRef, error)

	// AddComment appends a comment to an existing issue.
	AddComment(ctx context.Context, key string, payload json.RawMessage) (*IssueRef, error)

	// Link relates two issues. The payload carries inward/outward keys and
	// the link type.
	Link(ctx context.Context, payload json.RawMessage) error

	// BulkCreate creates multiple issues in one call and returns their
	// descriptors in input order.
	BulkCreate(ctx context.Context, payload json.RawMessage) ([]*IssueRef, error)
}
