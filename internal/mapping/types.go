// Package mapping maintains the link between test failures and external
// tracker issues.
//
// A failure is identified by its fingerprint (see internal/fingerprint);
// mappings deduplicate issue creation so that repeated occurrences of the
// same underlying failure attach to one issue instead of spawning new ones.
// Inbound tracker webhooks flow back through this package to keep the
// recorded resolution state current.
package mapping

import (
	"context"
	"errors"
	"time"
)

// Resolution states tracked per mapping. Transitions are driven by inbound
// tracker webhook events.
const (
	ResolutionOpen       = "open"
	ResolutionInProgress = "in_progress"
	ResolutionResolved   = "resolved"
	ResolutionClosed     = "closed"
)

// Sync states tracked per mapping. The worker marks a mapping synced when an
// outbound mutation for its issue completes; the webhook side marks it synced
// when an inbound event refreshes the cached fields.
const (
	SyncSynced  = "synced"
	SyncPending = "pending"
	SyncFailed  = "error"
)

// Sentinel errors returned by mapping stores.
var (
	// ErrMappingNotFound indicates no mapping matches the lookup.
	ErrMappingNotFound = errors.New("mapping not found")
)

// Mapping links one observed test failure to an external tracker issue.
//
// Two uniqueness constraints hold: the (TestRunID, TestName, Fingerprint)
// triple is unique, and ExternalIssueKey is unique. The triple guards against
// double-recording the same observation; the issue key keeps the webhook
// write-back path unambiguous.
type Mapping struct {
	ID          string `json:"id"`
	TestRunID   string `json:"testRunId"`
	TestName    string `json:"testName"`
	Fingerprint string `json:"fingerprint"`

	ExternalIssueID    string `json:"externalIssueId"`
	ExternalIssueKey   string `json:"externalIssueKey"`
	ExternalProjectKey string `json:"externalProjectKey,omitempty"`

	// Cached external state, refreshed by worker completions and inbound
	// webhook events.
	Summary  string `json:"summary,omitempty"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
	Type     string `json:"type,omitempty"`
	Assignee string `json:"assignee,omitempty"`

	// Classification supplied by the producer with the failure report.
	FailureCategory string `json:"failureCategory,omitempty"`
	Module          string `json:"module,omitempty"`
	Language        string `json:"language,omitempty"`
	Environment     string `json:"environment,omitempty"`
	Browser         string `json:"browser,omitempty"`

	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	SyncStatus   string     `json:"syncStatus,omitempty"`
	SyncError    string     `json:"syncError,omitempty"`

	Resolution string     `json:"resolution"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ExternalState carries field updates originating from the tracker side.
// Empty string fields leave the stored value unchanged; Resolution is applied
// only when set, together with ResolvedAt.
type ExternalState struct {
	Summary  string
	Status   string
	Priority string
	Type     string
	Assignee string

	Resolution string
	ResolvedAt *time.Time
}

// Terminal reports whether the mapping's issue has been resolved or closed.
// A terminal mapping no longer absorbs new occurrences of its fingerprint.
func (m *Mapping) Terminal() bool {
	return m.Resolution == ResolutionResolved || m.Resolution == ResolutionClosed
}

// Store is the persistence interface for failure mappings.
//
// The domain package defines this interface to specify what it needs from
// storage, without depending on concrete implementations.
type Store interface {
	// Insert persists a new mapping. Returns (stored=true, duplicate=false)
	// on success, (stored=false, duplicate=true) when either uniqueness
	// constraint already holds, and an error only on storage failure.
	Insert(ctx context.Context, m *Mapping) (stored bool, duplicate bool, err error)

	// FindActiveByFingerprint returns the most recent non-terminal mapping
	// for a fingerprint, or ErrMappingNotFound.
	FindActiveByFingerprint(ctx context.Context, fingerprint string) (*Mapping, error)

	// FindByIssueKey returns the mapping for an external issue key.
	FindByIssueKey(ctx context.Context, issueKey string) (*Mapping, error)

	// UpdateExternalState applies tracker-side field updates to the
	// mapping with the given issue key and stamps last_synced_at /
	// sync_status. Returns false when no mapping has the key.
	UpdateExternalState(ctx context.Context, issueKey string, state *ExternalState) (bool, error)

	// MarkSynced records a successful outbound mutation for the mapping
	// with the given issue key. Returns false when no mapping has the key.
	MarkSynced(ctx context.Context, issueKey string, at time.Time) (bool, error)

	// ListByTestRun returns all mappings recorded for a test run.
	ListByTestRun(ctx context.Context, testRunID string) ([]*Mapping, error)
}
