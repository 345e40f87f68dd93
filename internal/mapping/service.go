package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/testbridge-io/testbridge/internal/fingerprint"
	"github.com/testbridge-io/testbridge/internal/queue"
	"github.com/testbridge-io/testbridge/internal/tracker"
)

// Validation errors for inbound failure reports.
var (
	ErrMissingTestRunID = errors.New("test run id is required")
	ErrMissingTestName  = errors.New("test name is required")
	ErrMissingError     = errors.New("error message is required")
)

// Failure is one observed test failure reported by a producer.
type Failure struct {
	TestRunID    string `json:"testRunId"`
	TestName     string `json:"testName"`
	Suite        string `json:"suite,omitempty"`
	ErrorMessage string `json:"errorMessage"`
	// Selector is the UI selector involved in the failure, when the test
	// framework reports one. Absent and empty are equivalent.
	Selector string `json:"selector,omitempty"`

	// Optional classification attached by the producer.
	FailureCategory string `json:"failureCategory,omitempty"`
	Module          string `json:"module,omitempty"`
	Language        string `json:"language,omitempty"`
	Environment     string `json:"environment,omitempty"`
	Browser         string `json:"browser,omitempty"`
}

// Validate checks the required failure fields.
func (f *Failure) Validate() error {
	if f.TestRunID == "" {
		return ErrMissingTestRunID
	}
	if f.TestName == "" {
		return ErrMissingTestName
	}
	if f.ErrorMessage == "" {
		return ErrMissingError
	}

	return nil
}

// ReportResult describes how a failure report was handled.
type ReportResult struct {
	// Fingerprint is the canonical identity derived for the failure.
	Fingerprint string `json:"fingerprint"`

	// Deduplicated is true when an active mapping already covered the
	// fingerprint; the enqueued operation is then a comment on the
	// existing issue rather than a new issue.
	Deduplicated bool `json:"deduplicated"`

	// Mapping is the existing mapping when Deduplicated is true.
	Mapping *Mapping `json:"mapping,omitempty"`

	// Operation is the queued tracker operation (create or comment).
	Operation *queue.Operation `json:"operation"`
}

// Enqueuer is the slice of the operation queue the mapping service needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload json.RawMessage, opts queue.EnqueueOptions) (*queue.Operation, error)
}

// issueSeed is the metadata envelope carried on create_issue operations so
// the completion handler can record the mapping without re-deriving context.
type issueSeed struct {
	TestRunID   string `json:"testRunId"`
	TestName    string `json:"testName"`
	Fingerprint string `json:"fingerprint"`

	FailureCategory string `json:"failureCategory,omitempty"`
	Module          string `json:"module,omitempty"`
	Language        string `json:"language,omitempty"`
	Environment     string `json:"environment,omitempty"`
	Browser         string `json:"browser,omitempty"`
}

// ServiceConfig holds tracker-facing defaults for issue creation.
type ServiceConfig struct {
	// ProjectKey is the tracker project new issues are filed under.
	ProjectKey string

	// IssueType is the tracker issue type for new issues. Default "Bug".
	IssueType string
}

// Service implements the deduplicating failure-to-issue flow: derive the
// fingerprint, reuse the active issue when one exists, otherwise queue
// creation of a new one.
type Service struct {
	store    Store
	enqueuer Enqueuer
	config   ServiceConfig
	rules    *Classifier
	logger   *slog.Logger
}

// NewService creates a mapping service.
func NewService(store Store, enqueuer Enqueuer, config ServiceConfig, rules *Classifier, logger *slog.Logger) *Service {
	if config.IssueType == "" {
		config.IssueType = "Bug"
	}

	return &Service{
		store:    store,
		enqueuer: enqueuer,
		config:   config,
		rules:    rules,
		logger:   logger,
	}
}

// ReportFailure handles one inbound failure report.
//
// An active (non-terminal) mapping for the failure's fingerprint absorbs the
// occurrence: a comment operation is queued against the existing issue. With
// no active mapping, an issue-creation operation is queued; the mapping row
// is recorded by IssueRecorder once the tracker confirms creation.
func (s *Service) ReportFailure(ctx context.Context, failure *Failure, correlationID string) (*ReportResult, error) {
	if err := failure.Validate(); err != nil {
		return nil, err
	}

	fp := fingerprint.Derive(failure.TestName, failure.ErrorMessage, failure.Selector)

	existing, err := s.store.FindActiveByFingerprint(ctx, fp)

	switch {
	case err == nil:
		op, enqueueErr := s.enqueueComment(ctx, failure, existing, correlationID)
		if enqueueErr != nil {
			return nil, enqueueErr
		}

		s.logger.Info("failure deduplicated onto existing issue",
			slog.String("fingerprint", fp),
			slog.String("issue_key", existing.ExternalIssueKey),
		)

		return &ReportResult{Fingerprint: fp, Deduplicated: true, Mapping: existing, Operation: op}, nil

	case errors.Is(err, ErrMappingNotFound):
		op, enqueueErr := s.enqueueCreate(ctx, failure, fp, correlationID)
		if enqueueErr != nil {
			return nil, enqueueErr
		}

		s.logger.Info("issue creation queued for new failure",
			slog.String("fingerprint", fp),
			slog.String("operation_id", op.ID),
		)

		return &ReportResult{Fingerprint: fp, Operation: op}, nil

	default:
		return nil, fmt.Errorf("lookup mapping: %w", err)
	}
}

func (s *Service) enqueueCreate(ctx context.Context, failure *Failure, fp, correlationID string) (*queue.Operation, error) {
	summary := "Test failure: " + failure.TestName
	description := fmt.Sprintf(
		"Automated report.\n\nTest: %s\nSuite: %s\nRun: %s\nFingerprint: %s\n\nError:\n%s",
		failure.TestName, failure.Suite, failure.TestRunID, fp, failure.ErrorMessage,
	)

	payload, err := json.Marshal(map[string]any{
		"fields": map[string]any{
			"project":     map[string]string{"key": s.config.ProjectKey},
			"summary":     summary,
			"description": description,
			"issuetype":   map[string]string{"name": s.config.IssueType},
			"labels":      []string{"testbridge"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal create payload: %w", err)
	}

	metadata, err := json.Marshal(issueSeed{
		TestRunID:       failure.TestRunID,
		TestName:        failure.TestName,
		Fingerprint:     fp,
		FailureCategory: failure.FailureCategory,
		Module:          failure.Module,
		Language:        failure.Language,
		Environment:     failure.Environment,
		Browser:         failure.Browser,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal issue seed: %w", err)
	}

	return s.enqueuer.Enqueue(ctx, queue.KindCreateIssue, payload, queue.EnqueueOptions{
		CorrelationID: correlationID,
		Metadata:      metadata,
	})
}

func (s *Service) enqueueComment(ctx context.Context, failure *Failure, existing *Mapping, correlationID string) (*queue.Operation, error) {
	body := fmt.Sprintf(
		"Failure occurred again.\n\nTest: %s\nRun: %s\n\nError:\n%s",
		failure.TestName, failure.TestRunID, failure.ErrorMessage,
	)

	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return nil, fmt.Errorf("marshal comment payload: %w", err)
	}

	return s.enqueuer.Enqueue(ctx, queue.KindAddComment, payload, queue.EnqueueOptions{
		AffinityKey:   existing.ExternalIssueKey,
		CorrelationID: correlationID,
	})
}

// UpdateFromExternal applies tracker-driven field changes to the mapping for
// an issue key. Empty fields are unchanged; when the status changed, the
// resolution is recomputed from it. Idempotent: reapplying the same state
// yields the same mapping, and the store keeps the first resolved_at stamp
// across repeated terminal transitions. Returns the classified resolution
// ("" when status did not change) and whether a mapping row was updated.
func (s *Service) UpdateFromExternal(ctx context.Context, issueKey string, state ExternalState) (string, bool, error) {
	if state.Status != "" {
		state.Resolution = s.rules.Classify(state.Status)

		if state.Resolution == ResolutionResolved || state.Resolution == ResolutionClosed {
			now := time.Now().UTC()
			state.ResolvedAt = &now
		} else {
			state.ResolvedAt = nil
		}
	}

	updated, err := s.store.UpdateExternalState(ctx, issueKey, &state)
	if err != nil {
		return state.Resolution, false, fmt.Errorf("update external state: %w", err)
	}

	return state.Resolution, updated, nil
}

// ListByTestRun returns all mappings recorded for a test run.
func (s *Service) ListByTestRun(ctx context.Context, testRunID string) ([]*Mapping, error) {
	return s.store.ListByTestRun(ctx, testRunID)
}

// IssueRecorder records failure mappings once the tracker confirms issue
// creation. It implements queue.ResultHandler.
type IssueRecorder struct {
	store  Store
	logger *slog.Logger
}

// Compile-time interface check.
var _ queue.ResultHandler = (*IssueRecorder)(nil)

// NewIssueRecorder creates a completion handler backed by the given store.
func NewIssueRecorder(store Store, logger *slog.Logger) *IssueRecorder {
	return &IssueRecorder{store: store, logger: logger}
}

// HandleCompletion records the mapping for a completed create_issue
// operation and stamps sync state for completed mutations of an existing
// issue. Other kinds pass through untouched.
//
// A duplicate insert means a concurrent operation for the same fingerprint
// already recorded a mapping; losing that race is a no-op, not an error.
func (r *IssueRecorder) HandleCompletion(ctx context.Context, op *queue.Operation, result any) error {
	switch op.Kind {
	case queue.KindCreateIssue:
		// Recorded below.
	case queue.KindUpdateIssue, queue.KindAddComment:
		if op.AffinityKey == "" {
			return nil
		}

		if _, err := r.store.MarkSynced(ctx, op.AffinityKey, time.Now().UTC()); err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}

		return nil
	default:
		return nil
	}

	ref, ok := result.(*tracker.IssueRef)
	if !ok {
		return fmt.Errorf("unexpected result type %T for %s", result, op.Kind)
	}

	var seed issueSeed
	if err := json.Unmarshal(op.Metadata, &seed); err != nil {
		return fmt.Errorf("decode issue seed: %w", err)
	}

	now := time.Now().UTC()
	stored, duplicate, err := r.store.Insert(ctx, &Mapping{
		ID:                 uuid.New().String(),
		TestRunID:          seed.TestRunID,
		TestName:           seed.TestName,
		Fingerprint:        seed.Fingerprint,
		ExternalIssueID:    ref.ID,
		ExternalIssueKey:   ref.Key,
		ExternalProjectKey: ref.ProjectKey,
		Summary:            ref.Summary,
		Status:             ref.Status,
		Priority:           ref.Priority,
		Type:               ref.Type,
		Assignee:           ref.Assignee,
		FailureCategory:    seed.FailureCategory,
		Module:             seed.Module,
		Language:           seed.Language,
		Environment:        seed.Environment,
		Browser:            seed.Browser,
		LastSyncedAt:       &now,
		SyncStatus:         SyncSynced,
		Resolution:         ResolutionOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		return fmt.Errorf("insert mapping: %w", err)
	}

	if duplicate {
		r.logger.Debug("mapping already recorded by concurrent operation",
			slog.String("fingerprint", seed.Fingerprint),
			slog.String("issue_key", ref.Key),
		)

		return nil
	}

	if stored {
		r.logger.Info("failure mapped to issue",
			slog.String("fingerprint", seed.Fingerprint),
			slog.String("issue_key", ref.Key),
		)
	}

	return nil
}
