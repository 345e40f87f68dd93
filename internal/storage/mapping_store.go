package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/testbridge-io/testbridge/internal/mapping"
)

// PersistentMappingStore implements mapping.Store with a PostgreSQL backend.
// Both uniqueness constraints live in the schema: the (test_run_id, test_name,
// fingerprint) triple and external_issue_key each carry a unique index, so a
// duplicate insert is detected by the database rather than a read-then-write.
type PersistentMappingStore struct {
	conn *Connection
}

// Compile-time interface check.
var _ mapping.Store = (*PersistentMappingStore)(nil)

// NewPersistentMappingStore creates a PostgreSQL-backed mapping store.
func NewPersistentMappingStore(conn *Connection) (*PersistentMappingStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentMappingStore{conn: conn}, nil
}

const mappingColumns = `
	id, test_run_id, test_name, fingerprint,
	external_issue_id, external_issue_key, external_project_key,
	summary, status, priority, issue_type, assignee,
	failure_category, module, language, environment, browser,
	last_synced_at, sync_status, sync_error,
	resolution, resolved_at, created_at, updated_at
`

func scanMapping(row interface{ Scan(...any) error }) (*mapping.Mapping, error) {
	var (
		m               mapping.Mapping
		projectKey      sql.NullString
		summary         sql.NullString
		status          sql.NullString
		priority        sql.NullString
		issueType       sql.NullString
		assignee        sql.NullString
		failureCategory sql.NullString
		module          sql.NullString
		language        sql.NullString
		environment     sql.NullString
		browser         sql.NullString
		lastSyncedAt    sql.NullTime
		syncStatus      sql.NullString
		syncError       sql.NullString
		resolvedAt      sql.NullTime
	)

	err := row.Scan(
		&m.ID, &m.TestRunID, &m.TestName, &m.Fingerprint,
		&m.ExternalIssueID, &m.ExternalIssueKey, &projectKey,
		&summary, &status, &priority, &issueType, &assignee,
		&failureCategory, &module, &language, &environment, &browser,
		&lastSyncedAt, &syncStatus, &syncError,
		&m.Resolution, &resolvedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.ExternalProjectKey = projectKey.String
	m.Summary = summary.String
	m.Status = status.String
	m.Priority = priority.String
	m.Type = issueType.String
	m.Assignee = assignee.String
	m.FailureCategory = failureCategory.String
	m.Module = module.String
	m.Language = language.String
	m.Environment = environment.String
	m.Browser = browser.String
	m.SyncStatus = syncStatus.String
	m.SyncError = syncError.String

	if lastSyncedAt.Valid {
		m.LastSyncedAt = &lastSyncedAt.Time
	}

	if resolvedAt.Valid {
		m.ResolvedAt = &resolvedAt.Time
	}

	return &m, nil
}

// Insert persists a new mapping. A unique violation on either constraint
// reports duplicate=true instead of an error.
func (s *PersistentMappingStore) Insert(ctx context.Context, m *mapping.Mapping) (bool, bool, error) {
	query := `
		INSERT INTO failure_mappings (
			id, test_run_id, test_name, fingerprint,
			external_issue_id, external_issue_key, external_project_key,
			summary, status, priority, issue_type, assignee,
			failure_category, module, language, environment, browser,
			last_synced_at, sync_status, sync_error,
			resolution, resolved_at, created_at, updated_at
		)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)
	`

	var lastSyncedAt, resolvedAt any
	if m.LastSyncedAt != nil {
		lastSyncedAt = *m.LastSyncedAt
	}

	if m.ResolvedAt != nil {
		resolvedAt = *m.ResolvedAt
	}

	_, err := s.conn.ExecContext(
		ctx,
		query,
		m.ID, m.TestRunID, m.TestName, m.Fingerprint,
		m.ExternalIssueID, m.ExternalIssueKey, nullString(m.ExternalProjectKey),
		nullString(m.Summary), nullString(m.Status), nullString(m.Priority),
		nullString(m.Type), nullString(m.Assignee),
		nullString(m.FailureCategory), nullString(m.Module), nullString(m.Language),
		nullString(m.Environment), nullString(m.Browser),
		lastSyncedAt, nullString(m.SyncStatus), nullString(m.SyncError),
		m.Resolution, resolvedAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, true, nil
		}

		return false, false, fmt.Errorf("failed to insert mapping: %w", err)
	}

	return true, false, nil
}

// FindActiveByFingerprint returns the most recent non-terminal mapping for a
// fingerprint.
func (s *PersistentMappingStore) FindActiveByFingerprint(ctx context.Context, fingerprint string) (*mapping.Mapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM failure_mappings
		WHERE fingerprint = $1 AND resolution NOT IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1
	`

	m, err := scanMapping(s.conn.QueryRowContext(
		ctx, query, fingerprint, mapping.ResolutionResolved, mapping.ResolutionClosed))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mapping.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query mapping by fingerprint: %w", err)
	}

	return m, nil
}

// FindByIssueKey returns the mapping for an external issue key.
func (s *PersistentMappingStore) FindByIssueKey(ctx context.Context, issueKey string) (*mapping.Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM failure_mappings WHERE external_issue_key = $1`

	m, err := scanMapping(s.conn.QueryRowContext(ctx, query, issueKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mapping.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query mapping by issue key: %w", err)
	}

	return m, nil
}

// UpdateExternalState applies tracker-side field updates to the mapping with
// the given issue key. COALESCE(NULLIF($n, ''), column) keeps the stored value
// when the incoming field is empty. resolved_at keeps its first stamp across
// repeated terminal transitions and is cleared when the issue reopens.
func (s *PersistentMappingStore) UpdateExternalState(
	ctx context.Context,
	issueKey string,
	state *mapping.ExternalState,
) (bool, error) {
	now := time.Now().UTC()

	var resolvedAt any
	if state.ResolvedAt != nil {
		resolvedAt = *state.ResolvedAt
	}

	query := `
		UPDATE failure_mappings
		SET summary     = COALESCE(NULLIF($1, ''), summary),
		    status      = COALESCE(NULLIF($2, ''), status),
		    priority    = COALESCE(NULLIF($3, ''), priority),
		    issue_type  = COALESCE(NULLIF($4, ''), issue_type),
		    assignee    = COALESCE(NULLIF($5, ''), assignee),
		    resolution  = COALESCE(NULLIF($6, ''), resolution),
		    resolved_at = CASE
		        WHEN $6 = ''      THEN resolved_at
		        WHEN $7 IS NULL   THEN NULL
		        ELSE COALESCE(resolved_at, $7)
		    END,
		    last_synced_at = $8,
		    sync_status    = $9,
		    updated_at     = $8
		WHERE external_issue_key = $10
	`

	result, err := s.conn.ExecContext(
		ctx,
		query,
		state.Summary, state.Status, state.Priority, state.Type, state.Assignee,
		state.Resolution, resolvedAt,
		now, mapping.SyncSynced, issueKey,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update external state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

// MarkSynced records a successful outbound mutation for the mapping with the
// given issue key.
func (s *PersistentMappingStore) MarkSynced(ctx context.Context, issueKey string, at time.Time) (bool, error) {
	query := `
		UPDATE failure_mappings
		SET last_synced_at = $1, sync_status = $2, sync_error = NULL, updated_at = $3
		WHERE external_issue_key = $4
	`

	result, err := s.conn.ExecContext(ctx, query, at, mapping.SyncSynced, time.Now().UTC(), issueKey)
	if err != nil {
		return false, fmt.Errorf("failed to mark mapping synced: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

// ListByTestRun returns all mappings recorded for a test run.
func (s *PersistentMappingStore) ListByTestRun(ctx context.Context, testRunID string) ([]*mapping.Mapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM failure_mappings
		WHERE test_run_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, testRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings by test run: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	mappings := make([]*mapping.Mapping, 0)

	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}

		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mapping rows: %w", err)
	}

	return mappings, nil
}
