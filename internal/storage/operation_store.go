package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/testbridge-io/testbridge/internal/queue"
)

// PersistentOperationStore implements queue.OperationStore with a PostgreSQL
// backend. All state transitions are single-row conditional updates so
// multiple coordinator processes can share the table safely.
type PersistentOperationStore struct {
	conn *Connection
}

// Compile-time interface check.
var _ queue.OperationStore = (*PersistentOperationStore)(nil)

// NewPersistentOperationStore creates a PostgreSQL-backed operation store.
func NewPersistentOperationStore(conn *Connection) (*PersistentOperationStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentOperationStore{conn: conn}, nil
}

// operationColumns is the scan order shared by every SELECT in this store.
const operationColumns = `
	id, kind, payload, metadata, status, priority, attempt, max_attempts,
	affinity_key, mapping_ref, correlation_id,
	scheduled_at, rate_limit_until, lease_owner, lease_expires_at, started_at,
	created_at, updated_at, completed_at,
	cancel_requested, last_error, error_detail, result
`

func scanOperation(row interface{ Scan(...any) error }) (*queue.Operation, error) {
	var (
		op             queue.Operation
		metadata       []byte
		affinityKey    sql.NullString
		mappingRef     sql.NullString
		correlationID  sql.NullString
		rateLimitUntil sql.NullTime
		leaseOwner     sql.NullString
		leaseExpiresAt sql.NullTime
		startedAt      sql.NullTime
		completedAt    sql.NullTime
		lastError      sql.NullString
		errorDetail    []byte
		result         []byte
	)

	err := row.Scan(
		&op.ID, &op.Kind, &op.Payload, &metadata, &op.Status, &op.Priority,
		&op.Attempt, &op.MaxAttempts,
		&affinityKey, &mappingRef, &correlationID,
		&op.ScheduledAt, &rateLimitUntil, &leaseOwner, &leaseExpiresAt, &startedAt,
		&op.CreatedAt, &op.UpdatedAt, &completedAt,
		&op.CancelRequested, &lastError, &errorDetail, &result,
	)
	if err != nil {
		return nil, err
	}

	op.Metadata = metadata
	op.AffinityKey = affinityKey.String
	op.MappingRef = mappingRef.String
	op.CorrelationID = correlationID.String
	op.LastError = lastError.String
	op.ErrorDetail = errorDetail
	op.Result = result

	if rateLimitUntil.Valid {
		op.RateLimitUntil = &rateLimitUntil.Time
	}

	op.LeaseOwner = leaseOwner.String
	if leaseExpiresAt.Valid {
		op.LeaseExpiresAt = &leaseExpiresAt.Time
	}

	if startedAt.Valid {
		op.StartedAt = &startedAt.Time
	}

	if completedAt.Valid {
		op.CompletedAt = &completedAt.Time
	}

	return &op, nil
}

// Insert persists a new pending operation.
func (s *PersistentOperationStore) Insert(ctx context.Context, op *queue.Operation) error {
	query := `
		INSERT INTO operations (
			id, kind, payload, metadata, status, priority, attempt, max_attempts,
			affinity_key, mapping_ref, correlation_id,
			scheduled_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := s.conn.ExecContext(
		ctx,
		query,
		op.ID,
		op.Kind,
		[]byte(op.Payload),
		nullBytes(op.Metadata),
		op.Status,
		op.Priority,
		op.Attempt,
		op.MaxAttempts,
		nullString(op.AffinityKey),
		nullString(op.MappingRef),
		nullString(op.CorrelationID),
		op.ScheduledAt,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}

	return nil
}

// Get returns the operation with the given ID.
func (s *PersistentOperationStore) Get(ctx context.Context, id string) (*queue.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = $1`

	op, err := scanOperation(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query operation: %w", err)
	}

	return op, nil
}

// Claim atomically transitions up to limit eligible pending operations to
// in_flight for the given worker.
//
// A single UPDATE with a sub-select under FOR UPDATE SKIP LOCKED performs
// selection and transition atomically; rows another coordinator grabs between
// selection and update are simply skipped, never double-claimed.
func (s *PersistentOperationStore) Claim(
	ctx context.Context,
	workerID string,
	limit int,
	leaseFor time.Duration,
) ([]*queue.Operation, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()

	query := `
		UPDATE operations
		SET status = $1,
		    attempt = attempt + 1,
		    lease_owner = $2,
		    lease_expires_at = $3,
		    started_at = $4,
		    updated_at = $4
		WHERE id IN (
			SELECT id FROM operations
			WHERE status = $5
			  AND scheduled_at <= $4
			  AND (rate_limit_until IS NULL OR rate_limit_until <= $4)
			ORDER BY priority ASC, scheduled_at ASC, id ASC
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + operationColumns

	rows, err := s.conn.QueryContext(
		ctx,
		query,
		queue.StatusInFlight,
		workerID,
		now.Add(leaseFor),
		now,
		queue.StatusPending,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim operations: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var claimed []*queue.Operation

	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed operation: %w", err)
		}

		claimed = append(claimed, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed operations: %w", err)
	}

	return claimed, nil
}

// MarkCompleted finishes an in-flight operation held by workerID. The CASE
// resolves to cancelled when cooperative cancellation was requested while the
// worker ran. The lease_owner predicate makes a stale worker's write a no-op
// once a reclaim handed the row to someone else.
func (s *PersistentOperationStore) MarkCompleted(ctx context.Context, id, workerID string, result json.RawMessage) (bool, error) {
	now := time.Now().UTC()

	query := `
		UPDATE operations
		SET status = CASE WHEN cancel_requested THEN $1 ELSE $2 END,
		    result = CASE WHEN cancel_requested THEN NULL ELSE $3 END,
		    completed_at = $4,
		    updated_at = $4,
		    lease_owner = NULL,
		    lease_expires_at = NULL
		WHERE id = $5 AND status = $6 AND lease_owner = $7
	`

	return s.execConditional(ctx, query,
		queue.StatusCancelled, queue.StatusCompleted, nullBytes(result), now, id, queue.StatusInFlight, workerID)
}

// MarkFailed terminally fails an in-flight operation held by workerID.
func (s *PersistentOperationStore) MarkFailed(ctx context.Context, id, workerID, lastError string, detail json.RawMessage) (bool, error) {
	now := time.Now().UTC()

	query := `
		UPDATE operations
		SET status = CASE WHEN cancel_requested THEN $1 ELSE $2 END,
		    last_error = $3,
		    error_detail = $4,
		    completed_at = $5,
		    updated_at = $5,
		    lease_owner = NULL,
		    lease_expires_at = NULL
		WHERE id = $6 AND status = $7 AND lease_owner = $8
	`

	return s.execConditional(ctx, query,
		queue.StatusCancelled, queue.StatusFailed, lastError, nullBytes(detail), now, id, queue.StatusInFlight, workerID)
}

// RescheduleRetry returns an in-flight operation held by workerID to pending,
// keeping the attempt counter the claim incremented.
func (s *PersistentOperationStore) RescheduleRetry(ctx context.Context, id, workerID, lastError string, at time.Time) (bool, error) {
	return s.reschedule(ctx, id, workerID, lastError, at, 0, false)
}

// RescheduleRateLimited returns an in-flight operation held by workerID to
// pending and undoes the claim's attempt increment, so waiting out
// back-pressure never consumes an attempt.
func (s *PersistentOperationStore) RescheduleRateLimited(ctx context.Context, id, workerID, lastError string, at time.Time) (bool, error) {
	return s.reschedule(ctx, id, workerID, lastError, at, -1, true)
}

func (s *PersistentOperationStore) reschedule(
	ctx context.Context,
	id, workerID, lastError string,
	at time.Time,
	attemptDelta int,
	rateLimited bool,
) (bool, error) {
	now := time.Now().UTC()

	var rateLimitUntil any
	if rateLimited {
		rateLimitUntil = at
	}

	query := `
		UPDATE operations
		SET status = CASE WHEN cancel_requested THEN $1 ELSE $2 END,
		    attempt = attempt + $3,
		    scheduled_at = $4,
		    rate_limit_until = $5,
		    last_error = $6,
		    updated_at = $7,
		    completed_at = CASE WHEN cancel_requested THEN $7 ELSE NULL END,
		    lease_owner = NULL,
		    lease_expires_at = NULL
		WHERE id = $8 AND status = $9 AND lease_owner = $10
	`

	return s.execConditional(ctx, query,
		queue.StatusCancelled, queue.StatusPending, attemptDelta, at, rateLimitUntil,
		lastError, now, id, queue.StatusInFlight, workerID)
}

// Cancel cancels a pending operation immediately, or flags an in-flight one
// for cooperative cancellation.
func (s *PersistentOperationStore) Cancel(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()

	// Pending rows cancel immediately.
	won, err := s.execConditional(ctx, `
		UPDATE operations
		SET status = $1, completed_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4
	`, queue.StatusCancelled, now, id, queue.StatusPending)
	if err != nil || won {
		return won, err
	}

	// In-flight rows get the cooperative flag; the terminal write resolves it.
	won, err = s.execConditional(ctx, `
		UPDATE operations
		SET cancel_requested = TRUE, updated_at = $1
		WHERE id = $2 AND status = $3
	`, now, id, queue.StatusInFlight)
	if err != nil || won {
		return won, err
	}

	// Distinguish "already terminal" from "no such operation".
	var exists bool
	if err := s.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM operations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check operation existence: %w", err)
	}

	if !exists {
		return false, queue.ErrOperationNotFound
	}

	return false, nil
}

// ReclaimExpired returns in-flight operations with expired leases to pending.
// The attempt counter is deliberately not rolled back: a crashed worker's
// claim still counts toward max_attempts.
func (s *PersistentOperationStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE operations
		SET status = $1,
		    scheduled_at = $2,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    updated_at = $2
		WHERE status = $3 AND lease_expires_at < $2
	`

	result, err := s.conn.ExecContext(ctx, query, queue.StatusPending, now, queue.StatusInFlight)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}

	reclaimed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(reclaimed), nil
}

// Stats returns per-status operation counts.
func (s *PersistentOperationStore) Stats(ctx context.Context) (*queue.Stats, error) {
	query := `SELECT status, COUNT(*) FROM operations GROUP BY status`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation stats: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	stats := &queue.Stats{}

	for rows.Next() {
		var (
			status string
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}

		switch status {
		case queue.StatusPending:
			stats.Pending = count
		case queue.StatusInFlight:
			stats.InFlight = count
		case queue.StatusCompleted:
			stats.Completed = count
		case queue.StatusFailed:
			stats.Failed = count
		case queue.StatusCancelled:
			stats.Cancelled = count
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats rows: %w", err)
	}

	return stats, nil
}

func (s *PersistentOperationStore) execConditional(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update operation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

// nullString maps "" to SQL NULL so empty optional fields stay NULL in the row.
func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// nullBytes maps empty JSON blobs to SQL NULL.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}

	return b
}
