package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/testbridge-io/testbridge/internal/webhook"
)

// PersistentEventStore implements webhook.EventStore with a PostgreSQL
// backend. The deterministic event ID is the primary key, so redelivered
// callbacks collapse into one row.
type PersistentEventStore struct {
	conn *Connection
}

// Compile-time interface check.
var _ webhook.EventStore = (*PersistentEventStore)(nil)

// NewPersistentEventStore creates a PostgreSQL-backed event store.
func NewPersistentEventStore(conn *Connection) (*PersistentEventStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentEventStore{conn: conn}, nil
}

const eventColumns = `
	id, event_kind, subject_id, subject_key, source_timestamp, actor_id,
	raw_payload, changelog, processed, processed_at, processing_error, received_at
`

func scanEvent(row interface{ Scan(...any) error }) (*webhook.Event, error) {
	var (
		event           webhook.Event
		actorID         sql.NullString
		processedAt     sql.NullTime
		processingError sql.NullString
	)

	err := row.Scan(
		&event.ID, &event.EventKind, &event.SubjectID, &event.SubjectKey,
		&event.SourceTimestamp, &actorID,
		&event.RawPayload, &event.Changelog,
		&event.Processed, &processedAt, &processingError, &event.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}

	event.ActorID = actorID.String
	event.ProcessingError = processingError.String

	if processedAt.Valid {
		event.ProcessedAt = &processedAt.Time
	}

	return &event, nil
}

// InsertOrIgnore stores the event unless its ID already exists. ON CONFLICT
// DO NOTHING makes concurrent redeliveries race-free without a transaction.
func (s *PersistentEventStore) InsertOrIgnore(ctx context.Context, event *webhook.Event) (bool, error) {
	query := `
		INSERT INTO issue_events (
			id, event_kind, subject_id, subject_key, source_timestamp, actor_id,
			raw_payload, changelog, processed, received_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := s.conn.ExecContext(
		ctx,
		query,
		event.ID,
		event.EventKind,
		event.SubjectID,
		event.SubjectKey,
		event.SourceTimestamp,
		nullString(event.ActorID),
		event.RawPayload,
		nullBytes(event.Changelog),
		event.Processed,
		event.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

// Get returns the event with the given ID.
func (s *PersistentEventStore) Get(ctx context.Context, id string) (*webhook.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM issue_events WHERE id = $1`

	event, err := scanEvent(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query event: %w", err)
	}

	return event, nil
}

// MarkProcessed finishes an event, clearing any recorded error.
func (s *PersistentEventStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE issue_events
		SET processed = TRUE, processed_at = $1, processing_error = NULL
		WHERE id = $2
	`

	return s.execExpectingRow(ctx, query, at, id)
}

// MarkErrored records a dispatch failure, leaving the event unprocessed.
func (s *PersistentEventStore) MarkErrored(ctx context.Context, id, processingError string) error {
	query := `
		UPDATE issue_events
		SET processing_error = $1
		WHERE id = $2
	`

	return s.execExpectingRow(ctx, query, processingError, id)
}

// ListUnprocessedBefore returns unprocessed events received before the
// threshold, oldest first, up to limit.
func (s *PersistentEventStore) ListUnprocessedBefore(
	ctx context.Context,
	threshold time.Time,
	limit int,
) ([]*webhook.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM issue_events
		WHERE processed = FALSE AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`

	rows, err := s.conn.QueryContext(ctx, query, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed events: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var events []*webhook.Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	return events, nil
}

// PruneBefore deletes events received before the cutoff.
func (s *PersistentEventStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM issue_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(pruned), nil
}

func (s *PersistentEventStore) execExpectingRow(ctx context.Context, query string, args ...any) error {
	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return webhook.ErrEventNotFound
	}

	return nil
}
