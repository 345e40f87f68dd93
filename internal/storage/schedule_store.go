package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/testbridge-io/testbridge/internal/scheduler"
)

// PersistentScheduleStore implements scheduler.Store with a PostgreSQL
// backend. The conditional Advance is the claim primitive that lets multiple
// dispatcher processes share the table without double-enqueuing a run.
type PersistentScheduleStore struct {
	conn *Connection
}

// Compile-time interface check.
var _ scheduler.Store = (*PersistentScheduleStore)(nil)

// NewPersistentScheduleStore creates a PostgreSQL-backed schedule store.
func NewPersistentScheduleStore(conn *Connection) (*PersistentScheduleStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentScheduleStore{conn: conn}, nil
}

const scheduleColumns = `
	id, suite, params, interval_seconds, priority, enabled,
	next_run_at, last_run_at, created_at, updated_at
`

func scanSchedule(row interface{ Scan(...any) error }) (*scheduler.Schedule, error) {
	var (
		sched           scheduler.Schedule
		intervalSeconds int64
		lastRunAt       sql.NullTime
	)

	err := row.Scan(
		&sched.ID, &sched.Suite, &sched.Params, &intervalSeconds, &sched.Priority,
		&sched.Enabled, &sched.NextRunAt, &lastRunAt, &sched.CreatedAt, &sched.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sched.Interval = time.Duration(intervalSeconds) * time.Second

	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}

	return &sched, nil
}

// Insert persists a new schedule. The suite name is unique and the interval
// must be positive; the schema enforces both, the interval is also rejected
// here so sub-second durations do not truncate to a zero that trips the
// constraint.
func (s *PersistentScheduleStore) Insert(ctx context.Context, sched *scheduler.Schedule) error {
	if sched.Interval < time.Second {
		return scheduler.ErrInvalidInterval
	}

	query := `
		INSERT INTO schedules (
			id, suite, params, interval_seconds, priority, enabled,
			next_run_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.conn.ExecContext(
		ctx,
		query,
		sched.ID,
		sched.Suite,
		nullBytes(sched.Params),
		int64(sched.Interval/time.Second),
		sched.Priority,
		sched.Enabled,
		sched.NextRunAt,
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return scheduler.ErrDuplicateSuite
		}

		return fmt.Errorf("failed to insert schedule: %w", err)
	}

	return nil
}

// Get returns the schedule with the given ID.
func (s *PersistentScheduleStore) Get(ctx context.Context, id string) (*scheduler.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`

	sched, err := scanSchedule(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scheduler.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}

	return sched, nil
}

// List returns all schedules ordered by suite name.
func (s *PersistentScheduleStore) List(ctx context.Context) ([]*scheduler.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY suite ASC`

	return s.querySchedules(ctx, query)
}

// ListDue returns enabled schedules whose next_run_at has passed, soonest
// first, up to limit.
func (s *PersistentScheduleStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*scheduler.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE enabled = TRUE AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
	`

	return s.querySchedules(ctx, query, now, limit)
}

// Advance conditionally moves a schedule forward. The WHERE clause on the
// expected next_run_at makes this the dispatcher claim: only one process wins
// each run.
func (s *PersistentScheduleStore) Advance(
	ctx context.Context,
	id string,
	expected, next, lastRun time.Time,
) (bool, error) {
	query := `
		UPDATE schedules
		SET next_run_at = $1, last_run_at = $2, updated_at = $3
		WHERE id = $4 AND next_run_at = $5
	`

	result, err := s.conn.ExecContext(ctx, query, next, lastRun, time.Now().UTC(), id, expected)
	if err != nil {
		return false, fmt.Errorf("failed to advance schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 1 {
		return true, nil
	}

	// Distinguish a lost claim from a missing schedule.
	var exists bool
	if err := s.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM schedules WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check schedule existence: %w", err)
	}

	if !exists {
		return false, scheduler.ErrScheduleNotFound
	}

	return false, nil
}

// SetEnabled toggles a schedule on or off.
func (s *PersistentScheduleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE schedules SET enabled = $1, updated_at = $2 WHERE id = $3`

	result, err := s.conn.ExecContext(ctx, query, enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set schedule enabled: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return scheduler.ErrScheduleNotFound
	}

	return nil
}

// Delete removes a schedule.
func (s *PersistentScheduleStore) Delete(ctx context.Context, id string) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return scheduler.ErrScheduleNotFound
	}

	return nil
}

func (s *PersistentScheduleStore) querySchedules(ctx context.Context, query string, args ...any) ([]*scheduler.Schedule, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	schedules := make([]*scheduler.Schedule, 0)

	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, sched)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedule rows: %w", err)
	}

	return schedules, nil
}
