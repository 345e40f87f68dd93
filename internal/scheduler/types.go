// Package scheduler dispatches recurring test-suite executions. Due
// schedules are turned into queued run_suite operations; execution itself
// happens behind the queue's lease discipline, so this package only decides
// WHEN a suite run enters the queue, never runs one.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by schedule stores.
var (
	// ErrScheduleNotFound indicates the requested schedule does not exist.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrDuplicateSuite indicates a schedule for the suite already exists.
	ErrDuplicateSuite = errors.New("schedule for suite already exists")

	// ErrInvalidInterval indicates a schedule interval that is not positive.
	ErrInvalidInterval = errors.New("schedule interval must be positive")
)

// Schedule is one recurring suite execution.
type Schedule struct {
	ID string `json:"id"`

	// Suite names the test suite to run. Unique per schedule.
	Suite string `json:"suite"`

	// Params is an opaque blob passed through to the runner.
	Params json.RawMessage `json:"params,omitempty"`

	// Interval is the cadence between runs.
	Interval time.Duration `json:"interval"`

	// Priority is applied to the enqueued operations; lower runs first.
	Priority int `json:"priority"`

	Enabled bool `json:"enabled"`

	// NextRunAt is the next time the schedule is due. Advancing it is the
	// claim primitive: the dispatcher that moves it owns the run.
	NextRunAt time.Time  `json:"nextRunAt"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NextAfter computes the first due time strictly after now, stepping from
// the current NextRunAt so the cadence does not drift. Missed intervals are
// skipped, not replayed. A non-positive interval cannot converge, so it
// falls back to one step past now.
func (s *Schedule) NextAfter(now time.Time) time.Time {
	if s.Interval <= 0 {
		return now.Add(time.Nanosecond)
	}

	next := s.NextRunAt
	for !next.After(now) {
		next = next.Add(s.Interval)
	}

	return next
}

// Store is the persistence interface for schedules.
//
// The domain package defines this interface to specify what it needs from
// storage, without depending on concrete implementations.
type Store interface {
	// Insert stores a new schedule. Suite names are unique.
	Insert(ctx context.Context, schedule *Schedule) error

	// Get returns the schedule with the given ID.
	Get(ctx context.Context, id string) (*Schedule, error)

	// List returns all schedules ordered by suite name.
	List(ctx context.Context) ([]*Schedule, error)

	// ListDue returns enabled schedules with next_run_at <= now, soonest
	// first, up to limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)

	// Advance moves next_run_at from its expected current value to next and
	// stamps last_run_at. Returns false when another dispatcher advanced the
	// schedule first.
	Advance(ctx context.Context, id string, expected, next, lastRun time.Time) (bool, error)

	// SetEnabled pauses or resumes a schedule.
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// Delete removes a schedule.
	Delete(ctx context.Context, id string) error
}
