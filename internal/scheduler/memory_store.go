package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore provides thread-safe in-memory storage for schedules.
// Used in tests and when no database is configured.
type MemoryStore struct {
	// schedules maps schedule IDs to Schedule structs
	schedules map[string]*Schedule
	// mutex protects concurrent access
	mutex sync.RWMutex
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new thread-safe in-memory schedule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules: make(map[string]*Schedule),
	}
}

// Insert stores a new schedule. Suite names are unique and the interval
// must be positive, matching the schema constraints on the persistent store.
func (s *MemoryStore) Insert(_ context.Context, schedule *Schedule) error {
	if schedule.Interval <= 0 {
		return ErrInvalidInterval
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, existing := range s.schedules {
		if existing.Suite == schedule.Suite {
			return ErrDuplicateSuite
		}
	}

	scheduleCopy := *schedule
	s.schedules[schedule.ID] = &scheduleCopy

	return nil
}

// Get returns the schedule with the given ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*Schedule, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return nil, ErrScheduleNotFound
	}

	scheduleCopy := *schedule

	return &scheduleCopy, nil
}

// List returns all schedules ordered by suite name.
func (s *MemoryStore) List(_ context.Context) ([]*Schedule, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	all := make([]*Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		scheduleCopy := *schedule
		all = append(all, &scheduleCopy)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Suite < all[j].Suite
	})

	return all, nil
}

// ListDue returns enabled schedules due at or before now, soonest first.
func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Schedule, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	due := make([]*Schedule, 0)
	for _, schedule := range s.schedules {
		if schedule.Enabled && !schedule.NextRunAt.After(now) {
			scheduleCopy := *schedule
			due = append(due, &scheduleCopy)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(due[j].NextRunAt)
	})

	if len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

// Advance moves next_run_at only when it still holds its expected value.
func (s *MemoryStore) Advance(_ context.Context, id string, expected, next, lastRun time.Time) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return false, ErrScheduleNotFound
	}

	if !schedule.NextRunAt.Equal(expected) {
		return false, nil
	}

	schedule.NextRunAt = next
	schedule.LastRunAt = &lastRun
	schedule.UpdatedAt = time.Now().UTC()

	return true, nil
}

// SetEnabled pauses or resumes a schedule.
func (s *MemoryStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return ErrScheduleNotFound
	}

	schedule.Enabled = enabled
	schedule.UpdatedAt = time.Now().UTC()

	return nil
}

// Delete removes a schedule.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.schedules[id]; !exists {
		return ErrScheduleNotFound
	}

	delete(s.schedules, id)

	return nil
}
