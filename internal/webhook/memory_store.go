package webhook

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryEventStore provides thread-safe in-memory storage for inbound events.
// Used in tests and when no database is configured.
type MemoryEventStore struct {
	// events maps event IDs to Event structs
	events map[string]*Event
	// mutex protects concurrent access
	mutex sync.RWMutex
}

// Compile-time interface check.
var _ EventStore = (*MemoryEventStore)(nil)

// NewMemoryEventStore creates a new thread-safe in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[string]*Event),
	}
}

// InsertOrIgnore stores the event unless its ID already exists.
func (s *MemoryEventStore) InsertOrIgnore(_ context.Context, event *Event) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.events[event.ID]; exists {
		return false, nil
	}

	eventCopy := *event
	s.events[event.ID] = &eventCopy

	return true, nil
}

// Get returns the event with the given ID.
func (s *MemoryEventStore) Get(_ context.Context, id string) (*Event, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	event, exists := s.events[id]
	if !exists {
		return nil, ErrEventNotFound
	}

	eventCopy := *event

	return &eventCopy, nil
}

// MarkProcessed finishes an event.
func (s *MemoryEventStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	event, exists := s.events[id]
	if !exists {
		return ErrEventNotFound
	}

	event.Processed = true
	event.ProcessedAt = &at
	event.ProcessingError = ""

	return nil
}

// MarkErrored records a dispatch failure.
func (s *MemoryEventStore) MarkErrored(_ context.Context, id, processingError string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	event, exists := s.events[id]
	if !exists {
		return ErrEventNotFound
	}

	event.Processed = false
	event.ProcessedAt = nil
	event.ProcessingError = processingError

	return nil
}

// ListUnprocessedBefore returns unprocessed events received before threshold.
func (s *MemoryEventStore) ListUnprocessedBefore(_ context.Context, threshold time.Time, limit int) ([]*Event, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	eligible := make([]*Event, 0)
	for _, event := range s.events {
		if !event.Processed && event.ReceivedAt.Before(threshold) {
			eventCopy := *event
			eligible = append(eligible, &eventCopy)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].ReceivedAt.Before(eligible[j].ReceivedAt)
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	return eligible, nil
}

// PruneBefore deletes events received before the cutoff.
func (s *MemoryEventStore) PruneBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	pruned := 0
	for id, event := range s.events {
		if event.ReceivedAt.Before(cutoff) {
			delete(s.events, id)
			pruned++
		}
	}

	return pruned, nil
}
