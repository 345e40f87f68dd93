package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryOperationStore provides thread-safe in-memory storage for operations.
// Used in tests and when no database is configured.
type MemoryOperationStore struct {
	// ops maps operation IDs to Operation structs
	ops map[string]*Operation
	// mutex protects concurrent access
	mutex sync.RWMutex
}

// Compile-time interface check.
var _ OperationStore = (*MemoryOperationStore)(nil)

// NewMemoryOperationStore creates a new thread-safe in-memory operation store.
func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{
		ops: make(map[string]*Operation),
	}
}

// Insert persists a new pending operation.
func (s *MemoryOperationStore) Insert(_ context.Context, op *Operation) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Store a copy to prevent external modification
	opCopy := *op
	s.ops[op.ID] = &opCopy

	return nil
}

// Get returns the operation with the given ID.
func (s *MemoryOperationStore) Get(_ context.Context, id string) (*Operation, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	op, exists := s.ops[id]
	if !exists {
		return nil, ErrOperationNotFound
	}

	opCopy := *op

	return &opCopy, nil
}

// Claim transitions up to limit eligible pending operations to in_flight.
func (s *MemoryOperationStore) Claim(_ context.Context, workerID string, limit int, leaseFor time.Duration) ([]*Operation, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now().UTC()

	eligible := make([]*Operation, 0)
	for _, op := range s.ops {
		if op.Status != StatusPending || op.ScheduledAt.After(now) {
			continue
		}
		if op.RateLimitUntil != nil && op.RateLimitUntil.After(now) {
			continue
		}

		eligible = append(eligible, op)
	}

	// Priority ascending, then scheduled_at ascending; ID breaks ties so
	// claiming order is deterministic.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		if !eligible[i].ScheduledAt.Equal(eligible[j].ScheduledAt) {
			return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt)
		}

		return eligible[i].ID < eligible[j].ID
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*Operation, 0, len(eligible))
	for _, op := range eligible {
		lease := now.Add(leaseFor)
		started := now
		op.Status = StatusInFlight
		op.Attempt++
		op.LeaseOwner = workerID
		op.LeaseExpiresAt = &lease
		op.StartedAt = &started
		op.UpdatedAt = now

		opCopy := *op
		claimed = append(claimed, &opCopy)
	}

	return claimed, nil
}

// MarkCompleted finishes an in-flight operation held by workerID.
func (s *MemoryOperationStore) MarkCompleted(_ context.Context, id, workerID string, result json.RawMessage) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	op, exists := s.ops[id]
	if !exists || op.Status != StatusInFlight || op.LeaseOwner != workerID {
		return false, nil
	}

	now := time.Now().UTC()
	if op.CancelRequested {
		op.Status = StatusCancelled
	} else {
		op.Status = StatusCompleted
		op.Result = result
	}
	op.LeaseOwner = ""
	op.LeaseExpiresAt = nil
	op.CompletedAt = &now
	op.UpdatedAt = now

	return true, nil
}

// MarkFailed terminally fails an in-flight operation held by workerID.
func (s *MemoryOperationStore) MarkFailed(_ context.Context, id, workerID, lastError string, detail json.RawMessage) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	op, exists := s.ops[id]
	if !exists || op.Status != StatusInFlight || op.LeaseOwner != workerID {
		return false, nil
	}

	now := time.Now().UTC()
	if op.CancelRequested {
		op.Status = StatusCancelled
	} else {
		op.Status = StatusFailed
	}
	op.LastError = lastError
	op.ErrorDetail = detail
	op.LeaseOwner = ""
	op.LeaseExpiresAt = nil
	op.CompletedAt = &now
	op.UpdatedAt = now

	return true, nil
}

// RescheduleRetry returns an in-flight operation held by workerID to pending,
// keeping its attempt counter.
func (s *MemoryOperationStore) RescheduleRetry(_ context.Context, id, workerID, lastError string, at time.Time) (bool, error) {
	return s.reschedule(id, workerID, lastError, at, 0, false)
}

// RescheduleRateLimited returns an in-flight operation held by workerID to
// pending and undoes the claim's attempt increment.
func (s *MemoryOperationStore) RescheduleRateLimited(_ context.Context, id, workerID, lastError string, at time.Time) (bool, error) {
	return s.reschedule(id, workerID, lastError, at, -1, true)
}

func (s *MemoryOperationStore) reschedule(id, workerID, lastError string, at time.Time, attemptDelta int, rateLimited bool) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	op, exists := s.ops[id]
	if !exists || op.Status != StatusInFlight || op.LeaseOwner != workerID {
		return false, nil
	}

	now := time.Now().UTC()
	if op.CancelRequested {
		op.Status = StatusCancelled
		op.CompletedAt = &now
	} else {
		op.Status = StatusPending
		op.ScheduledAt = at
		op.Attempt += attemptDelta
		if rateLimited {
			until := at
			op.RateLimitUntil = &until
		}
	}
	op.LastError = lastError
	op.LeaseOwner = ""
	op.LeaseExpiresAt = nil
	op.UpdatedAt = now

	return true, nil
}

// Cancel cancels a pending operation or flags an in-flight one.
func (s *MemoryOperationStore) Cancel(_ context.Context, id string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	op, exists := s.ops[id]
	if !exists {
		return false, ErrOperationNotFound
	}

	now := time.Now().UTC()

	switch op.Status {
	case StatusPending:
		op.Status = StatusCancelled
		op.CompletedAt = &now
		op.UpdatedAt = now

		return true, nil
	case StatusInFlight:
		op.CancelRequested = true
		op.UpdatedAt = now

		return true, nil
	default:
		return false, nil
	}
}

// ReclaimExpired returns in-flight operations with expired leases to pending.
func (s *MemoryOperationStore) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	reclaimed := 0
	for _, op := range s.ops {
		if op.Status == StatusInFlight && op.LeaseExpiresAt != nil && op.LeaseExpiresAt.Before(now) {
			op.Status = StatusPending
			op.LeaseOwner = ""
			op.LeaseExpiresAt = nil
			op.UpdatedAt = now
			reclaimed++
		}
	}

	return reclaimed, nil
}

// Stats returns per-status operation counts.
func (s *MemoryOperationStore) Stats(_ context.Context) (*Stats, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stats := &Stats{}
	for _, op := range s.ops {
		switch op.Status {
		case StatusPending:
			stats.Pending++
		case StatusInFlight:
			stats.InFlight++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}

	return stats, nil
}
