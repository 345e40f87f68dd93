package mapping

import (
	"context"
	"sync"
	"time"
)

// MemoryStore provides thread-safe in-memory storage for failure mappings.
// Used in tests and when no database is configured.
type MemoryStore struct {
	// byTriple maps "runID|testName|fingerprint" to mappings
	byTriple map[string]*Mapping
	// byIssueKey maps external issue keys to mappings
	byIssueKey map[string]*Mapping
	// mutex protects concurrent access to both maps
	mutex sync.RWMutex
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new thread-safe in-memory mapping store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTriple:   make(map[string]*Mapping),
		byIssueKey: make(map[string]*Mapping),
	}
}

func tripleKey(m *Mapping) string {
	return m.TestRunID + "|" + m.TestName + "|" + m.Fingerprint
}

// Insert persists a new mapping, enforcing both uniqueness constraints.
func (s *MemoryStore) Insert(_ context.Context, m *Mapping) (bool, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.byTriple[tripleKey(m)]; exists {
		return false, true, nil
	}
	if _, exists := s.byIssueKey[m.ExternalIssueKey]; exists {
		return false, true, nil
	}

	// Store a copy to prevent external modification
	mCopy := *m
	s.byTriple[tripleKey(&mCopy)] = &mCopy
	s.byIssueKey[mCopy.ExternalIssueKey] = &mCopy

	return true, false, nil
}

// FindActiveByFingerprint returns the most recent non-terminal mapping for a
// fingerprint.
func (s *MemoryStore) FindActiveByFingerprint(_ context.Context, fingerprint string) (*Mapping, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var newest *Mapping
	for _, m := range s.byTriple {
		if m.Fingerprint != fingerprint || m.Terminal() {
			continue
		}
		if newest == nil || m.CreatedAt.After(newest.CreatedAt) {
			newest = m
		}
	}

	if newest == nil {
		return nil, ErrMappingNotFound
	}

	mCopy := *newest

	return &mCopy, nil
}

// FindByIssueKey returns the mapping for an external issue key.
func (s *MemoryStore) FindByIssueKey(_ context.Context, issueKey string) (*Mapping, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	m, exists := s.byIssueKey[issueKey]
	if !exists {
		return nil, ErrMappingNotFound
	}

	mCopy := *m

	return &mCopy, nil
}

// UpdateExternalState applies tracker-side field updates to a mapping.
func (s *MemoryStore) UpdateExternalState(_ context.Context, issueKey string, state *ExternalState) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	m, exists := s.byIssueKey[issueKey]
	if !exists {
		return false, nil
	}

	if state.Summary != "" {
		m.Summary = state.Summary
	}
	if state.Status != "" {
		m.Status = state.Status
	}
	if state.Priority != "" {
		m.Priority = state.Priority
	}
	if state.Type != "" {
		m.Type = state.Type
	}
	if state.Assignee != "" {
		m.Assignee = state.Assignee
	}
	if state.Resolution != "" {
		m.Resolution = state.Resolution

		// The first terminal stamp survives repeated terminal updates; a
		// reopen clears it.
		switch {
		case state.ResolvedAt == nil:
			m.ResolvedAt = nil
		case m.ResolvedAt == nil:
			m.ResolvedAt = state.ResolvedAt
		}
	}

	now := time.Now().UTC()
	m.LastSyncedAt = &now
	m.SyncStatus = SyncSynced
	m.UpdatedAt = now

	return true, nil
}

// MarkSynced records a successful outbound mutation for a mapping.
func (s *MemoryStore) MarkSynced(_ context.Context, issueKey string, at time.Time) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	m, exists := s.byIssueKey[issueKey]
	if !exists {
		return false, nil
	}

	m.LastSyncedAt = &at
	m.SyncStatus = SyncSynced
	m.UpdatedAt = time.Now().UTC()

	return true, nil
}

// ListByTestRun returns all mappings recorded for a test run.
func (s *MemoryStore) ListByTestRun(_ context.Context, testRunID string) ([]*Mapping, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*Mapping, 0)
	for _, m := range s.byTriple {
		if m.TestRunID == testRunID {
			mCopy := *m
			result = append(result, &mCopy)
		}
	}

	return result, nil
}
