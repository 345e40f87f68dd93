package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/testbridge-io/testbridge/internal/mapping"
)

// newTestMapping builds an open mapping for a fresh failure observation.
func newTestMapping(issueKey string) *mapping.Mapping {
	now := time.Now().UTC()

	return &mapping.Mapping{
		ID:                 uuid.New().String(),
		TestRunID:          "run-2026-08-24",
		TestName:           "checkout_total_is_correct",
		Fingerprint:        "fp-" + issueKey,
		ExternalIssueID:    "10001",
		ExternalIssueKey:   issueKey,
		ExternalProjectKey: "QA",
		Summary:            "checkout total assertion failed",
		Status:             "Open",
		FailureCategory:    "assertion",
		Module:             "checkout",
		Language:           "go",
		Environment:        "staging",
		Browser:            "chromium",
		SyncStatus:         mapping.SyncPending,
		Resolution:         mapping.ResolutionOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestPersistentMappingStoreInsert(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewPersistentMappingStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentMappingStore() error = %v", err)
	}

	m := newTestMapping("QA-1")

	stored, duplicate, err := store.Insert(ctx, m)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	if !stored || duplicate {
		t.Fatalf("Insert() = (%v, %v), want (true, false)", stored, duplicate)
	}

	got, err := store.FindByIssueKey(ctx, "QA-1")
	if err != nil {
		t.Fatalf("FindByIssueKey() error = %v", err)
	}

	if got.Fingerprint != m.Fingerprint {
		t.Errorf("Fingerprint = %q, want %q", got.Fingerprint, m.Fingerprint)
	}

	if got.Resolution != mapping.ResolutionOpen {
		t.Errorf("Resolution = %q, want %q", got.Resolution, mapping.ResolutionOpen)
	}

	if got.Module != "checkout" || got.Environment != "staging" {
		t.Errorf("classification fields = (%q, %q)", got.Module, got.Environment)
	}

	// Same observation triple is a duplicate, not an error.
	same := newTestMapping("QA-2")
	same.Fingerprint = m.Fingerprint

	stored, duplicate, err = store.Insert(ctx, same)
	if err != nil {
		t.Fatalf("Insert() duplicate triple error = %v", err)
	}

	if stored || !duplicate {
		t.Errorf("Insert() duplicate triple = (%v, %v), want (false, true)", stored, duplicate)
	}

	// Reusing an issue key is also a duplicate.
	reusedKey := newTestMapping("QA-1")
	reusedKey.TestRunID = "run-other"

	stored, duplicate, err = store.Insert(ctx, reusedKey)
	if err != nil {
		t.Fatalf("Insert() duplicate key error = %v", err)
	}

	if stored || !duplicate {
		t.Errorf("Insert() duplicate key = (%v, %v), want (false, true)", stored, duplicate)
	}

	if _, err := store.FindByIssueKey(ctx, "QA-404"); !errors.Is(err, mapping.ErrMappingNotFound) {
		t.Errorf("FindByIssueKey(unknown) error = %v, want ErrMappingNotFound", err)
	}
}

func TestPersistentMappingStoreFindActiveByFingerprint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewPersistentMappingStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentMappingStore() error = %v", err)
	}

	resolved := newTestMapping("QA-10")
	resolved.Fingerprint = "fp-flaky-login"
	resolved.Resolution = mapping.ResolutionResolved

	if _, _, err := store.Insert(ctx, resolved); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// Only non-terminal mappings absorb new occurrences.
	if _, err := store.FindActiveByFingerprint(ctx, "fp-flaky-login"); !errors.Is(err, mapping.ErrMappingNotFound) {
		t.Errorf("FindActiveByFingerprint() with only terminal rows error = %v, want ErrMappingNotFound", err)
	}

	active := newTestMapping("QA-11")
	active.Fingerprint = "fp-flaky-login"
	active.TestRunID = "run-next"

	if _, _, err := store.Insert(ctx, active); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := store.FindActiveByFingerprint(ctx, "fp-flaky-login")
	if err != nil {
		t.Fatalf("FindActiveByFingerprint() error = %v", err)
	}

	if got.ExternalIssueKey != "QA-11" {
		t.Errorf("ExternalIssueKey = %q, want QA-11", got.ExternalIssueKey)
	}
}

func TestPersistentMappingStoreExternalStateWriteBack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewPersistentMappingStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentMappingStore() error = %v", err)
	}

	m := newTestMapping("QA-20")
	if _, _, err := store.Insert(ctx, m); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// Partial update: empty fields leave stored values untouched.
	updated, err := store.UpdateExternalState(ctx, "QA-20", &mapping.ExternalState{
		Status:   "In Progress",
		Assignee: "dana",
	})
	if err != nil {
		t.Fatalf("UpdateExternalState() error = %v", err)
	}

	if !updated {
		t.Fatal("UpdateExternalState() = false, want true")
	}

	got, err := store.FindByIssueKey(ctx, "QA-20")
	if err != nil {
		t.Fatalf("FindByIssueKey() error = %v", err)
	}

	if got.Status != "In Progress" || got.Assignee != "dana" {
		t.Errorf("updated fields = (%q, %q)", got.Status, got.Assignee)
	}

	if got.Summary != m.Summary {
		t.Errorf("Summary = %q, want unchanged %q", got.Summary, m.Summary)
	}

	if got.SyncStatus != mapping.SyncSynced {
		t.Errorf("SyncStatus = %q, want %q", got.SyncStatus, mapping.SyncSynced)
	}

	if got.LastSyncedAt == nil {
		t.Error("LastSyncedAt is nil after UpdateExternalState")
	}

	// Resolution applies together with ResolvedAt.
	resolvedAt := time.Now().UTC()

	updated, err = store.UpdateExternalState(ctx, "QA-20", &mapping.ExternalState{
		Resolution: mapping.ResolutionResolved,
		ResolvedAt: &resolvedAt,
	})
	if err != nil {
		t.Fatalf("UpdateExternalState() resolution error = %v", err)
	}

	if !updated {
		t.Fatal("UpdateExternalState() resolution = false, want true")
	}

	got, err = store.FindByIssueKey(ctx, "QA-20")
	if err != nil {
		t.Fatalf("FindByIssueKey() error = %v", err)
	}

	if got.Resolution != mapping.ResolutionResolved {
		t.Errorf("Resolution = %q, want %q", got.Resolution, mapping.ResolutionResolved)
	}

	if got.ResolvedAt == nil {
		t.Fatal("ResolvedAt is nil after resolution")
	}

	firstStamp := *got.ResolvedAt

	// A later terminal update must not move the first stamp.
	laterStamp := resolvedAt.Add(time.Minute)

	updated, err = store.UpdateExternalState(ctx, "QA-20", &mapping.ExternalState{
		Status:     "Closed",
		Resolution: mapping.ResolutionClosed,
		ResolvedAt: &laterStamp,
	})
	if err != nil {
		t.Fatalf("UpdateExternalState() repeated terminal error = %v", err)
	}

	if !updated {
		t.Fatal("UpdateExternalState() repeated terminal = false, want true")
	}

	got, err = store.FindByIssueKey(ctx, "QA-20")
	if err != nil {
		t.Fatalf("FindByIssueKey() error = %v", err)
	}

	if got.Resolution != mapping.ResolutionClosed {
		t.Errorf("Resolution = %q, want %q", got.Resolution, mapping.ResolutionClosed)
	}

	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(firstStamp) {
		t.Errorf("ResolvedAt = %v, want first stamp %v preserved", got.ResolvedAt, firstStamp)
	}

	// Reopening clears the stamp.
	updated, err = store.UpdateExternalState(ctx, "QA-20", &mapping.ExternalState{
		Status:     "Reopened",
		Resolution: mapping.ResolutionOpen,
	})
	if err != nil {
		t.Fatalf("UpdateExternalState() reopen error = %v", err)
	}

	if !updated {
		t.Fatal("UpdateExternalState() reopen = false, want true")
	}

	got, err = store.FindByIssueKey(ctx, "QA-20")
	if err != nil {
		t.Fatalf("FindByIssueKey() error = %v", err)
	}

	if got.ResolvedAt != nil {
		t.Errorf("ResolvedAt = %v after reopen, want nil", got.ResolvedAt)
	}

	updated, err = store.UpdateExternalState(ctx, "QA-404", &mapping.ExternalState{Status: "Done"})
	if err != nil {
		t.Fatalf("UpdateExternalState() unknown key error = %v", err)
	}

	if updated {
		t.Error("UpdateExternalState() unknown key = true, want false")
	}
}

func TestPersistentMappingStoreMarkSyncedAndListByTestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewPersistentMappingStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentMappingStore() error = %v", err)
	}

	first := newTestMapping("QA-30")
	second := newTestMapping("QA-31")
	second.TestName = "login_rejects_bad_password"
	second.Fingerprint = "fp-other"

	for _, m := range []*mapping.Mapping{first, second} {
		if _, _, err := store.Insert(ctx, m); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	synced, err := store.MarkSynced(ctx, "QA-30", time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}

	if !synced {
		t.Fatal("MarkSynced() = false, want true")
	}

	got, err := store.FindByIssueKey(ctx, "QA-30")
	if err != nil {
		t.Fatalf("FindByIssueKey() error = %v", err)
	}

	if got.SyncStatus != mapping.SyncSynced || got.LastSyncedAt == nil {
		t.Errorf("SyncStatus = %q, LastSyncedAt = %v", got.SyncStatus, got.LastSyncedAt)
	}

	synced, err = store.MarkSynced(ctx, "QA-404", time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkSynced() unknown key error = %v", err)
	}

	if synced {
		t.Error("MarkSynced() unknown key = true, want false")
	}

	mappings, err := store.ListByTestRun(ctx, "run-2026-08-24")
	if err != nil {
		t.Fatalf("ListByTestRun() error = %v", err)
	}

	if len(mappings) != 2 {
		t.Fatalf("ListByTestRun() returned %d mappings, want 2", len(mappings))
	}

	empty, err := store.ListByTestRun(ctx, "run-none")
	if err != nil {
		t.Fatalf("ListByTestRun() empty run error = %v", err)
	}

	if empty == nil || len(empty) != 0 {
		t.Errorf("ListByTestRun() empty run = %v, want empty non-nil slice", empty)
	}
}
