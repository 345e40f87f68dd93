package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testbridge-io/testbridge/internal/webhook"
)

// newTestEvent builds an unprocessed inbound event with a deterministic ID.
func newTestEvent(subjectKey string, sourceTimestamp int64) *webhook.Event {
	return &webhook.Event{
		ID:              webhook.EventID("jira:issue_updated", subjectKey, sourceTimestamp),
		EventKind:       "jira:issue_updated",
		SubjectID:       "10001",
		SubjectKey:      subjectKey,
		SourceTimestamp: sourceTimestamp,
		ActorID:         "qa-bot",
		RawPayload:      []byte(`{"webhookEvent":"jira:issue_updated"}`),
		ReceivedAt:      time.Now().UTC(),
	}
}

func TestPersistentEventStoreInsertOrIgnore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewPersistentEventStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentEventStore() error = %v", err)
	}

	event := newTestEvent("QA-42", 1700000000000)

	stored, err := store.InsertOrIgnore(ctx, event)
	if err != nil {
		t.Fatalf("InsertOrIgnore() error = %v", err)
	}

	if !stored {
		t.Fatal("InsertOrIgnore() = false, want true for a new event")
	}

	// Redelivery collides on the deterministic ID and is silently ignored.
	stored, err = store.InsertOrIgnore(ctx, event)
	if err != nil {
		t.Fatalf("InsertOrIgnore() redelivery error = %v", err)
	}

	if stored {
		t.Error("InsertOrIgnore() redelivery = true, want false")
	}

	got, err := store.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.SubjectKey != "QA-42" {
		t.Errorf("SubjectKey = %q, want QA-42", got.SubjectKey)
	}

	if got.Processed {
		t.Error("Processed = true, want false for a fresh event")
	}

	if string(got.RawPayload) != `{"webhookEvent":"jira:issue_updated"}` {
		t.Errorf("RawPayload = %s", got.RawPayload)
	}

	if _, err := store.Get(ctx, webhook.EventID("jira:issue_updated", "QA-999", 1)); !errors.Is(err, webhook.ErrEventNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrEventNotFound", err)
	}
}

func TestPersistentEventStoreProcessingLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewPersistentEventStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentEventStore() error = %v", err)
	}

	event := newTestEvent("QA-7", 1700000001000)
	if _, err := store.InsertOrIgnore(ctx, event); err != nil {
		t.Fatalf("InsertOrIgnore() error = %v", err)
	}

	// A dispatch failure leaves the event unprocessed with the error recorded.
	if err := store.MarkErrored(ctx, event.ID, "mapping update failed"); err != nil {
		t.Fatalf("MarkErrored() error = %v", err)
	}

	got, err := store.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.Processed {
		t.Error("Processed = true after MarkErrored, want false")
	}

	if got.ProcessingError != "mapping update failed" {
		t.Errorf("ProcessingError = %q", got.ProcessingError)
	}

	// A later successful dispatch clears the error.
	processedAt := time.Now().UTC()
	if err := store.MarkProcessed(ctx, event.ID, processedAt); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}

	got, err = store.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if !got.Processed {
		t.Error("Processed = false after MarkProcessed, want true")
	}

	if got.ProcessedAt == nil {
		t.Error("ProcessedAt is nil after MarkProcessed")
	}

	if got.ProcessingError != "" {
		t.Errorf("ProcessingError = %q, want cleared", got.ProcessingError)
	}

	if err := store.MarkProcessed(ctx, "no-such-id", processedAt); !errors.Is(err, webhook.ErrEventNotFound) {
		t.Errorf("MarkProcessed(unknown) error = %v, want ErrEventNotFound", err)
	}
}

func TestPersistentEventStoreSweepQueries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewPersistentEventStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentEventStore() error = %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)

	// Three stalled events, one already processed, one too recent.
	for i := range 5 {
		event := newTestEvent(fmt.Sprintf("QA-%d", i), int64(1700000002000+i))
		event.ReceivedAt = base.Add(time.Duration(i) * time.Minute)

		if i == 4 {
			event.ReceivedAt = time.Now().UTC()
		}

		if _, err := store.InsertOrIgnore(ctx, event); err != nil {
			t.Fatalf("InsertOrIgnore() error = %v", err)
		}

		if i == 3 {
			if err := store.MarkProcessed(ctx, event.ID, time.Now().UTC()); err != nil {
				t.Fatalf("MarkProcessed() error = %v", err)
			}
		}
	}

	threshold := time.Now().UTC().Add(-5 * time.Minute)

	stalled, err := store.ListUnprocessedBefore(ctx, threshold, 10)
	if err != nil {
		t.Fatalf("ListUnprocessedBefore() error = %v", err)
	}

	if len(stalled) != 3 {
		t.Fatalf("ListUnprocessedBefore() returned %d events, want 3", len(stalled))
	}

	// Oldest first.
	for i := 1; i < len(stalled); i++ {
		if stalled[i].ReceivedAt.Before(stalled[i-1].ReceivedAt) {
			t.Error("ListUnprocessedBefore() is not ordered oldest first")
		}
	}

	limited, err := store.ListUnprocessedBefore(ctx, threshold, 2)
	if err != nil {
		t.Fatalf("ListUnprocessedBefore() with limit error = %v", err)
	}

	if len(limited) != 2 {
		t.Errorf("ListUnprocessedBefore() with limit returned %d events, want 2", len(limited))
	}

	// Pruning removes everything older than the cutoff, processed or not.
	pruned, err := store.PruneBefore(ctx, time.Now().UTC().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("PruneBefore() error = %v", err)
	}

	if pruned != 4 {
		t.Errorf("PruneBefore() = %d, want 4", pruned)
	}

	remaining, err := store.ListUnprocessedBefore(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListUnprocessedBefore() after prune error = %v", err)
	}

	if len(remaining) != 1 {
		t.Errorf("events remaining after prune = %d, want 1", len(remaining))
	}
}
