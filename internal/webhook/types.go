// Package webhook processes inbound issue-tracker callbacks: signature
// verification, allow-list filtering, deterministic deduplication, and
// dispatch of the resulting state changes into the mapping table.
//
// Processing is at-least-once with exactly-one effect: the deterministic
// event ID makes redelivery a no-op at the store, and dispatch runs before
// the event is acknowledged as processed.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Processing reasons returned to the producer.
const (
	ReasonOK               = "ok"
	ReasonIgnored          = "ignored"
	ReasonDuplicate        = "duplicate"
	ReasonInvalidSignature = "invalid_signature"
	ReasonMissingSignature = "missing_signature"
	ReasonBadPayload       = "bad_payload"
)

// Sentinel errors returned by event stores.
var (
	// ErrEventNotFound indicates the requested event ID does not exist.
	ErrEventNotFound = errors.New("event not found")
)

// Event is one stored inbound callback.
type Event struct {
	// ID is the deterministic hash of kind, subject key, and source
	// timestamp; redelivered callbacks collide on it.
	ID string `json:"id"`

	EventKind  string `json:"eventKind"`
	SubjectID  string `json:"subjectId"`
	SubjectKey string `json:"subjectKey"`

	// SourceTimestamp is the tracker's own event timestamp, monotone per
	// source.
	SourceTimestamp int64  `json:"sourceTimestamp"`
	ActorID         string `json:"actorId,omitempty"`

	// RawPayload retains the original bytes for audit and replay.
	RawPayload []byte `json:"rawPayload,omitempty"`

	// Changelog is the structured field diff, when the source sent one.
	Changelog []byte `json:"changelog,omitempty"`

	Processed       bool       `json:"processed"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
	ProcessingError string     `json:"processingError,omitempty"`

	ReceivedAt time.Time `json:"receivedAt"`
}

// EventID derives the deterministic event identity: SHA-256 hex of
// "kind|subjectKey|sourceTimestamp".
func EventID(eventKind, subjectKey string, sourceTimestamp int64) string {
	sum := sha256.Sum256([]byte(eventKind + "|" + subjectKey + "|" + strconv.FormatInt(sourceTimestamp, 10)))

	return hex.EncodeToString(sum[:])
}

// EventStore is the persistence interface for inbound events.
//
// The domain package defines this interface to specify what it needs from
// storage, without depending on concrete implementations.
type EventStore interface {
	// InsertOrIgnore stores the event unless its ID already exists.
	// Returns whether the insert happened; a duplicate is not an error.
	InsertOrIgnore(ctx context.Context, event *Event) (stored bool, err error)

	// Get returns the event with the given ID.
	Get(ctx context.Context, id string) (*Event, error)

	// MarkProcessed finishes an event, clearing any recorded error.
	MarkProcessed(ctx context.Context, id string, at time.Time) error

	// MarkErrored records a dispatch failure, leaving the event
	// unprocessed for the sweeper.
	MarkErrored(ctx context.Context, id, processingError string) error

	// ListUnprocessedBefore returns unprocessed events received before the
	// threshold, oldest first, up to limit.
	ListUnprocessedBefore(ctx context.Context, threshold time.Time, limit int) ([]*Event, error)

	// PruneBefore deletes events received before the cutoff, reporting how
	// many rows were removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}
