// Package sink fans domain notifications out to named destinations.
//
// Producers publish after their store writes commit, so a sink observer can
// always read the state a notification refers to. Sink failures are logged
// and never propagated: notification is best-effort, the store is the record.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Notification names published by the pipeline.
const (
	EventOperationCompleted = "operation_completed"
	EventOperationFailed    = "operation_failed"
	EventIssueEventReceived = "issue_event_received"
	EventMappingUpdated     = "mapping_updated"
)

// Message is one domain notification.
type Message struct {
	// Name identifies the notification type (see the Event constants).
	Name string `json:"name"`

	// Key groups related messages (operation ID, issue key, event ID);
	// partitioned sinks use it as the partition key.
	Key string `json:"key"`

	OccurredAt time.Time `json:"occurredAt"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// Sink is one named notification destination.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	// Publish delivers one message.
	Publish(ctx context.Context, msg *Message) error

	// Close releases sink resources.
	Close() error
}

// Registry fans messages out to every registered sink.
type Registry struct {
	mutex  sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
}

// NewRegistry creates an empty sink registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a sink to the fan-out set.
func (r *Registry) Register(s Sink) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.sinks = append(r.sinks, s)
}

// Publish serializes payload and delivers the message to every sink.
// Per-sink failures are logged; the caller never sees them.
func (r *Registry) Publish(ctx context.Context, name, key string, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("sink payload serialization failed",
			slog.String("event", name),
			slog.String("error", err.Error()),
		)

		return
	}

	msg := &Message{
		Name:       name,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    encoded,
	}

	r.mutex.RLock()
	sinks := r.sinks
	r.mutex.RUnlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, msg); err != nil {
			r.logger.Error("sink publish failed",
				slog.String("sink", s.Name()),
				slog.String("event", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close closes every registered sink, logging failures.
func (r *Registry) Close() {
	r.mutex.RLock()
	sinks := r.sinks
	r.mutex.RUnlock()

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			r.logger.Error("sink close failed",
				slog.String("sink", s.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}
