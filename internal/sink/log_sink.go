package sink

import (
	"context"
	"log/slog"
)

// LogSink writes notifications to the structured log. Always registered; it
// makes the pipeline observable without any external infrastructure.
type LogSink struct {
	logger *slog.Logger
}

// Compile-time interface check.
var _ Sink = (*LogSink)(nil)

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name identifies the sink in logs.
func (s *LogSink) Name() string { return "log" }

// Publish writes the message as an info log entry.
func (s *LogSink) Publish(_ context.Context, msg *Message) error {
	s.logger.Info("domain event",
		slog.String("event", msg.Name),
		slog.String("key", msg.Key),
		slog.Time("occurred_at", msg.OccurredAt),
		slog.String("payload", string(msg.Payload)),
	)

	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }
