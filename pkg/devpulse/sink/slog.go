package sink

import (
	"context"
	"log/slog"

	"github.com/yaioyaio/devpulse/pkg/devpulse/event"
)

// LogSink writes each event of a processed batch to a structured logger.
// Useful as a development-time batch processor.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink creates a sink writing at the given level. A nil logger uses
// slog.Default().
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: level}
}

// ProcessBatch logs every event in the batch. It never fails.
func (s *LogSink) ProcessBatch(events []event.Event) error {
	for _, evt := range events {
		s.logger.Log(context.Background(), s.level, "event",
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
			slog.String("category", string(evt.Category)),
			slog.String("severity", evt.Severity.String()),
			slog.String("source", evt.Source),
		)
	}
	return nil
}
