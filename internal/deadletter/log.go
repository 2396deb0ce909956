package deadletter

import (
	"context"

	"bucketflow/internal/logger"
)

type LogSink struct {
	logger logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{logger: log}
}

func (s *LogSink) Write(ctx context.Context, rec Record) error {
	s.logger.ErrorwCtx(ctx, "Event dead-lettered",
		"dead_letter_id", rec.ID,
		"event_id", rec.EventID,
		"route", rec.Route,
		"handler_id", rec.HandlerID,
		"attempts", rec.Attempts,
		"reason", rec.Reason,
		"last_error", rec.LastError,
		"bucket", rec.Envelope.Bucket,
		"name", rec.Envelope.Object,
		"event_type", rec.Envelope.EventType.String(),
	)
	return nil
}

func (s *LogSink) Close() error {
	return nil
}
