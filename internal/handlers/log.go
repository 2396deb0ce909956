package handlers

import (
	"context"

	"bucketflow/internal/envelope"
	"bucketflow/internal/logger"
)

// Log writes one structured line per event.
type Log struct {
	logger logger.Logger
}

func NewLog(log logger.Logger) *Log {
	return &Log{logger: log.Named("handler.log")}
}

func (h *Log) Handle(ctx context.Context, env *envelope.Envelope) error {
	h.logger.InfowCtx(ctx, "Object event",
		"event_type", env.EventType.String(),
		"bucket", env.Bucket,
		"name", env.Object,
		"content_type", env.ContentTypeOrEmpty(),
		"size", env.SizeOrZero(),
		"generation", env.Generation,
		"created", env.CreatedAt,
	)
	return nil
}
