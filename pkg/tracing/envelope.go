package tracing

import (
	"go.opentelemetry.io/otel/attribute"

	"bucketflow/internal/envelope"
)

// EnvelopeAttributes describes the event a span works on.
func EnvelopeAttributes(env *envelope.Envelope) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("event.id", env.ID),
		attribute.String("event.type", env.EventType.String()),
		attribute.String("object.bucket", env.Bucket),
		attribute.String("object.name", env.Object),
	}
	if env.Generation != "" {
		attrs = append(attrs, attribute.String("object.generation", env.Generation))
	}
	if ct := env.ContentTypeOrEmpty(); ct != "" {
		attrs = append(attrs, attribute.String("object.content_type", ct))
	}
	return attrs
}
