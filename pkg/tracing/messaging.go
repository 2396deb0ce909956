package tracing

import (
	"context"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"bucketflow/internal/constants"
)

// KafkaHeaders carries trace context in Kafka record headers. Set replaces
// an existing header of the same key.
type KafkaHeaders []kafka.Header

func (h *KafkaHeaders) Get(key string) string {
	for _, hdr := range *h {
		if hdr.Key == key {
			return string(hdr.Value)
		}
	}
	return ""
}

func (h *KafkaHeaders) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = []byte(value)
			return
		}
	}
	*h = append(*h, kafka.Header{Key: key, Value: []byte(value)})
}

func (h *KafkaHeaders) Keys() []string {
	keys := make([]string, len(*h))
	for i, hdr := range *h {
		keys[i] = hdr.Key
	}
	return keys
}

// InjectKafka appends the span context of ctx to headers.
func InjectKafka(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := KafkaHeaders(headers)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	return carrier
}

// StartConsumerSpan continues the trace found in carrier, if any, with a
// consumer span for one received notification.
func StartConsumerSpan(ctx context.Context, name string, carrier propagation.TextMapCarrier, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)
	return GetTracer(constants.ServiceName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

func KafkaRecordAttributes(msg kafka.Message) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.MessagingSystemKafka,
		semconv.MessagingDestinationName(msg.Topic),
		semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
		semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
	}
}

func PubSubMessageAttributes(subscription, messageID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.MessagingSystemGCPPubsub,
		semconv.MessagingDestinationName(subscription),
		semconv.MessagingMessageID(messageID),
	}
}
