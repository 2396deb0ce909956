package ingest

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"bucketflow/internal/config"
	"bucketflow/internal/envelope"
	"bucketflow/internal/logger"
	"bucketflow/pkg/tracing"
)

// Cloud Storage notification attributes.
const (
	attrEventType        = "eventType"
	attrBucketID         = "bucketId"
	attrObjectID         = "objectId"
	attrObjectGeneration = "objectGeneration"
)

// PubSubSource pulls Cloud Storage notifications from a subscription. A
// message is acked once its dispatch is final and nacked otherwise, so
// Pub/Sub redelivers it.
type PubSubSource struct {
	subscription *pubsub.Subscription
	processor    *Processor
	logger       logger.Logger
}

func NewPubSubSource(client *pubsub.Client, cfg config.PubSubIngestConfig, processor *Processor, log logger.Logger) *PubSubSource {
	sub := client.Subscription(cfg.SubscriptionID)
	if cfg.MaxOutstandingMessages > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	}
	return &PubSubSource{
		subscription: sub,
		processor:    processor,
		logger:       log.Named("pubsub-source"),
	}
}

// Run blocks receiving until ctx is cancelled.
func (s *PubSubSource) Run(ctx context.Context) error {
	s.logger.InfowCtx(ctx, "Listening for notifications", "subscription", s.subscription.ID())
	if err := s.subscription.Receive(ctx, s.handle); err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive on %s: %w", s.subscription.ID(), err)
	}
	return nil
}

func (s *PubSubSource) handle(ctx context.Context, msg *pubsub.Message) {
	ctx, span := tracing.StartConsumerSpan(ctx, "pubsub.receive", propagation.MapCarrier(msg.Attributes),
		tracing.PubSubMessageAttributes(s.subscription.ID(), msg.ID)...)
	defer span.End()

	res, err := s.processor.Process(ctx, SourcePubSub, msg.Data, notificationAttributes(msg.ID, msg.Attributes))
	if Ack(res, err) {
		msg.Ack()
		return
	}
	span.SetStatus(codes.Error, "nacked")
	msg.Nack()
}

// notificationAttributes maps Pub/Sub message attributes onto payload keys.
// The message ID is stable across redeliveries and serves as the event ID.
func notificationAttributes(messageID string, attrs map[string]string) map[string]string {
	out := make(map[string]string, 5)
	if messageID != "" {
		out[envelope.KeyEventID] = messageID
	}
	for from, to := range map[string]string{
		attrEventType:        envelope.KeyEventType,
		attrBucketID:         envelope.KeyBucket,
		attrObjectID:         envelope.KeyName,
		attrObjectGeneration: envelope.KeyGeneration,
	} {
		if v := attrs[from]; v != "" {
			out[to] = v
		}
	}
	return out
}
