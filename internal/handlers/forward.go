package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"bucketflow/internal/broker"
	"bucketflow/internal/envelope"
)

// Forward republishes events to a Kafka topic in the raw notification shape,
// keyed by event ID, so another bucketflow deployment can consume them.
type Forward struct {
	producer broker.Producer
	topic    string
}

func NewForward(producer broker.Producer, topic string) *Forward {
	return &Forward{producer: producer, topic: topic}
}

func (h *Forward) Handle(ctx context.Context, env *envelope.Envelope) error {
	body, err := json.Marshal(env.Payload())
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", env.ID, err)
	}
	if err := h.producer.Publish(ctx, h.topic, env.ID, body); err != nil {
		return fmt.Errorf("failed to forward event %s to %s: %w", env.ID, h.topic, err)
	}
	return nil
}
