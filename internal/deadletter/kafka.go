package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"bucketflow/internal/broker"
)

type KafkaSink struct {
	producer broker.Producer
	topic    string
}

func NewKafkaSink(producer broker.Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Write(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter record: %w", err)
	}

	if err := s.producer.Publish(ctx, s.topic, rec.EventID, body); err != nil {
		return fmt.Errorf("failed to publish to dead-letter topic %s: %w", s.topic, err)
	}
	return nil
}

// Close leaves the shared producer open; its owner closes it.
func (s *KafkaSink) Close() error {
	return nil
}
