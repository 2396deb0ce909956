package broker

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Producer publishes raw payloads keyed by event ID.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// Reader is the subset of *kafka.Reader used by consumers, so tests can
// substitute an in-memory partition.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}
