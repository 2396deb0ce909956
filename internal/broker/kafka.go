package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"bucketflow/internal/config"
	"bucketflow/internal/constants"
	"bucketflow/internal/logger"
	"bucketflow/pkg/tracing"
)

type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaProducer{writer: w, logger: log}
}

// Publish writes value to topic. Messages with the same key land on the same
// partition, so events for one ID stay ordered.
func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, value []byte) error {
	headers := tracing.InjectKafka(ctx, nil)

	err := p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(key),
			Value:   value,
			Headers: headers,
			Time:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// NewKafkaReader joins cfg.GroupID on topic. Offsets are committed explicitly
// by the caller.
func NewKafkaReader(cfg config.KafkaConfig, topic string, log logger.Logger) *kafka.Reader {
	log.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", cfg.Brokers,
		"group_id", cfg.GroupID,
	)

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}
