package broker

import (
	"fmt"

	"bucketflow/internal/config"
	"bucketflow/internal/logger"
)

func NewProducer(cfg config.BrokerConfig, log logger.Logger) (Producer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer requires at least one broker")
	}
	return NewKafkaProducer(cfg.Kafka, log), nil
}

func NewReader(cfg config.BrokerConfig, topic string, log logger.Logger) (Reader, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka reader requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka reader requires a topic")
	}
	return NewKafkaReader(cfg.Kafka, topic, log), nil
}
