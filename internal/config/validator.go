package config

import (
	"errors"
	"fmt"
	"strings"

	"bucketflow/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateStatic checks the configuration for structural problems. Route
// definitions are validated separately against the handler registry at load.
func ValidateStatic(cfg *Config) error {
	var errs []error
	for _, err := range []error{
		validateServer(cfg.Server),
		validateLogging(cfg.Logging),
		validateIngestion(cfg.Ingestion, cfg.Broker),
		validateDatabase(cfg.Database),
		validateDedupe(cfg.Dedupe, cfg.Database),
		ValidateRetry("dispatch.default_retry", cfg.Dispatch.DefaultRetry),
		validateDeadLetter(cfg.DeadLetter, cfg),
		validateHandlers(cfg.Handlers, cfg),
	} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func validateLogging(cfg LoggingConfig) error {
	switch strings.ToLower(cfg.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("logging.level", "unknown level %q", cfg.Level)
	}
	switch cfg.Format {
	case "", "json", "console":
	default:
		return invalid("logging.format", "must be json or console, got %q", cfg.Format)
	}
	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return invalid("server.port", "port must be between 1 and 65535, got %d", cfg.Port)
	}

	if cfg.ReadTimeout <= 0 {
		return invalid("server.read_timeout", "read timeout must be positive")
	}

	if cfg.WriteTimeout <= 0 {
		return invalid("server.write_timeout", "write timeout must be positive")
	}

	return nil
}

func validateIngestion(cfg IngestionConfig, broker BrokerConfig) error {
	if cfg.Concurrency < 1 {
		return invalid("ingestion.concurrency", "concurrency must be at least 1")
	}

	if cfg.Kafka.Enabled {
		if cfg.Kafka.Topic == "" {
			return invalid("ingestion.kafka.topic", "topic is required when Kafka ingestion is enabled")
		}
		if err := validateKafka(broker.Kafka); err != nil {
			return err
		}
	}

	if cfg.PubSub.Enabled {
		if cfg.PubSub.ProjectID == "" {
			return invalid("ingestion.pubsub.project_id", "project ID is required when Pub/Sub ingestion is enabled")
		}
		if cfg.PubSub.SubscriptionID == "" {
			return invalid("ingestion.pubsub.subscription_id", "subscription ID is required when Pub/Sub ingestion is enabled")
		}
	}

	return nil
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return invalid("broker.kafka.brokers", "at least one Kafka broker is required")
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return invalid(fmt.Sprintf("broker.kafka.brokers[%d]", i), "broker address cannot be empty")
		}
	}

	if cfg.GroupID == "" {
		return invalid("broker.kafka.group_id", "Kafka consumer group ID is required")
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return invalid("database.postgres.host", "PostgreSQL host is required")
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return invalid("database.postgres.port", "port must be between 1 and 65535, got %d", cfg.Port)
	}

	if cfg.User == "" {
		return invalid("database.postgres.user", "PostgreSQL user is required")
	}

	if cfg.DBName == "" {
		return invalid("database.postgres.dbname", "PostgreSQL database name is required")
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return invalid("database.postgres.sslmode", "invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode)
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return invalid("database.redis.host", "Redis host is required")
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return invalid("database.redis.port", "port must be between 1 and 65535, got %d", cfg.Port)
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return invalid("database.mongodb.uri", "MongoDB URI must start with mongodb:// or mongodb+srv://")
	}

	if cfg.Database == "" {
		return invalid("database.mongodb.database", "MongoDB database name is required")
	}

	return nil
}

func validateDedupe(cfg DedupeConfig, db DatabaseConfig) error {
	switch cfg.Backend {
	case constants.DedupeBackendMemory:
		if cfg.Capacity < 1 {
			return invalid("dedupe.capacity", "capacity must be at least 1")
		}
	case constants.DedupeBackendRedis:
		if db.Redis.Host == "" {
			return invalid("database.redis.host", "Redis is required for the redis dedupe backend")
		}
	default:
		return invalid("dedupe.backend", "unknown dedupe backend: %s (valid: memory, redis)", cfg.Backend)
	}

	if cfg.TTL <= 0 {
		return invalid("dedupe.ttl", "TTL must be positive")
	}

	if cfg.OnStoreError != constants.FallbackAllow && cfg.OnStoreError != constants.FallbackDeny {
		return invalid("dedupe.on_store_error", "invalid on_store_error value: %s (valid: allow, deny)", cfg.OnStoreError)
	}

	return nil
}

// ValidateRetry checks a retry block. It is shared with route loading so a
// per-route override is held to the same rules as the default.
func ValidateRetry(field string, cfg RetryConfig) error {
	switch strings.ToLower(cfg.Policy) {
	case "none":
		return nil
	case "retry", "":
	default:
		return invalid(field+".policy", "unknown retry policy: %s (valid: retry, none)", cfg.Policy)
	}

	if cfg.MaxAttempts < 1 {
		return invalid(field+".max_attempts", "max_attempts must be at least 1")
	}

	if cfg.BackoffBase <= 0 {
		return invalid(field+".backoff_base", "backoff_base must be positive")
	}

	if cfg.MaxBackoff < 0 || (cfg.MaxBackoff > 0 && cfg.MaxBackoff < cfg.BackoffBase) {
		return invalid(field+".max_backoff", "max_backoff must be zero or at least backoff_base")
	}

	return nil
}

func validateDeadLetter(cfg DeadLetterConfig, root *Config) error {
	switch cfg.Type {
	case constants.SinkTypeLog:
	case constants.SinkTypeKafka:
		if cfg.KafkaTopic == "" {
			return invalid("deadletter.kafka_topic", "topic is required for the kafka dead-letter sink")
		}
		if len(root.Broker.Kafka.Brokers) == 0 {
			return invalid("broker.kafka.brokers", "Kafka brokers are required for the kafka dead-letter sink")
		}
	case constants.SinkTypePostgres:
		if root.Database.Postgres.Host == "" {
			return invalid("database.postgres.host", "PostgreSQL is required for the postgres dead-letter sink")
		}
	case constants.SinkTypeMongoDB:
		if root.Database.MongoDB.URI == "" {
			return invalid("database.mongodb.uri", "MongoDB is required for the mongodb dead-letter sink")
		}
	default:
		return invalid("deadletter.type", "unknown dead-letter sink: %s (valid: log, kafka, postgres, mongodb)", cfg.Type)
	}
	return nil
}

func validateHandlers(cfg HandlersConfig, root *Config) error {
	if cfg.Metadata.Enabled && root.Database.MongoDB.URI == "" {
		return invalid("handlers.metadata.enabled", "the metadata handler requires database.mongodb")
	}

	if cfg.Forward.Enabled {
		if cfg.Forward.Topic == "" {
			return invalid("handlers.forward.topic", "topic is required for the forward handler")
		}
		if len(root.Broker.Kafka.Brokers) == 0 {
			return invalid("broker.kafka.brokers", "Kafka brokers are required for the forward handler")
		}
	}

	return nil
}
