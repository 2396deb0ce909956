package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"bucketflow/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	v.SetConfigFile(configFile)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(v, &cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.max_payload_bytes", constants.DefaultMaxPayloadBytes)

	v.SetDefault("ingestion.concurrency", constants.DefaultIngestConcurrency)
	v.SetDefault("ingestion.pubsub.max_outstanding_messages", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("dedupe.backend", constants.DedupeBackendMemory)
	v.SetDefault("dedupe.ttl", constants.DefaultDedupeTTL)
	v.SetDefault("dedupe.capacity", constants.DefaultDedupeCapacity)
	v.SetDefault("dedupe.sweep_interval", constants.DefaultDedupeSweep)
	v.SetDefault("dedupe.on_store_error", constants.FallbackDeny)

	v.SetDefault("dispatch.default_retry.policy", "retry")
	v.SetDefault("dispatch.default_retry.max_attempts", constants.DefaultRetryMaxAttempts)
	v.SetDefault("dispatch.default_retry.backoff_base", constants.DefaultRetryBackoffBase)
	v.SetDefault("dispatch.default_retry.max_backoff", constants.DefaultRetryMaxBackoff)
	v.SetDefault("dispatch.handler_timeout", constants.DefaultHandlerTimeout)

	v.SetDefault("deadletter.type", constants.SinkTypeLog)
	v.SetDefault("deadletter.postgres_table", constants.DefaultDeadLetterTable)
	v.SetDefault("deadletter.mongo_collection", constants.DefaultDeadLetterTable)

	v.SetDefault("handlers.log.enabled", true)
	v.SetDefault("handlers.metadata.collection", constants.DefaultMetadataCollection)

	v.SetDefault("rate_limit.rps", 100.0)
	v.SetDefault("rate_limit.burst", 200)
	v.SetDefault("rate_limit.cleanup_interval", "5m")
	v.SetDefault("rate_limit.max_age", "10m")
}

func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	v.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	v.BindEnv("ingestion.kafka.topic", "INGESTION_KAFKA_TOPIC")
	v.BindEnv("ingestion.pubsub.project_id", "INGESTION_PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT")
	v.BindEnv("ingestion.pubsub.subscription_id", "INGESTION_PUBSUB_SUBSCRIPTION_ID")

	v.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	v.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	v.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	v.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	v.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	v.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	v.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	v.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	v.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	v.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	v.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	v.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	v.BindEnv("server.port", "SERVER_PORT", "PORT")
	v.BindEnv("routes.file", "ROUTES_FILE")

	v.BindEnv("logging.level", "LOGGING_LEVEL")
	v.BindEnv("logging.format", "LOGGING_FORMAT")

	v.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	v.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

// applyEnvOverrides handles values viper cannot decode from a flat env string.
func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if brokersEnv := v.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}
}
