package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Broker         BrokerConfig
	Ingestion      IngestionConfig
	Database       DatabaseConfig
	Logging        LoggingConfig
	Dedupe         DedupeConfig
	Dispatch       DispatchConfig
	DeadLetter     DeadLetterConfig `mapstructure:"deadletter"`
	Routes         RoutesConfig
	Handlers       HandlersConfig
	Storage        StorageConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxPayloadBytes int64         `mapstructure:"max_payload_bytes"`
}

type BrokerConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// IngestionConfig selects which notification sources feed the dispatcher.
// Any combination may be enabled; the HTTP push endpoint is always served.
type IngestionConfig struct {
	Concurrency int                `mapstructure:"concurrency"`
	Kafka       KafkaIngestConfig  `mapstructure:"kafka"`
	PubSub      PubSubIngestConfig `mapstructure:"pubsub"`
}

type KafkaIngestConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
}

type PubSubIngestConfig struct {
	Enabled                bool   `mapstructure:"enabled"`
	ProjectID              string `mapstructure:"project_id"`
	SubscriptionID         string `mapstructure:"subscription_id"`
	MaxOutstandingMessages int    `mapstructure:"max_outstanding_messages"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DedupeConfig struct {
	Backend       string        `mapstructure:"backend"` // "memory" (default) or "redis"
	TTL           time.Duration `mapstructure:"ttl"`
	Capacity      int           `mapstructure:"capacity"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	OnStoreError  string        `mapstructure:"on_store_error"` // "allow" or "deny" (default)
}

type DispatchConfig struct {
	DefaultRetry   RetryConfig   `mapstructure:"default_retry"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

type RetryConfig struct {
	Policy      string        `mapstructure:"policy"` // "retry" or "none"
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type DeadLetterConfig struct {
	Type            string `mapstructure:"type"` // "log", "kafka", "postgres", "mongodb"
	KafkaTopic      string `mapstructure:"kafka_topic"`
	PostgresTable   string `mapstructure:"postgres_table"`
	MongoCollection string `mapstructure:"mongo_collection"`
}

// RoutesConfig holds route definitions inline or points at a separate YAML
// file. When File is set it wins and is watched for replacement.
type RoutesConfig struct {
	File        string            `mapstructure:"file"`
	Watch       bool              `mapstructure:"watch"`
	Definitions []RouteDefinition `mapstructure:"definitions"`
}

type RouteDefinition struct {
	Name      string             `mapstructure:"name"`
	Handler   string             `mapstructure:"handler"`
	Filters   []FilterDefinition `mapstructure:"filters"`
	Condition string             `mapstructure:"condition"`
	Retry     *RetryConfig       `mapstructure:"retry"`
}

type FilterDefinition struct {
	Attribute string `mapstructure:"attribute"`
	Pattern   string `mapstructure:"pattern"`
}

type HandlersConfig struct {
	Log      LogHandlerConfig      `mapstructure:"log"`
	Validate ValidateHandlerConfig `mapstructure:"validate"`
	Metadata MetadataHandlerConfig `mapstructure:"metadata"`
	Forward  ForwardHandlerConfig  `mapstructure:"forward"`
}

type LogHandlerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ValidateHandlerConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

type MetadataHandlerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Collection string `mapstructure:"collection"`
}

type ForwardHandlerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
}

type StorageConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RPS             float64       `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
