package constants

import "time"

const ServiceName = "bucketflow"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	KafkaFetchBackoff = time.Second
)

const (
	CacheKeyPrefixDedupe = "bucketflow:dedupe:"
)

const (
	ShutdownTimeout = 10 * time.Second
)

const (
	DefaultDedupeTTL          = time.Hour
	DefaultDedupeCapacity     = 100000
	DefaultDedupeSweep        = time.Minute
	DefaultRetryMaxAttempts   = 3
	DefaultRetryBackoffBase   = time.Second
	DefaultRetryMaxBackoff    = 5 * time.Minute
	DefaultHandlerTimeout     = 5 * time.Minute
	DefaultIngestConcurrency  = 16
	DefaultMaxPayloadBytes    = 1 << 20
	BackoffJitterFactor       = 0.2
	BackoffMultiplier         = 2.0
	ContentSniffBytes         = 262
	DefaultDeadLetterTable    = "dead_letters"
	DefaultMetadataCollection = "object_metadata"
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

const (
	DedupeBackendMemory = "memory"
	DedupeBackendRedis  = "redis"
)

const (
	SinkTypeLog      = "log"
	SinkTypeKafka    = "kafka"
	SinkTypePostgres = "postgres"
	SinkTypeMongoDB  = "mongodb"
)

const (
	HandlerLog      = "log"
	HandlerValidate = "validate"
	HandlerMetadata = "metadata"
	HandlerForward  = "forward"
)
