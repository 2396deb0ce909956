package deadletter

import (
	"context"
	"database/sql"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"bucketflow/internal/broker"
	"bucketflow/internal/config"
	"bucketflow/internal/constants"
	"bucketflow/internal/logger"
)

// Sink receives dead-lettered deliveries. Writes are best effort: callers log
// and count a failed write but never retry it.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Deps carries the connections a sink may need. Only the one matching the
// configured sink type must be set.
type Deps struct {
	Producer broker.Producer
	Postgres *sql.DB
	Mongo    *mongo.Database
}

func NewSink(cfg config.DeadLetterConfig, cb config.CircuitBreakerConfig, deps Deps, log logger.Logger) (Sink, error) {
	var sink Sink

	switch cfg.Type {
	case constants.SinkTypeLog, "":
		return NewLogSink(log), nil
	case constants.SinkTypeKafka:
		if deps.Producer == nil {
			return nil, fmt.Errorf("kafka dead-letter sink requires a producer")
		}
		sink = NewKafkaSink(deps.Producer, cfg.KafkaTopic)
	case constants.SinkTypePostgres:
		if deps.Postgres == nil {
			return nil, fmt.Errorf("postgres dead-letter sink requires a database")
		}
		sink = NewPostgresSink(deps.Postgres, cfg.PostgresTable)
	case constants.SinkTypeMongoDB:
		if deps.Mongo == nil {
			return nil, fmt.Errorf("mongodb dead-letter sink requires a database")
		}
		sink = NewMongoSink(deps.Mongo, cfg.MongoCollection)
	default:
		return nil, fmt.Errorf("unknown dead-letter sink type: %s", cfg.Type)
	}

	return NewCircuitBreakerSink(sink, "deadletter-"+cfg.Type, cb), nil
}
