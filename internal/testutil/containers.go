//go:build integration

// Package testutil starts the backing services used by integration tests.
// Containers are terminated when the calling test finishes.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"
	mongomodule "github.com/testcontainers/testcontainers-go/modules/mongodb"
	postgresmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	pingTimeout  = 10 * time.Second
	testDatabase = "bucketflow_test"
)

func init() {
	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}
}

func pingCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	t.Cleanup(cancel)
	return ctx
}

// StartRedis backs the redis dedupe store.
func StartRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := redismodule.Run(ctx, "redis:8.4.0-alpine")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start redis")

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(pingCtx(t)).Err(), "ping redis")
	return client
}

// StartPostgres backs the postgres dead-letter sink.
func StartPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgresmodule.Run(ctx, "postgres:15",
		postgresmodule.WithDatabase(testDatabase),
		postgresmodule.WithUsername("bucketflow"),
		postgresmodule.WithPassword("bucketflow"),
		postgresmodule.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start postgres")

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(pingCtx(t)), "ping postgres")
	return db
}

// StartMongo backs the mongodb dead-letter sink and the metadata handler.
func StartMongo(t *testing.T) *mongo.Database {
	t.Helper()
	ctx := context.Background()

	ctr, err := mongomodule.Run(ctx, "mongo:6")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start mongo")

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	require.NoError(t, client.Ping(pingCtx(t), nil), "ping mongo")
	return client.Database(testDatabase)
}

// StartKafka returns the broker addresses of a single-node cluster.
func StartKafka(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()

	ctr, err := kafkamodule.Run(ctx, "confluentinc/confluent-local:7.5.0",
		kafkamodule.WithClusterID("bucketflow-test"),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start kafka")

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	return brokers
}
