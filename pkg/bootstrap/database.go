package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"bucketflow/internal/config"
	"bucketflow/internal/constants"
	"bucketflow/internal/logger"
)

const (
	connectTimeout   = 10 * time.Second
	postgresMaxConns = 10
	postgresIdleTime = 5 * time.Minute
)

// DatabaseConnector opens the backends named in configuration. Every backend
// is optional; an unset host or URI yields a nil client.
type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

// InitRedis connects the client backing the redis dedupe store.
func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	cfg := dc.Config.Database.Redis
	if cfg.Host == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: connectTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis at %s: %w", rdb.Options().Addr, err)
	}

	dc.Logger.Infow("Redis connected", "addr", rdb.Options().Addr, "db", cfg.DB)
	return rdb, nil
}

// InitPostgreSQL connects the database holding the dead-letter table.
func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	cfg := dc.Config.Database.Postgres
	if cfg.Host == "" {
		return nil, nil
	}

	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(postgresMaxConns)
	db.SetMaxIdleConns(postgresMaxConns / 2)
	db.SetConnMaxIdleTime(postgresIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL at %s: %w", cfg.Host, err)
	}

	dc.Logger.Infow("PostgreSQL connected", "host", cfg.Host, "dbname", cfg.DBName)
	return db, nil
}

// postgresDSN escapes credentials so passwords may contain URL syntax.
func postgresDSN(cfg config.PostgresConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.DBName,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}

// InitMongoDB connects the client used by the mongodb dead-letter sink and
// the metadata handler.
func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	cfg := dc.Config.Database.MongoDB
	if cfg.URI == "" {
		return nil, nil
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName(constants.ServiceName).
		SetConnectTimeout(connectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dc.Logger.Infow("MongoDB connected", "database", cfg.Database)
	return client, nil
}

func (dc *DatabaseConnector) ShutdownDatabases(ctx context.Context, redisClient *redis.Client, postgres *sql.DB, mongoClient *mongo.Client) []error {
	var errs []error

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if postgres != nil {
		if err := postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}

	if mongoClient != nil {
		if err := mongoClient.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}

	return errs
}
