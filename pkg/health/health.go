package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"
)

const checkTimeout = 5 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Latency   string    `json:"latency"`
	Timestamp time.Time `json:"timestamp"`
}

type registered struct {
	checker  Checker
	optional bool
}

type CheckerRegistry struct {
	checkers []registered
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{
		checkers: make([]registered, 0),
	}
}

// Register adds a checker whose failure makes the service unhealthy.
func (r *CheckerRegistry) Register(checker Checker) {
	r.checkers = append(r.checkers, registered{checker: checker})
}

// RegisterOptional adds a checker whose failure only degrades the service,
// for dependencies with a fallback such as the dead-letter sink.
func (r *CheckerRegistry) RegisterOptional(checker Checker) {
	r.checkers = append(r.checkers, registered{checker: checker, optional: true})
}

// Check runs every dependency check concurrently, each under its own timeout.
func (r *CheckerRegistry) Check(ctx context.Context) Health {
	results := make(map[string]CheckResult, len(r.checkers))
	var mu sync.Mutex
	var g errgroup.Group

	for _, reg := range r.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := reg.checker.Check(cctx)
			result := CheckResult{
				Status:    StatusHealthy,
				Timestamp: start,
				Latency:   time.Since(start).String(),
			}
			switch {
			case err == nil:
			case reg.optional:
				result.Status = StatusDegraded
				result.Message = err.Error()
			default:
				result.Status = StatusUnhealthy
				result.Message = err.Error()
			}

			mu.Lock()
			results[reg.checker.Name()] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return Health{
		Status:    overallStatus(results),
		Timestamp: time.Now(),
		Checks:    results,
	}
}

func overallStatus(results map[string]CheckResult) Status {
	overall := StatusHealthy
	for _, res := range results {
		switch res.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func NewCheckerFunc(name string, fn func(ctx context.Context) error) CheckerFunc {
	return CheckerFunc{name: name, fn: fn}
}

func (c CheckerFunc) Name() string {
	return c.name
}

func (c CheckerFunc) Check(ctx context.Context) error {
	return c.fn(ctx)
}

type PostgreSQLChecker struct {
	db *sql.DB
}

func NewPostgreSQLChecker(db *sql.DB) *PostgreSQLChecker {
	return &PostgreSQLChecker{db: db}
}

func (c *PostgreSQLChecker) Name() string {
	return "postgresql"
}

func (c *PostgreSQLChecker) Check(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgresql ping failed: %w", err)
	}
	return nil
}

type RedisChecker struct {
	client *redis.Client
}

func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

type MongoDBChecker struct {
	client *mongo.Client
}

func NewMongoDBChecker(client *mongo.Client) *MongoDBChecker {
	return &MongoDBChecker{client: client}
}

func (c *MongoDBChecker) Name() string {
	return "mongodb"
}

func (c *MongoDBChecker) Check(ctx context.Context) error {
	if err := c.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongodb ping failed: %w", err)
	}
	return nil
}

// KafkaChecker dials the first reachable broker.
type KafkaChecker struct {
	brokers []string
}

func NewKafkaChecker(brokers []string) *KafkaChecker {
	return &KafkaChecker{brokers: brokers}
}

func (c *KafkaChecker) Name() string {
	return "kafka"
}

func (c *KafkaChecker) Check(ctx context.Context) error {
	var lastErr error
	for _, addr := range c.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return fmt.Errorf("kafka dial failed: %w", lastErr)
}
