package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bucketflow/internal/config"
	"bucketflow/internal/constants"
	"bucketflow/internal/logger"
	"bucketflow/pkg/metrics"
	"bucketflow/pkg/tracing"
)

const sizeMetricsInterval = 30 * time.Second

// Guard is the only owner of dedupe records. Build one per process and hand
// it to the dispatcher; Close releases its background work and records.
type Guard struct {
	store        Store
	ttl          time.Duration
	onStoreError string
	backend      string
	logger       logger.Logger

	cancelMetrics context.CancelFunc
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

func NewGuard(store Store, cfg config.DedupeConfig, log logger.Logger) *Guard {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = constants.DefaultDedupeTTL
	}
	backend := cfg.Backend
	if backend == "" {
		backend = constants.DedupeBackendMemory
	}
	onStoreError := cfg.OnStoreError
	if onStoreError == "" {
		onStoreError = constants.FallbackDeny
	}

	return &Guard{
		store:        store,
		ttl:          ttl,
		onStoreError: onStoreError,
		backend:      backend,
		logger:       log,
	}
}

// NewStore builds the backend selected by cfg.Backend. The redis backend
// needs client and is wrapped in a circuit breaker when cb is enabled.
func NewStore(cfg config.DedupeConfig, cb config.CircuitBreakerConfig, client *redis.Client) (Store, error) {
	switch cfg.Backend {
	case constants.DedupeBackendMemory, "":
		store := NewMemoryStore(cfg.Capacity)
		store.StartSweeper(cfg.SweepInterval)
		return store, nil
	case constants.DedupeBackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis dedupe backend requires a redis client")
		}
		return NewCircuitBreakerStore(NewRedisStore(client), cb), nil
	default:
		return nil, fmt.Errorf("unknown dedupe backend: %s", cfg.Backend)
	}
}

// ShouldProcess atomically checks and marks eventID. It returns true exactly
// once per ID inside the TTL window. On a store error the on_store_error
// fallback decides: allow returns true, deny returns the error.
func (g *Guard) ShouldProcess(ctx context.Context, eventID string) (bool, error) {
	ctx, span := tracing.GetTracer(constants.ServiceName).Start(ctx, "dedupe.should_process")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	start := time.Now()
	marked, err := g.store.MarkIfAbsent(ctx, eventID, g.ttl)
	metrics.ObserveDedupeDuration(g.backend, time.Since(start))

	if err != nil {
		return g.handleStoreError(ctx, err, eventID)
	}

	result := "duplicate"
	if marked {
		result = "unique"
	}
	metrics.DedupeChecksTotal.WithLabelValues(result).Inc()
	return marked, nil
}

// Forget releases the mark for eventID so a redelivery is processed again.
func (g *Guard) Forget(ctx context.Context, eventID string) error {
	if err := g.store.Forget(ctx, eventID); err != nil {
		g.logger.WarnwCtx(ctx, "Failed to release dedupe mark",
			"event_id", eventID,
			"error", err,
		)
		return err
	}
	return nil
}

func (g *Guard) TTL() time.Duration {
	return g.ttl
}

func (g *Guard) handleStoreError(ctx context.Context, err error, eventID string) (bool, error) {
	metrics.DedupeChecksTotal.WithLabelValues("error").Inc()

	if g.onStoreError == constants.FallbackAllow {
		metrics.FallbackUsageTotal.WithLabelValues("dedupe", "allow_on_error").Inc()
		g.logger.WarnwCtx(ctx, "Dedupe store error, processing event (fallback: allow)",
			"event_id", eventID,
			"backend", g.backend,
			"error", err,
		)
		return true, nil
	}

	metrics.FallbackUsageTotal.WithLabelValues("dedupe", "deny_on_error").Inc()
	g.logger.ErrorwCtx(ctx, "Dedupe store error, rejecting event (fallback: deny)",
		"event_id", eventID,
		"backend", g.backend,
		"error", err,
	)
	return false, fmt.Errorf("dedupe check failed for event %s: %w", eventID, err)
}

// StartMetrics periodically publishes the record count until Close.
func (g *Guard) StartMetrics() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancelMetrics = cancel

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(sizeMetricsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				size, err := g.store.Size(ctx)
				if err != nil {
					g.logger.Debugw("Failed to read dedupe store size", "error", err)
					continue
				}
				metrics.SetDedupeRecords(size)
			}
		}
	}()
}

func (g *Guard) Close() error {
	var err error
	g.closeOnce.Do(func() {
		if g.cancelMetrics != nil {
			g.cancelMetrics()
		}
		g.wg.Wait()
		err = g.store.Close()
	})
	return err
}
