package dedupe

import (
	"context"
	"time"

	"bucketflow/internal/config"
	"bucketflow/pkg/circuitbreaker"
)

// CircuitBreakerStore fails fast while the backing store keeps erroring, so
// the guard's fallback policy applies without waiting on timeouts.
type CircuitBreakerStore struct {
	store Store
	cb    *circuitbreaker.Breaker
}

func NewCircuitBreakerStore(store Store, cfg config.CircuitBreakerConfig) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		store: store,
		cb:    circuitbreaker.New("redis-dedupe", cfg),
	}
}

func (s *CircuitBreakerStore) MarkIfAbsent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return circuitbreaker.Call(ctx, s.cb, func(ctx context.Context) (bool, error) {
		return s.store.MarkIfAbsent(ctx, eventID, ttl)
	})
}

func (s *CircuitBreakerStore) Forget(ctx context.Context, eventID string) error {
	return s.cb.Run(ctx, func(ctx context.Context) error {
		return s.store.Forget(ctx, eventID)
	})
}

func (s *CircuitBreakerStore) Size(ctx context.Context) (int, error) {
	return circuitbreaker.Call(ctx, s.cb, s.store.Size)
}

func (s *CircuitBreakerStore) Close() error {
	return s.store.Close()
}

func (s *CircuitBreakerStore) State() string {
	return s.cb.State()
}

func (s *CircuitBreakerStore) IsOpen() bool {
	return s.cb.IsOpen()
}
