package dedupe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bucketflow/internal/config"
	"bucketflow/internal/constants"
	"bucketflow/internal/logger"
)

type failingStore struct {
	err     error
	forgets []string
}

func (s *failingStore) MarkIfAbsent(context.Context, string, time.Duration) (bool, error) {
	return false, s.err
}

func (s *failingStore) Forget(_ context.Context, eventID string) error {
	s.forgets = append(s.forgets, eventID)
	return s.err
}

func (s *failingStore) Size(context.Context) (int, error) {
	return 0, s.err
}

func (s *failingStore) Close() error {
	return nil
}

func TestGuard_ShouldProcess(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(100, WithClock(clock.Now))
	guard := NewGuard(store, config.DedupeConfig{TTL: time.Minute}, logger.NopLogger())
	defer guard.Close()

	ctx := context.Background()

	first, err := guard.ShouldProcess(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := guard.ShouldProcess(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, second)

	clock.Advance(time.Minute)
	third, err := guard.ShouldProcess(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, third, "processed again after the TTL window")
}

func TestGuard_Forget(t *testing.T) {
	guard := NewGuard(NewMemoryStore(10), config.DedupeConfig{TTL: time.Hour}, logger.NopLogger())
	defer guard.Close()
	ctx := context.Background()

	ok, _ := guard.ShouldProcess(ctx, "evt-1")
	require.True(t, ok)
	require.NoError(t, guard.Forget(ctx, "evt-1"))

	ok, _ = guard.ShouldProcess(ctx, "evt-1")
	assert.True(t, ok)
}

func TestGuard_StoreErrorFallback(t *testing.T) {
	storeErr := errors.New("connection refused")

	tests := []struct {
		name         string
		onStoreError string
		wantProcess  bool
		wantErr      bool
	}{
		{"allow processes the event", constants.FallbackAllow, true, false},
		{"deny returns the error", constants.FallbackDeny, false, true},
		{"unset defaults to deny", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := NewGuard(&failingStore{err: storeErr}, config.DedupeConfig{
				TTL:          time.Minute,
				OnStoreError: tt.onStoreError,
			}, logger.NopLogger())

			ok, err := guard.ShouldProcess(context.Background(), "evt-1")
			assert.Equal(t, tt.wantProcess, ok)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, storeErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGuard_CancelledContext(t *testing.T) {
	guard := NewGuard(NewMemoryStore(10), config.DedupeConfig{}, logger.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := guard.ShouldProcess(ctx, "evt-1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGuard_Defaults(t *testing.T) {
	guard := NewGuard(NewMemoryStore(10), config.DedupeConfig{}, logger.NopLogger())
	assert.Equal(t, constants.DefaultDedupeTTL, guard.TTL())
}

func TestNewStore(t *testing.T) {
	store, err := NewStore(config.DedupeConfig{Backend: constants.DedupeBackendMemory, Capacity: 5}, config.CircuitBreakerConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
	require.NoError(t, store.Close())

	_, err = NewStore(config.DedupeConfig{Backend: constants.DedupeBackendRedis}, config.CircuitBreakerConfig{}, nil)
	assert.Error(t, err)

	_, err = NewStore(config.DedupeConfig{Backend: "etcd"}, config.CircuitBreakerConfig{}, nil)
	assert.Error(t, err)
}

func TestCircuitBreakerStore_OpensAfterFailures(t *testing.T) {
	inner := &failingStore{err: errors.New("timeout")}
	store := NewCircuitBreakerStore(inner, config.CircuitBreakerConfig{
		Enabled:      true,
		MinRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = store.MarkIfAbsent(ctx, "evt", time.Minute)
	}

	assert.True(t, store.IsOpen())
	_, err := store.MarkIfAbsent(ctx, "evt", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

func TestCircuitBreakerStore_Disabled(t *testing.T) {
	store := NewCircuitBreakerStore(NewMemoryStore(10), config.CircuitBreakerConfig{})
	assert.Equal(t, "disabled", store.State())

	ok, err := store.MarkIfAbsent(context.Background(), "evt", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
