package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bucketflow/internal/constants"
)

// RedisStore shares dedupe state between replicas. Capacity is bounded by
// the Redis eviction policy rather than by the store.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    Clock
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: constants.CacheKeyPrefixDedupe,
		now:    time.Now,
	}
}

func (r *RedisStore) key(eventID string) string {
	return r.prefix + eventID
}

func (r *RedisStore) MarkIfAbsent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	success, err := r.client.SetNX(ctx, r.key(eventID), r.now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	return success, nil
}

func (r *RedisStore) Forget(ctx context.Context, eventID string) error {
	if err := r.client.Del(ctx, r.key(eventID)).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Size(ctx context.Context) (int, error) {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	count := 0
	for iter.Next(ctx) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan failed: %w", err)
	}
	return count, nil
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisStore) Close() error {
	return nil
}
