// Package dedupe suppresses repeated deliveries of the same event inside a
// bounded time window.
package dedupe

import (
	"context"
	"time"
)

// Store records event IDs. MarkIfAbsent must be atomic: of any number of
// concurrent calls for one unexpired ID, exactly one returns true.
type Store interface {
	MarkIfAbsent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, eventID string) error
	Size(ctx context.Context) (int, error)
	Close() error
}

// Clock is injected so expiry can be tested without sleeping.
type Clock func() time.Time
