package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Do runs fn until it succeeds, returns a fatal error or ctx is done,
// waiting on b between attempts. onRetry, when set, sees every failure that
// will be retried along with the delay before the next attempt.
func Do(ctx context.Context, b backoff.BackOff, fn func() error, onRetry func(err error, next time.Duration)) error {
	operation := func() error {
		err := fn()
		if err != nil && IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), onRetry)
}
