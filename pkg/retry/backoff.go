package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bucketflow/internal/constants"
)

// NewBackOff returns the delay sequence for one delivery attempt loop:
// base * 2^(n-1) for the n-th retry, randomized by ±20% and capped at
// maxInterval when it is positive. The returned value is not safe for
// concurrent use; create one per loop.
func NewBackOff(base, maxInterval time.Duration) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = constants.BackoffMultiplier
	exp.RandomizationFactor = constants.BackoffJitterFactor
	exp.MaxInterval = time.Duration(math.MaxInt64)
	if maxInterval > 0 {
		exp.MaxInterval = maxInterval
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// NominalDelay is the un-jittered delay before retry number attempt (1-based).
func NominalDelay(attempt int, base, maxInterval time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(constants.BackoffMultiplier, float64(attempt-1))
	if maxInterval > 0 && d > float64(maxInterval) {
		return maxInterval
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
