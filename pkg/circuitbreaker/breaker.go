package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"bucketflow/internal/config"
	"bucketflow/pkg/metrics"
)

const (
	defaultMaxRequests  = 3
	defaultInterval     = time.Minute
	defaultTimeout      = time.Minute
	defaultMinRequests  = 3
	defaultFailureRatio = 0.5
)

// ErrOpen is returned without calling through while the breaker rejects
// requests.
var ErrOpen = errors.New("circuit breaker is open")

// Breaker guards calls to one backend. A nil *Breaker calls straight through.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New returns nil when cfg is disabled.
func New(name string, cfg config.CircuitBreakerConfig) *Breaker {
	if !cfg.Enabled {
		return nil
	}

	minRequests := uint32(defaultMinRequests)
	if cfg.MinRequests > 0 {
		minRequests = cfg.MinRequests
	}
	ratio := defaultFailureRatio
	if cfg.FailureRatio > 0 {
		ratio = cfg.FailureRatio
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: orDefault(cfg.MaxRequests, defaultMaxRequests),
		Interval:    orDefault(cfg.Interval, defaultInterval),
		Timeout:     orDefault(cfg.Timeout, defaultTimeout),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		// The caller giving up says nothing about the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			setStateGauge(name, to)
		},
	}

	b := &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
	setStateGauge(name, b.cb.State())
	return b
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// Run calls fn unless the breaker is open. Rejections wrap ErrOpen.
func (b *Breaker) Run(ctx context.Context, fn func(context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Run for functions that produce a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if b == nil {
		return fn(ctx)
	}

	var out T
	_, err := b.cb.Execute(func() (interface{}, error) {
		v, err := fn(ctx)
		out = v
		return nil, err
	})
	b.record(err)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w for %s", ErrOpen, b.cb.Name())
	}
	if err != nil {
		return zero, err
	}
	return out, nil
}

// State is "disabled" for a nil breaker.
func (b *Breaker) State() string {
	if b == nil {
		return "disabled"
	}
	return b.cb.State().String()
}

func (b *Breaker) IsOpen() bool {
	return b != nil && b.cb.State() == gobreaker.StateOpen
}

func (b *Breaker) record(err error) {
	name := b.cb.Name()
	metrics.CircuitBreakerRequests.WithLabelValues(name, b.cb.State().String()).Inc()
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues(name).Inc()
	}
}

func setStateGauge(name string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
}
