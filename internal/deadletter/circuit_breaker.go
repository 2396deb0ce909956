package deadletter

import (
	"context"

	"bucketflow/internal/config"
	"bucketflow/pkg/circuitbreaker"
)

// CircuitBreakerSink stops hammering a failing sink; while open, writes fail
// fast and are only logged by the dispatcher.
type CircuitBreakerSink struct {
	sink Sink
	cb   *circuitbreaker.Breaker
}

func NewCircuitBreakerSink(sink Sink, name string, cfg config.CircuitBreakerConfig) Sink {
	cb := circuitbreaker.New(name, cfg)
	if cb == nil {
		return sink
	}
	return &CircuitBreakerSink{sink: sink, cb: cb}
}

func (s *CircuitBreakerSink) Write(ctx context.Context, rec Record) error {
	return s.cb.Run(ctx, func(ctx context.Context) error {
		return s.sink.Write(ctx, rec)
	})
}

func (s *CircuitBreakerSink) Close() error {
	return s.sink.Close()
}
