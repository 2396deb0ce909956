// Package dispatch fans a notification out to every matching route and drives
// each route through its retry policy until it succeeds, is dead-lettered or
// is cancelled.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bucketflow/internal/constants"
	"bucketflow/internal/deadletter"
	"bucketflow/internal/envelope"
	"bucketflow/internal/logger"
	"bucketflow/internal/routing"
	pkgerrors "bucketflow/pkg/errors"
	"bucketflow/pkg/logging"
	"bucketflow/pkg/metrics"
	"bucketflow/pkg/retry"
	"bucketflow/pkg/tracing"
)

// Guard decides whether an event ID is new inside the dedupe window.
type Guard interface {
	ShouldProcess(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// RouteSource yields the route table in effect for a dispatch.
type RouteSource interface {
	Table() *routing.Table
}

// Invoker runs the handler registered under id.
type Invoker interface {
	Invoke(ctx context.Context, id string, env *envelope.Envelope) error
}

type Options struct {
	// HandlerTimeout bounds a single handler invocation. Zero disables it.
	HandlerTimeout time.Duration
	// SinkName labels dead-letter write failures in metrics.
	SinkName string
	Logger   logger.Logger

	newBackOff func(routing.RetryPolicy) backoff.BackOff
}

type Dispatcher struct {
	guard          Guard
	routes         RouteSource
	handlers       Invoker
	sink           deadletter.Sink
	logger         logger.Logger
	tracer         trace.Tracer
	handlerTimeout time.Duration
	sinkName       string
	newBackOff     func(routing.RetryPolicy) backoff.BackOff

	wg sync.WaitGroup
}

func New(guard Guard, routes RouteSource, handlers Invoker, sink deadletter.Sink, opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = logger.NopLogger()
	}
	if sink == nil {
		sink = deadletter.NewLogSink(log)
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = constants.SinkTypeLog
	}
	newBackOff := opts.newBackOff
	if newBackOff == nil {
		newBackOff = func(p routing.RetryPolicy) backoff.BackOff {
			return retry.NewBackOff(p.BackoffBase, p.MaxBackoff)
		}
	}
	return &Dispatcher{
		guard:          guard,
		routes:         routes,
		handlers:       handlers,
		sink:           sink,
		logger:         log.Named("dispatcher"),
		tracer:         tracing.GetTracer(constants.ServiceName + "-dispatch"),
		handlerTimeout: opts.HandlerTimeout,
		sinkName:       sinkName,
		newBackOff:     newBackOff,
	}
}

// Dispatch runs env through dedupe and every matching route, returning once
// each route is terminal. Cancelling ctx stops pending retries; those routes
// end Cancelled and the event's dedupe mark is released so a redelivery is
// processed again.
//
// An error is returned only when the event could not be admitted at all,
// for instance when the dedupe store is down and the guard denies.
func (d *Dispatcher) Dispatch(ctx context.Context, env *envelope.Envelope) (*Result, error) {
	if env == nil {
		return nil, pkgerrors.ErrMalformedEvent.WithMessage("nil envelope")
	}

	d.wg.Add(1)
	defer d.wg.Done()
	metrics.InFlightDispatches.Inc()
	defer metrics.InFlightDispatches.Dec()

	start := time.Now()
	ctx = logging.WithEventID(ctx, env.ID)
	ctx, span := d.tracer.Start(ctx, "dispatch", trace.WithAttributes(tracing.EnvelopeAttributes(env)...))
	defer span.End()

	process, err := d.guard.ShouldProcess(ctx, env.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dedupe check failed")
		return nil, err
	}
	if !process {
		d.logger.DebugwCtx(ctx, "Duplicate event skipped")
		return d.finish(span, start, &Result{EventID: env.ID, Outcome: Duplicate}), nil
	}

	routes := d.routes.Table().Match(ctx, env)
	if len(routes) == 0 {
		d.logger.DebugwCtx(ctx, "No route matched event", "bucket", env.Bucket, "name", env.Object)
		return d.finish(span, start, &Result{EventID: env.ID, Outcome: Unrouted}), nil
	}

	results := make([]RouteResult, len(routes))
	var routesDone sync.WaitGroup
	routesDone.Add(len(routes))
	for i, route := range routes {
		a := d.newAttempt(env, route, func(rr RouteResult) {
			results[i] = rr
			routesDone.Done()
		})
		go a.run(ctx)
	}
	routesDone.Wait()

	res := &Result{EventID: env.ID, Outcome: Delivered, Routes: results}
	if !res.Ack() {
		// ctx is already done here; the release must still reach the store.
		if err := d.guard.Forget(context.WithoutCancel(ctx), env.ID); err != nil {
			d.logger.WarnwCtx(ctx, "Failed to release dedupe mark of cancelled event", "error", err)
		}
	}
	return d.finish(span, start, res), nil
}

func (d *Dispatcher) finish(span trace.Span, start time.Time, res *Result) *Result {
	outcome := res.Outcome.String()
	span.SetAttributes(
		attribute.String("dispatch.outcome", outcome),
		attribute.Int("dispatch.routes", len(res.Routes)),
	)
	metrics.DispatchOutcomesTotal.WithLabelValues(outcome).Inc()
	metrics.ObserveDispatchDuration(time.Since(start), outcome)
	return res
}

// Wait blocks until every in-progress Dispatch has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown waits for in-progress dispatches or gives up when ctx is done.
// Callers cancel the dispatch contexts first so pending retries resolve to
// Cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
