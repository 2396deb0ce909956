package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bucketflow/internal/deadletter"
	"bucketflow/internal/envelope"
	"bucketflow/internal/routing"
	pkgerrors "bucketflow/pkg/errors"
	"bucketflow/pkg/logging"
	"bucketflow/pkg/metrics"
	"bucketflow/pkg/retry"
)

// attempt drives one route for one envelope. Waiting between retries holds
// no goroutine: the next invocation is a timer continuation that races a
// context continuation, and whichever claims the pending slot first wins.
type attempt struct {
	d       *Dispatcher
	env     *envelope.Envelope
	route   routing.Route
	backoff backoff.BackOff
	done    func(RouteResult)

	attempts int
	delays   []time.Duration
	lastErr  error
	state    State

	pending    atomic.Bool
	mu         sync.Mutex
	timer      *time.Timer
	stopCancel func() bool
}

func (d *Dispatcher) newAttempt(env *envelope.Envelope, route routing.Route, done func(RouteResult)) *attempt {
	return &attempt{
		d:       d,
		env:     env,
		route:   route,
		backoff: d.newBackOff(route.RetryPolicy),
		done:    done,
		state:   Pending,
	}
}

func (a *attempt) run(ctx context.Context) {
	if ctx.Err() != nil {
		a.finish(ctx, Cancelled)
		return
	}

	a.state = InFlight
	a.attempts++
	err := a.invoke(ctx)
	if err == nil {
		a.lastErr = nil
		a.finish(ctx, Succeeded)
		return
	}
	a.lastErr = err

	switch {
	case ctx.Err() != nil:
		a.finish(ctx, Cancelled)
	case pkgerrors.IsUnknownHandler(err):
		a.deadLetter(ctx, deadletter.ReasonUnknownHandler)
	case retry.IsFatal(err):
		a.deadLetter(ctx, deadletter.ReasonFatal)
	case !a.route.RetryPolicy.ShouldRetry(a.attempts):
		if a.route.RetryPolicy.Kind == routing.RetryKindNone {
			a.deadLetter(ctx, deadletter.ReasonNoRetry)
		} else {
			a.deadLetter(ctx, deadletter.ReasonRetriesExhausted)
		}
	default:
		a.schedule(ctx)
	}
}

func (a *attempt) invoke(ctx context.Context) error {
	ctx = logging.WithHandlerID(ctx, a.route.HandlerID)
	ctx, span := a.d.tracer.Start(ctx, "handler.invoke",
		trace.WithAttributes(
			attribute.String("route.name", a.route.Name),
			attribute.String("handler.id", a.route.HandlerID),
			attribute.Int("attempt", a.attempts),
		),
	)
	defer span.End()

	if a.d.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.d.handlerTimeout)
		defer cancel()
	}

	start := time.Now()
	err := a.d.handlers.Invoke(ctx, a.route.HandlerID, a.env)
	metrics.ObserveHandlerDuration(a.route.HandlerID, time.Since(start))

	status := "success"
	if err != nil {
		status = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		a.d.logger.WarnwCtx(ctx, "Handler invocation failed",
			"route", a.route.Name,
			"attempt", a.attempts,
			"error", err,
		)
	}
	metrics.HandlerInvocationsTotal.WithLabelValues(a.route.HandlerID, status).Inc()
	return err
}

func (a *attempt) schedule(ctx context.Context) {
	delay := a.backoff.NextBackOff()
	if delay == backoff.Stop {
		a.deadLetter(ctx, deadletter.ReasonRetriesExhausted)
		return
	}
	a.delays = append(a.delays, delay)
	a.state = Retrying
	metrics.RetryAttemptsTotal.WithLabelValues(a.route.HandlerID).Inc()
	a.d.logger.DebugwCtx(ctx, "Retry scheduled",
		"route", a.route.Name,
		"attempt", a.attempts,
		"delay", delay,
		"nominal_delay", retry.NominalDelay(len(a.delays), a.route.RetryPolicy.BackoffBase, a.route.RetryPolicy.MaxBackoff),
	)

	a.pending.Store(true)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timer = time.AfterFunc(delay, func() {
		if !a.pending.CompareAndSwap(true, false) {
			return
		}
		a.mu.Lock()
		stop := a.stopCancel
		a.mu.Unlock()
		stop()
		a.run(ctx)
	})
	a.stopCancel = context.AfterFunc(ctx, func() {
		if !a.pending.CompareAndSwap(true, false) {
			return
		}
		a.mu.Lock()
		t := a.timer
		a.mu.Unlock()
		t.Stop()
		a.finish(ctx, Cancelled)
	})
}

func (a *attempt) deadLetter(ctx context.Context, reason deadletter.Reason) {
	metrics.DeadLettersTotal.WithLabelValues(a.route.HandlerID, string(reason)).Inc()
	rec := deadletter.NewRecord(a.env, a.route.Name, a.route.HandlerID, a.attempts, a.lastErr, reason)
	if err := a.d.sink.Write(context.WithoutCancel(ctx), rec); err != nil {
		metrics.DeadLetterSinkErrorsTotal.WithLabelValues(a.d.sinkName).Inc()
		a.d.logger.ErrorwCtx(ctx, "Failed to write dead letter",
			"route", a.route.Name,
			"handler_id", a.route.HandlerID,
			"reason", reason,
			"error", err,
		)
	}
	a.finish(ctx, DeadLettered)
}

func (a *attempt) finish(ctx context.Context, state State) {
	a.state = state
	metrics.RouteDeliveriesTotal.WithLabelValues(a.route.HandlerID, state.String()).Inc()
	if state == Cancelled {
		a.d.logger.InfowCtx(ctx, "Route delivery cancelled",
			"route", a.route.Name,
			"attempts", a.attempts,
		)
	}
	a.done(RouteResult{
		Route:     a.route.Name,
		HandlerID: a.route.HandlerID,
		State:     state,
		Attempts:  a.attempts,
		Delays:    a.delays,
		LastError: a.lastErr,
	})
}
