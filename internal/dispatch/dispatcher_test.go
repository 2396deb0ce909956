package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"bucketflow/internal/config"
	"bucketflow/internal/deadletter"
	"bucketflow/internal/dedupe"
	"bucketflow/internal/envelope"
	"bucketflow/internal/handler"
	"bucketflow/internal/logger"
	"bucketflow/internal/routing"
	pkgerrors "bucketflow/pkg/errors"
	"bucketflow/pkg/retry"
)

type recordingSink struct {
	mu      sync.Mutex
	records []deadletter.Record
	err     error
}

func (s *recordingSink) Write(_ context.Context, rec deadletter.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingSink) Close() error {
	return nil
}

func (s *recordingSink) Records() []deadletter.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deadletter.Record(nil), s.records...)
}

type countingHandler struct {
	calls atomic.Int64
	fn    func(call int64) error
}

func (h *countingHandler) Handle(_ context.Context, _ *envelope.Envelope) error {
	n := h.calls.Add(1)
	if h.fn == nil {
		return nil
	}
	return h.fn(n)
}

func alwaysFail(int64) error {
	return errors.New("downstream unavailable")
}

type fixture struct {
	dispatcher *Dispatcher
	guard      *dedupe.Guard
	registry   *handler.Registry
	sink       *recordingSink
}

func newFixture(t *testing.T, routes []routing.Route, opts Options) *fixture {
	t.Helper()
	guard := dedupe.NewGuard(dedupe.NewMemoryStore(100), config.DedupeConfig{TTL: time.Hour}, logger.NopLogger())
	t.Cleanup(func() { guard.Close() })

	f := &fixture{
		guard:    guard,
		registry: handler.NewRegistry(),
		sink:     &recordingSink{},
	}
	f.dispatcher = New(guard, routing.NewHolder(routing.NewTable(routes), nil), f.registry, f.sink, opts)
	return f
}

func imageEnvelope(id string) *envelope.Envelope {
	contentType := "image/jpeg"
	return &envelope.Envelope{
		ID:          id,
		Bucket:      "uploads",
		Object:      "images/cat.jpg",
		EventType:   envelope.Finalized,
		ContentType: &contentType,
	}
}

func route(name, handlerID string, policy routing.RetryPolicy) routing.Route {
	return routing.Route{
		Name:        name,
		HandlerID:   handlerID,
		Filters:     []routing.Filter{{Attribute: routing.AttributeName, Pattern: "images/*"}},
		RetryPolicy: policy,
	}
}

func TestDispatch_Unrouted(t *testing.T) {
	f := newFixture(t, []routing.Route{
		{Name: "docs", HandlerID: "ocr", Filters: []routing.Filter{{Attribute: routing.AttributeName, Pattern: "docs/*"}}},
	}, Options{})
	h := &countingHandler{}
	f.registry.MustRegister("ocr", h)

	res, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, Unrouted, res.Outcome)
	assert.Empty(t, res.Routes)
	assert.True(t, res.Ack())
	assert.Zero(t, h.calls.Load())
}

func TestDispatch_Succeeded(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.NoRetry())}, Options{})
	h := &countingHandler{}
	f.registry.MustRegister("ocr", h)

	res, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, Delivered, res.Outcome)
	require.Len(t, res.Routes, 1)
	assert.Equal(t, Succeeded, res.Routes[0].State)
	assert.Equal(t, 1, res.Routes[0].Attempts)
	assert.NoError(t, res.Routes[0].LastError)
	assert.True(t, res.Ack())
	assert.Empty(t, f.sink.Records())
}

func TestDispatch_NoRetryDeadLettersAfterOneAttempt(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.NoRetry())}, Options{})
	h := &countingHandler{fn: alwaysFail}
	f.registry.MustRegister("ocr", h)

	res, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.NoError(t, err)

	require.Len(t, res.Routes, 1)
	rr := res.Routes[0]
	assert.Equal(t, DeadLettered, rr.State)
	assert.Equal(t, 1, rr.Attempts)
	assert.Empty(t, rr.Delays)
	assert.True(t, pkgerrors.IsHandlerFailure(rr.LastError))
	assert.Equal(t, int64(1), h.calls.Load())
	assert.True(t, res.Ack())

	records := f.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, deadletter.ReasonNoRetry, records[0].Reason)
	assert.Equal(t, "evt-1", records[0].EventID)
	assert.Equal(t, "images", records[0].Route)
	assert.Equal(t, 1, records[0].Attempts)
	assert.Contains(t, records[0].LastError, "downstream unavailable")
}

func TestDispatch_RetryExhaustsWithGrowingDelays(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.Retry(3, 10*time.Millisecond))}, Options{})
	h := &countingHandler{fn: alwaysFail}
	f.registry.MustRegister("ocr", h)

	res, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.NoError(t, err)

	rr := res.Routes[0]
	assert.Equal(t, DeadLettered, rr.State)
	assert.Equal(t, 3, rr.Attempts)
	assert.Equal(t, int64(3), h.calls.Load())

	require.Len(t, rr.Delays, 2)
	assert.InDelta(t, float64(10*time.Millisecond), float64(rr.Delays[0]), float64(2*time.Millisecond))
	assert.InDelta(t, float64(20*time.Millisecond), float64(rr.Delays[1]), float64(4*time.Millisecond))
	assert.Greater(t, rr.Delays[1], rr.Delays[0])

	records := f.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, deadletter.ReasonRetriesExhausted, records[0].Reason)
	assert.Equal(t, 3, records[0].Attempts)
}

func TestDispatch_RetryLogsNominalDelay(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	policy := routing.Retry(4, 5*time.Millisecond)
	policy.MaxBackoff = 15 * time.Millisecond
	f := newFixture(t, []routing.Route{route("images", "ocr", policy)}, Options{Logger: logger.Wrap(zap.New(core))})
	f.registry.MustRegister("ocr", &countingHandler{fn: alwaysFail})

	_, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.NoError(t, err)

	entries := logs.FilterMessage("Retry scheduled").All()
	want := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 15 * time.Millisecond}
	require.Len(t, entries, len(want))
	for i, e := range entries {
		assert.Equal(t, want[i], e.ContextMap()["nominal_delay"], "retry %d", i+1)
	}
}

func TestDispatch_RetryThenSucceed(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.Retry(5, time.Millisecond))}, Options{})
	h := &countingHandler{fn: func(call int64) error {
		if call < 3 {
			return errors.New("flaky")
		}
		return nil
	}}
	f.registry.MustRegister("ocr", h)

	res, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.NoError(t, err)

	rr := res.Routes[0]
	assert.Equal(t, Succeeded, rr.State)
	assert.Equal(t, 3, rr.Attempts)
	assert.Len(t, rr.Delays, 2)
	assert.NoError(t, rr.LastError)
	assert.Empty(t, f.sink.Records())
}

func TestDispatch_DuplicateProcessedOnce(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.NoRetry())}, Options{})
	h := &countingHandler{}
	f.registry.MustRegister("ocr", h)
	ctx := context.Background()

	first, err := f.dispatcher.Dispatch(ctx, imageEnvelope("evt-1"))
	require.NoError(t, err)
	second, err := f.dispatcher.Dispatch(ctx, imageEnvelope("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, Delivered, first.Outcome)
	assert.Equal(t, Duplicate, second.Outcome)
	assert.True(t, second.Ack())
	assert.Equal(t, int64(1), h.calls.Load())
}

func TestDispatch_ConcurrentDuplicatesProcessedOnce(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.NoRetry())}, Options{})
	h := &countingHandler{}
	f.registry.MustRegister("ocr", h)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-shared"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), h.calls.Load())
}

func TestDispatch_FanOutIsIndependent(t *testing.T) {
	f := newFixture(t, []routing.Route{
		route("thumbnails", "thumb", routing.NoRetry()),
		route("ocr", "ocr", routing.NoRetry()),
	}, Options{})
	thumb := &countingHandler{}
	ocr := &countingHandler{fn: alwaysFail}
	f.registry.MustRegister("thumb", thumb)
	f.registry.MustRegister("ocr", ocr)

	res, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.NoError(t, err)

	require.Len(t, res.Routes, 2)
	assert.Equal(t, "thumbnails", res.Routes[0].Route)
	assert.Equal(t, Succeeded, res.Routes[0].State)
	assert.Equal(t, "ocr", res.Routes[1].Route)
	assert.Equal(t, DeadLettered, res.Routes[1].State)
	assert.Equal(t, 1, res.Count(Succeeded))
	assert.Equal(t, 1, res.Count(DeadLettered))
	assert.True(t, res.Ack())
}

func TestDispatch_SlowRetryDoesNotDelaySiblings(t *testing.T) {
	f := newFixture(t, []routing.Route{
		route("slow", "flaky", routing.Retry(2, 200*time.Millisecond)),
		route("fast", "ok", routing.NoRetry()),
	}, Options{})

	fastDone := make(chan time.Time, 1)
	f.registry.MustRegister("flaky", &countingHandler{fn: alwaysFail})
	f.registry.MustRegister("ok", handler.Func(func(context.Context, *envelope.Envelope) error {
		fastDone <- time.Now()
		return nil
	}))

	start := time.Now()
	res, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.NoError(t, err)

	assert.Less(t, (<-fastDone).Sub(start), 100*time.Millisecond)
	assert.Equal(t, DeadLettered, res.Routes[0].State)
	assert.Equal(t, Succeeded, res.Routes[1].State)
}

func TestDispatch_CancelDuringBackoff(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.Retry(3, time.Hour))}, Options{})
	invoked := make(chan struct{}, 1)
	f.registry.MustRegister("ocr", handler.Func(func(context.Context, *envelope.Envelope) error {
		invoked <- struct{}{}
		return errors.New("downstream unavailable")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.dispatcher.Dispatch(ctx, imageEnvelope("evt-1"))
		done <- outcome{res, err}
	}()

	<-invoked
	cancel()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return after cancellation")
	}
	require.NoError(t, out.err)

	rr := out.res.Routes[0]
	assert.Equal(t, Cancelled, rr.State)
	assert.Equal(t, 1, rr.Attempts)
	assert.False(t, out.res.Ack())
	assert.Empty(t, f.sink.Records(), "cancelled routes are not dead-lettered")

	again, err := f.guard.ShouldProcess(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, again, "dedupe mark released so redelivery is processed")
}

func TestDispatch_AlreadyCancelled(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.NoRetry())}, Options{})
	h := &countingHandler{}
	f.registry.MustRegister("ocr", h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.dispatcher.Dispatch(ctx, imageEnvelope("evt-1"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.calls.Load())
}

func TestDispatch_TerminalDeadLetterReasons(t *testing.T) {
	tests := []struct {
		name       string
		handlerID  string
		handler    handler.Handler
		wantReason deadletter.Reason
	}{
		{
			name:      "fatal error skips remaining attempts",
			handlerID: "ocr",
			handler: handler.Func(func(context.Context, *envelope.Envelope) error {
				return retry.NewFatalError(errors.New("corrupt object"))
			}),
			wantReason: deadletter.ReasonFatal,
		},
		{
			name:       "unknown handler",
			handlerID:  "ghost",
			wantReason: deadletter.ReasonUnknownHandler,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []routing.Route{route("images", tt.handlerID, routing.Retry(5, time.Millisecond))}, Options{})
			if tt.handler != nil {
				f.registry.MustRegister(tt.handlerID, tt.handler)
			}

			res, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
			require.NoError(t, err)

			rr := res.Routes[0]
			assert.Equal(t, DeadLettered, rr.State)
			assert.Equal(t, 1, rr.Attempts)

			records := f.sink.Records()
			require.Len(t, records, 1)
			assert.Equal(t, tt.wantReason, records[0].Reason)
		})
	}
}

func TestDispatch_PanicIsHandlerFailure(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.NoRetry())}, Options{})
	f.registry.MustRegister("ocr", handler.Func(func(context.Context, *envelope.Envelope) error {
		panic("nil map write")
	}))

	res, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.NoError(t, err)

	rr := res.Routes[0]
	assert.Equal(t, DeadLettered, rr.State)
	assert.True(t, pkgerrors.IsHandlerFailure(rr.LastError))
	assert.Contains(t, rr.LastError.Error(), "nil map write")
}

func TestDispatch_HandlerTimeout(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.NoRetry())}, Options{
		HandlerTimeout: 20 * time.Millisecond,
	})
	f.registry.MustRegister("ocr", handler.Func(func(ctx context.Context, _ *envelope.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	res, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.NoError(t, err)

	rr := res.Routes[0]
	assert.Equal(t, DeadLettered, rr.State)
	assert.ErrorIs(t, rr.LastError, context.DeadlineExceeded)
	assert.True(t, res.Ack())
}

func TestDispatch_SinkFailureDoesNotPropagate(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.NoRetry())}, Options{})
	f.sink.err = errors.New("sink unavailable")
	f.registry.MustRegister("ocr", &countingHandler{fn: alwaysFail})

	res, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, DeadLettered, res.Routes[0].State)
	assert.True(t, res.Ack())
	assert.Len(t, f.sink.Records(), 1)
}

func TestDispatch_StoreErrorDenies(t *testing.T) {
	guard := dedupe.NewGuard(&brokenStore{}, config.DedupeConfig{TTL: time.Hour}, logger.NopLogger())
	h := &countingHandler{}
	registry := handler.NewRegistry()
	registry.MustRegister("ocr", h)
	d := New(guard, routing.NewHolder(routing.NewTable([]routing.Route{route("images", "ocr", routing.NoRetry())}), nil), registry, nil, Options{})

	res, err := d.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Zero(t, h.calls.Load())
}

func TestDispatch_NilEnvelope(t *testing.T) {
	f := newFixture(t, nil, Options{})
	_, err := f.dispatcher.Dispatch(context.Background(), nil)
	assert.True(t, pkgerrors.IsMalformedEvent(err))
}

func TestDispatch_StopBackOffDeadLetters(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.Retry(5, time.Millisecond))}, Options{
		newBackOff: func(routing.RetryPolicy) backoff.BackOff {
			return &backoff.StopBackOff{}
		},
	})
	f.registry.MustRegister("ocr", &countingHandler{fn: alwaysFail})

	res, err := f.dispatcher.Dispatch(context.Background(), imageEnvelope("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, DeadLettered, res.Routes[0].State)
	assert.Equal(t, 1, res.Routes[0].Attempts)
	assert.Equal(t, deadletter.ReasonRetriesExhausted, f.sink.Records()[0].Reason)
}

func TestDispatcher_Shutdown(t *testing.T) {
	f := newFixture(t, []routing.Route{route("images", "ocr", routing.Retry(3, time.Hour))}, Options{})
	invoked := make(chan struct{}, 1)
	f.registry.MustRegister("ocr", handler.Func(func(context.Context, *envelope.Envelope) error {
		invoked <- struct{}{}
		return errors.New("fail")
	}))

	require.NoError(t, f.dispatcher.Shutdown(context.Background()), "idle dispatcher shuts down at once")

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _, _ = f.dispatcher.Dispatch(ctx, imageEnvelope("evt-1")) }()
	<-invoked

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, f.dispatcher.Shutdown(short), context.DeadlineExceeded)

	cancel()
	done := make(chan struct{})
	go func() {
		f.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch still pending after cancellation")
	}
}

func TestResult_JSON(t *testing.T) {
	res := &Result{
		EventID: "evt-1",
		Outcome: Delivered,
		Routes: []RouteResult{{
			Route:     "images",
			HandlerID: "ocr",
			State:     DeadLettered,
			Attempts:  2,
			Delays:    []time.Duration{time.Second},
			LastError: errors.New("boom"),
		}},
	}

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"event_id": "evt-1",
		"outcome": "delivered",
		"routes": [{
			"route": "images",
			"handler_id": "ocr",
			"state": "dead_lettered",
			"attempts": 2,
			"delays": ["1s"],
			"last_error": "boom"
		}]
	}`, string(data))
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{Pending, InFlight, Retrying} {
		assert.False(t, s.Terminal(), s.String())
	}
	for _, s := range []State{Succeeded, DeadLettered, Cancelled} {
		assert.True(t, s.Terminal(), s.String())
	}
}

type brokenStore struct{}

func (brokenStore) MarkIfAbsent(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (brokenStore) Forget(context.Context, string) error { return nil }

func (brokenStore) Size(context.Context) (int, error) { return 0, nil }

func (brokenStore) Close() error { return nil }
