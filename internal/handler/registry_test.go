package handler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bucketflow/internal/envelope"
	pkgerrors "bucketflow/pkg/errors"
	"bucketflow/pkg/retry"
)

func testEnvelope() *envelope.Envelope {
	return &envelope.Envelope{ID: "evt-1", Bucket: "b", Object: "images/a.jpg", EventType: envelope.Finalized}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	noop := Func(func(context.Context, *envelope.Envelope) error { return nil })

	require.NoError(t, r.Register("ocr", noop))
	assert.True(t, r.Has("ocr"))
	assert.False(t, r.Has("validate"))

	assert.Error(t, r.Register("ocr", noop), "duplicate id")
	assert.Error(t, r.Register("", noop), "empty id")
	assert.Error(t, r.Register("nil", nil), "nil handler")

	require.NoError(t, r.Register("archive", noop))
	assert.Equal(t, []string{"archive", "ocr"}, r.IDs())
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	noop := Func(func(context.Context, *envelope.Envelope) error { return nil })
	r.MustRegister("ocr", noop)

	assert.Panics(t, func() { r.MustRegister("ocr", noop) })
}

func TestRegistry_Invoke(t *testing.T) {
	r := NewRegistry()

	var got *envelope.Envelope
	r.MustRegister("ok", Func(func(_ context.Context, env *envelope.Envelope) error {
		got = env
		return nil
	}))
	r.MustRegister("fail", Func(func(context.Context, *envelope.Envelope) error {
		return errors.New("disk full")
	}))
	r.MustRegister("fatal", Func(func(context.Context, *envelope.Envelope) error {
		return retry.NewFatalError(errors.New("corrupt file"))
	}))
	r.MustRegister("panic", Func(func(context.Context, *envelope.Envelope) error {
		panic("boom")
	}))

	env := testEnvelope()
	ctx := context.Background()

	t.Run("success forwards envelope", func(t *testing.T) {
		require.NoError(t, r.Invoke(ctx, "ok", env))
		assert.Same(t, env, got)
	})

	t.Run("unknown handler", func(t *testing.T) {
		err := r.Invoke(ctx, "missing", env)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsUnknownHandler(err))
		assert.True(t, retry.IsFatal(err))
	})

	t.Run("failure is retryable handler failure", func(t *testing.T) {
		err := r.Invoke(ctx, "fail", env)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsHandlerFailure(err))
		assert.False(t, retry.IsFatal(err))
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("fatal failure is not retryable", func(t *testing.T) {
		err := r.Invoke(ctx, "fatal", env)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsHandlerFailure(err))
		assert.True(t, retry.IsFatal(err))
	})

	t.Run("panic is recovered", func(t *testing.T) {
		var err error
		assert.NotPanics(t, func() { err = r.Invoke(ctx, "panic", env) })
		require.Error(t, err)
		assert.True(t, pkgerrors.IsHandlerFailure(err))
		assert.Contains(t, err.Error(), "boom")
	})
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int64
	r.MustRegister("count", Func(func(context.Context, *envelope.Envelope) error {
		calls.Add(1)
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Invoke(context.Background(), "count", testEnvelope())
			_ = r.Has("count")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), calls.Load())
}
