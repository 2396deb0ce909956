// Package handler maps handler identifiers to the callbacks that process
// envelopes.
package handler

import (
	"context"
	"sort"
	"sync"

	"bucketflow/internal/envelope"
	pkgerrors "bucketflow/pkg/errors"
)

// Handler processes one envelope. Implementations must be safe for concurrent
// use and should tolerate redelivery of the same event. Return an error made
// with retry.NewFatalError to skip the remaining retries.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) error
}

type Func func(ctx context.Context, env *envelope.Envelope) error

func (f Func) Handle(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(id string, h Handler) error {
	if id == "" {
		return pkgerrors.ErrValidation.WithMessage("handler id is required")
	}
	if h == nil {
		return pkgerrors.ErrValidation.WithMessage("handler %q is nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[id]; exists {
		return pkgerrors.ErrValidation.WithMessage("handler %q is already registered", id)
	}
	r.handlers[id] = h
	return nil
}

// MustRegister is Register for startup wiring, where a failure is a bug.
func (r *Registry) MustRegister(id string, h Handler) {
	if err := r.Register(id, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[id]
	return ok
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Invoke forwards env to the handler registered under id. A missing handler
// yields UNKNOWN_HANDLER; a handler error or panic yields HANDLER_FAILURE,
// which stays non-retryable when the handler marked it fatal.
func (r *Registry) Invoke(ctx context.Context, id string, env *envelope.Envelope) (err error) {
	r.mu.RLock()
	h, ok := r.handlers[id]
	r.mu.RUnlock()

	if !ok {
		return pkgerrors.ErrUnknownHandler.
			WithDetail("handler_id", id).
			WithMessage("no handler registered for %q", id)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = pkgerrors.RecoverPanic(rec)
		}
	}()

	if herr := h.Handle(ctx, env); herr != nil {
		return pkgerrors.ErrHandlerFailure.
			WithCause(herr).
			WithDetail("handler_id", id)
	}
	return nil
}
