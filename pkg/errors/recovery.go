package errors

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic turns a value recovered from a handler into a retryable
// HANDLER_FAILURE carrying the stack.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("panic: %v", r)
	}
	return ErrHandlerFailure.
		WithCause(cause).
		WithDetail("panic", true).
		WithDetail("stack_trace", string(debug.Stack()))
}
