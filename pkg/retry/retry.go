package retry

import (
	"errors"
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) IsFatal() bool {
	return true
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// NewFatalError marks err as not worth retrying. A handler returning it is
// dead-lettered on the current attempt regardless of its route's policy.
func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether any error in err's chain declares itself fatal or
// explicitly non-retryable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fatalErr FatalError
	if errors.As(err, &fatalErr) && fatalErr.IsFatal() {
		return true
	}
	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return !retryableErr.IsRetryable()
	}
	return false
}
