// Package errors defines the coded errors bucketflow reports across package
// boundaries and the HTTP body they render to.
package errors

import (
	"errors"
	"fmt"
	"maps"
)

type Code string

const (
	CodeMalformedEvent     Code = "MALFORMED_EVENT"
	CodeInvalidRouteConfig Code = "INVALID_ROUTE_CONFIG"
	CodeUnknownHandler     Code = "UNKNOWN_HANDLER"
	CodeHandlerFailure     Code = "HANDLER_FAILURE"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Templates. Derive instances with the With* methods; errors.Is matches any
// derived instance by code.
var (
	ErrMalformedEvent     = newTemplate(CodeMalformedEvent, "malformed storage event", false)
	ErrInvalidRouteConfig = newTemplate(CodeInvalidRouteConfig, "invalid route configuration", false)
	ErrUnknownHandler     = newTemplate(CodeUnknownHandler, "no handler registered for identifier", false)
	ErrHandlerFailure     = newTemplate(CodeHandlerFailure, "handler reported a failure", true)
	ErrValidation         = newTemplate(CodeValidation, "validation failed", false)
	ErrInternal           = newTemplate(CodeInternal, "internal error", true)
)

type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Cause   error

	retryable bool
}

func newTemplate(code Code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, retryable: retryable}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// IsRetryable defers to the cause when it classifies itself, so a fatal
// handler error stays fatal after being wrapped as a HANDLER_FAILURE.
func (e *Error) IsRetryable() bool {
	var fatal interface{ IsFatal() bool }
	if e.Cause != nil && errors.As(e.Cause, &fatal) {
		return !fatal.IsFatal()
	}
	return e.retryable
}

func (e *Error) IsFatal() bool {
	return !e.IsRetryable()
}

func (e *Error) clone() *Error {
	c := *e
	c.Details = maps.Clone(e.Details)
	return &c
}

func (e *Error) WithCause(cause error) *Error {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithMessage replaces the template's generic message.
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	c := e.clone()
	c.Message = fmt.Sprintf(format, args...)
	return c
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]interface{}, 1)
	}
	c.Details[key] = value
	return c
}

func IsMalformedEvent(err error) bool {
	return errors.Is(err, ErrMalformedEvent)
}

func IsInvalidRouteConfig(err error) bool {
	return errors.Is(err, ErrInvalidRouteConfig)
}

func IsUnknownHandler(err error) bool {
	return errors.Is(err, ErrUnknownHandler)
}

func IsHandlerFailure(err error) bool {
	return errors.Is(err, ErrHandlerFailure)
}

// ToErrorResponse renders err as a JSON error body. Foreign errors are
// reported as INTERNAL_ERROR.
func ToErrorResponse(err error) map[string]interface{} {
	var e *Error
	if !errors.As(err, &e) {
		e = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      e.Error(),
		"error_code": string(e.Code),
	}
	if len(e.Details) > 0 {
		response["details"] = e.Details
	}
	return response
}
