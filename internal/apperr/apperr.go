// Package apperr defines the error taxonomy shared by the engagement
// runtime. Every failure surfaced across a component boundary is classified
// so callers can decide between retry, fallback, and terminal handling
// without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for retry and surfacing decisions.
type Code string

const (
	CodeValidation         Code = "validation"
	CodeContactability     Code = "contactability"
	CodeModelTransient     Code = "model_transient"
	CodeModelPermanent     Code = "model_permanent"
	CodeCarrierTransient   Code = "carrier_transient"
	CodeCarrierPermanent   Code = "carrier_permanent"
	CodeStoreTransient     Code = "store_transient"
	CodeStorePermanent     Code = "store_permanent"
	CodeBreakerOpen        Code = "breaker_open"
	CodeIdempotencyConflict Code = "idempotency_conflict"
	CodeNotFound           Code = "not_found"
	CodeBackpressure       Code = "backpressure"
	CodeUnauthorized       Code = "unauthorized"
)

// Error is a classified application error.
type Error struct {
	Code    Code
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New creates a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Wrapped: err}
}

// CodeOf extracts the classification of err, or empty string when err is
// not a classified error.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Retryable reports whether the failure is worth retrying at the job layer.
// Breaker-open errors are retryable: the outer retry lands after the
// breaker's recovery timeout.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeModelTransient, CodeCarrierTransient, CodeStoreTransient, CodeBreakerOpen, CodeBackpressure:
		return true
	default:
		return false
	}
}

// Terminal reports whether the failure should stop all further attempts
// for the operation.
func Terminal(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeContactability, CodeModelPermanent, CodeCarrierPermanent, CodeStorePermanent, CodeUnauthorized:
		return true
	default:
		return false
	}
}
