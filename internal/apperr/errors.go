// Package apperr defines the error taxonomy shared by every service in the
// matching and messaging core. Services wrap one of the sentinel errors with a
// specific reason; transports map the sentinel to a wire code or HTTP status.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Test with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTransient       = errors.New("transient failure")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrRateLimited     = errors.New("rate limited")
)

// Wire codes carried in error events and HTTP error bodies.
const (
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeForbidden       = "forbidden"
	CodeInvalidArgument = "invalid_argument"
	CodeTransient       = "transient"
	CodeUnauthenticated = "unauthenticated"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// NotFound reports a missing user, chat, message, match or block.
func NotFound(format string, args ...any) error { return wrap(ErrNotFound, format, args...) }

// Conflict reports a duplicate swipe, block or in-flight match.
func Conflict(format string, args ...any) error { return wrap(ErrConflict, format, args...) }

// Forbidden reports an authorization or block-gate refusal.
func Forbidden(format string, args ...any) error { return wrap(ErrForbidden, format, args...) }

// InvalidArgument reports a malformed or disallowed request.
func InvalidArgument(format string, args ...any) error {
	return wrap(ErrInvalidArgument, format, args...)
}

// Transient wraps a storage or timeout failure so callers can retry it.
// Deadline and cancellation errors are preserved in the chain.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Code maps err to its wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case IsTransient(err):
		return CodeTransient
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err to the status code the HTTP API answers with.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-safe reason for err. Internal errors are not
// described to clients.
func Message(err error) string {
	if Code(err) == CodeInternal {
		return "internal error"
	}
	return err.Error()
}
