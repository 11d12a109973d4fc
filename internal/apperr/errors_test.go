package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeAndStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"not found", NotFound("chat %s", "c1"), CodeNotFound, http.StatusNotFound},
		{"conflict", Conflict("swipe exists"), CodeConflict, http.StatusConflict},
		{"forbidden", Forbidden("blocked"), CodeForbidden, http.StatusForbidden},
		{"invalid", InvalidArgument("emoji %q", "x"), CodeInvalidArgument, http.StatusBadRequest},
		{"transient", Transient("store: get", errors.New("conn reset")), CodeTransient, http.StatusServiceUnavailable},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), CodeTransient, http.StatusServiceUnavailable},
		{"wrapped", fmt.Errorf("swipe: record: %w", NotFound("user")), CodeNotFound, http.StatusNotFound},
		{"unauthenticated", ErrUnauthenticated, CodeUnauthenticated, http.StatusUnauthorized},
		{"internal", errors.New("boom"), CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.code {
				t.Errorf("Code() = %q, want %q", got, tt.code)
			}
			if got := HTTPStatus(tt.err); got != tt.status {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestMessageHidesInternal(t *testing.T) {
	if got := Message(errors.New("pq: password authentication failed")); got != "internal error" {
		t.Errorf("Message() = %q", got)
	}
	if got := Message(Forbidden("not a participant")); got != "forbidden: not a participant" {
		t.Errorf("Message() = %q", got)
	}
}

func TestTransientNil(t *testing.T) {
	if Transient("op", nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
}
