package annuaire

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the normalized class of a directory failure.
type Kind string

const (
	KindBadRequest      Kind = "bad_request"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindRateLimited     Kind = "rate_limited"
	KindUnknown         Kind = "unknown"
)

// Error is returned for every failed directory call, whatever the remote
// API reported, so callers can branch on Kind alone.
type Error struct {
	Op         string
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("annuaire %s: %s (status %d): %s", e.Op, e.Kind, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("annuaire %s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("annuaire %s: %s: %s", e.Op, e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindUnknown
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func kindFromStatus(code int) Kind {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindBadRequest
	case http.StatusUnauthorized:
		return KindUnauthenticated
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindUnknown
	}
}
