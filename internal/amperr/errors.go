// Package amperr classifies errors crossing the API boundary.
//
// Internal packages return plain errors wrapped with context; where the
// HTTP status matters they wrap one of the kinds below. Handlers map a
// kind to its status code and render the {"error": ...} body.
package amperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the class of an API-visible failure.
type Kind int

const (
	// Internal is the fallback for unclassified failures.
	Internal Kind = iota
	// Unauthorized means the request carried no valid token.
	Unauthorized
	// Forbidden means the request was authenticated but not permitted,
	// e.g. a region restriction.
	Forbidden
	// NotFound means the referenced channel, record, or file does not exist.
	NotFound
	// Conflict means the operation collides with existing state,
	// e.g. creating a channel with a taken ID.
	Conflict
	// BadRequest means the request payload or parameters are invalid.
	BadRequest
	// Unavailable means an upstream dependency failed, e.g. the child
	// process never became healthy or source resolution failed.
	Unavailable
)

// String returns the canonical name used in logs.
func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case BadRequest:
		return "bad_request"
	case Unavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// HTTPStatus returns the status code a handler should respond with.
func (k Kind) HTTPStatus() int {
	switch k {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case BadRequest:
		return http.StatusBadRequest
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error carrying an API-visible kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// New classifies an existing error with a kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds an Error with a formatted message. The %w verb wraps as
// with fmt.Errorf, so sentinel checks via errors.Is keep working.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, or Internal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
