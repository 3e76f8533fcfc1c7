// Package apperr defines the error kinds shared by the core subsystems and
// their mapping to HTTP status codes at the REST boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for boundary mapping and local recovery decisions.
type Kind int

const (
	Internal Kind = iota
	NotFound
	Conflict
	Validation
	InvalidCredentials
	Unauthorized
	Forbidden
	RuntimeError // container runtime port failures
	ProxyError   // reverse-proxy admin API failures
	ProviderError
	BadRequest
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case Validation:
		return "validation"
	case InvalidCredentials:
		return "invalid credentials"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case RuntimeError:
		return "runtime error"
	case ProxyError:
		return "proxy error"
	case ProviderError:
		return "provider error"
	case BadRequest:
		return "bad request"
	default:
		return "internal"
	}
}

// Error carries a kind alongside a message and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E returns a new error of the given kind.
func E(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf returns a new error of the given kind with a formatted message.
// %w in the format wraps the cause so errors.Is/As keep working.
func Errorf(kind Kind, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Msg: err.Error(), Err: errors.Unwrap(err)}
}

// Wrap attaches a kind and context message to an existing error.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or Internal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code served at the REST boundary.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Validation, BadRequest:
		return http.StatusBadRequest
	case InvalidCredentials, Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
