// Package apperr provides a standardized error type for the session
// orchestrator, mapping each stable error kind from the platform's error
// table onto an HTTP status code. Stream close codes are defined by the
// terminal package, not here.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error identifier. Kind values are
// never renamed; new ones are appended.
type Kind string

const (
	Validation        Kind = "VALIDATION"
	Unauthenticated    Kind = "UNAUTHENTICATED"
	CredentialExpired  Kind = "CREDENTIAL_EXPIRED"
	CredentialInvalid  Kind = "CREDENTIAL_INVALID"
	Forbidden          Kind = "FORBIDDEN"
	NotFound           Kind = "NOT_FOUND"
	Conflict           Kind = "CONFLICT"
	AlreadyExtended    Kind = "ALREADY_EXTENDED"
	AtCapacity         Kind = "AT_CAPACITY"
	Exhausted          Kind = "EXHAUSTED"
	RateLimited        Kind = "RATE_LIMITED"
	Provisioning       Kind = "PROVISIONING"
	Internal           Kind = "INTERNAL"
)

// statusByKind maps each Kind to its HTTP status.
var statusByKind = map[Kind]int{
	Validation:        http.StatusBadRequest,
	Unauthenticated:   http.StatusUnauthorized,
	CredentialExpired: http.StatusUnauthorized,
	CredentialInvalid: http.StatusUnauthorized,
	Forbidden:         http.StatusForbidden,
	NotFound:          http.StatusNotFound,
	Conflict:          http.StatusConflict,
	AlreadyExtended:   http.StatusConflict,
	AtCapacity:        http.StatusServiceUnavailable,
	Exhausted:         http.StatusServiceUnavailable,
	RateLimited:       http.StatusTooManyRequests,
	Provisioning:      http.StatusInternalServerError,
	Internal:          http.StatusInternalServerError,
}

// Error is the application-level error carried across every core
// operation. It never leaks a stack trace or filesystem path to callers;
// Details is for server-side logs only and is not rendered by
// Error.Response.
type Error struct {
	Kind    Kind
	Message string
	Details string
	cause   error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// StatusCode returns the HTTP status class for this error's kind.
func (e *Error) StatusCode() int {
	if code, ok := statusByKind[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Response is the wire-safe shape returned to HTTP/stream callers.
type Response struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Response() Response {
	return Response{Error: string(e.Kind), Message: e.Message}
}

// New builds an Error of the given kind with a message meant for the
// caller. Use Wrap instead when an underlying error should be recorded
// for logs without being exposed.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error whose Details and cause capture an internal error
// that must not reach the client verbatim.
func Wrap(kind Kind, message string, cause error) *Error {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Details: details, cause: cause}
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is an *Error, or Internal otherwise.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}
