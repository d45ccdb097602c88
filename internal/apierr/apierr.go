// Package apierr defines the typed errors the gateway and admin surface
// translate into HTTP status codes.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error for HTTP status mapping.
type Kind int

const (
	// Internal is the zero value so a bare fmt.Errorf never accidentally
	// maps to a client-facing status.
	Internal Kind = iota
	BadRequest
	NotFound
	ServiceUnavailable
)

// Error is a typed error carrying an HTTP-mappable kind.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, err: err}
}

func BadRequestf(format string, args ...interface{}) *Error {
	return &Error{Kind: BadRequest, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: NotFound, Msg: fmt.Sprintf(format, args...)}
}

func ServiceUnavailablef(format string, args ...interface{}) *Error {
	return &Error{Kind: ServiceUnavailable, Msg: fmt.Sprintf(format, args...)}
}

// Status returns the HTTP status code err should be reported as, walking
// wrapped errors with errors.As. Unrecognized errors map to 500.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case BadRequest:
			return http.StatusBadRequest
		case NotFound:
			return http.StatusNotFound
		case ServiceUnavailable:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

// Message extracts the caller-facing message, falling back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}
