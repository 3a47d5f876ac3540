// Package apperr classifies errors into the small set of kinds the HTTP
// layer knows how to render.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// Kind is the category of an application error.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindScheduleViolation   Kind = "schedule_violation"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindPersistence         Kind = "persistence"
)

// Classified is implemented by errors that know their own kind. Domain
// packages implement it on typed errors that carry structured detail.
type Classified interface {
	error
	ErrorKind() Kind
}

// Detailed is implemented by errors that expose a machine-readable payload.
type Detailed interface {
	ErrorDetail() interface{}
}

// Error is the generic classified error.
type Error struct {
	Kind    Kind
	Message string
	Detail  interface{}
	Err     error

	parent *Error
	stack  []uintptr
}

// New returns an error of the given kind. Package-level sentinels are built with New.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies err and records the caller's stack for development responses.
func Wrap(kind Kind, message string, err error) *Error {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	return &Error{Kind: kind, Message: message, Err: err, stack: pcs[:n]}
}

// Persistence wraps a database failure.
func Persistence(op string, err error) *Error {
	e := Wrap(KindPersistence, op, err)
	if len(e.stack) > 0 {
		e.stack = e.stack[1:]
	}
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.parent != nil {
		return e.parent
	}
	return nil
}

func (e *Error) ErrorKind() Kind { return e.Kind }
func (e *Error) ErrorDetail() interface{} { return e.Detail }

// WithDetail returns a copy of e carrying detail. Sentinels stay untouched and
// errors.Is still matches the original through Unwrap.
func (e *Error) WithDetail(detail interface{}) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Detail: detail, parent: e, stack: e.stack}
}

// Stack renders the recorded call stack, one "function file:line" per entry.
func (e *Error) Stack() []string {
	if len(e.stack) == 0 {
		return nil
	}
	frames := runtime.CallersFrames(e.stack)
	var out []string
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			out = append(out, fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return out
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are treated as persistence failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var c Classified
	if errors.As(err, &c) {
		return c.ErrorKind()
	}
	return KindPersistence
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DetailOf returns the first non-nil detail in err's chain.
func DetailOf(err error) interface{} {
	for err != nil {
		if d, ok := err.(Detailed); ok {
			if v := d.ErrorDetail(); v != nil {
				return v
			}
		}
		err = errors.Unwrap(err)
	}
	return nil
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindScheduleViolation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
