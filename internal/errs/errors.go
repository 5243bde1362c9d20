// Package errs defines the classified error taxonomy shared by the runtime core.
//
// Every error produced by the core carries a Kind, the operation that failed,
// a human message, the source location where it was created and an optional
// cause. Kinds drive behaviour: the provider router retries on retryable kinds,
// the agent loop turns tool kinds into failed tool results, and front-ends
// render the message.
package errs

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	Unknown Kind = ""

	// Input and state.
	InvalidArgument Kind = "invalid_argument"
	InvalidState    Kind = "invalid_state"
	NotFound        Kind = "not_found"
	AlreadyExists   Kind = "already_exists"
	NotImplemented  Kind = "not_implemented"

	// Resources.
	OutOfMemory      Kind = "out_of_memory"
	Timeout          Kind = "timeout"
	Cancelled        Kind = "cancelled"
	PermissionDenied Kind = "permission_denied"

	// Network and providers.
	Network               Kind = "network"
	ConnectionFailed      Kind = "connection_failed"
	ConnectionTimeout     Kind = "connection_timeout"
	HTTPError             Kind = "http_error"
	RateLimited           Kind = "rate_limited"
	ProviderUnavailable   Kind = "provider_unavailable"
	ProviderAuth          Kind = "provider_auth"
	ProviderQuotaExceeded Kind = "provider_quota_exceeded"
	ModelNotFound         Kind = "model_not_found"
	InvalidToken          Kind = "invalid_token"

	// Tools.
	ToolNotAllowed      Kind = "tool_not_allowed"
	ToolTimeout         Kind = "tool_timeout"
	ToolExecutionFailed Kind = "tool_execution_failed"

	// Parsing of configuration and persisted state.
	ConfigParse Kind = "config_parse"
	StateParse  Kind = "state_parse"
)

// String returns the kind name, or "unknown".
func (k Kind) String() string {
	if k == Unknown {
		return "unknown"
	}
	return string(k)
}

// Retryable reports whether an error of this kind may succeed when retried
// against the same provider. HTTPError is retryable only for 5xx statuses,
// which Retryable(err) checks using the attached status.
func (k Kind) Retryable() bool {
	switch k {
	case Network, Timeout, ConnectionFailed, ConnectionTimeout,
		RateLimited, ProviderUnavailable:
		return true
	default:
		return false
	}
}

// Kinder is implemented by errors that carry a Kind.
type Kinder interface {
	ErrorKind() Kind
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is the concrete classified error.
type Error struct {
	Kind     Kind
	Op       string
	Message  string
	Status   int
	Location string
	Cause    error
}

// Error renders "op: message: cause" omitting empty parts.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause == nil {
		parts = append(parts, e.Kind.String())
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Cause }

// ErrorKind implements Kinder.
func (e *Error) ErrorKind() Kind { return e.Kind }

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.Status }

// Is matches a bare kind error so that errors.Is(err, KindError(NotFound))
// works along any chain.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Cause == nil
}

// WithStatus attaches an HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithOp sets the failing operation.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Location: caller(2)}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Location: caller(2)}
}

// Wrap classifies cause under kind. A nil cause yields nil.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause, Location: caller(2)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause, Location: caller(2)}
}

// KindError returns a bare error of the given kind for errors.Is comparisons.
func KindError(kind Kind) error {
	return &Error{Kind: kind}
}

// KindOf returns the first Kind found along the chain of err, or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return Unknown
}

// Is reports whether the chain of err contains an error of kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if k, ok := err.(Kinder); ok && k.ErrorKind() == kind {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if Is(inner, kind) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	return false
}

// StatusOf returns the first HTTP status found along the chain of err.
func StatusOf(err error) int {
	var s StatusCoder
	if errors.As(err, &s) {
		return s.HTTPStatus()
	}
	return 0
}

// Retryable reports whether err should be retried against the same provider.
func Retryable(err error) bool {
	kind := KindOf(err)
	if kind == HTTPError {
		return StatusOf(err) >= 500
	}
	return kind.Retryable()
}

// LocationOf returns the source location recorded on the outermost *Error.
func LocationOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Location
	}
	return ""
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
