// Package apierr defines the sum-of-kind error taxonomy shared by every
// component: Validation, Authorization,
// NotFound, Conflict, Transient, Permanent, Internal.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry policy and HTTP status translation.
type Kind string

const (
	Validation    Kind = "validation"
	Authorization Kind = "authorization"
	NotFound      Kind = "not_found"
	Conflict      Kind = "conflict"
	Transient     Kind = "transient"
	Permanent     Kind = "permanent"
	Internal      Kind = "internal"
)

// Error is the platform's error type: a kind, a retry hint, and optional
// run/agent correlation for audit and log lines.
type Error struct {
	Kind      Kind
	Retryable bool
	RunID     string
	AgentID   string
	Code      string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind. Validation, Authorization, NotFound,
// Conflict, and Permanent are never retryable by construction; Transient
// always is; Internal is not retryable by the caller (the run fails) though
// the underlying operation may itself be retried elsewhere.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Retryable: kind == Transient, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving it via Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Retryable: kind == Transient, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithRun/WithAgent/WithCode attach correlation for audit records and logs.
func (e *Error) WithRun(runID string) *Error     { e.RunID = runID; return e }
func (e *Error) WithAgent(agentID string) *Error { e.AgentID = agentID; return e }
func (e *Error) WithCode(code string) *Error     { e.Code = code; return e }

// AsRetryable overrides the kind-derived retry default, used for agent
// error classification where retryability is carried explicitly on
// the wire rather than implied purely by kind.
func (e *Error) AsRetryable(retryable bool) *Error { e.Retryable = retryable; return e }

// KindOf extracts the Kind from err, defaulting to Internal for unmodeled
// errors so that callers always have a status/retry decision to make.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsRetryable reports whether err should be retried by the caller.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
