// Package errs provides structured error types and helpers for streambid services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a caller-visible error category.
type Code string

const (
	// CodeUnauthenticated indicates a missing or invalid credential.
	CodeUnauthenticated Code = "unauthenticated"
	// CodeForbidden indicates a known caller lacking the required capability.
	CodeForbidden Code = "forbidden"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a pre-condition failure or concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "bad_request"
	// CodeRateLimited indicates that the caller exceeded rate limits.
	CodeRateLimited Code = "too_many_requests"
	// CodeTimeout indicates the command deadline was exceeded.
	CodeTimeout Code = "timeout"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInternal captures unhandled failures.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the streambid stack.
type E struct {
	Op            string
	Code          Code
	Message       string
	Reason        string
	CorrelationID string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given operation and code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:            strings.TrimSpace(op),
		Code:          code,
		Message:       "",
		Reason:        "",
		CorrelationID: "",
		cause:         nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithReason attaches a machine-readable reason token (e.g. seller_cannot_bid).
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) {
		e.Reason = trimmed
	}
}

// WithCorrelationID records the request correlation identifier.
func WithCorrelationID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.CorrelationID = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeInternal)
	}
	parts = append(parts, "code="+code)

	if e.Reason != "" {
		parts = append(parts, "reason="+e.Reason)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.CorrelationID != "" {
		parts = append(parts, "correlation_id="+e.CorrelationID)
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the caller-visible code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil && envelope.Code != "" {
		return envelope.Code
	}
	return CodeInternal
}

// MessageOf extracts the human-readable message from err, if any.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Reason != "" {
			return envelope.Reason
		}
	}
	return ""
}

// ReasonOf extracts the machine-readable reason token from err, if any.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Reason
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
