// Package errs provides structured error types and helpers for Tidemark services.
package errs

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Code identifies a venue-specific error category.
type Code string

const (
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeTimeout indicates a transport-level timeout.
	CodeTimeout Code = "timeout"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeUnavailable indicates the venue is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeDecode indicates a malformed but recoverable payload.
	CodeDecode Code = "decode"
	// CodeVenue indicates a venue-side failure.
	CodeVenue Code = "venue_error"
	// CodeRejected indicates a terminal business-rule rejection.
	CodeRejected Code = "rejected"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
)

// E captures structured error information produced across the Tidemark stack.
type E struct {
	Venue   string
	Code    Code
	HTTP    int
	RawCode string
	RawMsg  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:   strings.TrimSpace(venue),
		Code:    code,
		HTTP:    0,
		RawCode: "",
		RawMsg:  "",
		Message: "",
		cause:   nil,
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

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
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

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Reason extracts the operator-facing reason string from an error.
func Reason(err error) string {
	var envelope *E
	if errors.As(err, &envelope) {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.RawMsg != "" {
			return envelope.RawMsg
		}
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// NotSupported returns a standardized error for unsupported capabilities.
func NotSupported(venue, msg string) *E {
	return New(venue, CodeRejected, WithMessage(strings.TrimSpace(msg)+" not supported"))
}

// Retryable reports whether the error is classified as transient.
//
// Transient codes cover network transport failures, timeouts, rate limits,
// venue unavailability, and recoverable decode glitches. Business-rule
// rejections and caller mistakes are terminal. Context cancellation is
// never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var envelope *E
	if !errors.As(err, &envelope) {
		return false
	}
	switch envelope.Code {
	case CodeNetwork, CodeTimeout, CodeRateLimited, CodeUnavailable, CodeDecode:
		return true
	case CodeVenue:
		// Venue errors without an HTTP status come from transport glitches;
		// 5xx and 429 responses are worth another attempt.
		return envelope.HTTP == 0 || envelope.HTTP >= 500 || envelope.HTTP == 429
	default:
		return false
	}
}
