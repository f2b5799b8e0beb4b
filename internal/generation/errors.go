// Package generation implements the AI invocation gateway: it selects a
// payload transport for each request, issues the remote generation call,
// normalizes failures into a closed set of error kinds, and escalates from
// inline to storage-reference transport when a request is rejected before
// reaching the backend.
package generation

import (
	"fmt"
	"time"

	"github.com/fjmerc/studypipe/internal/quota"
)

// Error kinds. The set is closed; callers translate kinds into user-facing
// text, never the raw backend message.
const (
	KindTransport   = "transport"
	KindRateLimit   = "rate_limit"
	KindValidation  = "validation"
	KindEmptyResult = "empty_result"
	KindInvocation  = "invocation"
)

// Envelope codes for transport failures.
const (
	// CodeTimeout marks a request that timed out in flight.
	CodeTimeout = "timeout"

	// CodeConnection marks a network-level failure before a response arrived.
	CodeConnection = "connection"

	// CodeRejectedBeforeBackend marks a request the infrastructure rejected
	// before the generation backend saw it: oversized body, non-JSON error
	// page, malformed response. Inline requests carrying this code are
	// candidates for storage-reference escalation.
	CodeRejectedBeforeBackend = "rejected_before_backend"
)

// ErrorEnvelope is the normalized failure produced at the boundary-call site.
// Message is safe to log; typed errors built on the envelope never expose raw
// backend text to callers.
type ErrorEnvelope struct {
	Kind      string
	Code      string
	Message   string
	Retryable bool
}

// TransportError is a network-level or infrastructure-level failure: the
// generation backend never produced a usable answer.
type TransportError struct {
	Envelope ErrorEnvelope
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("generation transport failure (%s): %s", e.Envelope.Code, e.Envelope.Message)
}

// Retryable reports whether retrying the same request may succeed. Requests
// rejected before the backend fail the same way every time; those escalate
// instead of retrying.
func (e *TransportError) Retryable() bool {
	return e.Envelope.Retryable
}

// RejectedBeforeBackend reports whether the request never reached the
// generation backend.
func (e *TransportError) RejectedBeforeBackend() bool {
	return e.Envelope.Code == CodeRejectedBeforeBackend
}

// InvocationError is an application-level failure reported by the backend.
// The caller-visible message is generic; the backend's own text is preserved
// in the envelope for logging only.
type InvocationError struct {
	Envelope ErrorEnvelope
}

func (e *InvocationError) Error() string {
	if e.Envelope.Code != "" {
		return fmt.Sprintf("generation request failed (code %s)", e.Envelope.Code)
	}
	return "generation request failed"
}

func (e *InvocationError) Retryable() bool { return false }

// ValidationError is a bad-input failure, such as a missing user identity on
// a path that requires one. Never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Retryable() bool { return false }

// EmptyResultError reports that the backend answered successfully but
// produced no usable content. Surfaced to the caller rather than returned as
// a silent empty string; not retried automatically.
type EmptyResultError struct {
	Kind string // request kind, e.g. "transcription"
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("generation backend returned an empty %s result", e.Kind)
}

func (e *EmptyResultError) Retryable() bool { return false }

// parseResetAt parses the backend's reset timestamp, falling back to the next
// UTC midnight when absent or malformed.
func parseResetAt(raw string) time.Time {
	if raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return quota.NextUTCMidnight(time.Now())
}
