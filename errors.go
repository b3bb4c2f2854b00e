package coral

import (
	"errors"
	"time"
)

// ============================================================================
// Error classification
// ============================================================================

// ErrorKind classifies a failure for retry and surfacing decisions.
type ErrorKind string

const (
	// ErrorNetwork covers transport failures and server 5xx/timeouts.
	// Retryable per policy.
	ErrorNetwork ErrorKind = "network"
	// ErrorValidation covers bad input rejected before or by the server.
	// Never retried; surfaced to the caller immediately.
	ErrorValidation ErrorKind = "validation"
	// ErrorConflict means the server rejected optimistic local state.
	// Never retried; local state is corrected to the server's version.
	ErrorConflict ErrorKind = "conflict"
)

// APIError is a classified error from the server or the SDK itself.
type APIError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func newValidationError(msg string) *APIError {
	return &APIError{Kind: ErrorValidation, Code: "invalid_input", Message: msg}
}

// ConflictError is a conflict carrying the server's authoritative version of
// the entity, when the server supplied one.
type ConflictError struct {
	APIError
	Server *Message `json:"server,omitempty"`
}

// Classify returns the kind of an error. Plain transport errors (no APIError
// in the chain) count as network failures.
func Classify(err error) ErrorKind {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ErrorConflict
	}
	return ErrorNetwork
}

// ============================================================================
// Error events
// ============================================================================

// ErrorEvent is an async failure delivered to observers. The original caller
// may have already dropped interest by the time a background operation fails,
// so failures flow through this stream instead of the call site.
type ErrorEvent struct {
	Op  string    // "send_message", "mark_read", "sync", "persist", ...
	CID string    // channel involved, if any
	Err error
	At  time.Time
}

// errorSink receives async failures. The client's emitter implements it;
// tests substitute their own.
type errorSink func(ErrorEvent)

func (s errorSink) report(op, cid string, err error) {
	if s == nil || err == nil {
		return
	}
	s(ErrorEvent{Op: op, CID: cid, Err: err, At: time.Now()})
}
