package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrConfigRequired      = sterrors.New("orderflow: configuration is required")
	ErrLoggerRequired      = sterrors.New("orderflow: logger is required")
	ErrStoreRequired       = sterrors.New("orderflow: order store is required")
	ErrPublisherRequired   = sterrors.New("orderflow: publisher is required")
	ErrRoutingKeyRequired  = sterrors.New("orderflow: routing key is required")
	ErrHandlerRequired     = sterrors.New("orderflow: handler function is required")
	ErrQueueRequired       = sterrors.New("orderflow: at least one queue is required")
	ErrEventTypeRequired   = sterrors.New("orderflow: event type is required")
	ErrNotFound            = sterrors.New("orderflow: not found")
	ErrSessionClosed       = sterrors.New("orderflow: broker session closed")
	ErrPublishNotConfirmed = sterrors.New("orderflow: broker did not confirm publish")
	ErrUnroutable          = sterrors.New("orderflow: no handler for routing key")
)

// ConfigValidationError is returned when Config.Validate fails.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "orderflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// FieldViolation describes one rejected input field.
type FieldViolation struct {
	Field  string
	Reason string
}

// ValidationError rejects caller input before any side effect. It is never retried.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Reason)
	}
	return "orderflow: validation failed: " + strings.Join(parts, "; ")
}

// Add records a violation.
func (e *ValidationError) Add(field, reason string) {
	e.Violations = append(e.Violations, FieldViolation{Field: field, Reason: reason})
}

// OrNil returns e when it carries violations.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

// ConnectionError means the broker stayed unreachable for the whole acquire budget, or
// refused the connection for a non-transient reason.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("orderflow: broker connection failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError means a publish exhausted every attempt.
type PublishError struct {
	RoutingKey string
	EventType  string
	Attempts   int
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("orderflow: publish %s to %q failed after %d attempt(s): %v", e.EventType, e.RoutingKey, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// DecodeError marks a consumed message that cannot be turned into an envelope.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "orderflow: malformed message: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HandlerError wraps a failure raised by a consumer handler.
type HandlerError struct {
	RoutingKey string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("orderflow: handler for %q failed: %v", e.RoutingKey, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// CompensationError is returned when an order could not be announced and could not be
// removed either. The order row is left behind and needs reconciliation.
type CompensationError struct {
	OrderID string
	Cause   error
	Err     error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("orderflow: order %s was not announced (%v) and could not be removed: %v", e.OrderID, e.Cause, e.Err)
}

func (e *CompensationError) Unwrap() []error { return []error{e.Cause, e.Err} }
