package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrDispatcherRequired   = sterrors.New("eventflow: dispatcher is required")
	ErrHandlerRequired      = sterrors.New("eventflow: handler is required")
	ErrMiddlewareRequired   = sterrors.New("eventflow: middleware is required")
	ErrEventRequired        = sterrors.New("eventflow: event is required")
	ErrEventTypeRequired    = sterrors.New("eventflow: event type is required")
	ErrTaskQueueRequired    = sterrors.New("eventflow: task queue is required")
	ErrPublisherRequired    = sterrors.New("eventflow: publisher is required")
	ErrSubscriberRequired   = sterrors.New("eventflow: subscriber is required")
	ErrQueueRequired        = sterrors.New("eventflow: queue name is required")
	ErrConfigRequired       = sterrors.New("eventflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("eventflow: logger is required")
	ErrNoTransaction        = sterrors.New("eventflow: no transaction is open")
	ErrTransactionFinished  = sterrors.New("eventflow: transaction already finished")
	ErrHandlerTimeout       = sterrors.New("eventflow: handler timed out")
	ErrHandlerPanicked      = sterrors.New("eventflow: handler panicked")
	ErrUnknownHandler       = sterrors.New("eventflow: unknown handler")
	ErrDuplicateHandlerName = sterrors.New("eventflow: handler name already registered")
	ErrPoisonTask           = sterrors.New("eventflow: task cannot be processed")
)

// InvalidEventError reports an event that does not satisfy the event contract.
type InvalidEventError struct {
	Reason string
	Err    error
}

func (e *InvalidEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("eventflow: invalid event: %s: %v", e.Reason, e.Err)
	}
	return "eventflow: invalid event: " + e.Reason
}

func (e *InvalidEventError) Unwrap() error { return e.Err }

// ConfigurationError reports a bad registration, middleware or dispatcher setup.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "eventflow: invalid configuration"
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// PublishError wraps any failure raised while publishing an event.
type PublishError struct {
	EventType string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("eventflow: publish %q failed: %v", e.EventType, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// HandlerError identifies the handler whose failure aborted a publish.
type HandlerError struct {
	Handler   string
	EventType string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("eventflow: handler %s failed for %q: %v", e.Handler, e.EventType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// PanicError carries a recovered handler panic and the stack at the point of recovery.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("eventflow: handler panicked: %v", e.Value)
}

func (e *PanicError) Is(target error) bool { return target == ErrHandlerPanicked }

// NewConfigurationError is shorthand for a ConfigurationError without a cause.
func NewConfigurationError(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return sterrors.As(err, &target)
}

// IsInvalidEvent reports whether err wraps an InvalidEventError.
func IsInvalidEvent(err error) bool {
	var target *InvalidEventError
	return sterrors.As(err, &target)
}
