package envelope

import (
	"fmt"
	"time"
)

// Extension keys understood by the worker.
const (
	// ExtAttempt is the delivery attempt number, starting at 1.
	ExtAttempt = "ef_attempt"

	// ExtErrorMessage stores the failure that caused a retry submission.
	ExtErrorMessage = "ef_error_message"

	// ExtCorrelationID is the correlation identifier of the originating publish.
	ExtCorrelationID = "ef_correlation_id"

	// ExtOriginalQueue stores the queue a retried task was first submitted to.
	ExtOriginalQueue = "ef_original_queue"

	// ExtRetriedAt records when the task was resubmitted for retry.
	ExtRetriedAt = "ef_retried_at"
)

// Extension returns the raw extension value, or nil.
func (e Envelope) Extension(key string) any {
	if e.Extensions == nil {
		return nil
	}
	return e.Extensions[key]
}

// ExtensionString returns the extension formatted as a string.
func (e Envelope) ExtensionString(key string) string {
	v := e.Extension(key)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// WithExtension sets an extension attribute on a copy of the envelope.
func (e Envelope) WithExtension(key string, value any) Envelope {
	cloned := e.Clone()
	cloned.Extensions[key] = value
	return cloned
}

// Attempt returns the delivery attempt, treating a missing value as the first.
func (e Envelope) Attempt() int {
	if n := intValue(e.Extension(ExtAttempt)); n > 0 {
		return n
	}
	return 1
}

// CorrelationID returns the correlation identifier, if any.
func (e Envelope) CorrelationID() string {
	return e.ExtensionString(ExtCorrelationID)
}

// ForRetry returns the envelope to submit after a failed in-line attempt.
func (e Envelope) ForRetry(errMessage, originalQueue string) Envelope {
	next := e.Clone()
	next.Extensions[ExtAttempt] = e.Attempt() + 1
	next.Extensions[ExtErrorMessage] = errMessage
	next.Extensions[ExtRetriedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	if originalQueue != "" {
		next.Extensions[ExtOriginalQueue] = originalQueue
	}
	return next
}

// ParseTime parses RFC3339 timestamps with or without fractional seconds.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
