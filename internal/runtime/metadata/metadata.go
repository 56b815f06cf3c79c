// Package metadata holds the broker headers attached to task messages.
package metadata

import (
	"strconv"
	"time"
)

// Header keys written by the task queue. The worker and broker marshalers
// read them without decoding the payload.
const (
	KeyHandler       = "eventflow_handler"
	KeyEventType     = "eventflow_event_type"
	KeyPartitionKey  = "eventflow_partition_key"
	KeyAttempt       = "eventflow_attempt"
	KeyEnqueuedAt    = "eventflow_enqueued_at"
	KeyQueue         = "eventflow_queue"
	KeyCorrelationID = "correlation_id"
)

// Metadata represents the headers carried alongside a task.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
// Empty values are skipped.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	if value != "" {
		cloned[key] = value
	}
	return cloned
}

// Attempt returns the delivery attempt header, or 1 when absent or malformed.
func (m Metadata) Attempt() int {
	n, err := strconv.Atoi(m[KeyAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// EnqueuedAt parses the enqueue timestamp header.
func (m Metadata) EnqueuedAt() (time.Time, bool) {
	raw := m[KeyEnqueuedAt]
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// LagMillis returns how long ago the task was enqueued, or -1 when unknown.
func (m Metadata) LagMillis(now time.Time) int64 {
	ts, ok := m.EnqueuedAt()
	if !ok {
		return -1
	}
	lag := now.Sub(ts).Milliseconds()
	if lag < 0 {
		return 0
	}
	return lag
}

// ForTask builds the headers for one task message.
func ForTask(handler, eventType, partitionKey, queue, correlationID string, attempt int, enqueuedAt time.Time) Metadata {
	return Metadata{}.
		With(KeyHandler, handler).
		With(KeyEventType, eventType).
		With(KeyPartitionKey, partitionKey).
		With(KeyQueue, queue).
		With(KeyCorrelationID, correlationID).
		With(KeyAttempt, strconv.Itoa(attempt)).
		With(KeyEnqueuedAt, enqueuedAt.UTC().Format(time.RFC3339Nano))
}
