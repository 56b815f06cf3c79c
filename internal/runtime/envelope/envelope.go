// Package envelope defines the task payload submitted to the task queue for
// async and retrying handlers. The envelope carries the handler identity and
// a structural copy of the event, never the producer's concrete type.
package envelope

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/tidwall/gjson"

	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	jsoncodecpkg "github.com/drblury/eventflow/internal/runtime/jsoncodec"
)

// Version is the envelope format written by this package.
const Version = "1"

// Field names of the flattened envelope.
const (
	FieldVersion      = "version"
	FieldID           = "id"
	FieldHandler      = "handler"
	FieldEventType    = "event_type"
	FieldPartitionKey = "partition_key"
	FieldData         = "data"
	FieldPublishedAt  = "published_at"
)

// Envelope wraps one event for one handler.
type Envelope struct {
	Version      string
	ID           string
	Handler      string
	EventType    string
	PartitionKey string
	Data         map[string]any
	PublishedAt  time.Time

	// Extensions are flattened into the top-level object. Keys carry the
	// "ef_" prefix.
	Extensions map[string]any
}

// New creates an envelope with a fresh ULID and the current time.
func New(handler, eventType, partitionKey string, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Version:      Version,
		ID:           idspkg.CreateULID(),
		Handler:      handler,
		EventType:    eventType,
		PartitionKey: partitionKey,
		Data:         data,
		PublishedAt:  time.Now().UTC(),
		Extensions:   make(map[string]any),
	}
}

// Validate checks that the envelope can be routed to a handler.
func (e Envelope) Validate() error {
	if e.Version == "" {
		return fmt.Errorf("version is required")
	}
	if e.Version != Version {
		return fmt.Errorf("version must be %q, got %q", Version, e.Version)
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Handler == "" {
		return fmt.Errorf("handler is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	return nil
}

// Clone returns a copy whose data and extension maps can be mutated freely.
func (e Envelope) Clone() Envelope {
	cloned := e
	cloned.Data = maps.Clone(e.Data)
	cloned.Extensions = maps.Clone(e.Extensions)
	if cloned.Extensions == nil {
		cloned.Extensions = make(map[string]any)
	}
	return cloned
}

// ToMap flattens the envelope into the primitive map handed to TaskQueue.
func (e Envelope) ToMap() map[string]any {
	m := make(map[string]any, 7+len(e.Extensions))
	for k, v := range e.Extensions {
		m[k] = v
	}
	m[FieldVersion] = e.Version
	m[FieldID] = e.ID
	m[FieldHandler] = e.Handler
	m[FieldEventType] = e.EventType
	m[FieldPartitionKey] = e.PartitionKey
	m[FieldData] = e.Data
	if !e.PublishedAt.IsZero() {
		m[FieldPublishedAt] = e.PublishedAt.Format(time.RFC3339Nano)
	}
	return m
}

var knownFields = map[string]bool{
	FieldVersion:      true,
	FieldID:           true,
	FieldHandler:      true,
	FieldEventType:    true,
	FieldPartitionKey: true,
	FieldData:         true,
	FieldPublishedAt:  true,
}

// FromMap rebuilds an envelope from its flattened form. Unknown keys become
// extensions.
func FromMap(m map[string]any) (Envelope, error) {
	var e Envelope
	var err error
	if e.Version, err = stringField(m, FieldVersion); err != nil {
		return Envelope{}, err
	}
	if e.ID, err = stringField(m, FieldID); err != nil {
		return Envelope{}, err
	}
	if e.Handler, err = stringField(m, FieldHandler); err != nil {
		return Envelope{}, err
	}
	if e.EventType, err = stringField(m, FieldEventType); err != nil {
		return Envelope{}, err
	}
	if e.PartitionKey, err = stringField(m, FieldPartitionKey); err != nil {
		return Envelope{}, err
	}

	switch data := m[FieldData].(type) {
	case nil:
		e.Data = map[string]any{}
	case map[string]any:
		e.Data = data
	default:
		return Envelope{}, fmt.Errorf("invalid %s: expected object, got %T", FieldData, data)
	}

	published, err := stringField(m, FieldPublishedAt)
	if err != nil {
		return Envelope{}, err
	}
	if published != "" {
		if e.PublishedAt, err = ParseTime(published); err != nil {
			return Envelope{}, fmt.Errorf("invalid %s: %w", FieldPublishedAt, err)
		}
	}

	e.Extensions = make(map[string]any)
	for k, v := range m {
		if !knownFields[k] {
			e.Extensions[k] = v
		}
	}
	return e, nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("invalid %s: expected string, got %T", key, v)
	}
	return s, nil
}

// Marshal encodes the flattened envelope as JSON.
func Marshal(e Envelope) ([]byte, error) {
	return jsoncodecpkg.Marshal(e.ToMap())
}

// Unmarshal decodes and validates a JSON envelope.
func Unmarshal(data []byte) (Envelope, error) {
	m := make(map[string]any)
	if err := jsoncodecpkg.Unmarshal(data, &m); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	e, err := FromMap(m)
	if err != nil {
		return Envelope{}, err
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Header is the routing subset of an envelope.
type Header struct {
	ID            string
	Handler       string
	EventType     string
	PartitionKey  string
	Attempt       int
	CorrelationID string
}

// Peek reads the routing fields of a JSON envelope without decoding the data.
func Peek(raw []byte) (Header, error) {
	if !gjson.ValidBytes(raw) {
		return Header{}, fmt.Errorf("envelope is not valid JSON")
	}
	res := gjson.GetManyBytes(raw, FieldID, FieldHandler, FieldEventType, FieldPartitionKey, ExtAttempt, ExtCorrelationID)
	return Header{
		ID:            res[0].String(),
		Handler:       res[1].String(),
		EventType:     res[2].String(),
		PartitionKey:  res[3].String(),
		Attempt:       int(res[4].Int()),
		CorrelationID: res[5].String(),
	}, nil
}

// intValue converts the numeric shapes produced by JSON decoding.
func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
