package runtime

import (
	"fmt"
	"maps"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	jsoncodecpkg "github.com/drblury/eventflow/internal/runtime/jsoncodec"
)

// Event is the contract every published value satisfies. Events are treated
// as immutable and are not retained by the dispatcher after the publish call
// (or the deferred commit) returns.
type Event interface {
	EventType() string
	ToMap() map[string]any
	PartitionKey() string
}

// Validatable is implemented by events that can report their own validity.
// The validation middleware consults it before any handler runs.
type Validatable interface {
	Validate() error
}

// MapEvent is the structural event view handed to async handlers. It carries
// only the event type, partition key and primitive field map, so handlers
// consuming tasks must not type-assert to the producer's concrete event type.
type MapEvent struct {
	Type string
	Key  string
	Data map[string]any
}

// NewMapEvent builds a MapEvent. A nil data map is replaced with an empty one.
func NewMapEvent(eventType, partitionKey string, data map[string]any) MapEvent {
	if data == nil {
		data = map[string]any{}
	}
	return MapEvent{Type: eventType, Key: partitionKey, Data: data}
}

func (e MapEvent) EventType() string    { return e.Type }
func (e MapEvent) PartitionKey() string { return e.Key }

// ToMap returns a shallow copy so callers cannot mutate the event.
func (e MapEvent) ToMap() map[string]any {
	return maps.Clone(e.Data)
}

// Get returns a top-level field.
func (e MapEvent) Get(key string) (any, bool) {
	v, ok := e.Data[key]
	return v, ok
}

// StringField returns a top-level field formatted as a string, or "" when absent.
func (e MapEvent) StringField(key string) string {
	v, ok := e.Data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Decode unmarshals the field map into target through its JSON tags.
func (e MapEvent) Decode(target any) error {
	return jsoncodecpkg.FromMap(e.Data, target)
}

// NewEvent wraps an arbitrary JSON-serialisable payload as an Event. Struct
// payloads are flattened into primitive maps through their JSON tags.
func NewEvent(eventType, partitionKey string, payload any) (MapEvent, error) {
	if eventType == "" {
		return MapEvent{}, &errspkg.InvalidEventError{Reason: "empty event type", Err: errspkg.ErrEventTypeRequired}
	}
	if payload == nil {
		return NewMapEvent(eventType, partitionKey, nil), nil
	}
	data, err := jsoncodecpkg.ToMap(payload)
	if err != nil {
		return MapEvent{}, &errspkg.InvalidEventError{Reason: "payload is not serialisable to a map", Err: err}
	}
	return NewMapEvent(eventType, partitionKey, data), nil
}

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
	UseProtoNames:   true,
}

// ProtoEvent adapts a protobuf message. The event type defaults to the
// message's full name and the field map is captured once at construction.
type ProtoEvent struct {
	Message proto.Message
	Type    string
	Key     string

	data map[string]any
}

// NewProtoEvent converts msg into an Event.
func NewProtoEvent(msg proto.Message, partitionKey string) (*ProtoEvent, error) {
	if msg == nil {
		return nil, &errspkg.InvalidEventError{Reason: "proto message is nil", Err: errspkg.ErrEventRequired}
	}
	payload, err := protoJSONMarshalOptions.Marshal(msg)
	if err != nil {
		return nil, &errspkg.InvalidEventError{Reason: "proto message cannot be marshalled", Err: err}
	}
	data := make(map[string]any)
	if err := jsoncodecpkg.Unmarshal(payload, &data); err != nil {
		return nil, &errspkg.InvalidEventError{Reason: "proto message cannot be mapped", Err: err}
	}
	return &ProtoEvent{
		Message: msg,
		Type:    string(msg.ProtoReflect().Descriptor().FullName()),
		Key:     partitionKey,
		data:    data,
	}, nil
}

func (e *ProtoEvent) EventType() string     { return e.Type }
func (e *ProtoEvent) PartitionKey() string  { return e.Key }
func (e *ProtoEvent) ToMap() map[string]any { return maps.Clone(e.data) }

// DecodeProto fills target from a structural event produced by a ProtoEvent.
func DecodeProto(evt Event, target proto.Message) error {
	raw, err := jsoncodecpkg.Marshal(evt.ToMap())
	if err != nil {
		return err
	}
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(raw, target)
}

// validateEvent enforces the event contract at the publish boundary.
func validateEvent(evt Event) error {
	if isNil(evt) {
		return &errspkg.InvalidEventError{Reason: "event is nil", Err: errspkg.ErrEventRequired}
	}
	if evt.EventType() == "" {
		return &errspkg.InvalidEventError{Reason: "empty event type", Err: errspkg.ErrEventTypeRequired}
	}
	return nil
}
