package runtime

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

// ProtoHandler processes an event decoded into the protobuf message T.
type ProtoHandler[T proto.Message] func(ctx context.Context, evt TypedEvent[T]) error

// SubscribeProto registers fn for the full name of T, the event type
// NewProtoEvent assigns to messages of that type.
func SubscribeProto[T proto.Message](d *Dispatcher, fn ProtoHandler[T], opts ...SubscribeOption) (RegistrationHandle, error) {
	if d == nil {
		return RegistrationHandle{}, errspkg.ErrDispatcherRequired
	}
	if fn == nil {
		return RegistrationHandle{}, &errspkg.ConfigurationError{Field: "handler", Err: errspkg.ErrHandlerRequired}
	}

	var zero T
	prototype := zero.ProtoReflect()
	eventType := string(prototype.Descriptor().FullName())

	logger := d.Logger
	h := HandlerFunc(func(ctx context.Context, evt Event) error {
		if pe, ok := evt.(*ProtoEvent); ok {
			if msg, ok := pe.Message.(T); ok {
				return fn(ctx, TypedEvent[T]{Payload: msg, Event: evt, Logger: logger})
			}
		}
		msg := prototype.New().Interface().(T)
		if err := DecodeProto(evt, msg); err != nil {
			return &errspkg.InvalidEventError{Reason: fmt.Sprintf("decode %s", eventType), Err: err}
		}
		return fn(ctx, TypedEvent[T]{Payload: msg, Event: evt, Logger: logger})
	})
	return d.Subscribe(eventType, h, opts...)
}
