package runtime

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
)

// TypedEvent carries a decoded payload alongside the raw event.
type TypedEvent[T any] struct {
	Payload T
	Event   Event
	Logger  loggingpkg.ServiceLogger
}

// JSONHandler processes an event decoded into T through its JSON tags.
type JSONHandler[T any] func(ctx context.Context, evt TypedEvent[T]) error

// SubscribeJSON registers fn for eventType. The field map is decoded into a
// fresh T on every invocation; a decode failure counts as a handler failure.
func SubscribeJSON[T any](d *Dispatcher, eventType string, fn JSONHandler[T], opts ...SubscribeOption) (RegistrationHandle, error) {
	if d == nil {
		return RegistrationHandle{}, errspkg.ErrDispatcherRequired
	}
	if fn == nil {
		return RegistrationHandle{}, &errspkg.ConfigurationError{Field: "handler", Err: errspkg.ErrHandlerRequired}
	}

	logger := d.Logger
	h := HandlerFunc(func(ctx context.Context, evt Event) error {
		var payload T
		if err := decodeEvent(evt, &payload); err != nil {
			return &errspkg.InvalidEventError{Reason: fmt.Sprintf("decode %s into %T", evt.EventType(), payload), Err: err}
		}
		return fn(ctx, TypedEvent[T]{Payload: payload, Event: evt, Logger: logger})
	})
	return d.Subscribe(eventType, h, opts...)
}

func decodeEvent(evt Event, target any) error {
	if m, ok := evt.(MapEvent); ok {
		return m.Decode(target)
	}
	return MapEvent{Data: evt.ToMap()}.Decode(target)
}
