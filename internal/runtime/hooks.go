package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
)

// PublishContext provides information about an immediate publish to hooks.
type PublishContext struct {
	// EventType is the type of the event being dispatched.
	EventType string
	// PartitionKey is the event's partition key.
	PartitionKey string
	// CorrelationID is the correlation identifier in effect, if any.
	CorrelationID string
	// Context is the context the dispatch runs with.
	Context context.Context
	// StartedAt is when the dispatch entered the hooks middleware.
	StartedAt time.Time
	// Duration is how long the dispatch took (only set in OnPublishDone and OnPublishError).
	Duration time.Duration
}

// DispatchHooks defines callbacks for the publish lifecycle.
// All hooks are optional - nil hooks are simply not called.
type DispatchHooks struct {
	// OnPublishStart is called before the rest of the chain runs.
	OnPublishStart func(pc PublishContext)

	// OnPublishDone is called when the chain and every handler returned without error.
	OnPublishDone func(pc PublishContext)

	// OnPublishError is called when the chain returned an error.
	OnPublishError func(pc PublishContext, err error)
}

// Merge combines two DispatchHooks, creating a new DispatchHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnPublishStart: chainHooks(h.OnPublishStart, other.OnPublishStart),
		OnPublishDone:  chainHooks(h.OnPublishDone, other.OnPublishDone),
		OnPublishError: chainErrorHooks(h.OnPublishError, other.OnPublishError),
	}
}

func chainHooks(a, b func(PublishContext)) func(PublishContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(pc PublishContext) {
		a(pc)
		b(pc)
	}
}

func chainErrorHooks(a, b func(PublishContext, error)) func(PublishContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(pc PublishContext, err error) {
		a(pc, err)
		b(pc, err)
	}
}

// HooksMiddleware invokes hooks around the remainder of the chain. Place it
// after the correlation ID middleware to see correlation identifiers.
func HooksMiddleware(hooks DispatchHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "dispatch_hooks",
		Middleware: hooksMiddleware(hooks),
	}
}

func hooksMiddleware(hooks DispatchHooks) Middleware {
	return MiddlewareFunc(func(ctx context.Context, evt Event, next Next) error {
		pc := PublishContext{
			EventType:     evt.EventType(),
			PartitionKey:  evt.PartitionKey(),
			CorrelationID: CorrelationID(ctx),
			Context:       ctx,
			StartedAt:     time.Now(),
		}

		if hooks.OnPublishStart != nil {
			hooks.OnPublishStart(pc)
		}

		err := next(ctx, evt)
		pc.Duration = time.Since(pc.StartedAt)

		if err != nil {
			if hooks.OnPublishError != nil {
				hooks.OnPublishError(pc, err)
			}
		} else if hooks.OnPublishDone != nil {
			hooks.OnPublishDone(pc)
		}
		return err
	})
}

// LoggingHooks returns pre-built hooks that log the publish lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) DispatchHooks {
	return DispatchHooks{
		OnPublishStart: func(pc PublishContext) {
			logger.Info("Publish started", loggingpkg.LogFields{
				"event_type":     pc.EventType,
				"partition_key":  pc.PartitionKey,
				"correlation_id": pc.CorrelationID,
			})
		},
		OnPublishDone: func(pc PublishContext) {
			logger.Info("Publish completed", loggingpkg.LogFields{
				"event_type":     pc.EventType,
				"correlation_id": pc.CorrelationID,
				"duration_ms":    pc.Duration.Milliseconds(),
			})
		},
		OnPublishError: func(pc PublishContext, err error) {
			logger.Error("Publish failed", err, loggingpkg.LogFields{
				"event_type":     pc.EventType,
				"correlation_id": pc.CorrelationID,
				"duration_ms":    pc.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward lifecycle callbacks keyed by event type.
func MetricsHooks(onStart, onDone, onError func(eventType string)) DispatchHooks {
	return DispatchHooks{
		OnPublishStart: func(pc PublishContext) {
			if onStart != nil {
				onStart(pc.EventType)
			}
		},
		OnPublishDone: func(pc PublishContext) {
			if onDone != nil {
				onDone(pc.EventType)
			}
		},
		OnPublishError: func(pc PublishContext, err error) {
			if onError != nil {
				onError(pc.EventType)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on failed publishes.
func AlertingHooks(alertFunc func(pc PublishContext, err error)) DispatchHooks {
	return DispatchHooks{
		OnPublishError: alertFunc,
	}
}
