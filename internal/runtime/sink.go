package runtime

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
)

// Observability event names emitted by the dispatcher.
const (
	EventPublishStarted         = "publish.started"
	EventPublishDeferred        = "publish.deferred"
	EventHandlerError           = "handler.error"
	EventHandlerEnqueued        = "handler.enqueued"
	EventSubscriptionRegistered = "subscription.registered"
)

// Attributes are the structured fields attached to an observability event.
type Attributes map[string]any

// Sink receives named observability events. Implementations may fail or
// panic; the dispatcher never depends on the outcome.
type Sink interface {
	Emit(ctx context.Context, name string, attrs Attributes)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, name string, attrs Attributes)

func (f SinkFunc) Emit(ctx context.Context, name string, attrs Attributes) {
	f(ctx, name, attrs)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, string, Attributes) {}

// MultiSink fans an event out to every sink in order. A panicking sink does
// not prevent the others from receiving the event.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, name string, attrs Attributes) {
	for _, s := range m {
		safeEmit(ctx, s, name, attrs)
	}
}

// safeEmit delivers an event and swallows any panic raised by the sink.
func safeEmit(ctx context.Context, s Sink, name string, attrs Attributes) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Emit(ctx, name, attrs)
}

// LoggingSink writes observability events through a ServiceLogger. Handler
// errors are logged at error level, everything else at debug.
type LoggingSink struct {
	Logger loggingpkg.ServiceLogger
}

// NewLoggingSink returns a sink backed by logger.
func NewLoggingSink(logger loggingpkg.ServiceLogger) *LoggingSink {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return &LoggingSink{Logger: logger}
}

func (s *LoggingSink) Emit(_ context.Context, name string, attrs Attributes) {
	fields := make(loggingpkg.LogFields, len(attrs)+1)
	for k, v := range attrs {
		fields[k] = v
	}
	fields["event"] = name
	if name == EventHandlerError {
		s.Logger.Error("Observability event", fmt.Errorf("%v", attrs["error_message"]), fields)
		return
	}
	s.Logger.Debug("Observability event", fields)
}

// PrometheusSink counts observability events by name, event type and handler.
type PrometheusSink struct {
	events *prometheus.CounterVec
}

// NewPrometheusSink registers the event counter on reg. Repeated calls with
// the same registerer share one collector.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventflow",
		Name:      "observability_events_total",
		Help:      "Observability events emitted by the dispatcher.",
	}, []string{"name", "event_type", "handler"}))
	if err != nil {
		return nil, err
	}
	return &PrometheusSink{events: events}, nil
}

func (s *PrometheusSink) Emit(_ context.Context, name string, attrs Attributes) {
	s.events.WithLabelValues(name, attrString(attrs, "event_type"), attrString(attrs, "handler")).Inc()
}

func attrString(attrs Attributes, key string) string {
	v, ok := attrs[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
