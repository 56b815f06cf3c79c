package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
)

const tracerName = "github.com/drblury/eventflow"

// Next continues dispatch with the remaining middlewares and, finally, the handlers.
type Next func(ctx context.Context, evt Event) error

// Middleware intercepts every immediate publish. Returning without calling
// next short-circuits dispatch; no handler runs.
type Middleware interface {
	Intercept(ctx context.Context, evt Event, next Next) error
}

// MiddlewareFunc adapts a plain function to the Middleware interface.
type MiddlewareFunc func(ctx context.Context, evt Event, next Next) error

func (f MiddlewareFunc) Intercept(ctx context.Context, evt Event, next Next) error {
	return f(ctx, evt, next)
}

// Pipeline is an ordered chain of middlewares. The first middleware added is
// the outermost one.
type Pipeline struct {
	mu          sync.RWMutex
	middlewares []Middleware
}

// NewPipeline returns an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Use appends mw to the chain.
func (p *Pipeline) Use(mw Middleware) error {
	if isNil(mw) {
		return &errspkg.ConfigurationError{Field: "middleware", Err: errspkg.ErrMiddlewareRequired}
	}
	p.mu.Lock()
	p.middlewares = append(p.middlewares, mw)
	p.mu.Unlock()
	return nil
}

// Run folds the chain around terminal and executes it.
func (p *Pipeline) Run(ctx context.Context, evt Event, terminal Next) error {
	p.mu.RLock()
	chain := make([]Middleware, len(p.middlewares))
	copy(chain, p.middlewares)
	p.mu.RUnlock()

	next := terminal
	for i := len(chain) - 1; i >= 0; i-- {
		mw, inner := chain[i], next
		next = func(ctx context.Context, evt Event) error {
			return mw.Intercept(ctx, evt, inner)
		}
	}
	return next(ctx, evt)
}

// Len returns the number of middlewares in the chain.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.middlewares)
}

// Clear removes every middleware.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	p.middlewares = nil
	p.mu.Unlock()
}

// isNil reports whether v is nil or an interface holding a nil reference.
func isNil(x any) bool {
	if x == nil {
		return true
	}
	v := reflect.ValueOf(x)
	switch v.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Interface, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// MiddlewareBuilder constructs a middleware from the dispatcher it is attached to.
// Returning a nil middleware and nil error skips the registration.
type MiddlewareBuilder func(*Dispatcher) (Middleware, error)

// MiddlewareRegistration captures how a middleware is attached to a Dispatcher.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain installed by NewDispatcher.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		RecovererMiddleware(),
		CorrelationIDMiddleware(),
		TracerMiddleware(),
		LoggingMiddleware(nil),
		MetricsMiddleware(),
		TransactionVisibilityMiddleware(),
		ValidationMiddleware(),
	}
}

// RegisterMiddleware builds cfg against the dispatcher and appends it to the pipeline.
func (d *Dispatcher) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(d)
		if err != nil {
			return &errspkg.ConfigurationError{Field: "middleware", Reason: cfg.Name, Err: err}
		}
		if mw == nil {
			return nil
		}
	default:
		return &errspkg.ConfigurationError{Field: "middleware", Reason: cfg.Name, Err: errspkg.ErrMiddlewareRequired}
	}
	return d.pipeline.Use(mw)
}

// RecovererMiddleware turns a panic raised inside the chain into an error.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Middleware: MiddlewareFunc(func(ctx context.Context, evt Event, next Next) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &errspkg.PanicError{Value: r, Stack: string(debug.Stack())}
				}
			}()
			return next(ctx, evt)
		}),
	}
}

type correlationIDKey struct{}

// WithCorrelationID stores id in ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID returns the correlation identifier carried by ctx, if any.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// CorrelationIDMiddleware ensures each dispatch carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: MiddlewareFunc(func(ctx context.Context, evt Event, next Next) error {
			if CorrelationID(ctx) == "" {
				ctx = WithCorrelationID(ctx, idspkg.CreateULID())
			}
			return next(ctx, evt)
		}),
	}
}

// TracerMiddleware wraps dispatch in a span from the global tracer provider.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(d *Dispatcher) (Middleware, error) {
			if !d.Conf.InstrumentationEnabled {
				return nil, nil
			}
			return tracerMiddleware(otel.GetTracerProvider()), nil
		},
	}
}

// TracerMiddlewareWithProvider uses tp regardless of the instrumentation flag.
func TracerMiddlewareWithProvider(tp trace.TracerProvider) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware(tp),
	}
}

func tracerMiddleware(tp trace.TracerProvider) Middleware {
	tracer := tp.Tracer(tracerName)
	return MiddlewareFunc(func(ctx context.Context, evt Event, next Next) error {
		ctx, span := tracer.Start(ctx, "eventflow.publish "+evt.EventType(),
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("event.type", evt.EventType()),
				attribute.String("event.partition_key", evt.PartitionKey()),
				attribute.String("event.correlation_id", CorrelationID(ctx)),
			),
		)
		defer span.End()

		err := next(ctx, evt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}

// LoggingMiddleware logs every dispatch with its duration. A nil logger
// falls back to the dispatcher's logger.
func LoggingMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "logging",
		Builder: func(d *Dispatcher) (Middleware, error) {
			l := logger
			if l == nil {
				l = d.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return loggingMiddleware(l), nil
		},
	}
}

func loggingMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return MiddlewareFunc(func(ctx context.Context, evt Event, next Next) error {
		start := time.Now()
		err := next(ctx, evt)
		fields := loggingpkg.LogFields{
			"event_type":     evt.EventType(),
			"partition_key":  evt.PartitionKey(),
			"correlation_id": CorrelationID(ctx),
			"duration_ms":    time.Since(start).Milliseconds(),
		}
		if err != nil {
			logger.Error("Event dispatch failed", err, fields)
			return err
		}
		logger.Debug("Event dispatched", fields)
		return nil
	})
}

// MetricsMiddleware records publish counts and durations in Prometheus when
// metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(d *Dispatcher) (Middleware, error) {
			if !d.Conf.MetricsEnabled {
				return nil, nil
			}
			m, err := newPublishMetrics(d.metricsRegisterer())
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	}
}

type publishMetrics struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newPublishMetrics(reg prometheus.Registerer) (*publishMetrics, error) {
	total, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventflow",
		Name:      "publish_total",
		Help:      "Immediate publishes by event type and outcome.",
	}, []string{"event_type", "status"}))
	if err != nil {
		return nil, err
	}
	duration, err := registerCollector(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventflow",
		Name:      "publish_duration_seconds",
		Help:      "Time spent running the middleware chain and handlers.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"}))
	if err != nil {
		return nil, err
	}
	return &publishMetrics{total: total, duration: duration}, nil
}

func (m *publishMetrics) Intercept(ctx context.Context, evt Event, next Next) error {
	start := time.Now()
	err := next(ctx, evt)
	status := "success"
	if err != nil {
		status = "error"
	}
	m.total.WithLabelValues(evt.EventType(), status).Inc()
	m.duration.WithLabelValues(evt.EventType()).Observe(time.Since(start).Seconds())
	return err
}

// registerCollector registers c, reusing an identical collector that is
// already registered.
func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// TransactionVisibilityMiddleware logs whether a transaction was open when
// the dispatch ran.
func TransactionVisibilityMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "transaction_visibility",
		Builder: func(d *Dispatcher) (Middleware, error) {
			logger := d.Logger
			return MiddlewareFunc(func(ctx context.Context, evt Event, next Next) error {
				logger.Debug("Dispatching event", loggingpkg.LogFields{
					"event_type":       evt.EventType(),
					"transaction_open": d.transactionOpen(ctx),
				})
				return next(ctx, evt)
			}), nil
		},
	}
}

// ValidationMiddleware rejects events whose own Validate method fails before
// any handler runs.
func ValidationMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "validation",
		Middleware: MiddlewareFunc(func(ctx context.Context, evt Event, next Next) error {
			if v, ok := evt.(Validatable); ok {
				if err := v.Validate(); err != nil {
					return &errspkg.PublishError{
						EventType: evt.EventType(),
						Err:       &errspkg.InvalidEventError{Reason: fmt.Sprintf("%s failed validation", evt.EventType()), Err: err},
					}
				}
			}
			return next(ctx, evt)
		}),
	}
}
