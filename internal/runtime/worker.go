package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	jsoncodecpkg "github.com/drblury/eventflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// WorkerDependencies holds the optional collaborators of a Worker.
type WorkerDependencies struct {
	// Publisher receives poison tasks. Without it exhausted tasks are only logged.
	Publisher message.Publisher
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	// Middlewares are appended after the default router middlewares.
	Middlewares []message.HandlerMiddleware
	// DisableSignalsHandler keeps the router from closing on SIGINT/SIGTERM.
	DisableSignalsHandler bool
}

// Worker consumes the async priority queues and the retry queue and runs the
// dispatcher's handlers for each task.
type Worker struct {
	dispatcher *Dispatcher
	subscriber message.Subscriber
	publisher  message.Publisher
	router     *message.Router
	logger     loggingpkg.ServiceLogger
	queues     []string
	poison     *PoisonMetrics
}

// NewWorker builds the router for d. Handlers resolve by name at delivery
// time, so subscriptions may be added until Run is called.
func NewWorker(d *Dispatcher, sub message.Subscriber, deps WorkerDependencies) (*Worker, error) {
	if d == nil {
		return nil, errspkg.ErrDispatcherRequired
	}
	if sub == nil {
		return nil, errspkg.ErrSubscriberRequired
	}

	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(d.Logger))
	if err != nil {
		return nil, err
	}
	if !deps.DisableSignalsHandler {
		router.AddPlugin(plugin.SignalsHandler)
	}

	w := &Worker{
		dispatcher: d,
		subscriber: sub,
		publisher:  deps.Publisher,
		router:     router,
		logger:     d.Logger,
	}
	w.queues = append(d.Conf.PriorityQueues(), d.Conf.RetryQueueName())

	if err := w.addMiddlewares(deps); err != nil {
		return nil, err
	}
	for _, queue := range w.queues {
		router.AddNoPublisherHandler("eventflow_"+queue, queue, sub, w.handleMessage)
	}
	return w, nil
}

// Queues lists the queues the worker consumes, most urgent first.
func (w *Worker) Queues() []string {
	return append([]string(nil), w.queues...)
}

// Run starts the HTTP endpoints and consumes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.dispatcher.StartHTTPServers(ctx)
	w.logger.Info("Starting worker", loggingpkg.LogFields{"queues": w.queues})
	return routerRun(w.router, ctx)
}

// Running is closed once the router consumes from every queue.
func (w *Worker) Running() <-chan struct{} {
	return w.router.Running()
}

// PoisonMetrics returns the poison counters, or nil without a poison publisher.
func (w *Worker) PoisonMetrics() *PoisonMetrics {
	return w.poison
}

func (w *Worker) handleGetPoison(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if err := jsoncodecpkg.Encode(rw, w.poison.Snapshot()); err != nil {
		w.logger.Error("Failed to encode poison metrics", err, nil)
		http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
	}
}

// Close stops the router.
func (w *Worker) Close() error {
	return w.router.Close()
}

// addMiddlewares installs the router chain. The first middleware is the
// outermost, so the poison queue only sees errors that outlived the retries.
func (w *Worker) addMiddlewares(deps WorkerDependencies) error {
	conf := w.dispatcher.Conf

	w.router.AddMiddleware(correlationIDRouterMiddleware, w.logTasksMiddleware)

	tp := deps.TracerProvider
	if tp == nil && conf.InstrumentationEnabled {
		tp = otel.GetTracerProvider()
	}
	if tp != nil {
		w.router.AddMiddleware(taskTracerMiddleware(tp))
	}

	if conf.MetricsEnabled {
		builder := metrics.NewPrometheusMetricsBuilder(w.dispatcher.metricsRegisterer(), "eventflow", conf.PubSubSystem)
		builder.AddPrometheusRouterMetrics(w.router)
		if conf.MetricsPort > 0 {
			w.dispatcher.RegisterHTTPHandler(conf.MetricsPort, "/metrics", promhttp.Handler())
		}
	}

	if w.publisher != nil {
		poison, err := middleware.PoisonQueueWithFilter(w.publisher, conf.PoisonQueueName(), func(error) bool { return true })
		if err != nil {
			return err
		}
		w.poison, err = NewPoisonMetrics(w.dispatcher.metricsRegisterer())
		if err != nil {
			return err
		}
		w.router.AddMiddleware(poison, w.poison.middleware)
		if conf.InspectEnabled {
			w.dispatcher.RegisterHTTPHandler(w.dispatcher.inspectPort(), "/api/poison", http.HandlerFunc(w.handleGetPoison))
		}
	} else {
		w.logger.Info("No publisher for poison queue, exhausted tasks will be dropped", loggingpkg.LogFields{
			"poison_queue": conf.PoisonQueueName(),
		})
	}

	w.router.AddMiddleware(retryMiddleware(RetryMiddlewareConfig{
		MaxRetries:      conf.RetryMaxRetries,
		InitialInterval: conf.RetryInitialInterval,
		MaxInterval:     conf.RetryMaxInterval,
		RetryIf: func(err error) bool {
			return !errors.Is(err, errspkg.ErrPoisonTask)
		},
	}), middleware.Recoverer)

	w.router.AddMiddleware(deps.Middlewares...)
	return nil
}

// RetryMiddlewareConfig customises the worker's retry behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

func retryMiddleware(cfg RetryMiddlewareConfig) message.HandlerMiddleware {
	normalized := cfg.withDefaults()
	return middleware.Retry{
		MaxRetries:      normalized.MaxRetries,
		InitialInterval: normalized.InitialInterval,
		MaxInterval:     normalized.MaxInterval,
		Multiplier:      2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if normalized.RetryIf != nil {
				return normalized.RetryIf(params.Err)
			}
			return true
		},
	}.Middleware
}

// correlationIDRouterMiddleware injects a correlation ID into the task metadata when missing.
func correlationIDRouterMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

func (w *Worker) logTasksMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		w.logger.Debug("Processing task", loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"payload":      string(msg.Payload),
			"metadata":     msg.Metadata,
		})
		return h(msg)
	}
}

func taskTracerMiddleware(tp trace.TracerProvider) message.HandlerMiddleware {
	tracer := tp.Tracer(tracerName)
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			md := msg.Metadata
			ctx, span := tracer.Start(msg.Context(), "eventflow.task "+md.Get(metadatapkg.KeyEventType),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("message.uuid", msg.UUID),
					attribute.String("task.handler", md.Get(metadatapkg.KeyHandler)),
					attribute.String("task.queue", md.Get(metadatapkg.KeyQueue)),
					attribute.Int("task.attempt", metadatapkg.FromWatermill(md).Attempt()),
				),
			)
			defer span.End()
			msg.SetContext(ctx)

			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return msgs, err
		}
	}
}

func (w *Worker) handleMessage(msg *message.Message) error {
	ctx := msg.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	md := metadatapkg.FromWatermill(msg.Metadata)

	hdr, err := envelopepkg.Peek(msg.Payload)
	if err != nil {
		return errors.Join(errspkg.ErrPoisonTask, err)
	}
	reg, ok := w.dispatcher.registry.Lookup(hdr.Handler, hdr.EventType)
	if !ok {
		return errors.Join(errspkg.ErrPoisonTask, fmt.Errorf("%w: %s for %q", errspkg.ErrUnknownHandler, hdr.Handler, hdr.EventType))
	}
	env, err := envelopepkg.Unmarshal(msg.Payload)
	if err != nil {
		return errors.Join(errspkg.ErrPoisonTask, err)
	}

	correlationID := env.CorrelationID()
	if correlationID == "" {
		correlationID = md[metadatapkg.KeyCorrelationID]
	}
	if correlationID != "" {
		ctx = WithCorrelationID(ctx, correlationID)
	}

	evt := NewMapEvent(env.EventType, env.PartitionKey, env.Data)
	return w.dispatcher.RunTask(ctx, reg, evt, md.LagMillis(time.Now()))
}

// RunTask invokes reg for a task delivered by the task queue. The ignore and
// log strategies acknowledge a failed task; raise and retry return the error
// so the worker redelivers it and finally moves it to the poison queue.
func (d *Dispatcher) RunTask(ctx context.Context, reg *HandlerRegistration, evt Event, lagMillis int64) error {
	stats := d.statsFor(reg)
	if stats != nil {
		stats.onStart()
	}
	start := time.Now()
	err := callWithTimeout(ctx, d.Conf.EffectiveAsyncHandlerTimeout(), reg.handler, evt)
	if stats != nil {
		stats.onFinish(time.Since(start), lagMillis, err, d.errorClassifier)
	}
	if err == nil {
		return nil
	}

	d.emitHandlerError(ctx, reg, evt, err)
	switch reg.strategy {
	case StrategyIgnore:
		return nil
	case StrategyLog:
		d.Logger.Error("Async handler failed", err, loggingpkg.LogFields{
			"handler":        reg.name,
			"event_type":     evt.EventType(),
			"correlation_id": CorrelationID(ctx),
		})
		return nil
	}
	return &errspkg.HandlerError{Handler: reg.name, EventType: evt.EventType(), Err: err}
}
