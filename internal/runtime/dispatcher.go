package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	jsoncodecpkg "github.com/drblury/eventflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
)

const maxErrorPayloadBytes = 1024

// DispatcherDependencies holds the optional collaborators of a Dispatcher.
// Leave fields nil to run without them.
type DispatcherDependencies struct {
	// Transactions enables deferral until commit.
	Transactions TransactionProvider
	// TaskQueue runs async handlers and receives retry submissions. Required
	// as soon as an async or retrying handler is subscribed.
	TaskQueue TaskQueue
	// Sink receives observability events. Defaults to NopSink.
	Sink Sink
	// Middlewares are appended after the default middleware chain.
	Middlewares []MiddlewareRegistration
	// DisableDefaultMiddlewares skips registering the default chain when true.
	DisableDefaultMiddlewares bool
	// MetricsRegisterer receives the Prometheus collectors. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
	ErrorClassifier   ErrorClassifier
}

// Dispatcher owns a handler registry and a middleware pipeline and publishes
// events to them. It is safe for concurrent publishes once handlers are
// subscribed.
type Dispatcher struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	registry     *Registry
	pipeline     *Pipeline
	transactions TransactionProvider
	taskQueue    TaskQueue
	sink         Sink
	registerer   prometheus.Registerer

	handlers   map[string]*HandlerInfo
	handlerIDs []string
	handlersMu sync.RWMutex

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewDispatcher constructs a Dispatcher and panics when the configuration or
// a middleware registration is invalid. Use TryNewDispatcher to get the error.
func NewDispatcher(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps DispatcherDependencies) *Dispatcher {
	d, err := TryNewDispatcher(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return d
}

// TryNewDispatcher constructs a Dispatcher. A nil configuration means
// config.Default() and a nil logger discards output.
func TryNewDispatcher(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps DispatcherDependencies) (*Dispatcher, error) {
	if conf == nil {
		conf = configpkg.Default()
	}
	if log == nil {
		log = loggingpkg.Nop()
	}
	if err := conf.Validate(); err != nil {
		return nil, &errspkg.ConfigurationError{Field: "config", Err: err}
	}

	d := &Dispatcher{
		Conf:            conf,
		Logger:          log,
		registry:        NewRegistry(),
		pipeline:        NewPipeline(),
		transactions:    deps.Transactions,
		taskQueue:       deps.TaskQueue,
		sink:            deps.Sink,
		registerer:      deps.MetricsRegisterer,
		handlers:        make(map[string]*HandlerInfo),
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
	}
	if d.sink == nil {
		d.sink = NopSink{}
	}
	if d.errorClassifier == nil {
		d.errorClassifier = defaultErrorClassifier
	}

	if err := d.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	log.Debug("Dispatcher created", loggingpkg.LogFields{
		"handler_timeout":         conf.EffectiveHandlerTimeout().String(),
		"instrumentation_enabled": conf.InstrumentationEnabled,
		"task_queue":              d.taskQueue != nil,
		"transactions":            d.transactions != nil,
		"middlewares":             d.pipeline.Len(),
	})
	return d, nil
}

func (d *Dispatcher) registerConfiguredMiddlewares(deps DispatcherDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := d.RegisterMiddleware(reg); err != nil {
			return err
		}
	}
	return nil
}

// Use appends a middleware to the pipeline.
func (d *Dispatcher) Use(mw Middleware) error {
	return d.pipeline.Use(mw)
}

// Registry exposes the handler registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// TaskQueue returns the configured task queue, if any.
func (d *Dispatcher) TaskQueue() TaskQueue {
	return d.taskQueue
}

// Subscribe registers h for eventType.
func (d *Dispatcher) Subscribe(eventType string, h Handler, opts ...SubscribeOption) (RegistrationHandle, error) {
	reg, err := NewHandlerRegistration(eventType, h, opts...)
	if err != nil {
		return RegistrationHandle{}, err
	}
	if reg.requiresTaskQueue() && d.taskQueue == nil {
		return RegistrationHandle{}, &errspkg.ConfigurationError{
			Field:  "task_queue",
			Reason: fmt.Sprintf("handler %s is %s with strategy %s", reg.name, reg.mode, reg.strategy),
			Err:    errspkg.ErrTaskQueueRequired,
		}
	}

	if err := d.registry.Add(reg); err != nil {
		return RegistrationHandle{}, err
	}
	d.trackHandler(reg)

	fields := loggingpkg.LogFields{
		"handler":        reg.name,
		"handler_id":     reg.id,
		"event_type":     reg.eventType,
		"priority":       reg.priority,
		"mode":           string(reg.mode),
		"async_priority": string(reg.asyncPriority),
		"error_strategy": string(reg.strategy),
	}
	d.Logger.Debug("Handler subscribed", fields)
	d.emit(context.Background(), EventSubscriptionRegistered, Attributes(fields))
	return reg.Ref(), nil
}

// SubscribeAll registers h for every event type. Catch-all handlers run after
// all type-specific handlers regardless of priority.
func (d *Dispatcher) SubscribeAll(h Handler, opts ...SubscribeOption) (RegistrationHandle, error) {
	return d.Subscribe(CatchAllEventType, h, opts...)
}

// SubscribeFunc registers a plain function for eventType.
func (d *Dispatcher) SubscribeFunc(eventType string, fn func(ctx context.Context, evt Event) error, opts ...SubscribeOption) (RegistrationHandle, error) {
	if fn == nil {
		return RegistrationHandle{}, &errspkg.ConfigurationError{Field: "handler", Err: errspkg.ErrHandlerRequired}
	}
	return d.Subscribe(eventType, HandlerFunc(fn), opts...)
}

// Publish dispatches evt. Inside an open transaction the dispatch is deferred
// until the outermost commit and dropped on rollback; see WithDefer.
func (d *Dispatcher) Publish(ctx context.Context, evt Event, opts ...PublishOption) error {
	if err := validateEvent(evt); err != nil {
		return err
	}
	o := publishOptions{deferMode: DeferAuto}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	switch o.deferMode {
	case DeferNever:
		return d.PublishNow(ctx, evt)
	case DeferAlways:
		return d.deferPublish(ctx, evt)
	case DeferAuto, "":
		if d.transactionOpen(ctx) {
			return d.deferPublish(ctx, evt)
		}
		return d.PublishNow(ctx, evt)
	}
	return errspkg.NewConfigurationError("defer_mode", fmt.Sprintf("unknown defer mode %q", o.deferMode))
}

// PublishNow dispatches evt immediately, ignoring any open transaction. Any
// error from the pipeline or a raising handler is returned as a PublishError.
func (d *Dispatcher) PublishNow(ctx context.Context, evt Event) error {
	if err := validateEvent(evt); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.emitLifecycle(ctx, EventPublishStarted, Attributes{
		"event_type":     evt.EventType(),
		"partition_key":  evt.PartitionKey(),
		"correlation_id": CorrelationID(ctx),
	})

	err := d.pipeline.Run(ctx, evt, d.executeHandlers)
	if err == nil {
		return nil
	}
	var publishErr *errspkg.PublishError
	if errors.As(err, &publishErr) && publishErr.EventType == evt.EventType() {
		return err
	}
	return &errspkg.PublishError{EventType: evt.EventType(), Err: err}
}

// executeHandlers runs every registration for the event in priority order.
// Only a raising handler stops the loop.
func (d *Dispatcher) executeHandlers(ctx context.Context, evt Event) error {
	regs := d.registry.HandlersFor(evt.EventType())
	for _, reg := range regs {
		var err error
		if reg.mode == ModeAsync {
			err = d.enqueueAsync(ctx, reg, evt)
		} else {
			err = d.invoke(ctx, reg, evt)
		}
		if err == nil {
			continue
		}
		if ferr := d.handleFailure(ctx, reg, evt, err); ferr != nil {
			return ferr
		}
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, reg *HandlerRegistration, evt Event) error {
	stats := d.statsFor(reg)
	if stats != nil {
		stats.onStart()
	}
	start := time.Now()
	err := callWithTimeout(ctx, d.Conf.EffectiveHandlerTimeout(), reg.handler, evt)
	if stats != nil {
		stats.onFinish(time.Since(start), -1, err, d.errorClassifier)
	}
	return err
}

// callWithTimeout runs h on its own goroutine and stops waiting once the
// timeout expires. The handler keeps running with a cancelled context.
func callWithTimeout(ctx context.Context, timeout time.Duration, h Handler, evt Event) error {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &errspkg.PanicError{Value: r, Stack: string(debug.Stack())}
			}
		}()
		done <- h.Handle(hctx, evt)
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		select {
		case err = <-done:
		default:
			err = hctx.Err()
		}
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", errspkg.ErrHandlerTimeout, timeout)
	}
	return err
}

// taskEnvelope serialises evt for the task queue.
func taskEnvelope(ctx context.Context, reg *HandlerRegistration, evt Event) envelopepkg.Envelope {
	env := envelopepkg.New(reg.name, evt.EventType(), evt.PartitionKey(), evt.ToMap())
	if id := CorrelationID(ctx); id != "" {
		env.Extensions[envelopepkg.ExtCorrelationID] = id
	}
	return env
}

func (d *Dispatcher) enqueueAsync(ctx context.Context, reg *HandlerRegistration, evt Event) error {
	queue := d.Conf.PriorityQueue(string(reg.asyncPriority))
	env := taskEnvelope(ctx, reg, evt)

	err := d.taskQueue.Enqueue(ctx, queue, env.ID, env.ToMap())
	if stats := d.statsFor(reg); stats != nil {
		stats.onEnqueue(err)
	}
	if err != nil {
		return fmt.Errorf("enqueue to %s: %w", queue, err)
	}

	d.emitLifecycle(ctx, EventHandlerEnqueued, Attributes{
		"handler":    reg.name,
		"handler_id": reg.id,
		"event_type": evt.EventType(),
		"queue":      queue,
		"task_id":    env.ID,
	})
	return nil
}

// handleFailure reports a failed registration and applies its error strategy.
// It returns an error only for the raise strategy.
func (d *Dispatcher) handleFailure(ctx context.Context, reg *HandlerRegistration, evt Event, err error) error {
	d.emitHandlerError(ctx, reg, evt, err)

	fields := loggingpkg.LogFields{
		"handler":        reg.name,
		"handler_id":     reg.id,
		"event_type":     evt.EventType(),
		"correlation_id": CorrelationID(ctx),
	}

	switch reg.strategy {
	case StrategyRaise:
		return &errspkg.HandlerError{Handler: reg.name, EventType: evt.EventType(), Err: err}
	case StrategyRetry:
		env := taskEnvelope(ctx, reg, evt)
		qerr := d.taskQueue.EnqueueRetry(ctx, reg.name, env.ToMap(), err.Error())
		if stats := d.statsFor(reg); stats != nil {
			stats.onEnqueue(qerr)
		}
		if qerr != nil {
			d.Logger.Error("Failed to enqueue retry", errors.Join(err, qerr), fields)
			return nil
		}
		d.Logger.Debug("Handler failed, retry enqueued", fields)
	case StrategyIgnore:
	default:
		d.Logger.Error("Handler failed", err, fields)
	}
	return nil
}

func (d *Dispatcher) emitHandlerError(ctx context.Context, reg *HandlerRegistration, evt Event, err error) {
	defer func() { _ = recover() }()

	attrs := Attributes{
		"handler":        reg.name,
		"handler_id":     reg.id,
		"event_type":     evt.EventType(),
		"partition_key":  evt.PartitionKey(),
		"error_strategy": string(reg.strategy),
		"error_class":    errorClass(err),
		"error_message":  err.Error(),
		"timeout":        errors.Is(err, errspkg.ErrHandlerTimeout),
		"payload":        truncatedPayload(evt),
	}
	var panicErr *errspkg.PanicError
	if errors.As(err, &panicErr) {
		attrs["stack"] = truncate(panicErr.Stack, 4*maxErrorPayloadBytes)
	}
	d.emit(ctx, EventHandlerError, attrs)
}

// errorClass names the error type, looking through fmt.Errorf wrapping.
func errorClass(err error) string {
	for {
		class := fmt.Sprintf("%T", err)
		next := errors.Unwrap(err)
		if next == nil || class != "*fmt.wrapError" {
			return class
		}
		err = next
	}
}

func truncatedPayload(evt Event) (payload string) {
	defer func() {
		if recover() != nil {
			payload = "<unavailable>"
		}
	}()
	raw, err := jsoncodecpkg.Marshal(evt.ToMap())
	if err != nil {
		return "<unserialisable: " + err.Error() + ">"
	}
	return truncate(string(raw), maxErrorPayloadBytes)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "...(truncated)"
}

func (d *Dispatcher) emit(ctx context.Context, name string, attrs Attributes) {
	safeEmit(ctx, d.sink, name, attrs)
}

// emitLifecycle emits per-publish events only when instrumentation is enabled.
func (d *Dispatcher) emitLifecycle(ctx context.Context, name string, attrs Attributes) {
	if d.Conf.InstrumentationEnabled {
		safeEmit(ctx, d.sink, name, attrs)
	}
}

func (d *Dispatcher) metricsRegisterer() prometheus.Registerer {
	if d.registerer == nil {
		return prometheus.DefaultRegisterer
	}
	return d.registerer
}

func (d *Dispatcher) trackHandler(reg *HandlerRegistration) {
	queue := ""
	switch {
	case reg.mode == ModeAsync:
		queue = d.Conf.PriorityQueue(string(reg.asyncPriority))
	case reg.strategy == StrategyRetry:
		queue = d.Conf.RetryQueueName()
	}

	info := &HandlerInfo{
		ID:            reg.id,
		Name:          reg.name,
		EventType:     reg.eventType,
		Priority:      reg.priority,
		Mode:          reg.mode,
		ErrorStrategy: reg.strategy,
		Queue:         queue,
		Stats:         newHandlerStats(queue, d.resourceTracker),
	}
	if reg.mode == ModeAsync {
		info.AsyncPriority = reg.asyncPriority
	}

	d.handlersMu.Lock()
	d.handlers[reg.id] = info
	d.handlerIDs = append(d.handlerIDs, reg.id)
	d.handlersMu.Unlock()
}

func (d *Dispatcher) statsFor(reg *HandlerRegistration) *HandlerStats {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	if info, ok := d.handlers[reg.id]; ok {
		return info.Stats
	}
	return nil
}

// Handlers returns every registration in subscription order with its stats.
func (d *Dispatcher) Handlers() []HandlerInfo {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()

	out := make([]HandlerInfo, 0, len(d.handlerIDs))
	for _, id := range d.handlerIDs {
		out = append(out, *d.handlers[id])
	}
	return out
}

// Clear drops every handler and middleware. It exists for test isolation and
// must not race with in-flight publishes.
func (d *Dispatcher) Clear() {
	d.registry.Clear()
	d.pipeline.Clear()

	d.handlersMu.Lock()
	d.handlers = make(map[string]*HandlerInfo)
	d.handlerIDs = nil
	d.handlersMu.Unlock()
}
