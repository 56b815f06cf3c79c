package runtime

import (
	"context"
	"fmt"
	"reflect"
	goruntime "runtime"
	"strings"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5

	// CatchAllEventType is the registry key used for handlers subscribed to
	// every event type.
	CatchAllEventType = "*"
)

// Handler reacts to a published event.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt Event) error

func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Named lets a handler choose the identity used for async tasks and retries.
type Named interface {
	HandlerName() string
}

// ExecutionMode selects whether a handler runs in-line or through the task queue.
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "sync"
	ModeAsync ExecutionMode = "async"
)

// AsyncPriority picks the task queue an async handler is submitted to.
type AsyncPriority string

const (
	PriorityCritical AsyncPriority = "critical"
	PriorityHigh     AsyncPriority = "high"
	PriorityNormal   AsyncPriority = "normal"
	PriorityLow      AsyncPriority = "low"
)

// ErrorStrategy decides what happens when a handler fails.
type ErrorStrategy string

const (
	StrategyLog    ErrorStrategy = "log"
	StrategyRaise  ErrorStrategy = "raise"
	StrategyRetry  ErrorStrategy = "retry"
	StrategyIgnore ErrorStrategy = "ignore"
)

func (m ExecutionMode) valid() bool {
	return m == ModeSync || m == ModeAsync
}

func (p AsyncPriority) valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

func (s ErrorStrategy) valid() bool {
	switch s {
	case StrategyLog, StrategyRaise, StrategyRetry, StrategyIgnore:
		return true
	}
	return false
}

// ParseExecutionMode converts a configuration string. Empty means sync.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	if s == "" {
		return ModeSync, nil
	}
	m := ExecutionMode(strings.ToLower(s))
	if !m.valid() {
		return "", errspkg.NewConfigurationError("mode", fmt.Sprintf("unknown execution mode %q", s))
	}
	return m, nil
}

// ParseAsyncPriority converts a configuration string. Empty means normal.
func ParseAsyncPriority(s string) (AsyncPriority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := AsyncPriority(strings.ToLower(s))
	if !p.valid() {
		return "", errspkg.NewConfigurationError("async_priority", fmt.Sprintf("unknown async priority %q", s))
	}
	return p, nil
}

// ParseErrorStrategy converts a configuration string. Empty means log.
func ParseErrorStrategy(s string) (ErrorStrategy, error) {
	if s == "" {
		return StrategyLog, nil
	}
	st := ErrorStrategy(strings.ToLower(s))
	if !st.valid() {
		return "", errspkg.NewConfigurationError("error_strategy", fmt.Sprintf("unknown error strategy %q", s))
	}
	return st, nil
}

type subscribeOptions struct {
	name          string
	priority      int
	mode          ExecutionMode
	asyncPriority AsyncPriority
	strategy      ErrorStrategy
}

// SubscribeOption customises a handler registration.
type SubscribeOption func(*subscribeOptions)

// WithPriority sets the ordering priority, 1 (last) to 10 (first).
func WithPriority(p int) SubscribeOption {
	return func(o *subscribeOptions) { o.priority = p }
}

// Async routes the handler through the task queue instead of running in-line.
func Async() SubscribeOption {
	return func(o *subscribeOptions) { o.mode = ModeAsync }
}

// WithMode sets the execution mode explicitly.
func WithMode(m ExecutionMode) SubscribeOption {
	return func(o *subscribeOptions) { o.mode = m }
}

// WithAsyncPriority selects the queue used when the handler runs async.
func WithAsyncPriority(p AsyncPriority) SubscribeOption {
	return func(o *subscribeOptions) { o.asyncPriority = p }
}

// WithErrorStrategy sets the failure policy.
func WithErrorStrategy(s ErrorStrategy) SubscribeOption {
	return func(o *subscribeOptions) { o.strategy = s }
}

// WithName overrides the derived handler identity.
func WithName(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.name = name }
}

// HandlerRegistration binds a handler to an event type with its dispatch
// settings. It is immutable once constructed.
type HandlerRegistration struct {
	id            string
	name          string
	eventType     string
	handler       Handler
	priority      int
	mode          ExecutionMode
	asyncPriority AsyncPriority
	strategy      ErrorStrategy
}

// RegistrationHandle identifies a registration to the caller of Subscribe.
type RegistrationHandle struct {
	ID        string
	Name      string
	EventType string
}

// NewHandlerRegistration validates the options and builds a registration.
// Use CatchAllEventType to build a catch-all registration.
func NewHandlerRegistration(eventType string, h Handler, opts ...SubscribeOption) (*HandlerRegistration, error) {
	if h == nil || isNilFunc(h) {
		return nil, &errspkg.ConfigurationError{Field: "handler", Err: errspkg.ErrHandlerRequired}
	}
	if eventType == "" {
		return nil, &errspkg.ConfigurationError{Field: "event_type", Err: errspkg.ErrEventTypeRequired}
	}

	o := subscribeOptions{
		priority:      DefaultPriority,
		mode:          ModeSync,
		asyncPriority: PriorityNormal,
		strategy:      StrategyLog,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if o.priority < MinPriority || o.priority > MaxPriority {
		return nil, errspkg.NewConfigurationError("priority", fmt.Sprintf("%d outside %d..%d", o.priority, MinPriority, MaxPriority))
	}
	if !o.mode.valid() {
		return nil, errspkg.NewConfigurationError("mode", fmt.Sprintf("unknown execution mode %q", o.mode))
	}
	if !o.asyncPriority.valid() {
		return nil, errspkg.NewConfigurationError("async_priority", fmt.Sprintf("unknown async priority %q", o.asyncPriority))
	}
	if !o.strategy.valid() {
		return nil, errspkg.NewConfigurationError("error_strategy", fmt.Sprintf("unknown error strategy %q", o.strategy))
	}

	name := o.name
	if name == "" {
		name = handlerName(h)
	}

	return &HandlerRegistration{
		id:            idspkg.NewRegistrationID(),
		name:          name,
		eventType:     eventType,
		handler:       h,
		priority:      o.priority,
		mode:          o.mode,
		asyncPriority: o.asyncPriority,
		strategy:      o.strategy,
	}, nil
}

func (r *HandlerRegistration) ID() string                   { return r.id }
func (r *HandlerRegistration) Name() string                 { return r.name }
func (r *HandlerRegistration) EventType() string            { return r.eventType }
func (r *HandlerRegistration) Handler() Handler             { return r.handler }
func (r *HandlerRegistration) Priority() int                { return r.priority }
func (r *HandlerRegistration) Mode() ExecutionMode          { return r.mode }
func (r *HandlerRegistration) AsyncPriority() AsyncPriority { return r.asyncPriority }
func (r *HandlerRegistration) ErrorStrategy() ErrorStrategy { return r.strategy }
func (r *HandlerRegistration) CatchAll() bool               { return r.eventType == CatchAllEventType }

// Ref returns the caller-facing identity of the registration.
func (r *HandlerRegistration) Ref() RegistrationHandle {
	return RegistrationHandle{ID: r.id, Name: r.name, EventType: r.eventType}
}

func (r *HandlerRegistration) requiresTaskQueue() bool {
	return r.mode == ModeAsync || r.strategy == StrategyRetry
}

// handlerName derives a stable identity: Named first, then the function
// symbol for HandlerFunc values, then the Go type.
func handlerName(h Handler) string {
	if n, ok := h.(Named); ok && n.HandlerName() != "" {
		return n.HandlerName()
	}
	if f, ok := h.(HandlerFunc); ok {
		if fn := goruntime.FuncForPC(reflect.ValueOf(f).Pointer()); fn != nil {
			return strings.TrimSuffix(fn.Name(), "-fm")
		}
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", h), "*")
}

func isNilFunc(h Handler) bool {
	f, ok := h.(HandlerFunc)
	return ok && f == nil
}
