package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

type namedHandler struct{}

func (namedHandler) Handle(context.Context, Event) error { return nil }
func (namedHandler) HandlerName() string                 { return "billing.invoice" }

func noopHandler(context.Context, Event) error { return nil }

func TestNewHandlerRegistrationDefaults(t *testing.T) {
	reg, err := NewHandlerRegistration("order.created", HandlerFunc(noopHandler))
	require.NoError(t, err)

	assert.NotEmpty(t, reg.ID())
	assert.Equal(t, "order.created", reg.EventType())
	assert.Equal(t, DefaultPriority, reg.Priority())
	assert.Equal(t, ModeSync, reg.Mode())
	assert.Equal(t, PriorityNormal, reg.AsyncPriority())
	assert.Equal(t, StrategyLog, reg.ErrorStrategy())
	assert.False(t, reg.CatchAll())
	assert.Contains(t, reg.Name(), "noopHandler")
}

func TestNewHandlerRegistrationUsesNamedInterface(t *testing.T) {
	reg, err := NewHandlerRegistration("invoice.paid", namedHandler{})
	require.NoError(t, err)
	assert.Equal(t, "billing.invoice", reg.Name())

	reg, err = NewHandlerRegistration("invoice.paid", namedHandler{}, WithName("override"))
	require.NoError(t, err)
	assert.Equal(t, "override", reg.Name())
}

func TestNewHandlerRegistrationValidation(t *testing.T) {
	var nilFunc HandlerFunc

	tests := []struct {
		name      string
		eventType string
		handler   Handler
		opts      []SubscribeOption
		field     string
	}{
		{name: "nil handler", eventType: "a", handler: nil, field: "handler"},
		{name: "nil func handler", eventType: "a", handler: nilFunc, field: "handler"},
		{name: "empty event type", eventType: "", handler: HandlerFunc(noopHandler), field: "event_type"},
		{name: "priority too low", eventType: "a", handler: HandlerFunc(noopHandler), opts: []SubscribeOption{WithPriority(0)}, field: "priority"},
		{name: "priority too high", eventType: "a", handler: HandlerFunc(noopHandler), opts: []SubscribeOption{WithPriority(11)}, field: "priority"},
		{name: "bad mode", eventType: "a", handler: HandlerFunc(noopHandler), opts: []SubscribeOption{WithMode("later")}, field: "mode"},
		{name: "bad async priority", eventType: "a", handler: HandlerFunc(noopHandler), opts: []SubscribeOption{WithAsyncPriority("urgent")}, field: "async_priority"},
		{name: "bad strategy", eventType: "a", handler: HandlerFunc(noopHandler), opts: []SubscribeOption{WithErrorStrategy("explode")}, field: "error_strategy"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewHandlerRegistration(tc.eventType, tc.handler, tc.opts...)
			var cfgErr *errspkg.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestPriorityBoundsAccepted(t *testing.T) {
	for _, p := range []int{MinPriority, MaxPriority} {
		_, err := NewHandlerRegistration("a", HandlerFunc(noopHandler), WithPriority(p))
		require.NoError(t, err, "priority %d", p)
	}
}

func TestParseHelpers(t *testing.T) {
	mode, err := ParseExecutionMode("ASYNC")
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, mode)

	mode, err = ParseExecutionMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSync, mode)

	prio, err := ParseAsyncPriority("Critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, prio)

	strategy, err := ParseErrorStrategy("retry")
	require.NoError(t, err)
	assert.Equal(t, StrategyRetry, strategy)

	_, err = ParseErrorStrategy("nope")
	assert.True(t, errspkg.IsConfigurationError(err))
}

func TestRegistryOrdersByPriorityThenInsertion(t *testing.T) {
	r := NewRegistry()
	var (
		mu    sync.Mutex
		trace []string
	)

	_, err := r.Subscribe("order.created", recordOrder(&mu, &trace, "low"), WithPriority(2), WithName("low"))
	require.NoError(t, err)
	_, err = r.Subscribe("order.created", recordOrder(&mu, &trace, "high"), WithPriority(9), WithName("high"))
	require.NoError(t, err)
	_, err = r.Subscribe("order.created", recordOrder(&mu, &trace, "mid-1"), WithName("mid-1"))
	require.NoError(t, err)
	_, err = r.Subscribe("order.created", recordOrder(&mu, &trace, "mid-2"), WithName("mid-2"))
	require.NoError(t, err)

	var names []string
	for _, reg := range r.HandlersFor("order.created") {
		names = append(names, reg.Name())
	}
	assert.Equal(t, []string{"high", "mid-1", "mid-2", "low"}, names)
}

func TestRegistryCatchAllRunsAfterSpecific(t *testing.T) {
	r := NewRegistry()

	_, err := r.SubscribeAll(HandlerFunc(noopHandler), WithPriority(MaxPriority), WithName("audit"))
	require.NoError(t, err)
	_, err = r.Subscribe("order.created", HandlerFunc(noopHandler), WithPriority(MinPriority), WithName("email"))
	require.NoError(t, err)

	regs := r.HandlersFor("order.created")
	require.Len(t, regs, 2)
	assert.Equal(t, "email", regs[0].Name())
	assert.Equal(t, "audit", regs[1].Name())

	regs = r.HandlersFor("user.deleted")
	require.Len(t, regs, 1)
	assert.Equal(t, "audit", regs[0].Name())
}

func TestRegistryHandlersForReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	_, err := r.Subscribe("a", HandlerFunc(noopHandler), WithName("one"))
	require.NoError(t, err)

	snapshot := r.HandlersFor("a")
	_, err = r.Subscribe("a", HandlerFunc(noopHandler), WithName("two"))
	require.NoError(t, err)

	assert.Len(t, snapshot, 1)
	assert.Len(t, r.HandlersFor("a"), 2)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	_, err := r.Subscribe("a", HandlerFunc(noopHandler), WithName("shared"), WithPriority(3))
	require.NoError(t, err)
	_, err = r.Subscribe("b", HandlerFunc(noopHandler), WithName("shared"), WithPriority(7))
	require.NoError(t, err)
	_, err = r.SubscribeAll(HandlerFunc(noopHandler), WithName("audit"))
	require.NoError(t, err)

	reg, ok := r.Lookup("shared", "b")
	require.True(t, ok)
	assert.Equal(t, 7, reg.Priority())

	reg, ok = r.Lookup("audit", "anything")
	require.True(t, ok)
	assert.True(t, reg.CatchAll())

	_, ok = r.Lookup("shared", "c")
	assert.False(t, ok)

	_, ok = r.Lookup("shared", "")
	assert.True(t, ok)

	_, ok = r.Lookup("missing", "")
	assert.False(t, ok)
}

type counterHandler struct{ calls *int }

func (h counterHandler) Handle(context.Context, Event) error {
	*h.calls++
	return nil
}

func TestRegistryRejectsAmbiguousTaskHandlerNames(t *testing.T) {
	tests := []struct {
		name        string
		first       func(*Registry) error
		second      func(*Registry) error
		wantClashes bool
	}{
		{
			name:        "same type, both async",
			first:       subscribeCounter("order.created", Async()),
			second:      subscribeCounter("order.created", Async()),
			wantClashes: true,
		},
		{
			name:        "sync then retry",
			first:       subscribeCounter("order.created"),
			second:      subscribeCounter("order.created", WithErrorStrategy(StrategyRetry)),
			wantClashes: true,
		},
		{
			name:        "catch-all async then specific sync",
			first:       subscribeCounter(CatchAllEventType, Async()),
			second:      subscribeCounter("order.created"),
			wantClashes: true,
		},
		{
			name:        "specific async then catch-all sync",
			first:       subscribeCounter("order.created", Async()),
			second:      subscribeCounter(CatchAllEventType),
			wantClashes: true,
		},
		{
			name:   "both sync",
			first:  subscribeCounter("order.created"),
			second: subscribeCounter("order.created"),
		},
		{
			name:   "async on different types",
			first:  subscribeCounter("order.created", Async()),
			second: subscribeCounter("order.shipped", Async()),
		},
		{
			name:   "distinct names",
			first:  subscribeCounter("order.created", Async(), WithName("projector")),
			second: subscribeCounter("order.created", Async(), WithName("mailer")),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			require.NoError(t, tt.first(r))

			err := tt.second(r)
			if !tt.wantClashes {
				require.NoError(t, err)
				assert.Equal(t, 2, r.Len())
				return
			}
			assert.ErrorIs(t, err, errspkg.ErrDuplicateHandlerName)
			assert.True(t, errspkg.IsConfigurationError(err))
			assert.Equal(t, 1, r.Len())
		})
	}
}

func subscribeCounter(eventType string, opts ...SubscribeOption) func(*Registry) error {
	return func(r *Registry) error {
		var calls int
		_, err := r.Subscribe(eventType, counterHandler{calls: &calls}, opts...)
		return err
	}
}

func TestRegistryEventTypesLenAndClear(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Subscribe("b", HandlerFunc(noopHandler))
	_, _ = r.Subscribe("a", HandlerFunc(noopHandler))
	_, _ = r.SubscribeAll(HandlerFunc(noopHandler))

	assert.Equal(t, []string{"a", "b"}, r.EventTypes())
	assert.Equal(t, 3, r.Len())

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.HandlersFor("a"))
}
