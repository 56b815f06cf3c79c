package runtime

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

// Registry maps event types to their handler registrations. Each per-type
// list and the catch-all list stay sorted by descending priority, ties in
// insertion order. Reads may run concurrently; writes are expected at startup.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string][]*HandlerRegistration
	catchAll []*HandlerRegistration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string][]*HandlerRegistration)}
}

// Subscribe registers h for eventType.
func (r *Registry) Subscribe(eventType string, h Handler, opts ...SubscribeOption) (RegistrationHandle, error) {
	reg, err := NewHandlerRegistration(eventType, h, opts...)
	if err != nil {
		return RegistrationHandle{}, err
	}
	if err := r.Add(reg); err != nil {
		return RegistrationHandle{}, err
	}
	return reg.Ref(), nil
}

// SubscribeAll registers h for every event type.
func (r *Registry) SubscribeAll(h Handler, opts ...SubscribeOption) (RegistrationHandle, error) {
	return r.Subscribe(CatchAllEventType, h, opts...)
}

// Add inserts an already validated registration. Tasks name their handler,
// so a registration served by the task queue must be the only one its name
// resolves to through Lookup. A clash fails with ErrDuplicateHandlerName.
func (r *Registry) Add(reg *HandlerRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if clash := r.clashLocked(reg); clash != nil {
		return &errspkg.ConfigurationError{
			Field:  "name",
			Reason: fmt.Sprintf("handler %s already registered for %s; set a distinct name with WithName", reg.name, clash.eventType),
			Err:    errspkg.ErrDuplicateHandlerName,
		}
	}
	if reg.CatchAll() {
		r.catchAll = insertSorted(r.catchAll, reg)
		return nil
	}
	r.byType[reg.eventType] = insertSorted(r.byType[reg.eventType], reg)
	return nil
}

// clashLocked returns an existing registration that shares reg's name on an
// overlapping event type when either of them is routed through the task queue.
func (r *Registry) clashLocked(reg *HandlerRegistration) *HandlerRegistration {
	find := func(list []*HandlerRegistration) *HandlerRegistration {
		for _, other := range list {
			if other.name == reg.name && (other.requiresTaskQueue() || reg.requiresTaskQueue()) {
				return other
			}
		}
		return nil
	}
	if other := find(r.catchAll); other != nil {
		return other
	}
	if !reg.CatchAll() {
		return find(r.byType[reg.eventType])
	}
	for _, eventType := range slices.Sorted(maps.Keys(r.byType)) {
		if other := find(r.byType[eventType]); other != nil {
			return other
		}
	}
	return nil
}

func insertSorted(list []*HandlerRegistration, reg *HandlerRegistration) []*HandlerRegistration {
	list = append(list, reg)
	slices.SortStableFunc(list, func(a, b *HandlerRegistration) int {
		return cmp.Compare(b.priority, a.priority)
	})
	return list
}

// HandlersFor returns the type-specific registrations followed by the
// catch-all registrations. The returned slice is a snapshot owned by the caller.
func (r *Registry) HandlersFor(eventType string) []*HandlerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specific := r.byType[eventType]
	out := make([]*HandlerRegistration, 0, len(specific)+len(r.catchAll))
	out = append(out, specific...)
	out = append(out, r.catchAll...)
	return out
}

// Lookup resolves a registration by handler name. A registration for the
// given event type wins over a catch-all one; eventType may be empty.
func (r *Registry) Lookup(name, eventType string) (*HandlerRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if eventType != "" {
		for _, reg := range r.byType[eventType] {
			if reg.name == name {
				return reg, true
			}
		}
	}
	for _, reg := range r.catchAll {
		if reg.name == name {
			return reg, true
		}
	}
	if eventType != "" {
		return nil, false
	}
	for _, list := range r.byType {
		for _, reg := range list {
			if reg.name == name {
				return reg, true
			}
		}
	}
	return nil, false
}

// EventTypes returns the event types with at least one specific registration.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for t, list := range r.byType {
		if len(list) > 0 {
			types = append(types, t)
		}
	}
	slices.Sort(types)
	return types
}

// Len returns the total number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.catchAll)
	for _, list := range r.byType {
		n += len(list)
	}
	return n
}

// Clear drops every registration. It must not race with in-flight publishes.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byType = make(map[string][]*HandlerRegistration)
	r.catchAll = nil
}
