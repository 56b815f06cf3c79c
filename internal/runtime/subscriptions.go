package runtime

import (
	"errors"
	"fmt"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

// HandlerCatalog maps the handler names used in configuration to handlers.
type HandlerCatalog map[string]Handler

// ApplySubscriptions subscribes every configured subscription using catalog.
// It reports every invalid entry at once and subscribes nothing when any
// entry is invalid.
func (d *Dispatcher) ApplySubscriptions(catalog HandlerCatalog) ([]RegistrationHandle, error) {
	type pending struct {
		eventType string
		handler   Handler
		opts      []SubscribeOption
	}

	var (
		plan []pending
		errs []error
	)
	for i, sub := range d.Conf.Subscriptions {
		h, ok := catalog[sub.Handler]
		if !ok || h == nil {
			errs = append(errs, &errspkg.ConfigurationError{
				Field:  fmt.Sprintf("subscriptions[%d].handler", i),
				Reason: fmt.Sprintf("handler %q is not in the catalog", sub.Handler),
				Err:    errspkg.ErrUnknownHandler,
			})
			continue
		}
		opts, err := subscriptionOptions(sub.Name, sub.Handler, sub.Priority, sub.Mode, sub.AsyncPriority, sub.ErrorStrategy)
		if err != nil {
			errs = append(errs, &errspkg.ConfigurationError{Field: fmt.Sprintf("subscriptions[%d]", i), Err: err})
			continue
		}
		plan = append(plan, pending{eventType: sub.EventType, handler: h, opts: opts})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	handles := make([]RegistrationHandle, 0, len(plan))
	for _, p := range plan {
		handle, err := d.Subscribe(p.eventType, p.handler, p.opts...)
		if err != nil {
			return handles, err
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

func subscriptionOptions(name, handler string, priority int, mode, asyncPriority, strategy string) ([]SubscribeOption, error) {
	if name == "" {
		name = handler
	}
	opts := []SubscribeOption{WithName(name)}
	if priority != 0 {
		opts = append(opts, WithPriority(priority))
	}
	if mode != "" {
		m, err := ParseExecutionMode(mode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithMode(m))
	}
	if asyncPriority != "" {
		p, err := ParseAsyncPriority(asyncPriority)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithAsyncPriority(p))
	}
	if strategy != "" {
		s, err := ParseErrorStrategy(strategy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithErrorStrategy(s))
	}
	return opts, nil
}
