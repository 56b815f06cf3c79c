package runtime

import (
	"context"
	"fmt"
	"sync/atomic"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	txnpkg "github.com/drblury/eventflow/internal/runtime/txn"
)

// TransactionCallbacks are attached to the unit of work open in a context.
type TransactionCallbacks = txnpkg.Callbacks

// TransactionProvider exposes the commit lifecycle of the caller's unit of
// work. OnCommit must run at most once, after the outermost commit; nested
// units of work defer to the outermost one.
type TransactionProvider interface {
	IsTransactionOpen(ctx context.Context) bool
	RegisterCallbacks(ctx context.Context, cb TransactionCallbacks) error
}

// DeferMode controls whether Publish waits for the open transaction to commit.
type DeferMode string

const (
	// DeferAuto defers when a transaction is open and publishes immediately otherwise.
	DeferAuto DeferMode = "auto"
	// DeferAlways requires an open transaction and always waits for its commit.
	DeferAlways DeferMode = "always"
	// DeferNever publishes immediately even inside a transaction.
	DeferNever DeferMode = "never"
)

type publishOptions struct {
	deferMode DeferMode
}

// PublishOption customises a single Publish call.
type PublishOption func(*publishOptions)

// WithDefer selects the deferral mode. The default is DeferAuto.
func WithDefer(mode DeferMode) PublishOption {
	return func(o *publishOptions) { o.deferMode = mode }
}

// deferredPublication is an event waiting for its transaction to finish. It
// is consumed at most once and never persisted.
type deferredPublication struct {
	id         string
	event      Event
	dispatcher *Dispatcher
	consumed   atomic.Bool
}

func (p *deferredPublication) commit(ctx context.Context) error {
	if !p.consumed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.dispatcher.PublishNow(ctx, p.event)
	if err != nil {
		p.dispatcher.Logger.Error("Deferred publish failed", err, loggingpkg.LogFields{
			"publication_id": p.id,
			"event_type":     p.event.EventType(),
		})
	}
	return err
}

func (p *deferredPublication) discard(context.Context) {
	if !p.consumed.CompareAndSwap(false, true) {
		return
	}
	p.dispatcher.Logger.Debug("Deferred publish discarded", loggingpkg.LogFields{
		"publication_id": p.id,
		"event_type":     p.event.EventType(),
	})
}

func (d *Dispatcher) deferPublish(ctx context.Context, evt Event) error {
	if d.transactions == nil {
		return &errspkg.PublishError{EventType: evt.EventType(), Err: errspkg.ErrNoTransaction}
	}

	pub := &deferredPublication{id: idspkg.CreateULID(), event: evt, dispatcher: d}
	err := d.transactions.RegisterCallbacks(ctx, TransactionCallbacks{
		OnCommit:   pub.commit,
		OnRollback: pub.discard,
	})
	if err != nil {
		return &errspkg.PublishError{EventType: evt.EventType(), Err: fmt.Errorf("defer until commit: %w", err)}
	}

	d.Logger.Debug("Publish deferred until commit", loggingpkg.LogFields{
		"publication_id": pub.id,
		"event_type":     evt.EventType(),
	})
	d.emitLifecycle(ctx, EventPublishDeferred, Attributes{
		"publication_id": pub.id,
		"event_type":     evt.EventType(),
		"partition_key":  evt.PartitionKey(),
	})
	return nil
}

func (d *Dispatcher) transactionOpen(ctx context.Context) bool {
	return d.transactions != nil && d.transactions.IsTransactionOpen(ctx)
}
