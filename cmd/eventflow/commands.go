package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	runtimepkg "github.com/drblury/eventflow/internal/runtime"
	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	txnpkg "github.com/drblury/eventflow/internal/runtime/txn"
	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/channel"
	_ "github.com/drblury/eventflow/transport/transports"
)

const checkDBTimeout = 5 * time.Second

func runValidate(_ context.Context, cfg *configpkg.Config, stdout io.Writer) error {
	fmt.Fprintf(stdout, "configuration OK: broker=%s queues=%s subscriptions=%d\n",
		cfg.PubSubSystem, strings.Join(allQueues(cfg), ","), len(cfg.Subscriptions))
	return nil
}

func runQueues(_ context.Context, cfg *configpkg.Config, stdout io.Writer) error {
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tQUEUE")
	for _, p := range configpkg.PriorityOrder {
		fmt.Fprintf(tw, "%s\t%s\n", p, cfg.PriorityQueue(p))
	}
	fmt.Fprintf(tw, "retry\t%s\n", cfg.RetryQueueName())
	fmt.Fprintf(tw, "poison\t%s\n", cfg.PoisonQueueName())
	if err := tw.Flush(); err != nil {
		return err
	}

	caps := transport.CapabilitiesFor(cfg)
	fmt.Fprintf(stdout, "\nbroker: %s\n", caps.Name)
	for _, warning := range caps.Warnings() {
		fmt.Fprintf(stdout, "warning: %s\n", warning)
	}
	return nil
}

// runSubscriptions applies the configured subscriptions to a dispatcher whose
// catalog accepts every handler name and prints them in the order each event
// type would run them. The "*" group is what any other event type runs.
func runSubscriptions(_ context.Context, cfg *configpkg.Config, stdout io.Writer) error {
	pubsub := channel.New(nil)
	defer pubsub.Close()

	queue, err := runtimepkg.NewWatermillQueue(pubsub, cfg, loggingpkg.Nop())
	if err != nil {
		return err
	}
	d, err := runtimepkg.TryNewDispatcher(cfg, loggingpkg.Nop(), runtimepkg.DispatcherDependencies{
		TaskQueue:                 queue,
		DisableDefaultMiddlewares: true,
	})
	if err != nil {
		return err
	}

	catalog := runtimepkg.HandlerCatalog{}
	for _, sub := range cfg.Subscriptions {
		catalog[sub.Handler] = runtimepkg.HandlerFunc(discard)
	}
	if _, err := d.ApplySubscriptions(catalog); err != nil {
		return err
	}

	registry := d.Registry()
	groups := registry.EventTypes()
	if len(registry.HandlersFor(runtimepkg.CatchAllEventType)) > 0 {
		groups = append(groups, runtimepkg.CatchAllEventType)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT TYPE\tORDER\tHANDLER\tPRIORITY\tMODE\tQUEUE\tSTRATEGY")
	for _, eventType := range groups {
		for i, reg := range registry.HandlersFor(eventType) {
			queueName := "-"
			if reg.Mode() == runtimepkg.ModeAsync {
				queueName = cfg.PriorityQueue(string(reg.AsyncPriority()))
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
				eventType, i+1, reg.Name(), reg.Priority(), reg.Mode(), queueName, reg.ErrorStrategy())
		}
	}
	return tw.Flush()
}

// runWorker consumes every task queue until the context is cancelled. Only
// the built-in handlers are available: "log" and "discard".
func runWorker(ctx context.Context, cfg *configpkg.Config, _ io.Writer) error {
	zapLogger, err := loggingpkg.NewProductionZap(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	logger := loggingpkg.NewZapServiceLogger(zapLogger)

	for _, warning := range transport.CapabilitiesFor(cfg).Warnings() {
		logger.Info("Broker limitation", loggingpkg.LogFields{"broker": cfg.PubSubSystem, "warning": warning})
	}

	tr, err := transport.Build(ctx, cfg, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logger.Error("Failed to close transport", err, nil)
		}
	}()

	queue, err := runtimepkg.NewWatermillQueue(tr.Publisher, cfg, logger)
	if err != nil {
		return err
	}
	d, err := runtimepkg.TryNewDispatcher(cfg, logger, runtimepkg.DispatcherDependencies{
		TaskQueue: queue,
		Sink:      runtimepkg.NewLoggingSink(logger),
	})
	if err != nil {
		return err
	}
	if _, err := d.ApplySubscriptions(builtinCatalog(logger)); err != nil {
		return err
	}
	d.EnableInspectAPI()

	worker, err := runtimepkg.NewWorker(d, tr.Subscriber, runtimepkg.WorkerDependencies{
		Publisher:             tr.Publisher,
		DisableSignalsHandler: true,
	})
	if err != nil {
		return err
	}
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func builtinCatalog(logger loggingpkg.ServiceLogger) runtimepkg.HandlerCatalog {
	return runtimepkg.HandlerCatalog{
		"log": runtimepkg.HandlerFunc(func(ctx context.Context, evt runtimepkg.Event) error {
			logger.Info("Event received", loggingpkg.LogFields{
				"event_type":     evt.EventType(),
				"partition_key":  evt.PartitionKey(),
				"correlation_id": runtimepkg.CorrelationID(ctx),
				"data":           evt.ToMap(),
			})
			return nil
		}),
		"discard": runtimepkg.HandlerFunc(discard),
	}
}

func discard(context.Context, runtimepkg.Event) error { return nil }

func runCheckDB(ctx context.Context, cfg *configpkg.Config, stdout io.Writer) error {
	if cfg.TransactionDriver == "" {
		return errspkg.NewConfigurationError("transaction_driver", "no transaction database configured")
	}
	db, err := sql.Open(cfg.TransactionDriver, cfg.TransactionDSN)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.TransactionDriver, err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, checkDBTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", cfg.TransactionDriver, err)
	}

	m := txnpkg.NewSQLManager(db)
	committed := false
	err = txnpkg.Run(ctx, m, func(ctx context.Context) error {
		tx, ok := m.Current(ctx)
		if !ok {
			return errors.New("no transaction in context")
		}
		if err := m.RegisterCallbacks(ctx, txnpkg.Callbacks{
			OnCommit: func(context.Context) error {
				committed = true
				return nil
			},
		}); err != nil {
			return err
		}
		var one int
		return tx.SQL().QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
	if err != nil {
		return fmt.Errorf("transaction: %w", err)
	}
	if !committed {
		return errors.New("transaction: commit callback did not run")
	}
	fmt.Fprintf(stdout, "database OK: driver=%s\n", cfg.TransactionDriver)
	return nil
}

func allQueues(cfg *configpkg.Config) []string {
	return append(cfg.PriorityQueues(), cfg.RetryQueueName(), cfg.PoisonQueueName())
}
