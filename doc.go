// Package eventflow is an in-process event dispatcher. Handlers subscribe to
// an event type with a priority between 1 and 10; Publish runs them from the
// highest priority down, then the catch-all handlers, through a middleware
// pipeline of correlation IDs, logging, validation, tracing, and Prometheus
// metrics.
//
// Every handler carries an error strategy. "log" and "ignore" let the
// remaining handlers run, "raise" aborts the publish with a PublishError
// wrapping a HandlerError, and "retry" re-submits the handler through the task
// queue. Each invocation is bounded by Config.HandlerTimeout.
//
// # Async handlers
//
// Async handlers are submitted to a TaskQueue instead of running in-line.
// WatermillQueue publishes tasks to one queue per priority class
// (events_critical, events_high, events_default, events_low) plus
// events_retry, and Worker consumes them with a Watermill router that retries
// failed tasks and forwards exhausted ones to events_poison. The broker behind
// both sides comes from the transport registry: channel, kafka, rabbitmq,
// nats or aws. Import github.com/drblury/eventflow/transport/transports to
// register all of them.
//
// # Transactions
//
// When DispatcherDependencies.Transactions is set, Publish inside an open unit
// of work waits for the outermost commit and is dropped on rollback. Use
// WithDefer to force or skip deferral for a single call.
// NewSQLTransactionManager backs units of work with database/sql transactions
// and savepoints.
//
// # Observability
//
// A Sink receives publish.started, publish.deferred, handler.error,
// handler.enqueued and subscription.registered events. LoggingSink and
// PrometheusSink are provided; MultiSink fans out to several.
//
// A minimal setup fills Config (DefaultConfig or LoadConfig), creates a
// Dispatcher, subscribes handlers, and calls Publish. See the examples
// directory for in-process and worker setups.
package eventflow
