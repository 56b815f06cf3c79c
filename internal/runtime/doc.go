/*
Package runtime implements the dispatcher behind eventflow.

# Package Structure

## Dispatcher (dispatcher.go, deferral.go)

Dispatcher owns the handler Registry and the middleware Pipeline. Publish
validates the event, decides whether to defer it until the outermost
transaction commits, and runs the pipeline around the ordered handler list.
Handler failures are resolved by each handler's ErrorStrategy.

## Handler Registration (registration*.go, subscriptions.go)

  - registration.go: Handler, SubscribeOption and the registration record
  - registration_json.go: handlers receiving a decoded struct
  - registration_proto.go: handlers receiving a typed protobuf message
  - subscriptions.go: subscriptions declared in configuration

## Middleware (middleware.go, hooks.go)

The default pipeline, outermost first:
  - Recoverer: turns panics into errors
  - CorrelationID: ensures every dispatch carries an ID
  - Tracer: OpenTelemetry span per dispatch
  - Logging and Metrics: structured logs and Prometheus collectors
  - TransactionVisibility: marks dispatches that ran after a commit
  - Validation: rejects events failing Validate

DispatchHooks adds start, done and error callbacks around the pipeline.

## Async Execution (taskqueue.go, worker.go, poison_metrics.go)

WatermillQueue publishes tasks to the priority queues. Worker consumes them
through a Watermill router with retry, poison queue, tracing and metrics
middlewares.

## Stats & Monitoring (stats.go, sink.go, inspect.go)

Per-handler latency percentiles, throughput, error categories, resource usage
and backlog estimates, exposed through Handlers and the inspect HTTP API.

# Sub-packages

  - config/: configuration loading, env overrides and validation
  - envelope/: the serialized task format
  - errors/: sentinel errors and error types
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: task headers
  - txn/: context-scoped units of work
*/
package runtime
