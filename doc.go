// Package orderflow publishes order events reliably and consumes them from a
// RabbitMQ topic exchange. It reads the broker, store and consumer settings
// from Config, declares the exchange, queues and dead-letter wiring, and
// registers the default middleware chain for correlation IDs, logging,
// tracing and deduplication.
//
// Service hosts the pipeline: SubmitOrder validates a submission, snapshots
// menu prices, persists the order and announces order_created, removing the
// order again when the announcement cannot be confirmed. Consume reads the
// bound queues and dispatches each delivery to the handler registered for
// its routing key, acknowledging only after the handler returns. A minimal
// setup therefore involves filling Config, creating a Service, calling Start
// and then SubmitOrder or Consume; see examples/ for runnable programs.
//
// # Delivery
//
// Publishing is at-least-once: each attempt opens a fresh channel, enables
// publisher confirms and retries with a constant backoff. Consumers should
// therefore tolerate duplicates; DedupMiddleware uses the event identity key
// with a Redis or in-memory store to skip redeliveries.
//
// # Middleware
//
// The default chain includes correlation ID injection, structured logging and
// OpenTelemetry tracing. Panic recovery is always applied around the handler.
// Custom middleware can be added via ServiceDependencies.Middlewares.
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone, and OnJobError callbacks for
// custom logging, metrics collection, and alerting around handler execution.
//
// ServiceDependencies also accepts your own OrderStore, dedup store, broker
// Dialer or Prometheus registerer when the defaults do not fit.
package orderflow
