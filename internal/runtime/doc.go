/*
Package runtime provides the order event pipeline behind orderflow.

# Architecture Overview

Orders are persisted first and then announced on a durable RabbitMQ topic
exchange with publisher confirms. A consumer reads the bound queues with a
bounded prefetch and dispatches every delivery by routing key. Watermill
supplies the message model and middleware chain on the consumer side; the
broker is spoken to directly through amqp091-go.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - Connector and topology manager
  - Reliable publisher
  - Order submission pipeline and its retrying submitter
  - Consumer with the middleware chain
  - HTTP servers for metrics and stats

## Publishing (publisher.go)

Publish opens a fresh session per call, waits for the broker confirm and
retries a bounded number of attempts with a constant backoff.

## Submission (pipeline.go, tasks.go)

SubmitOrder validates, snapshots menu prices, stores the order and announces
order_created. When the announcement fails the stored order is deleted again.

## Consuming (consumer.go)

Run dispatches deliveries through a HandlerTable. Exact routing keys win over
topic patterns. Handlers that fail or panic get a negative acknowledgement;
malformed or unroutable deliveries are dead-lettered.

## Middleware (middleware.go, hooks.go)

  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of message payloads
  - Tracer: OpenTelemetry consumer spans
  - Retry: In-process retries before a nack
  - Dedup: Skips deliveries whose identity key was already handled
  - JobHooks: Start, done and error callbacks

## Stats & Monitoring (metrics.go, stats.go)

Prometheus collectors plus an in-memory snapshot served at /api/stats.

# Sub-packages

  - broker/: AMQP interfaces, connection retry and topic matching
  - broker/brokertest/: In-memory broker used by tests
  - config/: Configuration with validation and environment loading
  - dedup/: Processed-message stores (memory, Redis)
  - errors/: Sentinel errors and error types
  - events/: The JSON event envelope
  - handlers/: Message context types and typed JSON handlers
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message header utilities
  - orders/: Order domain model and event projections
  - store/: Order stores (memory, PostgreSQL)
  - topology/: Exchange, queue and binding declaration

# Usage Example

	cfg, err := orderflow.ConfigFromEnv()
	svc, err := orderflow.NewService(ctx, cfg, logger, orderflow.ServiceDependencies{})
	if err := svc.Start(ctx); err != nil {
		return err
	}

	order, err := svc.SubmitOrder(ctx, submission)

	err = svc.Consume(ctx, orderflow.HandlerTable{
		cfg.OrdersRoutingKey(): orderflow.MustBuildHandler(orderflow.OrderCreatedHandler(onOrder)),
	})
*/
package runtime
