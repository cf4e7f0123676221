package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/defood/orderflow/internal/runtime/dedup"
	errspkg "github.com/defood/orderflow/internal/runtime/errors"
	idspkg "github.com/defood/orderflow/internal/runtime/ids"
	loggingpkg "github.com/defood/orderflow/internal/runtime/logging"
	metadatapkg "github.com/defood/orderflow/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware using the consumer it is
// registered on.
type MiddlewareBuilder func(*Consumer) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware is added to a Consumer.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the in-process retry middleware.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the chain the Service installs on its consumer.
// Panics are always recovered by the consumer itself, innermost.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
					msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
				}
				return h(msg)
			}
		},
	}
}

// LogMessagesMiddleware logs payload and metadata of handled messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(c *Consumer) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = c.logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry consumer span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := otel.Tracer(tracerName).Start(
			msg.Context(),
			"orderflow.consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("messaging.rabbitmq.routing_key", msg.Metadata.Get(metadatapkg.KeyRoutingKey)),
			attribute.String("messaging.destination.name", msg.Metadata.Get(metadatapkg.KeyQueue)),
			attribute.String("orderflow.event_type", msg.Metadata.Get(metadatapkg.KeyEventType)),
		)
		msgs, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return msgs, err
	}
}

// RetryMiddleware retries a failing handler in-process before the message is
// negatively acknowledged. Decode failures are never retried.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(c *Consumer) (message.HandlerMiddleware, error) {
			retry := middleware.Retry{
				MaxRetries:      normalized.MaxRetries,
				InitialInterval: normalized.InitialInterval,
				MaxInterval:     normalized.MaxInterval,
				ShouldRetry: func(params middleware.RetryParams) bool {
					var decodeErr *errspkg.DecodeError
					if errors.As(params.Err, &decodeErr) {
						return false
					}
					if normalized.RetryIf != nil {
						return normalized.RetryIf(params.Err)
					}
					return true
				},
			}
			if c.logger != nil {
				retry.Logger = loggingpkg.NewWatermillAdapter(c.logger)
			}
			return retry.Middleware, nil
		},
	}
}

// DedupMiddleware skips messages whose identity key was already handled
// within ttl. The claim is released when the handler fails so a redelivery
// can run it again. Store outages fail open.
func DedupMiddleware(store dedup.Store, ttl time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "dedup",
		Builder: func(c *Consumer) (message.HandlerMiddleware, error) {
			if store == nil {
				return nil, nil
			}
			return dedupMiddleware(store, ttl, c.logger), nil
		},
	}
}

func dedupMiddleware(store dedup.Store, ttl time.Duration, logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			key := msg.Metadata.Get(metadatapkg.KeyDedup)
			if key == "" {
				return h(msg)
			}
			ctx := msg.Context()
			claimed, err := store.Claim(ctx, key, ttl)
			if err != nil {
				logger.Error("Dedup claim failed, handling anyway", err, loggingpkg.LogFields{"dedup_key": key})
				return h(msg)
			}
			if !claimed {
				logger.Info("Skipping duplicate message", loggingpkg.LogFields{"dedup_key": key, "message_uuid": msg.UUID})
				return nil, nil
			}
			msgs, err := h(msg)
			if err != nil {
				if relErr := store.Release(context.WithoutCancel(ctx), key); relErr != nil {
					logger.Error("Dedup release failed", relErr, loggingpkg.LogFields{"dedup_key": key})
				}
			}
			return msgs, err
		}
	}
}

// RegisterMiddleware appends a middleware to the consumer chain.
func (c *Consumer) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(c)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	c.middlewares = append(c.middlewares, mw)
	return nil
}
