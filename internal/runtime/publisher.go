package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/defood/orderflow/internal/runtime/broker"
	errspkg "github.com/defood/orderflow/internal/runtime/errors"
	"github.com/defood/orderflow/internal/runtime/events"
	idspkg "github.com/defood/orderflow/internal/runtime/ids"
	loggingpkg "github.com/defood/orderflow/internal/runtime/logging"
	metadatapkg "github.com/defood/orderflow/internal/runtime/metadata"
)

const (
	tracerName      = "github.com/defood/orderflow"
	contentTypeJSON = "application/json"
)

// SessionSource hands out broker sessions. *broker.Connector implements it.
type SessionSource interface {
	Acquire(ctx context.Context) (*broker.Session, error)
}

// EventPublisher is what the submission pipeline needs from a publisher.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, env events.Envelope) error
}

type correlationKey struct{}

// ContextWithCorrelationID tags outgoing events published with ctx.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the id set by ContextWithCorrelationID.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// PublisherConfig tunes a Publisher.
type PublisherConfig struct {
	Exchange string
	Attempts int
	Backoff  time.Duration
	// Confirm waits for the broker to acknowledge each message.
	Confirm bool
	// Timeout bounds one send plus its confirmation. Zero means no bound.
	Timeout time.Duration
	AppID   string
}

// Publisher sends envelopes to the topic exchange. Every attempt uses its own
// session, so a Publisher is safe for concurrent use.
type Publisher struct {
	cfg       PublisherConfig
	sessions  SessionSource
	marshaler wmamqp.DefaultMarshaler
	logger    loggingpkg.ServiceLogger
	metrics   *Metrics
	tracer    trace.Tracer
}

// NewPublisher returns a Publisher. metrics may be nil.
func NewPublisher(cfg PublisherConfig, sessions SessionSource, logger loggingpkg.ServiceLogger, metrics *Metrics) (*Publisher, error) {
	if sessions == nil {
		return nil, errors.New("orderflow: session source is required")
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	appID := cfg.AppID
	return &Publisher{
		cfg:      cfg,
		sessions: sessions,
		marshaler: wmamqp.DefaultMarshaler{
			PostprocessPublishing: func(p amqp.Publishing) amqp.Publishing {
				p.ContentType = contentTypeJSON
				p.ContentEncoding = "utf-8"
				p.AppId = appID
				return p
			},
		},
		logger:  logger.With(loggingpkg.LogFields{"component": "publisher", "exchange": cfg.Exchange}),
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// NewMessageFromEnvelope wraps an encoded envelope in a Watermill message with
// a ULID and the standard headers.
func NewMessageFromEnvelope(env events.Envelope, metadata metadatapkg.Metadata) (*message.Message, error) {
	body, err := events.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	msg := message.NewMessage(idspkg.CreateULID(), body)
	msg.Metadata = metadatapkg.ToWatermill(metadata)
	msg.Metadata.Set(metadatapkg.KeyEventType, env.EventType())
	if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
		msg.Metadata.Set(metadatapkg.KeyCorrelationID, msg.UUID)
	}
	return msg, nil
}

// Publish sends env on routingKey, retrying up to the configured number of
// attempts. A nil error means the broker accepted the message (and confirmed
// it, when confirms are on). Exhaustion returns a *PublishError.
func (p *Publisher) Publish(ctx context.Context, routingKey string, env events.Envelope) error {
	md := metadatapkg.Metadata{}
	if id := CorrelationIDFromContext(ctx); id != "" {
		md[metadatapkg.KeyCorrelationID] = id
	}
	return p.PublishWithMetadata(ctx, routingKey, env, md)
}

// PublishWithMetadata is Publish with extra headers.
func (p *Publisher) PublishWithMetadata(ctx context.Context, routingKey string, env events.Envelope, metadata metadatapkg.Metadata) error {
	if routingKey == "" {
		return errspkg.ErrRoutingKeyRequired
	}

	msg, err := NewMessageFromEnvelope(env, metadata)
	if err != nil {
		return &errspkg.PublishError{RoutingKey: routingKey, EventType: env.EventType(), Err: err}
	}
	publishing, err := p.marshaler.Marshal(msg)
	if err != nil {
		return &errspkg.PublishError{RoutingKey: routingKey, EventType: env.EventType(), Err: err}
	}
	publishing.MessageId = msg.UUID
	publishing.CorrelationId = msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	publishing.Timestamp = env.Timestamp()
	publishing.Type = env.EventType()

	ctx, span := p.tracer.Start(ctx, "publish "+routingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.cfg.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
			attribute.String("messaging.message.id", msg.UUID),
			attribute.String("orderflow.event_type", env.EventType()),
		),
	)
	defer span.End()

	log := p.logger.With(loggingpkg.LogFields{
		"routing_key":  routingKey,
		"event_type":   env.EventType(),
		"message_uuid": msg.UUID,
	})

	start := time.Now()
	attempt := 0
	var lastErr error
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		fields := loggingpkg.LogFields{"attempt": attempt, "max_attempts": p.cfg.Attempts}
		err := p.send(ctx, routingKey, publishing)
		p.metrics.RecordPublishAttempt(routingKey, err)
		if err == nil {
			log.Info("Event published", fields)
			return struct{}{}, nil
		}
		lastErr = err
		log.Error("Publish attempt failed", err, fields)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.cfg.Backoff)),
		backoff.WithMaxTries(uint(p.cfg.Attempts)),
		backoff.WithMaxElapsedTime(0),
	)

	if err == nil {
		p.metrics.RecordPublish(routingKey, time.Since(start), nil)
		span.SetAttributes(attribute.Int("orderflow.publish.attempts", attempt))
		return nil
	}

	cause := lastErr
	if cause == nil {
		cause = err
	} else if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(cause, ctxErr) {
		cause = fmt.Errorf("%w (gave up: %w)", cause, ctxErr)
	}
	publishErr := &errspkg.PublishError{RoutingKey: routingKey, EventType: env.EventType(), Attempts: attempt, Err: cause}

	p.metrics.RecordPublish(routingKey, time.Since(start), publishErr)
	span.RecordError(publishErr)
	span.SetStatus(codes.Error, "publish failed")
	log.Error("Publish failed, giving up", cause, loggingpkg.LogFields{"attempts": attempt})
	return publishErr
}

// send runs one attempt on a fresh session. The session is released on every
// path out.
func (p *Publisher) send(ctx context.Context, routingKey string, publishing amqp.Publishing) error {
	session, err := p.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer session.Release()

	var confirms <-chan amqp.Confirmation
	if p.cfg.Confirm {
		if confirms, err = session.EnableConfirms(); err != nil {
			return fmt.Errorf("enabling publisher confirms: %w", err)
		}
	}

	sendCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	if err := session.Channel().PublishWithContext(sendCtx, p.cfg.Exchange, routingKey, false, false, publishing); err != nil {
		return err
	}
	if confirms == nil {
		return nil
	}

	select {
	case confirmation, ok := <-confirms:
		if !ok {
			return errspkg.ErrSessionClosed
		}
		if !confirmation.Ack {
			return errspkg.ErrPublishNotConfirmed
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("waiting for publisher confirm: %w", sendCtx.Err())
	}
}
