package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/defood/orderflow/internal/runtime/broker"
	errspkg "github.com/defood/orderflow/internal/runtime/errors"
	"github.com/defood/orderflow/internal/runtime/events"
	"github.com/defood/orderflow/internal/runtime/handlers"
	idspkg "github.com/defood/orderflow/internal/runtime/ids"
	loggingpkg "github.com/defood/orderflow/internal/runtime/logging"
	metadatapkg "github.com/defood/orderflow/internal/runtime/metadata"
)

// HandlerTable maps routing keys to handlers. Keys containing "*" or "#" are
// topic patterns; exact keys win over patterns.
type HandlerTable map[string]handlers.Func

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	// Prefetch bounds unacknowledged deliveries per consumer.
	Prefetch int
	// NackRequeue puts messages whose handler failed back on the queue.
	// Malformed and unroutable messages are never requeued.
	NackRequeue bool
	ConsumerTag string
}

// Consumer reads one or more queues and dispatches messages one at a time.
type Consumer struct {
	cfg         ConsumerConfig
	sessions    SessionSource
	marshaler   wmamqp.DefaultMarshaler
	middlewares []message.HandlerMiddleware
	logger      loggingpkg.ServiceLogger
	metrics     *Metrics
}

// NewConsumer builds a Consumer and applies the middleware registrations in
// order; the first registration is the outermost.
func NewConsumer(cfg ConsumerConfig, sessions SessionSource, logger loggingpkg.ServiceLogger, metrics *Metrics, registrations ...MiddlewareRegistration) (*Consumer, error) {
	if sessions == nil {
		return nil, errors.New("orderflow: session source is required")
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "orderflow"
	}
	c := &Consumer{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger.With(loggingpkg.LogFields{"component": "consumer"}),
		metrics:  metrics,
	}
	for _, reg := range registrations {
		if err := c.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return nil, fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return c, nil
}

type inbound struct {
	queue    string
	delivery amqp.Delivery
}

// Run consumes queues until ctx is cancelled (returns nil) or the broker
// closes the session (returns an error wrapping ErrSessionClosed).
// Cancellation is only observed between messages; the handler in flight
// always finishes and is settled first.
func (c *Consumer) Run(ctx context.Context, queues []string, table HandlerTable) error {
	if len(queues) == 0 {
		return errspkg.ErrQueueRequired
	}
	if len(table) == 0 {
		return errspkg.ErrHandlerRequired
	}
	routes, err := compileRoutes(table)
	if err != nil {
		return err
	}

	session, err := c.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	ch := session.Channel()
	closed := session.NotifyClose()

	stop := make(chan struct{})
	var forwarders sync.WaitGroup
	var tags []string
	defer func() {
		close(stop)
		for _, tag := range tags {
			if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
				c.logger.Debug("Cancelling consumer failed", loggingpkg.LogFields{"consumer_tag": tag, "error": err.Error()})
			}
		}
		session.Release()
		forwarders.Wait()
	}()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	merged := make(chan inbound)
	for _, queue := range queues {
		tag := c.cfg.ConsumerTag + "." + queue + "." + idspkg.CreateULID()
		deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consuming %s: %w", queue, err)
		}
		tags = append(tags, tag)
		forwarders.Add(1)
		go func(queue string, deliveries <-chan amqp.Delivery) {
			defer forwarders.Done()
			for d := range deliveries {
				select {
				case merged <- inbound{queue: queue, delivery: d}:
				case <-stop:
					return
				}
			}
		}(queue, deliveries)
	}

	drained := make(chan struct{})
	go func() {
		forwarders.Wait()
		close(drained)
	}()

	c.logger.Info("Consumer started", loggingpkg.LogFields{"queues": strings.Join(queues, ","), "prefetch": c.cfg.Prefetch})
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopping", nil)
			return nil
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				return fmt.Errorf("%w: %v", errspkg.ErrSessionClosed, amqpErr)
			}
			return errspkg.ErrSessionClosed
		case <-drained:
			return fmt.Errorf("%w: deliveries stopped", errspkg.ErrSessionClosed)
		case in := <-merged:
			if ctx.Err() != nil {
				// Not started; the broker redelivers it once the channel closes.
				return nil
			}
			c.handle(ctx, routes, in)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, routes *routeTable, in inbound) {
	d := in.delivery
	log := c.logger.With(loggingpkg.LogFields{
		"queue":        in.queue,
		"routing_key":  d.RoutingKey,
		"delivery_tag": d.DeliveryTag,
	})

	d.Headers = stringHeaders(d.Headers)
	msg, err := c.marshaler.Unmarshal(d)
	if err != nil {
		c.reject(log, in, &errspkg.DecodeError{Err: err}, OutcomeDecodeError)
		return
	}
	env, err := events.Decode(msg.Payload)
	if err != nil {
		c.reject(log, in, err, OutcomeDecodeError)
		return
	}
	fn := routes.lookup(d.RoutingKey)
	if fn == nil {
		c.reject(log, in, fmt.Errorf("%w: %s", errspkg.ErrUnroutable, d.RoutingKey), OutcomeUnroutable)
		return
	}

	if msg.UUID == "" {
		msg.UUID = d.MessageId
	}
	if msg.UUID == "" {
		msg.UUID = idspkg.CreateULID()
	}
	msg.Metadata.Set(metadatapkg.KeyRoutingKey, d.RoutingKey)
	msg.Metadata.Set(metadatapkg.KeyQueue, in.queue)
	msg.Metadata.Set(metadatapkg.KeyEventType, env.EventType())
	msg.Metadata.Set(metadatapkg.KeyRedelivered, strconv.FormatBool(d.Redelivered))
	if d.CorrelationId != "" && msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
		msg.Metadata.Set(metadatapkg.KeyCorrelationID, d.CorrelationId)
	}
	if key := env.IdentityKey(); key != "" {
		msg.Metadata.Set(metadatapkg.KeyDedup, key)
	}
	// Handlers outlive shutdown: the message in flight is always finished.
	msg.SetContext(context.WithoutCancel(ctx))

	core := func(m *message.Message) ([]*message.Message, error) {
		md := metadatapkg.FromWatermill(m.Metadata)
		return nil, fn(m.Context(), handlers.Message{
			MessageContextBase: handlers.MessageContextBase{Metadata: md, Logger: log.With(loggingpkg.LogFields{"message_uuid": m.UUID})},
			Envelope:           env,
			MessageID:          m.UUID,
			RoutingKey:         d.RoutingKey,
			Queue:              in.queue,
			Redelivered:        d.Redelivered,
		})
	}

	start := time.Now()
	_, err = c.chain(middleware.Recoverer(core))(msg)
	c.metrics.ObserveHandler(d.RoutingKey, time.Since(start))

	if err != nil {
		var decodeErr *errspkg.DecodeError
		if errors.As(err, &decodeErr) {
			c.reject(log, in, err, OutcomeDecodeError)
			return
		}
		handlerErr := &errspkg.HandlerError{RoutingKey: d.RoutingKey, Err: err}
		log.Error("Handler failed", handlerErr, loggingpkg.LogFields{"requeue": c.cfg.NackRequeue, "message_uuid": msg.UUID})
		c.settle(log, in, false, c.cfg.NackRequeue, OutcomeNack)
		return
	}
	c.settle(log, in, true, false, OutcomeAck)
}

// reject drops a message that can never be handled.
func (c *Consumer) reject(log loggingpkg.ServiceLogger, in inbound, cause error, outcome string) {
	log.Error("Rejecting message", cause, loggingpkg.LogFields{"outcome": outcome})
	c.settle(log, in, false, false, outcome)
}

func (c *Consumer) settle(log loggingpkg.ServiceLogger, in inbound, ack, requeue bool, outcome string) {
	var err error
	if ack {
		err = in.delivery.Ack(false)
	} else {
		err = in.delivery.Nack(false, requeue)
	}
	if err != nil {
		log.Error("Settling message failed", err, loggingpkg.LogFields{"ack": ack})
	}
	c.metrics.RecordConsumed(in.queue, in.delivery.RoutingKey, outcome)
}

func (c *Consumer) chain(h message.HandlerFunc) message.HandlerFunc {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

type route struct {
	pattern string
	fn      handlers.Func
}

type routeTable struct {
	exact    map[string]handlers.Func
	patterns []route
}

func compileRoutes(table HandlerTable) (*routeTable, error) {
	rt := &routeTable{exact: make(map[string]handlers.Func)}
	for key, fn := range table {
		if key == "" {
			return nil, errspkg.ErrRoutingKeyRequired
		}
		if fn == nil {
			return nil, fmt.Errorf("%w: %s", errspkg.ErrHandlerRequired, key)
		}
		if strings.ContainsAny(key, "*#") {
			rt.patterns = append(rt.patterns, route{pattern: key, fn: fn})
			continue
		}
		rt.exact[key] = fn
	}
	sort.Slice(rt.patterns, func(i, j int) bool { return rt.patterns[i].pattern < rt.patterns[j].pattern })
	return rt, nil
}

func (rt *routeTable) lookup(key string) handlers.Func {
	if fn, ok := rt.exact[key]; ok {
		return fn
	}
	for _, r := range rt.patterns {
		if broker.MatchTopic(r.pattern, key) {
			return r.fn
		}
	}
	return nil
}

// stringHeaders renders non-string header values from foreign producers as
// strings; the marshaler only accepts string metadata.
func stringHeaders(headers amqp.Table) amqp.Table {
	if len(headers) == 0 {
		return headers
	}
	out := make(amqp.Table, len(headers))
	for k, v := range metadatapkg.FromAMQPTable(headers) {
		out[k] = v
	}
	return out
}
