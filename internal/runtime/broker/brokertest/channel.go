package brokertest

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/defood/orderflow/internal/runtime/broker"
)

// Conn is an in-memory connection.
type Conn struct {
	broker   *Broker
	mu       sync.Mutex
	channels []*Channel
	closed   bool
}

var _ broker.Connection = (*Conn)(nil)

func (c *Conn) Channel() (broker.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if len(b.channelErrs) > 0 {
		err := b.channelErrs[0]
		b.channelErrs = b.channelErrs[1:]
		return nil, err
	}
	ch := &Channel{conn: c, unacked: map[uint64]pending{}, consumers: map[string]*consumer{}}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(reason)
	}

	b := c.broker
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

type pending struct {
	queue string
	msg   message
}

type consumer struct {
	tag        string
	queue      string
	ch         *Channel
	deliveries chan amqp.Delivery
}

// Channel is an in-memory channel. Broker state is guarded by the broker
// mutex; the channel has no lock of its own.
type Channel struct {
	conn *Conn

	closed      bool
	prefetch    int
	confirming  bool
	publishSeq  uint64
	deliveryTag uint64
	unacked     map[uint64]pending
	consumers   map[string]*consumer
	confirms    []chan amqp.Confirmation
	closers     []chan *amqp.Error
}

var _ broker.Channel = (*Channel)(nil)

func (ch *Channel) broker() *Broker { return ch.conn.broker }

func (ch *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	b.stats.ExchangeDeclares++
	if existing, ok := b.exchanges[name]; ok {
		if existing.kind != kind || existing.durable != durable {
			b.mu.Unlock()
			err := preconditionFailed(fmt.Sprintf("inequivalent arg 'type' for exchange '%s' in vhost '/': received '%s' but current is '%s'", name, kind, existing.kind))
			ch.shutdown(err)
			return err
		}
		b.mu.Unlock()
		return nil
	}
	b.exchanges[name] = exchange{kind: kind, durable: durable}
	b.mu.Unlock()
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker()
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.Queue{}, amqp.ErrClosed
	}
	b.stats.QueueDeclares++
	if existing, ok := b.queues[name]; ok {
		if existing.durable != durable || !sameArgs(existing.args, args) {
			b.mu.Unlock()
			err := preconditionFailed(fmt.Sprintf("inequivalent arg for queue '%s' in vhost '/'", name))
			ch.shutdown(err)
			return amqp.Queue{}, err
		}
		q := amqp.Queue{Name: name, Messages: len(existing.ready), Consumers: len(existing.consumers)}
		b.mu.Unlock()
		return q, nil
	}
	b.queues[name] = &queue{name: name, durable: durable, args: args}
	b.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		b.mu.Unlock()
		err := notFound("exchange", exchangeName)
		ch.shutdown(err)
		return err
	}
	if _, ok := b.queues[name]; !ok {
		b.mu.Unlock()
		err := notFound("queue", name)
		ch.shutdown(err)
		return err
	}
	bnd := binding{exchange: exchangeName, pattern: key, queue: name}
	for _, existing := range b.bindings {
		if existing == bnd {
			b.mu.Unlock()
			return nil
		}
	}
	b.bindings = append(b.bindings, bnd)
	b.stats.Bindings = len(b.bindings)
	b.mu.Unlock()
	return nil
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) Confirm(_ bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.closers = append(ch.closers, receiver)
	return receiver
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker()
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	b.stats.PublishAttempts++
	if len(b.publishErrs) > 0 {
		err := b.publishErrs[0]
		b.publishErrs = b.publishErrs[1:]
		b.mu.Unlock()
		return err
	}
	if _, ok := b.exchanges[exchangeName]; !ok && exchangeName != "" {
		b.mu.Unlock()
		err := notFound("exchange", exchangeName)
		ch.shutdown(err)
		return err
	}

	ack := true
	if ch.confirming && b.nackNext > 0 {
		b.nackNext--
		ack = false
	}
	if ack {
		msg.Body = append([]byte(nil), msg.Body...)
		b.routeLocked(exchangeName, key, msg, false)
		b.stats.Published++
		b.dispatchLocked()
	}

	var listeners []chan amqp.Confirmation
	var seq uint64
	if ch.confirming {
		ch.publishSeq++
		seq = ch.publishSeq
		listeners = append(listeners, ch.confirms...)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l <- amqp.Confirmation{DeliveryTag: seq, Ack: ack}
	}
	return nil
}

func (ch *Channel) Consume(queueName, tag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, fmt.Errorf("brokertest: autoAck consumers are not supported")
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, notFound("queue", queueName)
	}
	if tag == "" {
		tag = fmt.Sprintf("ctag-%p-%d", ch, len(ch.consumers)+1)
	}
	if _, exists := ch.consumers[tag]; exists {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag '" + tag + "'", Server: true}
	}
	c := &consumer{tag: tag, queue: queueName, ch: ch, deliveries: make(chan amqp.Delivery, 1024)}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked()
	return c.deliveries, nil
}

func (ch *Channel) Cancel(tag string, _ bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	delete(ch.consumers, tag)
	b.removeConsumerLocked(c)
	close(c.deliveries)
	return nil
}

func (ch *Channel) Close() error {
	ch.shutdown(nil)
	return nil
}

func (ch *Channel) IsClosed() bool {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, _ bool) error {
	return ch.settle(tag, true, false)
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, _ bool, requeue bool) error {
	return ch.settle(tag, false, requeue)
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, ack, requeue bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	p, ok := ch.unacked[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag), Server: true}
	}
	delete(ch.unacked, tag)
	b.settleLocked(p.queue, p.msg, ack, requeue)
	b.dispatchLocked()
	return nil
}

func (ch *Channel) hasCapacityLocked() bool {
	return !ch.closed && (ch.prefetch <= 0 || len(ch.unacked) < ch.prefetch)
}

func (ch *Channel) deliverLocked(c *consumer, queueName string, msg message) {
	ch.deliveryTag++
	tag := ch.deliveryTag
	ch.unacked[tag] = pending{queue: queueName, msg: msg}
	b := ch.broker()
	if n := len(ch.unacked); n > b.maxUnacked[ch] {
		b.maxUnacked[ch] = n
	}
	c.deliveries <- amqp.Delivery{
		Acknowledger:    ch,
		Headers:         msg.pub.Headers,
		ContentType:     msg.pub.ContentType,
		ContentEncoding: msg.pub.ContentEncoding,
		DeliveryMode:    msg.pub.DeliveryMode,
		Priority:        msg.pub.Priority,
		CorrelationId:   msg.pub.CorrelationId,
		ReplyTo:         msg.pub.ReplyTo,
		Expiration:      msg.pub.Expiration,
		MessageId:       msg.pub.MessageId,
		Timestamp:       msg.pub.Timestamp,
		Type:            msg.pub.Type,
		UserId:          msg.pub.UserId,
		AppId:           msg.pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.key,
		Body:            msg.pub.Body,
	}
}

// shutdown closes the channel. Unacked deliveries go back to their queues
// marked redelivered, the way RabbitMQ handles a lost consumer.
func (ch *Channel) shutdown(reason *amqp.Error) {
	b := ch.broker()
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return
	}
	ch.closed = true
	for _, c := range ch.consumers {
		b.removeConsumerLocked(c)
		close(c.deliveries)
	}
	ch.consumers = map[string]*consumer{}
	for tag, p := range ch.unacked {
		if q, ok := b.queues[p.queue]; ok {
			p.msg.redelivered = true
			q.ready = append([]message{p.msg}, q.ready...)
		}
		delete(ch.unacked, tag)
	}
	confirms, closers := ch.confirms, ch.closers
	ch.confirms, ch.closers = nil, nil
	b.dispatchLocked()
	b.mu.Unlock()

	for _, c := range confirms {
		close(c)
	}
	for _, c := range closers {
		if reason != nil {
			c <- reason
		}
		close(c)
	}
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
