// Package broker owns the connection to RabbitMQ. Every caller acquires its
// own Session and releases it when done; nothing is shared across calls.
package broker

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by orderflow.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
	IsClosed() bool
}

// Connection is the subset of *amqp.Connection used by orderflow.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Connection, error) { return f(ctx, url) }

// AMQPDialer dials a real RabbitMQ. Timeout bounds the TCP dial and handshake
// and is unrelated to the retry delay between attempts.
type AMQPDialer struct {
	Timeout        time.Duration
	Heartbeat      time.Duration
	ConnectionName string
}

func (d AMQPDialer) Dial(ctx context.Context, url string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	props := amqp.NewConnectionProperties()
	if d.ConnectionName != "" {
		props.SetClientConnectionName(d.ConnectionName)
	}
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  d.Heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(d.Timeout),
	})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) Close() error   { return c.conn.Close() }
func (c amqpConnection) IsClosed() bool { return c.conn.IsClosed() }
