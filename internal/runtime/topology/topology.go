// Package topology declares the exchange, queues and bindings the order
// events travel through.
package topology

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/defood/orderflow/internal/runtime/broker"
	"github.com/defood/orderflow/internal/runtime/config"
	"github.com/defood/orderflow/internal/runtime/logging"
)

const (
	KindTopic = amqp.ExchangeTopic

	deadLetterArg     = "x-dead-letter-exchange"
	deadLetterPattern = "#"
)

// Binding routes keys matching Pattern into Queue.
type Binding struct {
	Pattern string
	Queue   string
}

// Descriptor is the static broker layout.
type Descriptor struct {
	Exchange string
	Kind     string
	Durable  bool
	Bindings []Binding

	// Optional. Both empty means rejected messages are dropped.
	DeadLetterExchange string
	DeadLetterQueue    string
}

// FromConfig builds the order service layout: orders and users queues bound
// on their created keys.
func FromConfig(cfg *config.Config) Descriptor {
	return Descriptor{
		Exchange: cfg.ExchangeName,
		Kind:     KindTopic,
		Durable:  true,
		Bindings: []Binding{
			{Pattern: cfg.OrdersRoutingKey(), Queue: cfg.OrdersQueue},
			{Pattern: cfg.UsersRoutingKey(), Queue: cfg.UsersQueue},
		},
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeadLetterQueue:    cfg.DeadLetterQueue,
	}
}

// Validate rejects descriptors that cannot be declared.
func (d Descriptor) Validate() error {
	if d.Exchange == "" {
		return errors.New("topology: exchange name is required")
	}
	for i, b := range d.Bindings {
		if b.Pattern == "" || b.Queue == "" {
			return fmt.Errorf("topology: binding %d needs a pattern and a queue", i)
		}
	}
	if (d.DeadLetterExchange == "") != (d.DeadLetterQueue == "") {
		return errors.New("topology: dead-letter exchange and queue must be set together")
	}
	return nil
}

// Queues returns the bound queue names in declaration order.
func (d Descriptor) Queues() []string {
	out := make([]string, 0, len(d.Bindings))
	seen := map[string]bool{}
	for _, b := range d.Bindings {
		if !seen[b.Queue] {
			seen[b.Queue] = true
			out = append(out, b.Queue)
		}
	}
	return out
}

func (d Descriptor) deadLettering() bool { return d.DeadLetterExchange != "" }

// DeclareError means the broker rejected part of the layout, typically
// PRECONDITION_FAILED because an existing entity differs. It is not retried.
type DeclareError struct {
	Entity string
	Name   string
	Err    error
}

func (e *DeclareError) Error() string {
	return fmt.Sprintf("topology: declaring %s %q: %v", e.Entity, e.Name, e.Err)
}

func (e *DeclareError) Unwrap() error { return e.Err }

// SessionScope runs fn with a fresh broker session.
type SessionScope interface {
	WithSession(ctx context.Context, fn func(*broker.Session) error) error
}

// Manager declares a Descriptor.
type Manager struct {
	desc     Descriptor
	sessions SessionScope
	logger   logging.ServiceLogger
}

func NewManager(desc Descriptor, sessions SessionScope, logger logging.ServiceLogger) *Manager {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	return &Manager{desc: desc, sessions: sessions, logger: logger.With(logging.LogFields{"component": "topology"})}
}

// Descriptor returns the layout this manager declares.
func (m *Manager) Descriptor() Descriptor { return m.desc }

// Ensure declares the exchange, every queue and every binding. Declarations
// are idempotent so many processes may call it at startup.
func (m *Manager) Ensure(ctx context.Context) error {
	if err := m.desc.Validate(); err != nil {
		return err
	}
	if !m.desc.deadLettering() {
		m.logger.Info("Dead-lettering disabled, rejected messages will be dropped", logging.LogFields{"exchange": m.desc.Exchange})
	}
	return m.sessions.WithSession(ctx, func(s *broker.Session) error {
		return m.declare(s.Channel())
	})
}

func (m *Manager) declare(ch broker.Channel) error {
	d := m.desc
	var queueArgs amqp.Table
	if d.deadLettering() {
		if err := ch.ExchangeDeclare(d.DeadLetterExchange, KindTopic, true, false, false, false, nil); err != nil {
			return &DeclareError{Entity: "exchange", Name: d.DeadLetterExchange, Err: err}
		}
		if _, err := ch.QueueDeclare(d.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return &DeclareError{Entity: "queue", Name: d.DeadLetterQueue, Err: err}
		}
		if err := ch.QueueBind(d.DeadLetterQueue, deadLetterPattern, d.DeadLetterExchange, false, nil); err != nil {
			return &DeclareError{Entity: "binding", Name: d.DeadLetterQueue, Err: err}
		}
		queueArgs = amqp.Table{deadLetterArg: d.DeadLetterExchange}
	}

	kind := d.Kind
	if kind == "" {
		kind = KindTopic
	}
	if err := ch.ExchangeDeclare(d.Exchange, kind, d.Durable, false, false, false, nil); err != nil {
		return &DeclareError{Entity: "exchange", Name: d.Exchange, Err: err}
	}

	declared := map[string]bool{}
	for _, b := range d.Bindings {
		if !declared[b.Queue] {
			if _, err := ch.QueueDeclare(b.Queue, d.Durable, false, false, false, queueArgs); err != nil {
				return &DeclareError{Entity: "queue", Name: b.Queue, Err: err}
			}
			declared[b.Queue] = true
		}
		if err := ch.QueueBind(b.Queue, b.Pattern, d.Exchange, false, nil); err != nil {
			return &DeclareError{Entity: "binding", Name: b.Queue + " <- " + b.Pattern, Err: err}
		}
		m.logger.Debug("Queue bound", logging.LogFields{"queue": b.Queue, "pattern": b.Pattern})
	}

	m.logger.Info("Topology declared", logging.LogFields{
		"exchange": d.Exchange,
		"queues":   len(declared),
		"dlx":      d.DeadLetterExchange,
	})
	return nil
}
