package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/defood/orderflow/internal/runtime/errors"
	"github.com/defood/orderflow/internal/runtime/logging"
)

// ConnectorConfig tunes Acquire.
type ConnectorConfig struct {
	URL      string
	Attempts int
	Delay    time.Duration
}

// AttemptObserver is told about every failed acquire attempt.
type AttemptObserver func(attempt int, err error)

// Connector hands out short-lived sessions.
type Connector struct {
	cfg      ConnectorConfig
	dialer   Dialer
	logger   logging.ServiceLogger
	observer AttemptObserver
}

// NewConnector returns a Connector. A nil dialer means AMQPDialer with a 5s timeout.
func NewConnector(cfg ConnectorConfig, dialer Dialer, logger logging.ServiceLogger) *Connector {
	if dialer == nil {
		dialer = AMQPDialer{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Connector{cfg: cfg, dialer: dialer, logger: logger.With(logging.LogFields{"component": "broker"})}
}

// OnFailedAttempt registers an observer for failed acquire attempts.
func (c *Connector) OnFailedAttempt(fn AttemptObserver) {
	c.observer = fn
}

// Acquire dials the broker and opens a channel, retrying transient failures
// up to the configured number of attempts with a fixed delay.
func (c *Connector) Acquire(ctx context.Context) (*Session, error) {
	if _, err := amqp.ParseURI(c.cfg.URL); err != nil {
		return nil, &errspkg.ConnectionError{Attempts: 1, Err: fmt.Errorf("invalid broker URL: %w", err)}
	}

	attempt := 0
	session, err := backoff.Retry(ctx, func() (*Session, error) {
		attempt++
		s, err := c.open(ctx)
		if err == nil {
			return s, nil
		}
		if c.observer != nil {
			c.observer(attempt, err)
		}
		fields := logging.LogFields{"attempt": attempt, "max_attempts": c.cfg.Attempts}
		if !IsTransient(err) {
			c.logger.Error("Broker refused connection", err, fields)
			return nil, backoff.Permanent(err)
		}
		c.logger.Error("Broker connection attempt failed", err, fields)
		return nil, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.Delay)),
		backoff.WithMaxTries(uint(c.cfg.Attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		if ctxErr := ctx.Err(); ctxErr != nil && attempt < c.cfg.Attempts {
			return nil, ctxErr
		}
		return nil, &errspkg.ConnectionError{Attempts: attempt, Err: err}
	}
	c.logger.Debug("Broker session acquired", logging.LogFields{"attempt": attempt})
	return session, nil
}

func (c *Connector) open(ctx context.Context) (*Session, error) {
	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Session{conn: conn, ch: ch, logger: c.logger}, nil
}

// WithSession acquires a session, runs fn and releases the session on every
// exit path, panics included.
func (c *Connector) WithSession(ctx context.Context, fn func(*Session) error) error {
	session, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	defer session.Release()
	return fn(session)
}

// Session is one connection plus one channel, owned by a single caller.
type Session struct {
	conn   Connection
	ch     Channel
	logger logging.ServiceLogger
	once   sync.Once
}

// Channel returns the session's channel.
func (s *Session) Channel() Channel { return s.ch }

// NotifyClose registers for the broker closing the channel.
func (s *Session) NotifyClose() <-chan *amqp.Error {
	return s.ch.NotifyClose(make(chan *amqp.Error, 1))
}

// EnableConfirms puts the channel in confirm mode.
func (s *Session) EnableConfirms() (<-chan amqp.Confirmation, error) {
	if err := s.ch.Confirm(false); err != nil {
		return nil, err
	}
	return s.ch.NotifyPublish(make(chan amqp.Confirmation, 1)), nil
}

// Release closes the channel, then the connection. Safe to call more than once.
func (s *Session) Release() {
	s.once.Do(func() {
		if s.ch != nil && !s.ch.IsClosed() {
			if err := s.ch.Close(); err != nil {
				s.logger.Debug("Closing channel failed", logging.LogFields{"error": err.Error()})
			}
		}
		if s.conn != nil && !s.conn.IsClosed() {
			if err := s.conn.Close(); err != nil {
				s.logger.Debug("Closing connection failed", logging.LogFields{"error": err.Error()})
			}
		}
	})
}
