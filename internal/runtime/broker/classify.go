package broker

import (
	"context"
	"errors"
	"io"
	"net"

	amqp "github.com/rabbitmq/amqp091-go"
)

// IsTransient reports whether err is worth another connection attempt.
// Authentication, vhost and protocol errors are not; network trouble is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrSASL) || errors.Is(err, amqp.ErrVhost) ||
		errors.Is(err, amqp.ErrSyntax) || errors.Is(err, amqp.ErrFrame) {
		return false
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ConnectionForced, amqp.ResourceError, amqp.InternalError:
			return true
		case amqp.AccessRefused, amqp.NotFound, amqp.PreconditionFailed, amqp.FrameError, amqp.SyntaxError,
			amqp.CommandInvalid, amqp.UnexpectedFrame, amqp.NotAllowed, amqp.NotImplemented:
			return false
		}
		return amqpErr.Recover
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return true
}
