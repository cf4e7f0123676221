package handlers

import (
	"context"
	"fmt"

	errspkg "github.com/defood/orderflow/internal/runtime/errors"
	"github.com/defood/orderflow/internal/runtime/events"
	"github.com/defood/orderflow/internal/runtime/orders"
)

// JSONMessageContext exposes the decoded event data alongside the delivery.
type JSONMessageContext[T any] struct {
	Message
	Payload T
}

// JSONMessageHandler processes a typed event payload.
type JSONMessageHandler[T any] func(ctx context.Context, event JSONMessageContext[T]) error

// BuildJSONHandler decodes the envelope data into T before calling handler.
// When eventType is set, envelopes of another type are rejected. Decoding
// failures are returned as *DecodeError.
func BuildJSONHandler[T any](eventType string, handler JSONMessageHandler[T]) (Func, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	return func(ctx context.Context, msg Message) error {
		if eventType != "" && msg.Envelope.EventType() != eventType {
			return &errspkg.DecodeError{Err: fmt.Errorf("expected %s event, got %q", eventType, msg.Envelope.EventType())}
		}

		var payload T
		if err := msg.Envelope.DecodeData(&payload); err != nil {
			return &errspkg.DecodeError{Err: fmt.Errorf("failed to unmarshal %s data: %w", msg.Envelope.EventType(), err)}
		}

		return handler(ctx, JSONMessageContext[T]{Message: msg, Payload: payload})
	}, nil
}

// OrderCreated adapts a handler for order_created events.
func OrderCreated(handler JSONMessageHandler[orders.OrderCreatedData]) (Func, error) {
	return BuildJSONHandler(events.OrderCreated, handler)
}

// UserCreated adapts a handler for user_created events.
func UserCreated(handler JSONMessageHandler[orders.UserCreatedData]) (Func, error) {
	return BuildJSONHandler(events.UserCreated, handler)
}

// MustBuild panics when building a handler fails. Meant for static wiring.
func MustBuild(fn Func, err error) Func {
	if err != nil {
		panic(err)
	}
	return fn
}
