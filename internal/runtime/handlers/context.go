// Package handlers defines what a consumer handler receives and adapters for
// typed JSON payloads.
package handlers

import (
	"context"

	"github.com/defood/orderflow/internal/runtime/events"
	loggingpkg "github.com/defood/orderflow/internal/runtime/logging"
	metadatapkg "github.com/defood/orderflow/internal/runtime/metadata"
)

// MessageContextBase provides common functionality for all message context types.
// It holds the metadata and logger shared by raw and JSON handlers.
type MessageContextBase struct {
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers for outgoing events without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata.CorrelationID()
}

// Message is one decoded delivery.
type Message struct {
	MessageContextBase
	Envelope    events.Envelope
	MessageID   string
	RoutingKey  string
	Queue       string
	Redelivered bool
}

// Func handles one message. Returning nil acknowledges it; an error or panic
// negatively acknowledges it.
type Func func(ctx context.Context, msg Message) error
