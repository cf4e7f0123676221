// Package events defines the envelope placed on the broker for every domain event.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	errspkg "github.com/defood/orderflow/internal/runtime/errors"
	"github.com/defood/orderflow/internal/runtime/jsoncodec"
)

// Event types published by the order service.
const (
	OrderCreated = "order_created"
	UserCreated  = "user_created"
)

// TimestampLayout is the ISO-8601 form used on the wire.
const TimestampLayout = time.RFC3339Nano

// localTimestampLayout matches ISO-8601 timestamps without an offset, as
// emitted by producers that format naive datetimes. They are read as UTC.
const localTimestampLayout = "2006-01-02T15:04:05.999999999"

func parseTimestamp(value string) (time.Time, error) {
	ts, err := time.Parse(TimestampLayout, value)
	if err == nil {
		return ts, nil
	}
	if local, localErr := time.ParseInLocation(localTimestampLayout, value, time.UTC); localErr == nil {
		return local, nil
	}
	return time.Time{}, err
}

// Envelope wraps a flat JSON projection of a domain entity. Envelopes are
// immutable; Data returns a copy of the payload.
type Envelope struct {
	eventType string
	timestamp time.Time
	data      json.RawMessage
}

type wireEnvelope struct {
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

var nowFunc = time.Now

// New marshals data and stamps the envelope with the current time.
func New(eventType string, data any) (Envelope, error) {
	return NewAt(eventType, data, nowFunc())
}

// NewAt is New with an explicit emission time.
func NewAt(eventType string, data any, at time.Time) (Envelope, error) {
	if strings.TrimSpace(eventType) == "" {
		return Envelope{}, errspkg.ErrEventTypeRequired
	}
	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, errors.New("events: data must encode to a JSON object")
	}
	return Envelope{eventType: eventType, timestamp: at.UTC(), data: json.RawMessage(trimmed)}, nil
}

// EventType names the event, e.g. "order_created".
func (e Envelope) EventType() string { return e.eventType }

// Timestamp is the emission time in UTC.
func (e Envelope) Timestamp() time.Time { return e.timestamp }

// Data returns a copy of the JSON payload.
func (e Envelope) Data() json.RawMessage {
	if e.data == nil {
		return nil
	}
	out := make(json.RawMessage, len(e.data))
	copy(out, e.data)
	return out
}

// DecodeData unmarshals the payload into dst.
func (e Envelope) DecodeData(dst any) error {
	return jsoncodec.Unmarshal(e.data, dst)
}

// IsZero reports whether the envelope was never constructed.
func (e Envelope) IsZero() bool { return e.eventType == "" }

// MarshalJSON renders {event_type, timestamp, data}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	data := e.data
	if data == nil {
		data = json.RawMessage("{}")
	}
	return jsoncodec.Marshal(wireEnvelope{
		EventType: e.eventType,
		Timestamp: e.timestamp.Format(TimestampLayout),
		Data:      data,
	})
}

// UnmarshalJSON accepts the wire form and rejects envelopes without a type,
// a parseable timestamp or an object payload.
func (e *Envelope) UnmarshalJSON(body []byte) error {
	var wire wireEnvelope
	if err := jsoncodec.Unmarshal(body, &wire); err != nil {
		return err
	}
	if wire.EventType == "" {
		return errspkg.ErrEventTypeRequired
	}
	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return errors.New("events: timestamp is not ISO-8601: " + err.Error())
	}
	data := bytes.TrimSpace(wire.Data)
	if len(data) == 0 || data[0] != '{' {
		return errors.New("events: data must be a JSON object")
	}
	e.eventType = wire.EventType
	e.timestamp = ts.UTC()
	e.data = append(json.RawMessage(nil), data...)
	return nil
}

// Encode returns the UTF-8 JSON body published on the broker.
func Encode(e Envelope) ([]byte, error) {
	if e.IsZero() {
		return nil, errspkg.ErrEventTypeRequired
	}
	return e.MarshalJSON()
}

// Decode parses a message body. Any failure is returned as a *DecodeError.
func Decode(body []byte) (Envelope, error) {
	if !jsoncodec.Valid(body) {
		return Envelope{}, &errspkg.DecodeError{Err: errors.New("body is not valid JSON")}
	}
	var env Envelope
	if err := env.UnmarshalJSON(body); err != nil {
		return Envelope{}, &errspkg.DecodeError{Err: err}
	}
	return env, nil
}

type identity struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrderID        string `json:"order_id"`
	UserID         string `json:"user_id"`
}

// IdentityKey names the entity an event is about, for de-duplication:
// "<event_type>:<idempotency_key|order_id|user_id>". It is empty when the
// payload carries none of these.
func (e Envelope) IdentityKey() string {
	var id identity
	if err := jsoncodec.Unmarshal(e.data, &id); err != nil {
		return ""
	}
	for _, v := range []string{id.IdempotencyKey, id.OrderID, id.UserID} {
		if v != "" {
			return e.eventType + ":" + v
		}
	}
	return ""
}
