package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/defood/orderflow/internal/runtime/errors"
)

type userData struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

func TestNewAtEncodesWireShape(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))
	env, err := NewAt(UserCreated, userData{UserID: "u-1", Email: "a@b.c"}, at)
	require.NoError(t, err)

	body, err := Encode(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event_type":"user_created","timestamp":"2026-03-01T11:30:00Z","data":{"user_id":"u-1","email":"a@b.c"}}`, string(body))
}

func TestDataReturnsCopy(t *testing.T) {
	env, err := New(OrderCreated, map[string]any{"order_id": "o-1"})
	require.NoError(t, err)

	data := env.Data()
	data[0] = 'X'

	assert.Equal(t, byte('{'), env.Data()[0])
}

func TestNewRejectsMissingTypeAndNonObjectData(t *testing.T) {
	_, err := New("", map[string]any{})
	assert.ErrorIs(t, err, errspkg.ErrEventTypeRequired)

	_, err = New(OrderCreated, []int{1, 2})
	assert.Error(t, err)
}

func TestDecodeRoundTrip(t *testing.T) {
	env, err := New(OrderCreated, map[string]any{"order_id": "o-1", "total_amount": "12.00"})
	require.NoError(t, err)
	body, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, OrderCreated, decoded.EventType())
	assert.True(t, env.Timestamp().Equal(decoded.Timestamp()))

	var payload map[string]string
	require.NoError(t, decoded.DecodeData(&payload))
	assert.Equal(t, "12.00", payload["total_amount"])
}

func TestDecodeAcceptsISO8601Timestamps(t *testing.T) {
	tests := []struct {
		name      string
		timestamp string
		want      time.Time
	}{
		{"utc designator", "2024-05-01T12:30:00.123456Z", time.Date(2024, 5, 1, 12, 30, 0, 123456000, time.UTC)},
		{"numeric offset", "2024-05-01T14:30:00.123456+02:00", time.Date(2024, 5, 1, 12, 30, 0, 123456000, time.UTC)},
		{"no offset", "2024-05-01T12:30:00.123456", time.Date(2024, 5, 1, 12, 30, 0, 123456000, time.UTC)},
		{"no offset or fraction", "2024-05-01T12:30:00", time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"event_type":"order_created","timestamp":"` + tt.timestamp + `","data":{"order_id":"o-1"}}`
			env, err := Decode([]byte(body))
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(env.Timestamp()), "got %s", env.Timestamp())
			assert.Equal(t, time.UTC, env.Timestamp().Location())
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"event_type":`,
		"missing type":  `{"timestamp":"2026-01-01T00:00:00Z","data":{}}`,
		"bad timestamp": `{"event_type":"order_created","timestamp":"yesterday","data":{}}`,
		"date only":     `{"event_type":"order_created","timestamp":"2024-05-01","data":{}}`,
		"array data":    `{"event_type":"order_created","timestamp":"2026-01-01T00:00:00Z","data":[]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			var decodeErr *errspkg.DecodeError
			require.True(t, errors.As(err, &decodeErr), "got %v", err)
		})
	}
}

func TestIdentityKey(t *testing.T) {
	tests := []struct {
		name string
		data map[string]string
		want string
	}{
		{"idempotency key wins", map[string]string{"order_id": "o-1", "idempotency_key": "k"}, "order_created:k"},
		{"order id", map[string]string{"order_id": "o-1"}, "order_created:o-1"},
		{"user id", map[string]string{"user_id": "u-1"}, "order_created:u-1"},
		{"nothing", map[string]string{"foo": "bar"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := New(OrderCreated, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.IdentityKey())
		})
	}
}
