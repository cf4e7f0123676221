package orderflow

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestHandlerExportsPropagateErrors(t *testing.T) {
	if _, err := BuildJSONHandler[OrderCreatedData](EventOrderCreated, nil); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}

	if _, err := UserCreatedHandler(nil); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
}

func TestServiceExportsValidateInput(t *testing.T) {
	if _, err := NewService(context.Background(), nil, NewNopServiceLogger(), ServiceDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}

	if err := ValidateConfig(DefaultConfig()); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}

	conf := DefaultConfig()
	conf.Prefetch = 0
	var cfgErr ConfigValidationError
	if err := ValidateConfig(conf); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigValidationError, got %v", err)
	}
}

func TestStoreExports(t *testing.T) {
	var st *MemoryStore = NewMemoryStore()
	st.PutMenuItem(MenuItem{ID: "plov", RestaurantID: "r1", Name: "Plov", Price: decimal.RequireFromString("9.50"), Available: true})

	var orderStore OrderStore = st
	item, err := orderStore.MenuItem(context.Background(), "plov")
	if err != nil {
		t.Fatalf("expected menu item, got %v", err)
	}
	if item.Price.StringFixed(2) != "9.50" {
		t.Fatalf("unexpected price %s", item.Price)
	}

	var _ OrderStore = (*PostgresStore)(nil)
}

func TestLoggerExports(t *testing.T) {
	logger := NewZapServiceLogger(zap.NewNop())
	logger.With(LogFields{"component": "test"}).Info("boot", nil)
	NewNopServiceLogger().Error("ignored", errors.New("boom"), nil)
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestEnvelopeExports(t *testing.T) {
	env, err := NewEnvelope(EventUserCreated, UserCreatedData{UserID: "u-1", Username: "ana"})
	if err != nil {
		t.Fatalf("unexpected error building envelope: %v", err)
	}
	body, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("unexpected error encoding envelope: %v", err)
	}
	decoded, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("unexpected error decoding envelope: %v", err)
	}
	if decoded.EventType() != EventUserCreated {
		t.Fatalf("expected %s, got %q", EventUserCreated, decoded.EventType())
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata(MetadataKeyCorrelationID, "abc")
	if md.CorrelationID() != "abc" {
		t.Fatalf("expected correlation id to round trip, got %#v", md)
	}
}

func TestMatchTopicExport(t *testing.T) {
	if !MatchTopic("defood.#", "defood.orders.created") {
		t.Fatal("expected # to match trailing words")
	}
	if MatchTopic("defood.*", "defood.orders.created") {
		t.Fatal("expected * to match a single word only")
	}
}
