package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type lineItem struct {
	MenuItemID string `json:"menu_item_id"`
	Quantity   int    `json:"quantity"`
	UnitPrice  string `json:"unit_price"`
}

func TestRoundTripKeepsDecimalStrings(t *testing.T) {
	in := lineItem{MenuItemID: "m-1", Quantity: 3, UnitPrice: "4.00"}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"unit_price":"4.00"`) {
		t.Fatalf("expected price to stay a string, got %s", data)
	}

	var out lineItem
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"quantity\": 3") {
		t.Fatalf("expected indented output, got %s", indented)
	}
}

func TestStreamEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	items := []lineItem{{MenuItemID: "m-1", Quantity: 1, UnitPrice: "10.00"}, {MenuItemID: "m-2", Quantity: 2, UnitPrice: "5.50"}}

	if err := Encode(&buf, items); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded []lineItem
	if err := Decode(&buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != 2 || decoded[1] != items[1] {
		t.Fatalf("expected decoded items to match, got %#v", decoded)
	}
}

func TestValid(t *testing.T) {
	for body, want := range map[string]bool{
		`{"event_type":"order_created"}`: true,
		`{"event_type":`:                 false,
		``:                               false,
	} {
		if Valid([]byte(body)) != want {
			t.Fatalf("Valid(%q) = %v, want %v", body, !want, want)
		}
	}
}
