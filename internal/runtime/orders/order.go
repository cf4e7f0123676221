// Package orders holds the order aggregate, its status machine and the flat
// projections published as event payloads.
package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// MenuItem is the current catalogue entry for a dish.
type MenuItem struct {
	ID           string
	RestaurantID string
	Name         string
	Price        decimal.Decimal
	Available    bool
}

// LineItem is one ordered dish with the price captured at order time.
type LineItem struct {
	MenuItemID string
	Name       string
	Quantity   int
	UnitPrice  decimal.Decimal
}

// Subtotal is quantity times the snapshotted unit price.
func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// ComputeTotal sums the line item subtotals, rounded to cents.
func ComputeTotal(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total.Round(2)
}

// Details is the denormalized snapshot frozen at creation so downstream
// consumers never need to look up mutable restaurant or address state.
type Details struct {
	Restaurant RestaurantSnapshot `json:"restaurant"`
	Address    AddressSnapshot    `json:"address"`
	Items      []ItemData         `json:"items"`
}

type RestaurantSnapshot struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type AddressSnapshot struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Line  string `json:"line,omitempty"`
}

// Draft is a fully validated order ready to persist. The store assigns the id
// and timestamps.
type Draft struct {
	UserID         string
	RestaurantID   string
	AddressID      string
	Items          []LineItem
	Total          decimal.Decimal
	Details        Details
	IdempotencyKey string
}

// Order is a persisted order.
type Order struct {
	ID             string
	UserID         string
	RestaurantID   string
	AddressID      string
	Items          []LineItem
	Total          decimal.Decimal
	Status         Status
	Details        Details
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FromDraft materializes a draft as a PENDING order.
func FromDraft(id string, d Draft, now time.Time) Order {
	return Order{
		ID:             id,
		UserID:         d.UserID,
		RestaurantID:   d.RestaurantID,
		AddressID:      d.AddressID,
		Items:          append([]LineItem(nil), d.Items...),
		Total:          d.Total,
		Status:         StatusPending,
		Details:        d.Details.clone(),
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TransitionTo moves the order to the next status.
func (o *Order) TransitionTo(to Status, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return transitionError(o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// Clone returns a deep copy.
func (o Order) Clone() Order {
	o.Items = append([]LineItem(nil), o.Items...)
	o.Details = o.Details.clone()
	return o
}

func (d Details) clone() Details {
	d.Items = append([]ItemData(nil), d.Items...)
	return d
}
