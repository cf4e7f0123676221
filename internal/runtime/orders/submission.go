package orders

import (
	"strconv"
	"strings"

	errspkg "github.com/defood/orderflow/internal/runtime/errors"
)

// ItemRequest is a client-requested dish and quantity. Prices are never
// accepted from the client.
type ItemRequest struct {
	MenuItemID string `json:"menu_item_id"`
	Quantity   int    `json:"quantity"`
}

// Submission is the raw order request.
type Submission struct {
	UserID       string        `json:"user_id"`
	RestaurantID string        `json:"restaurant_id"`
	AddressID    string        `json:"address_id"`
	Items        []ItemRequest `json:"items"`

	// Optional snapshot fields copied into Details.
	RestaurantName string `json:"restaurant_name,omitempty"`
	AddressLabel   string `json:"address_label,omitempty"`
	AddressLine    string `json:"address_line,omitempty"`

	// IdempotencyKey lets consumers drop duplicates across pipeline retries.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Validate checks the request shape. Catalogue checks happen in the pipeline.
func (s Submission) Validate() *errspkg.ValidationError {
	verr := &errspkg.ValidationError{}
	if strings.TrimSpace(s.UserID) == "" {
		verr.Add("user_id", "is required")
	}
	if strings.TrimSpace(s.RestaurantID) == "" {
		verr.Add("restaurant_id", "is required")
	}
	if strings.TrimSpace(s.AddressID) == "" {
		verr.Add("address_id", "is required")
	}
	if len(s.Items) == 0 {
		verr.Add("items", "at least one item is required")
	}
	for i, item := range s.Items {
		field := "items[" + strconv.Itoa(i) + "]"
		if strings.TrimSpace(item.MenuItemID) == "" {
			verr.Add(field+".menu_item_id", "is required")
		}
		if item.Quantity < 1 {
			verr.Add(field+".quantity", "must be at least 1")
		}
	}
	return verr
}

// NewDraft snapshots prices from the catalogue entries (one per requested
// item, same order) and computes the total.
func NewDraft(s Submission, catalogue []MenuItem) Draft {
	items := make([]LineItem, len(s.Items))
	for i, req := range s.Items {
		menu := catalogue[i]
		items[i] = LineItem{
			MenuItemID: req.MenuItemID,
			Name:       menu.Name,
			Quantity:   req.Quantity,
			UnitPrice:  menu.Price,
		}
	}
	return Draft{
		UserID:       s.UserID,
		RestaurantID: s.RestaurantID,
		AddressID:    s.AddressID,
		Items:        items,
		Total:        ComputeTotal(items),
		Details: Details{
			Restaurant: RestaurantSnapshot{ID: s.RestaurantID, Name: s.RestaurantName},
			Address:    AddressSnapshot{ID: s.AddressID, Label: s.AddressLabel, Line: s.AddressLine},
			Items:      itemData(items),
		},
		IdempotencyKey: s.IdempotencyKey,
	}
}
