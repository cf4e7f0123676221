package orders

import "time"

// ItemData is the wire form of a line item.
type ItemData struct {
	MenuItemID string `json:"menu_item_id"`
	Name       string `json:"name,omitempty"`
	Quantity   int    `json:"quantity"`
	Price      string `json:"price"`
}

// OrderCreatedData is the payload of an order_created event. Money is
// rendered as a two-digit decimal string.
type OrderCreatedData struct {
	OrderID        string     `json:"order_id"`
	UserID         string     `json:"user_id"`
	RestaurantID   string     `json:"restaurant_id"`
	AddressID      string     `json:"address_id"`
	TotalAmount    string     `json:"total_amount"`
	Status         Status     `json:"status"`
	CreatedAt      string     `json:"created_at"`
	Items          []ItemData `json:"items"`
	Details        Details    `json:"details"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// OrderCreated projects a persisted order into its event payload.
func OrderCreated(o Order) OrderCreatedData {
	return OrderCreatedData{
		OrderID:        o.ID,
		UserID:         o.UserID,
		RestaurantID:   o.RestaurantID,
		AddressID:      o.AddressID,
		TotalAmount:    o.Total.StringFixed(2),
		Status:         o.Status,
		CreatedAt:      o.CreatedAt.UTC().Format(time.RFC3339Nano),
		Items:          itemData(o.Items),
		Details:        o.Details.clone(),
		IdempotencyKey: o.IdempotencyKey,
	}
}

// DedupKey is the key consumers use to drop redelivered events.
func (d OrderCreatedData) DedupKey() string {
	if d.IdempotencyKey != "" {
		return d.IdempotencyKey
	}
	return d.OrderID
}

// UserProfile is the account data announced on registration.
type UserProfile struct {
	ID        string
	Username  string
	Email     string
	Phone     string
	CreatedAt time.Time
}

// UserCreatedData is the payload of a user_created event.
type UserCreatedData struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at"`
}

// UserCreated projects a profile into its event payload.
func UserCreated(u UserProfile) UserCreatedData {
	return UserCreatedData{
		UserID:    u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Phone:     u.Phone,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func itemData(items []LineItem) []ItemData {
	out := make([]ItemData, len(items))
	for i, item := range items {
		out[i] = ItemData{
			MenuItemID: item.MenuItemID,
			Name:       item.Name,
			Quantity:   item.Quantity,
			Price:      item.UnitPrice.StringFixed(2),
		}
	}
	return out
}
