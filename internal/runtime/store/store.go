// Package store persists orders and looks up the menu catalogue.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	errspkg "github.com/defood/orderflow/internal/runtime/errors"
	"github.com/defood/orderflow/internal/runtime/orders"
)

// ErrNotFound is returned when an order or menu item does not exist.
var ErrNotFound = errspkg.ErrNotFound

// ErrPriceScale is returned for prices with more than two decimal places;
// money columns store cents.
var ErrPriceScale = errors.New("store: price has more than two decimal places")

func checkPrice(price decimal.Decimal) error {
	if !price.Equal(price.Round(2)) {
		return fmt.Errorf("%w: %s", ErrPriceScale, price.String())
	}
	return nil
}

// OrderStore is the persistence collaborator of the submission pipeline.
// Implementations are expected to make Create and Delete transactional.
type OrderStore interface {
	Create(ctx context.Context, draft orders.Draft) (orders.Order, error)
	Delete(ctx context.Context, id string) error
	MenuItem(ctx context.Context, id string) (orders.MenuItem, error)
	Get(ctx context.Context, id string) (orders.Order, error)
}
