package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	idspkg "github.com/defood/orderflow/internal/runtime/ids"
	"github.com/defood/orderflow/internal/runtime/jsoncodec"
	"github.com/defood/orderflow/internal/runtime/orders"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore persists orders in PostgreSQL. Money columns are NUMERIC and
// travel as text so no float conversion happens on the way.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ OrderStore = (*PostgresStore)(nil)

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Migrate creates the tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// PutMenuItem upserts a catalogue entry.
func (s *PostgresStore) PutMenuItem(ctx context.Context, item orders.MenuItem) error {
	if err := checkPrice(item.Price); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO menu_items (id, restaurant_id, name, price, is_available)
		VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (id) DO UPDATE
		SET restaurant_id = EXCLUDED.restaurant_id, name = EXCLUDED.name,
		    price = EXCLUDED.price, is_available = EXCLUDED.is_available`,
		item.ID, item.RestaurantID, item.Name, item.Price.StringFixed(2), item.Available)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, draft orders.Draft) (orders.Order, error) {
	for _, item := range draft.Items {
		if err := checkPrice(item.UnitPrice); err != nil {
			return orders.Order{}, err
		}
	}
	order := orders.FromDraft(idspkg.NewOrderID(), draft, s.now().UTC().Truncate(time.Microsecond))
	details, err := jsoncodec.Marshal(order.Details)
	if err != nil {
		return orders.Order{}, fmt.Errorf("store: encoding details: %w", err)
	}
	var idempotencyKey *string
	if order.IdempotencyKey != "" {
		idempotencyKey = &order.IdempotencyKey
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO orders (id, user_id, restaurant_id, address_id, total_amount, details, status, idempotency_key, created_at, updated_at)
			VALUES ($1::uuid, $2, $3, $4, $5::numeric, $6::jsonb, $7, $8, $9, $10)`,
			order.ID, order.UserID, order.RestaurantID, order.AddressID, order.Total.StringFixed(2),
			string(details), string(order.Status), idempotencyKey, order.CreatedAt, order.UpdatedAt,
		); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for i, item := range order.Items {
			batch.Queue(`
				INSERT INTO order_items (order_id, position, menu_item_id, name, quantity, price_at_time)
				VALUES ($1::uuid, $2, $3, $4, $5, $6::numeric)`,
				order.ID, i, item.MenuItemID, item.Name, item.Quantity, item.UnitPrice.StringFixed(2))
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return orders.Order{}, fmt.Errorf("store: creating order: %w", err)
	}
	return order, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("store: deleting order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MenuItem(ctx context.Context, id string) (orders.MenuItem, error) {
	var (
		item  orders.MenuItem
		price string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, restaurant_id, name, price::text, is_available
		FROM menu_items WHERE id = $1`, id,
	).Scan(&item.ID, &item.RestaurantID, &item.Name, &price, &item.Available)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.MenuItem{}, ErrNotFound
	}
	if err != nil {
		return orders.MenuItem{}, fmt.Errorf("store: loading menu item %s: %w", id, err)
	}
	if item.Price, err = decimal.NewFromString(price); err != nil {
		return orders.MenuItem{}, fmt.Errorf("store: menu item %s has invalid price %q: %w", id, price, err)
	}
	return item, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (orders.Order, error) {
	var (
		order          orders.Order
		total, status  string
		details        []byte
		idempotencyKey *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, user_id, restaurant_id, address_id, total_amount::text, details::text, status,
		       idempotency_key, created_at, updated_at
		FROM orders WHERE id = $1::uuid`, id,
	).Scan(&order.ID, &order.UserID, &order.RestaurantID, &order.AddressID, &total, &details, &status,
		&idempotencyKey, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, ErrNotFound
	}
	if err != nil {
		return orders.Order{}, fmt.Errorf("store: loading order %s: %w", id, err)
	}
	if order.Total, err = decimal.NewFromString(total); err != nil {
		return orders.Order{}, fmt.Errorf("store: order %s has invalid total: %w", id, err)
	}
	if err := jsoncodec.Unmarshal(details, &order.Details); err != nil {
		return orders.Order{}, fmt.Errorf("store: order %s has invalid details: %w", id, err)
	}
	order.Status = orders.Status(status)
	if idempotencyKey != nil {
		order.IdempotencyKey = *idempotencyKey
	}

	rows, err := s.pool.Query(ctx, `
		SELECT menu_item_id, name, quantity, price_at_time::text
		FROM order_items WHERE order_id = $1::uuid ORDER BY position`, id)
	if err != nil {
		return orders.Order{}, fmt.Errorf("store: loading items of order %s: %w", id, err)
	}
	order.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (orders.LineItem, error) {
		var (
			item  orders.LineItem
			price string
		)
		if err := row.Scan(&item.MenuItemID, &item.Name, &item.Quantity, &price); err != nil {
			return item, err
		}
		var err error
		item.UnitPrice, err = decimal.NewFromString(price)
		return item, err
	})
	if err != nil {
		return orders.Order{}, fmt.Errorf("store: reading items of order %s: %w", id, err)
	}
	return order, nil
}
