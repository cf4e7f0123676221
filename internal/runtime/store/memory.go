package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	idspkg "github.com/defood/orderflow/internal/runtime/ids"
	"github.com/defood/orderflow/internal/runtime/orders"
)

// MemoryStore keeps orders and menu items in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]orders.Order
	menu   map[string]orders.MenuItem
	now    func() time.Time
}

var _ OrderStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]orders.Order),
		menu:   make(map[string]orders.MenuItem),
		now:    time.Now,
	}
}

// PutMenuItem adds or replaces a catalogue entry.
func (s *MemoryStore) PutMenuItem(item orders.MenuItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.menu[item.ID] = item
}

// SetPrice changes the current price of a menu item.
func (s *MemoryStore) SetPrice(id string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.menu[id]
	if !ok {
		return ErrNotFound
	}
	item.Price = price
	s.menu[id] = item
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, draft orders.Draft) (orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return orders.Order{}, err
	}
	order := orders.FromDraft(idspkg.NewOrderID(), draft, s.now().UTC())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order.Clone()
	return order, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return ErrNotFound
	}
	delete(s.orders, id)
	return nil
}

func (s *MemoryStore) MenuItem(_ context.Context, id string) (orders.MenuItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.menu[id]
	if !ok {
		return orders.MenuItem{}, ErrNotFound
	}
	return item, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return orders.Order{}, ErrNotFound
	}
	return order.Clone(), nil
}

// Orders returns every stored order, oldest first.
func (s *MemoryStore) Orders() []orders.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orders.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
