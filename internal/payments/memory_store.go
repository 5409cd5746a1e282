package payments

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment order store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(_ context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		// Only live orders hold the idempotency key; expired and failed
		// attempts may be superseded by a fresh order.
		if o.IdempotencyKey == order.IdempotencyKey && o.Status == OrderCreated {
			return ErrDuplicateOrder
		}
	}
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *Order
	for _, o := range m.orders {
		if o.IdempotencyKey != key {
			continue
		}
		if newest == nil || o.CreatedAt.After(newest.CreatedAt) {
			newest = o
		}
	}
	if newest == nil {
		return nil, ErrOrderNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *MemoryStore) GetByGatewayOrderID(_ context.Context, gatewayOrderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.GatewayOrderID == gatewayOrderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) ListStale(_ context.Context, olderThan time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stale []*Order
	for _, o := range m.orders {
		if o.Status == OrderCreated && o.CreatedAt.Before(olderThan) {
			cp := *o
			stale = append(stale, &cp)
			if len(stale) >= limit {
				break
			}
		}
	}
	return stale, nil
}

var _ Store = (*MemoryStore)(nil)
