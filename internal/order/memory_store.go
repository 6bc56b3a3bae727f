package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, o *Order, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if stored.Status != expected {
		return ErrStatusConflict
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int, opts ...ListOption) ([]*Order, error) {
	lo := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Order
	for _, o := range m.orders {
		if o.Status != status {
			continue
		}
		if c := lo.cursor; c != nil {
			// Keyset: strictly older than the cursor position.
			if o.CreatedAt.After(c.CreatedAt) {
				continue
			}
			if o.CreatedAt.Equal(c.CreatedAt) && o.ID >= c.ID {
				continue
			}
		}
		cp := *o
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) ListWaitingSince(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var result []*Order
	for _, o := range m.orders {
		if !wanted[o.Status] {
			continue
		}
		since := o.UpdatedAt
		if o.Status == StatusPairing && o.PairingCreatedAt != nil {
			since = *o.PairingCreatedAt
		}
		if since.Before(before) {
			cp := *o
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
