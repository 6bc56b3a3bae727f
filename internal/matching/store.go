package matching

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// QueueStore persists per-agent FIFO queues.
//
// Position is derived, never stored: an item's place is its rank among the
// agent's queued items ordered by creation time, so cancelling an earlier
// item moves everything behind it up without any rewrite.
type QueueStore interface {
	Enqueue(ctx context.Context, item *QueueItem) error
	Get(ctx context.Context, id string) (*QueueItem, error)
	GetByOrder(ctx context.Context, orderID string) (*QueueItem, error)
	// ListQueued returns the agent's queued items in FIFO order.
	ListQueued(ctx context.Context, agentAddress string) ([]*QueueItem, error)
	CountQueued(ctx context.Context, agentAddress string) (int, error)
	// SetStatusIf moves an item only when its stored status still equals
	// expected, returning ErrNotQueued otherwise. Moving to consumed or
	// canceled stamps the matching timestamp.
	SetStatusIf(ctx context.Context, id string, to, expected ItemStatus) error
}

// fifoLess orders queued items by creation time, breaking exact-timestamp
// ties by item ID so the order is total.
func fifoLess(a, b *QueueItem) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// MemoryQueueStore is a thread-safe in-memory queue store.
type MemoryQueueStore struct {
	mu    sync.RWMutex
	items map[string]*QueueItem
}

// NewMemoryQueueStore creates a new in-memory queue store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{items: make(map[string]*QueueItem)}
}

var _ QueueStore = (*MemoryQueueStore)(nil)

func (m *MemoryQueueStore) Enqueue(ctx context.Context, item *QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item.AgentAddress = strings.ToLower(item.AgentAddress)
	item.Status = ItemQueued
	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now

	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *MemoryQueueStore) Get(ctx context.Context, id string) (*QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *MemoryQueueStore) GetByOrder(ctx context.Context, orderID string) (*QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, item := range m.items {
		if item.OrderID == orderID && item.Status == ItemQueued {
			cp := *item
			return &cp, nil
		}
	}
	return nil, ErrItemNotFound
}

func (m *MemoryQueueStore) ListQueued(ctx context.Context, agentAddress string) ([]*QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := strings.ToLower(agentAddress)
	var result []*QueueItem
	for _, item := range m.items {
		if item.AgentAddress == addr && item.Status == ItemQueued {
			cp := *item
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return fifoLess(result[i], result[j]) })
	return result, nil
}

func (m *MemoryQueueStore) CountQueued(ctx context.Context, agentAddress string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := strings.ToLower(agentAddress)
	count := 0
	for _, item := range m.items {
		if item.AgentAddress == addr && item.Status == ItemQueued {
			count++
		}
	}
	return count, nil
}

func (m *MemoryQueueStore) SetStatusIf(ctx context.Context, id string, to, expected ItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != expected {
		return ErrNotQueued
	}
	now := time.Now()
	item.Status = to
	item.UpdatedAt = now
	switch to {
	case ItemConsumed:
		item.ConsumedAt = &now
	case ItemCanceled:
		item.CanceledAt = &now
	}
	return nil
}
