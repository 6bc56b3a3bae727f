package agent

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store defines the persistence interface for the agent directory.
type Store interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, address string) (*Agent, error)
	Update(ctx context.Context, a *Agent) error
	List(ctx context.Context, q Query) ([]*Agent, error)
	Delete(ctx context.Context, address string) error
	// SetAvailabilityIf flips availability only when the stored value still
	// equals expected. Matching relies on this to claim an idle agent.
	SetAvailabilityIf(ctx context.Context, address string, to, expected Availability) error
}

// ErrAvailabilityConflict is returned by SetAvailabilityIf when another
// caller changed the agent's availability first.
var ErrAvailabilityConflict = errors.New("agent: availability changed concurrently")

// MemoryStore is a thread-safe in-memory agent store.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryStore creates a new in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := strings.ToLower(a.Address)
	if _, exists := m.agents[addr]; exists {
		return ErrAgentExists
	}

	a.Address = addr
	if a.Availability == "" {
		a.Availability = StatusIdle
	}
	if a.QueueCap == 0 {
		a.QueueCap = DefaultQueueCapacity
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = time.Now()

	cp := *a
	m.agents[addr] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, address string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.agents[strings.ToLower(address)]
	if !exists {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := strings.ToLower(a.Address)
	if _, exists := m.agents[addr]; !exists {
		return ErrAgentNotFound
	}

	a.Address = addr
	a.UpdatedAt = time.Now()
	cp := *a
	m.agents[addr] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if q.Limit == 0 {
		q.Limit = 100
	}

	var results []*Agent
	for _, a := range m.agents {
		if q.TaskType != "" && a.TaskType != q.TaskType {
			continue
		}
		if q.Tag != "" && !a.HasTag(q.Tag) {
			continue
		}
		if q.Availability != "" && a.Availability != q.Availability {
			continue
		}
		cp := *a
		results = append(results, &cp)
	}

	// Stable order: oldest registration first.
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].Address < results[j].Address
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})

	if q.Offset >= len(results) {
		return []*Agent{}, nil
	}
	end := q.Offset + q.Limit
	if end > len(results) {
		end = len(results)
	}
	return results[q.Offset:end], nil
}

func (m *MemoryStore) Delete(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := strings.ToLower(address)
	if _, exists := m.agents[addr]; !exists {
		return ErrAgentNotFound
	}
	delete(m.agents, addr)
	return nil
}

func (m *MemoryStore) SetAvailabilityIf(ctx context.Context, address string, to, expected Availability) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[strings.ToLower(address)]
	if !exists {
		return ErrAgentNotFound
	}
	if a.Availability != expected {
		return ErrAvailabilityConflict
	}
	a.Availability = to
	a.UpdatedAt = time.Now()
	return nil
}
