// Package webhooks delivers order lifecycle events to external services.
//
// Creators and agents register webhook URLs and receive signed POST
// callbacks as their orders move through the lifecycle.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrSubscriptionNotFound is returned when no subscription matches the ID.
var ErrSubscriptionNotFound = errors.New("webhooks: subscription not found")

// EventType represents the type of webhook event
type EventType string

const (
	EventOrderCreated      EventType = "order.created"
	EventOrderPairing      EventType = "order.pairing"
	EventOrderInProgress   EventType = "order.in_progress"
	EventOrderDelivered    EventType = "order.delivered"
	EventOrderAccepted     EventType = "order.accepted"
	EventOrderAutoAccepted EventType = "order.auto_accepted"
	EventOrderDisputed     EventType = "order.disputed"
	EventOrderPaid         EventType = "order.paid"
	EventOrderRefunded     EventType = "order.refunded"
	EventOrderCompleted    EventType = "order.completed"
)

// KnownEventTypes lists every event type a subscription may select.
var KnownEventTypes = []EventType{
	EventOrderCreated, EventOrderPairing, EventOrderInProgress,
	EventOrderDelivered, EventOrderAccepted, EventOrderAutoAccepted,
	EventOrderDisputed, EventOrderPaid, EventOrderRefunded,
	EventOrderCompleted,
}

// IsKnownEventType reports whether s names a deliverable event type.
func IsKnownEventType(s string) bool {
	for _, et := range KnownEventTypes {
		if string(et) == s {
			return true
		}
	}
	return false
}

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	SubscriberAddr      string      `json:"subscriberAddr"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// maxConsecutiveFailures disables a subscription after this many failed
// deliveries in a row. Re-enabling requires recreating the subscription.
const maxConsecutiveFailures = 20

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetBySubscriber(ctx context.Context, subscriberAddr string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	urlValidator func(string) error
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		urlValidator: validateTargetURL,
	}
}

// validateTargetURL rejects delivery targets that point back into the
// platform's own network.
func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook URL host not allowed")
	}
	for _, blocked := range []string{"localhost", "metadata.google.internal"} {
		if strings.EqualFold(host, blocked) {
			return fmt.Errorf("webhook URL host not allowed")
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("webhook URL host not allowed")
		}
	}
	return nil
}

// DispatchTo sends an event to one subscriber's matching webhooks.
func (d *Dispatcher) DispatchTo(ctx context.Context, subscriberAddr string, event *Event) error {
	subs, err := d.store.GetBySubscriber(ctx, subscriberAddr)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == event.Type {
				// Send async to avoid blocking
				go d.send(ctx, sub, event)
				break
			}
		}
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordFailure(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskpay-Event", string(event.Type))
	req.Header.Set("X-Taskpay-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set("X-Taskpay-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, sub)
	} else {
		d.recordFailure(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
	_ = d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.SubscriberAddr = strings.ToLower(sub.SubscriberAddr)
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetBySubscriber(ctx context.Context, subscriberAddr string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr := strings.ToLower(subscriberAddr)
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.SubscriberAddr == addr {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}
