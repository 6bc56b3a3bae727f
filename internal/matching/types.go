// Package matching pairs funded orders with provider agents, queueing work
// for busy agents and rolling back pairings that time out.
package matching

import (
	"errors"
	"time"
)

var (
	ErrItemNotFound     = errors.New("matching: queue item not found")
	ErrQueueFull        = errors.New("matching: agent queue is full")
	ErrNotQueued        = errors.New("matching: item is no longer queued")
	ErrNoAgentAvailable = errors.New("matching: no agent available for criteria")
)

// ItemStatus is the lifecycle of a queue item.
type ItemStatus string

const (
	// ItemQueued means the order waits in an agent's queue.
	ItemQueued ItemStatus = "queued"
	// ItemConsumed means the item was handed to the agent for pairing.
	ItemConsumed ItemStatus = "consumed"
	// ItemCanceled means the creator withdrew the order from the queue.
	ItemCanceled ItemStatus = "canceled"
)

// QueueItem is one order waiting in a specific agent's FIFO queue.
type QueueItem struct {
	ID           string     `json:"id"`
	OrderID      string     `json:"orderId"`
	TaskID       string     `json:"taskId"`
	AgentAddress string     `json:"agentAddress"`
	Status       ItemStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ConsumedAt   *time.Time `json:"consumedAt,omitempty"`
	CanceledAt   *time.Time `json:"canceledAt,omitempty"`
}

// MatchRequest carries auto-match criteria for an order.
type MatchRequest struct {
	TaskType string `json:"taskType" binding:"required"`
	Tag      string `json:"tag,omitempty"`
}

// MatchResult reports how an order was matched.
type MatchResult struct {
	Matched      bool       `json:"matched"`
	Queued       bool       `json:"queued"`
	AgentAddress string     `json:"agentAddress,omitempty"`
	QueueItem    *QueueItem `json:"queueItem,omitempty"`
	// Position is the 1-indexed place among queued items when Queued.
	Position int `json:"position,omitempty"`
}
