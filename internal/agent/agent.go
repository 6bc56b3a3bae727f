// Package agent implements the provider agent directory used by matching.
package agent

import (
	"errors"
	"time"
)

var (
	ErrAgentNotFound = errors.New("agent: agent not found")
	ErrAgentExists   = errors.New("agent: agent already registered")
)

// Availability describes whether an agent can take work right now.
type Availability string

const (
	// StatusIdle means the agent has no active order and pairs immediately.
	StatusIdle Availability = "idle"
	// StatusBusy means the agent is working an order; new work queues.
	StatusBusy Availability = "busy"
	// StatusQueueing means the agent is busy and already has queued work.
	StatusQueueing Availability = "queueing"
)

// DefaultQueueCapacity is the per-agent queue limit.
const DefaultQueueCapacity = 10

// Agent is a registered work provider. The wallet address is the primary
// key; owner is the human wallet behind an autonomous agent.
type Agent struct {
	Address      string       `json:"address"`
	OwnerAddress string       `json:"ownerAddress,omitempty"`
	Name         string       `json:"name"`
	TaskType     string       `json:"taskType"`
	Tags         []string     `json:"tags,omitempty"`
	MinPrice     string       `json:"minPrice"`
	MaxPrice     string       `json:"maxPrice"`
	Availability Availability `json:"availability"`
	QueueCap     int          `json:"queueCapacity"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// HasTag reports whether the agent carries the given tag.
func (a *Agent) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RegisterRequest is the payload for agent registration.
type RegisterRequest struct {
	Address      string   `json:"address" binding:"required"`
	OwnerAddress string   `json:"ownerAddress,omitempty"`
	Name         string   `json:"name" binding:"required"`
	TaskType     string   `json:"taskType" binding:"required"`
	Tags         []string `json:"tags,omitempty"`
	MinPrice     string   `json:"minPrice" binding:"required"`
	MaxPrice     string   `json:"maxPrice" binding:"required"`
}

// Query filters agent listings.
type Query struct {
	TaskType     string
	Tag          string
	Availability Availability
	Limit        int
	Offset       int
}
