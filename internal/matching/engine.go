package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/taskpay/internal/agent"
	"github.com/mbd888/taskpay/internal/idgen"
	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/order"
	"github.com/mbd888/taskpay/internal/syncutil"
	"github.com/mbd888/taskpay/internal/token"
)

// DefaultPairingTTL is how long a pairing offer waits for the agent before
// the order rolls back to standby.
const DefaultPairingTTL = 24 * time.Hour

// Engine matches funded orders with provider agents.
//
// An idle agent is claimed immediately and the order moves toward
// in_progress. A busy agent accepts queued work up to its queue capacity;
// queued orders stay in standby until the agent frees up.
type Engine struct {
	orders     *order.Service
	agents     agent.Store
	queue      QueueStore
	logger     *slog.Logger
	pairingTTL time.Duration

	// queueLocks serializes the capacity check and insert per agent.
	queueLocks syncutil.ShardedMutex
}

// Option configures the engine.
type Option func(*Engine)

// WithPairingTTL overrides the pairing offer timeout.
func WithPairingTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.pairingTTL = ttl }
}

// NewEngine creates a matching engine.
func NewEngine(orders *order.Service, agents agent.Store, queue QueueStore, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		orders:     orders,
		agents:     agents,
		queue:      queue,
		logger:     logger,
		pairingTTL: DefaultPairingTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AutoMatch selects an agent for the order by task type, tag and price
// range. The order passes through executing while candidates are evaluated;
// a claimed idle agent gets a pairing offer with the TTL clock started, and
// the order goes back to standby when it was queued or no agent fit.
func (e *Engine) AutoMatch(ctx context.Context, orderID string, req MatchRequest) (*MatchResult, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	gross, err := token.ParseUnits(o.GrossAmount)
	if err != nil {
		return nil, order.ErrInvalidAmount
	}

	if _, err := e.orders.Transition(ctx, orderID, order.StatusExecuting, nil); err != nil {
		return nil, err
	}

	idle, err := e.agents.List(ctx, agent.Query{
		TaskType:     req.TaskType,
		Tag:          req.Tag,
		Availability: agent.StatusIdle,
	})
	if err != nil {
		return nil, e.rollbackAfter(ctx, orderID, order.StatusExecuting, err)
	}

	for _, a := range idle {
		if !priceInRange(gross, a) {
			continue
		}
		// Claim races with other matchers; losing just means the next
		// candidate gets tried.
		if err := e.agents.SetAvailabilityIf(ctx, a.Address, agent.StatusBusy, agent.StatusIdle); err != nil {
			if errors.Is(err, agent.ErrAvailabilityConflict) {
				continue
			}
			return nil, e.rollbackAfter(ctx, orderID, order.StatusExecuting, err)
		}

		// The candidate pass is over; pairing starts from standby, same as
		// a manual match.
		if err := e.rollback(ctx, orderID, order.StatusExecuting); err != nil {
			e.releaseClaim(ctx, a.Address)
			return nil, err
		}
		if _, err := e.pair(ctx, orderID, a.Address); err != nil {
			e.releaseClaim(ctx, a.Address)
			return nil, err
		}

		metrics.MatchesTotal.WithLabelValues("matched").Inc()
		e.logger.Info("order paired with idle agent",
			"orderId", orderID, "agent", a.Address)
		return &MatchResult{Matched: true, AgentAddress: a.Address}, nil
	}

	// No idle agent. Queue behind the busy candidate with the shortest
	// queue that still has room.
	result, err := e.enqueueBest(ctx, orderID, o.TaskID, gross, req)
	if rbErr := e.rollback(ctx, orderID, order.StatusExecuting); rbErr != nil {
		return nil, rbErr
	}
	return result, err
}

// ManualMatch pairs the order with a specific agent. An idle agent gets a
// direct pairing offer with a TTL; a busy agent queues the order.
func (e *Engine) ManualMatch(ctx context.Context, orderID, agentAddr string) (*MatchResult, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	gross, err := token.ParseUnits(o.GrossAmount)
	if err != nil {
		return nil, order.ErrInvalidAmount
	}

	a, err := e.agents.Get(ctx, agentAddr)
	if err != nil {
		return nil, err
	}
	if !priceInRange(gross, a) {
		metrics.MatchesTotal.WithLabelValues("none").Inc()
		return nil, ErrNoAgentAvailable
	}

	if a.Availability == agent.StatusIdle {
		if err := e.agents.SetAvailabilityIf(ctx, a.Address, agent.StatusBusy, agent.StatusIdle); err != nil {
			if !errors.Is(err, agent.ErrAvailabilityConflict) {
				return nil, err
			}
			// Lost the claim; fall through to queueing.
		} else {
			if _, err := e.pair(ctx, orderID, a.Address); err != nil {
				e.releaseClaim(ctx, a.Address)
				return nil, err
			}
			metrics.MatchesTotal.WithLabelValues("matched").Inc()
			e.logger.Info("order paired with agent",
				"orderId", orderID, "agent", a.Address)
			return &MatchResult{Matched: true, AgentAddress: a.Address}, nil
		}
	}

	return e.enqueue(ctx, orderID, o.TaskID, a.Address)
}

// pair moves a standby order into pairing with the TTL clock started.
func (e *Engine) pair(ctx context.Context, orderID, agentAddr string) (*order.Order, error) {
	return e.orders.Transition(ctx, orderID, order.StatusPairing, func(o *order.Order) {
		now := time.Now()
		o.PairingCreatedAt = &now
		o.AgentID = agentAddr
		o.ProviderID = agentAddr
	})
}

// ConfirmPairing records the agent taking up the work. Valid from both the
// direct pairing flow and the selecting flow.
func (e *Engine) ConfirmPairing(ctx context.Context, orderID string) (*order.Order, error) {
	return e.orders.Transition(ctx, orderID, order.StatusInProgress, func(o *order.Order) {
		o.PairingCreatedAt = nil
	})
}

// DeclinePairing returns a pending pairing or selection to standby and
// frees the agent.
func (e *Engine) DeclinePairing(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	agentAddr := o.AgentID

	o, err = e.orders.Transition(ctx, orderID, order.StatusStandby, func(o *order.Order) {
		o.PairingCreatedAt = nil
		o.AgentID = ""
		o.ProviderID = ""
	})
	if err != nil {
		return nil, err
	}

	if agentAddr != "" {
		if err := e.ReleaseAgent(ctx, agentAddr); err != nil {
			e.logger.Warn("failed to release agent after decline",
				"agent", agentAddr, "error", err)
		}
	}
	return o, nil
}

// CancelQueued withdraws a queued order from its agent's queue. Only items
// still in the queued state can be canceled.
func (e *Engine) CancelQueued(ctx context.Context, itemID string) error {
	item, err := e.queue.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if err := e.queue.SetStatusIf(ctx, itemID, ItemCanceled, ItemQueued); err != nil {
		return err
	}
	metrics.QueueDepth.Dec()

	// If that was the agent's last queued item, drop queueing back to busy.
	count, err := e.queue.CountQueued(ctx, item.AgentAddress)
	if err == nil && count == 0 {
		_ = e.agents.SetAvailabilityIf(ctx, item.AgentAddress, agent.StatusBusy, agent.StatusQueueing)
	}

	e.logger.Info("queue item canceled", "itemId", itemID, "orderId", item.OrderID)
	return nil
}

// Position returns the 1-indexed place of a queued item in its agent's
// queue. Earlier cancellations shift later items forward.
func (e *Engine) Position(ctx context.Context, itemID string) (int, error) {
	item, err := e.queue.Get(ctx, itemID)
	if err != nil {
		return 0, err
	}
	if item.Status != ItemQueued {
		return 0, ErrNotQueued
	}

	queued, err := e.queue.ListQueued(ctx, item.AgentAddress)
	if err != nil {
		return 0, err
	}
	for i, q := range queued {
		if q.ID == item.ID {
			return i + 1, nil
		}
	}
	return 0, ErrNotQueued
}

// ReleaseAgent is called when an agent finishes (or declines) its current
// order. The head of the queue, if any, is promoted into a pairing offer;
// otherwise the agent goes idle.
func (e *Engine) ReleaseAgent(ctx context.Context, agentAddr string) error {
	queued, err := e.queue.ListQueued(ctx, agentAddr)
	if err != nil {
		return err
	}

	for _, head := range queued {
		if err := e.queue.SetStatusIf(ctx, head.ID, ItemConsumed, ItemQueued); err != nil {
			// Raced with a cancellation; try the next item.
			continue
		}
		metrics.QueueDepth.Dec()

		if _, err := e.pair(ctx, head.OrderID, agentAddr); err != nil {
			e.logger.Warn("failed to pair promoted order",
				"orderId", head.OrderID, "agent", agentAddr, "error", err)
			continue
		}

		remaining, err := e.queue.CountQueued(ctx, agentAddr)
		if err == nil && remaining == 0 {
			_ = e.agents.SetAvailabilityIf(ctx, agentAddr, agent.StatusBusy, agent.StatusQueueing)
		}

		e.logger.Info("promoted queued order",
			"orderId", head.OrderID, "agent", agentAddr)
		return nil
	}

	return e.releaseClaim(ctx, agentAddr)
}

// enqueueBest queues the order behind the best busy candidate.
func (e *Engine) enqueueBest(ctx context.Context, orderID, taskID string, gross *big.Int, req MatchRequest) (*MatchResult, error) {
	var best *agent.Agent
	bestCount := 0

	for _, availability := range []agent.Availability{agent.StatusBusy, agent.StatusQueueing} {
		candidates, err := e.agents.List(ctx, agent.Query{
			TaskType:     req.TaskType,
			Tag:          req.Tag,
			Availability: availability,
		})
		if err != nil {
			return nil, err
		}
		for _, a := range candidates {
			if !priceInRange(gross, a) {
				continue
			}
			count, err := e.queue.CountQueued(ctx, a.Address)
			if err != nil {
				return nil, err
			}
			if count >= a.QueueCap {
				continue
			}
			if best == nil || count < bestCount {
				best = a
				bestCount = count
			}
		}
	}

	if best == nil {
		metrics.MatchesTotal.WithLabelValues("none").Inc()
		return nil, ErrNoAgentAvailable
	}
	return e.enqueue(ctx, orderID, taskID, best.Address)
}

// enqueue appends the order to the agent's queue, enforcing capacity.
func (e *Engine) enqueue(ctx context.Context, orderID, taskID, agentAddr string) (*MatchResult, error) {
	a, err := e.agents.Get(ctx, agentAddr)
	if err != nil {
		return nil, err
	}

	unlock := e.queueLocks.Lock(agentAddr)
	defer unlock()

	count, err := e.queue.CountQueued(ctx, agentAddr)
	if err != nil {
		return nil, err
	}
	if count >= a.QueueCap {
		return nil, ErrQueueFull
	}

	item := &QueueItem{
		ID:           idgen.WithPrefix("q_"),
		OrderID:      orderID,
		TaskID:       taskID,
		AgentAddress: agentAddr,
	}
	if err := e.queue.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	metrics.MatchesTotal.WithLabelValues("queued").Inc()
	metrics.QueueDepth.Inc()

	if a.Availability == agent.StatusBusy {
		_ = e.agents.SetAvailabilityIf(ctx, agentAddr, agent.StatusQueueing, agent.StatusBusy)
	}

	pos, err := e.Position(ctx, item.ID)
	if err != nil {
		pos = count + 1
	}

	e.logger.Info("order queued",
		"orderId", orderID, "agent", agentAddr, "position", pos)
	return &MatchResult{Queued: true, AgentAddress: agentAddr, QueueItem: item, Position: pos}, nil
}

// rollback returns an order from a transient matching state to standby.
func (e *Engine) rollback(ctx context.Context, orderID string, from order.Status) error {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != from {
		return nil
	}
	_, err = e.orders.Transition(ctx, orderID, order.StatusStandby, func(o *order.Order) {
		o.PairingCreatedAt = nil
	})
	return err
}

func (e *Engine) rollbackAfter(ctx context.Context, orderID string, from order.Status, cause error) error {
	if err := e.rollback(ctx, orderID, from); err != nil {
		return fmt.Errorf("rollback after matching failure: %w", err)
	}
	return cause
}

// releaseClaim sets a busy or queueing agent back to idle.
func (e *Engine) releaseClaim(ctx context.Context, agentAddr string) error {
	if err := e.agents.SetAvailabilityIf(ctx, agentAddr, agent.StatusIdle, agent.StatusBusy); err == nil {
		return nil
	}
	return e.agents.SetAvailabilityIf(ctx, agentAddr, agent.StatusIdle, agent.StatusQueueing)
}

// priceInRange reports whether the order's gross amount falls inside the
// agent's advertised price band.
func priceInRange(gross *big.Int, a *agent.Agent) bool {
	min, err := token.ParseUnits(a.MinPrice)
	if err != nil {
		return false
	}
	max, err := token.ParseUnits(a.MaxPrice)
	if err != nil {
		return false
	}
	return gross.Cmp(min) >= 0 && gross.Cmp(max) <= 0
}
