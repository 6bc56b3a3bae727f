package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/token"
)

// ErrAlreadySettled is returned by a Settler when the on-chain record shows
// the order was settled by an earlier attempt. The financial effect already
// happened; callers reconcile state instead of failing.
var ErrAlreadySettled = errors.New("order already settled on-chain")

// Settler executes on-chain settlement. The order package stays decoupled
// from the contract client; the server wires in the settlement service.
//
// Creator and provider IDs are wallet addresses throughout the engine.
type Settler interface {
	Payout(ctx context.Context, orderID, creatorAddr, providerAddr, grossAmount string) (txHash, netAmount, feeAmount string, err error)
	Refund(ctx context.Context, orderID, creatorAddr, amount string) (txHash string, err error)
}

// EventEmitter broadcasts order lifecycle events to realtime subscribers.
type EventEmitter interface {
	EmitOrderEvent(event string, o *Order)
}

// CreateRequest contains the parameters for creating a funded order.
type CreateRequest struct {
	TaskID      string `json:"taskId" binding:"required"`
	CreatorID   string `json:"creatorId" binding:"required"`
	GrossAmount string `json:"grossAmount" binding:"required"`
}

// Service implements order lifecycle business logic. All status changes go
// through transition(), which validates the edge against the state machine
// and applies it with a conditional store write.
type Service struct {
	store   Store
	settler Settler
	events  EventEmitter
}

// NewService creates a new order service.
func NewService(store Store, settler Settler) *Service {
	return &Service{store: store, settler: settler}
}

// WithEvents adds a lifecycle event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// Create records a newly funded order in standby.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	amount, err := token.ParseUnits(req.GrossAmount)
	if err != nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now()
	o := &Order{
		ID:          NewID(),
		TaskID:      req.TaskID,
		CreatorID:   req.CreatorID,
		Status:      StatusStandby,
		GrossAmount: amount.String(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create order record: %w", err)
	}

	s.emit("order_created", o)
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// Transition moves an order along a validated edge. The write is
// conditional on the status observed in this call, so a concurrent caller
// racing on the same order gets ErrStatusConflict instead of silently
// overwriting.
func (s *Service) Transition(ctx context.Context, id string, to Status, mutate func(*Order)) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := o.Status
	if err := AssertTransition(from, to); err != nil {
		return nil, err
	}

	o.Status = to
	o.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(o)
	}

	if err := s.store.UpdateIf(ctx, o, from); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			metrics.TransitionConflictsTotal.Inc()
		}
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.emit("order_"+string(to), o)
	return o, nil
}

// ListByStatus returns orders in the given status, newest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int, opts ...ListOption) ([]*Order, error) {
	return s.store.ListByStatus(ctx, status, limit, opts...)
}

// Deliver marks an in-progress order as delivered by the agent.
func (s *Service) Deliver(ctx context.Context, id string) (*Order, error) {
	return s.Transition(ctx, id, StatusDelivered, func(o *Order) {
		now := time.Now()
		o.DeliveredAt = &now
	})
}

// Accept records creator acceptance and settles the payout. A transient
// settlement failure leaves the order in accepted; calling Accept again
// resumes settlement from where it stopped.
func (s *Service) Accept(ctx context.Context, id, providerAddr string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusAccepted && o.Status != StatusPaid {
		o, err = s.Transition(ctx, id, StatusAccepted, func(o *Order) {
			now := time.Now()
			o.AcceptedAt = &now
			if providerAddr != "" {
				o.ProviderID = providerAddr
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return s.settlePayout(ctx, o)
}

// AutoAccept records acceptance-by-timeout and settles the payout. Like
// Accept, a repeat call after a settlement failure resumes settlement.
func (s *Service) AutoAccept(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusAutoAccepted && o.Status != StatusPaid {
		o, err = s.Transition(ctx, id, StatusAutoAccepted, func(o *Order) {
			now := time.Now()
			o.AutoAcceptedAt = &now
		})
		if err != nil {
			return nil, err
		}
	}
	return s.settlePayout(ctx, o)
}

// RequestRefund opens a refund request from in_progress or delivered.
func (s *Service) RequestRefund(ctx context.Context, id, reason string) (*Order, error) {
	return s.Transition(ctx, id, StatusRefundRequested, func(o *Order) {
		o.RefundRequestReason = reason
	})
}

// RequestCancel opens a cancel request from in_progress or delivered.
func (s *Service) RequestCancel(ctx context.Context, id, reason string) (*Order, error) {
	return s.Transition(ctx, id, StatusCancelRequested, func(o *Order) {
		o.CancelRequestReason = reason
	})
}

// ApproveRefund settles the refund for an open refund/cancel request and
// completes the order.
func (s *Service) ApproveRefund(ctx context.Context, id string) (*Order, error) {
	return s.settleRefund(ctx, id)
}

// Dispute escalates an open refund/cancel request to a dispute.
func (s *Service) Dispute(ctx context.Context, id string) (*Order, error) {
	return s.Transition(ctx, id, StatusDisputed, nil)
}

// WithdrawDispute returns a disputed order to delivered or in_progress.
func (s *Service) WithdrawDispute(ctx context.Context, id string, backTo Status) (*Order, error) {
	if backTo != StatusDelivered && backTo != StatusInProgress {
		return nil, &InvalidTransitionError{From: StatusDisputed, To: backTo}
	}
	return s.Transition(ctx, id, backTo, nil)
}

// Escalate hands a dispute to admin arbitration.
func (s *Service) Escalate(ctx context.Context, id string) (*Order, error) {
	return s.Transition(ctx, id, StatusAdminArbitrating, nil)
}

// ArbitratePayout resolves arbitration in the provider's favor. It settles
// through the same payout path as normal acceptance.
func (s *Service) ArbitratePayout(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusAdminArbitrating && o.Status != StatusPaid {
		return nil, &InvalidTransitionError{From: o.Status, To: StatusPaid}
	}
	return s.settlePayout(ctx, o)
}

// ArbitrateRefund resolves arbitration in the creator's favor.
func (s *Service) ArbitrateRefund(ctx context.Context, id string) (*Order, error) {
	return s.settleRefund(ctx, id)
}

// settlePayout executes the on-chain payout and advances the order to paid
// then completed. An ErrAlreadySettled from the settler means a previous
// attempt landed; the order record is advanced all the same. An order
// already in paid skips straight to completion, so a crashed earlier run
// can be re-driven to the terminal state.
func (s *Service) settlePayout(ctx context.Context, o *Order) (*Order, error) {
	if o.Status != StatusPaid {
		txHash, netAmount, feeAmount, err := s.settler.Payout(ctx, o.ID, o.CreatorID, o.ProviderID, o.GrossAmount)
		if err != nil && !errors.Is(err, ErrAlreadySettled) {
			return nil, fmt.Errorf("payout settlement failed: %w", err)
		}

		o, err = s.Transition(ctx, o.ID, StatusPaid, func(o *Order) {
			now := time.Now()
			o.PaidAt = &now
			if txHash != "" {
				o.LastPayTxHash = txHash
			}
			if netAmount != "" {
				o.NetAmount = netAmount
				o.FeeAmount = feeAmount
			}
		})
		if err != nil {
			return nil, err
		}
	}

	return s.Transition(ctx, o.ID, StatusCompleted, func(o *Order) {
		now := time.Now()
		o.CompletedAt = &now
	})
}

// settleRefund executes the on-chain refund and advances the order to
// refunded then completed. An order already in refunded skips the settler
// call and is re-driven to completion.
func (s *Service) settleRefund(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if o.Status != StatusRefunded {
		if err := AssertTransition(o.Status, StatusRefunded); err != nil {
			return nil, err
		}

		txHash, err := s.settler.Refund(ctx, o.ID, o.CreatorID, o.GrossAmount)
		if err != nil && !errors.Is(err, ErrAlreadySettled) {
			return nil, fmt.Errorf("refund settlement failed: %w", err)
		}

		o, err = s.Transition(ctx, o.ID, StatusRefunded, func(o *Order) {
			if txHash != "" {
				o.LastPayTxHash = txHash
			}
		})
		if err != nil {
			return nil, err
		}
	}

	return s.Transition(ctx, o.ID, StatusCompleted, func(o *Order) {
		now := time.Now()
		o.CompletedAt = &now
	})
}

func (s *Service) emit(event string, o *Order) {
	if s.events != nil {
		s.events.EmitOrderEvent(event, o)
	}
}
