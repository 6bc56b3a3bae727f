// Package order owns the task order lifecycle.
//
// An order is the off-chain record of one escrowed task. Its status only
// ever changes through state-machine-validated transitions, and every
// transition is written with a conditional update so that two concurrent
// callers cannot both win the same edge.
package order

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrStatusConflict means the order moved to a different status between
	// the caller's read and its conditional write. The caller lost the race
	// and must re-read before deciding anything.
	ErrStatusConflict = errors.New("order status changed concurrently")
	ErrInvalidAmount  = errors.New("invalid order amount")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusStandby          Status = "standby"           // Funded, waiting for a match
	StatusExecuting        Status = "executing"         // Auto-match running
	StatusSelecting        Status = "selecting"         // Creator choosing among candidates
	StatusPairing          Status = "pairing"           // Tentative match awaiting confirmation
	StatusInProgress       Status = "in_progress"       // Agent working
	StatusDelivered        Status = "delivered"         // Result delivered, awaiting acceptance
	StatusAccepted         Status = "accepted"          // Creator accepted
	StatusAutoAccepted     Status = "auto_accepted"     // Acceptance window elapsed
	StatusRefundRequested  Status = "refund_requested"  // Creator asked for a refund
	StatusCancelRequested  Status = "cancel_requested"  // Creator asked to cancel
	StatusDisputed         Status = "disputed"          // Counterparty rejected the request
	StatusAdminArbitrating Status = "admin_arbitrating" // Escalated to platform admin
	StatusPaid             Status = "paid"              // On-chain payout settled
	StatusRefunded         Status = "refunded"          // On-chain refund settled
	StatusCompleted        Status = "completed"         // Terminal
)

// Order is the off-chain record of one escrowed task. Amounts are integer
// minor units serialized as decimal strings; grossAmount = netAmount +
// feeAmount holds exactly once settlement amounts are computed.
type Order struct {
	ID         string `json:"id"`
	TaskID     string `json:"taskId"`
	CreatorID  string `json:"creatorId"`
	ProviderID string `json:"providerId,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	Status     Status `json:"status"`

	GrossAmount string `json:"grossAmount"`
	NetAmount   string `json:"netAmount,omitempty"`
	FeeAmount   string `json:"feeAmount,omitempty"`

	PairingCreatedAt *time.Time `json:"pairingCreatedAt,omitempty"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
	AcceptedAt       *time.Time `json:"acceptedAt,omitempty"`
	AutoAcceptedAt   *time.Time `json:"autoAcceptedAt,omitempty"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`

	RefundRequestReason string `json:"refundRequestReason,omitempty"`
	CancelRequestReason string `json:"cancelRequestReason,omitempty"`
	LastPayTxHash       string `json:"lastPayTxHash,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the order can never change status again.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusCompleted
}

// NewID returns a fresh order UUID. The on-chain order key is derived from
// this value, so it must be globally unique.
func NewID() string {
	return uuid.NewString()
}
