package settlement

import (
	"errors"
	"fmt"
)

var (
	ErrRPCConnection = errors.New("settlement: RPC connection failed")
	ErrNotEscrowed   = errors.New("settlement: no escrowed funds for order")
)

// ValidationError reports bad settlement inputs. Never retryable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("settlement: invalid %s: %s", e.Field, e.Message)
}

// IdempotencyViolationError reports an attempt to repeat an on-chain
// operation that already happened: settling an order whose record shows a
// settlement, or recording escrow twice. The money moved exactly once; the
// caller reconciles instead of retrying.
type IdempotencyViolationError struct {
	OrderID string
	Status  ChainStatus
	// Reason overrides the default message for violations that are not a
	// plain settled-status clash, such as a duplicate escrow record.
	Reason string
}

func (e *IdempotencyViolationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("settlement: order %s: %s", e.OrderID, e.Reason)
	}
	return fmt.Sprintf("settlement: order %s already settled on-chain (status %s)", e.OrderID, e.Status)
}

// InsufficientBalanceError reports that the settlement signer cannot cover
// the transaction cost. Retrying without a top-up cannot succeed.
type InsufficientBalanceError struct {
	Address string
	Err     error
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("settlement: signer %s has insufficient funds: %v", e.Address, e.Err)
}

func (e *InsufficientBalanceError) Unwrap() error { return e.Err }

// ContractInteractionError wraps RPC and contract failures with the
// operation that failed. Retryable unless the contract reverted.
type ContractInteractionError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *ContractInteractionError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("settlement: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("settlement: %s failed: %v", e.Op, e.Err)
}

func (e *ContractInteractionError) Unwrap() error { return e.Err }
