package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/taskpay/internal/order"
	"github.com/mbd888/taskpay/internal/settlement"
)

// ErrOrderNotFundable is returned when funding is attempted on an order
// that already left standby.
var ErrOrderNotFundable = errors.New("payment: order is not awaiting funding")

// VerificationFailedError carries the diagnostic outcome of a failed
// payment check.
type VerificationFailedError struct {
	Verification *Verification
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("payment: verification failed: %s", e.Verification.Reason)
}

// EscrowRecorder records verified deposits on-chain.
type EscrowRecorder interface {
	ExecuteRecordEscrow(ctx context.Context, orderID, creatorAddr, amount string) (*settlement.Result, error)
}

// FundResult reports a completed funding: the payment check and the
// escrow record it produced.
type FundResult struct {
	Verification *Verification      `json:"verification"`
	Settlement   *settlement.Result `json:"settlement"`
}

// FundingService verifies a creator's deposit transaction and records the
// escrow on-chain. The chain's escrow record, not the database, is what
// makes an order funded.
type FundingService struct {
	verifier   *Verifier
	recorder   EscrowRecorder
	orders     *order.Service
	escrowAddr string
	logger     *slog.Logger
}

// NewFundingService creates a funding service. escrowAddr is the deposit
// address creators pay into.
func NewFundingService(verifier *Verifier, recorder EscrowRecorder, orders *order.Service, escrowAddr string, logger *slog.Logger) *FundingService {
	return &FundingService{
		verifier:   verifier,
		recorder:   recorder,
		orders:     orders,
		escrowAddr: escrowAddr,
		logger:     logger,
	}
}

// Fund verifies that txHash pays the order's gross amount from its creator
// into the escrow address, then records the escrow on-chain.
func (f *FundingService) Fund(ctx context.Context, orderID, txHash string) (*FundResult, error) {
	o, err := f.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusStandby {
		return nil, ErrOrderNotFundable
	}

	verification, err := f.verifier.VerifyPayment(ctx, VerifyRequest{
		TxHash: txHash,
		From:   o.CreatorID,
		To:     f.escrowAddr,
		Amount: o.GrossAmount,
	})
	if err != nil {
		return nil, err
	}
	if !verification.Verified {
		return nil, &VerificationFailedError{Verification: verification}
	}

	result, err := f.recorder.ExecuteRecordEscrow(ctx, orderID, o.CreatorID, o.GrossAmount)
	if err != nil {
		return nil, err
	}

	f.logger.Info("order funded",
		"orderId", orderID, "txHash", txHash, "amount", o.GrossAmount)
	return &FundResult{Verification: verification, Settlement: result}, nil
}

// HandleDeposit funds the standby order matching an observed escrow
// deposit by creator address and amount. Deposits that match no pending
// order are logged and dropped. Terminal funding failures (a duplicate
// record, a failed verification) return nil so the watcher does not
// redeliver them; only transient errors propagate for retry.
func (f *FundingService) HandleDeposit(ctx context.Context, from, amount, txHash string) error {
	pending, err := f.orders.ListByStatus(ctx, order.StatusStandby, 100)
	if err != nil {
		return err
	}

	for _, o := range pending {
		if !strings.EqualFold(o.CreatorID, from) || o.GrossAmount != amount {
			continue
		}

		_, err := f.Fund(ctx, o.ID, txHash)
		if err == nil {
			return nil
		}

		var violation *settlement.IdempotencyViolationError
		if errors.As(err, &violation) {
			f.logger.Info("deposit already recorded for order",
				"orderId", o.ID, "tx", txHash)
			return nil
		}
		var failed *VerificationFailedError
		if errors.As(err, &failed) {
			f.logger.Warn("deposit failed verification against order",
				"orderId", o.ID, "tx", txHash, "reason", failed.Verification.Reason)
			return nil
		}
		return err
	}

	f.logger.Info("deposit matches no pending order",
		"from", from, "amount", amount, "tx", txHash)
	return nil
}
