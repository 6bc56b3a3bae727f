package settlement

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/retry"
	"github.com/mbd888/taskpay/internal/syncutil"
	"github.com/mbd888/taskpay/internal/token"
	"github.com/mbd888/taskpay/internal/validation"
)

// ContractClient is the contract surface the service needs; *Contract
// implements it, tests substitute a mock.
type ContractClient interface {
	Status(ctx context.Context, key common.Hash) (ChainStatus, error)
	EscrowedAmount(ctx context.Context, key common.Hash) (*big.Int, error)
	RecordEscrow(ctx context.Context, key common.Hash, creator common.Address, amount *big.Int) (string, error)
	Payout(ctx context.Context, key common.Hash, creator, provider common.Address, grossAmount, netAmount, feeAmount *big.Int) (string, error)
	Refund(ctx context.Context, key common.Hash, creator common.Address, amount *big.Int) (string, error)
	WaitForReceipt(ctx context.Context, txHash string, minConfirmations uint64, timeout time.Duration) error
}

var _ ContractClient = (*Contract)(nil)

// Result reports a completed settlement operation.
type Result struct {
	OrderID     string      `json:"orderId"`
	TxHash      string      `json:"txHash,omitempty"`
	GrossAmount string      `json:"grossAmount"`
	NetAmount   string      `json:"netAmount,omitempty"`
	FeeAmount   string      `json:"feeAmount,omitempty"`
	Status      ChainStatus `json:"status"`
	// Reconciled is true when an earlier attempt had already landed and
	// this call only confirmed it against the chain.
	Reconciled bool `json:"reconciled,omitempty"`
}

// Service executes settlement operations with the on-chain record as the
// idempotency guard: an order settles at most once no matter how many
// process crashes or retries happen around it.
type Service struct {
	contract         ContractClient
	feeRate          float64
	minConfirmations uint64
	maxAttempts      int
	baseDelay        time.Duration
	waitTimeout      time.Duration
	logger           *slog.Logger

	// locks serializes in-process settlement attempts per order. The chain
	// status guard covers other processes; this closes the window between
	// the status read and the send inside one.
	locks *syncutil.ContextShardedMutex
}

// ServiceOption configures the settlement service.
type ServiceOption func(*Service)

// WithMinConfirmations overrides the confirmation depth settlements wait for.
func WithMinConfirmations(n uint64) ServiceOption {
	return func(s *Service) { s.minConfirmations = n }
}

// WithRetry overrides the send retry policy.
func WithRetry(maxAttempts int, baseDelay time.Duration) ServiceOption {
	return func(s *Service) {
		s.maxAttempts = maxAttempts
		s.baseDelay = baseDelay
	}
}

// NewService creates a settlement service. feeRate is the marketplace cut
// as a fraction, e.g. 0.15 for 15%.
func NewService(contract ContractClient, feeRate float64, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		contract:         contract,
		feeRate:          feeRate,
		minConfirmations: 1,
		maxAttempts:      3,
		baseDelay:        time.Second,
		waitTimeout:      DefaultConfirmationTimeout,
		logger:           logger,
		locks:            syncutil.NewContextShardedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExecuteRecordEscrow records a verified deposit on-chain. The chain must
// show no prior settlement and no prior escrow record for the order; a
// duplicate deposit is an idempotency violation, not a silent success.
func (s *Service) ExecuteRecordEscrow(ctx context.Context, orderID, creatorAddr, amount string) (*Result, error) {
	creator, gross, err := s.validate(orderID, creatorAddr, amount)
	if err != nil {
		return nil, err
	}
	key := OrderKey(orderID)

	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.guardUnsettled(ctx, orderID, key); err != nil {
		return nil, err
	}

	escrowed, err := s.contract.EscrowedAmount(ctx, key)
	if err != nil {
		return nil, err
	}
	if escrowed.Sign() > 0 {
		s.logger.Warn("duplicate escrow record rejected",
			"orderId", orderID, "escrowed", escrowed.String())
		return nil, &IdempotencyViolationError{OrderID: orderID, Status: ChainNone,
			Reason: "escrow already recorded"}
	}

	start := time.Now()
	var txHash string
	err = retry.Do(ctx, s.maxAttempts, s.baseDelay, func() error {
		var sendErr error
		txHash, sendErr = s.contract.RecordEscrow(ctx, key, creator, gross)
		if sendErr != nil && IsNonRetryable(sendErr) {
			return retry.Permanent(sendErr)
		}
		return sendErr
	})
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("record", "failed").Inc()
		return nil, err
	}

	if err := s.contract.WaitForReceipt(ctx, txHash, s.minConfirmations, s.waitTimeout); err != nil {
		metrics.SettlementsTotal.WithLabelValues("record", "failed").Inc()
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("record", "confirmed").Inc()
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("escrow recorded", "orderId", orderID, "txHash", txHash, "amount", amount)
	return &Result{OrderID: orderID, TxHash: txHash, GrossAmount: amount, Status: ChainNone}, nil
}

// ExecutePayout settles the order in the provider's favor: the net amount
// goes to the provider, the fee to the treasury. The chain must show no
// prior settlement for the order, and the contract checks the creator
// against the recorded depositor.
func (s *Service) ExecutePayout(ctx context.Context, orderID, creatorAddr, providerAddr, grossAmount string) (*Result, error) {
	provider, gross, err := s.validate(orderID, providerAddr, grossAmount)
	if err != nil {
		return nil, err
	}
	creator, err := parseAddress("creator", creatorAddr)
	if err != nil {
		return nil, err
	}
	key := OrderKey(orderID)

	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.guardUnsettled(ctx, orderID, key); err != nil {
		return nil, err
	}
	if err := s.guardEscrowed(ctx, key, gross); err != nil {
		return nil, err
	}

	net, fee, err := token.SplitFee(gross, s.feeRate)
	if err != nil {
		return nil, &ValidationError{Field: "fee_rate", Message: err.Error()}
	}

	result := &Result{
		OrderID:     orderID,
		GrossAmount: grossAmount,
		NetAmount:   net.String(),
		FeeAmount:   fee.String(),
		Status:      ChainPaid,
	}

	err = s.sendSettlement(ctx, "payout", orderID, key, ChainPaid, result, func() (string, error) {
		return s.contract.Payout(ctx, key, creator, provider, gross, net, fee)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExecuteRefund settles the order in the creator's favor, returning the
// full escrowed amount.
func (s *Service) ExecuteRefund(ctx context.Context, orderID, creatorAddr, amount string) (*Result, error) {
	creator, gross, err := s.validate(orderID, creatorAddr, amount)
	if err != nil {
		return nil, err
	}
	key := OrderKey(orderID)

	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.guardUnsettled(ctx, orderID, key); err != nil {
		return nil, err
	}
	if err := s.guardEscrowed(ctx, key, gross); err != nil {
		return nil, err
	}

	result := &Result{OrderID: orderID, GrossAmount: amount, Status: ChainRefunded}

	err = s.sendSettlement(ctx, "refund", orderID, key, ChainRefunded, result, func() (string, error) {
		return s.contract.Refund(ctx, key, creator, gross)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Status reads the on-chain settlement status for an order.
func (s *Service) Status(ctx context.Context, orderID string) (ChainStatus, error) {
	return s.contract.Status(ctx, OrderKey(orderID))
}

// sendSettlement sends a settlement transaction with retries and waits for
// confirmations. A revert telling us the order was already settled is
// resolved against the chain: if the recorded status matches the intent the
// call succeeds as a reconciliation, otherwise it is an idempotency
// violation and never retried.
func (s *Service) sendSettlement(ctx context.Context, kind, orderID string, key common.Hash, want ChainStatus, result *Result, send func() (string, error)) error {
	start := time.Now()
	var txHash string

	err := retry.Do(ctx, s.maxAttempts, s.baseDelay, func() error {
		var sendErr error
		txHash, sendErr = send()
		if sendErr == nil {
			return nil
		}

		if isAlreadySettledRevert(sendErr) {
			status, statusErr := s.contract.Status(ctx, key)
			if statusErr != nil {
				return statusErr
			}
			if status == want {
				result.Reconciled = true
				return nil
			}
			return retry.Permanent(&IdempotencyViolationError{OrderID: orderID, Status: status})
		}

		if IsNonRetryable(sendErr) {
			return retry.Permanent(sendErr)
		}
		return sendErr
	})
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(kind, "failed").Inc()
		return err
	}

	if result.Reconciled {
		metrics.SettlementsTotal.WithLabelValues(kind, "reconciled").Inc()
		s.logger.Info("settlement reconciled against chain",
			"orderId", orderID, "status", want.String())
		return nil
	}

	if err := s.contract.WaitForReceipt(ctx, txHash, s.minConfirmations, s.waitTimeout); err != nil {
		metrics.SettlementsTotal.WithLabelValues(kind, "failed").Inc()
		return err
	}

	metrics.SettlementsTotal.WithLabelValues(kind, "confirmed").Inc()
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	result.TxHash = txHash
	s.logger.Info("settlement confirmed",
		"orderId", orderID, "txHash", txHash, "status", want.String())
	return nil
}

// guardUnsettled enforces the settle-at-most-once invariant before any
// transaction is built.
func (s *Service) guardUnsettled(ctx context.Context, orderID string, key common.Hash) error {
	status, err := s.contract.Status(ctx, key)
	if err != nil {
		return err
	}
	if status != ChainNone {
		return &IdempotencyViolationError{OrderID: orderID, Status: status}
	}
	return nil
}

// guardEscrowed checks the deposit covers the amount being settled.
func (s *Service) guardEscrowed(ctx context.Context, key common.Hash, gross *big.Int) error {
	escrowed, err := s.contract.EscrowedAmount(ctx, key)
	if err != nil {
		return err
	}
	if escrowed.Cmp(gross) < 0 {
		return ErrNotEscrowed
	}
	return nil
}

// validate checks settlement inputs and normalizes the address to its
// checksummed form.
func (s *Service) validate(orderID, addr, amount string) (common.Address, *big.Int, error) {
	if orderID == "" {
		return common.Address{}, nil, &ValidationError{Field: "order_id", Message: "required"}
	}
	parsed, err := parseAddress("address", addr)
	if err != nil {
		return common.Address{}, nil, err
	}
	gross, err := token.ParseUnits(amount)
	if err != nil || gross.Sign() <= 0 {
		return common.Address{}, nil, &ValidationError{Field: "amount", Message: "must be a positive integer amount"}
	}
	return parsed, gross, nil
}

func parseAddress(field, addr string) (common.Address, error) {
	if !validation.IsValidEthAddress(addr) {
		return common.Address{}, &ValidationError{Field: field, Message: "must be a valid Ethereum address"}
	}
	return common.HexToAddress(validation.ChecksumAddress(addr)), nil
}

// IsNonRetryable reports whether err must not be retried: validation,
// idempotency and balance failures stay failed no matter how often they run.
func IsNonRetryable(err error) bool {
	var ve *ValidationError
	var ive *IdempotencyViolationError
	var ibe *InsufficientBalanceError
	return errors.As(err, &ve) || errors.As(err, &ive) || errors.As(err, &ibe)
}

func isAlreadySettledRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already settled")
}
