// Package payment verifies on-chain token payments and watches for
// escrow deposits funding new orders.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/taskpay/internal/circuitbreaker"
	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/token"
	"github.com/mbd888/taskpay/internal/validation"
)

// transferEventSig is the ERC20 Transfer event signature.
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// ErrRPCUnavailable is returned while the RPC circuit is open after repeated
// upstream failures.
var ErrRPCUnavailable = errors.New("payment: rpc unavailable")

// rpcBreakerKey is the single circuit key; the verifier talks to one RPC
// endpoint.
const rpcBreakerKey = "rpc"

// ReceiptClient is the chain surface verification needs.
type ReceiptClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// VerifyRequest identifies the exact payment being claimed.
type VerifyRequest struct {
	TxHash string `json:"txHash" binding:"required"`
	From   string `json:"from" binding:"required"`
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// Verification is the outcome of checking a claimed payment. The boolean
// fields stay populated on failure so a caller can tell a missing receipt
// from a wrong recipient without re-running the check.
type Verification struct {
	Verified      bool   `json:"verified"`
	TxHash        string `json:"txHash"`
	ReceiptFound  bool   `json:"receiptFound"`
	TxSucceeded   bool   `json:"txSucceeded"`
	Confirmations uint64 `json:"confirmations"`
	TransferFound bool   `json:"transferFound"`
	// ObservedAmount is the value of the first token Transfer seen in the
	// receipt, whether or not it matched the claim. It lets a caller tell
	// "wrong amount" apart from "no transfer at all".
	ObservedAmount string `json:"observedAmount,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Verifier checks claimed payments against transaction receipts.
type Verifier struct {
	client           ReceiptClient
	tokenContract    common.Address
	minConfirmations uint64
	breaker          *circuitbreaker.Breaker
}

// VerifierOption configures the verifier.
type VerifierOption func(*Verifier)

// WithReceiptClient sets a custom chain client (useful for testing).
func WithReceiptClient(client ReceiptClient) VerifierOption {
	return func(v *Verifier) { v.client = client }
}

// NewVerifier creates a payment verifier for the given token contract.
func NewVerifier(rpcURL, tokenContract string, minConfirmations uint64, opts ...VerifierOption) (*Verifier, error) {
	v := &Verifier{
		tokenContract:    common.HexToAddress(tokenContract),
		minConfirmations: minConfirmations,
		breaker:          circuitbreaker.New(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(v)
	}

	if v.client == nil {
		client, err := ethclient.Dial(rpcURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RPC: %w", err)
		}
		v.client = client
	}
	return v, nil
}

// VerifyPayment checks that the transaction carries a token Transfer with
// exactly the claimed sender, recipient and amount, mined with enough
// confirmations. Anything less is a failed verification, never a partial
// pass.
func (v *Verifier) VerifyPayment(ctx context.Context, req VerifyRequest) (result *Verification, err error) {
	defer func() {
		if result != nil {
			outcome := "failed"
			if result.Verified {
				outcome = "verified"
			}
			metrics.PaymentVerificationsTotal.WithLabelValues(outcome).Inc()
		}
	}()
	result = &Verification{TxHash: req.TxHash}

	if !validation.IsValidEthAddress(req.From) || !validation.IsValidEthAddress(req.To) {
		result.Reason = "malformed sender or recipient address"
		return result, nil
	}
	amount, err := token.ParseUnits(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		result.Reason = "malformed amount"
		return result, nil
	}

	if !v.breaker.Allow(rpcBreakerKey) {
		return nil, ErrRPCUnavailable
	}

	receipt, err := v.client.TransactionReceipt(ctx, common.HexToHash(req.TxHash))
	if err != nil || receipt == nil {
		// A missing receipt is a chain answer, not an RPC fault.
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			v.breaker.RecordFailure(rpcBreakerKey)
		} else {
			v.breaker.RecordSuccess(rpcBreakerKey)
		}
		result.Reason = "transaction receipt not found"
		return result, nil
	}
	result.ReceiptFound = true

	if receipt.Status == types.ReceiptStatusFailed {
		result.Reason = "transaction reverted"
		return result, nil
	}
	result.TxSucceeded = true

	latest, err := v.client.BlockNumber(ctx)
	if err != nil {
		v.breaker.RecordFailure(rpcBreakerKey)
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	v.breaker.RecordSuccess(rpcBreakerKey)
	if latest >= receipt.BlockNumber.Uint64() {
		result.Confirmations = latest - receipt.BlockNumber.Uint64() + 1
	}
	if result.Confirmations < v.minConfirmations {
		result.Reason = fmt.Sprintf("only %d of %d required confirmations",
			result.Confirmations, v.minConfirmations)
		return result, nil
	}

	matched, observed := v.matchTransfer(receipt, req.From, req.To, amount)
	if observed != nil {
		result.ObservedAmount = observed.String()
	}
	if !matched {
		result.Reason = "no matching token transfer in transaction"
		return result, nil
	}
	result.TransferFound = true
	result.Verified = true
	return result, nil
}

// ChainHead returns the latest block number. Health checks use this to
// probe RPC connectivity.
func (v *Verifier) ChainHead(ctx context.Context) (uint64, error) {
	if !v.breaker.Allow(rpcBreakerKey) {
		return 0, ErrRPCUnavailable
	}
	head, err := v.client.BlockNumber(ctx)
	if err != nil {
		v.breaker.RecordFailure(rpcBreakerKey)
		return 0, err
	}
	v.breaker.RecordSuccess(rpcBreakerKey)
	return head, nil
}

// matchTransfer scans the receipt's logs for a Transfer event at the token
// contract with exactly the claimed from, to and value. The second return
// is the first transfer amount observed at the token contract, nil if none.
func (v *Verifier) matchTransfer(receipt *types.Receipt, from, to string, amount *big.Int) (bool, *big.Int) {
	wantFrom := common.HexToAddress(from)
	wantTo := common.HexToAddress(to)

	var observed *big.Int
	for _, vLog := range receipt.Logs {
		if vLog.Address != v.tokenContract {
			continue
		}
		if len(vLog.Topics) < 3 || vLog.Topics[0] != transferEventSig {
			continue
		}

		logFrom := common.HexToAddress(vLog.Topics[1].Hex())
		logTo := common.HexToAddress(vLog.Topics[2].Hex())
		logAmount := new(big.Int).SetBytes(vLog.Data)
		if observed == nil {
			observed = logAmount
		}

		if strings.EqualFold(logFrom.Hex(), wantFrom.Hex()) &&
			strings.EqualFold(logTo.Hex(), wantTo.Hex()) &&
			logAmount.Cmp(amount) == 0 {
			return true, observed
		}
	}
	return false, observed
}
