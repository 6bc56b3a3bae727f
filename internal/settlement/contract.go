// Package settlement executes escrow settlement against the on-chain
// marketplace contract: recording deposits, paying out providers and
// refunding creators, with the contract as the source of truth for whether
// an order was settled.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainStatus is the settlement state the contract records per order key.
type ChainStatus uint8

const (
	// ChainNone means no settlement has been recorded.
	ChainNone ChainStatus = iota
	// ChainPaid means the provider payout landed.
	ChainPaid
	// ChainRefunded means the creator refund landed.
	ChainRefunded
)

func (s ChainStatus) String() string {
	switch s {
	case ChainNone:
		return "none"
	case ChainPaid:
		return "paid"
	case ChainRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Escrow contract ABI, minimal surface the engine calls.
const escrowABI = `[
	{"inputs":[{"name":"orderKey","type":"bytes32"},{"name":"creator","type":"address"},{"name":"amount","type":"uint256"}],"name":"recordEscrow","outputs":[],"type":"function"},
	{"inputs":[{"name":"orderKey","type":"bytes32"},{"name":"creator","type":"address"},{"name":"provider","type":"address"},{"name":"grossAmount","type":"uint256"},{"name":"netAmount","type":"uint256"},{"name":"feeAmount","type":"uint256"}],"name":"payout","outputs":[],"type":"function"},
	{"inputs":[{"name":"orderKey","type":"bytes32"},{"name":"creator","type":"address"},{"name":"amount","type":"uint256"}],"name":"refund","outputs":[],"type":"function"},
	{"inputs":[{"name":"orderKey","type":"bytes32"}],"name":"getStatus","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"inputs":[{"name":"orderKey","type":"bytes32"}],"name":"getSettlement","outputs":[{"name":"status","type":"uint8"},{"name":"creator","type":"address"},{"name":"provider","type":"address"},{"name":"grossAmount","type":"uint256"},{"name":"netAmount","type":"uint256"},{"name":"feeAmount","type":"uint256"}],"type":"function"},
	{"inputs":[{"name":"","type":"bytes32"}],"name":"escrowedAmounts","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second

	// DefaultConfirmationTimeout for waiting on settlement transactions.
	DefaultConfirmationTimeout = 90 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// Config for the contract client.
type Config struct {
	RPCURL         string
	PrivateKey     string // Hex string, 0x prefix optional
	ChainID        int64
	EscrowContract string
}

// ContractOption configures the contract client.
type ContractOption func(*Contract)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) ContractOption {
	return func(c *Contract) { c.client = client }
}

// Contract signs and sends settlement transactions against the escrow
// contract and reads its settlement records.
type Contract struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
}

// NewContract creates a new escrow contract client.
func NewContract(cfg Config, opts ...ContractOption) (*Contract, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, &ValidationError{Field: "private_key", Message: err.Error()}
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, &ValidationError{Field: "private_key", Message: "failed to derive public key"}
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	c := &Contract{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.EscrowContract),
		abi:        parsedABI,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return &ValidationError{Field: "rpc_url", Message: "required"}
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return &ValidationError{Field: "private_key", Message: "must be 64 hex characters"}
	}
	if cfg.ChainID == 0 {
		return &ValidationError{Field: "chain_id", Message: "required"}
	}
	if cfg.EscrowContract == "" {
		return &ValidationError{Field: "escrow_contract", Message: "required"}
	}
	return nil
}

// Address returns the settlement signer's address.
func (c *Contract) Address() string {
	return c.address.Hex()
}

// Close releases the RPC connection.
func (c *Contract) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Status reads the contract's settlement status for an order key.
func (c *Contract) Status(ctx context.Context, key common.Hash) (ChainStatus, error) {
	result, err := c.call(ctx, "getStatus", key)
	if err != nil {
		return ChainNone, err
	}
	if len(result) == 0 {
		return ChainNone, nil
	}
	return ChainStatus(result[len(result)-1]), nil
}

// EscrowedAmount reads the funds deposited for an order key.
func (c *Contract) EscrowedAmount(ctx context.Context, key common.Hash) (*big.Int, error) {
	result, err := c.call(ctx, "escrowedAmounts", key)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(result), nil
}

// SettlementRecord is the contract's per-order settlement entry.
type SettlementRecord struct {
	Status      ChainStatus
	Creator     common.Address
	Provider    common.Address
	GrossAmount *big.Int
	NetAmount   *big.Int
	FeeAmount   *big.Int
}

// GetSettlement reads the full settlement record for an order key.
func (c *Contract) GetSettlement(ctx context.Context, key common.Hash) (*SettlementRecord, error) {
	result, err := c.call(ctx, "getSettlement", key)
	if err != nil {
		return nil, err
	}

	values, err := c.abi.Unpack("getSettlement", result)
	if err != nil || len(values) != 6 {
		return nil, &ContractInteractionError{Op: "unpack getSettlement", Err: err}
	}

	status, _ := values[0].(uint8)
	creator, _ := values[1].(common.Address)
	provider, _ := values[2].(common.Address)
	gross, _ := values[3].(*big.Int)
	net, _ := values[4].(*big.Int)
	fee, _ := values[5].(*big.Int)
	return &SettlementRecord{
		Status:      ChainStatus(status),
		Creator:     creator,
		Provider:    provider,
		GrossAmount: gross,
		NetAmount:   net,
		FeeAmount:   fee,
	}, nil
}

// RecordEscrow records a verified deposit for the order on-chain.
func (c *Contract) RecordEscrow(ctx context.Context, key common.Hash, creator common.Address, amount *big.Int) (string, error) {
	return c.send(ctx, "recordEscrow", GasLimitRecordEscrow, key, creator, amount)
}

// Payout transfers the net amount to the provider and the fee to the
// marketplace treasury. The contract checks that creator matches the
// recorded escrow depositor before releasing funds.
func (c *Contract) Payout(ctx context.Context, key common.Hash, creator, provider common.Address, grossAmount, netAmount, feeAmount *big.Int) (string, error) {
	return c.send(ctx, "payout", GasLimitPayout, key, creator, provider, grossAmount, netAmount, feeAmount)
}

// Refund returns the full escrowed amount to the creator.
func (c *Contract) Refund(ctx context.Context, key common.Hash, creator common.Address, amount *big.Int) (string, error) {
	return c.send(ctx, "refund", GasLimitRefund, key, creator, amount)
}

// WaitForReceipt waits until the transaction is mined and has at least
// minConfirmations blocks on top of it. Confirmation count is
// latest - txBlock + 1, so a just-mined transaction has one confirmation.
func (c *Contract) WaitForReceipt(ctx context.Context, txHash string, minConfirmations uint64, timeout time.Duration) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return &ContractInteractionError{Op: "receipt", TxHash: txHash,
					Err: fmt.Errorf("transaction reverted")}
			}

			latest, err := c.client.BlockNumber(ctx)
			if err == nil && latest >= receipt.BlockNumber.Uint64() &&
				latest-receipt.BlockNumber.Uint64()+1 >= minConfirmations {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return &ContractInteractionError{Op: "confirm", TxHash: txHash, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (c *Contract) call(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, &ContractInteractionError{Op: "pack " + method, Err: err}
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, &ContractInteractionError{Op: method, Err: err}
	}
	return result, nil
}

func (c *Contract) send(ctx context.Context, method string, gasLimit uint64, args ...interface{}) (string, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return "", &ContractInteractionError{Op: "pack " + method, Err: err}
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", &ContractInteractionError{Op: "nonce", Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &ContractInteractionError{Op: "gas_price", Err: err}
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, bumpGasPrice(gasPrice), data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", &ContractInteractionError{Op: "sign", Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return "", &InsufficientBalanceError{Address: c.address.Hex(), Err: err}
		}
		return "", &ContractInteractionError{Op: method, TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return signedTx.Hash().Hex(), nil
}
