package payment

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DepositHandler reacts to verified deposits into the escrow address.
// The funding pipeline records the escrow on-chain and opens the order.
type DepositHandler interface {
	HandleDeposit(ctx context.Context, from, amount, txHash string) error
}

// LogClient is the chain surface the watcher polls.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// WatcherConfig for the deposit watcher.
type WatcherConfig struct {
	RPCURL        string
	TokenContract common.Address
	EscrowAddress common.Address
	PollInterval  time.Duration
	StartBlock    uint64 // 0 = latest
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// Watcher polls for token transfers into the escrow deposit address and
// hands each one to the funding pipeline exactly once per process.
type Watcher struct {
	client  LogClient
	config  WatcherConfig
	handler DepositHandler
	logger  *slog.Logger

	// processed tracks handled transactions; a failed handler run is
	// unmarked so the next poll retries it.
	processed map[string]bool
	mu        sync.Mutex

	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithLogClient sets a custom chain client (useful for testing).
func WithLogClient(client LogClient) WatcherOption {
	return func(w *Watcher) { w.client = client }
}

// NewWatcher creates a deposit watcher.
func NewWatcher(cfg WatcherConfig, handler DepositHandler, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		config:    cfg,
		handler:   handler,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RPC: %w", err)
		}
		w.client = client
	}
	return w, nil
}

// Start begins watching for deposits.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("deposit watcher started",
		"escrow", w.config.EscrowAddress.Hex(),
		"token", w.config.TokenContract.Hex(),
		"startBlock", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForDeposits(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForDeposits(ctx context.Context) error {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	if currentBlock <= w.lastBlock {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{w.config.TokenContract},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // any sender
			{common.BytesToHash(w.config.EscrowAddress.Bytes())},
		},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processTransfer(ctx, vLog); err != nil {
			w.logger.Error("failed to process deposit", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	w.mu.Lock()
	if w.processed[txHash] {
		w.mu.Unlock()
		return nil
	}
	w.processed[txHash] = true
	w.mu.Unlock()

	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, txHash)
			w.mu.Unlock()
		}
	}()

	if len(vLog.Topics) < 3 {
		return fmt.Errorf("invalid transfer event")
	}

	from := strings.ToLower(common.HexToAddress(vLog.Topics[1].Hex()).Hex())
	amount := new(big.Int).SetBytes(vLog.Data)

	if err := w.handler.HandleDeposit(ctx, from, amount.String(), txHash); err != nil {
		return fmt.Errorf("failed to handle deposit: %w", err)
	}

	w.logger.Info("deposit handled",
		"from", from,
		"amount", amount.String(),
		"tx", txHash,
	)

	succeeded = true
	return nil
}
