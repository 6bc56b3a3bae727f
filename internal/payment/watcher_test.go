package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogClient struct {
	block uint64
	logs  []types.Log
}

func (m *mockLogClient) BlockNumber(ctx context.Context) (uint64, error) {
	return m.block, nil
}

func (m *mockLogClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return m.logs, nil
}

type recordingHandler struct {
	calls []string
	err   error
}

func (h *recordingHandler) HandleDeposit(ctx context.Context, from, amount, txHash string) error {
	h.calls = append(h.calls, from+"/"+amount+"/"+txHash)
	return h.err
}

func depositLog(txHash string, amount int64) types.Log {
	return types.Log{
		Address: common.HexToAddress(tokenAddr),
		TxHash:  common.HexToHash(txHash),
		Topics: []common.Hash{
			transferEventSig,
			common.BytesToHash(common.HexToAddress(senderAddr).Bytes()),
			common.BytesToHash(common.HexToAddress(escrowAddr).Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
	}
}

func newTestWatcher(t *testing.T, client LogClient, handler DepositHandler) *Watcher {
	t.Helper()
	cfg := DefaultWatcherConfig()
	cfg.TokenContract = common.HexToAddress(tokenAddr)
	cfg.EscrowAddress = common.HexToAddress(escrowAddr)
	cfg.StartBlock = 1

	w, err := NewWatcher(cfg, handler, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithLogClient(client))
	require.NoError(t, err)
	w.lastBlock = cfg.StartBlock
	return w
}

func TestWatcherHandlesDeposit(t *testing.T) {
	client := &mockLogClient{block: 10, logs: []types.Log{depositLog("0x01", 1_000_000)}}
	handler := &recordingHandler{}
	w := newTestWatcher(t, client, handler)

	require.NoError(t, w.checkForDeposits(context.Background()))

	require.Len(t, handler.calls, 1)
	assert.Contains(t, handler.calls[0], senderAddr)
	assert.Contains(t, handler.calls[0], "1000000")
}

func TestWatcherDeduplicates(t *testing.T) {
	client := &mockLogClient{block: 10, logs: []types.Log{depositLog("0x01", 1_000_000)}}
	handler := &recordingHandler{}
	w := newTestWatcher(t, client, handler)

	require.NoError(t, w.checkForDeposits(context.Background()))
	// Same log surfaces again on the next poll window.
	w.lastBlock = 1
	require.NoError(t, w.checkForDeposits(context.Background()))

	assert.Len(t, handler.calls, 1)
}

func TestWatcherRetriesFailedHandler(t *testing.T) {
	client := &mockLogClient{block: 10, logs: []types.Log{depositLog("0x01", 1_000_000)}}
	handler := &recordingHandler{err: errors.New("db down")}
	w := newTestWatcher(t, client, handler)

	require.NoError(t, w.checkForDeposits(context.Background()))
	require.Len(t, handler.calls, 1)

	// Handler recovers; the unmarked transaction is retried.
	handler.err = nil
	w.lastBlock = 1
	require.NoError(t, w.checkForDeposits(context.Background()))
	assert.Len(t, handler.calls, 2)
}

func TestWatcherSkipsWhenNoNewBlocks(t *testing.T) {
	client := &mockLogClient{block: 1}
	handler := &recordingHandler{}
	w := newTestWatcher(t, client, handler)

	require.NoError(t, w.checkForDeposits(context.Background()))
	assert.Empty(t, handler.calls)
}
