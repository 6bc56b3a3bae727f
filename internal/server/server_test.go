package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskpay/internal/config"
	"github.com/mbd888/taskpay/internal/settlement"
)

const (
	testCreator  = "0x1111111111111111111111111111111111111111"
	testProvider = "0x2222222222222222222222222222222222222222"
	testAdmin    = "test-admin-secret"
)

// fakeContract settles everything instantly and tracks per-order chain state.
type fakeContract struct {
	statuses map[common.Hash]settlement.ChainStatus
	escrowed map[common.Hash]*big.Int
	txSeq    int
}

func newFakeContract() *fakeContract {
	return &fakeContract{
		statuses: make(map[common.Hash]settlement.ChainStatus),
		escrowed: make(map[common.Hash]*big.Int),
	}
}

func (f *fakeContract) Status(ctx context.Context, key common.Hash) (settlement.ChainStatus, error) {
	return f.statuses[key], nil
}

func (f *fakeContract) EscrowedAmount(ctx context.Context, key common.Hash) (*big.Int, error) {
	if amt, ok := f.escrowed[key]; ok {
		return amt, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeContract) RecordEscrow(ctx context.Context, key common.Hash, creator common.Address, amount *big.Int) (string, error) {
	f.escrowed[key] = new(big.Int).Set(amount)
	return f.nextTx(), nil
}

func (f *fakeContract) Payout(ctx context.Context, key common.Hash, creator, provider common.Address, grossAmount, netAmount, feeAmount *big.Int) (string, error) {
	f.statuses[key] = settlement.ChainPaid
	return f.nextTx(), nil
}

func (f *fakeContract) Refund(ctx context.Context, key common.Hash, creator common.Address, amount *big.Int) (string, error) {
	f.statuses[key] = settlement.ChainRefunded
	return f.nextTx(), nil
}

func (f *fakeContract) WaitForReceipt(ctx context.Context, txHash string, minConfirmations uint64, timeout time.Duration) error {
	return nil
}

func (f *fakeContract) nextTx() string {
	f.txSeq++
	return fmt.Sprintf("0xtx%04d", f.txSeq)
}

// fakeReceiptClient serves a canned receipt for any transaction hash.
type fakeReceiptClient struct {
	receipt *types.Receipt
	latest  uint64
}

func (f *fakeReceiptClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, fmt.Errorf("not found")
	}
	return f.receipt, nil
}

func (f *fakeReceiptClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.latest, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		RPCURL:           "http://localhost:8545",
		ChainID:          84532,
		PrivateKey:       strings.Repeat("11", 32),
		EscrowContract:   "0x3333333333333333333333333333333333333333",
		EscrowAddress:    "0x4444444444444444444444444444444444444444",
		TokenContract:    "0x5555555555555555555555555555555555555555",
		FeeRate:             0.15,
		MinConfirmations:    1,
		SettleMaxRetries:    3,
		PairingTTLHours:     24,
		ScanIntervalMinutes: 10,
		QueueMaxN:           10,
		AdminSecret:         testAdmin,
		RateLimitRPS:        1000,
	}
}

func newTestServer(t *testing.T) *Server {
	srv, _ := newTestServerWithContract(t)
	return srv
}

func newTestServerWithContract(t *testing.T) (*Server, *fakeContract) {
	t.Helper()
	fc := newFakeContract()
	srv, err := New(testConfig(),
		WithContractClient(fc),
		WithReceiptClient(&fakeReceiptClient{latest: 100}),
	)
	require.NoError(t, err)
	return srv, fc
}

func doJSON(t *testing.T, srv *Server, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	var parsed map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &parsed)
	}
	return w, parsed
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w, body := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	w, _ = doJSON(t, srv, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run() marks it
	w, _ = doJSON(t, srv, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPlatformInfo(t *testing.T) {
	srv := newTestServer(t)

	w, body := doJSON(t, srv, http.MethodGet, "/v1/platform", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	platform := body["platform"].(map[string]interface{})
	assert.Equal(t, "TaskPay", platform["name"])
	assert.Equal(t, "0x4444444444444444444444444444444444444444", platform["escrowAddress"])
}

func TestCreateAndGetOrder(t *testing.T) {
	srv := newTestServer(t)

	w, body := doJSON(t, srv, http.MethodPost, "/v1/orders",
		fmt.Sprintf(`{"taskId":"task-1","creatorId":"%s","grossAmount":"1000000"}`, testCreator), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	created := body["order"].(map[string]interface{})
	orderID := created["id"].(string)
	assert.Equal(t, "standby", created["status"])

	w, body = doJSON(t, srv, http.MethodGet, "/v1/orders/"+orderID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, orderID, body["order"].(map[string]interface{})["id"])
}

func TestCreateOrderRejectsBadAmount(t *testing.T) {
	srv := newTestServer(t)

	w, body := doJSON(t, srv, http.MethodPost, "/v1/orders",
		fmt.Sprintf(`{"taskId":"task-1","creatorId":"%s","grossAmount":"-5"}`, testCreator), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, body["error"])
}

func TestFullAcceptanceFlowOverHTTP(t *testing.T) {
	srv, fc := newTestServerWithContract(t)

	// Register an agent
	w, _ := doJSON(t, srv, http.MethodPost, "/v1/agents",
		fmt.Sprintf(`{"address":"%s","ownerAddress":"%s","name":"worker","taskType":"translation","minPrice":"100000","maxPrice":"10000000"}`,
			testProvider, testProvider), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Create an order in range
	w, body := doJSON(t, srv, http.MethodPost, "/v1/orders",
		fmt.Sprintf(`{"taskId":"task-1","creatorId":"%s","grossAmount":"5000000"}`, testCreator), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	orderID := body["order"].(map[string]interface{})["id"].(string)

	// Escrow deposit recorded on the fake chain; payouts require it.
	fc.escrowed[settlement.OrderKey(orderID)] = big.NewInt(5_000_000)

	// Auto-match pairs the idle agent
	w, body = doJSON(t, srv, http.MethodPost, "/v1/orders/"+orderID+"/match",
		`{"taskType":"translation"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := body["result"].(map[string]interface{})
	assert.Equal(t, true, result["matched"])

	// pairing -> in_progress
	w, _ = doJSON(t, srv, http.MethodPost, "/v1/orders/"+orderID+"/pairing/confirm", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// deliver then accept (settles via the fake contract)
	w, _ = doJSON(t, srv, http.MethodPost, "/v1/orders/"+orderID+"/deliver", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, body = doJSON(t, srv, http.MethodPost, "/v1/orders/"+orderID+"/accept",
		fmt.Sprintf(`{"providerId":"%s"}`, testProvider), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	final := body["order"].(map[string]interface{})
	assert.Equal(t, "completed", final["status"])
	assert.Equal(t, "4250000", final["netAmount"])
	assert.Equal(t, "750000", final["feeAmount"])
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	srv := newTestServer(t)

	w, body := doJSON(t, srv, http.MethodPost, "/v1/admin/orders/ord_x/arbitrate/payout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", body["error"])

	// Right secret but missing order: auth passes, handler 404s
	w, _ = doJSON(t, srv, http.MethodPost, "/v1/admin/orders/ord_x/arbitrate/payout", "",
		map[string]string{"X-Admin-Secret": testAdmin})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvalidTransitionOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	w, body := doJSON(t, srv, http.MethodPost, "/v1/orders",
		fmt.Sprintf(`{"taskId":"task-1","creatorId":"%s","grossAmount":"1000000"}`, testCreator), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	orderID := body["order"].(map[string]interface{})["id"].(string)

	// standby -> delivered is not a legal edge
	w, body = doJSON(t, srv, http.MethodPost, "/v1/orders/"+orderID+"/deliver", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", body["error"])
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)

	w, _ := doJSON(t, srv, http.MethodGet, "/health/live", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, _ = doJSON(t, srv, http.MethodGet, "/health/live", "",
		map[string]string{"X-Request-ID": "fixed-id"})
	assert.Equal(t, "fixed-id", w.Header().Get("X-Request-ID"))
}
