package debugapi

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/coordinator"
	"github.com/dfarchon/darkforest-mud-sub002/eth"
	"github.com/dfarchon/darkforest-mud-sub002/taskqueue"
	"github.com/dfarchon/darkforest-mud-sub002/test"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testABI = `[{"type":"function","name":"move","stateMutability":"nonpayable",
"inputs":[{"name":"from","type":"uint256"},{"name":"to","type":"uint256"}],"outputs":[]}]`

type response struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func doRequest(t *testing.T, handler http.Handler, method, path string) (int, response) {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var res response
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec.Code, res
}

func TestDebugAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	account := ethCommon.HexToAddress("0x6BB84Cc84D4A34467aD12a2039A312f7029e2071")
	client := test.NewClient(true, test.TimerNow{}, &account, test.NewClientSetupExample())
	contract, err := eth.NewContract("core",
		ethCommon.HexToAddress("0x500cf53555c09948f4345594F9523E7B444cD67E"), testABI)
	require.NoError(t, err)

	release := make(chan struct{})
	hooks := coordinator.TxHooks{
		BeforeTransaction: func(ctx context.Context, tx *coordinator.Transaction) error {
			if tx.ID != 1 {
				return nil
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	holder := coordinator.NewDiagnosticsHolder()
	queue := taskqueue.Config{
		MaxInvocationsPerInterval: 100,
		InvocationInterval:        time.Second,
		MaxConcurrency:            1,
	}
	c, err := coordinator.NewCoordinator(coordinator.Config{
		Calls: coordinator.CallGatewayConfig{Queue: queue},
		Txs:   coordinator.TxManagerConfig{Queue: queue},
	}, client, nil, hooks, holder)
	require.NoError(t, err)
	defer c.Stop()

	api := NewDebugAPI(Config{
		Coordinator: c,
		Diagnostics: holder,
		SessionID:   "session",
	}).Handler()

	var txs []*coordinator.Transaction
	for i := int64(0); i < 3; i++ {
		tx, err := c.Submit(&coordinator.TxIntent{
			Contract:   contract,
			MethodName: "move",
			Args:       coordinator.StaticArgs(big.NewInt(i), big.NewInt(i+1)),
		}, nil)
		require.NoError(t, err)
		txs = append(txs, tx)
	}
	require.Eventually(t, func() bool {
		return txs[0].State() == coordinator.TxStateProcessing
	}, 2*time.Second, 5*time.Millisecond)

	code, res := doRequest(t, api, "GET", "/debug/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", res.Message)

	code, res = doRequest(t, api, "GET", "/debug/transactions")
	require.Equal(t, http.StatusOK, code)
	var pending []pendingTx
	require.NoError(t, json.Unmarshal(res.Data, &pending))
	require.Len(t, pending, 2)
	assert.Equal(t, txs[1].ID, pending[0].ID)
	assert.Equal(t, "core", pending[0].Contract)

	code, _ = doRequest(t, api, "POST", fmt.Sprintf("/debug/transactions/%d/prioritize", txs[2].ID))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, coordinator.TxStatePrioritized, txs[2].State())

	code, _ = doRequest(t, api, "POST", fmt.Sprintf("/debug/transactions/%d/cancel", txs[1].ID))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, coordinator.TxStateCancel, txs[1].State())

	code, res = doRequest(t, api, "POST", fmt.Sprintf("/debug/transactions/%d/cancel", txs[1].ID))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, coordinator.ErrTxNotQueued.Error(), res.Error)

	code, _ = doRequest(t, api, "POST", "/debug/transactions/first/cancel")
	assert.Equal(t, http.StatusBadRequest, code)

	code, res = doRequest(t, api, "GET", "/debug/diagnostics")
	require.Equal(t, http.StatusOK, code)
	var diagnostics coordinator.Diagnostics
	require.NoError(t, json.Unmarshal(res.Data, &diagnostics))
	assert.Equal(t, int64(3), diagnostics.TotalTransactions)
	assert.Equal(t, int64(1), diagnostics.TransactionsInQueue)

	code, _ = doRequest(t, api, "GET", "/debug/transactions/history")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = doRequest(t, api, "GET", "/debug/unknown")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = doRequest(t, api, "GET", "/metrics")
	assert.Equal(t, http.StatusOK, code)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = txs[0].Confirmed().Wait(ctx)
	require.NoError(t, err)
	_, err = txs[2].Confirmed().Wait(ctx)
	require.NoError(t, err)

	code, res = doRequest(t, api, "GET", "/debug/nonce")
	require.Equal(t, http.StatusOK, code)
	var nonce struct {
		Cached bool   `json:"cached"`
		Nonce  uint64 `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &nonce))
	assert.True(t, nonce.Cached)
	assert.Equal(t, uint64(2), nonce.Nonce)
}

func TestDebugAPIRun(t *testing.T) {
	gin.SetMode(gin.TestMode)
	account := ethCommon.HexToAddress("0x6BB84Cc84D4A34467aD12a2039A312f7029e2071")
	client := test.NewClient(true, test.TimerNow{}, &account, test.NewClientSetupExample())
	c, err := coordinator.NewCoordinator(coordinator.Config{}, client, nil,
		coordinator.TxHooks{}, nil)
	require.NoError(t, err)
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- NewDebugAPI(Config{
			Addr:        "127.0.0.1:0",
			Coordinator: c,
			Diagnostics: coordinator.NewDiagnosticsHolder(),
		}).Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("DebugAPI didn't stop")
	}
}
