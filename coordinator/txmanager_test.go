package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/etherscan"
	"github.com/dfarchon/darkforest-mud-sub002/taskqueue"
	"github.com/dfarchon/darkforest-mud-sub002/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestTxManager(t *testing.T, client *test.Client, cfg TxManagerConfig,
	hooks TxHooks) *TxManager {
	if cfg.Queue.MaxConcurrency == 0 {
		cfg.Queue = wideQueue(3)
	}
	tm, err := NewTxManager(cfg, client, nil, hooks, nil)
	require.NoError(t, err)
	t.Cleanup(tm.Stop)
	return tm
}

// blocker holds the transaction with ID 1 in BeforeTransaction until
// released
type blocker struct {
	started chan struct{}
	release chan struct{}
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blocker) hook(ctx context.Context, tx *Transaction) error {
	if tx.ID != 1 {
		return nil
	}
	close(b.started)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestTxManagerNonceOrder(t *testing.T) {
	client := newTestClient()
	client.CtlSetSendLatency(5 * time.Millisecond)
	client.CtlSetNonce(7)
	holder := NewDiagnosticsHolder()
	tm, err := NewTxManager(TxManagerConfig{Queue: wideQueue(3)}, client, nil, TxHooks{}, holder)
	require.NoError(t, err)
	defer tm.Stop()
	contract := newTestContract(t)

	n := 10
	txs := make([]*Transaction, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			tx, err := tm.Submit(moveIntent(contract, int64(i), int64(i+1)), nil)
			txs[i] = tx
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, tx := range txs {
		receipt, err := tx.Confirmed().Wait(waitCtx(t))
		require.NoError(t, err)
		assert.Equal(t, TxStateConfirm, tx.State())
		hash, ok := tx.Hash()
		require.True(t, ok)
		assert.Equal(t, hash, receipt.TxHash)
	}

	// The test client rejects nonce gaps and repeated nonces, so every
	// transaction being confirmed already shows the nonces were issued in
	// order.  Check it explicitly anyway.
	sent := client.CtlSentTxs()
	require.Len(t, sent, n)
	for i, ethTx := range sent {
		assert.Equal(t, uint64(7+i), ethTx.Nonce())
	}
	seen := make(map[uint64]bool)
	for _, tx := range txs {
		nonce, ok := tx.Nonce()
		require.True(t, ok)
		assert.False(t, seen[nonce])
		seen[nonce] = true
	}
	assert.Equal(t, 1, client.CtlPendingNonceCalls())
	assert.Equal(t, int64(n), holder.Snapshot().TotalTransactions)
}

func TestTxManagerSubmissionFailureResetsNonce(t *testing.T) {
	client := newTestClient()
	var mu sync.Mutex
	var debugs []TxDebug
	tm := newTestTxManager(t, client, TxManagerConfig{}, TxHooks{
		AfterTransaction: func(tx *Transaction, debug TxDebug) error {
			mu.Lock()
			defer mu.Unlock()
			debugs = append(debugs, debug)
			return nil
		},
	})
	contract := newTestContract(t)

	client.CtlFailNextSends(1)
	tx1, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)
	_, err = tx1.Submitted().Wait(waitCtx(t))
	require.Error(t, err)
	assert.True(t, errors.Is(common.Unwrap(err), ErrSubmission))
	_, err = tx1.Confirmed().Wait(waitCtx(t))
	assert.True(t, errors.Is(common.Unwrap(err), ErrSubmission))
	assert.Equal(t, TxStateFail, tx1.State())
	assert.Equal(t, 1, client.CtlPendingNonceCalls())

	// The failure discarded the cached nonce: the node is asked again and
	// nonce 0 is reused
	tx2, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)
	_, err = tx2.Confirmed().Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 2, client.CtlPendingNonceCalls())
	nonce, ok := tx2.Nonce()
	require.True(t, ok)
	assert.Equal(t, uint64(0), nonce)

	// A success keeps the cache
	tx3, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)
	_, err = tx3.Confirmed().Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 2, client.CtlPendingNonceCalls())
	nonce, _ = tx3.Nonce()
	assert.Equal(t, uint64(1), nonce)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, debugs, 3)
	assert.Equal(t, TxStateFail, debugs[0].Status)
	assert.NotNil(t, debugs[0].Err)
	assert.Nil(t, debugs[0].Hash)
	assert.Equal(t, TxStateConfirm, debugs[1].Status)
	assert.NotNil(t, debugs[1].Hash)
	assert.Greater(t, debugs[1].MineBlockNum, int64(0))
}

func TestTxManagerRevert(t *testing.T) {
	client := newTestClient()
	tm := newTestTxManager(t, client, TxManagerConfig{}, TxHooks{})
	contract := newTestContract(t)

	client.CtlRevertNextTxs(1)
	tx, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)
	ethTx, err := tx.Submitted().Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ethTx.Nonce())
	_, err = tx.Confirmed().Wait(waitCtx(t))
	assert.True(t, errors.Is(common.Unwrap(err), ErrTxReverted))
	assert.Equal(t, TxStateFail, tx.State())
	assert.Greater(t, tx.Debug().MineBlockNum, int64(0))

	// The reverted transaction consumed its nonce
	tx2, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)
	_, err = tx2.Confirmed().Wait(waitCtx(t))
	require.NoError(t, err)
	nonce, _ := tx2.Nonce()
	assert.Equal(t, uint64(1), nonce)
}

func TestTxManagerSubmitTimeout(t *testing.T) {
	client := newTestClient()
	tm := newTestTxManager(t, client, TxManagerConfig{SubmitTimeout: 20 * time.Millisecond},
		TxHooks{})
	contract := newTestContract(t)

	client.CtlSetSendLatency(time.Second)
	tx, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)
	_, err = tx.Submitted().Wait(waitCtx(t))
	assert.True(t, errors.Is(common.Unwrap(err), ErrSubmission))
	assert.Equal(t, TxStateFail, tx.State())

	client.CtlSetSendLatency(0)
	tx2, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)
	_, err = tx2.Confirmed().Wait(waitCtx(t))
	require.NoError(t, err)
	nonce, _ := tx2.Nonce()
	assert.Equal(t, uint64(0), nonce)
}

func TestTxManagerCancelBeforeStart(t *testing.T) {
	client := newTestClient()
	b := newBlocker()
	var mu sync.Mutex
	var cancelled []TxDebug
	tm := newTestTxManager(t, client, TxManagerConfig{Queue: wideQueue(1)}, TxHooks{
		BeforeTransaction: b.hook,
		AfterTransaction: func(tx *Transaction, debug TxDebug) error {
			if debug.Status == TxStateCancel {
				mu.Lock()
				cancelled = append(cancelled, debug)
				mu.Unlock()
			}
			return nil
		},
	})
	contract := newTestContract(t)

	tx1, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)
	<-b.started
	tx2, err := tm.Submit(moveIntent(contract, 3, 4), nil)
	require.NoError(t, err)
	assert.Equal(t, []*Transaction{tx2}, tm.Pending())

	require.NoError(t, tm.Cancel(tx2))
	assert.Equal(t, TxStateCancel, tx2.State())
	_, err = tx2.Submitted().Wait(waitCtx(t))
	assert.Equal(t, ErrTxCancelled, common.Unwrap(err))
	_, err = tx2.Confirmed().Wait(waitCtx(t))
	assert.Equal(t, ErrTxCancelled, common.Unwrap(err))
	assert.Empty(t, tm.Pending())

	// Already gone, and a started transaction can't be cancelled
	assert.Equal(t, ErrTxNotQueued, common.Unwrap(tm.Cancel(tx2)))
	assert.Equal(t, ErrTxNotQueued, common.Unwrap(tm.Cancel(tx1)))

	close(b.release)
	_, err = tx1.Confirmed().Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, client.CtlSends())
	assert.Equal(t, TxStateCancel, tx2.State())
	_, ok := tx2.Nonce()
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, cancelled, 1)
	assert.Equal(t, ErrTxCancelled, common.Unwrap(cancelled[0].Err))
}

func TestTxManagerPrioritize(t *testing.T) {
	client := newTestClient()
	b := newBlocker()
	tm := newTestTxManager(t, client, TxManagerConfig{Queue: wideQueue(1)}, TxHooks{
		BeforeTransaction: b.hook,
	})
	contract := newTestContract(t)

	tx1, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)
	<-b.started
	txs := make([]*Transaction, 3)
	for i := range txs {
		txs[i], err = tm.Submit(moveIntent(contract, int64(i), 0), nil)
		require.NoError(t, err)
	}
	require.NoError(t, tm.Prioritize(txs[2]))
	assert.Equal(t, TxStatePrioritized, txs[2].State())
	assert.Equal(t, TxStateInit, txs[0].State())
	assert.Equal(t, []*Transaction{txs[2], txs[0], txs[1]}, tm.Pending())
	assert.Equal(t, ErrTxNotQueued, common.Unwrap(tm.PrioritizeByID(tx1.ID)))
	assert.Equal(t, ErrTxNotQueued, common.Unwrap(tm.PrioritizeByID(1000)))

	close(b.release)
	for _, tx := range append(txs, tx1) {
		_, err := tx.Confirmed().Wait(waitCtx(t))
		require.NoError(t, err)
	}
	// Prioritization only changes the order, never the nonce sequence
	expected := map[*Transaction]uint64{tx1: 0, txs[2]: 1, txs[0]: 2, txs[1]: 3}
	for tx, expectedNonce := range expected {
		nonce, _ := tx.Nonce()
		assert.Equal(t, expectedNonce, nonce, tx.String())
	}
}

func TestTxManagerBeforeQueued(t *testing.T) {
	client := newTestClient()
	errVeto := fmt.Errorf("vetoed")
	tm := newTestTxManager(t, client, TxManagerConfig{}, TxHooks{
		BeforeQueued: func(id TxID, intent *TxIntent, overrides *TxOverrides) error {
			if intent.MethodName != "move" {
				return errVeto
			}
			overrides.GasLimit = 50_000
			return nil
		},
	})
	contract := newTestContract(t)

	_, err := tm.Submit(&TxIntent{Contract: contract, MethodName: "planetLevel"}, nil)
	assert.Equal(t, errVeto, common.Unwrap(err))
	assert.Empty(t, tm.Pending())

	tx, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)
	ethTx, err := tx.Submitted().Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), ethTx.Gas())
	assert.Equal(t, 1, client.CtlSends())

	_, err = tm.Submit(&TxIntent{MethodName: "move"}, nil)
	assert.Equal(t, ErrInvalidIntent, common.Unwrap(err))
}

func TestTxManagerBeforeTransactionRejects(t *testing.T) {
	client := newTestClient()
	errNoProof := fmt.Errorf("no proof")
	tm := newTestTxManager(t, client, TxManagerConfig{}, TxHooks{
		BeforeTransaction: func(ctx context.Context, tx *Transaction) error {
			return errNoProof
		},
	})
	tx, err := tm.Submit(moveIntent(newTestContract(t), 1, 2), nil)
	require.NoError(t, err)
	_, err = tx.Confirmed().Wait(waitCtx(t))
	assert.True(t, errors.Is(common.Unwrap(err), ErrTxRejected))
	assert.Equal(t, 0, client.CtlSends())
	assert.Equal(t, TxStateFail, tx.State())
}

func TestTxManagerArgsResolvedAfterQueue(t *testing.T) {
	client := newTestClient()
	tm := newTestTxManager(t, client, TxManagerConfig{}, TxHooks{})
	contract := newTestContract(t)

	proof := make(chan int64, 1)
	tx, err := tm.Submit(&TxIntent{
		Contract:   contract,
		MethodName: "move",
		Args: func(ctx context.Context) ([]interface{}, error) {
			select {
			case to := <-proof:
				return []interface{}{big.NewInt(1), big.NewInt(to)}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tx.State() == TxStateProcessing },
		time.Second, time.Millisecond)
	assert.Equal(t, 0, client.CtlSends())

	proof <- 9
	ethTx, err := tx.Submitted().Wait(waitCtx(t))
	require.NoError(t, err)
	expected, err := contract.Pack("move", big.NewInt(1), big.NewInt(9))
	require.NoError(t, err)
	assert.Equal(t, expected, ethTx.Data())
}

func TestTxManagerPanicFailsTransaction(t *testing.T) {
	client := newTestClient()
	finished := make(chan TxDebug, 2)
	tm := newTestTxManager(t, client, TxManagerConfig{}, TxHooks{
		AfterTransaction: func(tx *Transaction, debug TxDebug) error {
			finished <- debug
			return nil
		},
	})
	contract := newTestContract(t)

	tx, err := tm.Submit(&TxIntent{
		Contract:   contract,
		MethodName: "move",
		Args: func(context.Context) ([]interface{}, error) {
			panic("proof crashed")
		},
	}, nil)
	require.NoError(t, err)
	_, err = tx.Submitted().Wait(waitCtx(t))
	require.Error(t, err)
	assert.True(t, errors.Is(common.Unwrap(err), ErrTxRejected))
	_, err = tx.Confirmed().Wait(waitCtx(t))
	assert.True(t, errors.Is(common.Unwrap(err), ErrTxRejected))
	assert.Equal(t, TxStateFail, tx.State())
	debug := <-finished
	assert.Equal(t, TxStateFail, debug.Status)
	assert.Contains(t, debug.Err.Error(), "proof crashed")

	// The nonce section is still usable
	next, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)
	_, err = next.Confirmed().Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, client.CtlSends())
}

func TestTxManagerNilArgs(t *testing.T) {
	client := newTestClient()
	tm := newTestTxManager(t, client, TxManagerConfig{}, TxHooks{})
	intent := &TxIntent{Contract: newTestContract(t), MethodName: "move"}

	tx, err := tm.Submit(intent, nil)
	require.NoError(t, err)
	_, err = tx.Submitted().Wait(waitCtx(t))
	// move takes two arguments
	require.Error(t, err)
	assert.Nil(t, intent.Args)
	assert.Equal(t, 0, client.CtlSends())
}

func TestTxManagerStopCancelsQueued(t *testing.T) {
	client := newTestClient()
	b := newBlocker()
	tm, err := NewTxManager(TxManagerConfig{Queue: wideQueue(1)}, client, nil, TxHooks{
		BeforeTransaction: b.hook,
	}, nil)
	require.NoError(t, err)
	contract := newTestContract(t)

	tx1, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)
	<-b.started
	tx2, err := tm.Submit(moveIntent(contract, 1, 2), nil)
	require.NoError(t, err)

	tm.Stop()
	_, err = tx2.Confirmed().Wait(waitCtx(t))
	assert.Equal(t, taskqueue.ErrQueueStopped, common.Unwrap(err))
	assert.Equal(t, TxStateCancel, tx2.State())
	_, err = tx1.Confirmed().Wait(waitCtx(t))
	assert.True(t, errors.Is(common.Unwrap(err), ErrTxRejected))

	_, err = tm.Submit(moveIntent(contract, 1, 2), nil)
	assert.Equal(t, taskqueue.ErrQueueStopped, common.Unwrap(err))
	assert.Equal(t, 0, client.CtlSends())
}

type gasOracle struct {
	prices *etherscan.GasPriceEtherscan
	err    error
}

func (o *gasOracle) GetGasPrice(ctx context.Context) (*etherscan.GasPriceEtherscan, error) {
	return o.prices, o.err
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func TestResolveGasPrice(t *testing.T) {
	client := newTestClient()
	client.CtlSetGasPrice(gwei(2))
	oracle := &gasOracle{prices: &etherscan.GasPriceEtherscan{
		SafeGasPrice:    "10",
		ProposeGasPrice: "20",
		FastGasPrice:    "30",
	}}
	tm, err := NewTxManager(TxManagerConfig{Queue: wideQueue(1)}, client, oracle, TxHooks{}, nil)
	require.NoError(t, err)
	defer tm.Stop()
	contract := newTestContract(t)

	testCases := []struct {
		setting  GasSetting
		override *big.Int
		expected *big.Int
	}{
		{GasSettingAuto, nil, gwei(2)},
		{GasSettingSlow, nil, gwei(10)},
		{GasSettingAverage, nil, gwei(20)},
		{GasSettingFast, nil, gwei(30)},
		{GasSetting("5"), nil, gwei(5)},
		{GasSetting("1.5"), nil, big.NewInt(1_500_000_000)},
		{GasSettingFast, gwei(7), gwei(7)},
	}
	for _, tc := range testCases {
		tx := newTransaction(1, moveIntent(contract, 1, 2), TxOverrides{GasPrice: tc.override})
		tx.GasSetting = tc.setting
		price, err := tm.resolveGasPrice(context.Background(), tx)
		require.NoError(t, err)
		assert.Equal(t, tc.expected.String(), price.String(), string(tc.setting))
	}

	tx := newTransaction(1, moveIntent(contract, 1, 2), TxOverrides{})
	tx.GasSetting = GasSetting("cheap")
	_, err = tm.resolveGasPrice(context.Background(), tx)
	assert.Error(t, err)

	// The node suggestion is used when the oracle fails
	oracle.err = fmt.Errorf("rate limited")
	tx.GasSetting = GasSettingFast
	price, err := tm.resolveGasPrice(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, gwei(2).String(), price.String())
}

func TestResolveGasPriceWithoutOracle(t *testing.T) {
	client := newTestClient()
	client.CtlSetGasPrice(gwei(2))
	tm := newTestTxManager(t, client, TxManagerConfig{
		MinGasPrice: 3,
		MaxGasPrice: 8,
	}, TxHooks{})
	contract := newTestContract(t)

	testCases := []struct {
		setting  GasSetting
		expected *big.Int
	}{
		{GasSettingSlow, gwei(3)},
		{GasSettingAuto, gwei(3)},
		{GasSetting("5"), gwei(5)},
		{GasSetting("100"), gwei(8)},
	}
	for _, tc := range testCases {
		tx := newTransaction(1, moveIntent(contract, 1, 2), TxOverrides{})
		tx.GasSetting = tc.setting
		price, err := tm.resolveGasPrice(context.Background(), tx)
		require.NoError(t, err)
		assert.Equal(t, tc.expected.String(), price.String(), string(tc.setting))
	}
}

func TestTxManagerGasSettingProvider(t *testing.T) {
	client := newTestClient()
	tm := newTestTxManager(t, client, TxManagerConfig{}, TxHooks{
		GasSettingProvider: func(tx *Transaction) GasSetting {
			if tx.Intent.MethodName == "move" {
				return GasSetting("4")
			}
			return GasSettingAuto
		},
	})
	tx, err := tm.Submit(moveIntent(newTestContract(t), 1, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, GasSetting("4"), tx.GasSetting)
	ethTx, err := tx.Submitted().Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, gwei(4).String(), ethTx.GasPrice().String())
	assert.Equal(t, gwei(4).String(), tx.Debug().GasPrice.String())
}

func TestNewTxManagerInvalidGasSetting(t *testing.T) {
	_, err := NewTxManager(TxManagerConfig{DefaultGasSetting: "cheap"}, newTestClient(), nil,
		TxHooks{}, nil)
	assert.Error(t, err)
}
