package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/eth"
	"github.com/dfarchon/darkforest-mud-sub002/etherscan"
	"github.com/dfarchon/darkforest-mud-sub002/log"
	"github.com/dfarchon/darkforest-mud-sub002/taskqueue"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrTxNotQueued is used when a transaction to cancel or prioritize is
	// not waiting in the queue anymore
	ErrTxNotQueued = errors.New("transaction is not queued")
	// ErrTxCancelled is used to reject the futures of a cancelled
	// transaction
	ErrTxCancelled = errors.New("transaction cancelled")
	// ErrTxReverted is used when a mined transaction has a failed receipt
	ErrTxReverted = errors.New("transaction reverted")
	// ErrSubmission is used when the node didn't accept a transaction
	ErrSubmission = errors.New("transaction submission failed")
	// ErrTxRejected is used when the BeforeTransaction hook aborts a
	// transaction
	ErrTxRejected = errors.New("transaction rejected before submission")
	// ErrInvalidIntent is used when a TxIntent is missing its contract or
	// method
	ErrInvalidIntent = errors.New("invalid transaction intent")
)

const defaultSubmitTimeout = 30 * time.Second

// BeforeQueuedFunc is called before a transaction is queued.  Returning an
// error vetoes the transaction.
type BeforeQueuedFunc func(id TxID, intent *TxIntent, overrides *TxOverrides) error

// BeforeTransactionFunc is called when a transaction leaves the queue.
// Returning an error fails the transaction before submission.
type BeforeTransactionFunc func(ctx context.Context, tx *Transaction) error

// AfterTransactionFunc is called once a transaction reaches a terminal
// state.  Its error is only logged.
type AfterTransactionFunc func(tx *Transaction, debug TxDebug) error

// GasSettingProvider chooses the gas setting of a transaction at submission
type GasSettingProvider func(tx *Transaction) GasSetting

// TxHooks are the optional callbacks of the TxManager
type TxHooks struct {
	BeforeQueued       BeforeQueuedFunc
	BeforeTransaction  BeforeTransactionFunc
	AfterTransaction   AfterTransactionFunc
	GasSettingProvider GasSettingProvider
}

// TxManagerConfig is the configuration of the TxManager
type TxManagerConfig struct {
	// Queue configures the throttle and concurrency of transactions.  The
	// submissions themselves are serialized by the nonce allocator; the
	// concurrency only overlaps argument resolution and confirmation
	// waits.
	Queue taskqueue.Config
	// Nonce configures the nonce allocator
	Nonce NonceAllocatorConfig
	// SubmitTimeout bounds the time waiting for the node to accept a
	// transaction
	SubmitTimeout time.Duration
	// DefaultGasLimit is used when the caller doesn't set one.  0 makes
	// the client estimate it.
	DefaultGasLimit uint64
	// DefaultValue is the value sent when the caller doesn't set one
	DefaultValue *big.Int
	// DefaultGasSetting is used when there's no GasSettingProvider
	DefaultGasSetting GasSetting
	// MaxGasPrice is the maximum gas price in gwei allowed for ethereum
	// transactions.  0 disables the limit.
	MaxGasPrice int64
	// MinGasPrice is the minimum gas price in gwei allowed for ethereum
	// transactions
	MinGasPrice int64
}

// TxManager carries write intents through their lifecycle: admission, gas
// price resolution, nonce assignment, submission and confirmation.
type TxManager struct {
	cfg         TxManagerConfig
	ethClient   eth.ClientInterface
	gasOracle   etherscan.Client
	hooks       TxHooks
	nonces      *NonceAllocator
	queue       *taskqueue.Queue[struct{}, *Transaction]
	diagnostics DiagnosticsSink

	lastID   atomic.Uint64
	totalTxs atomic.Int64
}

// NewTxManager creates a new TxManager sending transactions from the
// account of ethClient.  gasOracle may be nil, in which case the oracle
// speeds fall back to the node suggestion.
func NewTxManager(
	cfg TxManagerConfig,
	ethClient eth.ClientInterface,
	gasOracle etherscan.Client,
	hooks TxHooks,
	diagnostics DiagnosticsSink,
) (*TxManager, error) {
	address, err := ethClient.EthAddress()
	if err != nil {
		return nil, common.Wrap(err)
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.DefaultGasSetting == "" {
		cfg.DefaultGasSetting = GasSettingAuto
	}
	if !cfg.DefaultGasSetting.Valid() {
		return nil, common.Wrap(fmt.Errorf("invalid gas setting %q", cfg.DefaultGasSetting))
	}
	if diagnostics == nil {
		diagnostics = NopDiagnostics{}
	}
	t := &TxManager{
		cfg:         cfg,
		ethClient:   ethClient,
		gasOracle:   gasOracle,
		hooks:       hooks,
		nonces:      NewNonceAllocator(cfg.Nonce, ethClient, *address),
		queue:       taskqueue.NewQueue[struct{}, *Transaction](cfg.Queue),
		diagnostics: diagnostics,
	}
	t.queue.OnStart(func(tx *Transaction) {
		tx.turn = t.nonces.Reserve()
	})
	log.Infow("TxManager started", "address", address)
	return t, nil
}

// Submit queues a transaction for intent and returns it right away.  The
// BeforeQueued hook can veto the transaction, in which case nothing is
// queued.
func (t *TxManager) Submit(intent *TxIntent, overrides *TxOverrides) (*Transaction, error) {
	if intent == nil || intent.Contract == nil || intent.MethodName == "" {
		return nil, common.Wrap(ErrInvalidIntent)
	}
	id := TxID(t.lastID.Add(1))
	merged := t.withDefaults(overrides)
	if t.hooks.BeforeQueued != nil {
		if err := t.hooks.BeforeQueued(id, intent, &merged); err != nil {
			return nil, common.Wrap(err)
		}
	}
	tx := newTransaction(id, intent, merged)
	tx.GasSetting = t.cfg.DefaultGasSetting
	if t.hooks.GasSettingProvider != nil {
		tx.GasSetting = t.hooks.GasSettingProvider(tx)
	}

	future := t.queue.Add(func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.execute(ctx, tx)
	}, tx)
	if _, err := future.Result(); common.Unwrap(err) == taskqueue.ErrQueueStopped {
		tx.cancel(err)
		return nil, err
	}
	t.diagnostics.SetTotalTransactions(t.totalTxs.Add(1))
	t.diagnostics.SetTransactionsInQueue(int64(t.queue.Size()))
	log.Debugw("TxManager: transaction queued", "id", id, "method", intent.MethodName,
		"gasSetting", tx.GasSetting)
	return tx, nil
}

// Cancel removes a queued transaction.  Transactions that already left the
// queue can't be cancelled.
func (t *TxManager) Cancel(tx *Transaction) error {
	return t.CancelByID(tx.ID)
}

// CancelByID cancels the queued transaction with the given id
func (t *TxManager) CancelByID(id TxID) error {
	entry, err := t.queue.Remove(func(tx *Transaction) bool { return tx.ID == id })
	if err != nil {
		return common.Wrap(ErrTxNotQueued)
	}
	tx := entry.Meta
	tx.cancel(common.Wrap(ErrTxCancelled))
	t.diagnostics.SetTransactionsInQueue(int64(t.queue.Size()))
	log.Debugw("TxManager: transaction cancelled", "id", id)
	t.afterTransaction(tx)
	return nil
}

// Prioritize moves a queued transaction to the front of the queue
func (t *TxManager) Prioritize(tx *Transaction) error {
	return t.PrioritizeByID(tx.ID)
}

// PrioritizeByID prioritizes the queued transaction with the given id
func (t *TxManager) PrioritizeByID(id TxID) error {
	entry, err := t.queue.Prioritize(func(tx *Transaction) bool { return tx.ID == id })
	if err != nil {
		return common.Wrap(ErrTxNotQueued)
	}
	entry.Meta.markPrioritized()
	return nil
}

// Pending returns the queued transactions in execution order
func (t *TxManager) Pending() []*Transaction {
	return t.queue.Pending()
}

// Nonces returns the nonce allocator of the TxManager
func (t *TxManager) Nonces() *NonceAllocator {
	return t.nonces
}

// Stop cancels the queued transactions and waits for the running ones
func (t *TxManager) Stop() {
	pending := t.queue.Pending()
	t.queue.Stop()
	for _, tx := range pending {
		if tx.State() == TxStateInit || tx.State() == TxStatePrioritized {
			tx.cancel(common.Wrap(taskqueue.ErrQueueStopped))
		}
	}
}

func (t *TxManager) withDefaults(overrides *TxOverrides) TxOverrides {
	merged := TxOverrides{
		GasLimit: t.cfg.DefaultGasLimit,
		Value:    t.cfg.DefaultValue,
	}
	if overrides == nil {
		return merged
	}
	if overrides.GasPrice != nil {
		merged.GasPrice = overrides.GasPrice
	}
	if overrides.GasLimit != 0 {
		merged.GasLimit = overrides.GasLimit
	}
	if overrides.Value != nil {
		merged.Value = overrides.Value
	}
	return merged
}

// execute runs in the write queue.  The transaction is submitted while
// holding the nonce lock and its confirmation is awaited afterwards.
func (t *TxManager) execute(ctx context.Context, tx *Transaction) (err error) {
	defer tx.turn.Release()
	defer func() {
		if r := recover(); r != nil {
			err = common.Wrap(fmt.Errorf("%w: panic: %v", ErrTxRejected, r))
			log.Errorw("TxManager: transaction panicked", "id", tx.ID, "err", err)
			if err := t.nonces.Reset(context.Background()); err != nil {
				log.Errorw("NonceAllocator.Reset", "err", err)
			}
			tx.fail(err, nil)
			t.afterTransaction(tx)
		}
	}()
	t.diagnostics.SetTransactionsInQueue(int64(t.queue.Size()))
	tx.start()

	ethTx, err := t.submit(ctx, tx)
	if err != nil {
		log.Warnw("TxManager: transaction failed before confirmation", "id", tx.ID, "err", err)
		if err := t.nonces.Reset(context.Background()); err != nil {
			log.Errorw("NonceAllocator.Reset", "err", err)
		}
		tx.fail(err, nil)
		t.afterTransaction(tx)
		return err
	}
	tx.setSubmitted(ethTx)
	log.Infow("TxManager: transaction sent", "id", tx.ID, "hash", ethTx.Hash(),
		"nonce", ethTx.Nonce())

	receipt, err := t.ethClient.EthWaitReceipt(ctx, ethTx.Hash())
	if err == nil && receipt.Status == types.ReceiptStatusFailed {
		err = common.Wrap(ErrTxReverted)
	}
	if err != nil {
		log.Warnw("TxManager: transaction not confirmed", "id", tx.ID, "hash", ethTx.Hash(),
			"err", err)
		if err := t.nonces.Reset(context.Background()); err != nil {
			log.Errorw("NonceAllocator.Reset", "err", err)
		}
		tx.fail(err, receipt)
		t.afterTransaction(tx)
		return err
	}
	tx.setConfirmed(receipt)
	log.Infow("TxManager: transaction confirmed", "id", tx.ID, "hash", ethTx.Hash(),
		"block", receipt.BlockNumber)
	t.afterTransaction(tx)
	return nil
}

// submit prepares the transaction and sends it with a freshly allocated
// nonce.  Everything before the nonce turn runs in parallel with other
// transactions.
func (t *TxManager) submit(ctx context.Context, tx *Transaction) (*types.Transaction, error) {
	if t.hooks.BeforeTransaction != nil {
		if err := t.hooks.BeforeTransaction(ctx, tx); err != nil {
			return nil, common.Wrap(fmt.Errorf("%w: %v", ErrTxRejected, common.Unwrap(err)))
		}
	}
	args, err := tx.resolveArgs(ctx)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("resolving arguments: %w", common.Unwrap(err)))
	}
	data, err := tx.Intent.Contract.Pack(tx.Intent.MethodName, args...)
	if err != nil {
		return nil, common.Wrap(err)
	}
	gasPrice, err := t.resolveGasPrice(ctx, tx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	tx.setGasPrice(gasPrice)

	var ethTx *types.Transaction
	waitStart := time.Now()
	err = t.nonces.WithNonce(ctx, tx.turn, func(nonce uint64) error {
		tx.setNonce(nonce, time.Since(waitStart))
		submitCtx, cancel := context.WithTimeout(ctx, t.cfg.SubmitTimeout)
		defer cancel()
		var err error
		ethTx, err = t.ethClient.EthSendTransaction(submitCtx, &eth.TxRequest{
			To:       tx.Intent.Contract.Address,
			Data:     data,
			Nonce:    nonce,
			GasPrice: gasPrice,
			GasLimit: tx.Overrides.GasLimit,
			Value:    tx.Overrides.Value,
		})
		if err != nil {
			return common.Wrap(fmt.Errorf("%w: %v", ErrSubmission, common.Unwrap(err)))
		}
		return nil
	})
	return ethTx, err
}

// resolveGasPrice returns the gas price of tx: the explicit override, the
// explicit gas setting, the oracle price of the setting speed or the node
// suggestion, clamped to the configured limits
func (t *TxManager) resolveGasPrice(ctx context.Context, tx *Transaction) (*big.Int, error) {
	if tx.Overrides.GasPrice != nil {
		return tx.Overrides.GasPrice, nil
	}
	var gasPrice *big.Int
	switch tx.GasSetting {
	case GasSettingSlow, GasSettingAverage, GasSettingFast:
		var err error
		if gasPrice, err = t.oraclePrice(ctx, tx.GasSetting); err != nil {
			log.Warnw("TxManager: gas oracle unavailable, using node suggestion",
				"id", tx.ID, "err", err)
		}
	case GasSettingAuto:
	default:
		price, ok := tx.GasSetting.Price()
		if !ok {
			return nil, common.Wrap(fmt.Errorf("invalid gas setting %q", tx.GasSetting))
		}
		gasPrice = price
	}
	if gasPrice == nil {
		var err error
		if gasPrice, err = t.ethClient.EthSuggestGasPrice(ctx); err != nil {
			return nil, common.Wrap(err)
		}
	}
	return clampGasPrice(gasPrice, t.cfg.MinGasPrice, t.cfg.MaxGasPrice), nil
}

func (t *TxManager) oraclePrice(ctx context.Context, setting GasSetting) (*big.Int, error) {
	if t.gasOracle == nil {
		return nil, common.Wrap(fmt.Errorf("no gas oracle configured"))
	}
	oracle, err := t.gasOracle.GetGasPrice(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	prices, err := oracle.Wei()
	if err != nil {
		return nil, common.Wrap(err)
	}
	switch setting {
	case GasSettingSlow:
		return prices.Safe, nil
	case GasSettingFast:
		return prices.Fast, nil
	default:
		return prices.Propose, nil
	}
}

func clampGasPrice(gasPrice *big.Int, minGwei, maxGwei int64) *big.Int {
	gwei := big.NewInt(1_000_000_000)
	if minGwei > 0 {
		minPrice := new(big.Int).Mul(big.NewInt(minGwei), gwei)
		if gasPrice.Cmp(minPrice) < 0 {
			return minPrice
		}
	}
	if maxGwei > 0 {
		maxPrice := new(big.Int).Mul(big.NewInt(maxGwei), gwei)
		if gasPrice.Cmp(maxPrice) > 0 {
			return maxPrice
		}
	}
	return gasPrice
}

func (t *TxManager) afterTransaction(tx *Transaction) {
	if t.hooks.AfterTransaction == nil {
		return
	}
	if err := t.hooks.AfterTransaction(tx, tx.Debug()); err != nil {
		log.Errorw("TxManager: AfterTransaction hook", "id", tx.ID, "err", err)
	}
}

// Account returns the address sending the transactions
func (t *TxManager) Account() ethCommon.Address {
	return t.nonces.account
}
