package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/eth"
	"github.com/dfarchon/darkforest-mud-sub002/taskqueue"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxID identifies a transaction inside the process.  IDs are assigned in
// submission order.
type TxID uint64

// TxState is used to mark the lifecycle state of a transaction
type TxState string

const (
	// TxStateInit marks the transaction as queued
	TxStateInit TxState = "init"
	// TxStatePrioritized marks a queued transaction moved to the front of
	// the queue
	TxStatePrioritized TxState = "prioritized"
	// TxStateProcessing marks the transaction as being prepared for
	// submission
	TxStateProcessing TxState = "processing"
	// TxStateSubmit marks the transaction as accepted by the node
	TxStateSubmit TxState = "submit"
	// TxStateConfirm marks the transaction as mined successfully
	TxStateConfirm TxState = "confirm"
	// TxStateFail marks the transaction as failed before submission, in
	// the submission or reverted
	TxStateFail TxState = "fail"
	// TxStateCancel marks the transaction as removed from the queue before
	// it started
	TxStateCancel TxState = "cancel"
)

// Terminal returns true for the states that are never left
func (s TxState) Terminal() bool {
	return s == TxStateConfirm || s == TxStateFail || s == TxStateCancel
}

// GasSetting selects how the gas price of a transaction is resolved: one of
// the oracle speeds, the node suggestion (auto) or an explicit price in gwei
type GasSetting string

const (
	// GasSettingSlow uses the safe price of the gas oracle
	GasSettingSlow GasSetting = "slow"
	// GasSettingAverage uses the proposed price of the gas oracle
	GasSettingAverage GasSetting = "average"
	// GasSettingFast uses the fast price of the gas oracle
	GasSettingFast GasSetting = "fast"
	// GasSettingAuto uses the price suggested by the ethereum node
	GasSettingAuto GasSetting = "auto"
)

// Price returns the explicit price in wei of a gwei setting.  ok is false
// for the named settings.
func (g GasSetting) Price() (price *big.Int, ok bool) {
	f, ok := new(big.Float).SetString(strings.TrimSpace(string(g)))
	if !ok || f.Sign() < 0 {
		return nil, false
	}
	wei, _ := new(big.Float).Mul(f, big.NewFloat(1e9)).Int(nil)
	return wei, true
}

// Valid returns true for the named settings and for explicit prices
func (g GasSetting) Valid() bool {
	switch g {
	case GasSettingSlow, GasSettingAverage, GasSettingFast, GasSettingAuto:
		return true
	}
	_, ok := g.Price()
	return ok
}

// ArgsFunc resolves the arguments of a contract method.  It may block, for
// example while a proof is computed.
type ArgsFunc func(ctx context.Context) ([]interface{}, error)

// StaticArgs returns an ArgsFunc that always resolves to args
func StaticArgs(args ...interface{}) ArgsFunc {
	return func(context.Context) ([]interface{}, error) {
		return args, nil
	}
}

// TxIntent describes a contract method call to be sent as a transaction
type TxIntent struct {
	Contract   *eth.Contract
	MethodName string
	Args       ArgsFunc
}

// TxOverrides are the transaction parameters set by the caller.  Zero values
// are replaced by the defaults of the TxManager.
type TxOverrides struct {
	GasPrice *big.Int
	GasLimit uint64
	Value    *big.Int
}

// TxDebug information related to a Transaction.  It is passed to the
// AfterTransaction hook once the transaction reaches a terminal state.
type TxDebug struct {
	// QueueTimestamp is the time of the submission to the TxManager
	QueueTimestamp time.Time
	// StartTimestamp is the time the transaction left the queue
	StartTimestamp time.Time
	// SendTimestamp is the time the node accepted the transaction
	SendTimestamp time.Time
	// EndTimestamp is the time the transaction reached its terminal state
	EndTimestamp time.Time
	// Status is the terminal state
	Status TxState
	// GasPrice is the effective gas price in wei
	GasPrice *big.Int
	// Nonce is the nonce used in the submission, if any
	Nonce *uint64
	// Hash of the sent transaction, if any
	Hash *ethCommon.Hash
	// MineBlockNum is the block in which the transaction was mined
	MineBlockNum int64
	// GasUsed by the mined transaction
	GasUsed uint64
	// QueueToStartDelay is the time spent in the queue, in seconds
	QueueToStartDelay float64
	// NonceWaitDelay is the time spent waiting for the nonce critical
	// section, in seconds
	NonceWaitDelay float64
	// StartToSendDelay is the delay between leaving the queue and being
	// accepted by the node, in seconds
	StartToSendDelay float64
	// SendToMineDelay is the delay between being accepted by the node and
	// being mined, in seconds
	SendToMineDelay float64
	// Err is the error that made the transaction fail
	Err error
}

// Transaction is the lifecycle record of a submitted TxIntent.  It is
// exposed to the caller through its state getters and its two futures.
type Transaction struct {
	ID         TxID
	Intent     *TxIntent
	Overrides  TxOverrides
	GasSetting GasSetting

	rw            sync.RWMutex
	state         TxState
	nonce         *uint64
	hash          *ethCommon.Hash
	lastUpdatedAt time.Time
	debug         TxDebug

	// turn is assigned when the transaction leaves the queue
	turn *NonceTurn

	submitted *taskqueue.Promise[*types.Transaction]
	confirmed *taskqueue.Promise[*types.Receipt]
}

func newTransaction(id TxID, intent *TxIntent, overrides TxOverrides) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:            id,
		Intent:        intent,
		Overrides:     overrides,
		state:         TxStateInit,
		lastUpdatedAt: now,
		debug:         TxDebug{QueueTimestamp: now, Status: TxStateInit},
		submitted:     taskqueue.NewPromise[*types.Transaction](),
		confirmed:     taskqueue.NewPromise[*types.Receipt](),
	}
}

// String implements fmt.Stringer
func (tx *Transaction) String() string {
	return fmt.Sprintf("tx %d %s.%s", tx.ID, tx.Intent.Contract.Name, tx.Intent.MethodName)
}

// State returns the current lifecycle state
func (tx *Transaction) State() TxState {
	tx.rw.RLock()
	defer tx.rw.RUnlock()
	return tx.state
}

// Nonce returns the nonce assigned to the transaction.  ok is false before a
// nonce is assigned.
func (tx *Transaction) Nonce() (nonce uint64, ok bool) {
	tx.rw.RLock()
	defer tx.rw.RUnlock()
	if tx.nonce == nil {
		return 0, false
	}
	return *tx.nonce, true
}

// Hash returns the hash of the sent transaction.  ok is false before the
// node accepts it.
func (tx *Transaction) Hash() (hash ethCommon.Hash, ok bool) {
	tx.rw.RLock()
	defer tx.rw.RUnlock()
	if tx.hash == nil {
		return ethCommon.Hash{}, false
	}
	return *tx.hash, true
}

// LastUpdatedAt returns the time of the last state change
func (tx *Transaction) LastUpdatedAt() time.Time {
	tx.rw.RLock()
	defer tx.rw.RUnlock()
	return tx.lastUpdatedAt
}

// Debug returns a copy of the debug information
func (tx *Transaction) Debug() TxDebug {
	tx.rw.RLock()
	defer tx.rw.RUnlock()
	return tx.debug
}

// Submitted returns the future resolved with the sent transaction once the
// node accepts it
func (tx *Transaction) Submitted() *taskqueue.Future[*types.Transaction] {
	return tx.submitted.Future()
}

// Confirmed returns the future resolved with the receipt once the
// transaction is mined and confirmed
func (tx *Transaction) Confirmed() *taskqueue.Future[*types.Receipt] {
	return tx.confirmed.Future()
}

// setState moves the transaction to state.  Terminal states are never left.
func (tx *Transaction) setState(state TxState) {
	tx.rw.Lock()
	defer tx.rw.Unlock()
	tx.setStateLocked(state)
}

func (tx *Transaction) setStateLocked(state TxState) {
	if tx.state.Terminal() {
		return
	}
	tx.state = state
	tx.lastUpdatedAt = time.Now()
	tx.debug.Status = state
}

// markPrioritized annotates a transaction that is still queued
func (tx *Transaction) markPrioritized() {
	tx.rw.Lock()
	defer tx.rw.Unlock()
	if tx.state == TxStateInit || tx.state == TxStatePrioritized {
		tx.setStateLocked(TxStatePrioritized)
	}
}

func (tx *Transaction) start() {
	tx.rw.Lock()
	defer tx.rw.Unlock()
	tx.setStateLocked(TxStateProcessing)
	tx.debug.StartTimestamp = tx.lastUpdatedAt
	tx.debug.QueueToStartDelay = tx.debug.StartTimestamp.Sub(tx.debug.QueueTimestamp).Seconds()
}

// resolveArgs runs the ArgsFunc of the intent.  A nil ArgsFunc means the
// method takes no arguments.
func (tx *Transaction) resolveArgs(ctx context.Context) ([]interface{}, error) {
	if tx.Intent.Args == nil {
		return nil, nil
	}
	return tx.Intent.Args(ctx)
}

func (tx *Transaction) setGasPrice(gasPrice *big.Int) {
	tx.rw.Lock()
	defer tx.rw.Unlock()
	tx.debug.GasPrice = gasPrice
}

func (tx *Transaction) setNonce(nonce uint64, waitDelay time.Duration) {
	tx.rw.Lock()
	defer tx.rw.Unlock()
	if tx.nonce != nil {
		return
	}
	tx.nonce = &nonce
	tx.debug.Nonce = &nonce
	tx.debug.NonceWaitDelay = waitDelay.Seconds()
}

func (tx *Transaction) setSubmitted(ethTx *types.Transaction) {
	tx.rw.Lock()
	hash := ethTx.Hash()
	tx.hash = &hash
	tx.setStateLocked(TxStateSubmit)
	tx.debug.Hash = &hash
	tx.debug.SendTimestamp = tx.lastUpdatedAt
	tx.debug.StartToSendDelay = tx.debug.SendTimestamp.Sub(tx.debug.StartTimestamp).Seconds()
	tx.rw.Unlock()
	tx.submitted.Resolve(ethTx)
}

func (tx *Transaction) setConfirmed(receipt *types.Receipt) {
	tx.rw.Lock()
	tx.setStateLocked(TxStateConfirm)
	tx.debug.EndTimestamp = tx.lastUpdatedAt
	tx.debug.MineBlockNum = receipt.BlockNumber.Int64()
	tx.debug.GasUsed = receipt.GasUsed
	tx.debug.SendToMineDelay = tx.debug.EndTimestamp.Sub(tx.debug.SendTimestamp).Seconds()
	tx.rw.Unlock()
	tx.confirmed.Resolve(receipt)
}

// fail moves the transaction to the fail state.  A transaction that was not
// submitted rejects both futures, otherwise only the confirmed one.
func (tx *Transaction) fail(err error, receipt *types.Receipt) {
	tx.rw.Lock()
	tx.setStateLocked(TxStateFail)
	tx.debug.EndTimestamp = tx.lastUpdatedAt
	tx.debug.Err = err
	if receipt != nil {
		tx.debug.MineBlockNum = receipt.BlockNumber.Int64()
		tx.debug.GasUsed = receipt.GasUsed
	}
	tx.rw.Unlock()
	tx.submitted.Reject(err)
	tx.confirmed.Reject(err)
}

// cancel moves a transaction that never started to the cancel state
func (tx *Transaction) cancel(err error) {
	tx.rw.Lock()
	tx.setStateLocked(TxStateCancel)
	tx.debug.EndTimestamp = tx.lastUpdatedAt
	tx.debug.Err = err
	tx.rw.Unlock()
	tx.submitted.Reject(err)
	tx.confirmed.Reject(err)
}
