/*
Package coordinator schedules the requests sent to the ethereum node by the
game client.

Two independent throttled queues carry the work.  The CallGateway queue runs
read only calls with a high concurrency and retries the ones failing with
transient errors, enqueuing them again so that retries respect the throttle
as well.  Calls explicitly rejected by the node are never retried.

The TxManager queue runs transactions.  Each transaction goes through
admission (BeforeQueued hook, gas setting), the queue, argument and gas price
resolution, the nonce critical section and the confirmation wait.  The
NonceAllocator lock is held from the nonce allocation until the node answers
the submission, and the lock is granted in the order transactions leave the
queue, so nonces reach the node in order even when several transactions are
being prepared in parallel.  Transactions are never retried: a failure only
resets the cached nonce so the next transaction queries the node.

Both queues report their counters to a DiagnosticsSink.

The Coordinator owns both queues and the balance watcher.  It's created by
the node and passed to whatever needs to read from or write to the chain.
*/
package coordinator

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/eth"
	"github.com/dfarchon/darkforest-mud-sub002/etherscan"
	"github.com/dfarchon/darkforest-mud-sub002/log"
	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Config contains the Coordinator configuration
type Config struct {
	// Calls configures the read call gateway
	Calls CallGatewayConfig
	// Txs configures the transaction manager
	Txs TxManagerConfig
	// MinimumBalance is the balance in wei below which new transactions
	// are vetoed.  nil disables the check.
	MinimumBalance *big.Int
	// BalanceCheckInterval is the waiting interval between balance
	// queries of the account
	BalanceCheckInterval time.Duration
}

// Coordinator implements the Coordinator type
type Coordinator struct {
	cfg       Config
	ethClient eth.ClientInterface
	account   ethCommon.Address

	calls       *CallGateway
	txManager   *TxManager
	diagnostics DiagnosticsSink

	balanceMutex sync.RWMutex
	balance      *big.Int

	started bool
	ctx     context.Context
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewCoordinator creates a new Coordinator.  hooks.BeforeQueued is chained
// after the minimum balance check.
func NewCoordinator(cfg Config,
	ethClient eth.ClientInterface,
	gasOracle etherscan.Client,
	hooks TxHooks,
	diagnostics DiagnosticsSink,
) (*Coordinator, error) {
	address, err := ethClient.EthAddress()
	if err != nil {
		return nil, common.Wrap(err)
	}
	if diagnostics == nil {
		diagnostics = NopDiagnostics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:         cfg,
		ethClient:   ethClient,
		account:     *address,
		calls:       NewCallGateway(cfg.Calls, ethClient, diagnostics),
		diagnostics: diagnostics,
		ctx:         ctx,
		cancel:      cancel,
	}
	beforeQueued := hooks.BeforeQueued
	hooks.BeforeQueued = func(id TxID, intent *TxIntent, overrides *TxOverrides) error {
		if err := c.checkBalance(); err != nil {
			return err
		}
		if beforeQueued != nil {
			return beforeQueued(id, intent, overrides)
		}
		return nil
	}
	txManager, err := NewTxManager(cfg.Txs, ethClient, gasOracle, hooks, diagnostics)
	if err != nil {
		cancel()
		return nil, common.Wrap(err)
	}
	c.txManager = txManager
	return c, nil
}

// Calls returns the read call gateway
func (c *Coordinator) Calls() *CallGateway {
	return c.calls
}

// TxManager returns the transaction manager
func (c *Coordinator) TxManager() *TxManager {
	return c.txManager
}

// Account returns the address of the account sending transactions
func (c *Coordinator) Account() ethCommon.Address {
	return c.account
}

// Balance returns the last known balance of the account, or nil if it was
// never fetched
func (c *Coordinator) Balance() *big.Int {
	c.balanceMutex.RLock()
	defer c.balanceMutex.RUnlock()
	return c.balance
}

// Submit is a shortcut for TxManager().Submit
func (c *Coordinator) Submit(intent *TxIntent, overrides *TxOverrides) (*Transaction, error) {
	return c.txManager.Submit(intent, overrides)
}

// Start the coordinator
func (c *Coordinator) Start() {
	if c.started {
		log.Fatal("Coordinator already started")
	}
	c.started = true
	if c.cfg.BalanceCheckInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		waitDuration := time.Duration(0)
		for {
			select {
			case <-c.ctx.Done():
				log.Info("Coordinator balance watcher done")
				return
			case <-time.After(waitDuration):
				waitDuration = c.cfg.BalanceCheckInterval
				if err := c.updateBalance(c.ctx); c.ctx.Err() != nil {
					continue
				} else if err != nil {
					log.Warnw("Coordinator.updateBalance", "err", err)
				}
			}
		}
	}()
}

const balanceFetchTimeout = 2 * time.Second

// Stop the coordinator
func (c *Coordinator) Stop() {
	log.Infow("Stopping Coordinator...")
	c.cancel()
	c.wg.Wait()
	c.txManager.Stop()
	c.calls.Stop()
	c.started = false
}

func (c *Coordinator) updateBalance(ctx context.Context) error {
	balance, err := c.calls.BalanceAt(c.account).Wait(ctx)
	if err != nil {
		return common.Wrap(err)
	}
	c.balanceMutex.Lock()
	c.balance = balance
	c.balanceMutex.Unlock()
	log.Debugw("Coordinator: account balance", "addr", c.account, "balance", balance)
	return nil
}

// checkBalance vetoes new transactions while the known balance is below
// the configured minimum
func (c *Coordinator) checkBalance() error {
	if c.cfg.MinimumBalance == nil {
		return nil
	}
	balance := c.Balance()
	if balance == nil {
		ctx, cancel := context.WithTimeout(c.ctx, balanceFetchTimeout)
		defer cancel()
		if err := c.updateBalance(ctx); err != nil {
			log.Warnw("Coordinator: unknown balance, not checking minimum", "err", err)
			return nil
		}
		balance = c.Balance()
	}
	if balance.Cmp(c.cfg.MinimumBalance) < 0 {
		return common.Wrap(common.ErrInsufficientBalance)
	}
	return nil
}
