package coordinator

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/eth"
	"github.com/dfarchon/darkforest-mud-sub002/log"
	"github.com/dfarchon/darkforest-mud-sub002/taskqueue"
	ethCommon "github.com/ethereum/go-ethereum/common"
)

// CallGatewayConfig is the configuration of the CallGateway
type CallGatewayConfig struct {
	// Queue configures the throttle and concurrency of read calls
	Queue taskqueue.Config
	// MaxRetries is the number of times a call failing with a transient
	// error is enqueued again before giving up
	MaxRetries int
	// RetryDelay is the delay before the first retry.  It doubles on
	// every following retry.
	RetryDelay time.Duration
	// MaxRetryDelay caps the delay between retries
	MaxRetryDelay time.Duration
}

// CallFunc is a read only call against the ethereum node
type CallFunc[T any] func(ctx context.Context, client eth.ClientInterface) (T, error)

type callMeta struct {
	attempt int
}

// CallGateway throttles the read calls made to the ethereum node and retries
// the ones failing with transient errors.  Retries go through the queue
// again, so they consume throttle budget like any other call.
type CallGateway struct {
	cfg         CallGatewayConfig
	ethClient   eth.ClientInterface
	queue       *taskqueue.Queue[any, callMeta]
	diagnostics DiagnosticsSink
	totalCalls  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCallGateway creates a CallGateway
func NewCallGateway(cfg CallGatewayConfig, ethClient eth.ClientInterface,
	diagnostics DiagnosticsSink) *CallGateway {
	if diagnostics == nil {
		diagnostics = NopDiagnostics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CallGateway{
		cfg:         cfg,
		ethClient:   ethClient,
		queue:       taskqueue.NewQueue[any, callMeta](cfg.Queue),
		diagnostics: diagnostics,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Call enqueues fn in the gateway and returns the future of its result.  fn
// is retried up to MaxRetries times unless it fails with
// common.ErrCallRejected.
func Call[T any](g *CallGateway, fn CallFunc[T]) *taskqueue.Future[T] {
	promise := taskqueue.NewPromise[T]()
	go func() {
		val, err := g.call(func(ctx context.Context) (any, error) {
			return fn(ctx, g.ethClient)
		})
		if err != nil {
			promise.Reject(err)
			return
		}
		res, _ := val.(T)
		promise.Resolve(res)
	}()
	return promise.Future()
}

// ContractCall enqueues a read only call to method of contract and returns
// the future of its decoded outputs
func (g *CallGateway) ContractCall(contract *eth.Contract, method string,
	args ...interface{}) *taskqueue.Future[[]interface{}] {
	return Call(g, func(ctx context.Context, client eth.ClientInterface) ([]interface{}, error) {
		return contract.Call(ctx, client, method, args...)
	})
}

// BalanceAt enqueues a balance query of account
func (g *CallGateway) BalanceAt(account ethCommon.Address) *taskqueue.Future[*big.Int] {
	return Call(g, func(ctx context.Context, client eth.ClientInterface) (*big.Int, error) {
		return client.EthBalanceAt(ctx, account)
	})
}

// Size returns the number of calls waiting in the queue
func (g *CallGateway) Size() int {
	return g.queue.Size()
}

// Stop drops the queued calls and waits for the running ones
func (g *CallGateway) Stop() {
	g.cancel()
	g.queue.Stop()
}

func (g *CallGateway) call(fn taskqueue.TaskFunc[any]) (any, error) {
	task := func(ctx context.Context) (any, error) {
		g.diagnostics.SetCallsInQueue(int64(g.queue.Size()))
		return fn(ctx)
	}
	for attempt := 0; ; attempt++ {
		g.diagnostics.SetTotalCalls(g.totalCalls.Add(1))
		future := g.queue.Add(task, callMeta{attempt: attempt})
		g.diagnostics.SetCallsInQueue(int64(g.queue.Size()))

		val, err := future.Wait(g.ctx)
		if err == nil {
			return val, nil
		}
		if common.IsErrCallRejected(err) {
			log.Debugw("CallGateway: call rejected", "attempt", attempt, "err", err)
			return nil, err
		}
		if common.IsErrDone(err) || common.Unwrap(err) == taskqueue.ErrQueueStopped {
			return nil, err
		}
		if attempt >= g.cfg.MaxRetries {
			log.Warnw("CallGateway: giving up", "attempts", attempt+1, "err", err)
			return nil, err
		}
		log.Debugw("CallGateway: retrying call", "attempt", attempt, "err", err)
		select {
		case <-time.After(g.retryDelay(attempt)):
		case <-g.ctx.Done():
			return nil, common.Wrap(common.ErrDone)
		}
	}
}

func (g *CallGateway) retryDelay(attempt int) time.Duration {
	delay := g.cfg.RetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if g.cfg.MaxRetryDelay > 0 && delay >= g.cfg.MaxRetryDelay {
			return g.cfg.MaxRetryDelay
		}
	}
	return delay
}
