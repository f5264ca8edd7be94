package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/log"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"
)

// NonceSource returns the authoritative next nonce of an account
type NonceSource interface {
	EthPendingNonceAt(ctx context.Context, account ethCommon.Address) (uint64, error)
}

// NonceAllocatorConfig is the configuration of the NonceAllocator
type NonceAllocatorConfig struct {
	// SupportMultipleWallets refreshes the cached nonce from the node when
	// it was last used more than StaleAfter ago, to pick up transactions
	// sent with the same account by other programs
	SupportMultipleWallets bool
	// StaleAfter is the age after which the cached nonce is refreshed
	StaleAfter time.Duration
}

// NonceAllocator hands out the nonces of the transactions sent by an
// account.  A nonce is only allocated inside WithNonce, which holds an
// exclusive lock until the function using the nonce (the submission to the
// node) returns, so that nonces reach the node in order and are never
// repeated.
type NonceAllocator struct {
	cfg     NonceAllocatorConfig
	source  NonceSource
	account ethCommon.Address

	// smphr guards nonce, hasNonce and lastIssuedAt
	smphr        *semaphore.Weighted
	nonce        uint64
	hasNonce     bool
	lastIssuedAt time.Time

	turns *turnstile
}

// NewNonceAllocator creates a NonceAllocator for account
func NewNonceAllocator(cfg NonceAllocatorConfig, source NonceSource,
	account ethCommon.Address) *NonceAllocator {
	return &NonceAllocator{
		cfg:     cfg,
		source:  source,
		account: account,
		smphr:   semaphore.NewWeighted(1),
		turns:   newTurnstile(),
	}
}

// Reserve returns the next turn to enter the critical section.  Turns are
// granted in the order they are reserved.
func (a *NonceAllocator) Reserve() *NonceTurn {
	return a.turns.reserve()
}

// WithNonce waits for turn (if not nil), takes the lock, allocates a nonce
// and calls fn with it while holding the lock.  If fn fails, the cached
// nonce is discarded so the next allocation queries the node.  The turn is
// released when WithNonce returns.
func (a *NonceAllocator) WithNonce(ctx context.Context, turn *NonceTurn,
	fn func(nonce uint64) error) error {
	if turn != nil {
		defer turn.Release()
		if err := turn.Wait(ctx); err != nil {
			return common.Wrap(err)
		}
	}
	if err := a.smphr.Acquire(ctx, 1); err != nil {
		return common.Wrap(common.ErrDone)
	}
	defer a.smphr.Release(1)

	nonce, err := a.allocate(ctx)
	if err != nil {
		return common.Wrap(err)
	}
	if err := fn(nonce); err != nil {
		a.reset()
		return err
	}
	return nil
}

// Reset discards the cached nonce
func (a *NonceAllocator) Reset(ctx context.Context) error {
	if err := a.smphr.Acquire(ctx, 1); err != nil {
		return common.Wrap(common.ErrDone)
	}
	defer a.smphr.Release(1)
	a.reset()
	return nil
}

// Cached returns the nonce that will be used by the next transaction if the
// cache is not refreshed.  The boolean is false when there is no cached
// nonce.
func (a *NonceAllocator) Cached(ctx context.Context) (uint64, bool, error) {
	if err := a.smphr.Acquire(ctx, 1); err != nil {
		return 0, false, common.Wrap(common.ErrDone)
	}
	defer a.smphr.Release(1)
	return a.nonce, a.hasNonce, nil
}

func (a *NonceAllocator) reset() {
	if a.hasNonce {
		log.Debugw("NonceAllocator: reset", "nonce", a.nonce)
	}
	a.hasNonce = false
}

// allocate returns the next nonce.  The node is queried when there is no
// cached nonce or when the cached one is stale, and the highest of both
// values wins.  Must be called with the lock held.
func (a *NonceAllocator) allocate(ctx context.Context) (uint64, error) {
	now := time.Now()
	stale := a.cfg.SupportMultipleWallets && now.Sub(a.lastIssuedAt) > a.cfg.StaleAfter
	if !a.hasNonce || stale {
		nonce, err := a.source.EthPendingNonceAt(ctx, a.account)
		if err != nil {
			return 0, common.Wrap(err)
		}
		if !a.hasNonce || nonce > a.nonce {
			a.nonce = nonce
		}
		a.hasNonce = true
	}
	nonce := a.nonce
	a.nonce++
	a.lastIssuedAt = now
	return nonce, nil
}

// NonceTurn is a position in the line to enter the nonce critical section
type NonceTurn struct {
	ticket  uint64
	t       *turnstile
	release sync.Once
}

// Wait blocks until it's the turn's time to enter the critical section
func (n *NonceTurn) Wait(ctx context.Context) error {
	return n.t.wait(ctx, n.ticket)
}

// Release gives up the turn.  If the turn was not served yet it is skipped
// when its time comes.  Calling Release more than once has no effect.
func (n *NonceTurn) Release() {
	if n == nil {
		return
	}
	n.release.Do(func() { n.t.done(n.ticket) })
}

type turnstile struct {
	mu        sync.Mutex
	next      uint64
	serving   uint64
	abandoned map[uint64]struct{}
	changed   chan struct{}
}

func newTurnstile() *turnstile {
	return &turnstile{
		abandoned: make(map[uint64]struct{}),
		changed:   make(chan struct{}),
	}
}

func (t *turnstile) reserve() *NonceTurn {
	t.mu.Lock()
	defer t.mu.Unlock()
	turn := &NonceTurn{ticket: t.next, t: t}
	t.next++
	return turn
}

func (t *turnstile) wait(ctx context.Context, ticket uint64) error {
	for {
		t.mu.Lock()
		if t.serving == ticket {
			t.mu.Unlock()
			return nil
		}
		changed := t.changed
		t.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return common.ErrDone
		}
	}
}

func (t *turnstile) done(ticket uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ticket != t.serving {
		t.abandoned[ticket] = struct{}{}
		return
	}
	t.serving++
	for {
		if _, ok := t.abandoned[t.serving]; !ok {
			break
		}
		delete(t.abandoned, t.serving)
		t.serving++
	}
	close(t.changed)
	t.changed = make(chan struct{})
}
