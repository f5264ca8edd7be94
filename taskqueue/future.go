package taskqueue

import (
	"context"
	"sync"

	"github.com/dfarchon/darkforest-mud-sub002/common"
)

// Future is the read side of a one-shot result.  It is settled exactly once,
// either with a value or with an error.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done returns a channel that is closed once the future is settled
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is settled or the context is done
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, common.Wrap(common.ErrDone)
	}
}

// Settled returns true once the future holds a value or an error
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value without blocking, or ErrPending while the
// future is not settled yet.
func (f *Future[T]) Result() (T, error) {
	if !f.Settled() {
		var zero T
		return zero, common.Wrap(ErrPending)
	}
	return f.val, f.err
}

// Promise is the write side of a Future.  Only the first Resolve or Reject
// has an effect.
type Promise[T any] struct {
	future *Future[T]
	once   sync.Once
}

// NewPromise creates a pending Promise
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{
		future: &Future[T]{done: make(chan struct{})},
	}
}

// Future returns the read side of the promise
func (p *Promise[T]) Future() *Future[T] {
	return p.future
}

// Resolve settles the future with a value.  Returns false if it was already
// settled.
func (p *Promise[T]) Resolve(val T) bool {
	return p.settle(val, nil)
}

// Reject settles the future with an error.  Returns false if it was already
// settled.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.settle(zero, err)
}

func (p *Promise[T]) settle(val T, err error) bool {
	settled := false
	p.once.Do(func() {
		p.future.val = val
		p.future.err = err
		close(p.future.done)
		settled = true
	})
	return settled
}

// Rejected returns an already settled failed Future
func Rejected[T any](err error) *Future[T] {
	p := NewPromise[T]()
	p.Reject(err)
	return p.Future()
}
