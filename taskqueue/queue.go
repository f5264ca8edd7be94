/*
Package taskqueue implements a throttled, concurrency bounded scheduler of
asynchronous tasks.

A Queue starts pending tasks in order while two budgets allow it: at most
MaxInvocationsPerInterval starts inside any sliding window of length
InvocationInterval, and at most MaxConcurrency tasks running at the same time.
The last start timestamps are kept in a ring buffer sized to the throttle
limit.  Every add, completion and wake-up runs a scheduling tick; when pending
work is blocked only by the throttle, a single timer is armed for the instant
the oldest start leaves the window.

Tasks run in insertion order.  Prioritize moves a pending task to the front,
so prioritized tasks run last-prioritized-first and before every other
pending task.
*/
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
)

var (
	// ErrNotFound is used when no pending task matches a predicate
	ErrNotFound = errors.New("no pending task matches")
	// ErrTaskRemoved is used to reject the future of a task removed from
	// the queue before it started
	ErrTaskRemoved = errors.New("task removed from the queue")
	// ErrQueueStopped is used to reject tasks that will never run because
	// the queue was stopped
	ErrQueueStopped = errors.New("queue stopped")
	// ErrPending is returned by Future.Result while the future is not
	// settled
	ErrPending = errors.New("future not settled")
)

// TaskFunc is a unit of work.  The context is cancelled when the queue is
// stopped.
type TaskFunc[T any] func(ctx context.Context) (T, error)

// Config of a Queue
type Config struct {
	// MaxInvocationsPerInterval is the maximum number of task starts inside
	// any window of InvocationInterval
	MaxInvocationsPerInterval int
	// InvocationInterval is the length of the throttle window
	InvocationInterval time.Duration
	// MaxConcurrency is the maximum number of tasks running at once
	MaxConcurrency int
}

// Entry is a task together with its caller metadata and the promise bound to
// the future the caller holds
type Entry[T any, M any] struct {
	Meta    M
	task    TaskFunc[T]
	promise *Promise[T]
}

// Future returns the future of the entry's task
func (e *Entry[T, M]) Future() *Future[T] {
	return e.promise.Future()
}

// Queue is a throttled FIFO scheduler of tasks returning T, tagged with
// metadata M
type Queue[T any, M any] struct {
	cfg Config

	mu       sync.Mutex
	pending  []*Entry[T, M]
	inFlight int
	starts   []time.Time // ring buffer of recent start timestamps
	head     int         // index of the oldest timestamp
	count    int         // timestamps in the ring
	timer    *time.Timer
	stopped  bool
	onStart  func(M)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a Queue.  Non positive limits are raised to 1, and a non
// positive interval disables throttling.
func NewQueue[T any, M any](cfg Config) *Queue[T, M] {
	if cfg.MaxInvocationsPerInterval < 1 {
		cfg.MaxInvocationsPerInterval = 1
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue[T, M]{
		cfg:     cfg,
		pending: make([]*Entry[T, M], 0),
		starts:  make([]time.Time, cfg.MaxInvocationsPerInterval),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnStart registers fn to be called synchronously, in start order, each time
// a task leaves the pending list to run.  fn must not call back into the
// queue.
func (q *Queue[T, M]) OnStart(fn func(M)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onStart = fn
}

// Add appends a task to the pending list and returns its future.  It never
// blocks; a stopped queue rejects the future with ErrQueueStopped.
func (q *Queue[T, M]) Add(task TaskFunc[T], meta M) *Future[T] {
	entry := &Entry[T, M]{
		Meta:    meta,
		task:    task,
		promise: NewPromise[T](),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		entry.promise.Reject(common.Wrap(ErrQueueStopped))
		return entry.Future()
	}
	q.pending = append(q.pending, entry)
	q.tick(time.Now())
	return entry.Future()
}

// Remove takes the first pending task whose metadata matches out of the
// queue and rejects its future with ErrTaskRemoved.  Running tasks are never
// affected.
func (q *Queue[T, M]) Remove(match func(M) bool) (*Entry[T, M], error) {
	q.mu.Lock()
	i := q.find(match)
	if i < 0 {
		q.mu.Unlock()
		return nil, common.Wrap(ErrNotFound)
	}
	entry := q.pending[i]
	q.pending = append(q.pending[:i], q.pending[i+1:]...)
	q.mu.Unlock()

	entry.promise.Reject(common.Wrap(ErrTaskRemoved))
	return entry, nil
}

// Prioritize moves the first pending task whose metadata matches to the front
// of the queue
func (q *Queue[T, M]) Prioritize(match func(M) bool) (*Entry[T, M], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.find(match)
	if i < 0 {
		return nil, common.Wrap(ErrNotFound)
	}
	entry := q.pending[i]
	copy(q.pending[1:i+1], q.pending[:i])
	q.pending[0] = entry
	return entry, nil
}

// Size returns the number of pending tasks, excluding running ones
func (q *Queue[T, M]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of running tasks
func (q *Queue[T, M]) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Pending returns the metadata of the pending tasks in execution order
func (q *Queue[T, M]) Pending() []M {
	q.mu.Lock()
	defer q.mu.Unlock()
	metas := make([]M, len(q.pending))
	for i, entry := range q.pending {
		metas[i] = entry.Meta
	}
	return metas
}

// Stop rejects every pending task with ErrQueueStopped, cancels the context
// of the running ones and waits for them to return
func (q *Queue[T, M]) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	pending := q.pending
	q.pending = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	for _, entry := range pending {
		entry.promise.Reject(common.Wrap(ErrQueueStopped))
	}
	q.cancel()
	q.wg.Wait()
}

func (q *Queue[T, M]) find(match func(M) bool) int {
	for i, entry := range q.pending {
		if match(entry.Meta) {
			return i
		}
	}
	return -1
}

// evict drops the timestamps that are out of the window at now
func (q *Queue[T, M]) evict(now time.Time) {
	for q.count > 0 && now.Sub(q.starts[q.head]) >= q.cfg.InvocationInterval {
		q.head = (q.head + 1) % len(q.starts)
		q.count--
	}
}

func (q *Queue[T, M]) record(now time.Time) {
	q.starts[(q.head+q.count)%len(q.starts)] = now
	q.count++
}

// tick starts as many pending tasks as the budgets allow.  Must be called
// with the lock held.
func (q *Queue[T, M]) tick(now time.Time) {
	if q.stopped {
		return
	}
	q.evict(now)
	throttleSlack := len(q.starts) - q.count
	concurrencySlack := q.cfg.MaxConcurrency - q.inFlight
	n := min(throttleSlack, concurrencySlack, len(q.pending))
	for i := 0; i < n; i++ {
		entry := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.record(now)
		q.inFlight++
		if q.onStart != nil {
			q.onStart(entry.Meta)
		}
		q.wg.Add(1)
		go q.run(entry)
	}
	if len(q.pending) > 0 && concurrencySlack > n && q.count == len(q.starts) {
		q.armTimer(now)
	}
}

// armTimer schedules one wake-up for the instant the oldest start leaves the
// window.  An armed timer is never duplicated.
func (q *Queue[T, M]) armTimer(now time.Time) {
	if q.timer != nil {
		return
	}
	wait := q.starts[q.head].Add(q.cfg.InvocationInterval).Sub(now)
	q.timer = time.AfterFunc(wait, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.timer = nil
		q.tick(time.Now())
	})
}

func (q *Queue[T, M]) run(entry *Entry[T, M]) {
	defer q.wg.Done()
	val, err := q.exec(entry.task)

	q.mu.Lock()
	q.inFlight--
	q.tick(time.Now())
	q.mu.Unlock()

	if err != nil {
		entry.promise.Reject(err)
	} else {
		entry.promise.Resolve(val)
	}
}

func (q *Queue[T, M]) exec(task TaskFunc[T]) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = common.Wrap(fmt.Errorf("task panic: %v", r))
		}
	}()
	return task(q.ctx)
}
