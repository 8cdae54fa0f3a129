package opqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the width used when New is given a value below 1.
const DefaultConcurrency = 5

// Op is one unit of work. ctx is cancelled when the queue closes.
type Op func(ctx context.Context) error

// Future is the deferred result of an Op.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the op finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

type item struct {
	op  Op
	fut *Future
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Concurrency int    `json:"concurrency"`
	Queued      int    `json:"queued"`
	Running     int64  `json:"running"`
	Completed   uint64 `json:"completed"`
}

// Queue admits ops in arrival order, at most Concurrency at a time.
type Queue struct {
	width int
	sem   *semaphore.Weighted

	mu     sync.Mutex
	items  []item
	closed bool
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running   atomic.Int64
	completed atomic.Uint64
}

// New starts a queue with the given width.
func New(concurrency int) *Queue {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		width:  concurrency,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	q.wg.Add(1)
	go q.dispatch()
	return q
}

// Add enqueues op and returns its Future. After Close the future fails
// immediately with ErrQueueClosed.
func (q *Queue) Add(op Op) *Future {
	fut := &Future{done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		fut.resolve(ErrQueueClosed)
		return fut
	}
	q.items = append(q.items, item{op: op, fut: fut})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return fut
}

// dispatch pops items in order, waiting for a semaphore slot before each.
func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		it, ok := q.next()
		if !ok {
			return
		}
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			it.fut.resolve(ErrQueueClosed)
			q.failPending()
			return
		}

		q.running.Add(1)
		q.wg.Add(1)
		go q.run(it)
	}
}

func (q *Queue) next() (item, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = item{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return item{}, false
		}

		select {
		case <-q.wake:
		case <-q.ctx.Done():
		}
	}
}

func (q *Queue) run(it item) {
	defer func() {
		q.sem.Release(1)
		q.running.Add(-1)
		q.completed.Add(1)
		q.wg.Done()
	}()

	err := q.safeCall(it.op)
	it.fut.resolve(err)
}

func (q *Queue) safeCall(op Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("opqueue: operation panicked: %v", r)
		}
	}()
	return op(q.ctx)
}

func (q *Queue) failPending() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, it := range items {
		it.fut.resolve(ErrQueueClosed)
	}
}

// Close stops admitting ops, fails the ones still queued with
// ErrQueueClosed, cancels the context of running ops and waits for them.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.failPending()
	q.cancel()
	q.wg.Wait()
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	queued := len(q.items)
	q.mu.Unlock()
	return Stats{
		Concurrency: q.width,
		Queued:      queued,
		Running:     q.running.Load(),
		Completed:   q.completed.Load(),
	}
}
