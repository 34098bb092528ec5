package remote

import (
	"context"
	"sync"
	"time"
)

// opQueue runs operations one at a time in submission order.
//
// Depth counts queued, running and scheduled (delayed retry) operations.
// After Close no new operations are admitted and scheduled retries are
// dropped; operations already queued still run.
type opQueue struct {
	mu      sync.Mutex
	ops     []func(context.Context)
	running bool
	closed  bool
	timers  map[*time.Timer]struct{}
	waiters []chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	onDepth func(int)
}

func newOpQueue(onDepth func(int)) *opQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &opQueue{
		timers:  make(map[*time.Timer]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		onDepth: onDepth,
	}
}

func (q *opQueue) depthLocked() int {
	n := len(q.ops) + len(q.timers)
	if q.running {
		n++
	}
	return n
}

// Depth returns the number of outstanding operations.
func (q *opQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

// Add enqueues op. Returns ErrQueueClosed after Close.
func (q *opQueue) Add(op func(context.Context)) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.enqueueLocked(op)
	return nil
}

// enqueueLocked appends op and releases q.mu.
func (q *opQueue) enqueueLocked(op func(context.Context)) {
	q.ops = append(q.ops, op)
	start := !q.running
	q.running = true
	depth := q.depthLocked()
	q.mu.Unlock()

	q.reportDepth(depth)
	if start {
		go q.run()
	}
}

// Schedule enqueues op after delay. The pending retry counts toward Depth.
func (q *opQueue) Schedule(delay time.Duration, op func(context.Context)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if _, ok := q.timers[t]; !ok {
			q.mu.Unlock()
			return
		}
		delete(q.timers, t)
		q.enqueueLocked(op)
	})
	q.timers[t] = struct{}{}
	return nil
}

func (q *opQueue) run() {
	for {
		q.mu.Lock()
		if len(q.ops) == 0 {
			q.running = false
			depth := q.depthLocked()
			q.mu.Unlock()
			q.reportDepth(depth)
			q.settle()
			return
		}
		op := q.ops[0]
		q.ops = q.ops[1:]
		q.mu.Unlock()

		op(q.ctx)

		q.reportDepth(q.Depth())
	}
}

// settle wakes Drain callers if the queue is idle.
func (q *opQueue) settle() {
	q.mu.Lock()
	if q.depthLocked() != 0 {
		q.mu.Unlock()
		return
	}
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Drain blocks until the queue is idle or ctx is done.
func (q *opQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.depthLocked() == 0 {
		q.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops admitting operations and drops scheduled retries.
func (q *opQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for t := range q.timers {
		t.Stop()
		delete(q.timers, t)
	}
	depth := q.depthLocked()
	q.mu.Unlock()

	q.reportDepth(depth)
	q.settle()
}

// Abort cancels the context passed to running operations.
func (q *opQueue) Abort() {
	q.cancel()
}

func (q *opQueue) reportDepth(depth int) {
	if q.onDepth != nil {
		q.onDepth(depth)
	}
}
