package tpool

import (
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// waitResult is what a parked Acquire wakes up with. A nil conn with a nil err
// means the pool shut down.
type waitResult struct {
	conn *Connection
	err  error
}

// waiter is a parked Acquire call. It resolves exactly once: either a result
// is sent, or the caller abandons it.
type waiter struct {
	result     chan waitResult
	enqueuedAt time.Time
	done       bool
}

func newWaiter() *waiter {
	return &waiter{
		result:     make(chan waitResult, 1),
		enqueuedAt: time.Now(),
	}
}

// resolve hands a lease to the waiter. Caller holds the segment lock.
func (w *waiter) resolve(conn *Connection) {
	w.done = true
	w.result <- waitResult{conn: conn}
}

// fail wakes the waiter with err. Caller holds the segment lock.
func (w *waiter) fail(err error) {
	w.done = true
	w.result <- waitResult{err: err}
}

// waitQueue is the FIFO of waiters for one class. Abandoned waiters stay in the
// queue until they surface and are skipped. All methods require the segment lock.
type waitQueue struct {
	waiters *queue.Queue
	pending int
	hint    int64
}

func newWaitQueue(hint int64) *waitQueue {
	return &waitQueue{
		waiters: queue.New(hint),
		hint:    hint,
	}
}

func (wq *waitQueue) push(w *waiter) error {
	if err := wq.waiters.Put(w); err != nil {
		return err
	}

	wq.pending++
	return nil
}

// popLive returns the oldest waiter that hasn't been resolved or abandoned.
func (wq *waitQueue) popLive() *waiter {
	for wq.waiters.Len() > 0 {
		items, err := wq.waiters.Get(1)
		if err != nil || len(items) == 0 {
			return nil
		}

		w := items[0].(*waiter)
		if w.done {
			continue
		}

		wq.pending--
		return w
	}

	return nil
}

// abandon removes a waiter that timed out or was cancelled.
func (wq *waitQueue) abandon(w *waiter) {
	if w.done {
		return
	}

	w.done = true
	wq.pending--

	if wq.pending == 0 && wq.waiters.Len() > 0 {
		wq.waiters.Dispose()
		wq.waiters = queue.New(wq.hint)
	}
}

// drain returns every live waiter in FIFO order and empties the queue.
func (wq *waitQueue) drain() []*waiter {
	live := make([]*waiter, 0, wq.pending)
	for w := wq.popLive(); w != nil; w = wq.popLive() {
		live = append(live, w)
	}

	wq.waiters.Dispose()
	wq.waiters = queue.New(wq.hint)
	wq.pending = 0
	return live
}

func (wq *waitQueue) len() int {
	return wq.pending
}
