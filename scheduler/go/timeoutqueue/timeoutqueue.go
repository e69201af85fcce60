// Package timeoutqueue implements the scheduler's delayed-callback queue:
// "schedule F(args) to run no earlier than T with at-least-once delivery"
// (spec §9). Task timeout reclaims are the only caller, but the queue
// itself is agnostic to what it delivers.
package timeoutqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.skia.org/mrtaskman/go/now"
	"go.skia.org/mrtaskman/go/sklog"
)

// Callback is invoked when a scheduled entry's ETA arrives. Implementations
// must be idempotent, since the delayed-callback contract allows redelivery.
// This Queue pops each entry before firing it, so it fires an entry at most
// once, and a panicking callback is not retried; entries pending at a
// restart or at Stop are never fired (see Queue and Stop).
type Callback func(ctx context.Context)

type entry struct {
	eta      time.Time
	cb       Callback
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].eta.Before(h[j].eta) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is an in-process implementation of the delayed-callback contract,
// backed by a timer heap. It is not persistent: entries scheduled before a
// process restart are lost, which is acceptable for the reference server
// (a production deployment would back this with a persistent store or an
// external task queue, per spec §9's "Implementations may use...").
type Queue struct {
	ctx context.Context

	mtx      sync.Mutex
	heap     entryHeap
	wake     chan struct{}
	stopped  bool
}

// New returns a running Queue. ctx governs the queue's background
// goroutine; canceling it stops delivery of further callbacks.
func New(ctx context.Context) *Queue {
	q := &Queue{
		ctx:  ctx,
		wake: make(chan struct{}, 1),
	}
	go q.run()
	return q
}

// Schedule enqueues cb to run no earlier than eta.
func (q *Queue) Schedule(eta time.Time, cb Callback) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.stopped {
		return
	}
	heap.Push(&q.heap, &entry{eta: eta, cb: cb})
	q.nudge()
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	for {
		q.mtx.Lock()
		var wait time.Duration
		if len(q.heap) == 0 {
			wait = time.Hour
		} else {
			wait = q.heap[0].eta.Sub(now.Now(q.ctx))
			if wait < 0 {
				wait = 0
			}
		}
		q.mtx.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
		q.fireDue()
	}
}

func (q *Queue) fireDue() {
	var due []*entry
	q.mtx.Lock()
	if q.stopped {
		q.mtx.Unlock()
		return
	}
	n := now.Now(q.ctx)
	for len(q.heap) > 0 && !q.heap[0].eta.After(n) {
		due = append(due, heap.Pop(&q.heap).(*entry))
	}
	q.mtx.Unlock()

	for _, e := range due {
		func() {
			defer func() {
				if r := recover(); r != nil {
					sklog.Errorf("timeoutqueue: callback panicked: %v", r)
				}
			}()
			e.cb(q.ctx)
		}()
	}
}

// Len reports the number of pending entries, for tests.
func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.heap)
}

// Stop halts delivery of further callbacks; already-fired callbacks are
// unaffected. Safe to call multiple times.
func (q *Queue) Stop() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.stopped = true
}
