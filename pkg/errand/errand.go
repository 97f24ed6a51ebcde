// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errand implements the driver's deferred-work scheduler: a
// single-threaded cooperative timer queue that sequences multi-step hardware
// bring-up without blocking the dispatch loop. All callbacks run on the
// queue's dispatch goroutine; the only way to cancel an errand is for its
// callback to observe stale state and ignore it.
package errand

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Callback is a deferred piece of work dispatched by the queue.
type Callback func()

type item struct {
	due time.Duration // virtual time since queue creation
	seq uint64
	fn  Callback
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the timer queue. Schedule and Poll may only be called from the
// dispatch goroutine (i.e. from within callbacks or before Run). Post is
// safe from any goroutine and is how interrupt sources enter the loop.
type Queue struct {
	mu    sync.Mutex
	items itemHeap
	now   time.Duration
	seq   uint64
	wake  chan struct{}
	log   *logrus.Entry
}

// New creates an empty queue.
func New(log *logrus.Entry) *Queue {
	if log == nil {
		log = logrus.WithField("component", "errand")
	}
	return &Queue{wake: make(chan struct{}, 1), log: log}
}

func (q *Queue) push(fn Callback, delay time.Duration) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &item{due: q.now + delay, seq: q.seq, fn: fn})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Schedule enqueues a one-shot callback firing no earlier than now+delay.
// Callbacks with non-overlapping due times fire in time order; ties are
// broken by insertion order.
func (q *Queue) Schedule(fn Callback, delay time.Duration) {
	q.push(fn, delay)
}

// Post enqueues a callback to run as soon as possible. It is the entry
// point for work originating outside the dispatch goroutine, e.g. hardware
// interrupts or client kicks.
func (q *Queue) Post(fn Callback) {
	q.push(fn, 0)
}

// Poll fires pred every interval until it returns true or retries attempts
// have been used up, then invokes done with the outcome. The predicate runs
// synchronously on the dispatch goroutine, never in an interrupt handler.
func (q *Queue) Poll(retries int, interval time.Duration, pred func() bool, done func(ok bool)) {
	remaining := retries
	var attempt Callback
	attempt = func() {
		if pred() {
			done(true)
			return
		}
		remaining--
		if remaining <= 0 {
			done(false)
			return
		}
		q.Schedule(attempt, interval)
	}
	q.Schedule(attempt, interval)
}

// step runs the earliest item. With advance set the virtual clock jumps to
// the item's due time; otherwise items that are not yet due stay queued.
// Returns false if nothing was run.
func (q *Queue) step(advance bool) bool {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	if !advance && q.items[0].due > q.now {
		q.mu.Unlock()
		return false
	}
	it := heap.Pop(&q.items).(*item)
	if it.due > q.now {
		q.now = it.due
	}
	q.mu.Unlock()

	it.fn()
	return true
}

// RunUntilIdle drains the queue, advancing virtual time as needed, and
// returns when no work is left. It is the dispatch primitive used by tests
// and by synchronous bring-up sequences; no real time passes.
func (q *Queue) RunUntilIdle() {
	for q.step(true) {
	}
}

// nextDelay returns the real-time delay until the earliest item, or a
// negative value if the queue is empty.
func (q *Queue) nextDelay() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return -1
	}
	return q.items[0].due - q.now
}

// Run dispatches the queue against the wall clock until ctx is done. It is
// the driver's main loop: between due items it sleeps, waking early when
// Post delivers new work.
func (q *Queue) Run(ctx context.Context) {
	start := time.Now()
	for {
		q.mu.Lock()
		q.now = time.Since(start)
		q.mu.Unlock()

		for q.step(false) {
		}

		d := q.nextDelay()
		if d < 0 {
			select {
			case <-q.wake:
			case <-ctx.Done():
				return
			}
			continue
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
