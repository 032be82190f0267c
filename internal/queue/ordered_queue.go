// Package queue implements the per-publisher ordering structure a Feed
// uses to turn an arbitrarily-interleaved stream of stamped envelopes
// back into the strictly increasing, contiguous sequence each publisher
// promised when it assigned stamps.
package queue

import (
	"container/heap"
	"sync"

	"github.com/odin-db/changefeed/internal/wire"
)

// OrderedQueue buffers out-of-order envelopes from one publisher and
// releases them in stamp order, one contiguous run at a time. next is
// the stamp the queue is waiting for; an envelope below next has already
// been delivered and is a protocol violation (the publisher resending a
// stamp it already assigned).
type OrderedQueue struct {
	mu   sync.Mutex
	next wire.Stamp
	heap envelopeHeap
}

// NewOrderedQueue creates a queue expecting its first envelope at the
// given starting stamp (normally 0, or a subscriber's observed start
// stamp when it attaches mid-stream).
func NewOrderedQueue(start wire.Stamp) *OrderedQueue {
	return &OrderedQueue{next: start}
}

// Push inserts an envelope and pops every envelope now ready in stamp
// order. The insert and the pops run under the queue's lock as a single
// unit; Push itself dispatches nothing.
//
// Push returns the envelopes that became ready, in order, so the caller
// can dispatch them outside the lock if dispatch might itself suspend
// (e.g. to avoid holding this lock across a fan-out to many
// subscriptions). Callers that want drain-while-locked semantics should
// call PushAndDrain instead.
func (q *OrderedQueue) Push(env wire.Envelope) []wire.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(env)
}

func (q *OrderedQueue) pushLocked(env wire.Envelope) []wire.Envelope {
	heap.Push(&q.heap, env)
	var ready []wire.Envelope
	for len(q.heap) > 0 && q.heap[0].Stamp == q.next {
		e := heap.Pop(&q.heap).(wire.Envelope)
		ready = append(ready, e)
		q.next++
	}
	return ready
}

// PushAndDrain inserts env and calls dispatch for every envelope that
// becomes ready, in stamp order, while holding the queue lock. dispatch
// must not suspend or re-enter the queue.
func (q *OrderedQueue) PushAndDrain(env wire.Envelope, dispatch func(wire.Envelope)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ready := q.pushLocked(env)
	for _, e := range ready {
		dispatch(e)
	}
}

// Next returns the next stamp this queue expects to deliver.
func (q *OrderedQueue) Next() wire.Stamp {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next
}

// Pending returns the number of envelopes buffered ahead of next,
// waiting for a gap to close. Exposed for the heap-depth metric.
func (q *OrderedQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// envelopeHeap is a container/heap.Interface ordering envelopes by
// Stamp, ascending — the spec's "small priority queue keyed by stamp".
type envelopeHeap []wire.Envelope

func (h envelopeHeap) Len() int            { return len(h) }
func (h envelopeHeap) Less(i, j int) bool  { return h[i].Stamp < h[j].Stamp }
func (h envelopeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *envelopeHeap) Push(x any)         { *h = append(*h, x.(wire.Envelope)) }
func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
