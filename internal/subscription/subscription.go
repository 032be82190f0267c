// Package subscription implements the subscriber-side state machines for
// the three subscription flavors: point, range, and limit. All three
// share one consumer contract — get_els: drain whatever is buffered, or
// block up to a timeout for the next batch, surfacing how many elements
// were dropped by backpressure and any latched terminal error.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/odin-db/changefeed/internal/metrics"
	"github.com/odin-db/changefeed/internal/wire"
	"golang.org/x/time/rate"
)

// Element is one {old_val, new_val} record delivered to a consumer, or —
// when Err is non-empty — the single synthetic record get_els substitutes
// for a batch of real elements once backpressure has dropped some.
type Element struct {
	OldVal wire.Datum
	NewVal wire.Datum
	Err    string
}

// base implements the get_els contract shared by Point, Range, and
// Limit: a bounded buffer, a skipped-element counter that resets every
// drain, and a latched terminal error (e.g. the underlying publisher
// went away) that every subsequent get_els call re-raises.
//
// Grounded on the teacher's SubscriptionSet/broadcast backpressure idiom
// (internal/shared/connection.go, internal/shared/broadcast.go): bounded
// buffering with "drop everything and count" on overflow, rather than
// blocking the producer or growing without bound.
type base struct {
	id          wire.SubscriptionID
	kind        string // metrics label: "point", "range", "limit"
	maxBuffered int
	metrics     *metrics.Subscriber
	limiter     *rate.Limiter // throttles how fast a post-skip batch is handed back

	mu              sync.Mutex
	cond            *sync.Cond
	buffered        []Element
	skipped         int
	pendingThrottle bool // set once a skip is reported, so the next real drain is the one throttled
	err             error
	closed          bool
}

func newBase(id wire.SubscriptionID, kind string, maxBuffered int, m *metrics.Subscriber) *base {
	b := &base{id: id, kind: kind, maxBuffered: maxBuffered, metrics: m}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// withReplayLimit attaches a token-bucket limiter that throttles how
// fast get_els hands back a batch that followed a skip, so a consumer
// that just fell behind isn't immediately hit with another burst large
// enough to trigger the same overflow again. Grounded on the teacher's
// inbound-message rate limiter (internal/shared/limits/*rate_limiter.go),
// applied here to the outbound replay path instead.
func (b *base) withReplayLimit(limiter *rate.Limiter) *base {
	b.limiter = limiter
	return b
}

// ID returns this subscription's identity.
func (b *base) ID() wire.SubscriptionID { return b.id }

// emit appends el to the buffer, dropping everything buffered so far
// (and bumping the skip counter) if the buffer is already at capacity —
// spec.md §4.3's "bounded deque; if over the array-size limit, drop all
// buffered rows and increment skipped".
func (b *base) emit(el Element) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked(el)
}

// emitLocked is emit's body for callers that already hold b.mu.
func (b *base) emitLocked(el Element) {
	if b.closed {
		return
	}
	if len(b.buffered) >= b.maxBuffered {
		dropped := len(b.buffered)
		b.skipped += dropped
		b.buffered = b.buffered[:0]
		if b.metrics != nil {
			b.metrics.ElementsSkipped.WithLabelValues(b.kind).Add(float64(dropped))
		}
	}
	b.buffered = append(b.buffered, el)
	b.cond.Broadcast()
}

// fail latches a terminal error: every get_els call from here on returns
// it immediately instead of blocking.
func (b *base) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failLocked(err)
}

func (b *base) failLocked(err error) {
	if b.err == nil {
		b.err = err
	}
	b.closed = true
	b.cond.Broadcast()
}

// GetEls implements the common get_els contract, spec.md §4.4: rethrow a
// latched error; else, if skipped > 0, return a single synthetic
// {"error": "... skipped N elements."} record and reset skipped, without
// touching the real buffer; else pull from the local buffer. Skip
// reporting and element draining are mutually exclusive per call — a
// batch of real elements queued behind an overflow is held for the next
// call, matching the original's subscription_t::get_els (skip and drain
// are never returned together).
//
// A timeout with nothing buffered and nothing skipped returns a nil
// batch and a nil error — callers are expected to call again.
//
// When a drained batch is the one immediately following a reported skip,
// and a replay limiter is attached, GetEls waits for that many tokens
// before returning so a consumer that just fell behind doesn't get
// handed another overflow-sized burst immediately.
func (b *base) GetEls(ctx context.Context, timeout time.Duration) ([]Element, int, error) {
	deadline := time.Now().Add(timeout)

	b.mu.Lock()

	for len(b.buffered) == 0 && b.skipped == 0 && b.err == nil {
		if ctx.Err() != nil {
			b.mu.Unlock()
			return nil, 0, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if b.metrics != nil {
				b.metrics.GetElsTimedOut.Inc()
			}
			b.mu.Unlock()
			return nil, 0, nil
		}
		if b.metrics != nil {
			b.metrics.GetElsBlocked.Inc()
		}
		b.waitOnce(ctx, remaining)
	}

	if b.err != nil {
		err := b.err
		b.mu.Unlock()
		return nil, 0, err
	}

	if b.skipped > 0 {
		skipped := b.skipped
		b.skipped = 0
		b.pendingThrottle = b.limiter != nil
		b.mu.Unlock()
		msg := fmt.Sprintf("Changefeed cache over array size limit, skipped %d elements.", skipped)
		return []Element{{Err: msg}}, skipped, nil
	}

	els := b.buffered
	throttle := b.pendingThrottle
	limiter := b.limiter
	b.buffered = nil
	b.pendingThrottle = false
	b.mu.Unlock()

	if throttle && limiter != nil {
		if err := limiter.WaitN(ctx, len(els)); err != nil {
			return els, 0, nil
		}
	}
	return els, 0, nil
}

// waitOnce blocks on the condition variable until either new data
// arrives, the subscription fails, d elapses, or ctx is cancelled —
// whichever comes first. Must be called with b.mu held; returns with it
// held, per sync.Cond.Wait's contract.
func (b *base) waitOnce(ctx context.Context, d time.Duration) {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-stop:
			return
		}
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	}()

	b.cond.Wait()
}

// Close marks the subscription terminated with reason, waking any
// blocked get_els call. Idempotent.
func (b *base) Close(reason string) {
	b.fail(&ClosedError{Reason: reason})
}

// ClosedError is the latched error a subscription surfaces once its feed
// has torn it down (peer disconnect, shard drain, explicit stop).
type ClosedError struct {
	Reason string
}

func (e *ClosedError) Error() string { return "subscription closed: " + e.Reason }
