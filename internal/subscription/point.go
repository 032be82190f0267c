package subscription

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/odin-db/changefeed/internal/metrics"
	"github.com/odin-db/changefeed/internal/wire"
)

// Point is a single primary-key point subscription: get_els delivers at
// most one pending {old_val, new_val} at a time, coalescing any changes
// that land between two get_els calls rather than queuing each one —
// spec.md §4.3's "overwrite el with new_val if the envelope stamp is
// ≥ the subscription's stamp baseline".
type Point struct {
	*base
	key         wire.Datum
	publisherID wire.PublisherID
	startStamp  wire.Stamp

	currentVal    wire.Datum // last value the consumer has acknowledged, via get_els
	pendingOldVal wire.Datum
	haveCoalesced bool
}

// NewPoint creates a point subscription on key, seeded with the row's
// value as of the read that started it (nil if the row didn't exist),
// filtering out any change envelope stamped below startStamp.
func NewPoint(id wire.SubscriptionID, key wire.Datum, publisherID wire.PublisherID, startStamp wire.Stamp, initial wire.Datum, maxBuffered int, m *metrics.Subscriber) *Point {
	return &Point{
		base:        newBase(id, "point", maxBuffered, m),
		key:         key,
		publisherID: publisherID,
		startStamp:  startStamp,
		currentVal:  initial,
	}
}

// DeliverChange applies env if it concerns this subscription's key and
// was stamped at or after the start baseline, coalescing it into the
// one pending element.
func (p *Point) DeliverChange(env wire.Envelope) {
	if env.PublisherID != p.publisherID || env.Stamp < p.startStamp {
		return
	}
	if ch, ok := env.Message.(*wire.Change); ok {
		p.applyChange(ch)
	}
}

// DeliverLimit is a no-op: point subscriptions never receive limit_*
// messages.
func (p *Point) DeliverLimit(wire.Envelope) {}

// DeliverStop latches the point subscription's terminal error: its one
// publisher has gone away for good.
func (p *Point) DeliverStop(reason string) {
	p.fail(fmt.Errorf("point subscription: publisher stopped: %s", reason))
}

func (p *Point) applyChange(ch *wire.Change) {
	oldKey, newKey := primaryChangeKeys(ch)
	if !bytes.Equal(oldKey, p.key) && !bytes.Equal(newKey, p.key) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	oldVal := p.currentVal
	if p.haveCoalesced {
		oldVal = p.pendingOldVal
	} else {
		p.pendingOldVal = p.currentVal
	}
	p.haveCoalesced = true
	p.currentVal = ch.NewVal

	p.buffered = p.buffered[:0]
	p.buffered = append(p.buffered, Element{OldVal: oldVal, NewVal: ch.NewVal})
	p.cond.Broadcast()
}

// GetEls overrides base so the coalescing flag resets once the pending
// element is actually drained, letting the next change start a fresh
// coalescing window from the just-acknowledged value.
func (p *Point) GetEls(ctx context.Context, timeout time.Duration) ([]Element, int, error) {
	els, skipped, err := p.base.GetEls(ctx, timeout)
	if len(els) > 0 {
		p.mu.Lock()
		p.haveCoalesced = false
		p.mu.Unlock()
	}
	return els, skipped, err
}

// primaryChangeKeys extracts the primary-key value on each side of a
// change, stored under the primary "index" name "" per spec.md §9's
// generalization of primary-key dispatch through the same old_indexes/
// new_indexes machinery secondary indexes use.
func primaryChangeKeys(ch *wire.Change) (oldKey, newKey wire.Datum) {
	if vs, ok := ch.OldIndexes[""]; ok && len(vs) > 0 {
		oldKey = vs[0]
	}
	if vs, ok := ch.NewIndexes[""]; ok && len(vs) > 0 {
		newKey = vs[0]
	}
	return oldKey, newKey
}
