package subscription

import (
	"fmt"

	"github.com/odin-db/changefeed/internal/metrics"
	"github.com/odin-db/changefeed/internal/region"
	"github.com/odin-db/changefeed/internal/wire"
	"golang.org/x/time/rate"
)

// Range is a range subscription over either the primary index
// (r.Region.Sindex == "") or a secondary index. Unlike Point, a range
// subscription spans every shard serving the table, so its start
// baseline is a per-publisher stamp map rather than a single stamp —
// spec.md §4.4: "enqueue iff start_stamps.contains(publisher_id) &&
// stamp >= start_stamps[publisher_id]".
type Range struct {
	*base
	region      region.Region
	startStamps map[wire.PublisherID]wire.Stamp
}

// NewRange creates a range subscription over r, with one start stamp per
// publisher serving the table (from storage.Reader.StampRead).
// replayRate, if > 0, caps how many elements per second a post-skip
// batch replays at (see base.withReplayLimit); a range subscription is
// the one most likely to accumulate a large skip, since it can match
// every write to a table rather than one key.
func NewRange(id wire.SubscriptionID, r region.Region, startStamps map[wire.PublisherID]wire.Stamp, maxBuffered int, replayRate float64, m *metrics.Subscriber) *Range {
	baselines := make(map[wire.PublisherID]wire.Stamp, len(startStamps))
	for k, v := range startStamps {
		baselines[k] = v
	}
	b := newBase(id, "range", maxBuffered, m)
	if replayRate > 0 {
		b.withReplayLimit(rate.NewLimiter(rate.Limit(replayRate), maxBuffered))
	}
	return &Range{
		base:        b,
		region:      r,
		startStamps: baselines,
	}
}

// DeliverChange filters env against this subscription's publisher
// baselines, then reconciles it against the region predicate.
func (r *Range) DeliverChange(env wire.Envelope) {
	baseline, known := r.startStamps[env.PublisherID]
	if !known || env.Stamp < baseline {
		return
	}
	if ch, ok := env.Message.(*wire.Change); ok {
		r.applyChange(ch)
	}
}

// DeliverLimit is a no-op: range subscriptions never receive limit_*
// messages.
func (r *Range) DeliverLimit(wire.Envelope) {}

// DeliverStop latches one error on the whole subscription — losing any
// one shard makes this subscription's view incomplete, so the whole
// subscription fails per spec.md §4.4's latched-error semantics.
func (r *Range) DeliverStop(reason string) {
	r.fail(fmt.Errorf("range subscription: publisher stopped: %s", reason))
}

func (r *Range) applyChange(ch *wire.Change) {
	if r.region.Sindex == "" {
		oldKey, newKey := primaryChangeKeys(ch)
		oldIn := oldKey != nil && r.region.Contains(oldKey)
		newIn := newKey != nil && r.region.Contains(newKey)
		if !oldIn && !newIn {
			return
		}
		var oldVal, newVal wire.Datum
		if oldIn {
			oldVal = ch.OldVal
		}
		if newIn {
			newVal = ch.NewVal
		}
		r.emit(Element{OldVal: oldVal, NewVal: newVal})
		return
	}

	// Secondary-index indexed multiset reconciliation (spec.md §4.3):
	// a multi-index can map one row to several values, some in range and
	// some not; the matching counts on each side may differ after a
	// write, and the imbalance becomes one-sided adds/deletes.
	oldCount := countInRegion(ch.OldIndexes[r.region.Sindex], r.region)
	newCount := countInRegion(ch.NewIndexes[r.region.Sindex], r.region)

	shared := oldCount
	if newCount < shared {
		shared = newCount
	}
	for i := 0; i < shared; i++ {
		r.emit(Element{OldVal: ch.OldVal, NewVal: ch.NewVal})
	}
	for i := shared; i < oldCount; i++ {
		r.emit(Element{OldVal: ch.OldVal})
	}
	for i := shared; i < newCount; i++ {
		r.emit(Element{NewVal: ch.NewVal})
	}
}

func countInRegion(vals []wire.Datum, r region.Region) int {
	n := 0
	for _, v := range vals {
		if r.Contains(v) {
			n++
		}
	}
	return n
}
