package subscription

import (
	"bytes"
	"fmt"

	"github.com/google/btree"
	"github.com/odin-db/changefeed/internal/metrics"
	"github.com/odin-db/changefeed/internal/storage"
	"github.com/odin-db/changefeed/internal/wire"
)

// shadowItem is one row materialized in a Limit subscription's shadow
// window — the subscriber-side mirror of publisher.windowItem, merged
// from every shard's contribution rather than owned by a single one.
type shadowItem struct {
	Key       wire.MangledKey
	SortKey   wire.SortKey
	SindexVal wire.Datum
	Row       wire.Datum
	active    bool // currently in the top-N slice, not just the candidate pool
}

// shadowWindow mirrors the original engine's item_queue/active_data pair
// (changefeed.cc's limit_manager_t): pool is every candidate any shard has
// ever contributed (unbounded, keyed by mangled key), and active is the
// top-N subset of pool a limit subscription actually reports on. Keeping
// them separate — rather than collapsing to one capped structure — means
// an eviction from active always has a next-best candidate sitting in
// pool ready to promote, per spec.md §4.4's rebalance step.
type shadowWindow struct {
	pool   *btree.BTreeG[*shadowItem]
	active *btree.BTreeG[*shadowItem]
	byKey  map[wire.MangledKey]*shadowItem
	limit  int
}

func newShadowWindow(limit int, desc bool) *shadowWindow {
	less := func(a, b *shadowItem) bool { return a.SortKey.Less(b.SortKey, desc) }
	return &shadowWindow{
		pool:   btree.NewG(32, less),
		active: btree.NewG(32, less),
		byKey:  make(map[wire.MangledKey]*shadowItem),
		limit:  limit,
	}
}

// insertInit merges one limit_start contribution: always added to both
// pool and the active set, then the active set's current worst is
// evicted (back down to pool, not discarded) if that pushed it over
// capacity. Mirrors limit_manager_t::init.
func (w *shadowWindow) insertInit(item *shadowItem) {
	w.byKey[item.Key] = item
	w.pool.ReplaceOrInsert(item)
	item.active = true
	w.active.ReplaceOrInsert(item)
	if w.active.Len() > w.limit {
		if worst, ok := w.active.Max(); ok {
			worst.active = false
			w.active.Delete(worst)
		}
	}
}

// removeCandidate deletes key from both pool and active (if present
// there), returning the row it held and whether it was active. Mirrors
// the old_key branch of note_change: the row under this key is gone
// (deleted, or about to be reinserted under a new sort position), so it
// leaves the candidate pool entirely rather than just the active slice.
func (w *shadowWindow) removeCandidate(key wire.MangledKey) (row wire.Datum, wasActive bool) {
	item, ok := w.byKey[key]
	if !ok {
		return nil, false
	}
	if item.active {
		w.active.Delete(item)
	}
	delete(w.byKey, key)
	w.pool.Delete(item)
	return item.Row, item.active
}

// addCandidate adds item to the pool only; it becomes visible to
// get_els consumers only once activate promotes it.
func (w *shadowWindow) addCandidate(item *shadowItem) {
	w.byKey[item.Key] = item
	w.pool.ReplaceOrInsert(item)
}

// worstActive returns the current worst-ranked active item, if any.
func (w *shadowWindow) worstActive() (*shadowItem, bool) {
	return w.active.Max()
}

func (w *shadowWindow) activate(item *shadowItem) {
	item.active = true
	w.active.ReplaceOrInsert(item)
}

func (w *shadowWindow) deactivate(item *shadowItem) {
	item.active = false
	w.active.Delete(item)
}

// promoteNext finds the best-ranked candidate in pool that isn't already
// active — the row immediately behind the current worst active item —
// and activates it. Used to refill the active set when it underflows
// spec.limit and the pool has more rows to offer, per spec.md §4.4's "if
// too small and a candidate exists off-window, promote it".
func (w *shadowWindow) promoteNext() (*shadowItem, bool) {
	var pivot *shadowItem
	if worst, ok := w.active.Max(); ok {
		pivot = worst
	}

	var found *shadowItem
	visit := func(it *shadowItem) bool {
		if it == pivot || it.active {
			return true
		}
		found = it
		return false
	}
	if pivot != nil {
		w.pool.AscendGreaterOrEqual(pivot, visit)
	} else {
		w.pool.Ascend(visit)
	}
	if found == nil {
		return nil, false
	}
	w.activate(found)
	return found, true
}

// activeItems returns every currently active item in rank order, for the
// post-initialization dump.
func (w *shadowWindow) activeItems() []*shadowItem {
	items := make([]*shadowItem, 0, w.active.Len())
	w.active.Ascend(func(item *shadowItem) bool {
		items = append(items, item)
		return true
	})
	return items
}

// Limit is a top-N limit subscription: the shadow window merges every
// shard's limit_start contribution, then applies each subsequent
// limit_change against it, buffering {old_val, new_val} via the shared
// get_els contract like Point and Range.
type Limit struct {
	*base
	spec storage.LimitSpec
	win  *shadowWindow

	needInit         int
	gotInit          int
	initDone         bool
	queuedDuringInit []*wire.LimitChange
}

// NewLimit creates a limit subscription expecting a limit_start
// contribution from each of shardCount shards before it starts emitting.
func NewLimit(id wire.SubscriptionID, spec storage.LimitSpec, shardCount int, maxBuffered int, m *metrics.Subscriber) *Limit {
	return &Limit{
		base:     newBase(id, "limit", maxBuffered, m),
		spec:     spec,
		win:      newShadowWindow(spec.Limit, spec.Descending),
		needInit: shardCount,
	}
}

// DeliverChange is a no-op: limit subscriptions never receive plain
// change messages, only limit_start/limit_change/limit_stop.
func (l *Limit) DeliverChange(wire.Envelope) {}

// DeliverStop latches an error: losing any one shard invalidates the
// whole top-N view, since the window no longer reflects every shard's
// contribution.
func (l *Limit) DeliverStop(reason string) {
	l.fail(fmt.Errorf("limit subscription: publisher stopped: %s", reason))
}

// DeliverLimit routes a limit_start/limit_change/limit_stop envelope
// already known to carry this subscription's sub_id.
func (l *Limit) DeliverLimit(env wire.Envelope) {
	switch msg := env.Message.(type) {
	case *wire.LimitStart:
		l.handleStart(msg)
	case *wire.LimitChange:
		l.handleChange(msg)
	case *wire.LimitStop:
		l.fail(fmt.Errorf("limit subscription: %s", msg.Error))
	}
}

func (l *Limit) handleStart(msg *wire.LimitStart) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	for _, it := range msg.StartData {
		l.win.insertInit(&shadowItem{
			Key:       it.MangledKey,
			SortKey:   wire.SortKey{SindexVal: it.SindexVal, Primary: it.MangledKey},
			SindexVal: it.SindexVal,
			Row:       it.Row,
		})
	}
	l.gotInit++
	if l.gotInit < l.needInit {
		return
	}

	// Initialization complete: emit the initial dump, then replay
	// whatever limit_change events arrived while we were still waiting
	// on other shards' contributions, per spec.md §4.4.
	l.initDone = true
	for _, item := range l.win.activeItems() {
		l.emitLocked(Element{OldVal: item.Row, NewVal: item.Row})
	}
	queued := l.queuedDuringInit
	l.queuedDuringInit = nil
	if l.metrics != nil {
		l.metrics.LimitReplayQueued.Set(0)
	}
	for _, qc := range queued {
		l.applyChangeLocked(qc)
	}
}

func (l *Limit) handleChange(msg *wire.LimitChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if !l.initDone {
		l.queuedDuringInit = append(l.queuedDuringInit, msg)
		if l.metrics != nil {
			l.metrics.LimitReplayQueued.Set(float64(len(l.queuedDuringInit)))
		}
		return
	}
	l.applyChangeLocked(msg)
}

// applyChangeLocked implements spec.md §4.4's per-event algorithm,
// mirroring limit_manager_t::note_change:
//  1. Remove old_key from the candidate pool entirely (not just the
//     active set); if it was active, that's old_send.
//  2. Add new_val to the pool; if it ranks at or better than the current
//     worst active item, activate it as new_send.
//  3. Rebalance: if activating step 2 pushed the active set over
//     capacity, evict its new worst back to the pool as old_send; if the
//     active set is under capacity and the pool has more to offer,
//     promote the next-best pool candidate as new_send.
//  4. Emit {old_send, new_send} unless both are nil, or both are set and
//     equal (a genuine no-op).
func (l *Limit) applyChangeLocked(msg *wire.LimitChange) {
	var oldSend, newSend wire.Datum

	if msg.OldKey != nil {
		if row, wasActive := l.win.removeCandidate(*msg.OldKey); wasActive {
			oldSend = row
		}
	}

	if msg.NewVal != nil {
		item := &shadowItem{
			Key:       msg.NewVal.MangledKey,
			SortKey:   wire.SortKey{SindexVal: msg.NewVal.SindexVal, Primary: msg.NewVal.MangledKey},
			SindexVal: msg.NewVal.SindexVal,
			Row:       msg.NewVal.Row,
		}
		l.win.addCandidate(item)

		insert := false
		if worst, ok := l.win.worstActive(); ok {
			insert = item.SortKey.Less(worst.SortKey, l.spec.Descending)
		}
		if insert {
			l.win.activate(item)
			newSend = item.Row
		}
	}

	switch {
	case l.win.active.Len() > l.spec.Limit:
		// The new value displaced a different active row to make room.
		if worst, ok := l.win.worstActive(); ok {
			l.win.deactivate(worst)
			oldSend = worst.Row
		}
	case l.win.active.Len() < l.spec.Limit && newSend == nil:
		if l.win.active.Len() < l.win.pool.Len() {
			if promoted, ok := l.win.promoteNext(); ok {
				newSend = promoted.Row
			}
		}
	}

	if oldSend == nil && newSend == nil {
		return
	}
	if oldSend != nil && newSend != nil && bytes.Equal(oldSend, newSend) {
		return
	}
	l.emitLocked(Element{OldVal: oldSend, NewVal: newSend})
}
