package publisher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/odin-db/changefeed/internal/region"
	"github.com/odin-db/changefeed/internal/storage"
	"github.com/odin-db/changefeed/internal/wire"
	"github.com/rs/zerolog"
)

// LimitManager maintains one limit subscription's sorted top-N
// materialized window on one shard, turning inserts/deletes staged
// during a write transaction into limit_change messages that keep the
// subscriber's shadow window in sync with this shard's.
type LimitManager struct {
	subID  wire.SubscriptionID
	region region.Region
	spec   storage.LimitSpec
	reader storage.Reader
	table  string
	logger zerolog.Logger

	// emit sends one wire message to the subscriber this manager serves,
	// stamped by the owning Server's per-client counter — limit messages
	// ride the same per-publisher ordering queue as regular changes, so
	// stamping goes through Server rather than a side channel.
	emit func(wire.Message) error

	mu             sync.Mutex
	win            *window
	pendingAdded   []*windowItem
	pendingDeleted []wire.MangledKey
	aborted        bool
	abortErr       error
}

func newLimitManager(subID wire.SubscriptionID, r region.Region, spec storage.LimitSpec, reader storage.Reader, table string, logger zerolog.Logger) *LimitManager {
	return &LimitManager{
		subID:  subID,
		region: r,
		spec:   spec,
		reader: reader,
		table:  table,
		logger: logger.With().Str("component", "limit_manager").Str("sub_id", subID.String()).Logger(),
		win:    newWindow(spec.Descending),
	}
}

// seedInitial materializes a row directly, bypassing the pending-buffer
// staging area. Used only while constructing the manager, before it is
// published to any concurrent ForeachLimit caller.
func (lm *LimitManager) seedInitial(row storage.Row) {
	key := wire.Mangle(row.Primary, row.Tag)
	lm.win.Insert(&windowItem{
		Key:       key,
		SortKey:   wire.SortKey{SindexVal: row.SindexVal, Primary: key},
		SindexVal: row.SindexVal,
		Row:       row.Value,
		Primary:   row.Primary,
		Tag:       row.Tag,
	})
}

// matchVal returns whichever value this manager's region is evaluated
// against: the primary key for primary-keyed limits, the sindex value
// for secondary-index limits.
func (lm *LimitManager) matchVal(primary, sindexVal wire.Datum) wire.Datum {
	if lm.spec.Sindex != "" {
		return sindexVal
	}
	return primary
}

// Add stages a row for insertion if it falls in this manager's region.
// Staged rows are reconciled against the window on the next Commit.
func (lm *LimitManager) Add(primary, sindexVal, row wire.Datum, tag []byte) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.aborted {
		return
	}
	if !lm.region.Contains(lm.matchVal(primary, sindexVal)) {
		return
	}
	key := wire.Mangle(primary, tag)
	lm.pendingAdded = append(lm.pendingAdded, &windowItem{
		Key:       key,
		SortKey:   wire.SortKey{SindexVal: sindexVal, Primary: key},
		SindexVal: sindexVal,
		Row:       row,
		Primary:   primary,
		Tag:       tag,
	})
}

// Del stages a row for removal by its mangled key.
func (lm *LimitManager) Del(primary wire.Datum, tag []byte) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.aborted {
		return
	}
	lm.pendingDeleted = append(lm.pendingDeleted, wire.Mangle(primary, tag))
}

// Commit reconciles the staged add/delete buffers against the window in
// one critical section, refills from storage if the window underflows,
// and emits one limit_change per net change. See spec.md §4.2 for the
// five-step algorithm this follows.
func (lm *LimitManager) Commit(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.aborted {
		lm.pendingAdded = nil
		lm.pendingDeleted = nil
		return lm.abortErr
	}

	realDeleted := make(map[wire.MangledKey]struct{})
	realAdded := make(map[wire.MangledKey]*windowItem)

	// Step 1: apply staged deletes.
	for _, key := range lm.pendingDeleted {
		if _, ok := lm.win.Erase(key); ok {
			realDeleted[key] = struct{}{}
		}
	}

	// Step 2: apply staged inserts (Insert itself erases any prior entry
	// sharing the same key, i.e. an intra-batch update).
	for _, item := range lm.pendingAdded {
		lm.win.Insert(item)
		delete(realDeleted, item.Key) // a delete-then-readd in one batch is a no-op, not churn
		realAdded[item.Key] = item
	}

	// Step 3: truncate to the configured limit; anything dropped that
	// never actually made it into view collapses back out of realAdded,
	// everything else becomes a real deletion.
	for _, dropped := range lm.win.TruncateTop(lm.spec.Limit) {
		if _, ok := realAdded[dropped.Key]; ok {
			delete(realAdded, dropped.Key)
		} else {
			realDeleted[dropped.Key] = struct{}{}
		}
	}

	// Step 4: refill from storage if the window is now underfull.
	if need := lm.spec.Limit - lm.win.Len(); need > 0 {
		req := storage.RangeRequest{
			Region: lm.region,
			Limit:  need,
		}
		if lm.spec.Descending {
			req.Direction = storage.Descending
		}
		if worst, ok := lm.win.Worst(); ok {
			sk := worst.SortKey
			req.ExclusiveStart = &sk
		}
		result, err := lm.reader.RangeRead(ctx, lm.table, req)
		if err != nil {
			lm.abortLocked(fmt.Errorf("limit manager: refill failed: %w", err))
			lm.pendingAdded = nil
			lm.pendingDeleted = nil
			return lm.abortErr
		}
		for _, row := range result.Rows {
			key := wire.Mangle(row.Primary, row.Tag)
			item := &windowItem{
				Key:       key,
				SortKey:   wire.SortKey{SindexVal: row.SindexVal, Primary: key},
				SindexVal: row.SindexVal,
				Row:       row.Value,
				Primary:   row.Primary,
				Tag:       row.Tag,
			}
			lm.win.Insert(item)
			if _, ok := realDeleted[key]; ok {
				delete(realDeleted, key)
			} else {
				realAdded[key] = item
			}
		}
	}

	lm.pendingAdded = nil
	lm.pendingDeleted = nil

	return lm.emitChanges(realDeleted, realAdded)
}

// emitChanges pairs real_deleted against real_added as best it can:
// every pair becomes one limit_change carrying both old_key and new_val;
// unmatched entries on either side become a limit_change with only the
// side they have.
func (lm *LimitManager) emitChanges(deleted map[wire.MangledKey]struct{}, added map[wire.MangledKey]*windowItem) error {
	if lm.emit == nil {
		return nil
	}

	deletedKeys := make([]wire.MangledKey, 0, len(deleted))
	for k := range deleted {
		deletedKeys = append(deletedKeys, k)
	}
	sort.Slice(deletedKeys, func(i, j int) bool { return deletedKeys[i] < deletedKeys[j] })

	addedItems := make([]*windowItem, 0, len(added))
	for _, item := range added {
		addedItems = append(addedItems, item)
	}
	sort.Slice(addedItems, func(i, j int) bool { return addedItems[i].Key < addedItems[j].Key })

	n := len(deletedKeys)
	if len(addedItems) < n {
		n = len(addedItems)
	}

	for i := 0; i < n; i++ {
		k := deletedKeys[i]
		v := addedItems[i].startItem()
		if err := lm.emit(&wire.LimitChange{SubID: lm.subID, OldKey: &k, NewVal: &v}); err != nil {
			return err
		}
	}
	for i := n; i < len(deletedKeys); i++ {
		k := deletedKeys[i]
		if err := lm.emit(&wire.LimitChange{SubID: lm.subID, OldKey: &k}); err != nil {
			return err
		}
	}
	for i := n; i < len(addedItems); i++ {
		v := addedItems[i].startItem()
		if err := lm.emit(&wire.LimitChange{SubID: lm.subID, NewVal: &v}); err != nil {
			return err
		}
	}
	return nil
}

// Abort marks this manager permanently failed and emits a limit_stop.
// All subsequent Commit calls short-circuit.
func (lm *LimitManager) Abort(err error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.abortLocked(err)
}

func (lm *LimitManager) abortLocked(err error) {
	if lm.aborted {
		return
	}
	lm.aborted = true
	lm.abortErr = err
	lm.logger.Warn().Err(err).Msg("limit manager aborted")
	if lm.emit != nil {
		_ = lm.emit(&wire.LimitStop{SubID: lm.subID, Error: err.Error()})
	}
}

// IsAborted reports whether this manager has already failed.
func (lm *LimitManager) IsAborted() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.aborted
}

// Len reports the current window size, for tests and metrics.
func (lm *LimitManager) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.win.Len()
}
