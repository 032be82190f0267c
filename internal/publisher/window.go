package publisher

import (
	"github.com/google/btree"
	"github.com/odin-db/changefeed/internal/wire"
)

// windowItem is one materialized row of a limit manager's top-N window.
type windowItem struct {
	Key       wire.MangledKey
	SortKey   wire.SortKey
	SindexVal wire.Datum
	Row       wire.Datum
	Primary   wire.Datum
	Tag       []byte
}

func (it *windowItem) startItem() wire.StartItem {
	return wire.StartItem{MangledKey: it.Key, SindexVal: it.SindexVal, Row: it.Row}
}

// window is the sorted top-N materialized set a LimitManager maintains:
// an ordered-by-rank tree for begin/end/truncate-to-N, plus a by-key
// index for point lookups by mangled id. Ordering always runs
// best-first regardless of the subscription's ascending/descending
// direction — SortKey.Less already folds that in — so Ascend/Min/Max
// read directly as "best to worst".
type window struct {
	tree  *btree.BTreeG[*windowItem]
	byKey map[wire.MangledKey]*windowItem
	desc  bool
}

func newWindow(desc bool) *window {
	less := func(a, b *windowItem) bool { return a.SortKey.Less(b.SortKey, desc) }
	return &window{
		tree:  btree.NewG(32, less),
		byKey: make(map[wire.MangledKey]*windowItem),
		desc:  desc,
	}
}

// Insert adds or replaces an item by key, returning the item it
// displaced, if any (an intra-batch update of an existing row).
func (w *window) Insert(item *windowItem) (old *windowItem, hadOld bool) {
	if existing, ok := w.byKey[item.Key]; ok {
		w.tree.Delete(existing)
		old, hadOld = existing, true
	}
	w.tree.ReplaceOrInsert(item)
	w.byKey[item.Key] = item
	return old, hadOld
}

// Erase removes the item with the given mangled key, if present.
func (w *window) Erase(key wire.MangledKey) (*windowItem, bool) {
	item, ok := w.byKey[key]
	if !ok {
		return nil, false
	}
	delete(w.byKey, key)
	w.tree.Delete(item)
	return item, true
}

// Find returns the item with the given mangled key, if present.
func (w *window) Find(key wire.MangledKey) (*windowItem, bool) {
	item, ok := w.byKey[key]
	return item, ok
}

// Len returns the number of rows currently materialized.
func (w *window) Len() int { return w.tree.Len() }

// Worst returns the window's lowest-ranked materialized row.
func (w *window) Worst() (*windowItem, bool) {
	return w.tree.Max()
}

// Best returns the window's highest-ranked materialized row.
func (w *window) Best() (*windowItem, bool) {
	return w.tree.Min()
}

// TruncateTop drops every row ranked beyond limit and returns the
// dropped items, best-to-worst.
func (w *window) TruncateTop(limit int) []*windowItem {
	if w.tree.Len() <= limit {
		return nil
	}
	var toDrop []*windowItem
	rank := 0
	w.tree.Ascend(func(item *windowItem) bool {
		rank++
		if rank > limit {
			toDrop = append(toDrop, item)
		}
		return true
	})
	for _, item := range toDrop {
		w.Erase(item.Key)
	}
	return toDrop
}

// Items returns every materialized row, best-to-worst.
func (w *window) Items() []*windowItem {
	items := make([]*windowItem, 0, w.tree.Len())
	w.tree.Ascend(func(item *windowItem) bool {
		items = append(items, item)
		return true
	})
	return items
}
