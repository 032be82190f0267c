// Package region models the keyspace predicate a subscriber registers
// interest in: a primary-key range for point/range subscriptions over
// the primary index, or a secondary-index value range for subscriptions
// over an sindex. The query compiler (an external collaborator per
// spec.md §1) owns the real predicate language; this package only needs
// enough of it to answer "does this row fall in my interest" on the
// publisher's dispatch path and the subscriber's filter path.
package region

import (
	"bytes"

	"github.com/odin-db/changefeed/internal/wire"
)

// Region is a half-open interval [Start, End) over either the primary
// keyspace (Sindex == "") or one secondary index's value space. A nil
// Start/End means unbounded on that side, so the zero Region matches
// every row. A point subscription's single-key region is built with
// NewPoint instead.
type Region struct {
	Sindex string
	Start  wire.Datum
	End    wire.Datum
}

// Unbounded is the region matching every row of the primary index — the
// region a storage shard registers for itself, since a shard always
// owns a contiguous slice of the primary keyspace but the changefeed
// layer treats "this shard's slice" as opaque and pre-computed upstream.
var Unbounded = Region{}

// NewPoint returns the degenerate region containing exactly one primary
// key, used by point subscriptions.
func NewPoint(key wire.Datum) Region {
	return Region{Start: key, End: append(append([]byte{}, key...), 0x00)}
}

// Contains reports whether val — a primary key if Sindex == "", else an
// sindex value — falls inside the region.
func (r Region) Contains(val wire.Datum) bool {
	if r.Start != nil && bytes.Compare(val, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(val, r.End) >= 0 {
		return false
	}
	return true
}

// OverlapsSindex reports whether this region is defined over the given
// sindex name (or, for "", the primary index).
func (r Region) OverlapsSindex(sindex string) bool {
	return r.Sindex == sindex
}
