// Package storage declares the read-only contract the changefeed core
// issues against the storage engine and secondary-index layer — both
// external collaborators per spec.md §1, "invoked only through a read
// interface" — plus an in-memory Reader good enough to drive tests and
// local demos without a real storage engine.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/odin-db/changefeed/internal/messaging"
	"github.com/odin-db/changefeed/internal/region"
	"github.com/odin-db/changefeed/internal/wire"
)

// Row is one materialized row as read from storage: its primary key, the
// value it has for the sindex the read was scoped to (nil for
// primary-index reads), and the row itself.
type Row struct {
	Primary   wire.Datum
	SindexVal wire.Datum
	Tag       []byte
	Value     wire.Datum
}

// LimitSpec describes a limit subscription's shape: how many rows to
// keep materialized, sorted by which index, and in which direction.
type LimitSpec struct {
	Sindex     string // "" means sort by primary key
	Limit      int
	Descending bool
}

// SubscribeResult answers subscribe_read: the set of publisher mailboxes
// and publisher identities currently serving a table.
type SubscribeResult struct {
	PublisherMailboxes []messaging.Address
	PublisherIDs       []wire.PublisherID
}

// PointStampResult answers point_stamp_read.
type PointStampResult struct {
	StartStamp wire.Stamp
	InitialVal wire.Datum // nil if the row doesn't currently exist
}

// LimitSubscribeResult answers limit_subscribe_read: how many shards
// will contribute a limit_start, and where their limit mailboxes are.
type LimitSubscribeResult struct {
	ShardCount int
	LimitAddrs []messaging.Address
}

// Direction is the scan direction a range read is evaluated in.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// RangeRequest is a bounded range/limit read used by LimitManager.commit
// to refill an underfull window.
type RangeRequest struct {
	Region         region.Region
	Direction      Direction
	ExclusiveStart *wire.SortKey // nil means start from the region's edge
	Limit          int
}

// RangeResult answers range_read: either a batch of rows, or an error
// (storage reads can fail — disk error, shard unavailable, etc.).
type RangeResult struct {
	Rows []Row
}

// Reader is the namespace interface the changefeed core consumes,
// spec.md §6. Implementations live outside this module in production
// (the real storage engine); MemReader below is a minimal stand-in for
// tests and local demos.
type Reader interface {
	SubscribeRead(ctx context.Context, table string) (SubscribeResult, error)
	StampRead(ctx context.Context, table string) (map[wire.PublisherID]wire.Stamp, error)
	PointStampRead(ctx context.Context, table string, key wire.Datum) (PointStampResult, error)
	LimitSubscribeRead(ctx context.Context, table string, subID wire.SubscriptionID, spec LimitSpec, r region.Region) (LimitSubscribeResult, error)
	RangeRead(ctx context.Context, table string, req RangeRequest) (RangeResult, error)
}

// ErrShardUnavailable is returned by a Reader when the shard backing a
// read has gone away — the condition LimitManager.commit's refill step
// turns into an abort per spec.md §4.2.
var ErrShardUnavailable = errors.New("storage: shard unavailable")

// MemReader is an in-memory Reader over a single table, single shard.
// It exists so tests can drive the publisher/subscriber machinery
// without standing up a real storage engine or messaging fabric.
type MemReader struct {
	mu      sync.RWMutex
	table   string
	pubAddr messaging.Address
	pubID   wire.PublisherID
	rows    map[string]Row // keyed by string(Primary)
	stampFn func() wire.Stamp
}

// NewMemReader creates a MemReader backed by a single synthetic
// publisher for table. stampFn, if non-nil, reports that publisher's
// next-stamp-to-assign for StampRead/PointStampRead start-stamp baselines
// (normally the owning publisher.Server's GetStamp); nil means "always 0",
// adequate for tests that don't exercise the start-stamp race.
func NewMemReader(table string, pubAddr messaging.Address, pubID wire.PublisherID, stampFn func() wire.Stamp) *MemReader {
	return &MemReader{table: table, pubAddr: pubAddr, pubID: pubID, rows: make(map[string]Row), stampFn: stampFn}
}

func (m *MemReader) currentStamp() wire.Stamp {
	if m.stampFn == nil {
		return 0
	}
	return m.stampFn()
}

// Put inserts or updates a row directly in the backing store, bypassing
// any change-feed notification — tests call this, then separately drive
// Server.SendAll to simulate the write path.
func (m *MemReader) Put(r Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[string(r.Primary)] = r
}

// Delete removes a row directly from the backing store.
func (m *MemReader) Delete(primary wire.Datum) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, string(primary))
}

func (m *MemReader) SubscribeRead(ctx context.Context, table string) (SubscribeResult, error) {
	if table != m.table {
		return SubscribeResult{}, fmt.Errorf("storage: unknown table %q", table)
	}
	return SubscribeResult{
		PublisherMailboxes: []messaging.Address{m.pubAddr},
		PublisherIDs:       []wire.PublisherID{m.pubID},
	}, nil
}

func (m *MemReader) StampRead(ctx context.Context, table string) (map[wire.PublisherID]wire.Stamp, error) {
	if table != m.table {
		return nil, fmt.Errorf("storage: unknown table %q", table)
	}
	return map[wire.PublisherID]wire.Stamp{m.pubID: m.currentStamp()}, nil
}

func (m *MemReader) PointStampRead(ctx context.Context, table string, key wire.Datum) (PointStampResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[string(key)]
	if !ok {
		return PointStampResult{StartStamp: m.currentStamp()}, nil
	}
	return PointStampResult{StartStamp: m.currentStamp(), InitialVal: row.Value}, nil
}

func (m *MemReader) LimitSubscribeRead(ctx context.Context, table string, subID wire.SubscriptionID, spec LimitSpec, r region.Region) (LimitSubscribeResult, error) {
	return LimitSubscribeResult{ShardCount: 1, LimitAddrs: []messaging.Address{m.pubAddr}}, nil
}

func (m *MemReader) RangeRead(ctx context.Context, table string, req RangeRequest) (RangeResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]Row, 0, len(m.rows))
	for _, row := range m.rows {
		if req.Region.Sindex != "" {
			if !req.Region.Contains(row.SindexVal) {
				continue
			}
		} else if !req.Region.Contains(row.Primary) {
			continue
		}
		rows = append(rows, row)
	}

	desc := req.Direction == Descending
	sort.Slice(rows, func(i, j int) bool {
		return sortKeyOf(rows[i]).Less(sortKeyOf(rows[j]), desc)
	})

	if req.ExclusiveStart != nil {
		filtered := rows[:0]
		for _, row := range rows {
			if req.ExclusiveStart.Less(sortKeyOf(row), desc) {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}

	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}
	return RangeResult{Rows: rows}, nil
}

func sortKeyOf(r Row) wire.SortKey {
	return wire.SortKey{SindexVal: r.SindexVal, Primary: wire.Mangle(r.Primary, r.Tag)}
}
