package publisher

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-db/changefeed/internal/messaging"
	"github.com/odin-db/changefeed/internal/region"
	"github.com/odin-db/changefeed/internal/storage"
	"github.com/odin-db/changefeed/internal/wire"
)

func newTestLimitManager(t *testing.T, limit int, desc bool, reader storage.Reader) (*LimitManager, *[]wire.Message) {
	t.Helper()

	var emitted []wire.Message
	lm := newLimitManager(
		wire.NewSubscriptionID(),
		region.Unbounded,
		storage.LimitSpec{Limit: limit, Descending: desc},
		reader,
		"widgets",
		zerolog.Nop(),
	)
	lm.emit = func(msg wire.Message) error {
		emitted = append(emitted, msg)
		return nil
	}
	return lm, &emitted
}

func row(primary, value string) storage.Row {
	return storage.Row{Primary: wire.Datum(primary), Value: wire.Datum(value)}
}

func TestLimitManagerSeedInitialPopulatesWindow(t *testing.T) {
	t.Parallel()

	reader := storage.NewMemReader("widgets", messaging.Address{}, wire.NewPublisherID(), nil)
	lm, _ := newTestLimitManager(t, 3, false, reader)

	lm.seedInitial(row("a", "1"))
	lm.seedInitial(row("b", "2"))
	assert.Equal(t, 2, lm.Len())
}

func TestLimitManagerCommitAddUnderCapacityEmitsPureInsert(t *testing.T) {
	t.Parallel()

	reader := storage.NewMemReader("widgets", messaging.Address{}, wire.NewPublisherID(), nil)
	lm, emitted := newTestLimitManager(t, 3, false, reader)

	lm.Add(wire.Datum("a"), nil, wire.Datum("1"), nil)
	require.NoError(t, lm.Commit(context.Background()))

	require.Len(t, *emitted, 1)
	change, ok := (*emitted)[0].(*wire.LimitChange)
	require.True(t, ok)
	assert.Nil(t, change.OldKey)
	require.NotNil(t, change.NewVal)
	assert.Equal(t, wire.Datum("1"), change.NewVal.Row)
	assert.Equal(t, 1, lm.Len())
}

func TestLimitManagerCommitOverCapacityEvictsWorstAndPairsChange(t *testing.T) {
	t.Parallel()

	reader := storage.NewMemReader("widgets", messaging.Address{}, wire.NewPublisherID(), nil)
	lm, _ := newTestLimitManager(t, 2, false, reader)

	lm.seedInitial(row("a", "1"))
	lm.seedInitial(row("b", "2"))
	require.Equal(t, 2, lm.Len())

	var captured []wire.Message
	lm.emit = func(msg wire.Message) error {
		captured = append(captured, msg)
		return nil
	}

	// "0" mangles to a key ordered ahead of both "a" and "b", so it
	// displaces "b" (the current worst-ranked row) out of the window.
	lm.Add(wire.Datum("0"), nil, wire.Datum("3"), nil)
	require.NoError(t, lm.Commit(context.Background()))

	// Window stays at its configured limit; one row was evicted to admit "0".
	assert.Equal(t, 2, lm.Len())
	require.Len(t, captured, 1)
	change, ok := captured[0].(*wire.LimitChange)
	require.True(t, ok)
	assert.NotNil(t, change.OldKey)
	require.NotNil(t, change.NewVal)
	assert.Equal(t, wire.Datum("3"), change.NewVal.Row)
}

func TestLimitManagerDelRemovesRowAndEmitsPureDelete(t *testing.T) {
	t.Parallel()

	reader := storage.NewMemReader("widgets", messaging.Address{}, wire.NewPublisherID(), nil)
	lm, emitted := newTestLimitManager(t, 3, false, reader)

	lm.seedInitial(row("a", "1"))
	lm.Del(wire.Datum("a"), nil)
	require.NoError(t, lm.Commit(context.Background()))

	require.Len(t, *emitted, 1)
	change, ok := (*emitted)[0].(*wire.LimitChange)
	require.True(t, ok)
	require.NotNil(t, change.OldKey)
	assert.Nil(t, change.NewVal)
	assert.Equal(t, 0, lm.Len())
}

func TestLimitManagerDelThenAddInSameBatchIsNotChurn(t *testing.T) {
	t.Parallel()

	reader := storage.NewMemReader("widgets", messaging.Address{}, wire.NewPublisherID(), nil)
	lm, emitted := newTestLimitManager(t, 3, false, reader)

	lm.seedInitial(row("a", "1"))
	lm.Del(wire.Datum("a"), nil)
	lm.Add(wire.Datum("a"), nil, wire.Datum("2"), nil)
	require.NoError(t, lm.Commit(context.Background()))

	// The delete and the re-add share a mangled key, so they cancel out
	// of the delete bookkeeping: the subscriber sees one update, not a
	// delete followed by an insert of the same row.
	require.Len(t, *emitted, 1)
	change, ok := (*emitted)[0].(*wire.LimitChange)
	require.True(t, ok)
	assert.Nil(t, change.OldKey)
	require.NotNil(t, change.NewVal)
	assert.Equal(t, wire.Datum("2"), change.NewVal.Row)
	assert.Equal(t, 1, lm.Len())
}

func TestLimitManagerRefillsFromStorageWhenUnderfull(t *testing.T) {
	t.Parallel()

	reader := storage.NewMemReader("widgets", messaging.Address{}, wire.NewPublisherID(), nil)
	reader.Put(storage.Row{Primary: wire.Datum("c"), Value: wire.Datum("3")})
	lm, emitted := newTestLimitManager(t, 2, false, reader)

	lm.seedInitial(row("a", "1"))
	lm.Del(wire.Datum("a"), nil)
	require.NoError(t, lm.Commit(context.Background()))

	// Window underflowed after the delete; commit should have pulled "c"
	// back in from storage to refill toward the configured limit. The
	// refill lands in the same commit as the delete, so they pair into
	// one limit_change rather than emitting separately.
	assert.Equal(t, 1, lm.Len())
	require.Len(t, *emitted, 1)
	change, ok := (*emitted)[0].(*wire.LimitChange)
	require.True(t, ok)
	require.NotNil(t, change.OldKey)
	require.NotNil(t, change.NewVal)
	assert.Equal(t, wire.Datum("3"), change.NewVal.Row)
}

func TestLimitManagerAbortStopsFutureCommitsAndEmitsLimitStop(t *testing.T) {
	t.Parallel()

	reader := storage.NewMemReader("widgets", messaging.Address{}, wire.NewPublisherID(), nil)
	lm, emitted := newTestLimitManager(t, 3, false, reader)

	lm.Abort(assertErr)
	require.True(t, lm.IsAborted())
	require.Len(t, *emitted, 1)
	_, ok := (*emitted)[0].(*wire.LimitStop)
	assert.True(t, ok)

	lm.Add(wire.Datum("a"), nil, wire.Datum("1"), nil)
	err := lm.Commit(context.Background())
	assert.ErrorIs(t, err, assertErr)
	assert.Equal(t, 0, lm.Len())
}

var assertErr = context.DeadlineExceeded
