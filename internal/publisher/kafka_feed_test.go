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

func TestDedupValuesPreservesOrderAndDropsDuplicates(t *testing.T) {
	t.Parallel()

	a := []wire.Datum{wire.Datum("x"), wire.Datum("y")}
	b := []wire.Datum{wire.Datum("y"), wire.Datum("z")}

	got := dedupValues(a, b)
	want := []wire.Datum{wire.Datum("x"), wire.Datum("y"), wire.Datum("z")}
	assert.Equal(t, want, got)
}

// TestKafkaFeedApplyDrivesLimitManagerAddAndCommit exercises apply's
// synthesis of the primary-key index convention (old_indexes[""]/
// new_indexes[""]) and its two-phase stage-then-commit drive of every
// limit manager registered on the touched index.
func TestKafkaFeedApplyDrivesLimitManagerAddAndCommit(t *testing.T) {
	t.Parallel()

	reader := storage.NewMemReader("widgets", messaging.Address{}, wire.NewPublisherID(), nil)
	lm := newLimitManager(wire.NewSubscriptionID(), region.Unbounded, storage.LimitSpec{Limit: 2}, reader, "widgets", zerolog.Nop())

	var emitted []wire.Message
	lm.emit = func(msg wire.Message) error {
		emitted = append(emitted, msg)
		return nil
	}

	cs := &clientState{
		regions:       nil, // no plain-dispatch region: avoids SendAll reaching a real transport in this test
		limitManagers: map[string][]*LimitManager{"": {lm}},
		stopSignal:    make(chan struct{}),
	}
	srv := &Server{clients: map[messaging.Address]*clientState{"addr1": cs}, logger: zerolog.Nop()}

	feed := &KafkaFeed{server: srv, logger: zerolog.Nop(), ctx: context.Background()}

	feed.apply(&WriteRecord{
		Primary: wire.Datum("a"),
		NewVal:  wire.Datum("row-a"),
	})

	require.Len(t, emitted, 1)
	change, ok := emitted[0].(*wire.LimitChange)
	require.True(t, ok)
	assert.Nil(t, change.OldKey)
	require.NotNil(t, change.NewVal)
	assert.Equal(t, wire.Datum("row-a"), change.NewVal.Row)
	assert.Equal(t, 1, lm.Len())
}

func TestKafkaFeedApplyDeleteDrivesLimitManagerDel(t *testing.T) {
	t.Parallel()

	reader := storage.NewMemReader("widgets", messaging.Address{}, wire.NewPublisherID(), nil)
	lm := newLimitManager(wire.NewSubscriptionID(), region.Unbounded, storage.LimitSpec{Limit: 2}, reader, "widgets", zerolog.Nop())
	lm.seedInitial(storage.Row{Primary: wire.Datum("a"), Value: wire.Datum("row-a")})

	var emitted []wire.Message
	lm.emit = func(msg wire.Message) error {
		emitted = append(emitted, msg)
		return nil
	}

	cs := &clientState{
		regions:       nil, // no plain-dispatch region: avoids SendAll reaching a real transport in this test
		limitManagers: map[string][]*LimitManager{"": {lm}},
		stopSignal:    make(chan struct{}),
	}
	srv := &Server{clients: map[messaging.Address]*clientState{"addr1": cs}, logger: zerolog.Nop()}

	feed := &KafkaFeed{server: srv, logger: zerolog.Nop(), ctx: context.Background()}

	feed.apply(&WriteRecord{
		Primary: wire.Datum("a"),
		OldVal:  wire.Datum("row-a"),
	})

	require.Len(t, emitted, 1)
	change, ok := emitted[0].(*wire.LimitChange)
	require.True(t, ok)
	require.NotNil(t, change.OldKey)
	assert.Nil(t, change.NewVal)
	assert.Equal(t, 0, lm.Len())
}

func TestKafkaFeedApplyTouchesSecondaryIndexManagers(t *testing.T) {
	t.Parallel()

	reader := storage.NewMemReader("widgets", messaging.Address{}, wire.NewPublisherID(), nil)
	lm := newLimitManager(wire.NewSubscriptionID(), region.Unbounded, storage.LimitSpec{Sindex: "color", Limit: 2}, reader, "widgets", zerolog.Nop())

	var emitted []wire.Message
	lm.emit = func(msg wire.Message) error {
		emitted = append(emitted, msg)
		return nil
	}

	cs := &clientState{
		regions:       nil, // no plain-dispatch region: avoids SendAll reaching a real transport in this test
		limitManagers: map[string][]*LimitManager{"color": {lm}},
		stopSignal:    make(chan struct{}),
	}
	srv := &Server{clients: map[messaging.Address]*clientState{"addr1": cs}, logger: zerolog.Nop()}

	feed := &KafkaFeed{server: srv, logger: zerolog.Nop(), ctx: context.Background()}

	feed.apply(&WriteRecord{
		Primary:    wire.Datum("a"),
		NewVal:     wire.Datum("row-a"),
		NewIndexes: map[string][]wire.Datum{"color": {wire.Datum("red")}},
	})

	require.Len(t, emitted, 1)
	change, ok := emitted[0].(*wire.LimitChange)
	require.True(t, ok)
	require.NotNil(t, change.NewVal)
	assert.Equal(t, wire.Datum("row-a"), change.NewVal.Row)
}
