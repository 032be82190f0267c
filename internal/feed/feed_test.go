package feed

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-db/changefeed/internal/queue"
	"github.com/odin-db/changefeed/internal/wire"
)

// fakeSub is a minimal Subscription recorder used to assert dispatch
// order and routing without standing up a real subscription state
// machine.
type fakeSub struct {
	id wire.SubscriptionID

	mu       sync.Mutex
	changes  []wire.Envelope
	limits   []wire.Envelope
	stops    []string
	closed   []string
}

func newFakeSub() *fakeSub { return &fakeSub{id: wire.NewSubscriptionID()} }

func (s *fakeSub) ID() wire.SubscriptionID { return s.id }
func (s *fakeSub) DeliverChange(env wire.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, env)
}
func (s *fakeSub) DeliverLimit(env wire.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, env)
}
func (s *fakeSub) DeliverStop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, reason)
}
func (s *fakeSub) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, reason)
}

func (s *fakeSub) changeStamps() []wire.Stamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Stamp, len(s.changes))
	for i, e := range s.changes {
		out[i] = e.Stamp
	}
	return out
}

func newTestFeed() *Feed {
	return &Feed{
		table:       "widgets",
		logger:      zerolog.Nop(),
		queues:      make(map[wire.PublisherID]*queue.OrderedQueue),
		subs:        make(map[wire.SubscriptionID]Subscription),
		limitIdx:    make(map[wire.SubscriptionID]Subscription),
		lastSubLeft: make(chan struct{}),
		closeCh:     make(chan struct{}),
	}
}

func TestFeedAttachRegistersQueueAndBroadcastSub(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	pubID := wire.NewPublisherID()
	sub := newFakeSub()

	f.Attach(sub, pubID, 0, true)
	assert.Contains(t, f.subs, sub.ID())
	assert.NotContains(t, f.limitIdx, sub.ID())
	_, ok := f.queues[pubID]
	assert.True(t, ok)
}

func TestFeedAttachNonBroadcastRegistersLimitIndex(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	pubID := wire.NewPublisherID()
	sub := newFakeSub()

	f.Attach(sub, pubID, 0, false)
	assert.NotContains(t, f.subs, sub.ID())
	assert.Contains(t, f.limitIdx, sub.ID())
}

func TestFeedOnEnvelopeRestoresOrderAcrossPublishers(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	pubA := wire.NewPublisherID()
	pubB := wire.NewPublisherID()
	sub := newFakeSub()
	f.Attach(sub, pubA, 0, true)
	f.Attach(sub, pubB, 0, true)

	// Publisher A's stamp 1 arrives before its stamp 0: buffered until
	// the gap closes. Publisher B's stamp 0 is independent and should
	// dispatch immediately regardless of A's gap.
	f.onEnvelope(wire.Envelope{PublisherID: pubA, Stamp: 1, Message: &wire.Change{}})
	f.onEnvelope(wire.Envelope{PublisherID: pubB, Stamp: 0, Message: &wire.Change{}})
	require.Len(t, sub.changeStamps(), 1)

	f.onEnvelope(wire.Envelope{PublisherID: pubA, Stamp: 0, Message: &wire.Change{}})
	stamps := sub.changeStamps()
	require.Len(t, stamps, 3)
}

func TestFeedOnEnvelopeDropsUnknownPublisher(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	sub := newFakeSub()
	f.Attach(sub, wire.NewPublisherID(), 0, true)

	// No queue registered for this publisher id — must not panic, and
	// must not reach the subscription.
	unknown := wire.NewPublisherID()
	f.onEnvelope(wire.Envelope{PublisherID: unknown, Stamp: 0, Message: &wire.Change{}})
	assert.Empty(t, sub.changeStamps())
}

func TestFeedDispatchLimitRoutesBySubID(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	pubID := wire.NewPublisherID()
	limitSub := newFakeSub()
	otherSub := newFakeSub()
	f.Attach(limitSub, pubID, 0, false)
	f.Attach(otherSub, pubID, 0, false)

	env := wire.Envelope{PublisherID: pubID, Stamp: 0, Message: &wire.LimitStart{SubID: limitSub.ID()}}
	f.onEnvelope(env)

	require.Len(t, limitSub.limits, 1)
	assert.Empty(t, otherSub.limits)
}

func TestFeedDispatchStopNotifiesEveryRegisteredSubscription(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	pubID := wire.NewPublisherID()
	broadcastSub := newFakeSub()
	limitSub := newFakeSub()
	f.Attach(broadcastSub, pubID, 0, true)
	f.Attach(limitSub, pubID, 0, false)

	f.onEnvelope(wire.Envelope{PublisherID: pubID, Stamp: 0, Message: &wire.Stop{Reason: "shard drained"}})

	assert.Equal(t, []string{"shard drained"}, broadcastSub.stops)
	assert.Equal(t, []string{"shard drained"}, limitSub.stops)
}

func TestFeedCloseNotifiesAndMarksDead(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	pubID := wire.NewPublisherID()
	sub := newFakeSub()
	f.Attach(sub, pubID, 0, true)

	f.Close("table dropped")
	assert.Equal(t, []string{"table dropped"}, sub.closed)

	// Once dead, further envelopes are ignored rather than panicking on
	// a nil mailbox.
	f.onEnvelope(wire.Envelope{PublisherID: pubID, Stamp: 0, Message: &wire.Change{}})
	assert.Empty(t, sub.changeStamps())
}

func TestFeedDetachRemovesFromBothRegistries(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	pubID := wire.NewPublisherID()
	sub := newFakeSub()
	f.Attach(sub, pubID, 0, true)
	require.Contains(t, f.subs, sub.ID())

	f.Detach(sub.ID())
	assert.NotContains(t, f.subs, sub.ID())
	assert.NotContains(t, f.limitIdx, sub.ID())
}

func TestFeedDetachWakesWaiterOnlyOnceEveryLastSubLeaves(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	pubID := wire.NewPublisherID()
	broadcastSub := newFakeSub()
	limitSub := newFakeSub()
	f.Attach(broadcastSub, pubID, 0, true)
	f.Attach(limitSub, pubID, 0, false)

	f.Detach(broadcastSub.ID())
	select {
	case <-f.lastSubLeft:
		t.Fatal("lastSubLeft fired while a limit subscription is still registered")
	default:
	}

	f.Detach(limitSub.ID())
	select {
	case <-f.lastSubLeft:
	default:
		t.Fatal("lastSubLeft did not fire once every subscription left")
	}
}

func TestFeedDetachNeverFiresLastSubLeftBeforeAnyAttach(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	// Detaching an id that was never attached must not be mistaken for
	// "the last subscription left" — no subscription ever arrived.
	f.Detach(wire.NewSubscriptionID())

	select {
	case <-f.lastSubLeft:
		t.Fatal("lastSubLeft fired even though no subscription was ever attached")
	default:
	}
}

func TestFeedWatchTornDownByOnDetachOnLastSubLeft(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	pubID := wire.NewPublisherID()
	sub := newFakeSub()
	f.Attach(sub, pubID, 0, true)

	detached := make(chan string, 1)
	f.onDetach = func(got *Feed, reason string) {
		assert.Same(t, f, got)
		detached <- reason
	}
	go f.watch(make(chan struct{})) // peer channel that never fires on its own

	f.Detach(sub.ID())

	select {
	case reason := <-detached:
		assert.Equal(t, "last_subscription_left", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not tear down and call onDetach after the last subscription left")
	}
	// sub already left via its own Detach call, so there's nothing left
	// registered for Close to notify — onDetach firing is the whole
	// observable effect of this path.
	assert.Empty(t, sub.closed)
}

func TestFeedWatchExitsWithoutOnDetachWhenClosedDirectly(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	called := make(chan struct{}, 1)
	f.onDetach = func(*Feed, string) { called <- struct{}{} }

	done := make(chan struct{})
	go func() {
		f.watch(make(chan struct{}))
		close(done)
	}()

	f.Close("table dropped")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not exit after Close fired closeCh")
	}
	select {
	case <-called:
		t.Fatal("onDetach must not run when Close was invoked directly, outside watch's own fan-in")
	default:
	}
}
