// Package feed implements the subscriber side of the changefeed engine:
// one Feed multiplexes every envelope a subscriber process receives for
// a single table across all the publishers (shards) it talks to, and
// the Client registry maps table identities to their Feed.
package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/odin-db/changefeed/internal/messaging"
	"github.com/odin-db/changefeed/internal/metrics"
	"github.com/odin-db/changefeed/internal/queue"
	"github.com/odin-db/changefeed/internal/storage"
	"github.com/odin-db/changefeed/internal/wire"
	"github.com/rs/zerolog"
)

// Subscription is the contract a point/range/limit subscription offers
// Feed: ordered, in-order delivery of whatever message kinds it cares
// about, plus a teardown hook when its table's feed goes away.
type Subscription interface {
	ID() wire.SubscriptionID
	// DeliverChange is called for every change envelope received on this
	// feed, in per-publisher stamp order. Point/range subscriptions
	// filter it against their own predicate and stamp baseline; limit
	// subscriptions ignore it.
	DeliverChange(env wire.Envelope)
	// DeliverLimit is called only for limit_start/limit_change
	// envelopes whose sub_id matches this subscription.
	DeliverLimit(env wire.Envelope)
	// DeliverStop is called for every publisher-level stop, regardless
	// of subscription kind — the address this Feed listens on is shared
	// by every subscription, so one shard draining affects all of them.
	DeliverStop(reason string)
	// Close tells the subscription its feed is gone for good.
	Close(reason string)
}

// Feed owns one mailbox per (subscriber, table): every publisher
// serving that table sends to the same address, distinguished in the
// envelope by publisher_id, so Feed keeps one OrderedQueue per
// publisher to restore per-publisher delivery order before dispatch.
type Feed struct {
	table   string
	addr    messaging.Address
	logger  zerolog.Logger
	metrics *metrics.Subscriber
	mailbox *messaging.Mailbox[wire.Envelope]

	mu         sync.RWMutex // per-registry lock: protects queues/subs/limitSubs below
	queues     map[wire.PublisherID]*queue.OrderedQueue
	subs       map[wire.SubscriptionID]Subscription // broadcastSubs: point/range, see every change
	limitIdx   map[wire.SubscriptionID]Subscription // routed by sub_id only
	dead       bool
	everHadSub bool

	lastSubLeftOnce sync.Once
	lastSubLeft     chan struct{} // closed once subs+limitIdx empties after having held at least one
	closeOnce       sync.Once
	closeCh         chan struct{} // closed by Close, so watch can stop even without a peer/num_subs trigger
	onDetach        func(f *Feed, reason string)
}

// New creates a Feed for table, listening on addr over transport.
// Construction performs the full subscribe_read orchestration spec.md
// §4.3 assigns to Feed: it issues a subscribe read against the table to
// learn the publishers currently serving it, opens one ordered queue
// per publisher at next=0, registers a peer-disconnect watcher, and
// spawns a background waiter that tears the feed down — notifying
// every subscription and, via onDetach, removing the feed from the
// Client registry it came from — the moment that watcher fires or the
// last subscription leaves.
//
// transport models one connection to the whole messaging fabric rather
// than one connection per remote peer (see messaging.Transport), so the
// "peer-disconnect watchers for the distinct peers" spec describes
// collapses here to a single DisconnectWatcher on that shared
// connection: losing it means losing every publisher this feed talks
// to at once.
func New(ctx context.Context, table string, addr messaging.Address, reader storage.Reader, transport *messaging.Transport, onDetach func(f *Feed, reason string), logger zerolog.Logger, m *metrics.Subscriber) (*Feed, error) {
	res, err := reader.SubscribeRead(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("feed: subscribe_read for table %q: %w", table, err)
	}

	f := &Feed{
		table:       table,
		addr:        addr,
		logger:      logger.With().Str("component", "feed").Str("table", table).Logger(),
		metrics:     m,
		queues:      make(map[wire.PublisherID]*queue.OrderedQueue, len(res.PublisherIDs)),
		subs:        make(map[wire.SubscriptionID]Subscription),
		limitIdx:    make(map[wire.SubscriptionID]Subscription),
		lastSubLeft: make(chan struct{}),
		closeCh:     make(chan struct{}),
		onDetach:    onDetach,
	}
	for _, pubID := range res.PublisherIDs {
		f.queues[pubID] = queue.NewOrderedQueue(0)
	}

	mailbox, err := messaging.NewMailbox(transport, addr, f.onEnvelope)
	if err != nil {
		return nil, err
	}
	f.mailbox = mailbox

	go f.watch(transport.DisconnectWatcher())
	return f, nil
}

// watch blocks until peerDisconnect fires, the last subscription
// leaves, or Close is called directly (e.g. by Client.DropTable), then
// tears the feed down and notifies onDetach so the owning Client
// registry stops holding a reference to a dead feed.
func (f *Feed) watch(peerDisconnect <-chan struct{}) {
	reason := "closed"
	select {
	case <-peerDisconnect:
		reason = "peer_disconnect"
	case <-f.lastSubLeft:
		reason = "last_subscription_left"
	case <-f.closeCh:
		return
	}

	f.Close(reason)
	if f.onDetach != nil {
		f.onDetach(f, reason)
	}
}

// Attach registers sub with this feed. startStamp is used only to open a
// queue for publisherID when none exists yet; a queue New already opened
// keeps its own position, and filtering by start stamp is left to the
// subscription itself. broadcast controls whether this
// subscription also sees every plain change/stop message (point/range
// subs do; limit subs only want their own limit_* traffic by sub_id).
func (f *Feed) Attach(sub Subscription, publisherID wire.PublisherID, startStamp wire.Stamp, broadcast bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.queues[publisherID]; !ok {
		f.queues[publisherID] = queue.NewOrderedQueue(startStamp)
	}
	if broadcast {
		f.subs[sub.ID()] = sub
	} else {
		f.limitIdx[sub.ID()] = sub
	}
	f.everHadSub = true
}

// Detach removes sub from both registries. Idempotent. Once the last
// subscription on this feed leaves, wakes the background waiter spawned
// by New so the feed can be torn down and evicted from the Client
// registry (spec.md §4.3's "Feed lifecycle invariant").
func (f *Feed) Detach(id wire.SubscriptionID) {
	f.mu.Lock()
	delete(f.subs, id)
	delete(f.limitIdx, id)
	empty := len(f.subs) == 0 && len(f.limitIdx) == 0 && f.everHadSub
	f.mu.Unlock()

	if empty && f.lastSubLeft != nil {
		f.lastSubLeftOnce.Do(func() { close(f.lastSubLeft) })
	}
}

// Close tears the feed down: every registered subscription is notified,
// the mailbox is unsubscribed, and further envelopes are ignored.
// Idempotent.
func (f *Feed) Close(reason string) {
	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return
	}
	subs := make([]Subscription, 0, len(f.subs)+len(f.limitIdx))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	for _, s := range f.limitIdx {
		subs = append(subs, s)
	}
	f.dead = true
	f.mu.Unlock()

	for _, s := range subs {
		s.Close(reason)
	}
	if f.mailbox != nil {
		_ = f.mailbox.Close()
	}
	if f.closeCh != nil {
		f.closeOnce.Do(func() { close(f.closeCh) })
	}
}

// onEnvelope is the mailbox's receive callback: it restores per-publisher
// order via that publisher's OrderedQueue and dispatches everything the
// drain makes contiguous-deliverable, all under the queue's own lock so
// the critical section never suspends mid-drain (spec.md §5/§9).
func (f *Feed) onEnvelope(env wire.Envelope) {
	f.mu.RLock()
	if f.dead {
		f.mu.RUnlock()
		return
	}
	q, ok := f.queues[env.PublisherID]
	f.mu.RUnlock()
	if !ok {
		// No queue exists for this publisher: subscribe_read did not
		// list it and no Attach named it — drop. Detach never removes
		// queues, so this is not the path for an envelope after Detach.
		f.logger.Debug().Str("publisher_id", env.PublisherID.String()).Msg("feed: envelope for unknown publisher")
		return
	}

	q.PushAndDrain(env, func(e wire.Envelope) {
		if f.metrics != nil {
			f.metrics.EnvelopesDispatched.Inc()
		}
		f.dispatch(e)
	})
}

func (f *Feed) dispatch(env wire.Envelope) {
	switch msg := env.Message.(type) {
	case *wire.Stop:
		f.dispatchStop(msg.Reason)
	case *wire.LimitStart, *wire.LimitChange, *wire.LimitStop:
		f.dispatchLimit(subIDOf(env.Message), env)
	default:
		f.dispatchBroadcast(env)
	}
}

func subIDOf(msg wire.Message) wire.SubscriptionID {
	switch m := msg.(type) {
	case *wire.LimitStart:
		return m.SubID
	case *wire.LimitChange:
		return m.SubID
	case *wire.LimitStop:
		return m.SubID
	default:
		return wire.SubscriptionID{}
	}
}

func (f *Feed) dispatchLimit(id wire.SubscriptionID, env wire.Envelope) {
	f.mu.RLock()
	sub, ok := f.limitIdx[id]
	f.mu.RUnlock()
	if !ok {
		return
	}
	sub.DeliverLimit(env)
}

func (f *Feed) dispatchBroadcast(env wire.Envelope) {
	f.mu.RLock()
	subs := make([]Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.RUnlock()

	for _, s := range subs {
		s.DeliverChange(env)
	}
}

// dispatchStop notifies every subscription on this feed, broadcast or
// limit-indexed, that the publisher behind this address has gone away.
func (f *Feed) dispatchStop(reason string) {
	f.mu.RLock()
	subs := make([]Subscription, 0, len(f.subs)+len(f.limitIdx))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	for _, s := range f.limitIdx {
		subs = append(subs, s)
	}
	f.mu.RUnlock()

	for _, s := range subs {
		s.DeliverStop(reason)
	}
}
