// Package publisher implements the publisher side of the changefeed
// engine: one Server per storage shard, fanning out change messages to
// every subscriber registered with it, and the LimitManager that keeps
// a shard's slice of a top-N window materialized.
package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/odin-db/changefeed/internal/messaging"
	"github.com/odin-db/changefeed/internal/metrics"
	"github.com/odin-db/changefeed/internal/region"
	"github.com/odin-db/changefeed/internal/storage"
	"github.com/odin-db/changefeed/internal/wire"
	"github.com/rs/zerolog"
)

// Server owns change dispatch for one storage shard to every subscriber
// currently registered with it: it assigns each subscriber its own
// monotonic stamp and manages that subscriber's limit managers. One
// Server is created per shard at shard-activation and lives until the
// shard drains.
type Server struct {
	id        wire.PublisherID
	table     string
	transport *messaging.Transport
	logger    zerolog.Logger
	metrics   *metrics.Publisher

	mu      sync.RWMutex // clients_lock: protects the map below
	clients map[messaging.Address]*clientState

	drainOnce sync.Once
	drainCh   chan struct{} // closed by StopAll / Shutdown
}

type clientState struct {
	mu      sync.Mutex // serializes region appends against removal
	regions []region.Region
	stamp   atomic.Uint64 // next stamp to assign; lock-free so send_all never suspends mid-increment

	limitMu       sync.RWMutex
	limitManagers map[string][]*LimitManager // keyed by sindex name, "" = primary

	removeOnce sync.Once
	stopSignal chan struct{} // closed to ask this client's background waiter to tear down
}

// NewServer creates a Server for table, sending over transport.
func NewServer(table string, transport *messaging.Transport, logger zerolog.Logger, m *metrics.Publisher) *Server {
	return &Server{
		id:        wire.NewPublisherID(),
		table:     table,
		transport: transport,
		logger:    logger.With().Str("component", "publisher").Str("table", table).Logger(),
		metrics:   m,
		clients:   make(map[messaging.Address]*clientState),
		drainCh:   make(chan struct{}),
	}
}

// ID returns this publisher's identity.
func (s *Server) ID() wire.PublisherID { return s.id }

// AddClient registers addr as interested in r. Idempotent: registering
// the same addr again appends r to its region list rather than
// duplicating the background teardown watcher — necessary when one
// shard spans multiple regions for the same subscriber under
// oversharding. peerDisconnect fires once the messaging layer loses its
// connection to addr's peer.
func (s *Server) AddClient(addr messaging.Address, r region.Region, peerDisconnect <-chan struct{}) {
	s.mu.Lock()
	cs, exists := s.clients[addr]
	if !exists {
		cs = &clientState{
			regions:       []region.Region{r},
			limitManagers: make(map[string][]*LimitManager),
			stopSignal:    make(chan struct{}),
		}
		s.clients[addr] = cs
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.ClientsRegistered.Inc()
		}
		go s.watchClient(addr, cs, peerDisconnect)
		return
	}
	s.mu.Unlock()

	cs.mu.Lock()
	cs.regions = append(cs.regions, r)
	cs.mu.Unlock()
}

// watchClient is the background task spec.md §4.1 describes: it waits
// on any of {peer-disconnect, explicit-stop, shard-drain} and, on fire,
// sends a Stop and removes the client.
func (s *Server) watchClient(addr messaging.Address, cs *clientState, peerDisconnect <-chan struct{}) {
	reason := "shard_drain"
	select {
	case <-peerDisconnect:
		reason = "peer_disconnect"
	case <-cs.stopSignal:
		reason = "explicit_stop"
	case <-s.drainCh:
		reason = "shard_drain"
	}

	if err := s.transport.Send(addr, wire.Envelope{
		PublisherID: s.id,
		Stamp:       wire.Stamp(cs.stamp.Add(1) - 1),
		Message:     &wire.Stop{Reason: reason},
	}); err != nil {
		s.logger.Warn().Err(err).Str("addr", string(addr)).Msg("publisher: failed to send stop on teardown")
	}
	s.removeClient(addr)
}

// removeClient drops addr from the registry. Duplicate removal is a
// no-op, which matters when the same shard spans multiple regions for
// one subscriber and several code paths race to tear it down.
func (s *Server) removeClient(addr messaging.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[addr]; !ok {
		return
	}
	delete(s.clients, addr)
	if s.metrics != nil {
		s.metrics.ClientsRegistered.Dec()
	}
}

// RemoveClient explicitly unregisters addr, e.g. on unsubscribe. Safe to
// call more than once for the same addr.
func (s *Server) RemoveClient(addr messaging.Address) {
	s.mu.RLock()
	cs, ok := s.clients[addr]
	s.mu.RUnlock()
	if !ok {
		return
	}
	cs.removeOnce.Do(func() { close(cs.stopSignal) })
}

// SendAll assigns the next stamp to every subscriber with a registered
// region over sindex whose bounds contain key, and transmits
// (publisher_id, stamp, msg) to each. A change touches the primary index
// plus every secondary index it's indexed under, each with its own
// value, so the caller invokes SendAll once per (index, value) pair a
// change carries rather than once per change — matching only on
// region.Sindex keeps an unrelated index's byte range from colliding
// with this one's. Stamp assignment happens via a lock-free counter so
// no suspension can occur between reading and incrementing one
// subscriber's stamp; the per-publisher ordering queue on the subscriber
// side is what makes the actual wire arrival order immaterial (spec.md §5).
func (s *Server) SendAll(msg wire.Message, sindex string, key wire.Datum) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for addr, cs := range s.clients {
		if !matchesAny(cs, sindex, key) {
			continue
		}
		stamp := wire.Stamp(cs.stamp.Add(1) - 1)
		if s.metrics != nil {
			s.metrics.StampsAssigned.Inc()
		}
		if err := s.transport.Send(addr, wire.Envelope{PublisherID: s.id, Stamp: stamp, Message: msg}); err != nil {
			s.logger.Warn().Err(err).Str("addr", string(addr)).Msg("publisher: send_all delivery failed")
		}
	}
}

func matchesAny(cs *clientState, sindex string, key wire.Datum) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, r := range cs.regions {
		if r.OverlapsSindex(sindex) && r.Contains(key) {
			return true
		}
	}
	return false
}

// AddLimitClient creates a LimitManager for addr under spec.Sindex,
// registers it, and immediately emits its limit_start — exactly once
// per (sub_id, shard), per spec.md §6.
func (s *Server) AddLimitClient(addr messaging.Address, r region.Region, subID wire.SubscriptionID, spec storage.LimitSpec, initial []storage.Row, reader storage.Reader, table string) (*LimitManager, error) {
	s.mu.Lock()
	cs, exists := s.clients[addr]
	if !exists {
		cs = &clientState{
			regions:       []region.Region{r},
			limitManagers: make(map[string][]*LimitManager),
			stopSignal:    make(chan struct{}),
		}
		s.clients[addr] = cs
		s.mu.Unlock()
		// No per-subscriber peer channel is threaded through limit
		// registration, so fall back to this shard's own transport-wide
		// disconnect watcher: one Transport models one connection to the
		// whole fabric (messaging.Transport), so losing it means losing
		// every subscriber it serves, addr included.
		go s.watchClient(addr, cs, s.transport.DisconnectWatcher())
	} else {
		s.mu.Unlock()
	}

	lm := newLimitManager(subID, r, spec, reader, table, s.logger)
	lm.emit = func(msg wire.Message) error {
		stamp := wire.Stamp(cs.stamp.Add(1) - 1)
		if s.metrics != nil {
			s.metrics.StampsAssigned.Inc()
		}
		return s.transport.Send(addr, wire.Envelope{PublisherID: s.id, Stamp: stamp, Message: msg})
	}
	startData := make([]wire.StartItem, 0, len(initial))
	for _, row := range initial {
		lm.seedInitial(row)
		startData = append(startData, wire.StartItem{
			MangledKey: wire.Mangle(row.Primary, row.Tag),
			SindexVal:  row.SindexVal,
			Row:        row.Value,
		})
	}

	cs.limitMu.Lock()
	cs.limitManagers[spec.Sindex] = append(cs.limitManagers[spec.Sindex], lm)
	cs.limitMu.Unlock()

	if err := s.transport.Send(addr, wire.Envelope{
		PublisherID: s.id,
		Stamp:       wire.Stamp(cs.stamp.Add(1) - 1),
		Message:     &wire.LimitStart{SubID: subID, StartData: startData},
	}); err != nil {
		return nil, fmt.Errorf("publisher: failed to send limit_start: %w", err)
	}
	return lm, nil
}

// ForeachLimit invokes f for every non-aborted limit manager registered
// under sindex whose region contains pkey (when pkey is non-nil). f is
// called without holding the manager's lock; each LimitManager method
// f calls takes that lock itself, so a sequence of calls inside f is not
// one critical section. If f returns an error the manager is marked
// aborted and pruned from the registry before ForeachLimit moves on.
func (s *Server) ForeachLimit(sindex string, pkey *wire.Datum, f func(*LimitManager) error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cs := range s.clients {
		cs.limitMu.RLock()
		managers := append([]*LimitManager(nil), cs.limitManagers[sindex]...)
		cs.limitMu.RUnlock()

		for _, lm := range managers {
			if pkey != nil && !lm.region.Contains(*pkey) {
				continue
			}
			if lm.IsAborted() {
				continue
			}
			if err := f(lm); err != nil {
				lm.Abort(err)
				s.pruneAborted(cs, sindex, lm)
			}
		}
	}
}

func (s *Server) pruneAborted(cs *clientState, sindex string, target *LimitManager) {
	cs.limitMu.Lock()
	defer cs.limitMu.Unlock()
	list := cs.limitManagers[sindex]
	for i, lm := range list {
		if lm == target {
			cs.limitManagers[sindex] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// StopAll signals every registered subscriber's background waiter,
// which sends each a Stop and removes it. Used on shard shutdown.
func (s *Server) StopAll() {
	s.drainOnce.Do(func() { close(s.drainCh) })
}

// GetStamp returns the next stamp that will be assigned to addr, or
// wire.MaxStamp if addr isn't registered. Subscribers use this to
// correlate a read-time snapshot with later change events.
func (s *Server) GetStamp(addr messaging.Address) wire.Stamp {
	s.mu.RLock()
	cs, ok := s.clients[addr]
	s.mu.RUnlock()
	if !ok {
		return wire.MaxStamp
	}
	return wire.Stamp(cs.stamp.Load())
}
