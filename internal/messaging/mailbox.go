// Package messaging is the thin mailbox layer the changefeed core sends
// wire envelopes and control messages over. It is a wrapper around NATS
// subjects (one per destination mailbox), matching the "Messaging layer
// (consumed)" contract in spec.md §6: send(manager, addr, payload),
// mailbox_t<Payload> with an on-receive callback, and
// disconnect_watcher(peer_id).
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Address identifies a mailbox: a NATS subject a publisher or subscriber
// listens on. Publisher mailbox addresses and subscriber addresses are
// both Addresses; which way a message flows depends only on who
// subscribes to it.
type Address string

// Transport owns one NATS connection to the cluster's messaging fabric
// and mints mailboxes and disconnect watchers against it. A process
// dials one Transport and reaches every cluster peer through it, so a
// disconnect is not scoped to one peer: losing the connection fires
// every watcher minted from this Transport.
type Transport struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu        sync.Mutex
	onDisconn []chan struct{}
}

// Dial connects a Transport to the NATS server at url. name is used as
// the connection's client name (visible in server-side monitoring) and
// as a log field.
func Dial(url, name string, logger zerolog.Logger) (*Transport, error) {
	t := &Transport{logger: logger.With().Str("peer", name).Logger()}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn().Err(err).Msg("messaging: disconnected from peer")
			t.fireDisconnect()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.fireDisconnect()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: dial %s: %w", name, err)
	}
	t.conn = conn
	return t, nil
}

func (t *Transport) fireDisconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.onDisconn {
		close(ch)
	}
	t.onDisconn = nil
}

// DisconnectWatcher returns a channel that closes exactly once, the
// moment this transport's connection to its peer is lost. Callers
// select on it alongside their other suspension points (spec.md §5).
func (t *Transport) DisconnectWatcher() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{})
	if t.conn == nil || t.conn.IsClosed() {
		close(ch)
		return ch
	}
	t.onDisconn = append(t.onDisconn, ch)
	return ch
}

// Close tears down the underlying connection, firing any outstanding
// disconnect watchers.
func (t *Transport) Close() {
	if t.conn != nil {
		t.conn.Close()
	}
}

// Send marshals payload as JSON and publishes it to addr. It does not
// wait for the message to be received — mailbox delivery is
// fire-and-forget, matching spec.md §5's "messaging layer is ... lossy
// at the connection boundary".
func (t *Transport) Send(addr Address, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("messaging: marshal payload for %s: %w", addr, err)
	}
	return t.conn.Publish(string(addr), data)
}

// Mailbox is a typed receive endpoint: a NATS subscription that decodes
// each message into T and invokes a callback. Payload is a type
// parameter rather than `any` so publisher-side and subscriber-side
// mailboxes get compile-time checked handlers, matching the spec's
// `mailbox_t<Payload>`.
type Mailbox[T any] struct {
	sub *nats.Subscription
}

// NewMailbox opens a mailbox at addr on t, invoking onReceive for every
// message that decodes successfully. Decode failures are logged and
// dropped rather than propagated, since a malformed message on the wire
// indicates a peer running an incompatible version, not a condition the
// local subscription state machine can recover from.
func NewMailbox[T any](t *Transport, addr Address, onReceive func(T)) (*Mailbox[T], error) {
	sub, err := t.conn.Subscribe(string(addr), func(msg *nats.Msg) {
		var payload T
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			t.logger.Error().Err(err).Str("addr", string(addr)).Msg("messaging: dropping undecodable message")
			return
		}
		onReceive(payload)
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: subscribe %s: %w", addr, err)
	}
	return &Mailbox[T]{sub: sub}, nil
}

// Close unsubscribes the mailbox. No further onReceive callbacks fire
// after Close returns.
func (m *Mailbox[T]) Close() error {
	return m.sub.Unsubscribe()
}
