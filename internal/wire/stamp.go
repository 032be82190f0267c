// Package wire defines the messages exchanged between a publisher and a
// subscriber: the stamped envelope, the tagged union of change messages,
// and the mangled-key encoding used to order limit-window rows.
package wire

import "github.com/google/uuid"

// Stamp is a per-(publisher, subscriber) monotonic sequence number. It
// starts at 0 and increments by one per outgoing envelope; it never
// decreases and is never reused.
type Stamp uint64

// MaxStamp is returned by Server.GetStamp for a subscriber address that
// isn't registered.
const MaxStamp Stamp = ^Stamp(0)

// PublisherID uniquely identifies a publisher (one per storage shard) for
// the lifetime of the process that created it.
type PublisherID uuid.UUID

// NewPublisherID mints a fresh publisher identity.
func NewPublisherID() PublisherID {
	return PublisherID(uuid.New())
}

func (p PublisherID) String() string {
	return uuid.UUID(p).String()
}

// SubscriptionID is minted by the subscriber for a limit subscription and
// used by both sides to key limit-manager state.
type SubscriptionID uuid.UUID

// NewSubscriptionID mints a fresh limit-subscription identity.
func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(uuid.New())
}

func (s SubscriptionID) String() string {
	return uuid.UUID(s).String()
}

// Envelope is the unit of transmission from a publisher to a subscriber:
// a change message tagged with the publisher that produced it and the
// stamp assigned to it by that publisher, atomically with send order.
type Envelope struct {
	PublisherID PublisherID
	Stamp       Stamp
	Message     Message
}
