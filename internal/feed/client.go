package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/odin-db/changefeed/internal/messaging"
	"github.com/odin-db/changefeed/internal/metrics"
	"github.com/odin-db/changefeed/internal/storage"
	"github.com/rs/zerolog"
)

// Client is a subscriber process's table -> Feed registry: every table a
// process holds at least one subscription against gets exactly one Feed,
// shared by every subscription on that table regardless of which shard
// originates a given change.
type Client struct {
	transport *messaging.Transport
	logger    zerolog.Logger
	metrics   *metrics.Subscriber

	mu    sync.Mutex // feeds_lock
	feeds map[string]*Feed
}

// NewClient creates a Client that mints Feeds over transport.
func NewClient(transport *messaging.Transport, logger zerolog.Logger, m *metrics.Subscriber) *Client {
	return &Client{
		transport: transport,
		logger:    logger.With().Str("component", "client").Logger(),
		metrics:   m,
		feeds:     make(map[string]*Feed),
	}
}

// FeedFor returns the Feed for table, creating it on first use. Creation
// drives the full new_feed orchestration spec.md §4.5 describes: it
// issues a subscribe read against reader (under this lock, per the
// spec's "find-or-create the Feed (calling the namespace interface to
// subscribe)"), pre-opens a queue per publisher, and wires the feed's
// background waiter to evict itself from this registry on peer
// disconnect or once its last subscription leaves.
func (c *Client) FeedFor(ctx context.Context, table string, addr messaging.Address, reader storage.Reader) (*Feed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.feeds[table]; ok {
		return f, nil
	}
	f, err := New(ctx, table, addr, reader, c.transport, c.evictFeed, c.logger, c.metrics)
	if err != nil {
		return nil, fmt.Errorf("client: failed to create feed for table %q: %w", table, err)
	}
	c.feeds[table] = f
	return f, nil
}

// evictFeed is Feed's onDetach callback: it removes f from the registry
// only if f is still the table's current feed, guarding against the
// race where a new subscriber re-created the feed between f deciding to
// tear down and this callback running (spec.md §4.3's "Feed lifecycle
// invariant").
func (c *Client) evictFeed(f *Feed, reason string) {
	c.mu.Lock()
	if c.feeds[f.table] == f {
		delete(c.feeds, f.table)
	}
	c.mu.Unlock()
	c.logger.Info().Str("table", f.table).Str("reason", reason).Msg("client: feed detached")
}

// DropTable closes and forgets table's Feed, if any.
func (c *Client) DropTable(table string, reason string) {
	c.mu.Lock()
	f, ok := c.feeds[table]
	if ok {
		delete(c.feeds, table)
	}
	c.mu.Unlock()

	if ok {
		f.Close(reason)
	}
}

// Close tears down every Feed this client owns.
func (c *Client) Close() {
	c.mu.Lock()
	feeds := make([]*Feed, 0, len(c.feeds))
	for _, f := range c.feeds {
		feeds = append(feeds, f)
	}
	c.feeds = make(map[string]*Feed)
	c.mu.Unlock()

	for _, f := range feeds {
		f.Close("client_closed")
	}
}
