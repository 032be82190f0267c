package messaging

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisconnectWatcherClosesImmediatelyWithNoConnection(t *testing.T) {
	t.Parallel()

	tr := &Transport{logger: zerolog.Nop()}
	ch := tr.DisconnectWatcher()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watcher did not close for a transport with no live connection")
	}
}

func TestFireDisconnectClosesAllWatchersOnce(t *testing.T) {
	t.Parallel()

	tr := &Transport{logger: zerolog.Nop()}
	// Bypass DisconnectWatcher's nil-conn fast path by registering
	// watchers directly, the way a live (non-nil) conn's caller would.
	chA := make(chan struct{})
	chB := make(chan struct{})
	tr.mu.Lock()
	tr.onDisconn = append(tr.onDisconn, chA, chB)
	tr.mu.Unlock()

	tr.fireDisconnect()

	assertClosed(t, chA)
	assertClosed(t, chB)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.onDisconn)
}

func assertClosed(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case _, open := <-ch:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestCloseWithNoConnectionDoesNotPanic(t *testing.T) {
	t.Parallel()

	tr := &Transport{logger: zerolog.Nop()}
	tr.Close()
}
