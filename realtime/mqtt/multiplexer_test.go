package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMultiplexer(t *testing.T, opts ...Option) (*Multiplexer, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	m := NewMultiplexer(f.New, opts...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, f
}

func info(clientID string, topics ...string) SubscriptionInfo {
	return SubscriptionInfo{ClientID: clientID, URL: "wss://broker/" + clientID, Topics: topics}
}

func TestConnectAttempt(t *testing.T) {
	m, f := newTestMultiplexer(t)
	m.AddWatcher([]string{"1", "2"}, Callbacks{})
	m.StartSubscriptions(info("1", "1", "2"))
	m.Flush()

	clients := f.all()
	if len(clients) != 1 {
		t.Fatalf("clients mismatch: got=%d want=1", len(clients))
	}
	connects, _, _, _ := clients[0].snapshot()
	require.Equal(t, 1, connects)
	require.Equal(t, "1", clients[0].clientID)
	require.Equal(t, "wss://broker/1", clients[0].url)
	require.Equal(t, []string{"1", "2"}, m.Topics("1"))
}

func TestOverlappingWatchersShareOneConnect(t *testing.T) {
	m, f := newTestMultiplexer(t)
	m.AddWatcher([]string{"1", "2"}, Callbacks{})
	m.StartSubscriptions(info("1", "1", "2"))
	m.AddWatcher([]string{"2", "3"}, Callbacks{})
	m.StartSubscriptions(info("1", "1", "2", "2", "3"))
	m.Flush()

	clients := f.all()
	require.Len(t, clients, 1)
	connects, _, _, _ := clients[0].snapshot()
	require.Equal(t, 1, connects)
	require.Equal(t, []string{"1", "2", "3"}, m.Topics("1"))
	require.Equal(t, 2, m.WatcherCount())
}

func TestUnwantedTopicsDoNotConnect(t *testing.T) {
	m, f := newTestMultiplexer(t)
	m.AddWatcher([]string{"1", "2"}, Callbacks{})
	m.StartSubscriptions(info("1", "3"))
	m.Flush()

	require.Empty(t, f.all())
	require.Empty(t, m.ClientIDs())
}

func TestPartiallyWantedTopicsConnect(t *testing.T) {
	m, f := newTestMultiplexer(t)
	m.AddWatcher([]string{"1", "2"}, Callbacks{})
	m.StartSubscriptions(info("1", "2", "3"))
	m.Flush()

	require.Len(t, f.all(), 1)
	require.Equal(t, []string{"2"}, m.Topics("1"))
}

func TestSubscribeTopicsAfterConnected(t *testing.T) {
	m, f := newTestMultiplexer(t)
	rec := &recorder{}
	m.AddWatcher([]string{"1", "2", "3"}, rec.callbacks())
	m.StartSubscriptions(info("1", "2", "3"))
	m.Flush()

	c := f.all()[0]
	_, _, subscribed, _ := c.snapshot()
	require.Empty(t, subscribed, "no subscribe before the connection is up")

	c.setStatus(StatusConnecting)
	c.setStatus(StatusConnected)
	m.Flush()

	_, _, subscribed, _ = c.snapshot()
	require.Equal(t, []string{"2", "3"}, subscribed)
	rec.mu.Lock()
	require.Equal(t, 1, rec.connected)
	require.Equal(t, []Status{StatusConnecting, StatusConnected}, rec.statuses)
	rec.mu.Unlock()

	// a later watcher on the same client only adds its own topic
	m.AddWatcher([]string{"4"}, Callbacks{})
	m.StartSubscriptions(info("1", "2", "3", "4"))
	m.Flush()
	connects, _, subscribed, _ := c.snapshot()
	require.Equal(t, 1, connects)
	require.Equal(t, []string{"2", "3", "4"}, subscribed)

	c.ack("4")
	m.Flush()
	rec.mu.Lock()
	require.Empty(t, rec.subscribed, "watcher does not want topic 4")
	rec.mu.Unlock()
	c.ack("2")
	m.Flush()
	rec.mu.Lock()
	require.Equal(t, []string{"2"}, rec.subscribed)
	rec.mu.Unlock()
}

func TestReleasingLastWatcherDisconnects(t *testing.T) {
	m, f := newTestMultiplexer(t)
	rec := &recorder{}
	w := m.AddWatcher([]string{"1", "2"}, rec.callbacks())
	m.StartSubscriptions(info("1", "1", "2"))
	m.Flush()
	c := f.all()[0]
	c.setStatus(StatusConnected)
	m.Flush()

	w.Close()
	w.Close()
	m.Flush()

	_, disconnects, _, unsubscribed := c.snapshot()
	require.Equal(t, 1, disconnects)
	require.ElementsMatch(t, []string{"1", "2"}, unsubscribed)
	require.Empty(t, m.ClientIDs())
	require.Empty(t, m.Topics("1"))
	require.Zero(t, m.WatcherCount())
	require.Empty(t, rec.gotDisconnects(), "a clean unsubscribe is not a disconnect")
}

func TestReleasingOneWatcherKeepsSharedConnection(t *testing.T) {
	m, f := newTestMultiplexer(t)
	w0 := m.AddWatcher([]string{"1", "2"}, Callbacks{})
	m.AddWatcher([]string{"2", "3"}, Callbacks{})
	m.StartSubscriptions(info("1", "1", "2", "3"))
	m.Flush()
	c := f.all()[0]
	c.setStatus(StatusConnected)
	m.Flush()

	w0.Close()
	m.Flush()

	_, disconnects, _, unsubscribed := c.snapshot()
	require.Zero(t, disconnects)
	require.Equal(t, []string{"1"}, unsubscribed)
	require.Equal(t, []string{"2", "3"}, m.Topics("1"))
}

func TestBrokerErrorCleansUpAndNotifiesOnce(t *testing.T) {
	m, f := newTestMultiplexer(t)
	rec0, rec1 := &recorder{}, &recorder{}
	w0 := m.AddWatcher([]string{"1"}, rec0.callbacks())
	m.AddWatcher([]string{"1", "2"}, rec1.callbacks())
	m.StartSubscriptions(info("1", "1", "2"))
	m.Flush()
	c := f.all()[0]
	c.setStatus(StatusConnected)
	m.Flush()

	c.setStatus(StatusConnectionError)
	c.setStatus(StatusConnectionError)
	m.Flush()

	require.Empty(t, m.ClientIDs())
	require.Zero(t, m.WatcherCount())
	for _, rec := range []*recorder{rec0, rec1} {
		errs := rec.gotDisconnects()
		require.Len(t, errs, 1)
		require.ErrorIs(t, errs[0], ErrDisconnected)
		var de *DisconnectError
		require.True(t, errors.As(errs[0], &de))
		require.Equal(t, "1", de.ClientID)
		require.Equal(t, StatusConnectionError, de.Status)
	}
	_, disconnects, _, unsubscribed := c.snapshot()
	require.Equal(t, 1, disconnects)
	require.Empty(t, unsubscribed)

	// the explicit path after the broker path is a no-op
	w0.Close()
	m.Flush()
	require.Len(t, rec0.gotDisconnects(), 1)
	_, disconnects, _, _ = c.snapshot()
	require.Equal(t, 1, disconnects)
}

func TestMessagesRouteToInterestedWatchers(t *testing.T) {
	m, f := newTestMultiplexer(t)
	rec0, rec1 := &recorder{}, &recorder{}
	m.AddWatcher([]string{"1"}, rec0.callbacks())
	m.AddWatcher([]string{"1", "2"}, rec1.callbacks())
	m.StartSubscriptions(info("1", "1", "2"))
	m.Flush()
	c := f.all()[0]
	c.setStatus(StatusConnected)
	m.Flush()

	c.deliver("2", "a")
	c.deliver("1", "b")
	c.deliver("3", "c")
	c.deliver("1", "d")
	m.Flush()

	require.Equal(t, []string{"1:b", "1:d"}, rec0.gotMessages())
	require.Equal(t, []string{"2:a", "1:b", "1:d"}, rec1.gotMessages())
}

func TestWildcardWatcher(t *testing.T) {
	m, f := newTestMultiplexer(t)
	rec := &recorder{}
	m.AddWatcher([]string{"rooms/+"}, rec.callbacks())
	m.StartSubscriptions(info("1", "rooms/+"))
	m.Flush()
	c := f.all()[0]
	c.setStatus(StatusConnected)
	m.Flush()

	c.deliver("rooms/a", "x")
	c.deliver("rooms/a/b", "y")
	m.Flush()
	require.Equal(t, []string{"rooms/a:x"}, rec.gotMessages())
}

func TestReplacedClientExpiresAfterAck(t *testing.T) {
	m, f := newTestMultiplexer(t)
	rec := &recorder{}
	m.AddWatcher([]string{"1"}, rec.callbacks())
	m.StartSubscriptions(info("a", "1"))
	m.Flush()
	old := f.all()[0]
	old.setStatus(StatusConnected)
	m.Flush()

	m.StartSubscriptions(info("b", "1"))
	m.Flush()
	require.Equal(t, []string{"b"}, m.ClientIDs())
	_, disconnects, _, _ := old.snapshot()
	require.Zero(t, disconnects, "old client stays up until the new one is granted")

	// the old client no longer drives watchers
	old.setStatus(StatusConnectionError)
	m.Flush()
	require.Empty(t, rec.gotDisconnects())

	next := f.all()[1]
	next.setStatus(StatusConnected)
	m.Flush()
	next.ack("1")
	m.Flush()

	_, disconnects, _, _ = old.snapshot()
	require.Equal(t, 1, disconnects)
	require.Equal(t, []string{"1"}, m.Topics("b"))
}

func TestMovedTopicIsDeliveredOnce(t *testing.T) {
	m, f := newTestMultiplexer(t)
	rec := &recorder{}
	m.AddWatcher([]string{"1", "2"}, rec.callbacks())
	m.StartSubscriptions(info("a", "1", "2"))
	m.Flush()
	a := f.all()[0]
	a.setStatus(StatusConnected)
	m.Flush()

	m.StartSubscriptions(info("b", "2"))
	m.Flush()
	b := f.all()[1]
	b.setStatus(StatusConnected)
	m.Flush()

	// a keeps serving "2" until b is granted it
	a.deliver("2", "before")
	m.Flush()
	require.Equal(t, []string{"2:before"}, rec.gotMessages())

	a.mu.Lock()
	inFlight := a.subs["2"].onMessage
	a.mu.Unlock()

	b.ack("2")
	m.Flush()
	_, disconnects, _, unsubscribed := a.snapshot()
	require.Equal(t, []string{"2"}, unsubscribed)
	require.Zero(t, disconnects)

	inFlight("2", []byte("stale"))
	b.deliver("2", "x")
	a.deliver("1", "y")
	m.Flush()
	require.Equal(t, []string{"2:before", "2:x", "1:y"}, rec.gotMessages())
	require.Equal(t, []string{"1"}, m.Topics("a"))
	require.Equal(t, []string{"2"}, m.Topics("b"))
}

func TestCancelDuringHandshake(t *testing.T) {
	m, f := newTestMultiplexer(t)
	rec := &recorder{}
	w := m.AddWatcher([]string{"1"}, rec.callbacks())
	m.StartSubscriptions(info("1", "1"))
	m.Flush()
	c := f.all()[0]

	w.Close()
	m.Flush()
	c.setStatus(StatusConnected)
	m.Flush()

	connects, disconnects, subscribed, _ := c.snapshot()
	require.Equal(t, 1, connects)
	require.Equal(t, 1, disconnects)
	require.Empty(t, subscribed)
	require.Empty(t, m.ClientIDs())
	rec.mu.Lock()
	require.Zero(t, rec.connected)
	rec.mu.Unlock()
}

func TestSubscribeDelay(t *testing.T) {
	m, f := newTestMultiplexer(t, WithSubscribeDelay(50*time.Millisecond))
	m.AddWatcher([]string{"1"}, Callbacks{})
	m.StartSubscriptions(info("1", "1"))
	m.Flush()
	require.Empty(t, f.all())

	require.Eventually(t, func() bool {
		return len(f.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseDisconnectsEverything(t *testing.T) {
	m, f := newTestMultiplexer(t)
	m.AddWatcher([]string{"1"}, Callbacks{})
	m.AddWatcher([]string{"2"}, Callbacks{})
	m.StartSubscriptions(info("a", "1"), info("b", "2"))
	m.Flush()
	require.Equal(t, []string{"a", "b"}, m.ClientIDs())

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, c := range f.all() {
		_, disconnects, _, _ := c.snapshot()
		require.Equal(t, 1, disconnects)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestTopicMatchesFilter(t *testing.T) {
	cases := []struct {
		topic, filter string
		want          bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/+", true},
		{"a/b/c", "a/+", false},
		{"a/b/c", "a/#", true},
		{"a", "#", true},
		{"a", "a/b", false},
	}
	for _, c := range cases {
		if got := topicMatchesFilter(c.topic, c.filter); got != c.want {
			t.Fatalf("topicMatchesFilter(%q, %q) mismatch: got=%v want=%v", c.topic, c.filter, got, c.want)
		}
	}
}
