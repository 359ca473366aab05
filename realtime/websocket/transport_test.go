package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bronystylecrazy/ultrasync/realtime"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeRealtimeServer speaks enough of the graphql-ws dialect to drive a
// subscription end to end.
type fakeRealtimeServer struct {
	*httptest.Server

	mu        sync.Mutex
	protocols []string
	queries   []url.Values
	received  []realtime.Message
	conns     []*websocket.Conn
}

func newFakeRealtimeServer(t *testing.T) *fakeRealtimeServer {
	t.Helper()
	s := &fakeRealtimeServer{}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{realtime.Subprotocol},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.protocols = append(s.protocols, c.Subprotocol())
		s.queries = append(s.queries, r.URL.Query())
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		s.serve(c)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeRealtimeServer) serve(c *websocket.Conn) {
	defer c.Close()
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		var msg realtime.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()

		switch msg.Type {
		case realtime.MessageConnectionInit:
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection_ack","payload":{"connectionTimeoutMs":300000}}`))
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"ka"}`))
		case realtime.MessageStart:
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"id":"`+msg.ID+`","type":"start_ack"}`))
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"id":"`+msg.ID+`","type":"data","payload":{"data":{"onCreateTodo":{"id":"1"}}}}`))
		case realtime.MessageStop:
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"id":"`+msg.ID+`","type":"complete"}`))
		}
	}
}

func (s *fakeRealtimeServer) wsURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("ws" + strings.TrimPrefix(s.URL, "http") + "/graphql")
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	return u
}

func (s *fakeRealtimeServer) receivedTypes() []realtime.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.MessageType, len(s.received))
	for i, m := range s.received {
		out[i] = m.Type
	}
	return out
}

func (s *fakeRealtimeServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.UnderlyingConn().Close()
	}
}

type recordingDelegate struct {
	mu         sync.Mutex
	connected  int
	frames     []string
	disconnect []error
}

func (d *recordingDelegate) OnConnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected++
}

func (d *recordingDelegate) OnDisconnect(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnect = append(d.disconnect, err)
}

func (d *recordingDelegate) OnReceive(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, string(data))
}

func (d *recordingDelegate) snapshot() (int, []string, []error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected, append([]string(nil), d.frames...), append([]error(nil), d.disconnect...)
}

func TestTransportRoundTrip(t *testing.T) {
	srv := newFakeRealtimeServer(t)
	tr := New(Config{HandshakeTimeout: time.Second}, nil)
	d := &recordingDelegate{}

	tr.Connect(srv.wsURL(t), []string{realtime.Subprotocol}, d)
	require.Eventually(t, tr.IsConnected, time.Second, 5*time.Millisecond)

	tr.Write(`{"type":"connection_init"}`)
	require.Eventually(t, func() bool {
		_, frames, _ := d.snapshot()
		return len(frames) == 2
	}, time.Second, 5*time.Millisecond)

	connected, frames, _ := d.snapshot()
	require.Equal(t, 1, connected)
	require.Contains(t, frames[0], "connection_ack")

	srv.mu.Lock()
	require.Equal(t, []string{realtime.Subprotocol}, srv.protocols)
	srv.mu.Unlock()

	tr.Disconnect()
	require.Eventually(t, func() bool {
		_, _, errs := d.snapshot()
		return len(errs) == 1
	}, time.Second, 5*time.Millisecond)
	_, _, errs := d.snapshot()
	require.NoError(t, errs[0])
	require.False(t, tr.IsConnected())
}

func TestDisconnectFlushesQueuedFrames(t *testing.T) {
	srv := newFakeRealtimeServer(t)
	tr := New(Config{HandshakeTimeout: time.Second}, nil)
	d := &recordingDelegate{}

	tr.Connect(srv.wsURL(t), []string{realtime.Subprotocol}, d)
	require.Eventually(t, tr.IsConnected, time.Second, 5*time.Millisecond)

	tr.Write(`{"type":"connection_init"}`)
	tr.Write(`{"id":"a","type":"stop"}`)
	tr.Write(`{"id":"b","type":"stop"}`)
	tr.Disconnect()

	want := []realtime.MessageType{realtime.MessageConnectionInit, realtime.MessageStop, realtime.MessageStop}
	require.Eventually(t, func() bool {
		return len(srv.receivedTypes()) == len(want)
	}, time.Second, 5*time.Millisecond)
	if got := srv.receivedTypes(); strings.Join(typeNames(got), ",") != strings.Join(typeNames(want), ",") {
		t.Fatalf("frames mismatch: got=%v want=%v", got, want)
	}

	require.Eventually(t, func() bool {
		_, _, errs := d.snapshot()
		return len(errs) == 1
	}, time.Second, 5*time.Millisecond)
	_, _, errs := d.snapshot()
	require.NoError(t, errs[0])
}

func typeNames(types []realtime.MessageType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func TestTransportReportsPeerFailure(t *testing.T) {
	srv := newFakeRealtimeServer(t)
	tr := New(Config{}, nil)
	d := &recordingDelegate{}

	tr.Connect(srv.wsURL(t), []string{realtime.Subprotocol}, d)
	require.Eventually(t, tr.IsConnected, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.conns) == 1
	}, time.Second, 5*time.Millisecond)

	srv.dropAll()
	require.Eventually(t, func() bool {
		_, _, errs := d.snapshot()
		return len(errs) == 1
	}, time.Second, 5*time.Millisecond)
	_, _, errs := d.snapshot()
	require.Error(t, errs[0])
}

func TestTransportDialFailureReportsDisconnect(t *testing.T) {
	tr := New(Config{HandshakeTimeout: 200 * time.Millisecond}, nil)
	d := &recordingDelegate{}
	u, _ := url.Parse("ws://127.0.0.1:1/graphql")

	tr.Connect(u, []string{realtime.Subprotocol}, d)
	require.Eventually(t, func() bool {
		_, _, errs := d.snapshot()
		return len(errs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	connected, _, errs := d.snapshot()
	require.Zero(t, connected)
	require.Error(t, errs[0])
}

func TestProviderSubscriptionOverWebsocket(t *testing.T) {
	srv := newFakeRealtimeServer(t)
	endpoint := srv.wsURL(t)
	p := realtime.NewProvider(endpoint, New(Config{}, nil))
	defer func() { _ = p.Close(context.Background()) }()

	conn := realtime.NewSubscriptionConnection(p, nil)
	var (
		mu    sync.Mutex
		kinds []realtime.SubscriptionEventKind
		data  []string
	)
	item := conn.Subscribe("subscription OnCreateTodo { onCreateTodo { id } }", nil, func(ev realtime.SubscriptionEvent, _ *realtime.SubscriptionItem) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
		if ev.Kind == realtime.SubscriptionData {
			data = append(data, string(ev.Data))
		}
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(data) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, realtime.Connected, p.State())
	require.Equal(t, realtime.Subscribed, conn.State())

	mu.Lock()
	require.Equal(t, []realtime.SubscriptionEventKind{
		realtime.SubscriptionConnecting,
		realtime.SubscriptionConnected,
		realtime.SubscriptionData,
	}, kinds)
	require.JSONEq(t, `{"data":{"onCreateTodo":{"id":"1"}}}`, data[0])
	mu.Unlock()

	conn.Unsubscribe()
	require.Eventually(t, func() bool {
		types := srv.receivedTypes()
		return len(types) == 3 && types[2] == realtime.MessageStop
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.State() == realtime.NotConnected }, 2*time.Second, 5*time.Millisecond)
	require.NotEmpty(t, item.ID)
}
