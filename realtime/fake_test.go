package realtime

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport records calls and lets tests play the server side.
type fakeTransport struct {
	mu          sync.Mutex
	urls        []*url.URL
	protocols   [][]string
	writes      []string
	disconnects int
	delegate    TransportDelegate
	connected   bool
	// manual leaves OnConnect to the test
	manual bool
}

func (f *fakeTransport) Connect(u *url.URL, subprotocols []string, d TransportDelegate) {
	f.mu.Lock()
	f.urls = append(f.urls, u)
	f.protocols = append(f.protocols, subprotocols)
	f.delegate = d
	manual := f.manual
	if !manual {
		f.connected = true
	}
	f.mu.Unlock()
	if !manual {
		d.OnConnect()
	}
}

func (f *fakeTransport) Write(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, text)
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	d, was := f.delegate, f.connected
	f.connected = false
	f.mu.Unlock()
	if was && d != nil {
		go d.OnDisconnect(nil)
	}
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) lastURL() *url.URL {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.urls) == 0 {
		return nil
	}
	return f.urls[len(f.urls)-1]
}

func (f *fakeTransport) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, 0, len(f.writes))
	for _, w := range f.writes {
		var m Message
		if err := json.Unmarshal([]byte(w), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) hasMessage(typ MessageType, id string) bool {
	for _, m := range f.messages() {
		if m.Type == typ && m.ID == id {
			return true
		}
	}
	return false
}

func (f *fakeTransport) receive(frame string) {
	f.mu.Lock()
	d := f.delegate
	f.mu.Unlock()
	d.OnReceive([]byte(frame))
}

func (f *fakeTransport) peerClose(err error) {
	f.mu.Lock()
	d := f.delegate
	f.connected = false
	f.mu.Unlock()
	d.OnDisconnect(err)
}

// eventLog collects listener events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) listen(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) errors() []error {
	var out []error
	for _, ev := range l.all() {
		if ev.Kind == EventError {
			out = append(out, ev.Err)
		}
	}
	return out
}

func (l *eventLog) states() []ConnectionState {
	var out []ConnectionState
	for _, ev := range l.all() {
		if ev.Kind == EventConnection {
			out = append(out, ev.State)
		}
	}
	return out
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	return u
}

const testEndpoint = "https://abcdefghijklmnopqrstuvwxyz.appsync-api.us-west-2.amazonaws.com/graphql"

func newTestProvider(t *testing.T, tr *fakeTransport, opts ...ProviderOption) *Provider {
	t.Helper()
	p := NewProvider(mustURL(t, testEndpoint), tr, opts...)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

// connectAndAck drives a provider to Connected.
func connectAndAck(t *testing.T, p *Provider, tr *fakeTransport, ack string) {
	t.Helper()
	p.Connect()
	require.Eventually(t, func() bool { return tr.hasMessage(MessageConnectionInit, "") }, time.Second, time.Millisecond)
	tr.receive(ack)
	require.Eventually(t, func() bool { return p.State() == Connected }, time.Second, time.Millisecond)
}

const plainAck = `{"type":"connection_ack"}`
