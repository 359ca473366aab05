package mqtt_test

import (
	"context"
	"net"
	"testing"
	"time"

	usmqtt "github.com/bronystylecrazy/ultrasync/realtime/mqtt"
)

func TestMultiplexerOverLocalBroker(t *testing.T) {
	broker := startLocalBroker(t)

	m := usmqtt.NewMultiplexer(usmqtt.NewClientFactory(usmqtt.ClientConfig{
		ConnectTimeout: 3 * time.Second,
		Keepalive:      10 * time.Second,
	}, nil))
	defer func() { _ = m.Close(context.Background()) }()

	received := make(chan string, 16)
	subscribed := make(chan string, 4)
	disconnected := make(chan error, 1)
	m.AddWatcher([]string{"rooms/1"}, usmqtt.Callbacks{
		OnMessage:    func(_ string, payload []byte) { received <- string(payload) },
		OnSubscribed: func(topic string) { subscribed <- topic },
		OnDisconnect: func(err error) { disconnected <- err },
	})
	m.StartSubscriptions(usmqtt.SubscriptionInfo{
		ClientID: "local-test",
		URL:      broker.URL(),
		Topics:   []string{"rooms/1"},
	})

	select {
	case topic := <-subscribed:
		if topic != "rooms/1" {
			t.Fatalf("topic mismatch: got=%q want=%q", topic, "rooms/1")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for suback")
	}

	if err := broker.Publish("rooms/2", []byte("ignored")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := broker.Publish("rooms/1", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("payload mismatch: got=%q want=%q", got, "hello")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err := broker.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-disconnected:
		if err == nil {
			t.Fatal("expected a disconnect error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for disconnect callback")
	}
	if ids := m.ClientIDs(); len(ids) != 0 {
		t.Fatalf("clients mismatch: got=%v want=[]", ids)
	}
}

func TestWSClientRefusedEndpoint(t *testing.T) {
	c := usmqtt.NewWSClient(usmqtt.ClientConfig{ConnectTimeout: time.Second}, nil)
	statuses := make(chan usmqtt.Status, 4)
	c.Connect("refused", "ws://"+reserveTCPAddr(t), func(s usmqtt.Status) { statuses <- s })

	want := []usmqtt.Status{usmqtt.StatusConnecting, usmqtt.StatusConnectionError}
	for _, w := range want {
		select {
		case got := <-statuses:
			if got != w {
				t.Fatalf("status mismatch: got=%v want=%v", got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %v", w)
		}
	}
	if c.IsConnected() {
		t.Fatal("client should not be connected")
	}
}

func startLocalBroker(t *testing.T) *usmqtt.LocalBroker {
	t.Helper()

	addr := reserveTCPAddr(t)
	broker, err := usmqtt.NewLocalBroker(addr, nil)
	if err != nil {
		t.Fatalf("NewLocalBroker: %v", err)
	}
	if err := broker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = broker.Stop(context.Background()) })

	waitUntil(t, 3*time.Second, 50*time.Millisecond, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, "broker did not start listening in time")

	return broker
}

func reserveTCPAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve listen addr: %v", err)
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		t.Fatalf("close reserved listener: %v", err)
	}
	return addr
}

func waitUntil(t *testing.T, timeout time.Duration, step time.Duration, check func() bool, failMsg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(step)
	}
	t.Fatal(failMsg)
}
