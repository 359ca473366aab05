package realtime

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type statusLog struct {
	mu   sync.Mutex
	seen []bool
}

func (l *statusLog) record(s ConnectivityStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, s.Satisfied)
}

func (l *statusLog) all() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.seen...)
}

func TestConnectivityMonitorFollowsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	m := NewProbeMonitor(ln.Addr().String(), 10*time.Millisecond, nil)
	m.Timeout = 200 * time.Millisecond
	log := &statusLog{}
	m.Start(log.record)
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool { return len(log.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true}, log.all())

	// unchanged results are not reported again
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, []bool{true}, log.all())

	require.NoError(t, ln.Close())
	require.Eventually(t, func() bool { return len(log.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true, false}, log.all())
}

func TestConnectivityMonitorRestartsAfterStop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := NewProbeMonitor(addr, 10*time.Millisecond, nil)
	m.Timeout = 200 * time.Millisecond
	first := &statusLog{}
	m.Start(first.record)
	require.Eventually(t, func() bool { return len(first.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
	require.Equal(t, []bool{false}, first.all())

	second := &statusLog{}
	m.Start(second.record)
	t.Cleanup(m.Stop)
	require.Eventually(t, func() bool { return len(second.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{false}, second.all())
	require.Len(t, first.all(), 1)
}
