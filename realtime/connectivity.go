package realtime

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConnectivityStatus is a network path observation.
type ConnectivityStatus struct {
	Satisfied bool
	At        time.Time
}

// ConnectivityMonitor reports network path changes. Start may be called again
// after Stop.
type ConnectivityMonitor interface {
	Start(onUpdate func(ConnectivityStatus))
	Stop()
}

// ProbeMonitor treats the network as satisfied while a TCP dial to Address
// succeeds, probing every Interval. Only changes are reported.
type ProbeMonitor struct {
	Address  string
	Interval time.Duration
	Timeout  time.Duration
	Dial     func(ctx context.Context, network, address string) (net.Conn, error)

	log    *zap.Logger
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewProbeMonitor(address string, interval time.Duration, logger *zap.Logger) *ProbeMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	d := &net.Dialer{}
	return &ProbeMonitor{
		Address:  address,
		Interval: interval,
		Timeout:  3 * time.Second,
		Dial:     d.DialContext,
		log:      logger.Named("connectivity"),
	}
}

func (m *ProbeMonitor) Start(onUpdate func(ConnectivityStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done, onUpdate)
}

func (m *ProbeMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *ProbeMonitor) loop(ctx context.Context, done chan struct{}, onUpdate func(ConnectivityStatus)) {
	defer close(done)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	known := false
	last := false
	for {
		ok := m.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if !known || ok != last {
			known, last = true, ok
			m.log.Debug("connectivity changed", zap.Bool("satisfied", ok))
			onUpdate(ConnectivityStatus{Satisfied: ok, At: time.Now()})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()
	conn, err := m.Dial(ctx, "tcp", m.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
