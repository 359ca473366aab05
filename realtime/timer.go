package realtime

import (
	"sync"
	"time"
)

// CountdownTimer fires onExpire once when interval elapses without a Reset.
// Start, Reset and Invalidate are safe to call from any goroutine; a Provider
// only calls them from its work goroutine.
type CountdownTimer struct {
	mu       sync.Mutex
	timer    *time.Timer
	interval time.Duration
	onExpire func()
	gen      uint64
}

func NewCountdownTimer() *CountdownTimer {
	return &CountdownTimer{}
}

// Start (re)arms the timer with a new interval and callback.
func (t *CountdownTimer) Start(interval time.Duration, onExpire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
	t.onExpire = onExpire
	t.arm()
}

// Reset restarts the countdown with the current interval. It is a no-op if
// the timer was never started or has been invalidated.
func (t *CountdownTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.onExpire == nil {
		return
	}
	t.arm()
}

func (t *CountdownTimer) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.onExpire = nil
}

func (t *CountdownTimer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *CountdownTimer) arm() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
	gen := t.gen
	fn := t.onExpire
	t.timer = time.AfterFunc(t.interval, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.onExpire = nil
		t.mu.Unlock()
		fn()
	})
}
