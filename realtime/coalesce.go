package realtime

import (
	"sync"
	"time"
)

// errorCoalescer collects errors for a fixed window after the first one
// arrives and then emits the latest once, together with how many were folded.
// Errors carry the session they belong to; adding one for another session
// drops whatever was buffered.
type errorCoalescer struct {
	mu      sync.Mutex
	window  time.Duration
	owner   *session
	pending error
	count   int
	timer   *time.Timer
	emit    func(owner *session, err error, folded int)
}

func newErrorCoalescer(window time.Duration, emit func(owner *session, err error, folded int)) *errorCoalescer {
	return &errorCoalescer{window: window, emit: emit}
}

func (c *errorCoalescer) Add(owner *session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != owner {
		c.owner, c.count = owner, 0
	}
	c.pending = err
	c.count++
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.flush)
	}
}

func (c *errorCoalescer) flush() {
	c.mu.Lock()
	owner, err, n := c.owner, c.pending, c.count
	c.owner, c.pending, c.count, c.timer = nil, nil, 0, nil
	c.mu.Unlock()
	if err != nil {
		c.emit(owner, err, n)
	}
}

// Stop drops anything buffered.
func (c *errorCoalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.owner, c.pending, c.count = nil, nil, 0
}
