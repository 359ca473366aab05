package delivery

import "go.uber.org/zap"

// Serial runs submitted functions one at a time in submission order on a
// dedicated goroutine. It is the work queue used by actor-style components.
type Serial struct {
	q *Queue[func()]
}

func NewSerial(name string, logger *zap.Logger) *Serial {
	q := New(func(item Item[func()]) {
		item.Result()
	}, WithName(name), WithLogger(logger))
	q.Start()
	return &Serial{q: q}
}

// Go schedules fn without waiting for it.
func (s *Serial) Go(fn func()) {
	s.q.Push(fn)
}

// Do schedules fn and waits until it has run. Calling Do from a function
// already running on s deadlocks.
func (s *Serial) Do(fn func()) {
	done := make(chan struct{})
	s.q.Push(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-s.q.Done():
	}
}

// Close drops pending functions and stops the worker.
func (s *Serial) Close() {
	s.q.Close()
}
