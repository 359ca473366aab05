package delivery

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Item is one pending result for a subscription handler.
type Item[T any] struct {
	Result      T
	Transaction any
	Err         error
	// Seq is the arrival order assigned by Enqueue, starting at 1.
	Seq      uint64
	Received time.Time
}

type Handler[T any] func(Item[T])

// Queue delivers items to a fixed handler in enqueue order, one at a time,
// on its own goroutine. A new queue is stopped; nothing is delivered until
// Start is called.
type Queue[T any] struct {
	mu      sync.Mutex
	pending []Item[T]
	head    int
	seq     uint64
	started bool
	closed  bool

	handler Handler[T]
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}

	name      string
	log       *zap.Logger
	delivered metric.Int64Counter
}

type Option func(*options)

type options struct {
	name     string
	logger   *zap.Logger
	provider metric.MeterProvider
}

func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) { o.provider = provider }
}

func New[T any](handler Handler[T], opts ...Option) *Queue[T] {
	o := options{name: "delivery"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.provider == nil {
		o.provider = otel.GetMeterProvider()
	}
	delivered, err := o.provider.Meter(meterName).Int64Counter(
		"delivery.delivered",
		metric.WithDescription("Items handed to a subscription handler."),
	)
	if err != nil {
		o.logger.Warn("delivery counter unavailable", zap.Error(err))
	}

	q := &Queue[T]{
		handler:   handler,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		name:      o.name,
		log:       o.logger.Named("delivery").With(zap.String("queue", o.name)),
		delivered: delivered,
	}
	go q.run()
	return q
}

// Enqueue appends an item to the tail. It never blocks on the handler and
// succeeds whether or not the queue is started.
func (q *Queue[T]) Enqueue(item Item[T]) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	item.Seq = q.seq
	if item.Received.IsZero() {
		item.Received = time.Now()
	}
	q.pending = append(q.pending, item)
	q.mu.Unlock()
	q.signal()
}

// Push is shorthand for enqueueing a bare result.
func (q *Queue[T]) Push(result T) {
	q.Enqueue(Item[T]{Result: result})
}

// Start resumes delivery from the oldest undelivered item.
func (q *Queue[T]) Start() {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()
	q.signal()
}

// Stop halts delivery. A handler call already in progress runs to completion,
// no further item is dispatched until Start.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	q.started = false
	q.mu.Unlock()
}

// Close stops delivery for good and drops anything still pending.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.started = false
	q.pending = nil
	q.head = 0
	q.mu.Unlock()
	close(q.done)
}

// Done is closed once the drain goroutine has exited after Close.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.exited
}

func (q *Queue[T]) Started() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started
}

// Len reports the number of undelivered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) - q.head
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) run() {
	defer close(q.exited)
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		q.drain()
	}
}

func (q *Queue[T]) drain() {
	for {
		item, ok := q.next()
		if !ok {
			return
		}
		q.dispatch(item)
	}
}

func (q *Queue[T]) next() (Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero Item[T]
	if !q.started || q.closed || q.head >= len(q.pending) {
		return zero, false
	}
	item := q.pending[q.head]
	q.pending[q.head] = zero
	q.head++

	// compact once the consumed prefix dominates the backing array
	if q.head >= 1024 && q.head*2 >= len(q.pending) {
		n := copy(q.pending, q.pending[q.head:])
		clear(q.pending[n:])
		q.pending = q.pending[:n]
		q.head = 0
	}
	return item, true
}

func (q *Queue[T]) dispatch(item Item[T]) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("delivery handler panicked", zap.Uint64("seq", item.Seq), zap.Any("panic", r))
		}
	}()
	q.handler(item)
	if q.delivered != nil {
		q.delivered.Add(context.Background(), 1)
	}
}

const meterName = "github.com/bronystylecrazy/ultrasync/delivery"
