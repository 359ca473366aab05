package deltasync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/bronystylecrazy/ultrasync/delivery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrSubscribeTimeout = errors.New("deltasync: subscription not ready before timeout")

// ErrStreamEnded marks a subscription result sent because the service ended
// the stream. Delivering one reports StatusInterrupted.
var ErrStreamEnded = errors.New("deltasync: subscription ended")

const (
	DefaultClockSkew        = 2 * time.Second
	DefaultSubscribeTimeout = 30 * time.Second
	storeTimeout            = 5 * time.Second
)

// Source tells a base handler where a result came from.
type Source int

const (
	SourceCache Source = iota
	SourceServer
)

func (s Source) String() string {
	if s == SourceServer {
		return "server"
	}
	return "cache"
}

// Status is the health of a watcher as reported to Handlers.Status.
type Status int

const (
	// StatusActive follows a sync whose subscription and query succeeded.
	StatusActive Status = iota
	// StatusFailed follows a sync whose subscription or query failed.
	StatusFailed
	// StatusInterrupted means the service ended the subscription.
	StatusInterrupted
	// StatusCancelled is reported once by Cancel and is final.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	case StatusInterrupted:
		return "interrupted"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is one decoded response handed to a handler.
type Result = delivery.Item[json.RawMessage]

type QueryFunc func(ctx context.Context) (json.RawMessage, error)

// DeltaFunc fetches the changes made since lastSync.
type DeltaFunc func(ctx context.Context, lastSync time.Time) (json.RawMessage, error)

// Stream is a running subscription.
type Stream interface {
	Cancel()
}

// SubscribeFunc opens a subscription. emit is called for every inbound
// result, ready exactly once when the server acknowledged the subscription or
// it failed.
type SubscribeFunc func(ctx context.Context, emit func(Result), ready func(error)) (Stream, error)

type Operations struct {
	// Hash keys the persisted last sync time. Empty disables persistence.
	Hash           string
	BaseFromCache  QueryFunc
	BaseFromServer QueryFunc
	Delta          DeltaFunc
	Subscribe      SubscribeFunc
}

type Handlers struct {
	Base         func(Source, Result)
	Delta        func(Result)
	Subscription func(Result)
	// Status is called when the watcher's status changes.
	Status func(Status)
}

type Option func(*Watcher)

func WithStore(store LastSyncStore) Option {
	return func(w *Watcher) { w.store = store }
}

func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.log = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

func WithRefreshInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.policy.RefreshInterval = d
		}
	}
}

// WithClockSkew sets how far saved sync times are moved back.
func WithClockSkew(d time.Duration) Option {
	return func(w *Watcher) { w.skew = d }
}

func WithSubscribeTimeout(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.subscribeTimeout = d
		}
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(w *Watcher) { w.meter = mp }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(w *Watcher) { w.tracer = tp }
}

// Watcher keeps a base query, its subscription and an optional delta query
// in step. Subscription results are held until the base or delta result of
// the same sync has been handed out, then delivered in arrival order.
type Watcher struct {
	ops      Operations
	handlers Handlers
	policy   Policy

	store            LastSyncStore
	log              *zap.Logger
	now              func() time.Time
	skew             time.Duration
	subscribeTimeout time.Duration
	meter            metric.MeterProvider
	tracer           trace.TracerProvider
	metrics          syncMetrics

	work  *delivery.Serial
	queue *delivery.Queue[json.RawMessage]

	ctx    context.Context
	cancel context.CancelFunc

	statusMu    sync.Mutex
	status      Status
	statusKnown bool

	mu        sync.Mutex
	lastSync  *time.Time
	stream    Stream
	timer     *time.Timer
	started   bool
	cancelled bool
}

func New(ops Operations, handlers Handlers, opts ...Option) *Watcher {
	w := &Watcher{
		ops:              ops,
		handlers:         handlers,
		policy:           Policy{HasDelta: ops.Delta != nil, RefreshInterval: DefaultRefreshInterval},
		log:              zap.NewNop(),
		now:              time.Now,
		skew:             DefaultClockSkew,
		subscribeTimeout: DefaultSubscribeTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.Named("deltasync")
	if w.ops.Hash != "" {
		w.log = w.log.With(zap.String("operation", w.ops.Hash))
	}
	w.metrics = newSyncMetrics(w.meter, w.tracer, w.log)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.work = delivery.NewSerial("deltasync", w.log)
	w.queue = delivery.New(w.deliverSubscription,
		delivery.WithName("deltasync.subscription"),
		delivery.WithLogger(w.log),
		delivery.WithMeterProvider(w.meter),
	)
	return w
}

// Start loads the persisted sync time, hands out the cached base result and
// runs the first sync. Later calls are ignored.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started || w.cancelled {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.work.Go(func() {
		w.loadLastSync(w.ctx)
		w.runCacheBase(w.ctx)
		w.performSync(w.ctx)
	})
}

// Resync reruns the sync sequence, for example after connectivity returns.
func (w *Watcher) Resync() {
	w.work.Go(func() { w.performSync(w.ctx) })
}

// Cancel stops the subscription, the refresh timer and any pending handler
// calls. Safe to call more than once.
func (w *Watcher) Cancel() {
	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return
	}
	w.cancelled = true
	stream, timer := w.stream, w.timer
	w.stream, w.timer = nil, nil
	w.mu.Unlock()

	w.cancel()
	if timer != nil {
		timer.Stop()
	}
	if stream != nil {
		stream.Cancel()
	}
	w.queue.Close()
	w.work.Close()
	w.setStatus(StatusCancelled)
	w.log.Debug("sync cancelled")
}

// Status reports the last status handed to Handlers.Status.
func (w *Watcher) Status() (Status, bool) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	return w.status, w.statusKnown
}

func (w *Watcher) setStatus(s Status) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	if w.statusKnown && (w.status == s || w.status == StatusCancelled) {
		return
	}
	w.status, w.statusKnown = s, true
	w.log.Debug("status changed", zap.Stringer("status", s))
	if w.handlers.Status != nil {
		w.handlers.Status(s)
	}
}

// LastSync reports the time of the last successful sync.
func (w *Watcher) LastSync() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastSync == nil {
		return time.Time{}, false
	}
	return *w.lastSync, true
}

// Method is the refresh the next sync would perform.
func (w *Watcher) Method() Method {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.policy.Method(w.lastSync, w.now())
}

// Flush waits for every sync step queued so far.
func (w *Watcher) Flush() {
	w.work.Do(func() {})
}

func (w *Watcher) loadLastSync(ctx context.Context) {
	if w.store == nil || w.ops.Hash == "" {
		return
	}
	t, ok, err := w.store.Load(ctx, w.ops.Hash)
	if err != nil {
		w.log.Warn("load last sync failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	w.mu.Lock()
	w.lastSync = &t
	w.mu.Unlock()
}

func (w *Watcher) setLastSync(t time.Time) {
	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return
	}
	w.lastSync = &t
	w.mu.Unlock()

	if w.store == nil || w.ops.Hash == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), storeTimeout)
	defer cancel()
	if err := w.store.Save(ctx, w.ops.Hash, t); err != nil {
		w.log.Warn("save last sync failed", zap.Error(err))
	}
}

func (w *Watcher) runCacheBase(ctx context.Context) {
	if w.ops.BaseFromCache == nil {
		return
	}
	data, err := w.ops.BaseFromCache(ctx)
	w.emitBase(ctx, SourceCache, data, err)
}

func (w *Watcher) performSync(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.queue.Stop()
	method := w.Method()
	fetchStart := w.now()

	ctx, span := w.metrics.tracer.Start(ctx, "deltasync.sync",
		trace.WithAttributes(attribute.String("method", method.String())))
	defer span.End()
	log := w.log.With(zap.Stringer("method", method))
	log.Debug("sync started")

	if err := w.startSubscription(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("subscription failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.metrics.sync(method, "subscribe_error")
		if w.handlers.Subscription != nil {
			w.handlers.Subscription(Result{Err: err, Received: w.now()})
		}
		w.setStatus(StatusFailed)
		return
	}

	var err error
	switch method {
	case Partial:
		last, _ := w.LastSync()
		var data json.RawMessage
		data, err = w.ops.Delta(ctx, last)
		if ctx.Err() != nil {
			return
		}
		if w.handlers.Delta != nil {
			w.handlers.Delta(Result{Result: data, Err: err, Received: w.now()})
		}
		if err == nil {
			w.setLastSync(w.now().Add(-w.skew))
		}
	default:
		if w.ops.BaseFromServer != nil {
			var data json.RawMessage
			data, err = w.ops.BaseFromServer(ctx)
			if ctx.Err() != nil {
				return
			}
			w.emitBase(ctx, SourceServer, data, err)
		}
		if err == nil {
			w.setLastSync(fetchStart.Add(-w.skew))
		}
	}

	result, status := "ok", StatusActive
	if err != nil {
		result, status = "error", StatusFailed
		log.Warn("sync query failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	w.metrics.sync(method, result)
	w.setStatus(status)

	w.queue.Start()
	w.schedule(fetchStart)
	log.Debug("sync finished", zap.String("result", result))
}

// startSubscription replaces the running stream once the new one is ready.
func (w *Watcher) startSubscription(ctx context.Context) error {
	if w.ops.Subscribe == nil {
		return nil
	}
	ready := make(chan error, 1)
	var once sync.Once
	emit := func(r Result) {
		if r.Received.IsZero() {
			r.Received = w.now()
		}
		w.queue.Enqueue(r)
	}
	stream, err := w.ops.Subscribe(ctx, emit, func(err error) {
		once.Do(func() { ready <- err })
	})
	if err != nil {
		return err
	}

	timeout := time.NewTimer(w.subscribeTimeout)
	defer timeout.Stop()
	select {
	case err = <-ready:
	case <-timeout.C:
		err = ErrSubscribeTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		stream.Cancel()
		return err
	}

	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		stream.Cancel()
		return context.Canceled
	}
	old := w.stream
	w.stream = stream
	w.mu.Unlock()
	if old != nil {
		old.Cancel()
	}
	return nil
}

func (w *Watcher) schedule(from time.Time) {
	delay := w.policy.RefreshInterval - w.now().Sub(from)
	if delay < 0 {
		delay = 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(delay, w.Resync)
}

func (w *Watcher) emitBase(ctx context.Context, source Source, data json.RawMessage, err error) {
	if ctx.Err() != nil || w.handlers.Base == nil {
		return
	}
	w.handlers.Base(source, Result{Result: data, Err: err, Received: w.now()})
}

func (w *Watcher) deliverSubscription(item Result) {
	if w.ctx.Err() != nil {
		return
	}
	if item.Err == nil {
		w.setLastSync(item.Received.Add(-w.skew))
	}
	if w.handlers.Subscription != nil {
		w.handlers.Subscription(item)
	}
	if errors.Is(item.Err, ErrStreamEnded) {
		w.setStatus(StatusInterrupted)
	}
}
