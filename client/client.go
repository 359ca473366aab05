// Package client is the application-facing API: subscriptions delivered in
// order with a cache transaction, and synced queries that combine a base
// query, a subscription and an optional delta query.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/bronystylecrazy/ultrasync/delivery"
	"github.com/bronystylecrazy/ultrasync/deltasync"
	"github.com/bronystylecrazy/ultrasync/realtime"
	"github.com/bronystylecrazy/ultrasync/realtime/mqtt"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrCompleted is delivered when the service ends a subscription. It
// matches deltasync.ErrStreamEnded, so synced queries report
// deltasync.StatusInterrupted.
var ErrCompleted = fmt.Errorf("client: subscription completed by the service: %w", deltasync.ErrStreamEnded)

// LastSyncVariable is the delta query variable carrying the last sync time
// in epoch seconds.
const LastSyncVariable = "lastSync"

// Result is one delivered subscription or query result together with the
// cache transaction for its operation.
type Result = delivery.Item[json.RawMessage]

type Handler func(Result)

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

func WithMultiplexer(m *mqtt.Multiplexer) Option {
	return func(c *Client) { c.mux = m }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Client) { c.meter = mp }
}

// WithSyncOptions applies opts to every watcher created by Sync.
func WithSyncOptions(opts ...deltasync.Option) Option {
	return func(c *Client) { c.syncOpts = append(c.syncOpts, opts...) }
}

type Client struct {
	provider *realtime.Provider
	http     *HTTPTransport
	cache    Cache
	mux      *mqtt.Multiplexer
	meter    metric.MeterProvider
	syncOpts []deltasync.Option
	log      *zap.Logger
}

func New(provider *realtime.Provider, transport *HTTPTransport, opts ...Option) *Client {
	c := &Client{
		provider: provider,
		http:     transport,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewMemoryCache()
	}
	c.log = c.log.Named("client")
	return c
}

// Query runs op over HTTP and stores the result in the cache.
func (c *Client) Query(ctx context.Context, op Operation) (json.RawMessage, error) {
	data, err := c.http.Do(ctx, op)
	if err != nil {
		return data, err
	}
	if err := put(ctx, c.cache, deltasync.OperationHash(op), data); err != nil {
		c.log.Warn("cache write failed", zap.Error(err))
	}
	return data, nil
}

func (c *Client) Cache() Cache { return c.cache }

// Multiplexer is the topic multiplexer, nil unless configured.
func (c *Client) Multiplexer() *mqtt.Multiplexer { return c.mux }

// Subscription is the handle returned by Subscribe. Results reach the
// handler only after the service acknowledged the subscription.
type Subscription struct {
	stream *stream
	queue  *delivery.Queue[json.RawMessage]
	once   sync.Once
}

func (s *Subscription) ID() string { return s.stream.id() }

// Cancel stops the subscription and drops undelivered results. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.stream.Cancel()
		s.queue.Close()
	})
}

// Subscribe starts op and delivers its results to handler in arrival order.
func (c *Client) Subscribe(op Operation, handler Handler) *Subscription {
	queue := delivery.New(delivery.Handler[json.RawMessage](handler),
		delivery.WithName("client.subscription"),
		delivery.WithLogger(c.log),
		delivery.WithMeterProvider(c.meter),
	)
	tx := &Transaction{cache: c.cache, key: deltasync.OperationHash(op)}
	s := &Subscription{queue: queue}
	s.stream = c.openStream(op, tx, queue.Enqueue, func(err error) {
		if err != nil {
			queue.Enqueue(Result{Err: err})
		}
		queue.Start()
	})
	return s
}

// SyncOperations describes a synced query. Delta is optional; when set it
// receives the last sync time in the lastSync variable.
type SyncOperations struct {
	Base         Operation
	Subscription Operation
	Delta        *Operation
}

// Sync starts a watcher that keeps Base current through Subscription and
// Delta. Subscription results carry a transaction on the base query's cache
// entry.
func (c *Client) Sync(ops SyncOperations, handlers deltasync.Handlers, opts ...deltasync.Option) *deltasync.Watcher {
	baseKey := deltasync.OperationHash(ops.Base)
	requests := []deltasync.Request{ops.Base, ops.Subscription}
	if ops.Delta != nil {
		requests = append(requests, *ops.Delta)
	}

	syncOps := deltasync.Operations{
		Hash: deltasync.OperationHash(requests...),
		BaseFromCache: func(ctx context.Context) (json.RawMessage, error) {
			data, _, err := c.cache.Read(ctx, baseKey)
			return data, err
		},
		BaseFromServer: func(ctx context.Context) (json.RawMessage, error) {
			data, err := c.http.Do(ctx, ops.Base)
			if err == nil {
				if werr := put(ctx, c.cache, baseKey, data); werr != nil {
					c.log.Warn("cache write failed", zap.Error(werr))
				}
			}
			return data, err
		},
		Subscribe: func(_ context.Context, emit func(deltasync.Result), ready func(error)) (deltasync.Stream, error) {
			tx := &Transaction{cache: c.cache, key: baseKey}
			return c.openStream(ops.Subscription, tx, emit, ready), nil
		},
	}
	if ops.Delta != nil {
		delta := *ops.Delta
		syncOps.Delta = func(ctx context.Context, lastSync time.Time) (json.RawMessage, error) {
			vars := maps.Clone(delta.Variables)
			if vars == nil {
				vars = make(map[string]any, 1)
			}
			vars[LastSyncVariable] = lastSync.Unix()
			return c.http.Do(ctx, Operation{Query: delta.Query, Variables: vars})
		}
	}

	all := append([]deltasync.Option{
		deltasync.WithLogger(c.log),
		deltasync.WithMeterProvider(c.meter),
	}, c.syncOpts...)
	w := deltasync.New(syncOps, handlers, append(all, opts...)...)
	w.Start()
	return w
}

// stream adapts a realtime.SubscriptionConnection to emit/ready callbacks.
type stream struct {
	conn  *realtime.SubscriptionConnection
	tx    *Transaction
	emit  func(Result)
	ready func(error)
	log   *zap.Logger

	mu      sync.Mutex
	readied bool
}

func (c *Client) openStream(op Operation, tx *Transaction, emit func(Result), ready func(error)) *stream {
	s := &stream{
		conn:  realtime.NewSubscriptionConnection(c.provider, c.log),
		tx:    tx,
		emit:  emit,
		ready: ready,
		log:   c.log,
	}
	s.conn.Subscribe(op.Query, op.Variables, s.handle)
	return s
}

func (s *stream) id() string {
	if item := s.conn.Item(); item != nil {
		return item.ID
	}
	return ""
}

func (s *stream) Cancel() {
	s.conn.Unsubscribe()
}

// markReady reports whether this call made the stream ready.
func (s *stream) markReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readied {
		return false
	}
	s.readied = true
	return true
}

func (s *stream) handle(ev realtime.SubscriptionEvent, item *realtime.SubscriptionItem) {
	switch ev.Kind {
	case realtime.SubscriptionConnected:
		if s.markReady() {
			s.ready(nil)
		}
	case realtime.SubscriptionData:
		data, err := decodeResponse(ev.Data)
		s.emit(Result{Result: data, Transaction: s.tx, Err: err})
	case realtime.SubscriptionFailed:
		if s.markReady() {
			s.ready(ev.Err)
			return
		}
		s.emit(Result{Err: ev.Err, Transaction: s.tx})
	case realtime.SubscriptionDisconnected:
		s.log.Debug("subscription completed", zap.String("id", item.ID))
		if s.markReady() {
			s.ready(ErrCompleted)
			return
		}
		s.emit(Result{Err: ErrCompleted, Transaction: s.tx})
	}
}
