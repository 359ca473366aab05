package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bronystylecrazy/ultrasync/delivery"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	DefaultStaleTimeout        = 300 * time.Second
	DefaultLimitExceededWindow = 150 * time.Millisecond
)

// Provider owns one realtime socket and multiplexes subscription listeners
// over it. All state lives on a private work goroutine; listener callbacks
// run on a second goroutine in the order events were produced.
type Provider struct {
	endpoint  *url.URL
	transport Transport
	log       *zap.Logger
	metrics   providerMetrics

	work      *delivery.Serial
	outbound  *delivery.Serial
	callbacks *delivery.Serial

	limits  *errorCoalescer
	monitor ConnectivityMonitor

	// owned by the work goroutine
	state        ConnectionState
	session      *session
	listeners    []listenerEntry
	connChain    []ConnectionInterceptor
	msgChain     []MessageInterceptor
	staleTimeout time.Duration
	stale        *CountdownTimer
	isStale      bool
	closed       bool
}

type listenerEntry struct {
	id string
	fn Listener
}

// session is one physical connect attempt. Callbacks from a closed or
// superseded session are ignored.
type session struct {
	closed bool
}

type ProviderOption func(*Provider)

func WithLogger(logger *zap.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.log = logger
		}
	}
}

func WithMeterProvider(mp metric.MeterProvider) ProviderOption {
	return func(p *Provider) { p.metrics = newProviderMetrics(mp, p.log) }
}

func WithStaleTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) {
		if d > 0 {
			p.staleTimeout = d
		}
	}
}

func WithLimitExceededWindow(d time.Duration) ProviderOption {
	return func(p *Provider) {
		if d > 0 {
			p.limits.window = d
		}
	}
}

func WithConnectivityMonitor(m ConnectivityMonitor) ProviderOption {
	return func(p *Provider) { p.monitor = m }
}

func WithConnectionInterceptors(interceptors ...ConnectionInterceptor) ProviderOption {
	return func(p *Provider) { p.connChain = append(p.connChain, interceptors...) }
}

func WithMessageInterceptors(interceptors ...MessageInterceptor) ProviderOption {
	return func(p *Provider) { p.msgChain = append(p.msgChain, interceptors...) }
}

func NewProvider(endpoint *url.URL, transport Transport, opts ...ProviderOption) *Provider {
	p := &Provider{
		endpoint:     endpoint,
		transport:    transport,
		log:          zap.NewNop(),
		staleTimeout: DefaultStaleTimeout,
		stale:        NewCountdownTimer(),
	}
	p.limits = newErrorCoalescer(DefaultLimitExceededWindow, p.emitCoalesced)
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("realtime").With(zap.String("endpoint", endpoint.String()))
	if p.metrics == (providerMetrics{}) {
		p.metrics = newProviderMetrics(nil, p.log)
	}
	p.work = delivery.NewSerial("realtime.work", p.log)
	p.outbound = delivery.NewSerial("realtime.outbound", p.log)
	p.callbacks = delivery.NewSerial("realtime.callbacks", p.log)

	if p.monitor != nil {
		p.monitor.Start(func(status ConnectivityStatus) {
			p.work.Go(func() { p.handleConnectivity(status) })
		})
	}
	return p
}

// Endpoint returns the GraphQL endpoint this provider was built for.
func (p *Provider) Endpoint() *url.URL {
	u := *p.endpoint
	return &u
}

// Connect opens the socket if it is not already open or opening. In any
// other state it only reports the current state to listeners.
func (p *Provider) Connect() {
	p.work.Go(p.connect)
}

// Write sends msg through the message interceptors and onto the socket.
// Writes reach the transport in call order.
func (p *Provider) Write(msg Message) {
	p.work.Go(func() {
		if p.closed {
			return
		}
		p.send(p.session, msg)
	})
}

// Disconnect closes the socket without emitting an error.
func (p *Provider) Disconnect() {
	p.work.Go(p.disconnect)
}

// AddListener registers fn for events addressed to id and for connection
// wide events. Registering an existing id replaces its callback.
func (p *Provider) AddListener(id string, fn Listener) {
	p.work.Go(func() {
		for i := range p.listeners {
			if p.listeners[i].id == id {
				p.listeners[i].fn = fn
				return
			}
		}
		p.listeners = append(p.listeners, listenerEntry{id: id, fn: fn})
	})
}

// RemoveListener drops id. Removing the last listener disconnects.
func (p *Provider) RemoveListener(id string) {
	p.work.Go(func() {
		for i := range p.listeners {
			if p.listeners[i].id == id {
				p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
				break
			}
		}
		if len(p.listeners) == 0 && p.state != NotConnected {
			p.disconnectWhenIdle()
		}
	})
}

// disconnectWhenIdle disconnects once writes queued so far have been handed
// to the transport. The transport sends them ahead of its close frame.
func (p *Provider) disconnectWhenIdle() {
	p.outbound.Go(func() {
		p.work.Go(func() {
			if len(p.listeners) == 0 && p.state != NotConnected {
				p.log.Debug("no listeners left, disconnecting")
				p.disconnect()
			}
		})
	})
}

func (p *Provider) AddConnectionInterceptor(i ConnectionInterceptor) {
	p.work.Go(func() { p.connChain = append(p.connChain, i) })
}

func (p *Provider) AddMessageInterceptor(i MessageInterceptor) {
	p.work.Go(func() { p.msgChain = append(p.msgChain, i) })
}

// State waits for pending operations and returns the connection state.
func (p *Provider) State() ConnectionState {
	s := NotConnected
	p.work.Do(func() { s = p.state })
	return s
}

func (p *Provider) ListenerCount() int {
	n := 0
	p.work.Do(func() { n = len(p.listeners) })
	return n
}

// StaleTimeout reports the interval currently applied to the stale timer.
func (p *Provider) StaleTimeout() time.Duration {
	var d time.Duration
	p.work.Do(func() { d = p.staleTimeout })
	return d
}

// Flush waits until every event produced so far has been delivered to
// listeners.
func (p *Provider) Flush() {
	p.work.Do(func() {})
	p.outbound.Do(func() {})
	p.work.Do(func() {})
	p.callbacks.Do(func() {})
}

// Close disconnects and stops every goroutine owned by the provider.
func (p *Provider) Close(context.Context) error {
	if p.monitor != nil {
		p.monitor.Stop()
	}
	p.work.Do(func() {
		p.disconnect()
		p.closed = true
		p.listeners = nil
	})
	p.limits.Stop()
	p.callbacks.Do(func() {})
	p.work.Close()
	p.outbound.Close()
	p.callbacks.Close()
	return nil
}

func (p *Provider) connect() {
	if p.closed {
		return
	}
	if p.state != NotConnected {
		p.broadcast(connectionEvent(p.state))
		return
	}

	p.state = InProgress
	p.isStale = false
	s := &session{}
	p.session = s
	p.broadcast(connectionEvent(InProgress))
	p.metrics.connect()

	chain := ChainConnection(p.connChain...)
	endpoint := p.Endpoint()
	req := ConnectionRequest{URL: p.Endpoint()}
	go func() {
		out, err := chain(context.Background(), endpoint, req)
		p.work.Go(func() {
			if s.closed || s != p.session {
				return
			}
			if err != nil {
				p.log.Warn("connection interceptor failed", zap.Error(err))
				p.fail(s, fmt.Errorf("%w: %v", ErrConnection, err))
				return
			}
			if out.URL == nil {
				out.URL = p.Endpoint()
			}
			p.log.Debug("dialing", zap.String("url", redactQuery(out.URL)))
			p.transport.Connect(out.URL, []string{Subprotocol}, &delegate{p: p, s: s})
		})
	}()
}

func (p *Provider) disconnect() {
	if p.session != nil {
		p.session.closed = true
	}
	p.limits.Stop()
	p.stale.Invalidate()
	p.isStale = false
	if p.state == NotConnected {
		return
	}
	p.state = NotConnected
	p.transport.Disconnect()
}

// fail tears the session down and reports one connection error.
func (p *Provider) fail(s *session, err error) {
	s.closed = true
	p.limits.Stop()
	p.stale.Invalidate()
	p.isStale = false
	p.state = NotConnected
	p.transport.Disconnect()
	p.broadcastError(err, "connection")
}

func (p *Provider) send(s *session, msg Message) {
	chain := ChainMessage(p.msgChain...)
	endpoint := p.Endpoint()
	p.outbound.Go(func() {
		signed, err := chain(context.Background(), endpoint, msg.Clone())
		var text []byte
		if err == nil {
			text, err = json.Marshal(signed)
		}
		p.work.Go(func() {
			if err != nil {
				p.writeFailed(s, msg, err)
				return
			}
			if s != nil && (s.closed || s != p.session) {
				return
			}
			p.transport.Write(string(text))
		})
	})
}

func (p *Provider) writeFailed(s *session, msg Message, err error) {
	p.log.Warn("outbound message dropped", zap.String("type", string(msg.Type)), zap.String("id", msg.ID), zap.Error(err))
	if msg.Type == MessageConnectionInit {
		if s != nil && !s.closed && s == p.session {
			p.fail(s, fmt.Errorf("%w: %v", ErrConnection, err))
		}
		return
	}
	p.deliver(msg.ID, errorEvent(&JSONParseError{ID: msg.ID, Err: err}), "json_parse")
}

func (p *Provider) onConnect(s *session) {
	p.log.Debug("socket connected, sending connection_init")
	p.send(s, ConnectionInit())
	p.stale.Start(p.staleTimeout, p.expiry(s))
}

func (p *Provider) onDisconnect(s *session, err error) {
	s.closed = true
	p.limits.Stop()
	p.stale.Invalidate()
	p.isStale = false
	if p.state == NotConnected {
		return
	}
	p.state = NotConnected
	if err != nil {
		p.log.Warn("socket disconnected", zap.Error(err))
		p.broadcastError(fmt.Errorf("%w: %v", ErrConnection, err), "connection")
		return
	}
	p.log.Info("socket closed by peer")
	p.broadcastError(ErrConnection, "connection")
}

func (p *Provider) onReceive(s *session, data []byte) {
	p.stale.Reset()
	resp, err := DecodeResponse(data)
	if err != nil {
		p.log.Warn("undecodable frame", zap.Error(err))
		p.broadcastError(&JSONParseError{Err: err}, "json_parse")
		return
	}

	switch resp.Type {
	case ResponseConnectionAck:
		p.handleAck(s, resp)
	case ResponseKeepAlive:
		p.log.Debug("keep alive")
	case ResponseError, ResponseConnectionError:
		p.handleError(s, resp)
	case ResponseStartAck, ResponseComplete, ResponseData:
		if resp.ID == "" {
			p.log.Warn("frame without subscription id", zap.String("type", string(resp.Type)))
			return
		}
		p.deliver(resp.ID, dataEvent(resp), "")
	}
}

func (p *Provider) handleAck(s *session, resp Response) {
	if p.state == InProgress {
		p.state = Connected
		p.broadcast(connectionEvent(Connected))
	}
	if ms, ok := resp.ConnectionTimeout(); ok && ms > 0 {
		p.staleTimeout = time.Duration(ms) * time.Millisecond
		p.log.Debug("stale timeout set by service", zap.Duration("timeout", p.staleTimeout))
	}
	p.stale.Start(p.staleTimeout, p.expiry(s))
}

func (p *Provider) handleError(s *session, resp Response) {
	err := classifyError(resp, p.state)
	if p.state == InProgress {
		p.log.Warn("handshake rejected", zap.Error(err))
		p.fail(s, err)
		return
	}

	var limit *LimitExceededError
	switch {
	case errors.As(err, &limit) && limit.ID == "":
		p.limits.Add(s, err)
	case resp.ID != "":
		p.deliver(resp.ID, errorEvent(err), errorKind(err))
	default:
		p.broadcastError(err, errorKind(err))
	}
}

func (p *Provider) expiry(s *session) func() {
	return func() {
		p.work.Go(func() {
			if s.closed || s != p.session {
				return
			}
			p.log.Warn("no frames within stale timeout, dropping connection", zap.Duration("timeout", p.staleTimeout))
			p.metrics.staleDisconnect()
			p.fail(s, ErrConnection)
		})
	}
}

func (p *Provider) handleConnectivity(status ConnectivityStatus) {
	if p.closed || p.state != Connected {
		return
	}
	if !status.Satisfied {
		p.log.Info("network path lost, marking connection stale")
		p.isStale = true
		return
	}
	if p.isStale {
		p.log.Info("network path restored on stale connection, dropping it")
		p.metrics.staleDisconnect()
		p.fail(p.session, ErrConnection)
	}
}

// emitCoalesced broadcasts a buffered limit-exceeded error unless the
// session it arrived on is over.
func (p *Provider) emitCoalesced(s *session, err error, folded int) {
	p.work.Go(func() {
		if p.closed || s == nil || s.closed || s != p.session {
			return
		}
		p.log.Warn("limit exceeded", zap.Int("folded", folded))
		p.broadcastError(err, "limit_exceeded")
	})
}

func (p *Provider) broadcastError(err error, kind string) {
	p.metrics.error(kind)
	p.broadcast(errorEvent(err))
}

func (p *Provider) broadcast(ev Event) {
	if len(p.listeners) == 0 {
		return
	}
	snapshot := make([]Listener, len(p.listeners))
	for i, l := range p.listeners {
		snapshot[i] = l.fn
	}
	p.callbacks.Go(func() {
		for _, fn := range snapshot {
			fn(ev)
		}
	})
}

// notify runs fn on the callback goroutine after every event already queued.
func (p *Provider) notify(fn func()) {
	p.work.Go(func() {
		if p.closed {
			return
		}
		p.callbacks.Go(fn)
	})
}

func (p *Provider) deliver(id string, ev Event, errKind string) {
	if errKind != "" {
		p.metrics.error(errKind)
	}
	for _, l := range p.listeners {
		if l.id == id {
			fn := l.fn
			p.callbacks.Go(func() { fn(ev) })
			return
		}
	}
	p.log.Debug("no listener for frame", zap.String("id", id))
}

func errorKind(err error) string {
	var (
		limit *LimitExceededError
		sub   *SubscriptionError
	)
	switch {
	case errors.As(err, &limit):
		return "limit_exceeded"
	case errors.As(err, &sub):
		return "subscription"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConnection):
		return "connection"
	default:
		return "other"
	}
}

func redactQuery(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	return c.String()
}

type delegate struct {
	p *Provider
	s *session
}

func (d *delegate) OnConnect() {
	d.p.work.Go(func() {
		if d.s.closed || d.s != d.p.session {
			return
		}
		d.p.onConnect(d.s)
	})
}

func (d *delegate) OnDisconnect(err error) {
	d.p.work.Go(func() {
		if d.s.closed || d.s != d.p.session {
			return
		}
		d.p.onDisconnect(d.s, err)
	})
}

func (d *delegate) OnReceive(data []byte) {
	d.p.work.Go(func() {
		if d.s.closed || d.s != d.p.session {
			return
		}
		d.p.onReceive(d.s, data)
	})
}
