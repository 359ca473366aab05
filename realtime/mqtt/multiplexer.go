package mqtt

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/bronystylecrazy/ultrasync/delivery"
	"go.uber.org/zap"
)

// Multiplexer maps topic watchers onto as few broker clients as the service
// hands out. State is owned by a private work goroutine; watcher callbacks
// run on a second one.
type Multiplexer struct {
	factory        ClientFactory
	log            *zap.Logger
	qos            byte
	subscribeDelay time.Duration

	work      *delivery.Serial
	callbacks *delivery.Serial

	// owned by the work goroutine
	watchers    []*Watcher
	subscribers map[string][]*Watcher
	clients     map[string]*brokerEntry
	expiring    map[string][]*brokerEntry
	closed      bool
}

// brokerEntry is one physical client. An entry is gone once it has been
// removed from the clients map; its callbacks are ignored from then on.
type brokerEntry struct {
	id        string
	url       string
	client    BrokerClient
	topics    map[string]struct{}
	connected bool
	gone      bool

	// handing holds topics moved to another client that this one keeps
	// delivering until the new holder is granted them.
	handing map[string]struct{}
}

// serves reports whether messages on topic from e should reach watchers.
func (e *brokerEntry) serves(topic string) bool {
	for _, set := range []map[string]struct{}{e.topics, e.handing} {
		for filter := range set {
			if topicMatchesFilter(topic, filter) {
				return true
			}
		}
	}
	return false
}

func (e *brokerEntry) sortedTopics() []string {
	out := make([]string, 0, len(e.topics))
	for t := range e.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

type Option func(*Multiplexer)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Multiplexer) {
		if logger != nil {
			m.log = logger
		}
	}
}

func WithQoS(qos byte) Option {
	return func(m *Multiplexer) {
		m.qos = qos
	}
}

// WithSubscribeDelay postpones StartSubscriptions so the service can
// propagate broker policy first.
func WithSubscribeDelay(d time.Duration) Option {
	return func(m *Multiplexer) {
		m.subscribeDelay = d
	}
}

func NewMultiplexer(factory ClientFactory, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		factory:     factory,
		log:         zap.NewNop(),
		qos:         QoS1,
		subscribers: make(map[string][]*Watcher),
		clients:     make(map[string]*brokerEntry),
		expiring:    make(map[string][]*brokerEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("mqtt")
	m.work = delivery.NewSerial("mqtt.work", m.log)
	m.callbacks = delivery.NewSerial("mqtt.callbacks", m.log)
	return m
}

// AddWatcher registers interest in topics. It does not connect anything;
// StartSubscriptions does.
func (m *Multiplexer) AddWatcher(topics []string, cb Callbacks) *Watcher {
	w := &Watcher{m: m, topics: uniqueTopics(topics), cb: cb}
	m.work.Go(func() {
		if m.closed {
			return
		}
		m.watchers = append(m.watchers, w)
		for _, t := range w.topics {
			m.subscribers[t] = append(m.subscribers[t], w)
		}
	})
	return w
}

// RemoveWatcher is the caller-initiated teardown path. No disconnect callback
// is invoked.
func (m *Multiplexer) RemoveWatcher(w *Watcher) {
	if w == nil {
		return
	}
	m.work.Go(func() {
		m.release([]*Watcher{w}, true)
	})
}

// StartSubscriptions connects the clients named in infos for every topic a
// watcher currently wants. Clients already known by id only gain the topics
// they are missing, so repeated calls coalesce onto one connection.
func (m *Multiplexer) StartSubscriptions(infos ...SubscriptionInfo) {
	infos = slices.Clone(infos)
	run := func() {
		m.work.Go(func() { m.startSubscriptions(infos) })
	}
	if m.subscribeDelay <= 0 {
		run()
		return
	}
	time.AfterFunc(m.subscribeDelay, run)
}

func (m *Multiplexer) startSubscriptions(infos []SubscriptionInfo) {
	if m.closed {
		return
	}
	for _, info := range infos {
		interested := make([]string, 0, len(info.Topics))
		for _, t := range uniqueTopics(info.Topics) {
			if len(m.subscribers[t]) > 0 {
				interested = append(interested, t)
			}
		}
		if len(interested) == 0 {
			m.log.Debug("no watcher wants topics", zap.String("client_id", info.ClientID), zap.Strings("topics", info.Topics))
			continue
		}

		e, ok := m.clients[info.ClientID]
		if !ok {
			e = &brokerEntry{
				id:     info.ClientID,
				url:    info.URL,
				client: m.factory(),
				topics:  make(map[string]struct{}, len(interested)),
				handing: make(map[string]struct{}),
			}
			m.clients[e.id] = e
			for _, t := range interested {
				m.claim(e, t)
			}
			m.log.Debug("connecting", zap.String("client_id", e.id), zap.Strings("topics", e.sortedTopics()))
			e.client.Connect(e.id, e.url, m.statusCallback(e))
			continue
		}

		for _, t := range interested {
			if _, held := e.topics[t]; held {
				continue
			}
			m.claim(e, t)
			if e.connected {
				m.subscribe(e, t)
			}
		}
	}
}

// claim moves topic to e. The former holder keeps delivering topic until e
// is granted it, so no message is lost in between; expireTopic then
// unsubscribes it there, or disconnects it when nothing else is left.
func (m *Multiplexer) claim(e *brokerEntry, topic string) {
	e.topics[topic] = struct{}{}
	delete(e.handing, topic)
	for id, other := range m.clients {
		if other == e {
			continue
		}
		if _, ok := other.topics[topic]; !ok {
			continue
		}
		delete(other.topics, topic)
		other.handing[topic] = struct{}{}
		m.expiring[topic] = append(m.expiring[topic], other)
		if len(other.topics) == 0 {
			delete(m.clients, id)
		}
	}
}

func (m *Multiplexer) subscribe(e *brokerEntry, topic string) {
	e.client.Subscribe(topic, m.qos,
		func(t string, payload []byte) {
			m.work.Go(func() { m.route(e, t, payload) })
		},
		func() {
			m.work.Go(func() { m.handleAck(e, topic) })
		},
	)
}

func (m *Multiplexer) statusCallback(e *brokerEntry) func(Status) {
	return func(s Status) {
		m.work.Go(func() { m.handleStatus(e, s) })
	}
}

func (m *Multiplexer) handleStatus(e *brokerEntry, s Status) {
	if e.gone || m.clients[e.id] != e {
		return
	}
	m.log.Debug("status", zap.String("client_id", e.id), zap.Stringer("status", s))
	watchers := m.watchersFor(e.topics)
	m.notify(watchers, func(w *Watcher) {
		if w.cb.OnStatus != nil {
			w.cb.OnStatus(s)
		}
	})

	switch {
	case s == StatusConnected:
		e.connected = true
		for _, t := range e.sortedTopics() {
			m.subscribe(e, t)
		}
		m.notify(watchers, func(w *Watcher) {
			if w.cb.OnConnected != nil {
				w.cb.OnConnected()
			}
		})
	case s.IsFailure():
		m.brokerFailed(e, s, watchers)
	}
}

// brokerFailed is the broker-initiated teardown path. Every watcher using e
// is released and told exactly once.
func (m *Multiplexer) brokerFailed(e *brokerEntry, s Status, watchers []*Watcher) {
	m.log.Warn("broker client failed", zap.String("client_id", e.id), zap.Stringer("status", s))
	m.drop(e)
	for t := range e.topics {
		m.expireTopic(t)
	}
	m.release(watchers, false)

	err := &DisconnectError{ClientID: e.id, Status: s}
	m.notify(watchers, func(w *Watcher) {
		if w.cb.OnDisconnect != nil {
			w.cb.OnDisconnect(err)
		}
	})
}

// release is the single cleanup routine behind both teardown paths. It drops
// ws, removes topics no remaining watcher wants and disconnects clients left
// without topics. Watchers already released are skipped.
func (m *Multiplexer) release(ws []*Watcher, userInitiated bool) {
	var unwatched []string
	for _, w := range ws {
		i := slices.Index(m.watchers, w)
		if i < 0 {
			continue
		}
		m.watchers = slices.Delete(m.watchers, i, i+1)
		for _, t := range w.topics {
			subs := m.subscribers[t]
			if j := slices.Index(subs, w); j >= 0 {
				subs = slices.Delete(subs, j, j+1)
			}
			if len(subs) == 0 {
				delete(m.subscribers, t)
				unwatched = append(unwatched, t)
				continue
			}
			m.subscribers[t] = subs
		}
	}

	for _, t := range unwatched {
		for _, e := range m.clients {
			if _, ok := e.topics[t]; !ok {
				continue
			}
			if userInitiated && e.connected {
				e.client.Unsubscribe(t)
			}
			delete(e.topics, t)
		}
	}

	for _, e := range m.clients {
		if len(e.topics) == 0 {
			m.drop(e)
		}
	}
}

// drop forgets e and disconnects it off the work goroutine.
func (m *Multiplexer) drop(e *brokerEntry) {
	if e.gone {
		return
	}
	e.gone = true
	if m.clients[e.id] == e {
		delete(m.clients, e.id)
	}
	m.log.Debug("disconnecting", zap.String("client_id", e.id))
	m.callbacks.Go(e.client.Disconnect)
}

func (m *Multiplexer) handleAck(e *brokerEntry, topic string) {
	if e.gone {
		return
	}
	m.expireTopic(topic)
	m.notify(m.subscribers[topic], func(w *Watcher) {
		if w.cb.OnSubscribed != nil {
			w.cb.OnSubscribed(topic)
		}
	})
}

// expireTopic ends the handover of topic: former holders stop serving it and
// those left without topics are disconnected.
func (m *Multiplexer) expireTopic(topic string) {
	olds := m.expiring[topic]
	if len(olds) == 0 {
		return
	}
	delete(m.expiring, topic)
	for _, old := range olds {
		delete(old.handing, topic)
		if old.gone {
			continue
		}
		if _, held := old.topics[topic]; held {
			continue
		}
		switch {
		case len(old.topics) == 0:
			m.drop(old)
		case old.connected:
			old.client.Unsubscribe(topic)
		}
	}
}

func (m *Multiplexer) route(e *brokerEntry, topic string, payload []byte) {
	if e.gone || !e.serves(topic) {
		return
	}
	var targets []*Watcher
	for _, w := range m.watchers {
		if w.wants(topic) {
			targets = append(targets, w)
		}
	}
	m.notify(targets, func(w *Watcher) {
		if w.cb.OnMessage != nil {
			w.cb.OnMessage(topic, payload)
		}
	})
}

// watchersFor returns the registered watchers of any of topics, in
// registration order.
func (m *Multiplexer) watchersFor(topics map[string]struct{}) []*Watcher {
	var out []*Watcher
	for _, w := range m.watchers {
		for _, t := range w.topics {
			if _, ok := topics[t]; ok {
				out = append(out, w)
				break
			}
		}
	}
	return out
}

func (m *Multiplexer) notify(ws []*Watcher, fn func(*Watcher)) {
	if len(ws) == 0 {
		return
	}
	snapshot := slices.Clone(ws)
	m.callbacks.Go(func() {
		for _, w := range snapshot {
			fn(w)
		}
	})
}

// ClientIDs returns the ids of live broker clients.
func (m *Multiplexer) ClientIDs() []string {
	var out []string
	m.work.Do(func() {
		for id := range m.clients {
			out = append(out, id)
		}
	})
	sort.Strings(out)
	return out
}

// Topics returns the topics currently served by clientID.
func (m *Multiplexer) Topics(clientID string) []string {
	var out []string
	m.work.Do(func() {
		if e, ok := m.clients[clientID]; ok {
			out = e.sortedTopics()
		}
	})
	return out
}

func (m *Multiplexer) WatcherCount() int {
	var n int
	m.work.Do(func() { n = len(m.watchers) })
	return n
}

// Flush waits until previously submitted work and the callbacks it produced
// have run.
func (m *Multiplexer) Flush() {
	m.work.Do(func() {})
	m.callbacks.Do(func() {})
}

// Close releases every watcher and disconnects every client.
func (m *Multiplexer) Close(context.Context) error {
	m.work.Do(func() {
		if m.closed {
			return
		}
		m.release(slices.Clone(m.watchers), true)
		for _, e := range m.clients {
			m.drop(e)
		}
		for t := range m.expiring {
			m.expireTopic(t)
		}
		m.closed = true
	})
	m.callbacks.Do(func() {})
	m.work.Close()
	m.callbacks.Close()
	return nil
}
