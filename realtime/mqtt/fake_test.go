package mqtt

import "sync"

type fakeSub struct {
	onMessage MessageHandler
	onAck     func()
}

type fakeClient struct {
	mu           sync.Mutex
	connects     int
	clientID     string
	url          string
	status       func(Status)
	subs         map[string]fakeSub
	subscribed   []string
	unsubscribed []string
	disconnects  int
}

func (c *fakeClient) Connect(clientID, url string, status func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	c.clientID = clientID
	c.url = url
	c.status = status
}

func (c *fakeClient) Subscribe(filter string, _ byte, onMessage MessageHandler, onAck func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[filter] = fakeSub{onMessage: onMessage, onAck: onAck}
	c.subscribed = append(c.subscribed, filter)
}

func (c *fakeClient) Unsubscribe(filter string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, filter)
	c.unsubscribed = append(c.unsubscribed, filter)
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *fakeClient) setStatus(s Status) {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	fn(s)
}

func (c *fakeClient) deliver(topic string, payload string) {
	c.mu.Lock()
	var handlers []MessageHandler
	for filter, sub := range c.subs {
		if topicMatchesFilter(topic, filter) {
			handlers = append(handlers, sub.onMessage)
		}
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(topic, []byte(payload))
	}
}

func (c *fakeClient) ack(topic string) {
	c.mu.Lock()
	sub := c.subs[topic]
	c.mu.Unlock()
	sub.onAck()
}

func (c *fakeClient) snapshot() (connects, disconnects int, subscribed, unsubscribed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.disconnects, append([]string(nil), c.subscribed...), append([]string(nil), c.unsubscribed...)
}

type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
}

func (f *fakeFactory) New() BrokerClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{subs: make(map[string]fakeSub)}
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeFactory) all() []*fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeClient(nil), f.clients...)
}

type recorder struct {
	mu          sync.Mutex
	messages    []string
	disconnects []error
	statuses    []Status
	connected   int
	subscribed  []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMessage: func(topic string, payload []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, topic+":"+string(payload))
		},
		OnDisconnect: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects = append(r.disconnects, err)
		},
		OnStatus: func(s Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
		},
		OnConnected: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected++
		},
		OnSubscribed: func(topic string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.subscribed = append(r.subscribed, topic)
		},
	}
}

func (r *recorder) gotMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *recorder) gotDisconnects() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.disconnects...)
}
