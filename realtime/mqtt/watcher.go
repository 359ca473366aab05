package mqtt

// Callbacks are invoked on the multiplexer's callback goroutine, in the order
// the events happened. Any of them may be nil.
type Callbacks struct {
	OnMessage MessageHandler

	// OnDisconnect runs once when the broker drops a connection serving this
	// watcher. It never runs after Close.
	OnDisconnect func(error)
	OnStatus     func(Status)

	// OnConnected runs when a connection serving this watcher is up. Topics
	// may not be granted yet, see OnSubscribed.
	OnConnected  func()
	OnSubscribed func(topic string)
}

// Watcher is a caller-owned interest in a set of topics. Close releases it.
type Watcher struct {
	m      *Multiplexer
	topics []string
	cb     Callbacks
}

// Topics returns the topic filters this watcher was registered with.
func (w *Watcher) Topics() []string {
	out := make([]string, len(w.topics))
	copy(out, w.topics)
	return out
}

// Close unsubscribes topics nobody else wants and disconnects idle broker
// clients. It is safe to call more than once.
func (w *Watcher) Close() {
	w.m.RemoveWatcher(w)
}

func (w *Watcher) wants(topic string) bool {
	for _, filter := range w.topics {
		if topicMatchesFilter(topic, filter) {
			return true
		}
	}
	return false
}

func uniqueTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
