package realtime

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SubscriptionState int

const (
	NotSubscribed SubscriptionState = iota
	Subscribing
	Subscribed
)

type SubscriptionEventKind int

const (
	SubscriptionConnecting SubscriptionEventKind = iota
	SubscriptionConnected
	SubscriptionDisconnected
	SubscriptionData
	SubscriptionFailed
)

type SubscriptionEvent struct {
	Kind SubscriptionEventKind
	// Data is the raw payload of a data frame, {"data": {...}}.
	Data json.RawMessage
	Err  error
}

type SubscriptionItem struct {
	ID        string
	Query     string
	Variables map[string]any
}

type SubscriptionHandler func(SubscriptionEvent, *SubscriptionItem)

// SubscriptionConnection drives one GraphQL subscription over a shared
// Provider: it registers a listener, connects, sends start once the socket is
// acknowledged and translates frames into SubscriptionEvents. It never
// retries.
type SubscriptionConnection struct {
	provider *Provider
	log      *zap.Logger

	mu      sync.Mutex
	item    *SubscriptionItem
	state   SubscriptionState
	handler SubscriptionHandler
	done    bool
}

func NewSubscriptionConnection(provider *Provider, logger *zap.Logger) *SubscriptionConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionConnection{provider: provider, log: logger.Named("subscription")}
}

// Subscribe starts the subscription. The handler runs on the provider's
// callback goroutine.
func (c *SubscriptionConnection) Subscribe(query string, variables map[string]any, handler SubscriptionHandler) *SubscriptionItem {
	item := &SubscriptionItem{ID: uuid.NewString(), Query: query, Variables: variables}

	c.mu.Lock()
	c.item = item
	c.handler = handler
	c.state = NotSubscribed
	c.done = false
	c.mu.Unlock()

	c.log.Debug("subscribing", zap.String("id", item.ID))
	c.provider.AddListener(item.ID, c.handleEvent)
	c.provider.notify(func() { handler(SubscriptionEvent{Kind: SubscriptionConnecting}, item) })
	c.provider.Connect()
	return item
}

// Unsubscribe sends stop and drops the listener. Safe to call more than once.
func (c *SubscriptionConnection) Unsubscribe() {
	c.mu.Lock()
	item := c.item
	already := c.done
	c.done = true
	c.state = NotSubscribed
	c.mu.Unlock()
	if item == nil || already {
		return
	}
	c.log.Debug("unsubscribing", zap.String("id", item.ID))
	c.provider.Write(Stop(item.ID))
	c.provider.RemoveListener(item.ID)
}

func (c *SubscriptionConnection) State() SubscriptionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SubscriptionConnection) Item() *SubscriptionItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.item
}

func (c *SubscriptionConnection) handleEvent(ev Event) {
	switch ev.Kind {
	case EventConnection:
		c.handleConnection(ev.State)
	case EventData:
		c.handleData(ev.Response)
	case EventError:
		c.handleError(ev.Err)
	}
}

func (c *SubscriptionConnection) handleConnection(state ConnectionState) {
	c.mu.Lock()
	if c.done || c.item == nil {
		c.mu.Unlock()
		return
	}
	switch {
	case state == NotConnected && c.state == Subscribing:
		c.mu.Unlock()
		c.handleError(ErrConnection)
		return
	case state == Connected && c.state == NotSubscribed:
		c.state = Subscribing
		item := c.item
		c.mu.Unlock()
		c.start(item)
		return
	}
	c.mu.Unlock()
}

func (c *SubscriptionConnection) start(item *SubscriptionItem) {
	msg, err := Start(item.ID, item.Query, item.Variables)
	if err != nil {
		c.handleError(err)
		return
	}
	c.provider.Write(msg)
}

func (c *SubscriptionConnection) handleData(resp Response) {
	c.mu.Lock()
	if c.done || c.item == nil || resp.ID != c.item.ID {
		c.mu.Unlock()
		return
	}
	item, handler := c.item, c.handler
	var ev SubscriptionEvent
	switch resp.Type {
	case ResponseStartAck:
		c.state = Subscribed
		ev = SubscriptionEvent{Kind: SubscriptionConnected}
	case ResponseComplete:
		c.state = NotSubscribed
		ev = SubscriptionEvent{Kind: SubscriptionDisconnected}
	case ResponseData:
		ev = SubscriptionEvent{Kind: SubscriptionData, Data: resp.Payload}
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	handler(ev, item)
}

func (c *SubscriptionConnection) handleError(err error) {
	c.mu.Lock()
	if c.done || c.item == nil {
		c.mu.Unlock()
		return
	}
	item, handler := c.item, c.handler

	var sub *SubscriptionError
	if errors.As(err, &sub) && sub.ID != item.ID {
		c.mu.Unlock()
		return
	}
	var limit *LimitExceededError
	if errors.As(err, &limit) {
		if limit.ID != "" && limit.ID != item.ID {
			c.mu.Unlock()
			return
		}
		// a connection wide limit only fails subscriptions still waiting on
		// their start_ack
		if limit.ID == "" && c.state != Subscribing {
			c.mu.Unlock()
			return
		}
	}
	c.state = NotSubscribed
	c.done = true
	c.mu.Unlock()

	c.log.Warn("subscription failed", zap.String("id", item.ID), zap.Error(err))
	handler(SubscriptionEvent{Kind: SubscriptionFailed, Err: err}, item)
	c.provider.RemoveListener(item.ID)
}
