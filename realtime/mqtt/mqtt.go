// Package mqtt multiplexes topic watchers onto MQTT broker connections.
package mqtt

import (
	"errors"
	"fmt"
)

const (
	QoS0 byte = 0
	QoS1 byte = 1
	QoS2 byte = 2
)

// Status is the connection status reported by a BrokerClient.
type Status int

const (
	StatusUnknown Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusConnectionRefused
	StatusConnectionError
	StatusProtocolError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusConnectionRefused:
		return "connection_refused"
	case StatusConnectionError:
		return "connection_error"
	case StatusProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// IsFailure reports whether s ends the connection without the caller asking.
func (s Status) IsFailure() bool {
	switch s {
	case StatusDisconnected, StatusConnectionRefused, StatusConnectionError, StatusProtocolError:
		return true
	}
	return false
}

var ErrDisconnected = errors.New("realtime/mqtt: broker connection lost")

// DisconnectError is handed to watchers whose connection failed.
type DisconnectError struct {
	ClientID string
	Status   Status
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("realtime/mqtt: client %s: %s", e.ClientID, e.Status)
}

func (e *DisconnectError) Unwrap() error { return ErrDisconnected }

// MessageHandler receives a publish on topic.
type MessageHandler func(topic string, payload []byte)

// BrokerClient is one physical broker connection. Callbacks may arrive on any
// goroutine.
type BrokerClient interface {
	Connect(clientID, url string, status func(Status))
	// Subscribe registers onMessage for filter. Subscriptions made before the
	// connection is up are sent once it is. onAck runs when the broker grants
	// the subscription and may be nil.
	Subscribe(filter string, qos byte, onMessage MessageHandler, onAck func())
	Unsubscribe(filter string)
	Disconnect()
}

// ClientFactory creates an unconnected BrokerClient.
type ClientFactory func() BrokerClient

// SubscriptionInfo names the broker client that serves a set of topics. The
// service hands these out with each subscription response.
type SubscriptionInfo struct {
	ClientID string   `json:"clientId"`
	URL      string   `json:"url"`
	Topics   []string `json:"topics"`
}
