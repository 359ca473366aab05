package realtime

import "net/url"

// Transport is the socket a Provider drives. Implementations must not block
// the caller on network I/O: Connect returns immediately and reports its
// outcome through the delegate.
type Transport interface {
	Connect(u *url.URL, subprotocols []string, delegate TransportDelegate)
	Write(text string)
	Disconnect()
	IsConnected() bool
}

// TransportDelegate receives socket callbacks. A nil error in OnDisconnect
// means the peer closed cleanly.
type TransportDelegate interface {
	OnConnect()
	OnDisconnect(err error)
	OnReceive(data []byte)
}
