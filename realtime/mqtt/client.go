package mqtt

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"
)

var ErrEndpointRequired = errors.New("realtime/mqtt: broker endpoint is required")
var ErrNotConnected = errors.New("realtime/mqtt: broker is not connected")

// RefusedError is returned when the broker answers CONNECT with a non-zero
// reason code.
type RefusedError struct {
	ReasonCode byte
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("realtime/mqtt: broker rejected connection, reason_code=%d", e.ReasonCode)
}

type ClientConfig struct {
	Username       string
	Password       string
	CleanSession   bool
	ConnectTimeout time.Duration
	Keepalive      time.Duration
	TLSConfig      *tls.Config
}

type subscription struct {
	qos       byte
	onMessage MessageHandler
	onAck     func()
}

// WSClient is a BrokerClient speaking MQTT 3.1.1 over a websocket (ws, wss)
// or a raw TCP/TLS connection. It never reconnects on its own.
type WSClient struct {
	cfg      ClientConfig
	log      *zap.Logger
	packetID atomic.Uint32

	mu       sync.Mutex
	clientID string
	status   func(Status)
	conn     net.Conn
	done     chan struct{}
	dialing  bool
	closing  bool
	handlers map[string]*subscription
	acks     map[uint16]func()
	writeMu  sync.Mutex
}

func NewWSClient(cfg ClientConfig, logger *zap.Logger) *WSClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSClient{
		cfg:      cfg,
		log:      logger.Named("mqtt.client"),
		handlers: make(map[string]*subscription),
		acks:     make(map[uint16]func()),
	}
}

// NewClientFactory returns a factory producing WSClients sharing cfg.
func NewClientFactory(cfg ClientConfig, logger *zap.Logger) ClientFactory {
	return func() BrokerClient {
		return NewWSClient(cfg, logger)
	}
}

func (c *WSClient) Connect(clientID, url string, status func(Status)) {
	c.mu.Lock()
	if c.conn != nil || c.dialing {
		c.mu.Unlock()
		return
	}
	c.clientID = clientID
	c.status = status
	c.closing = false
	c.dialing = true
	c.mu.Unlock()

	go c.run(url)
}

func (c *WSClient) run(url string) {
	c.report(StatusConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	conn, reader, err := c.establishConnection(ctx, url)
	cancel()

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		closing := c.closing
		c.mu.Unlock()
		c.log.Debug("connect failed", zap.String("client_id", c.clientID), zap.Error(err))
		if closing {
			return
		}
		var refused *RefusedError
		if errors.As(err, &refused) {
			c.report(StatusConnectionRefused)
		} else {
			c.report(StatusConnectionError)
		}
		return
	}
	if c.closing {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	done := make(chan struct{})
	c.done = done
	pending := make(map[string]*subscription, len(c.handlers))
	for filter, sub := range c.handlers {
		pending[filter] = sub
	}
	c.mu.Unlock()

	c.report(StatusConnected)
	for filter, sub := range pending {
		if err := c.subscribeRemote(conn, filter, sub); err != nil {
			return
		}
	}

	go c.keepalive(conn, done)
	c.readLoop(conn, reader)
}

func (c *WSClient) Subscribe(filter string, qos byte, onMessage MessageHandler, onAck func()) {
	sub := &subscription{qos: qos, onMessage: onMessage, onAck: onAck}
	c.mu.Lock()
	c.handlers[filter] = sub
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = c.subscribeRemote(conn, filter, sub)
	}
}

func (c *WSClient) Unsubscribe(filter string) {
	c.mu.Lock()
	_, ok := c.handlers[filter]
	delete(c.handlers, filter)
	conn := c.conn
	c.mu.Unlock()

	if !ok || conn == nil {
		return
	}
	_ = c.writePacket(conn, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe, Qos: 1},
		PacketID:    c.nextPacketID(),
		Filters:     packets.Subscriptions{{Filter: filter}},
	})
}

func (c *WSClient) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	_ = c.writePacket(conn, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Disconnect},
	})
	_ = conn.Close()
	c.report(StatusDisconnected)
}

// IsConnected reports whether CONNACK was received and the socket is open.
func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *WSClient) report(s Status) {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *WSClient) readLoop(conn net.Conn, reader *bufio.Reader) {
	for {
		pk, err := decodePacket(reader)
		if err != nil {
			c.handleConnectionLoss(conn, err)
			return
		}

		switch pk.FixedHeader.Type {
		case packets.Publish:
			c.dispatch(pk)
			if pk.FixedHeader.Qos == QoS1 {
				_ = c.writePacket(conn, packets.Packet{
					FixedHeader: packets.FixedHeader{Type: packets.Puback},
					PacketID:    pk.PacketID,
				})
			}
		case packets.Suback:
			c.handleSuback(pk)
		case packets.Pingreq:
			_ = c.writePacket(conn, packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Pingresp},
			})
		}
	}
}

func (c *WSClient) keepalive(conn net.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Keepalive / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.writePacket(conn, packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Pingreq},
			}); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) dispatch(pk packets.Packet) {
	c.mu.Lock()
	matched := make([]MessageHandler, 0, 1)
	for filter, sub := range c.handlers {
		if topicMatchesFilter(pk.TopicName, filter) && sub.onMessage != nil {
			matched = append(matched, sub.onMessage)
		}
	}
	c.mu.Unlock()

	for _, h := range matched {
		payload := make([]byte, len(pk.Payload))
		copy(payload, pk.Payload)
		h(pk.TopicName, payload)
	}
}

func (c *WSClient) handleSuback(pk packets.Packet) {
	c.mu.Lock()
	ack := c.acks[pk.PacketID]
	delete(c.acks, pk.PacketID)
	c.mu.Unlock()

	for _, code := range pk.ReasonCodes {
		if code >= 0x80 {
			c.log.Warn("subscription rejected", zap.Uint16("packet_id", pk.PacketID), zap.Uint8("reason_code", code))
			return
		}
	}
	if ack != nil {
		ack()
	}
}

func (c *WSClient) handleConnectionLoss(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	closing := c.closing
	c.mu.Unlock()

	_ = conn.Close()
	if closing {
		return
	}
	c.log.Debug("connection lost", zap.String("client_id", c.clientID), zap.Error(err))
	c.report(StatusConnectionError)
}

func (c *WSClient) establishConnection(ctx context.Context, endpoint string) (conn net.Conn, reader *bufio.Reader, err error) {
	conn, err = dialBroker(ctx, endpoint, c.cfg.ConnectTimeout, c.cfg.TLSConfig)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			_ = conn.Close()
			conn, reader = nil, nil
		}
	}()

	connect := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			ProtocolName:     []byte("MQTT"),
			Clean:            c.cfg.CleanSession,
			ClientIdentifier: c.clientID,
			Keepalive:        uint16(c.cfg.Keepalive / time.Second),
		},
	}
	if c.cfg.Username != "" {
		connect.Connect.UsernameFlag = true
		connect.Connect.Username = []byte(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		connect.Connect.PasswordFlag = true
		connect.Connect.Password = []byte(c.cfg.Password)
	}
	if err = c.writePacket(conn, connect); err != nil {
		return
	}

	// The broker has ConnectTimeout to answer with a connack.
	if err = conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout)); err != nil {
		return
	}
	reader = bufio.NewReader(conn)
	ack, err := decodePacket(reader)
	if err != nil {
		return
	}
	if err = conn.SetReadDeadline(time.Time{}); err != nil {
		return
	}
	switch {
	case ack.FixedHeader.Type != packets.Connack:
		err = fmt.Errorf("realtime/mqtt: expected connack, got packet type %d", ack.FixedHeader.Type)
	case ack.ReasonCode != 0:
		err = &RefusedError{ReasonCode: ack.ReasonCode}
	}
	return
}

func (c *WSClient) subscribeRemote(conn net.Conn, filter string, sub *subscription) error {
	id := c.nextPacketID()
	if sub.onAck != nil {
		c.mu.Lock()
		c.acks[id] = sub.onAck
		c.mu.Unlock()
	}
	return c.writePacket(conn, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		PacketID:    id,
		Filters: packets.Subscriptions{
			{
				Filter: filter,
				Qos:    sub.qos,
			},
		},
	})
}

func (c *WSClient) nextPacketID() uint16 {
	id := uint16(c.packetID.Add(1) % 65535)
	if id == 0 {
		id = uint16(c.packetID.Add(1) % 65535)
		if id == 0 {
			id = 1
		}
	}
	return id
}

func (c *WSClient) writePacket(conn net.Conn, pk packets.Packet) error {
	frame, err := encodePacket(pk)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.ConnectTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(frame)
	_ = conn.SetWriteDeadline(time.Time{})
	// Connect and Disconnect failures are reported by their callers.
	if t := pk.FixedHeader.Type; err != nil && t != packets.Connect && t != packets.Disconnect {
		go c.handleConnectionLoss(conn, err)
	}
	return err
}
