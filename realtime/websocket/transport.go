package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bronystylecrazy/ultrasync/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

type Config struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" default:"10s"`
	TLSConfig        *tls.Config   `mapstructure:"-"`
	Header           http.Header   `mapstructure:"-"`
}

// Transport implements realtime.Transport on gorilla/websocket. Each Connect
// replaces any previous socket.
type Transport struct {
	dialer *websocket.Dialer
	header http.Header
	log    *zap.Logger

	mu   sync.Mutex
	conn *conn
}

var _ realtime.Transport = (*Transport)(nil)

func New(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Transport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  cfg.TLSConfig,
		},
		header: cfg.Header,
		log:    logger.Named("websocket"),
	}
}

func (t *Transport) Connect(u *url.URL, subprotocols []string, delegate realtime.TransportDelegate) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		t:        t,
		delegate: delegate,
		send:     make(chan string, sendBufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	t.mu.Lock()
	prev := t.conn
	t.conn = c
	t.mu.Unlock()
	if prev != nil {
		prev.close(true)
	}

	dialer := *t.dialer
	dialer.Subprotocols = subprotocols
	go c.dial(ctx, &dialer, u.String(), t.header)
}

func (t *Transport) Write(text string) {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil || !c.ready() {
		t.log.Warn("write on closed socket dropped")
		return
	}
	select {
	case c.send <- text:
	case <-c.done:
	}
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c != nil {
		c.close(true)
	}
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	return c != nil && c.ready()
}

type conn struct {
	t        *Transport
	delegate realtime.TransportDelegate
	send     chan string
	quit     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc

	mu        sync.Mutex
	ws        *websocket.Conn
	closed    bool
	userClose bool
	quitOnce  sync.Once
	once      sync.Once
}

func (c *conn) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil && !c.closed
}

func (c *conn) dial(ctx context.Context, dialer *websocket.Dialer, rawURL string, header http.Header) {
	ws, resp, err := dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.finish(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	ws.SetReadLimit(maxMessageSize)
	c.t.log.Debug("socket open", zap.String("subprotocol", ws.Subprotocol()))
	go c.writePump(ws)
	c.delegate.OnConnect()
	c.readPump(ws)
}

func (c *conn) readPump(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		c.delegate.OnReceive(data)
	}
}

func (c *conn) writePump(ws *websocket.Conn) {
	for {
		select {
		case <-c.done:
			return
		case text := <-c.send:
			if err := c.write(ws, text); err != nil {
				c.finish(err)
				return
			}
		case <-c.quit:
			c.drain(ws)
			return
		}
	}
}

func (c *conn) write(ws *websocket.Conn, text string) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, []byte(text))
}

// drain writes every frame already queued, then the close frame.
func (c *conn) drain(ws *websocket.Conn) {
	for {
		select {
		case text := <-c.send:
			if err := c.write(ws, text); err != nil {
				c.finish(err)
				return
			}
		default:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.finish(nil)
			return
		}
	}
}

// close tears the socket down on the caller's behalf. Frames accepted by
// Write before close are sent ahead of the close frame.
func (c *conn) close(user bool) {
	c.mu.Lock()
	c.userClose = c.userClose || user
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		c.cancel()
		c.finish(nil)
		return
	}
	c.quitOnce.Do(func() { close(c.quit) })
	select {
	case <-c.done:
	case <-time.After(writeWait):
		c.finish(nil)
	}
}

// finish runs once per socket and reports the disconnect. Caller initiated
// closes and normal close frames are reported with a nil error.
func (c *conn) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		ws := c.ws
		user := c.userClose
		c.mu.Unlock()

		close(c.done)
		c.cancel()
		if ws != nil {
			_ = ws.Close()
		}
		if user || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			err = nil
		} else if err != nil && errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			c.t.log.Warn("socket closed", zap.Error(err))
		}
		c.delegate.OnDisconnect(err)
	})
}
