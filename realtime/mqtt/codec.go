package mqtt

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mochi-mqtt/server/v2/packets"
)

// protocolVersion is MQTT 3.1.1.
const protocolVersion = 4

var encoders = map[byte]func(*packets.Packet, *bytes.Buffer) error{
	packets.Connect:     (*packets.Packet).ConnectEncode,
	packets.Puback:      (*packets.Packet).PubackEncode,
	packets.Subscribe:   (*packets.Packet).SubscribeEncode,
	packets.Unsubscribe: (*packets.Packet).UnsubscribeEncode,
	packets.Pingreq:     (*packets.Packet).PingreqEncode,
	packets.Pingresp:    (*packets.Packet).PingrespEncode,
	packets.Disconnect:  (*packets.Packet).DisconnectEncode,
}

// Inbound types without a decoder are returned with an empty body.
var decoders = map[byte]func(*packets.Packet, []byte) error{
	packets.Connack:  (*packets.Packet).ConnackDecode,
	packets.Publish:  (*packets.Packet).PublishDecode,
	packets.Suback:   (*packets.Packet).SubackDecode,
	packets.Unsuback: (*packets.Packet).UnsubackDecode,
	packets.Pingreq:  (*packets.Packet).PingreqDecode,
	packets.Pingresp: (*packets.Packet).PingrespDecode,
}

func encodePacket(pk packets.Packet) ([]byte, error) {
	enc, ok := encoders[pk.FixedHeader.Type]
	if !ok {
		return nil, fmt.Errorf("realtime/mqtt: cannot encode packet type %d", pk.FixedHeader.Type)
	}
	pk.ProtocolVersion = protocolVersion
	var buf bytes.Buffer
	if err := enc(&pk, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePacket(r *bufio.Reader) (packets.Packet, error) {
	pk := packets.Packet{ProtocolVersion: protocolVersion}
	first, err := r.ReadByte()
	if err != nil {
		return pk, err
	}
	if err := pk.FixedHeader.Decode(first); err != nil {
		return pk, err
	}
	if pk.FixedHeader.Remaining, _, err = packets.DecodeLength(r); err != nil {
		return pk, err
	}
	body := make([]byte, pk.FixedHeader.Remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return pk, err
	}
	if dec, ok := decoders[pk.FixedHeader.Type]; ok {
		err = dec(&pk, body)
	}
	return pk, err
}

// dialBroker opens a byte stream to endpoint. ws and wss endpoints carry
// MQTT in binary websocket frames; mqtt, tcp, mqtts, ssl and tls endpoints
// are plain sockets, as is a bare host:port.
func dialBroker(ctx context.Context, endpoint string, timeout time.Duration, tlsCfg *tls.Config) (net.Conn, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, ErrEndpointRequired
	}
	if !strings.Contains(endpoint, "://") {
		d := &net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", endpoint)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("realtime/mqtt: parse endpoint: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		dialer := websocket.Dialer{
			HandshakeTimeout: timeout,
			Subprotocols:     []string{"mqtt"},
			TLSClientConfig:  tlsCfg,
			Proxy:            http.ProxyFromEnvironment,
		}
		ws, _, err := dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return &wsStream{Conn: ws}, nil
	case "mqtts", "ssl", "tls":
		d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}, Config: tlsCfg}
		return d.DialContext(ctx, "tcp", u.Host)
	case "mqtt", "tcp":
		d := &net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", u.Host)
	default:
		return nil, fmt.Errorf("realtime/mqtt: unsupported endpoint scheme %q", u.Scheme)
	}
}

// wsStream reads and writes a websocket as one byte stream. Every Write is
// one binary frame; reads continue across frame boundaries.
type wsStream struct {
	*websocket.Conn
	frame io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.frame == nil {
			kind, r, err := s.NextReader()
			if err != nil {
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				return 0, fmt.Errorf("realtime/mqtt: unexpected websocket frame type %d", kind)
			}
			s.frame = r
		}
		n, err := s.frame.Read(p)
		if errors.Is(err, io.EOF) {
			s.frame = nil
			err = nil
			if n == 0 {
				continue
			}
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) SetDeadline(t time.Time) error {
	return errors.Join(s.SetReadDeadline(t), s.SetWriteDeadline(t))
}
