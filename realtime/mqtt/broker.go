package mqtt

import (
	"context"
	"log/slog"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"go.uber.org/multierr"
)

// LocalBroker is an embedded broker with a websocket listener, used for
// development and tests in place of the managed broker.
type LocalBroker struct {
	*mqtt.Server
	addr     string
	stopOnce sync.Once
	stopErr  error
}

func NewLocalBroker(addr string, logger *slog.Logger) (*LocalBroker, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       logger,
	})
	var err error
	err = multierr.Append(err, server.AddHook(new(auth.AllowHook), nil))
	err = multierr.Append(err, server.AddListener(listeners.NewWebsocket(listeners.Config{
		ID:      "ws",
		Address: addr,
	})))
	if err != nil {
		return nil, err
	}
	return &LocalBroker{Server: server, addr: addr}, nil
}

// URL is the websocket URL broker clients connect to.
func (b *LocalBroker) URL() string {
	return "ws://" + b.addr
}

func (b *LocalBroker) Publish(topic string, payload []byte) error {
	return b.Server.Publish(topic, payload, false, QoS0)
}

func (b *LocalBroker) Start(context.Context) error {
	return b.Server.Serve()
}

// Stop closes the listeners and every client connection. Later calls are
// no-ops.
func (b *LocalBroker) Stop(context.Context) error {
	b.stopOnce.Do(func() {
		b.stopErr = b.Server.Close()
	})
	return b.stopErr
}
