package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bronystylecrazy/ultrasync/cfg"
	"github.com/bronystylecrazy/ultrasync/deltasync"
	uslog "github.com/bronystylecrazy/ultrasync/log"
	"github.com/bronystylecrazy/ultrasync/realtime"
	"github.com/bronystylecrazy/ultrasync/realtime/auth"
	"github.com/bronystylecrazy/ultrasync/realtime/mqtt"
	"github.com/bronystylecrazy/ultrasync/realtime/websocket"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ModuleName = "ultrasync/client"

// EnvPrefix prefixes environment overrides of Config, e.g.
// ULTRASYNC_AUTH_API_KEY.
const EnvPrefix = "ULTRASYNC"

// Module loads Config from path and wires the whole client: logger,
// realtime provider over websocket with auth interceptors, topic
// multiplexer, last sync store and *Client.
func Module(path string, opts ...cfg.Option) fx.Option {
	return fx.Options(
		cfg.Provide[Config]("", append([]cfg.Option{cfg.WithSourceFile(path), cfg.WithEnvPrefix(EnvPrefix)}, opts...)...),
		Options(),
	)
}

// Options is Module without config loading; a Config must be supplied.
func Options(opts ...fx.Option) fx.Option {
	return fx.Module(ModuleName,
		fx.Provide(
			Config.RealtimeConfig,
			func(c Config) mqtt.Config { return c.MQTT },
			func(c Config) deltasync.Config { return c.Sync },
			func(c Config) uslog.Config { return c.Log },
			uslog.NewZapLogger,
		),
		fx.WithLogger(uslog.NewEventLogger),
		realtime.Module(),
		websocket.Module(),
		mqtt.Module(),
		deltasync.Module(),
		fx.Provide(NewAuthFromConfig, NewHTTPTransportFromConfig, NewFromParams),
		realtime.AsConnectionInterceptor(auth.RealtimeGatewayURL),
		realtime.AsConnectionInterceptor(func(a auth.Interceptor) realtime.ConnectionInterceptor { return a.Connection }),
		realtime.AsMessageInterceptor(func(a auth.Interceptor) realtime.MessageInterceptor { return a.Message }),
		fx.Options(opts...),
	)
}

type AuthParams struct {
	fx.In

	Config Config
	Tokens auth.TokenProvider `optional:"true"`
	Logger *zap.Logger        `optional:"true"`
}

func NewAuthFromConfig(in AuthParams) (auth.Interceptor, error) {
	return NewAuth(context.Background(), in.Config, in.Tokens, in.Logger)
}

func NewHTTPTransportFromConfig(c Config, a auth.Interceptor, logger *zap.Logger) (*HTTPTransport, error) {
	endpoint, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("client: parse endpoint: %w", err)
	}
	return NewHTTPTransport(endpoint, a, c.HTTPTimeout, logger), nil
}

type Params struct {
	fx.In

	Config      Config
	Provider    *realtime.Provider
	HTTP        *HTTPTransport
	Store       deltasync.LastSyncStore
	Multiplexer *mqtt.Multiplexer    `optional:"true"`
	Cache       Cache                `optional:"true"`
	Logger      *zap.Logger          `optional:"true"`
	Meter       metric.MeterProvider `optional:"true"`
}

func NewFromParams(in Params) *Client {
	return New(in.Provider, in.HTTP,
		WithLogger(in.Logger),
		WithCache(in.Cache),
		WithMultiplexer(in.Multiplexer),
		WithMeterProvider(in.Meter),
		WithSyncOptions(in.Config.Sync.Options(in.Store)...),
	)
}
