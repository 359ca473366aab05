package realtime

import (
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ModuleName = "ultrasync/realtime"

var ConnectionInterceptorsGroup = "realtime_connection_interceptors"
var MessageInterceptorsGroup = "realtime_message_interceptors"

// Module provides a *Provider built from Config. A Transport must be supplied
// by another module, interceptors are collected from their value groups.
func Module(opts ...fx.Option) fx.Option {
	return fx.Module(ModuleName,
		fx.Provide(NewProviderFromConfig),
		fx.Options(opts...),
	)
}

// AsConnectionInterceptor annotates a constructor so its result joins the
// connection interceptor group.
func AsConnectionInterceptor(constructor any) fx.Option {
	return fx.Provide(fx.Annotate(constructor, fx.ResultTags(`group:"`+ConnectionInterceptorsGroup+`"`)))
}

func AsMessageInterceptor(constructor any) fx.Option {
	return fx.Provide(fx.Annotate(constructor, fx.ResultTags(`group:"`+MessageInterceptorsGroup+`"`)))
}

type ProviderParams struct {
	fx.In

	LC        fx.Lifecycle
	Config    Config
	Transport Transport
	Logger    *zap.Logger          `optional:"true"`
	Meter     metric.MeterProvider `optional:"true"`

	ConnectionInterceptors []ConnectionInterceptor `group:"realtime_connection_interceptors"`
	MessageInterceptors    []MessageInterceptor    `group:"realtime_message_interceptors"`
}

func NewProviderFromConfig(in ProviderParams) (*Provider, error) {
	if in.Config.Endpoint == "" {
		return nil, fmt.Errorf("realtime: endpoint is required")
	}
	endpoint, err := url.Parse(in.Config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse endpoint: %w", err)
	}
	opts := []ProviderOption{
		WithLogger(in.Logger),
		WithStaleTimeout(in.Config.StaleTimeout),
		WithLimitExceededWindow(in.Config.LimitExceededWindow),
		WithConnectionInterceptors(in.ConnectionInterceptors...),
		WithMessageInterceptors(in.MessageInterceptors...),
	}
	if in.Meter != nil {
		opts = append(opts, WithMeterProvider(in.Meter))
	}
	if in.Config.Connectivity.ProbeAddress != "" {
		opts = append(opts, WithConnectivityMonitor(
			NewProbeMonitor(in.Config.Connectivity.ProbeAddress, in.Config.Connectivity.Interval, in.Logger),
		))
	}
	p := NewProvider(endpoint, in.Transport, opts...)
	in.LC.Append(fx.Hook{OnStop: p.Close})
	return p, nil
}
