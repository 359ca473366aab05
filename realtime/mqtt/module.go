package mqtt

import (
	uslog "github.com/bronystylecrazy/ultrasync/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ModuleName = "ultrasync/mqtt"

// Module provides a *Multiplexer built from Config, and a *LocalBroker when
// the local broker is enabled.
func Module(opts ...fx.Option) fx.Option {
	return fx.Module(ModuleName,
		fx.Provide(NewMultiplexerFromConfig, NewLocalBrokerFromConfig),
		fx.Invoke(func(*LocalBroker) {}),
		fx.Options(opts...),
	)
}

type MultiplexerParams struct {
	fx.In

	LC      fx.Lifecycle
	Config  Config
	Logger  *zap.Logger   `optional:"true"`
	Factory ClientFactory `optional:"true"`
}

func NewMultiplexerFromConfig(in MultiplexerParams) *Multiplexer {
	factory := in.Factory
	if factory == nil {
		factory = NewClientFactory(in.Config.ClientConfig(), in.Logger)
	}
	m := NewMultiplexer(factory,
		WithLogger(in.Logger),
		WithQoS(in.Config.QoS),
		WithSubscribeDelay(in.Config.SubscribeDelay),
	)
	in.LC.Append(fx.Hook{OnStop: m.Close})
	return m
}

type LocalBrokerParams struct {
	fx.In

	LC     fx.Lifecycle
	Config Config
	Log    uslog.Config `optional:"true"`
	Logger *zap.Logger  `optional:"true"`
}

// NewLocalBrokerFromConfig returns nil when the local broker is disabled.
func NewLocalBrokerFromConfig(in LocalBrokerParams) (*LocalBroker, error) {
	if !in.Config.LocalBroker.Enabled {
		return nil, nil
	}
	logger := in.Logger
	if logger != nil {
		logger = logger.Named("mqtt.broker")
	}
	b, err := NewLocalBroker(in.Config.LocalBroker.Address, uslog.NewSlog(in.Log.Level, logger))
	if err != nil {
		return nil, err
	}
	in.LC.Append(fx.Hook{OnStart: b.Start, OnStop: b.Stop})
	return b, nil
}
