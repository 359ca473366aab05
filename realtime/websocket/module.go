package websocket

import (
	"github.com/bronystylecrazy/ultrasync/realtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the gorilla transport as realtime.Transport.
func Module() fx.Option {
	return fx.Module("ultrasync/realtime/websocket",
		fx.Provide(
			fx.Annotate(func(cfg realtime.Config, logger *zap.Logger) *Transport {
				return New(Config{HandshakeTimeout: cfg.HandshakeTimeout}, logger)
			}, fx.ParamTags(``, `optional:"true"`), fx.As(new(realtime.Transport))),
		),
	)
}
