package log

import (
	"github.com/bronystylecrazy/ultrasync/cfg"
	"go.uber.org/fx"
)

var ModuleName = "ultrasync/log"

// Module provides *zap.Logger from the "log" section of path and routes fx
// events through it.
func Module(path string, opts ...cfg.Option) fx.Option {
	return fx.Module(ModuleName,
		cfg.Provide[Config]("log", append([]cfg.Option{cfg.WithSourceFile(path)}, opts...)...),
		fx.Provide(NewZapLogger),
		fx.WithLogger(NewEventLogger),
	)
}
