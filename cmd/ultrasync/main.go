package main

import (
	"os"

	"github.com/bronystylecrazy/ultrasync/cfg"
	"github.com/bronystylecrazy/ultrasync/client"
	"github.com/bronystylecrazy/ultrasync/cmd"
	uslog "github.com/bronystylecrazy/ultrasync/log"
	"github.com/bronystylecrazy/ultrasync/realtime/mqtt"
	"go.uber.org/fx"
)

func main() {
	args := os.Args[1:]
	path := cmd.ConfigPath(args)

	app := fx.New(
		fx.NopLogger,
		fx.Supply(cmd.Args(args)),
		cmd.Module(),
		cmd.UseBasicCommands(),
		cmd.AsCommand(cmd.NewSubscribeCommand),
		cmd.AsCommand(cmd.NewSyncCommand),
		cmd.AsCommand(cmd.NewTopicsCommand),
		cmd.Use(args, "subscribe", client.Module(path)),
		cmd.Use(args, "sync", client.Module(path)),
		cmd.Use(args, "topics",
			uslog.Module(path, cfg.WithEnvPrefix(client.EnvPrefix)),
			cfg.Provide[mqtt.Config]("mqtt", cfg.WithSourceFile(path), cfg.WithEnvPrefix(client.EnvPrefix)),
			mqtt.Module(),
		),
	)
	os.Exit(cmd.RunApp(app))
}
