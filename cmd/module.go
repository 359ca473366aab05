package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	CommandersGroupName  = "ultrasync/cmd/commanders"
	PreRunnersGroupName  = "ultrasync/cmd/pre_runners"
	PostRunnersGroupName = "ultrasync/cmd/post_runners"
)

type PreRunner interface {
	// PreRun reports handled=true to skip the command.
	PreRun(cmd *cobra.Command, args []string) (bool, error)
}

type PostRunner interface {
	PostRun(cmd *cobra.Command, args []string, runErr error) error
}

type loggerIn struct {
	fx.In

	Logger *zap.Logger `optional:"true"`
}

// Args are the command line arguments handed to the root command.
type Args []string

type registerParams struct {
	fx.In

	Root        *Root
	Commands    []Commander  `group:"ultrasync/cmd/commanders"`
	PreRunners  []PreRunner  `group:"ultrasync/cmd/pre_runners"`
	PostRunners []PostRunner `group:"ultrasync/cmd/post_runners"`
}

// Module wires the root command, registers every Commander in the group and
// executes the root once the application has started.
func Module(opts ...fx.Option) fx.Option {
	return fx.Module("ultrasync/cmd",
		fx.Provide(New),
		fx.Invoke(RegisterCommands, startRoot),
		fx.Options(opts...),
	)
}

func AsCommand(constructor any) fx.Option {
	return fx.Provide(fx.Annotate(constructor, fx.As(new(Commander)), fx.ResultTags(`group:"`+CommandersGroupName+`"`)))
}

func AsPreRunner(constructor any) fx.Option {
	return fx.Provide(fx.Annotate(constructor, fx.As(new(PreRunner)), fx.ResultTags(`group:"`+PreRunnersGroupName+`"`)))
}

func AsPostRunner(constructor any) fx.Option {
	return fx.Provide(fx.Annotate(constructor, fx.As(new(PostRunner)), fx.ResultTags(`group:"`+PostRunnersGroupName+`"`)))
}

// UseBasicCommands registers the commands and runners that need no
// configuration.
func UseBasicCommands() fx.Option {
	return fx.Options(
		AsCommand(NewVersionCommand),
		fx.Provide(func(in loggerIn) *TimingRunner { return NewTimingRunner(in.Logger) }),
		AsPreRunner(func(r *TimingRunner) *TimingRunner { return r }),
		AsPostRunner(func(r *TimingRunner) *TimingRunner { return r }),
		AsPreRunner(func(in loggerIn) *ConfigWatchRunner { return NewConfigWatchRunner(in.Logger) }),
	)
}

func RegisterCommands(params registerParams) error {
	for _, c := range params.Commands {
		leaf := c.Command()
		applyRunners(leaf, params.PreRunners, params.PostRunners)
		if err := params.Root.mount(leaf); err != nil {
			return err
		}
	}
	return nil
}

// applyRunners wraps the run function of cmd: pre-runners go first and may
// claim the invocation, post-runners always see the outcome. The first
// error wins.
func applyRunners(cmd *cobra.Command, pre []PreRunner, post []PostRunner) {
	if cmd == nil || len(pre)+len(post) == 0 {
		return
	}
	run := cmd.RunE
	if run == nil && cmd.Run != nil {
		plain := cmd.Run
		run = func(c *cobra.Command, args []string) error {
			plain(c, args)
			return nil
		}
	}
	if run == nil {
		return
	}

	cmd.Run = nil
	cmd.RunE = func(c *cobra.Command, args []string) error {
		var err error
		claimed := false
		for _, r := range pre {
			if claimed, err = r.PreRun(c, args); err != nil || claimed {
				break
			}
		}
		if err != nil {
			return err
		}
		if !claimed {
			err = run(c, args)
		}
		for _, r := range post {
			if perr := r.PostRun(c, args, err); perr != nil && err == nil {
				err = perr
			}
		}
		return err
	}
}

type startParams struct {
	fx.In

	LC         fx.Lifecycle
	Shutdowner fx.Shutdowner
	Root       *Root
	Args       Args        `optional:"true"`
	Logger     *zap.Logger `optional:"true"`
}

// startRoot runs the root command on its own goroutine after start and shuts
// the application down with its exit code. Stopping the application cancels
// the command's context.
func startRoot(in startParams) {
	ctx, cancel := context.WithCancel(context.Background())
	if in.Args != nil {
		in.Root.SetArgs(in.Args)
	}
	in.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				code := 0
				if err := in.Root.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					fmt.Fprintln(in.Root.ErrOrStderr(), "Error:", err)
					code = 1
				}
				if err := in.Shutdowner.Shutdown(fx.ExitCode(code)); err != nil && in.Logger != nil {
					in.Logger.Warn("shutdown failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// RunApp starts app, waits for the command or a signal, stops it and returns
// the exit code.
func RunApp(app *fx.App) int {
	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	sig := <-app.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if sig.ExitCode == 0 {
			return 1
		}
	}
	return sig.ExitCode
}
