package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/bronystylecrazy/ultrasync/client"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

type ClientParams struct {
	fx.In

	Client *client.Client `optional:"true"`
}

type SubscribeCommand struct {
	client    *client.Client
	variables string
	count     int
	timeout   time.Duration
}

func NewSubscribeCommand(in ClientParams) *SubscribeCommand {
	return &SubscribeCommand{client: in.Client}
}

func (s *SubscribeCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe <document>",
		Short: "Run a GraphQL subscription and print each result as a JSON line",
		Args:  cobra.ExactArgs(1),
		RunE:  s.Run,
	}
	cmd.Flags().StringVar(&s.variables, "vars", "", "subscription variables as a JSON object")
	cmd.Flags().IntVar(&s.count, "count", 0, "exit after this many results, 0 runs until interrupted")
	cmd.Flags().DurationVar(&s.timeout, "timeout", 0, "exit after this long, 0 runs until interrupted")
	return cmd
}

func (s *SubscribeCommand) Run(cmd *cobra.Command, args []string) error {
	if s.client == nil {
		return ErrNotConfigured
	}
	vars, err := parseVariables(s.variables)
	if err != nil {
		return fmt.Errorf("parse --vars: %w", err)
	}
	ctx, cancel := withOptionalTimeout(cmd.Context(), s.timeout)
	defer cancel()

	results := make(chan client.Result, 64)
	sub := s.client.Subscribe(client.Operation{Query: args[0], Variables: vars}, func(r client.Result) {
		select {
		case results <- r:
		case <-ctx.Done():
		}
	})
	defer sub.Cancel()

	out := cmd.OutOrStdout()
	received := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-results:
			if err := writeLine(out, resultLine("data", r)); err != nil {
				return err
			}
			if r.Err != nil {
				return r.Err
			}
			received++
			if s.count > 0 && received >= s.count {
				return nil
			}
		}
	}
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
