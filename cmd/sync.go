package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/bronystylecrazy/ultrasync/client"
	"github.com/bronystylecrazy/ultrasync/deltasync"
	"github.com/spf13/cobra"
)

type SyncCommand struct {
	client       *client.Client
	base         string
	subscription string
	delta        string
	variables    string
	timeout      time.Duration
}

func NewSyncCommand(in ClientParams) *SyncCommand {
	return &SyncCommand{client: in.Client}
}

func (s *SyncCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Keep a base query in sync through its subscription and delta query",
		Args:  cobra.NoArgs,
		RunE:  s.Run,
	}
	cmd.Flags().StringVar(&s.base, "base", "", "base query document")
	cmd.Flags().StringVar(&s.subscription, "subscription", "", "subscription document")
	cmd.Flags().StringVar(&s.delta, "delta", "", "delta query document, receives $lastSync")
	cmd.Flags().StringVar(&s.variables, "vars", "", "variables shared by all documents, as a JSON object")
	cmd.Flags().DurationVar(&s.timeout, "timeout", 0, "exit after this long, 0 runs until interrupted")
	_ = cmd.MarkFlagRequired("base")
	_ = cmd.MarkFlagRequired("subscription")
	return cmd
}

func (s *SyncCommand) Run(cmd *cobra.Command, _ []string) error {
	if s.client == nil {
		return ErrNotConfigured
	}
	vars, err := parseVariables(s.variables)
	if err != nil {
		return fmt.Errorf("parse --vars: %w", err)
	}
	ops := client.SyncOperations{
		Base:         client.Operation{Query: s.base, Variables: vars},
		Subscription: client.Operation{Query: s.subscription, Variables: vars},
	}
	if s.delta != "" {
		ops.Delta = &client.Operation{Query: s.delta, Variables: vars}
	}

	ctx, cancel := withOptionalTimeout(cmd.Context(), s.timeout)
	defer cancel()
	lines := make(chan line, 64)
	failed := make(chan error, 1)
	send := func(l line) {
		select {
		case lines <- l:
		case <-ctx.Done():
		}
	}
	w := s.client.Sync(ops, deltasync.Handlers{
		Base:  func(src deltasync.Source, r client.Result) { send(resultLine("base:"+src.String(), r)) },
		Delta: func(r client.Result) { send(resultLine("delta", r)) },
		Subscription: func(r client.Result) {
			send(resultLine("subscription", r))
			if r.Err != nil && !errors.Is(r.Err, client.ErrCompleted) {
				select {
				case failed <- r.Err:
				default:
				}
			}
		},
	})
	defer w.Cancel()

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case l := <-lines:
			if err := writeLine(out, l); err != nil {
				return err
			}
		case err := <-failed:
			// flush lines queued before the failure
			for len(lines) > 0 {
				_ = writeLine(out, <-lines)
			}
			return err
		}
	}
}
