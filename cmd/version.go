package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type VersionCommand struct{}

func NewVersionCommand() *VersionCommand {
	return &VersionCommand{}
}

func (s *VersionCommand) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		Args:  cobra.NoArgs,
		RunE:  s.Run,
	}
}

func (s *VersionCommand) Run(cmd *cobra.Command, args []string) error {
	_, err := fmt.Fprintf(
		cmd.OutOrStdout(),
		"%s\n  Version   %s\n  Commit    %s\n  BuildDate %s\n",
		Name,
		Version,
		Commit,
		BuildDate,
	)
	return err
}
