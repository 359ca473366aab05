package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"
)

const ConfigFlag = "config"

var (
	errNilCommand = errors.New("cmd: command is nil")
	errEmptyUse   = errors.New("cmd: command has no name")
)

// Root is the top-level cobra command that commanders are mounted on.
type Root struct {
	*cobra.Command
}

func New() *Root {
	root := &cobra.Command{
		Use:           Name,
		Short:         "Realtime GraphQL subscriptions, delta sync and MQTT topics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP(ConfigFlag, "c", DefaultConfigPath, "config file (yaml, toml or json)")
	return &Root{Command: root}
}

func (r *Root) Start(ctx context.Context) error {
	return r.ExecuteContext(ctx)
}

func (r *Root) Register(commands ...Commander) error {
	for _, c := range commands {
		if err := r.RegisterOne(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterOne mounts c under the words of its Use, so "cache clear [key]"
// becomes "clear [key]" below a "cache" group created on demand.
func (r *Root) RegisterOne(c Commander) error {
	if c == nil || r == nil || r.Command == nil {
		return errNilCommand
	}
	return r.mount(c.Command())
}

func (r *Root) mount(leaf *cobra.Command) error {
	if leaf == nil {
		return errNilCommand
	}
	words, rest := splitUse(leaf.Use)
	if len(words) == 0 {
		return errEmptyUse
	}

	parent := r.Command
	for _, w := range words[:len(words)-1] {
		parent = group(parent, w)
	}
	leaf.Use = strings.Join(append(words[len(words)-1:], rest...), " ")
	parent.AddCommand(leaf)
	return nil
}

// group returns the child of parent named name, adding an empty one when
// none exists.
func group(parent *cobra.Command, name string) *cobra.Command {
	for _, c := range parent.Commands() {
		if c.Name() == name {
			return c
		}
	}
	c := &cobra.Command{Use: name}
	parent.AddCommand(c)
	return c
}

// splitUse separates the command words of use from its argument
// placeholders, which start at the first word opening with [ or <.
func splitUse(use string) (words, placeholders []string) {
	fields := strings.Fields(use)
	for i, f := range fields {
		if f[0] == '[' || f[0] == '<' {
			return fields[:i], fields[i:]
		}
	}
	return fields, nil
}
