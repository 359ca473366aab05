// Package cmd assembles the ultrasync command line: a cobra root, commands
// collected from an fx value group, and helpers that wire only the modules
// the selected command needs.
package cmd

import "github.com/spf13/cobra"

type Commander interface {
	Command() *cobra.Command // command instance
}
