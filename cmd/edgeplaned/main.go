// Command edgeplaned runs the edge cache control plane.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "edgeplaned",
		Short:         "Edge cache control plane",
		Long:          `edgeplaned serves cached origin content through edge and object tiers, ranks caching strategies and coordinates benchmark sandboxes.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML configuration file")

	root.AddCommand(newServeCommand(&cfgFile))
	root.AddCommand(newMigrateCommand(&cfgFile))
	root.AddCommand(newSignCommand(&cfgFile))
	return root
}
