// Command lazysync browses a remote host's directories through an SSH
// tunnel to a cache service it deploys on demand.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "lazysync",
		Short:         "Remote directory listings over an SSH tunnel",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	opts.bindFlags(rootCmd)
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.prepare(cmd)
	}

	rootCmd.AddCommand(newLsCmd(opts))
	rootCmd.AddCommand(newBrowseCmd(opts))
	rootCmd.AddCommand(newTunnelCmd(opts))
	rootCmd.AddCommand(newDeployCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newWorkerCmd(opts))
	rootCmd.AddCommand(newSealCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
