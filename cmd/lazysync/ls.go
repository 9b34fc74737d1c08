package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lazysync/lazysync/internal/remotefs"
)

func newLsCmd(opts *rootOptions) *cobra.Command {
	var (
		noCache  bool
		all      bool
		long     bool
		noDeploy bool
	)
	cmd := &cobra.Command{
		Use:   "ls <path>",
		Short: "List a remote directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			sess, err := opts.newSession(terminalPrompter(), noDeploy)
			if err != nil {
				return err
			}
			defer closeLogged("session", sess)

			if err := sess.Connect(ctx); err != nil {
				return err
			}
			entries, fromCache, err := sess.GetDirectoryListing(ctx, args[0], !noCache)
			if err != nil {
				return err
			}
			printItems(cmd.OutOrStdout(), remotefs.Contents(args[0], entries, all), long)
			if long {
				fmt.Fprintf(cmd.ErrOrStderr(), "from_cache=%t\n", fromCache)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the local listing memo")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "show dot files")
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show permissions, size and modification time")
	cmd.Flags().BoolVar(&noDeploy, "no-deploy", false, "assume the cache service already runs remotely")
	return cmd
}

func printItems(out io.Writer, items []remotefs.Item, long bool) {
	if !long {
		for _, it := range items {
			fmt.Fprintln(out, it.Display)
		}
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, it := range items {
		e := it.Entry
		if it.Display == "../" {
			fmt.Fprintf(tw, "\t\t\t%s\n", it.Display)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.Permissions, e.Size, e.Modified, it.Display)
	}
	_ = tw.Flush()
}
