package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazysync/lazysync/internal/remotefs"
)

const browseHelp = `commands:
  ls [-a] [-l]   list the current directory
  cd <dir>       change directory (relative or absolute)
  up, ..         go to the parent directory
  pwd            print the current directory
  warm           ask the service to refresh the current directory
  quit, exit     leave`

func newBrowseCmd(opts *rootOptions) *cobra.Command {
	var (
		noDeploy bool
		keepWarm time.Duration
	)
	cmd := &cobra.Command{
		Use:   "browse [start]",
		Short: "Walk remote directories interactively",
		Args:  cobra.MaximumNArgs(1),
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
			if keepWarm > 0 {
				go sess.KeepWarm(ctx, keepWarm)
			}

			start := ""
			if len(args) == 1 {
				start = args[0]
			}
			nav := remotefs.NewNavigator(sess, start)
			if err := nav.ChangeDir(ctx, nav.Cwd()); err != nil {
				return err
			}
			return browse(ctx, nav, sess, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&noDeploy, "no-deploy", false, "assume the cache service already runs remotely")
	cmd.Flags().DurationVar(&keepWarm, "keep-warm", 3*time.Second, "refresh the current directory this often (0 disables)")
	return cmd
}

type prefetcher interface {
	Prefetch(path string) error
}

// browse runs the command loop until quit, EOF or ctx ends. Command errors
// are printed and the loop continues.
func browse(ctx context.Context, nav *remotefs.Navigator, pf prefetcher, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "%s> ", nav.Cwd())
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "help", "?":
			fmt.Fprintln(out, browseHelp)
		case "pwd":
			fmt.Fprintln(out, nav.Cwd())
		case "ls":
			var all, long bool
			for _, f := range fields[1:] {
				all = all || strings.Contains(f, "a")
				long = long || strings.Contains(f, "l")
			}
			var items []remotefs.Item
			if items, err = nav.List(ctx, all); err == nil {
				printItems(out, items, long)
			}
		case "cd":
			if len(fields) < 2 {
				err = fmt.Errorf("cd needs a directory")
				break
			}
			err = nav.ChangeDir(ctx, fields[1])
		case "up", "..":
			err = nav.ChangeParent(ctx)
		case "warm":
			err = pf.Prefetch(nav.Cwd())
		default:
			err = fmt.Errorf("unknown command %q (try help)", fields[0])
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}
