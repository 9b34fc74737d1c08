package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazysync/lazysync/internal/auth"
	"github.com/lazysync/lazysync/internal/config"
	"github.com/lazysync/lazysync/internal/deploy"
	"github.com/lazysync/lazysync/internal/sshx"
)

func newDeployCmd(opts *rootOptions) *cobra.Command {
	var stop bool
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Upload and start the cache service on the remote host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			d, conn, err := connectDeployer(ctx, opts.cfg, terminalPrompter())
			if err != nil {
				return err
			}
			defer closeLogged("ssh", conn)

			if stop {
				return d.Stop(ctx)
			}
			h, err := d.EnsureRunning(ctx)
			if err != nil {
				return err
			}
			state := "started"
			if h.AlreadyRunning {
				state = "already running"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s on port %d (%s, log %s)\n", state, h.Port, h.BinaryPath, h.LogPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "stop the remote service instead")
	return cmd
}

// connectDeployer opens a plain SSH connection (no tunnel) and returns a
// deployer bound to it. The caller closes the connection.
func connectDeployer(ctx context.Context, cfg *config.Config, p auth.Prompter) (*deploy.Deployer, sshx.Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	binary, err := config.ExpandPath(cfg.ServerBinary)
	if err != nil {
		return nil, nil, err
	}
	ep := sshx.Endpoint{Host: cfg.SSHHost, Port: cfg.SSHPort, User: cfg.SSHUser}
	n := &auth.Negotiator{Prompter: p, KeyPath: cfg.SSHKeyPath, Password: cfg.SSHPassword}
	conn, err := (&sshx.Dialer{}).Connect(ctx, ep, n)
	if err != nil {
		return nil, nil, err
	}
	d := deploy.New(conn, binary)
	d.RemoteDir = cfg.RemoteDir
	d.Port = cfg.RemotePort
	return d, conn, nil
}
