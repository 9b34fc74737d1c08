package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazysync/lazysync/internal/tunnel"
)

func newTunnelCmd(opts *rootOptions) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Forward the local port to the remote cache service until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.cfg.Validate(); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			creds := opts.credentials(terminalPrompter())
			m := tunnel.NewManager(creds)
			if strategy != "" {
				s, err := pickStrategy(creds, strategy)
				if err != nil {
					return err
				}
				m.Strategies = []tunnel.Strategy{s}
			}

			h, err := m.Open(ctx, opts.endpoint(), opts.spec())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forwarding %s -> %s via %s (%s)\n",
				h.Spec.LocalAddr(), h.Spec.RemoteAddr(), h.Endpoint, h.Strategy())

			<-ctx.Done()
			return m.Close(h)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "force one strategy: native, subprocess or relay")
	return cmd
}

func pickStrategy(creds tunnel.Credentials, name string) (tunnel.Strategy, error) {
	for _, s := range tunnel.DefaultStrategies(creds) {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}
