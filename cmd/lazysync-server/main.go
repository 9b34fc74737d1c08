// Command lazysync-server is the directory cache service deployed on the
// remote host. It answers newline-delimited JSON listing requests on a
// loopback port.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lazysync/lazysync/internal/listing"
	"github.com/lazysync/lazysync/internal/logging"
)

func main() {
	var (
		addr          string
		ttl           time.Duration
		allowExternal bool
		noPrefetch    bool
		logLevel      string
	)
	cmd := &cobra.Command{
		Use:          "lazysync-server",
		Short:        "Directory listing cache service",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout is redirected into the log file by the deployer.
			logging.SetupWriter(logLevel, "json", os.Stdout)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := &listing.Server{
				Addr:             addr,
				TTL:              ttl,
				AllowExternal:    allowExternal,
				PrefetchChildren: !noPrefetch,
			}
			log.Info().Str("addr", addr).Dur("ttl", ttl).Int("pid", os.Getpid()).Msg("starting lazysync-server")
			if err := srv.ListenAndServe(ctx); err != nil {
				log.Error().Err(err).Msg("server error")
				return err
			}
			log.Info().Msg("server exited")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", listing.DefaultAddr, "listen address")
	cmd.Flags().DurationVar(&ttl, "ttl", listing.DefaultTTL, "how long a scanned directory is served from cache")
	cmd.Flags().BoolVar(&allowExternal, "allow-external", false, "permit a non-loopback listen address")
	cmd.Flags().BoolVar(&noPrefetch, "no-prefetch", false, "do not scan child directories in the background")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
