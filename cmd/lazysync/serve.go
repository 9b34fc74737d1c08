package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lazysync/lazysync/internal/auth"
	"github.com/lazysync/lazysync/internal/config"
	"github.com/lazysync/lazysync/internal/deploy"
	"github.com/lazysync/lazysync/internal/remotefs"
	"github.com/lazysync/lazysync/internal/server"
	"github.com/lazysync/lazysync/internal/worker"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr       string
		withWorker bool
		keepWarm   time.Duration
		noDeploy   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if addr == "" {
				addr = opts.cfg.APIAddr
			}

			// Credential prompts are answered by websocket clients.
			broker := auth.NewBroker(4, 2*time.Minute)
			sess, err := opts.newSession(broker, noDeploy)
			if err != nil {
				return err
			}
			defer closeLogged("session", sess)

			deps := server.Deps{Backend: sess, Broker: broker, Host: opts.profile}
			if withWorker {
				deps.Worker = worker.New(opts.cfg.RedisAddr, &hostEnsurer{cfg: opts.cfg})
			}
			srv, err := server.New(opts.cfg, deps)
			if err != nil {
				return err
			}

			go connectLoop(ctx, sess)
			if keepWarm > 0 {
				go sess.KeepWarm(ctx, keepWarm)
			}

			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			log.Info().Msg("shutting down")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default LAZYSYNC_API_ADDR)")
	cmd.Flags().BoolVar(&withWorker, "worker", false, "run the deployment worker in-process (needs Redis)")
	cmd.Flags().DurationVar(&keepWarm, "keep-warm", 3*time.Second, "re-request the last listed path this often (0 disables)")
	cmd.Flags().BoolVar(&noDeploy, "no-deploy", false, "assume the cache service already runs remotely")
	return cmd
}

// connectLoop keeps trying to bring the session up until it succeeds, a
// non-retryable deploy error occurs, or ctx ends.
func connectLoop(ctx context.Context, sess *remotefs.Session) {
	backoff := time.Second
	for {
		err := sess.Connect(ctx)
		if err == nil {
			log.Info().Msg("remote session connected")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, auth.ErrCancelled) || !deploy.IsRetryable(err) {
			log.Error().Err(err).Msg("remote session connect failed, giving up")
			return
		}
		log.Error().Err(err).Dur("retry_in", backoff).Msg("remote session connect failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued deployment tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			w := worker.New(opts.cfg.RedisAddr, &hostEnsurer{cfg: opts.cfg})
			w.Start()
			<-ctx.Done()
			w.Shutdown()
			return nil
		},
	}
}

// hostEnsurer deploys to a host profile, or to the configured host when the
// task names none.
type hostEnsurer struct {
	cfg *config.Config
}

func (e *hostEnsurer) EnsureService(ctx context.Context, host string) (*deploy.ServiceHandle, error) {
	cfg := *e.cfg
	if host != "" {
		hosts, err := config.LoadHosts(cfg.HostsFile)
		if err != nil {
			return nil, err
		}
		h, _, err := hosts.Resolve(host)
		if err != nil {
			return nil, err
		}
		if err := cfg.ApplyHost(h); err != nil {
			return nil, err
		}
	}
	// Workers have no one to ask; only configured credentials are used.
	d, conn, err := connectDeployer(ctx, &cfg, nil)
	if err != nil {
		return nil, err
	}
	defer closeLogged("ssh", conn)
	return d.EnsureRunning(ctx)
}
