package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lazysync/lazysync/internal/auth"
	"github.com/lazysync/lazysync/internal/cacheclient"
	"github.com/lazysync/lazysync/internal/config"
	"github.com/lazysync/lazysync/internal/logging"
	"github.com/lazysync/lazysync/internal/remotefs"
	"github.com/lazysync/lazysync/internal/sshx"
	"github.com/lazysync/lazysync/internal/tunnel"
)

type rootOptions struct {
	profile   string
	host      string
	port      int
	user      string
	key       string
	localPort int
	logLevel  string
	logFormat string

	cfg *config.Config
}

func (r *rootOptions) bindFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&r.profile, "profile", "", "host profile from the hosts file (default: its current entry)")
	f.StringVar(&r.host, "host", "", "SSH host (overrides LAZYSYNC_SSH_HOST)")
	f.IntVar(&r.port, "port", 0, "SSH port (default 22)")
	f.StringVar(&r.user, "user", "", "SSH user")
	f.StringVar(&r.key, "key", "", "path to a private key")
	f.IntVar(&r.localPort, "local-port", 0, "local end of the tunnel (default 9000)")
	f.StringVar(&r.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&r.logFormat, "log-format", "", "json or pretty")
}

// prepare loads env config, overlays the host profile and then explicit
// flags, and configures logging.
func (r *rootOptions) prepare(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	hosts, err := config.LoadHosts(cfg.HostsFile)
	if err != nil {
		return err
	}
	if hosts != nil {
		h, name, err := hosts.Resolve(r.profile)
		switch {
		case err == nil:
			if err := cfg.ApplyHost(h); err != nil {
				return fmt.Errorf("profile %s: %w", name, err)
			}
			r.profile = name
		case r.profile != "" || !errors.Is(err, config.ErrHostNotFound):
			return err
		}
	} else if r.profile != "" {
		return fmt.Errorf("%w: %s (no hosts file at %s)", config.ErrHostNotFound, r.profile, cfg.HostsFile)
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.SSHHost = r.host
	}
	if flags.Changed("port") {
		cfg.SSHPort = r.port
	}
	if flags.Changed("user") {
		cfg.SSHUser = r.user
	}
	if flags.Changed("key") {
		cfg.SSHKeyPath = r.key
	}
	if flags.Changed("local-port") {
		cfg.LocalPort = r.localPort
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = r.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = r.logFormat
	}
	if cfg.SSHKeyPath != "" {
		if cfg.SSHKeyPath, err = config.ExpandPath(cfg.SSHKeyPath); err != nil {
			return err
		}
	}

	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	r.cfg = cfg
	return nil
}

func (r *rootOptions) endpoint() sshx.Endpoint {
	return sshx.Endpoint{Host: r.cfg.SSHHost, Port: r.cfg.SSHPort, User: r.cfg.SSHUser}
}

func (r *rootOptions) spec() tunnel.Spec {
	return tunnel.Spec{
		LocalHost:  r.cfg.LocalHost,
		LocalPort:  r.cfg.LocalPort,
		RemoteHost: r.cfg.RemoteHost,
		RemotePort: r.cfg.RemotePort,
	}
}

func (r *rootOptions) credentials(p auth.Prompter) tunnel.Credentials {
	return tunnel.Credentials{
		Prompter: p,
		KeyPath:  r.cfg.SSHKeyPath,
		Password: r.cfg.SSHPassword,
	}
}

// terminalPrompter asks on the controlling terminal, or nowhere when
// stdin is not a TTY.
func terminalPrompter() auth.Prompter {
	t := auth.NewTerminal()
	if t.IsInteractive() {
		return t
	}
	return nil
}

func (r *rootOptions) newSession(p auth.Prompter, skipDeploy bool) (*remotefs.Session, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	binary, err := config.ExpandPath(r.cfg.ServerBinary)
	if err != nil {
		return nil, err
	}
	m := tunnel.NewManager(r.credentials(p))
	return remotefs.New(m, remotefs.Options{
		Endpoint:   r.endpoint(),
		Tunnel:     r.spec(),
		BinaryPath: binary,
		RemoteDir:  r.cfg.RemoteDir,
		SkipDeploy: skipDeploy,
		Client: cacheclient.Options{
			Timeout:       r.cfg.RequestTimeout,
			LocalCacheTTL: r.cfg.CacheTTL,
		},
	}), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func closeLogged(what string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Msgf("close %s", what)
	}
}
