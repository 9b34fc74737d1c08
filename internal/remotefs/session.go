// Package remotefs wires the tunnel, the remote service deployer and the
// cache client into one session that answers directory listings of a
// remote host.
package remotefs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lazysync/lazysync/internal/cacheclient"
	"github.com/lazysync/lazysync/internal/cacheproto"
	"github.com/lazysync/lazysync/internal/deploy"
	"github.com/lazysync/lazysync/internal/sshx"
	"github.com/lazysync/lazysync/internal/tunnel"
)

const (
	defaultDialAttempts = 5
	defaultDialBackoff  = 500 * time.Millisecond
)

// ErrNotConnected is returned by listing calls before Connect.
var ErrNotConnected = errors.New("remotefs: session not connected")

// Tunnel is an open forward. *tunnel.Handle implements it.
type Tunnel interface {
	Conn() sshx.Conn
	Strategy() string
	State() tunnel.State
	Close() error
}

// Ensurer starts the remote cache service. *deploy.Deployer implements it.
type Ensurer interface {
	EnsureRunning(ctx context.Context) (*deploy.ServiceHandle, error)
}

// Options configures a Session.
type Options struct {
	Endpoint sshx.Endpoint
	Tunnel   tunnel.Spec
	// BinaryPath is the local cache service executable to deploy.
	BinaryPath string
	RemoteDir  string
	// SkipDeploy assumes the service is already running remotely.
	SkipDeploy bool
	Client     cacheclient.Options

	DialAttempts int
	DialBackoff  time.Duration
}

// Session is safe for concurrent use.
type Session struct {
	opts Options

	openTunnel  func(ctx context.Context, ep sshx.Endpoint, spec tunnel.Spec) (Tunnel, error)
	newEnsurer  func(conn sshx.Conn) Ensurer
	dialService func(ctx context.Context, addr string, opts cacheclient.Options) (*cacheclient.Client, error)

	mu      sync.Mutex
	tun     Tunnel
	service *deploy.ServiceHandle
	client  *cacheclient.Client
	recent  string
}

// New returns a Session that opens tunnels with m.
func New(m *tunnel.Manager, opts Options) *Session {
	s := &Session{opts: opts}
	s.openTunnel = func(ctx context.Context, ep sshx.Endpoint, spec tunnel.Spec) (Tunnel, error) {
		h, err := m.Open(ctx, ep, spec)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	s.newEnsurer = func(conn sshx.Conn) Ensurer {
		d := deploy.New(conn, opts.BinaryPath)
		d.RemoteDir = opts.RemoteDir
		d.Port = opts.Tunnel.WithDefaults().RemotePort
		return d
	}
	s.dialService = cacheclient.Dial
	return s
}

// EnsureTunnel opens the forward unless one is already live.
func (s *Session) EnsureTunnel(ctx context.Context) (Tunnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureTunnelLocked(ctx)
}

func (s *Session) ensureTunnelLocked(ctx context.Context) (Tunnel, error) {
	if s.tun != nil && s.tun.State() == tunnel.StateForwarding {
		return s.tun, nil
	}
	if s.tun != nil {
		_ = s.tun.Close()
		s.tun = nil
	}
	t, err := s.openTunnel(ctx, s.opts.Endpoint, s.opts.Tunnel)
	if err != nil {
		return nil, err
	}
	s.tun = t
	log.Info().Str("component", "remotefs").Str("endpoint", s.opts.Endpoint.String()).
		Str("strategy", t.Strategy()).Msg("tunnel ready")
	return t, nil
}

// EnsureRemoteService starts the cache service on the remote host over the
// tunnel's SSH connection.
func (s *Session) EnsureRemoteService(ctx context.Context) (*deploy.ServiceHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureServiceLocked(ctx)
}

func (s *Session) ensureServiceLocked(ctx context.Context) (*deploy.ServiceHandle, error) {
	t, err := s.ensureTunnelLocked(ctx)
	if err != nil {
		return nil, err
	}
	h, err := s.newEnsurer(t.Conn()).EnsureRunning(ctx)
	if err != nil {
		return nil, err
	}
	s.service = h
	return h, nil
}

// Connect runs the whole setup: tunnel, remote service, then the cache
// client, retrying the client dial while the service comes up.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ensureTunnelLocked(ctx); err != nil {
		return err
	}
	if !s.opts.SkipDeploy {
		if _, err := s.ensureServiceLocked(ctx); err != nil {
			return err
		}
	}
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	c, err := s.dialWithRetry(ctx)
	if err != nil {
		return err
	}
	s.client = c
	return nil
}

func (s *Session) localAddr() string {
	return s.opts.Tunnel.WithDefaults().LocalAddr()
}

func (s *Session) dialWithRetry(ctx context.Context) (*cacheclient.Client, error) {
	attempts := s.opts.DialAttempts
	if attempts <= 0 {
		attempts = defaultDialAttempts
	}
	backoff := s.opts.DialBackoff
	if backoff <= 0 {
		backoff = defaultDialBackoff
	}
	addr := s.localAddr()

	var lastErr error
	for i := 1; i <= attempts; i++ {
		c, err := s.dialService(ctx, addr, s.opts.Client)
		if err == nil {
			return c, nil
		}
		lastErr = err
		log.Debug().Str("component", "remotefs").Int("attempt", i).Err(err).Msg("cache service dial failed")
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("remotefs: connect to cache service after %d attempts: %w", attempts, lastErr)
}

func (s *Session) currentClient() (*cacheclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// Connected reports whether listings can be served.
func (s *Session) Connected() bool {
	c, err := s.currentClient()
	return err == nil && c.Connected()
}

// GetDirectoryListing returns the entries of path and whether they came from
// a cache. preferCache=false bypasses the client-side memo; the service may
// still answer from its own cache. A lost connection is reconnected once and
// the request reissued.
func (s *Session) GetDirectoryListing(ctx context.Context, path string, preferCache bool) ([]cacheproto.DirEntry, bool, error) {
	c, err := s.currentClient()
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	s.recent = path
	s.mu.Unlock()
	gen := c.Generation()
	l, err := fetch(ctx, c, path, preferCache)
	if errors.Is(err, cacheclient.ErrConnectionLost) {
		log.Warn().Str("component", "remotefs").Str("path", path).Msg("connection lost, reconnecting")
		if rerr := s.reconnect(ctx, c, gen); rerr != nil {
			return nil, false, errors.Join(err, rerr)
		}
		l, err = fetch(ctx, c, path, preferCache)
	}
	if err != nil {
		return nil, false, err
	}
	return l.Entries, l.FromCache, nil
}

func fetch(ctx context.Context, c *cacheclient.Client, path string, preferCache bool) (cacheclient.Listing, error) {
	if preferCache {
		return c.Get(ctx, path)
	}
	return c.Refresh(ctx, path)
}

// reconnect re-establishes the tunnel if it died, then the client
// connection of generation gen. Callers that lost the same connection
// share one redial.
func (s *Session) reconnect(ctx context.Context, c *cacheclient.Client, gen uint64) error {
	s.mu.Lock()
	if _, err := s.ensureTunnelLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return c.ReconnectAfter(ctx, gen)
}

// Prefetch asks the service to warm path without waiting for the result.
func (s *Session) Prefetch(path string) error {
	c, err := s.currentClient()
	if err != nil {
		return err
	}
	_, err = c.Prefetch(path)
	return err
}

// KeepWarm prefetches the most recently listed path every interval until
// ctx is done, so the service cache stays fresh for the directory the user
// is looking at.
func (s *Session) KeepWarm(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.mu.Lock()
			p := s.recent
			s.mu.Unlock()
			if p == "" {
				continue
			}
			if err := s.Prefetch(p); err != nil {
				log.Debug().Str("component", "remotefs").Str("path", p).Err(err).Msg("keep-warm prefetch failed")
			}
		}
	}
}

// Stats returns the cache client counters.
func (s *Session) Stats() cacheclient.Stats {
	c, err := s.currentClient()
	if err != nil {
		return cacheclient.Stats{}
	}
	return c.Stats()
}

// Service returns the last ensured remote service, nil before
// EnsureRemoteService.
func (s *Session) Service() *deploy.ServiceHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.service
}

// Close tears down the client and the tunnel. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	c, t := s.client, s.tun
	s.client, s.tun = nil, nil
	s.mu.Unlock()

	var errs []error
	if c != nil {
		errs = append(errs, c.Close())
	}
	if t != nil {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
