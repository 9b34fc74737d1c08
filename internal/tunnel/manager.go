package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lazysync/lazysync/internal/auth"
	"github.com/lazysync/lazysync/internal/metrics"
	"github.com/lazysync/lazysync/internal/sshx"
)

// Connector opens authenticated SSH connections. *sshx.Dialer implements it.
type Connector interface {
	Connect(ctx context.Context, ep sshx.Endpoint, n *auth.Negotiator) (sshx.Conn, error)
}

// Credentials configures the negotiator built for each Open.
type Credentials struct {
	Prompter auth.Prompter
	KeyPath  string
	KeyPEM   []byte
	Password string
}

// Manager opens and tracks tunnels.
type Manager struct {
	Connector   Connector
	Credentials Credentials
	// Strategies in priority order. Nil uses DefaultStrategies with the
	// credentials' prompter wired into the subprocess strategy.
	Strategies []Strategy
	Registry   *Registry
}

// NewManager returns a Manager using sshx.Dialer and the default
// strategies.
func NewManager(creds Credentials) *Manager {
	return &Manager{
		Connector:   &sshx.Dialer{},
		Credentials: creds,
		Registry:    NewRegistry(),
	}
}

// DefaultStrategies returns native, subprocess, relay. The subprocess
// strategy answers its prompts with creds.
func DefaultStrategies(creds Credentials) []Strategy {
	return []Strategy{
		&NativeStrategy{},
		&SubprocessStrategy{Prompter: creds.prompter(), KeyPath: creds.KeyPath},
		&RelayStrategy{},
	}
}

// prompter answers password prompts from Password before asking Prompter.
func (c Credentials) prompter() auth.Prompter {
	if c.Password == "" {
		return c.Prompter
	}
	return auth.PrompterFunc(func(ctx context.Context, p auth.Prompt) (string, error) {
		if p.Kind == auth.KindPassword {
			return c.Password, nil
		}
		if c.Prompter == nil {
			return "", auth.ErrCancelled
		}
		return c.Prompter.Prompt(ctx, p)
	})
}

func (m *Manager) strategies() []Strategy {
	if len(m.Strategies) > 0 {
		return m.Strategies
	}
	return DefaultStrategies(m.Credentials)
}

func (m *Manager) registry() *Registry {
	if m.Registry == nil {
		m.Registry = NewRegistry()
	}
	return m.Registry
}

// Open connects to ep and forwards spec.LocalAddr() to spec.RemoteAddr()
// as seen from the SSH server. It fails with *PortInUseError, *AuthError
// or *NetworkError. A cancelled credential prompt returns immediately
// without trying any strategy and leaves no listener behind.
func (m *Manager) Open(ctx context.Context, ep sshx.Endpoint, spec Spec) (*Handle, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	h := &Handle{
		ID:       uuid.New(),
		Spec:     spec,
		Endpoint: ep,
		state:    StateIdle,
		registry: m.registry(),
		stop:     make(chan struct{}),
	}
	if !h.registry.Reserve(spec.LocalPort, h) {
		return nil, &PortInUseError{Host: spec.LocalHost, Port: spec.LocalPort, ByTunnel: true}
	}
	h.setState(StateConnecting)
	if !PortFree(spec.LocalHost, spec.LocalPort) {
		h.fail()
		return nil, &PortInUseError{Host: spec.LocalHost, Port: spec.LocalPort}
	}

	logger := log.With().Str("component", "tunnel").Str("tunnel", h.ID.String()).
		Str("endpoint", ep.String()).Str("local", spec.LocalAddr()).Str("remote", spec.RemoteAddr()).Logger()

	n := &auth.Negotiator{
		Prompter: m.Credentials.Prompter,
		Host:     ep.Host,
		User:     ep.User,
		KeyPath:  m.Credentials.KeyPath,
		KeyPEM:   m.Credentials.KeyPEM,
		Password: m.Credentials.Password,
	}
	conn, err := m.Connector.Connect(ctx, ep, n)
	if err != nil {
		h.fail()
		err = classifyConnectError(ctx, n, err)
		logger.Warn().Err(err).Msg("ssh connect failed")
		return nil, err
	}

	var attempts []Attempt
	for _, s := range m.strategies() {
		if ctx.Err() != nil {
			_ = conn.Close()
			h.fail()
			return nil, ctx.Err()
		}
		if !s.Available(conn) {
			logger.Debug().Str("strategy", s.Name()).Msg("strategy unavailable")
			attempts = append(attempts, Attempt{Strategy: s.Name(), Err: ErrUnavailable})
			continue
		}
		fwd, err := s.Open(ctx, conn, spec)
		metrics.RecordTunnelOpen(s.Name(), err == nil)
		if err == nil {
			h.mu.Lock()
			h.conn, h.fwd, h.strategy, h.Opened = conn, fwd, s.Name(), time.Now()
			h.mu.Unlock()
			h.setState(StateForwarding)
			go h.watch(conn, fwd)
			logger.Info().Str("strategy", s.Name()).Int("prompts", n.Prompts()).Msg("tunnel forwarding")
			return h, nil
		}
		logger.Warn().Err(err).Str("strategy", s.Name()).Msg("strategy failed")

		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Cancelled {
			_ = conn.Close()
			h.fail()
			return nil, authErr
		}
		attempts = append(attempts, Attempt{Strategy: s.Name(), Err: err})
	}

	_ = conn.Close()
	h.fail()
	return nil, &NetworkError{Op: "forward " + spec.LocalAddr(), Attempts: attempts}
}

func classifyConnectError(ctx context.Context, n *auth.Negotiator, err error) error {
	switch {
	case n.Cancelled() || errors.Is(err, auth.ErrCancelled):
		return &AuthError{Cancelled: true, Err: auth.ErrCancelled}
	case ctx.Err() != nil:
		return ctx.Err()
	case strings.Contains(err.Error(), "unable to authenticate"):
		return &AuthError{Err: err}
	default:
		return &NetworkError{Op: "connect", Err: err}
	}
}

// Close closes h. It is equivalent to h.Close.
func (m *Manager) Close(h *Handle) error {
	if h == nil {
		return nil
	}
	return h.Close()
}

// CloseAll closes every registered tunnel.
func (m *Manager) CloseAll() {
	for _, h := range m.registry().All() {
		_ = h.Close()
	}
}

// Handle is an open tunnel. It owns the SSH connection and the forward.
type Handle struct {
	ID       uuid.UUID
	Spec     Spec
	Endpoint sshx.Endpoint
	Opened   time.Time

	mu       sync.Mutex
	state    State
	strategy string
	conn     sshx.Conn
	fwd      Forward
	registry *Registry
	stop     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Strategy names the strategy that established the forward.
func (h *Handle) Strategy() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.strategy
}

// Conn returns the SSH connection backing the tunnel.
func (h *Handle) Conn() sshx.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

// Sessions returns the live relay sessions, zero for strategies that do
// not relay in-process.
func (h *Handle) Sessions() int {
	h.mu.Lock()
	fwd := h.fwd
	h.mu.Unlock()
	if s, ok := fwd.(interface{ Sessions() int }); ok {
		return s.Sessions()
	}
	return 0
}

func (h *Handle) live() bool {
	switch h.State() {
	case StateConnecting, StateForwarding:
		return true
	}
	return false
}

func (h *Handle) setState(to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !CanTransition(h.state, to) {
		return false
	}
	h.state = to
	return true
}

func (h *Handle) fail() {
	h.setState(StateFailed)
	h.registry.Release(h.Spec.LocalPort, h)
}

// watch moves a forwarding tunnel to StateFailed when the SSH transport or
// the forward ends without Close being called.
func (h *Handle) watch(conn sshx.Conn, fwd Forward) {
	var connDone, fwdDone <-chan struct{}
	if w, ok := conn.(sshx.Watcher); ok {
		connDone = w.Done()
	}
	if w, ok := fwd.(sshx.Watcher); ok {
		fwdDone = w.Done()
	}
	if connDone == nil && fwdDone == nil {
		return
	}

	var reason string
	select {
	case <-h.stop:
		return
	case <-connDone:
		reason = "ssh transport closed"
	case <-fwdDone:
		reason = "forward exited"
	}
	h.lost(reason)
}

// lost tears down a tunnel whose transport went away. Close may still be
// called afterwards.
func (h *Handle) lost(reason string) {
	h.mu.Lock()
	if h.state != StateForwarding {
		h.mu.Unlock()
		return
	}
	h.state = StateFailed
	fwd, conn := h.fwd, h.conn
	h.mu.Unlock()

	log.Warn().Str("component", "tunnel").Str("tunnel", h.ID.String()).Str("reason", reason).Msg("tunnel lost")
	if fwd != nil {
		_ = fwd.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	h.registry.Release(h.Spec.LocalPort, h)
}

// Close stops forwarding, drains relay sessions, stops any subprocess and
// closes the SSH connection. It is idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		prev := h.state
		h.mu.Unlock()
		if !h.setState(StateClosing) {
			return
		}
		if h.stop != nil {
			close(h.stop)
		}
		h.mu.Lock()
		fwd, conn := h.fwd, h.conn
		h.mu.Unlock()

		var errs []error
		if fwd != nil {
			if err := fwd.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close forward: %w", err))
			}
		}
		if conn != nil {
			if err := conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close ssh: %w", err))
			}
		}
		h.setState(StateClosed)
		h.registry.Release(h.Spec.LocalPort, h)
		if prev != StateFailed {
			// A lost tunnel was already torn down; its close errors are noise.
			h.closeErr = errors.Join(errs...)
		}
		log.Info().Str("component", "tunnel").Str("tunnel", h.ID.String()).Msg("tunnel closed")
	})
	return h.closeErr
}
