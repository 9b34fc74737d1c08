// Package tunnel establishes a local TCP port that forwards to a host:port
// reachable from an SSH server.
//
// Three strategies are tried in order and the first success wins: the
// transport's native forward, an external `ssh -N -L` process, and a
// manual relay over direct-tcpip channels. Each strategy declares whether
// it can run on a connection before it is tried.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/lazysync/lazysync/internal/sshx"
)

const (
	DefaultLocalHost  = "127.0.0.1"
	DefaultRemoteHost = "127.0.0.1"
	DefaultPort       = 9000
)

// Spec is one forwarding request.
type Spec struct {
	LocalHost  string
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// WithDefaults fills unset fields with 127.0.0.1:9000 on both ends.
func (s Spec) WithDefaults() Spec {
	if s.LocalHost == "" {
		s.LocalHost = DefaultLocalHost
	}
	if s.LocalPort == 0 {
		s.LocalPort = DefaultPort
	}
	if s.RemoteHost == "" {
		s.RemoteHost = DefaultRemoteHost
	}
	if s.RemotePort == 0 {
		s.RemotePort = DefaultPort
	}
	return s
}

// Validate rejects out-of-range ports.
func (s Spec) Validate() error {
	if s.LocalPort <= 0 || s.LocalPort > 65535 {
		return fmt.Errorf("tunnel: local port %d out of range", s.LocalPort)
	}
	if s.RemotePort <= 0 || s.RemotePort > 65535 {
		return fmt.Errorf("tunnel: remote port %d out of range", s.RemotePort)
	}
	return nil
}

func (s Spec) LocalAddr() string {
	return net.JoinHostPort(s.LocalHost, strconv.Itoa(s.LocalPort))
}

func (s Spec) RemoteAddr() string {
	return net.JoinHostPort(s.RemoteHost, strconv.Itoa(s.RemotePort))
}

// Forward is an established forward owned by a Handle.
type Forward interface {
	Close() error
}

// Strategy is one way of establishing a forward.
type Strategy interface {
	Name() string
	// Available reports whether the strategy can run on conn at all.
	Available(conn sshx.Conn) bool
	Open(ctx context.Context, conn sshx.Conn, spec Spec) (Forward, error)
}

// ---- errors ----------------------------------------------------------------

// ErrUnavailable marks a strategy skipped by its capability check.
var ErrUnavailable = errors.New("strategy unavailable")

// AuthError is returned when authentication failed or was cancelled.
// Cancelled errors must not be retried automatically.
type AuthError struct {
	Cancelled bool
	Err       error
}

func (e *AuthError) Error() string {
	if e.Cancelled {
		return "tunnel: authentication cancelled"
	}
	return fmt.Sprintf("tunnel: authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Attempt records one strategy failure.
type Attempt struct {
	Strategy string
	Err      error
}

// NetworkError is returned when the SSH connection could not be made or
// every strategy failed.
type NetworkError struct {
	Op       string
	Err      error
	Attempts []Attempt
}

func (e *NetworkError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("tunnel: %s: %v", e.Op, e.Err)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Strategy + ": " + a.Err.Error()
	}
	return fmt.Sprintf("tunnel: %s: all strategies failed (%s)", e.Op, strings.Join(parts, "; "))
}

func (e *NetworkError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// PortInUseError is returned when the local port is already bound.
type PortInUseError struct {
	Host string
	Port int
	// ByTunnel is set when a live tunnel in the registry owns the port.
	ByTunnel bool
}

func (e *PortInUseError) Error() string {
	if e.ByTunnel {
		return fmt.Sprintf("tunnel: local port %d already forwarded by another tunnel", e.Port)
	}
	return fmt.Sprintf("tunnel: local port %s already in use", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}
