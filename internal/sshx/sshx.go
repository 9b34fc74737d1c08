// Package sshx is the SSH transport consumed by the tunnel and deploy
// packages: command execution, direct-tcpip channels, SFTP upload and an
// optional native local-forward capability.
//
// Credentials are never stored; they are obtained through an
// auth.Negotiator during Connect and dropped afterwards.
package sshx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ErrForwardUnsupported is returned by transports without native
// local-forward support.
var ErrForwardUnsupported = errors.New("sshx: native local forwarding unsupported")

// Endpoint identifies an SSH server and login.
type Endpoint struct {
	Host string
	Port int
	User string
}

// Addr returns host:port, defaulting the port to 22.
func (e Endpoint) Addr() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

func (e Endpoint) String() string {
	if e.User == "" {
		return e.Addr()
	}
	return e.User + "@" + e.Addr()
}

// ExecResult is the outcome of a remote command. A non-zero ExitCode is not
// an error; errors are reserved for transport failures.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit status.
func (r ExecResult) OK() bool { return r.ExitCode == 0 }

// Conn is an authenticated SSH connection.
type Conn interface {
	// Exec runs a command through the remote shell.
	Exec(ctx context.Context, cmd string) (ExecResult, error)
	// Dial opens a direct-tcpip channel to addr as seen from the remote host.
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
	// Upload copies a local file to remotePath over SFTP and applies mode.
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error
	// Endpoint reports where the connection points.
	Endpoint() Endpoint
	Close() error
}

// Forwarder is the optional native local-forward capability. Callers check
// for it with a type assertion.
type Forwarder interface {
	OpenForward(ctx context.Context, localHost string, localPort int, remoteHost string, remotePort int) (net.Listener, error)
}

// Watcher is implemented by connections that can report transport loss.
type Watcher interface {
	// Done is closed once the underlying transport has gone away.
	Done() <-chan struct{}
}

// Quote escapes s for a POSIX shell using single quotes.
func Quote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("/._-+=:@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// CommandError is returned by Run when a command exits non-zero.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Cmd, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", e.Cmd, e.ExitCode, msg)
}

// Run executes cmd and returns trimmed stdout, turning non-zero exits into
// *CommandError.
func Run(ctx context.Context, c Conn, cmd string) (string, error) {
	res, err := c.Exec(ctx, cmd)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", &CommandError{Cmd: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return strings.TrimSpace(res.Stdout), nil
}
