package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/lazysync/lazysync/internal/auth"
	"github.com/lazysync/lazysync/internal/relay"
)

const sshDialTimeout = 10 * time.Second

// Dialer establishes SSH connections.
type Dialer struct {
	// Timeout bounds the TCP connect + handshake (default 10s).
	Timeout time.Duration
	// HostKeyCallback verifies the server key. Nil accepts any key, as the
	// service is only reached through tunnels the operator opens.
	HostKeyCallback cryptossh.HostKeyCallback
	// DisableNativeForward hides the Forwarder capability on returned
	// clients.
	DisableNativeForward bool
}

// Connect dials ep and authenticates with the methods produced by n.
// The dial respects ctx cancellation.
func (d *Dialer) Connect(ctx context.Context, ep Endpoint, n *auth.Negotiator) (Conn, error) {
	if n == nil {
		n = &auth.Negotiator{}
	}
	if n.Host == "" {
		n.Host = ep.Host
	}
	if n.User == "" {
		n.User = ep.User
	}
	methods, err := n.AuthMethods(ctx)
	if err != nil {
		return nil, fmt.Errorf("ssh: auth config: %w", err)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = sshDialTimeout
	}
	hostKey := d.HostKeyCallback
	if hostKey == nil {
		hostKey = cryptossh.InsecureIgnoreHostKey() //nolint:gosec // reached only through operator-opened tunnels
	}
	clientCfg := &cryptossh.ClientConfig{
		User:            ep.User,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	addr := ep.Addr()
	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		var dialer net.Dialer
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		conn, err := dialer.DialContext(dctx, "tcp", addr)
		if err != nil {
			ch <- dialResult{nil, err}
			return
		}
		_ = conn.SetDeadline(time.Now().Add(timeout))
		c, chans, reqs, err := cryptossh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			_ = conn.Close()
			ch <- dialResult{nil, err}
			return
		}
		_ = conn.SetDeadline(time.Time{})
		ch <- dialResult{cryptossh.NewClient(c, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		if n.Cancelled() {
			return nil, fmt.Errorf("ssh: dial %s: %w", addr, auth.ErrCancelled)
		}
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			if n.Cancelled() {
				return nil, fmt.Errorf("ssh: dial %s: %w", addr, auth.ErrCancelled)
			}
			return nil, fmt.Errorf("ssh: dial %s: %w", addr, r.err)
		}
		log.Debug().Str("component", "ssh").Str("endpoint", ep.String()).Msg("connected")
		c := NewClient(r.client, ep)
		if d.DisableNativeForward {
			return plainConn{Conn: c}, nil
		}
		return c, nil
	}
}

// Client is a Conn backed by golang.org/x/crypto/ssh. It also implements
// Forwarder.
type Client struct {
	client *cryptossh.Client
	ep     Endpoint
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewClient wraps an already established ssh client.
func NewClient(c *cryptossh.Client, ep Endpoint) *Client {
	cl := &Client{client: c, ep: ep, done: make(chan struct{})}
	go func() {
		err := c.Wait()
		log.Debug().Str("component", "ssh").Str("endpoint", ep.String()).AnErr("reason", err).Msg("transport closed")
		close(cl.done)
	}()
	return cl
}

// Done is closed when the SSH transport ends, whether by Close or by
// connection loss.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Endpoint() Endpoint { return c.ep }

func (c *Client) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.client.Close() })
	return c.closeErr
}

// Exec runs cmd in a new session. Cancelling ctx closes the session.
func (c *Client) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(cryptossh.SIGKILL)
		_ = session.Close()
		return ExecResult{}, ctx.Err()
	case err = <-done:
	}

	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *cryptossh.ExitError
	var missing *cryptossh.ExitMissingError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	case errors.As(err, &missing):
		res.ExitCode = -1
	default:
		return res, fmt.Errorf("ssh exec %q: %w", cmd, err)
	}
	return res, nil
}

// Dial opens a direct-tcpip channel.
func (c *Client) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := c.client.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("ssh: open channel to %s: %w", addr, err)
	}
	return conn, nil
}

// Upload writes localPath to remotePath over the SFTP subsystem. A partial
// remote file is removed on failure.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("sftp: open local %q: %w", localPath, err)
	}
	defer src.Close()

	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("sftp: open subsystem: %w", err)
	}
	defer sc.Close()

	stop := context.AfterFunc(ctx, func() { _ = sc.Close() })
	defer stop()

	dst, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("sftp: create %q: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = sc.Remove(remotePath)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("sftp: write %q: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		_ = sc.Remove(remotePath)
		return fmt.Errorf("sftp: close %q: %w", remotePath, err)
	}
	if mode != 0 {
		if err := sc.Chmod(remotePath, mode); err != nil {
			return fmt.Errorf("sftp: chmod %q: %w", remotePath, err)
		}
	}
	return nil
}

// OpenForward binds localHost:localPort and forwards every accepted
// connection through a direct-tcpip channel to remoteHost:remotePort.
// Closing the listener stops accepting, closes the live sessions and waits
// for them to finish.
func (c *Client) OpenForward(ctx context.Context, localHost string, localPort int, remoteHost string, remotePort int) (net.Listener, error) {
	laddr := net.JoinHostPort(localHost, strconv.Itoa(localPort))
	raddr := net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", laddr)
	if err != nil {
		return nil, fmt.Errorf("ssh: listen %s: %w", laddr, err)
	}
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	fl := &forwardListener{
		Listener: ln,
		sessions: relay.NewTracker(relay.Options{}),
		ctx:      fctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go fl.serve(c, raddr)
	return fl, nil
}

// forwardListener is returned by OpenForward. Its accept loop is internal;
// Accept on the returned value is not meant to be called by users.
type forwardListener struct {
	net.Listener
	sessions *relay.Tracker

	ctx       context.Context
	cancel    context.CancelFunc
	dials     sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func (l *forwardListener) serve(c *Client, raddr string) {
	defer close(l.done)
	for {
		lc, err := l.Listener.Accept()
		if err != nil {
			return // listener closed
		}
		l.dials.Add(1)
		go func() {
			defer l.dials.Done()
			rc, err := c.Dial(l.ctx, "tcp", raddr)
			if err != nil {
				log.Warn().Str("component", "ssh").Err(err).Str("remote", raddr).Msg("forward: open channel failed")
				_ = lc.Close()
				return
			}
			l.sessions.Start(l.ctx, lc, rc)
		}()
	}
}

// Sessions returns the number of live forwarded connections.
func (l *forwardListener) Sessions() int { return l.sessions.Len() }

func (l *forwardListener) Accept() (net.Conn, error) {
	<-l.done
	return nil, net.ErrClosed
}

func (l *forwardListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.Listener.Close()
		<-l.done
		l.cancel()
		l.sessions.CloseAll()
		l.dials.Wait()
		l.sessions.Wait()
	})
	return err
}

// plainConn hides the Forwarder capability of a Client.
type plainConn struct{ Conn }

// Done forwards to the wrapped connection when it is a Watcher. A nil
// channel never fires.
func (p plainConn) Done() <-chan struct{} {
	if w, ok := p.Conn.(Watcher); ok {
		return w.Done()
	}
	return nil
}

var (
	_ Conn      = (*Client)(nil)
	_ Forwarder = (*Client)(nil)
	_ Conn      = plainConn{}
	_ Watcher   = (*Client)(nil)
	_ Watcher   = plainConn{}
)
