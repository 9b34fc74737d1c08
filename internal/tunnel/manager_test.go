package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/lazysync/lazysync/internal/auth"
	"github.com/lazysync/lazysync/internal/sshx"
	"github.com/lazysync/lazysync/internal/sshx/sshtest"
)

var testEndpoint = sshx.Endpoint{Host: "example", Port: 22, User: "dev"}

func newStrategies(specs ...fakeStrategy) ([]Strategy, *[]string) {
	var mu sync.Mutex
	opened := &[]string{}
	out := make([]Strategy, len(specs))
	for i := range specs {
		s := specs[i]
		s.mu, s.opened = &mu, opened
		out[i] = &s
	}
	return out, opened
}

func TestOpen_FallsThroughInOrder(t *testing.T) {
	strategies, opened := newStrategies(
		fakeStrategy{name: "native", available: false},
		fakeStrategy{name: "subprocess", available: true, err: errors.New("bind check timed out")},
		fakeStrategy{name: "relay", available: true},
	)
	conn := &fakeConnector{}
	m := &Manager{Connector: conn, Strategies: strategies}

	h, err := m.Open(context.Background(), testEndpoint, Spec{LocalPort: freePort(t)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if h.Strategy() != "relay" {
		t.Errorf("Strategy = %q, want relay", h.Strategy())
	}
	if got := *opened; len(got) != 2 || got[0] != "subprocess" || got[1] != "relay" {
		t.Errorf("opened = %v, want [subprocess relay]", got)
	}
	if h.State() != StateForwarding {
		t.Errorf("State = %v, want forwarding", h.State())
	}
}

func TestOpen_AllStrategiesFail(t *testing.T) {
	strategies, _ := newStrategies(
		fakeStrategy{name: "native", available: true, err: sshx.ErrForwardUnsupported},
		fakeStrategy{name: "subprocess", available: true, err: errors.New("not ready")},
		fakeStrategy{name: "relay", available: true, err: errors.New("listen failed")},
	)
	conn := &fakeConnector{}
	m := &Manager{Connector: conn, Strategies: strategies}
	port := freePort(t)

	_, err := m.Open(context.Background(), testEndpoint, Spec{LocalPort: port})
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
	if len(netErr.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(netErr.Attempts))
	}
	if !errors.Is(err, sshx.ErrForwardUnsupported) {
		t.Error("NetworkError should unwrap to each attempt's error")
	}
	if conn.conn.closed.Load() != 1 {
		t.Errorf("ssh conn closed %d times, want 1", conn.conn.closed.Load())
	}
	if _, ok := m.Registry.Get(port); ok {
		t.Error("failed tunnel left in registry")
	}
}

func TestOpen_AuthCancelled(t *testing.T) {
	strategies, opened := newStrategies(fakeStrategy{name: "relay", available: true})
	conn := &fakeConnector{prompt: true}
	m := &Manager{
		Connector:   conn,
		Credentials: Credentials{Prompter: auth.Cancelled},
		Strategies:  strategies,
	}
	port := freePort(t)

	_, err := m.Open(context.Background(), testEndpoint, Spec{LocalPort: port})
	var authErr *AuthError
	if !errors.As(err, &authErr) || !authErr.Cancelled {
		t.Fatalf("err = %v, want AuthError{Cancelled}", err)
	}
	if !errors.Is(err, auth.ErrCancelled) {
		t.Error("AuthError should unwrap to auth.ErrCancelled")
	}
	if len(*opened) != 0 {
		t.Errorf("strategies attempted after cancellation: %v", *opened)
	}
	if conn.calls.Load() != 1 {
		t.Errorf("connect calls = %d, cancellation must not be retried", conn.calls.Load())
	}
	if !PortFree("127.0.0.1", port) {
		t.Error("listening socket left behind after cancellation")
	}
}

func TestOpen_AuthFailureIsNotCancellation(t *testing.T) {
	conn := &fakeConnector{err: errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]")}
	m := &Manager{Connector: conn}
	_, err := m.Open(context.Background(), testEndpoint, Spec{LocalPort: freePort(t)})
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Cancelled {
		t.Fatalf("err = %v, want AuthError{Cancelled:false}", err)
	}
}

func TestOpen_ConnectRefused(t *testing.T) {
	conn := &fakeConnector{err: errors.New("dial tcp 10.0.0.1:22: connect: connection refused")}
	m := &Manager{Connector: conn}
	_, err := m.Open(context.Background(), testEndpoint, Spec{LocalPort: freePort(t)})
	var netErr *NetworkError
	if !errors.As(err, &netErr) || netErr.Op != "connect" {
		t.Fatalf("err = %v, want NetworkError(connect)", err)
	}
}

func TestOpen_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	conn := &fakeConnector{}
	m := &Manager{Connector: conn}
	_, err = m.Open(context.Background(), testEndpoint, Spec{LocalPort: port})
	var inUse *PortInUseError
	if !errors.As(err, &inUse) || inUse.Port != port || inUse.ByTunnel {
		t.Fatalf("err = %v, want PortInUseError(%d)", err, port)
	}
	if conn.calls.Load() != 0 {
		t.Error("connect attempted although the port was taken")
	}
}

func TestOpen_PortHeldByLiveTunnel(t *testing.T) {
	strategies, _ := newStrategies(fakeStrategy{name: "relay", available: true})
	m := &Manager{Connector: &fakeConnector{}, Strategies: strategies}
	port := freePort(t)

	h, err := m.Open(context.Background(), testEndpoint, Spec{LocalPort: port})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_, err = m.Open(context.Background(), testEndpoint, Spec{LocalPort: port})
	var inUse *PortInUseError
	if !errors.As(err, &inUse) || !inUse.ByTunnel {
		t.Fatalf("err = %v, want PortInUseError{ByTunnel}", err)
	}

	_ = h.Close()
	h2, err := m.Open(context.Background(), testEndpoint, Spec{LocalPort: port})
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	_ = h2.Close()
}

func TestHandle_CloseIdempotent(t *testing.T) {
	strategies, _ := newStrategies(fakeStrategy{name: "relay", available: true})
	conn := &fakeConnector{}
	m := &Manager{Connector: conn, Strategies: strategies}
	port := freePort(t)

	h, err := m.Open(context.Background(), testEndpoint, Spec{LocalPort: port})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fwd := strategies[0].(*fakeStrategy).fwd
	for range 3 {
		if err := m.Close(h); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if fwd.closed.Load() != 1 || conn.conn.closed.Load() != 1 {
		t.Errorf("forward closed %d, conn closed %d; want 1 each", fwd.closed.Load(), conn.conn.closed.Load())
	}
	if h.State() != StateClosed {
		t.Errorf("State = %v, want closed", h.State())
	}
	if _, ok := m.Registry.Get(port); ok {
		t.Error("closed tunnel still registered")
	}
}

func TestOpen_ContextCancelledBeforeStrategies(t *testing.T) {
	strategies, opened := newStrategies(fakeStrategy{name: "relay", available: true})
	ctx, cancel := context.WithCancel(context.Background())
	conn := &cancellingConnector{cancel: cancel}
	m := &Manager{Connector: conn, Strategies: strategies}

	_, err := m.Open(ctx, testEndpoint, Spec{LocalPort: freePort(t)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(*opened) != 0 {
		t.Errorf("strategies attempted after cancel: %v", *opened)
	}
}

type cancellingConnector struct{ cancel context.CancelFunc }

func (c *cancellingConnector) Connect(context.Context, sshx.Endpoint, *auth.Negotiator) (sshx.Conn, error) {
	c.cancel()
	return &fakeConn{}, nil
}

func TestManager_CloseAll(t *testing.T) {
	strategies, _ := newStrategies(fakeStrategy{name: "relay", available: true})
	m := &Manager{Connector: &fakeConnector{}, Strategies: strategies}
	var handles []*Handle
	for range 2 {
		h, err := m.Open(context.Background(), testEndpoint, Spec{LocalPort: freePort(t)})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		handles = append(handles, h)
	}
	m.CloseAll()
	for _, h := range handles {
		if h.State() != StateClosed {
			t.Errorf("handle %s state = %v", h.ID, h.State())
		}
	}
	if n := len(m.Registry.All()); n != 0 {
		t.Errorf("registry has %d entries after CloseAll", n)
	}
}

// ---- end to end over a real SSH server -------------------------------------

func echoListener(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return "127.0.0.1", ln.Addr().(*net.TCPAddr).Port
}

func roundTrip(t *testing.T, addr, msg string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	if _, err := c.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(c, buf); err != nil || string(buf) != msg {
		t.Fatalf("round trip = %q, %v", buf, err)
	}
	return c
}

func TestEndToEnd_Native(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "dev", Password: "pw"})
	rh, rp := echoListener(t)
	m := NewManager(Credentials{Password: "pw"})
	m.Strategies = []Strategy{&NativeStrategy{}, &RelayStrategy{}}

	spec := Spec{LocalPort: freePort(t), RemoteHost: rh, RemotePort: rp}
	h, err := m.Open(context.Background(), sshx.Endpoint{Host: srv.Host, Port: srv.Port, User: "dev"}, spec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h.Strategy() != "native" {
		t.Errorf("Strategy = %q, want native", h.Strategy())
	}
	c := roundTrip(t, h.Spec.LocalAddr(), "hello")
	_ = c.Close()
	_ = h.Close()
	waitPortFree(t, spec.LocalPort)
}

func TestEndToEnd_RelayDrainsOnClose(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "dev", Password: "pw"})
	rh, rp := echoListener(t)
	m := &Manager{
		Connector:   &sshx.Dialer{DisableNativeForward: true},
		Credentials: Credentials{Password: "pw"},
		Strategies:  []Strategy{&NativeStrategy{}, &RelayStrategy{}},
	}

	spec := Spec{LocalPort: freePort(t), RemoteHost: rh, RemotePort: rp}
	h, err := m.Open(context.Background(), sshx.Endpoint{Host: srv.Host, Port: srv.Port, User: "dev"}, spec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h.Strategy() != "relay" {
		t.Fatalf("Strategy = %q, want relay (native hidden)", h.Strategy())
	}

	c := roundTrip(t, h.Spec.LocalAddr(), "over the relay")
	defer c.Close()
	if h.Sessions() != 1 {
		t.Errorf("Sessions = %d, want 1", h.Sessions())
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.Sessions() != 0 {
		t.Errorf("Sessions after Close = %d, want 0", h.Sessions())
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("client connection still open after tunnel Close")
	}
	waitPortFree(t, spec.LocalPort)
}

func TestEndToEnd_CancelledPromptLeavesNoListener(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "dev", Password: "pw"})
	m := NewManager(Credentials{Prompter: auth.Cancelled})
	port := freePort(t)

	_, err := m.Open(context.Background(), sshx.Endpoint{Host: srv.Host, Port: srv.Port, User: "dev"}, Spec{LocalPort: port})
	var authErr *AuthError
	if !errors.As(err, &authErr) || !authErr.Cancelled {
		t.Fatalf("err = %v, want AuthError{Cancelled}", err)
	}
	if !PortFree("127.0.0.1", port) {
		t.Error("listener left behind")
	}
}

func TestRelayStrategy_ChannelFailureDropsOnlyThatConnection(t *testing.T) {
	conn := &fakeConn{dialErr: errors.New("administratively prohibited")}
	s := &RelayStrategy{}
	spec := Spec{LocalPort: freePort(t)}.WithDefaults()
	fwd, err := s.Open(context.Background(), conn, spec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fwd.Close()

	for range 2 {
		c, err := net.Dial("tcp", spec.LocalAddr())
		if err != nil {
			t.Fatalf("listener should keep accepting: %v", err)
		}
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Error("expected the failed connection to be closed")
		}
		_ = c.Close()
	}
	if conn.dials.Load() != 2 {
		t.Errorf("dials = %d, want 2", conn.dials.Load())
	}
}

func TestSpec_Defaults(t *testing.T) {
	s := Spec{}.WithDefaults()
	if s.LocalAddr() != "127.0.0.1:9000" || s.RemoteAddr() != "127.0.0.1:9000" {
		t.Errorf("defaults = %s -> %s", s.LocalAddr(), s.RemoteAddr())
	}
	if err := (Spec{LocalPort: 70000, RemotePort: 1}).Validate(); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestAccepting(t *testing.T) {
	port := freePort(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	if Accepting(addr, 50*time.Millisecond) {
		t.Fatal("closed port reported as accepting")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if !Accepting(addr, time.Second) {
		t.Error("listening port not reported as accepting")
	}
}

func waitState(t *testing.T, h *Handle, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v", h.State(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandle_TransportLossFails(t *testing.T) {
	fwd := &fakeForward{}
	strategies, _ := newStrategies(fakeStrategy{name: "relay", available: true, fwd: fwd})
	conn := &fakeConnector{conn: &fakeConn{ep: testEndpoint, done: make(chan struct{})}}
	m := &Manager{Connector: conn, Strategies: strategies}
	port := freePort(t)

	h, err := m.Open(context.Background(), testEndpoint, Spec{LocalPort: port})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	close(conn.conn.done)
	waitState(t, h, StateFailed)

	if fwd.closed.Load() != 1 {
		t.Errorf("forward closed %d times, want 1", fwd.closed.Load())
	}
	if conn.conn.closed.Load() != 1 {
		t.Errorf("ssh conn closed %d times, want 1", conn.conn.closed.Load())
	}
	if _, ok := m.Registry.Get(port); ok {
		t.Error("lost tunnel left in registry")
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close after loss = %v", err)
	}
	if h.State() != StateClosed {
		t.Errorf("state after Close = %v, want closed", h.State())
	}
}

func TestHandle_ForwardExitFails(t *testing.T) {
	fwd := &fakeForward{done: make(chan struct{})}
	strategies, _ := newStrategies(fakeStrategy{name: "subprocess", available: true, fwd: fwd})
	m := &Manager{Connector: &fakeConnector{}, Strategies: strategies}

	h, err := m.Open(context.Background(), testEndpoint, Spec{LocalPort: freePort(t)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	close(fwd.done)
	waitState(t, h, StateFailed)
}

func TestHandle_CloseDoesNotReportLoss(t *testing.T) {
	c := &fakeConn{ep: testEndpoint, done: make(chan struct{})}
	strategies, _ := newStrategies(fakeStrategy{name: "relay", available: true})
	m := &Manager{Connector: &fakeConnector{conn: c}, Strategies: strategies}

	h, err := m.Open(context.Background(), testEndpoint, Spec{LocalPort: freePort(t)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(c.done)
	time.Sleep(50 * time.Millisecond)
	if h.State() != StateClosed {
		t.Errorf("state = %v, want closed", h.State())
	}
}

func TestEndToEnd_NativeCloseWithClientConnected(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "dev", Password: "pw"})
	rh, rp := echoListener(t)
	m := NewManager(Credentials{Password: "pw"})
	m.Strategies = []Strategy{&NativeStrategy{}}

	spec := Spec{LocalPort: freePort(t), RemoteHost: rh, RemotePort: rp}
	h, err := m.Open(context.Background(), sshx.Endpoint{Host: srv.Host, Port: srv.Port, User: "dev"}, spec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c := roundTrip(t, h.Spec.LocalAddr(), "still here")
	defer c.Close()
	if h.Sessions() != 1 {
		t.Errorf("Sessions = %d, want 1", h.Sessions())
	}

	closed := make(chan error, 1)
	go func() { closed <- h.Close() }()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked while a forwarded client was connected")
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("client connection still open after Close")
	}
	waitPortFree(t, spec.LocalPort)
}

func TestEndToEnd_NativeTransportLoss(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "dev", Password: "pw"})
	rh, rp := echoListener(t)
	m := NewManager(Credentials{Password: "pw"})
	m.Strategies = []Strategy{&NativeStrategy{}}

	spec := Spec{LocalPort: freePort(t), RemoteHost: rh, RemotePort: rp}
	h, err := m.Open(context.Background(), sshx.Endpoint{Host: srv.Host, Port: srv.Port, User: "dev"}, spec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = h.Conn().Close()

	waitState(t, h, StateFailed)
	waitPortFree(t, spec.LocalPort)
	if _, ok := m.Registry.Get(spec.LocalPort); ok {
		t.Error("lost tunnel left in registry")
	}
	_ = h.Close()
}
