// Package sshtest runs an in-process SSH server for tests. It supports
// password and keyboard-interactive auth, exec requests answered by a
// handler, direct-tcpip channels and the sftp subsystem.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ExecFunc answers an exec request.
type ExecFunc func(cmd string) (stdout, stderr string, code int)

// Question is one keyboard-interactive challenge.
type Question struct {
	Text   string
	Echo   bool
	Answer string
}

// Options configures Start.
type Options struct {
	User     string
	Password string
	// Questions enables keyboard-interactive auth instead of password auth.
	Questions []Question
	Exec      ExecFunc
	// DenyForward rejects direct-tcpip channels.
	DenyForward bool
}

// Server is a running test server.
type Server struct {
	Addr string
	Host string
	Port int

	opts     Options
	ln       net.Listener
	cfg      *ssh.ServerConfig
	wg       sync.WaitGroup
	mu       sync.Mutex
	commands []string
	channels atomic.Int64
}

// Start launches a server on 127.0.0.1:0 and registers cleanup with t.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	s := &Server{opts: opts}
	cfg := &ssh.ServerConfig{ServerVersion: "SSH-2.0-lazysync-test"}
	if len(opts.Questions) > 0 {
		cfg.KeyboardInteractiveCallback = s.keyboard
	} else {
		cfg.PasswordCallback = func(c ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if (opts.User == "" || c.User() == opts.User) && string(pw) == opts.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		}
	}
	cfg.AddHostKey(signer)
	s.cfg = cfg

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.ln = ln
	s.Addr = ln.Addr().String()
	host, port, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Commands returns the exec commands received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// ForwardChannels counts direct-tcpip channels opened.
func (s *Server) ForwardChannels() int64 { return s.channels.Load() }

// Close stops accepting connections.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) keyboard(c ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	qs := make([]string, len(s.opts.Questions))
	echos := make([]bool, len(s.opts.Questions))
	for i, q := range s.opts.Questions {
		qs[i], echos[i] = q.Text, q.Echo
	}
	answers, err := challenge(c.User(), "", qs, echos)
	if err != nil {
		return nil, err
	}
	if len(answers) != len(qs) {
		return nil, fmt.Errorf("got %d answers, want %d", len(answers), len(qs))
	}
	for i, q := range s.opts.Questions {
		if answers[i] != q.Answer {
			return nil, fmt.Errorf("wrong answer to %q", q.Text)
		}
	}
	return nil, nil
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, s.cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		switch nc.ChannelType() {
		case "session":
			go s.handleSession(nc)
		case "direct-tcpip":
			if s.opts.DenyForward {
				_ = nc.Reject(ssh.Prohibited, "forwarding disabled")
				continue
			}
			go s.handleDirect(nc)
		default:
			_ = nc.Reject(ssh.UnknownChannelType, nc.ChannelType())
		}
	}
}

func (s *Server) handleSession(nc ssh.NewChannel) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			stdout, stderr, code := "", "", 0
			if s.opts.Exec != nil {
				stdout, stderr, code = s.opts.Exec(payload.Command)
			}
			_, _ = io.WriteString(ch, stdout)
			_, _ = io.WriteString(ch.Stderr(), stderr)
			status := struct{ Status uint32 }{uint32(code)}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			srv, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = srv.Serve()
			_ = srv.Close()
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

type directPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

func (s *Server) handleDirect(nc ssh.NewChannel) {
	var p directPayload
	if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(p.Addr, strconv.Itoa(int(p.Port))))
	if err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nc.Accept()
	if err != nil {
		_ = target.Close()
		return
	}
	s.channels.Add(1)
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(ch, target)
		_ = ch.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(target, ch)
		if tc, ok := target.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	wg.Wait()
	_ = ch.Close()
	_ = target.Close()
}
