package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"

	"github.com/lazysync/lazysync/internal/auth"
	"github.com/lazysync/lazysync/internal/sshx"
)

const (
	defaultReadyTimeout = 10 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	maxOutputTail       = 2048
)

var (
	passwordPromptRe   = regexp.MustCompile(`(?i)(password|passcode)[^\n]*:\s*$`)
	passphrasePromptRe = regexp.MustCompile(`(?i)(pass phrase|passphrase)[^\n]*:\s*$`)
	codePromptRe       = regexp.MustCompile(`(?i)(verification code|one-time password|otp)[^\n]*:\s*$`)
)

// SubprocessStrategy runs the system ssh client with -N -L on a PTY.
// Prompts printed by the process are answered through Prompter, and the
// local port is polled until it accepts connections.
type SubprocessStrategy struct {
	// Binary is the ssh executable (default "ssh").
	Binary string
	// Prompter answers password and passphrase prompts. Nil cancels them.
	Prompter auth.Prompter
	// ReadyTimeout bounds the wait for the local port (default 10s).
	ReadyTimeout time.Duration
	// PollInterval between local port checks (default 100ms).
	PollInterval time.Duration
	// KeyPath is passed as -i when set.
	KeyPath string
	// Env is appended to the process environment.
	Env []string
}

func (s *SubprocessStrategy) Name() string { return "subprocess" }

func (s *SubprocessStrategy) binary() string {
	if s.Binary == "" {
		return "ssh"
	}
	return s.Binary
}

// Available reports whether the ssh binary is on PATH.
func (s *SubprocessStrategy) Available(sshx.Conn) bool {
	_, err := exec.LookPath(s.binary())
	return err == nil
}

// Args returns the command line used for spec against ep.
func (s *SubprocessStrategy) Args(ep sshx.Endpoint, spec Spec) []string {
	port := ep.Port
	if port == 0 {
		port = 22
	}
	args := []string{
		"-N",
		"-L", fmt.Sprintf("%s:%d:%s:%d", spec.LocalHost, spec.LocalPort, spec.RemoteHost, spec.RemotePort),
		"-p", strconv.Itoa(port),
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ServerAliveInterval=30",
		"-o", "NumberOfPasswordPrompts=1",
	}
	if s.KeyPath != "" {
		args = append(args, "-i", s.KeyPath)
	}
	dest := ep.Host
	if ep.User != "" {
		dest = ep.User + "@" + dest
	}
	return append(args, dest)
}

func (s *SubprocessStrategy) Open(ctx context.Context, conn sshx.Conn, spec Spec) (Forward, error) {
	ep := conn.Endpoint()
	cmd := exec.Command(s.binary(), s.Args(ep, spec)...)
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", s.binary(), err)
	}

	p := &process{
		cmd:    cmd,
		ptmx:   ptmx,
		output: make(chan []byte, 16),
		quiet:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	go p.readLoop()
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	if err := s.awaitReady(ctx, p, ep, spec); err != nil {
		_ = p.Close()
		return nil, err
	}
	p.silence()
	log.Debug().Str("component", "tunnel").Int("pid", cmd.Process.Pid).Str("local", spec.LocalAddr()).Msg("ssh subprocess forwarding")
	return p, nil
}

func (s *SubprocessStrategy) awaitReady(ctx context.Context, p *process, ep sshx.Endpoint, spec Spec) error {
	timeout := s.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	interval := s.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var tail strings.Builder
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.exited:
			return fmt.Errorf("ssh exited before forwarding: %s", lastLine(tail.String()))
		case <-deadline.C:
			return fmt.Errorf("local port %s not ready after %s", spec.LocalAddr(), timeout)
		case chunk := <-p.output:
			tail.Write(chunk)
			if tail.Len() > maxOutputTail {
				t := tail.String()
				tail.Reset()
				tail.WriteString(t[len(t)-maxOutputTail:])
			}
			prompt, ok := detectPrompt(tail.String())
			if !ok {
				continue
			}
			prompt.Host, prompt.User = ep.Host, ep.User
			tail.Reset()
			if err := s.answer(ctx, p, prompt); err != nil {
				return err
			}
		case <-ticker.C:
			if Accepting(spec.LocalAddr(), interval) {
				return nil
			}
		}
	}
}

func (s *SubprocessStrategy) answer(ctx context.Context, p *process, prompt auth.Prompt) error {
	prompter := s.Prompter
	if prompter == nil {
		prompter = auth.Cancelled
	}
	v, err := prompter.Prompt(ctx, prompt)
	if err != nil {
		if errors.Is(err, auth.ErrCancelled) || errors.Is(err, auth.ErrPromptTimeout) {
			return &AuthError{Cancelled: true, Err: auth.ErrCancelled}
		}
		return fmt.Errorf("answer %s prompt: %w", prompt.Kind, err)
	}
	if _, err := p.ptmx.Write([]byte(v + "\n")); err != nil {
		return fmt.Errorf("write to ssh: %w", err)
	}
	return nil
}

func detectPrompt(out string) (auth.Prompt, bool) {
	text := lastLine(out)
	switch {
	case passphrasePromptRe.MatchString(out):
		return auth.Prompt{Kind: auth.KindKey, Text: text}, true
	case codePromptRe.MatchString(out):
		return auth.Prompt{Kind: auth.KindInteractive, Text: text, Echo: true}, true
	case passwordPromptRe.MatchString(out):
		return auth.Prompt{Kind: auth.KindPassword, Text: text}, true
	}
	return auth.Prompt{}, false
}

func lastLine(s string) string {
	s = strings.TrimRight(strings.ReplaceAll(s, "\r", "\n"), "\n ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// process is the forward owned by a Handle when the subprocess strategy
// wins. There is no package-level process state.
type process struct {
	cmd     *exec.Cmd
	ptmx    *os.File
	output  chan []byte
	quiet   chan struct{}
	exited  chan struct{}
	waitErr error
	once    sync.Once
	qonce   sync.Once
}

func (p *process) silence() { p.qonce.Do(func() { close(p.quiet) }) }

// readLoop feeds output chunks to the bounded channel while the strategy
// is waiting, and discards them once forwarding is up.
func (p *process) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case p.output <- chunk:
			case <-p.quiet:
				log.Debug().Str("component", "tunnel").Str("output", strings.TrimSpace(string(chunk))).Msg("ssh subprocess")
			}
		}
		if err != nil {
			return
		}
	}
}

// Done is closed when the ssh process exits.
func (p *process) Done() <-chan struct{} { return p.exited }

// Close terminates the process and waits for it to exit.
func (p *process) Close() error {
	p.once.Do(func() {
		p.silence()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(os.Interrupt)
			select {
			case <-p.exited:
			case <-time.After(2 * time.Second):
				_ = p.cmd.Process.Kill()
				<-p.exited
			}
		}
		_ = p.ptmx.Close()
	})
	return nil
}
