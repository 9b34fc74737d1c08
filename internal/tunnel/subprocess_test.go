package tunnel

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lazysync/lazysync/internal/auth"
	"github.com/lazysync/lazysync/internal/sshx"
)

func fakeSSHStrategy(mode string, p auth.Prompter) *SubprocessStrategy {
	return &SubprocessStrategy{
		Binary:       os.Args[0],
		Prompter:     p,
		ReadyTimeout: 5 * time.Second,
		PollInterval: 50 * time.Millisecond,
		Env:          []string{"LAZYSYNC_FAKE_SSH=" + mode},
	}
}

type recordingPrompter struct {
	mu      sync.Mutex
	prompts []auth.Prompt
	answer  string
	err     error
}

func (r *recordingPrompter) Prompt(_ context.Context, p auth.Prompt) (string, error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, p)
	r.mu.Unlock()
	return r.answer, r.err
}

func TestSubprocess_AnswersPasswordAndForwards(t *testing.T) {
	rec := &recordingPrompter{answer: "pw"}
	s := fakeSSHStrategy("ok", rec)
	spec := Spec{LocalPort: freePort(t)}.WithDefaults()

	fwd, err := s.Open(context.Background(), &fakeConn{ep: testEndpoint}, spec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c, err := net.Dial("tcp", spec.LocalAddr())
	if err != nil {
		t.Fatalf("dial forwarded port: %v", err)
	}
	_ = c.Close()

	rec.mu.Lock()
	prompts := append([]auth.Prompt(nil), rec.prompts...)
	rec.mu.Unlock()
	if len(prompts) != 1 || prompts[0].Kind != auth.KindPassword || prompts[0].Echo {
		t.Fatalf("prompts = %+v, want one hidden password prompt", prompts)
	}
	if prompts[0].Host != "example" || prompts[0].User != "dev" {
		t.Errorf("prompt target = %s@%s", prompts[0].User, prompts[0].Host)
	}

	if err := fwd.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitPortFree(t, spec.LocalPort)
}

func TestSubprocess_ReadyTimeoutFallsThrough(t *testing.T) {
	s := fakeSSHStrategy("hang", &recordingPrompter{answer: "pw"})
	s.ReadyTimeout = 300 * time.Millisecond
	spec := Spec{LocalPort: freePort(t)}.WithDefaults()

	start := time.Now()
	_, err := s.Open(context.Background(), &fakeConn{ep: testEndpoint}, spec)
	if err == nil || !strings.Contains(err.Error(), "not ready") {
		t.Fatalf("err = %v, want readiness timeout", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Errorf("Open took %v", time.Since(start))
	}
}

func TestSubprocess_CancelledPrompt(t *testing.T) {
	s := fakeSSHStrategy("ok", &recordingPrompter{err: auth.ErrCancelled})
	spec := Spec{LocalPort: freePort(t)}.WithDefaults()

	_, err := s.Open(context.Background(), &fakeConn{ep: testEndpoint}, spec)
	var authErr *AuthError
	if !errors.As(err, &authErr) || !authErr.Cancelled {
		t.Fatalf("err = %v, want AuthError{Cancelled}", err)
	}
}

func TestSubprocess_ProcessExitsEarly(t *testing.T) {
	s := fakeSSHStrategy("exit", nil)
	spec := Spec{LocalPort: freePort(t)}.WithDefaults()

	_, err := s.Open(context.Background(), &fakeConn{ep: testEndpoint}, spec)
	if err == nil || !strings.Contains(err.Error(), "exited") {
		t.Fatalf("err = %v, want early exit", err)
	}
}

func TestSubprocess_Unavailable(t *testing.T) {
	s := &SubprocessStrategy{Binary: "lazysync-no-such-ssh"}
	if s.Available(&fakeConn{}) {
		t.Error("missing binary reported available")
	}
}

func TestSubprocess_Args(t *testing.T) {
	s := &SubprocessStrategy{KeyPath: "/k"}
	args := s.Args(sshx.Endpoint{Host: "h", Port: 2222, User: "u"}, Spec{}.WithDefaults())
	got := strings.Join(args, " ")
	for _, want := range []string{"-N", "-L 127.0.0.1:9000:127.0.0.1:9000", "-p 2222", "ExitOnForwardFailure=yes", "-i /k"} {
		if !strings.Contains(got, want) {
			t.Errorf("args %q missing %q", got, want)
		}
	}
	if args[len(args)-1] != "u@h" {
		t.Errorf("destination = %q, want u@h", args[len(args)-1])
	}
}

func TestDetectPrompt(t *testing.T) {
	cases := []struct {
		out  string
		kind auth.Kind
		echo bool
		ok   bool
	}{
		{"dev@example's password: ", auth.KindPassword, false, true},
		{"Enter passphrase for key '/home/dev/.ssh/id_ed25519': ", auth.KindKey, false, true},
		{"Verification code: ", auth.KindInteractive, true, true},
		{"Warning: Permanently added 'example' to the list of known hosts.\r\n", 0, false, false},
	}
	for _, tc := range cases {
		p, ok := detectPrompt(tc.out)
		if ok != tc.ok {
			t.Errorf("detectPrompt(%q) ok = %v", tc.out, ok)
			continue
		}
		if ok && (p.Kind != tc.kind || p.Echo != tc.echo) {
			t.Errorf("detectPrompt(%q) = %+v", tc.out, p)
		}
	}
}
