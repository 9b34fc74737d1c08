package sshx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// LocalRunner runs commands via os/exec on the local host.
type LocalRunner struct {
	// Env is appended to the inherited environment.
	Env []string
}

// Run executes a command and returns trimmed stdout.
func (r LocalRunner) Run(ctx context.Context, command string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Uname reports `uname -s` and `uname -m` for the local host. Hosts without
// uname fall back to the Go runtime values.
func (r LocalRunner) Uname(ctx context.Context) (osName, arch string) {
	osName, err := r.Run(ctx, "uname", "-s")
	if err != nil || osName == "" {
		osName = runtime.GOOS
	}
	arch, err = r.Run(ctx, "uname", "-m")
	if err != nil || arch == "" {
		arch = runtime.GOARCH
	}
	return osName, arch
}
