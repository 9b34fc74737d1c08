// Package deploy makes sure the directory cache service is running on the
// remote host, uploading and starting it when it is not.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lazysync/lazysync/internal/metrics"
	"github.com/lazysync/lazysync/internal/sshx"
)

const (
	DefaultRemoteDir    = ".lazysync"
	DefaultBinaryName   = "lazysync-server"
	DefaultPort         = 9000
	DefaultPollInterval = 200 * time.Millisecond
	DefaultStartTimeout = 2 * time.Second

	logName   = "lazysync-server.log"
	tailLines = 20
)

// ServiceHandle describes a running remote service.
type ServiceHandle struct {
	BinaryPath     string
	LogPath        string
	Port           int
	AlreadyRunning bool
}

// Deployer uploads and starts the cache service over an SSH connection.
type Deployer struct {
	Conn  sshx.Conn
	Local PlatformSource

	// BinaryPath is the local service executable.
	BinaryPath string
	// RemoteDir is relative to the remote $HOME unless absolute.
	RemoteDir  string
	BinaryName string
	Port       int

	PollInterval time.Duration
	StartTimeout time.Duration

	mu sync.Mutex
}

// New returns a Deployer with defaults for everything but the connection and
// local binary.
func New(conn sshx.Conn, binaryPath string) *Deployer {
	return &Deployer{Conn: conn, BinaryPath: binaryPath}
}

// EnsureRunning is idempotent: a service already listening on the port is
// reported without uploading or starting anything.
func (d *Deployer) EnsureRunning(ctx context.Context) (*ServiceHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	handle, outcome, err := d.ensure(ctx)
	metrics.RecordDeploy(outcome)
	if err != nil {
		log.Warn().Str("component", "deploy").Str("host", d.Conn.Endpoint().Host).
			Str("outcome", outcome).Err(err).Msg("ensure remote service failed")
		return nil, err
	}
	return handle, nil
}

func (d *Deployer) ensure(ctx context.Context) (*ServiceHandle, string, error) {
	local, err := d.localSource().Detect(ctx)
	if err != nil {
		return nil, "error", fmt.Errorf("detect local platform: %w", err)
	}
	remote, err := RemotePlatform(ctx, d.Conn)
	if err != nil {
		return nil, "error", err
	}
	if local != remote {
		return nil, "arch_mismatch", &ArchMismatchError{Local: local, Remote: remote}
	}

	home, err := sshx.Run(ctx, d.Conn, `echo "$HOME"`)
	if err != nil {
		return nil, "error", fmt.Errorf("resolve remote home: %w", err)
	}
	dir := d.remoteDir(home)
	handle := &ServiceHandle{
		BinaryPath: path.Join(dir, d.binaryName()),
		LogPath:    path.Join(dir, logName),
		Port:       d.port(),
	}

	up, err := d.Listening(ctx)
	if err != nil {
		return nil, "error", err
	}
	if up {
		handle.AlreadyRunning = true
		log.Debug().Str("component", "deploy").Int("port", handle.Port).Msg("cache service already running")
		return handle, "running", nil
	}

	if err := d.upload(ctx, dir, handle.BinaryPath); err != nil {
		return nil, "upload_failed", err
	}
	if err := d.start(ctx, handle); err != nil {
		return nil, "start_failed", err
	}
	log.Info().Str("component", "deploy").Str("host", d.Conn.Endpoint().Host).
		Str("binary", handle.BinaryPath).Int("port", handle.Port).Msg("cache service started")
	return handle, "started", nil
}

func (d *Deployer) upload(ctx context.Context, dir, remotePath string) error {
	info, err := os.Stat(d.BinaryPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBinaryMissing, d.BinaryPath)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrBinaryMissing, d.BinaryPath)
	}

	if _, err := sshx.Run(ctx, d.Conn, "mkdir -p -m 700 "+sshx.Quote(dir)); err != nil {
		return &UploadError{Path: dir, Err: err}
	}
	log.Info().Str("component", "deploy").Str("local", d.BinaryPath).Str("remote", remotePath).
		Int64("bytes", info.Size()).Msg("uploading cache service")
	if err := d.Conn.Upload(ctx, d.BinaryPath, remotePath, 0o700); err != nil {
		return &UploadError{Path: remotePath, Err: err}
	}
	if _, err := sshx.Run(ctx, d.Conn, "chmod 700 "+sshx.Quote(remotePath)); err != nil {
		return &UploadError{Path: remotePath, Err: err}
	}
	return nil
}

func (d *Deployer) start(ctx context.Context, h *ServiceHandle) error {
	cmd := fmt.Sprintf("nohup %s --addr 127.0.0.1:%d > %s 2>&1 < /dev/null &",
		sshx.Quote(h.BinaryPath), h.Port, sshx.Quote(h.LogPath))
	if _, err := sshx.Run(ctx, d.Conn, cmd); err != nil {
		return &StartError{LogPath: h.LogPath, Err: err}
	}

	waitErr := d.waitListening(ctx)
	if waitErr == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	tail, _ := sshx.Run(ctx, d.Conn, fmt.Sprintf("tail -n %d %s 2>/dev/null", tailLines, sshx.Quote(h.LogPath)))
	return &StartError{LogPath: h.LogPath, Tail: tail, Err: waitErr}
}

func (d *Deployer) waitListening(ctx context.Context) error {
	interval := d.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := d.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("port %d not listening after %s", d.port(), timeout)
		case <-ticker.C:
			up, err := d.Listening(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Debug().Str("component", "deploy").Err(err).Msg("port check failed")
			}
			if up {
				return nil
			}
		}
	}
}

// Listening reports whether something listens on the service port of the
// remote host. ss is tried first, then netstat, then a bash /dev/tcp
// connect.
func (d *Deployer) Listening(ctx context.Context) (bool, error) {
	out, err := sshx.Run(ctx, d.Conn, listenCheckCommand(d.port()))
	if err != nil {
		return false, fmt.Errorf("check port %d: %w", d.port(), err)
	}
	return strings.Contains(out, "listening"), nil
}

func listenCheckCommand(port int) string {
	p := strconv.Itoa(port)
	match := `grep -qE '[:.]` + p + `[[:space:]]' && echo listening || echo free`
	return "if command -v ss >/dev/null 2>&1; then ss -ltn 2>/dev/null | " + match +
		"; elif command -v netstat >/dev/null 2>&1; then netstat -ltn 2>/dev/null | " + match +
		"; else bash -c 'exec 3<>/dev/tcp/127.0.0.1/" + p + "' >/dev/null 2>&1 && echo listening || echo free; fi"
}

// Stop kills a service started from the deployed binary. A service that is
// not running is not an error.
func (d *Deployer) Stop(ctx context.Context) error {
	home, err := sshx.Run(ctx, d.Conn, `echo "$HOME"`)
	if err != nil {
		return fmt.Errorf("resolve remote home: %w", err)
	}
	bin := path.Join(d.remoteDir(home), d.binaryName())
	res, err := d.Conn.Exec(ctx, "pkill -f "+sshx.Quote(bin))
	if err != nil {
		return fmt.Errorf("stop cache service: %w", err)
	}
	// pkill exits 1 when nothing matched.
	if res.ExitCode > 1 {
		return &sshx.CommandError{Cmd: "pkill", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	log.Info().Str("component", "deploy").Str("binary", bin).Bool("matched", res.ExitCode == 0).Msg("cache service stopped")
	return nil
}

func (d *Deployer) remoteDir(home string) string {
	dir := d.RemoteDir
	if dir == "" {
		dir = DefaultRemoteDir
	}
	if path.IsAbs(dir) {
		return path.Clean(dir)
	}
	return path.Join(strings.TrimSpace(home), dir)
}

func (d *Deployer) binaryName() string {
	if d.BinaryName != "" {
		return d.BinaryName
	}
	return DefaultBinaryName
}

func (d *Deployer) port() int {
	if d.Port > 0 {
		return d.Port
	}
	return DefaultPort
}

func (d *Deployer) localSource() PlatformSource {
	if d.Local != nil {
		return d.Local
	}
	return LocalPlatform{}
}
