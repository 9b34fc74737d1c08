package deploy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lazysync/lazysync/internal/auth"
)

// ErrBinaryMissing means the local service binary does not exist.
var ErrBinaryMissing = errors.New("deploy: local service binary not found")

// ArchMismatchError reports that the local binary cannot run remotely.
type ArchMismatchError struct {
	Local  Platform
	Remote Platform
}

func (e *ArchMismatchError) Error() string {
	return fmt.Sprintf("deploy: architecture mismatch: local %s, remote %s; build the cache service for %s and point LAZYSYNC_SERVER_BINARY at it",
		e.Local, e.Remote, e.Remote)
}

// UploadError wraps a failed binary transfer.
type UploadError struct {
	Path string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("deploy: upload %s: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// StartError reports a service that did not come up. Tail holds the last
// lines of the remote log when they could be read.
type StartError struct {
	LogPath string
	Tail    string
	Err     error
}

func (e *StartError) Error() string {
	var b strings.Builder
	b.WriteString("deploy: cache service did not start")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	b.WriteString(" (log: ")
	b.WriteString(e.LogPath)
	b.WriteString(")")
	if tail := strings.TrimSpace(e.Tail); tail != "" {
		b.WriteString("\n")
		b.WriteString(tail)
	}
	return b.String()
}

func (e *StartError) Unwrap() error { return e.Err }

// IsRetryable reports whether repeating EnsureRunning may succeed. A
// cancelled credential prompt is never retried automatically.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var arch *ArchMismatchError
	if errors.As(err, &arch) {
		return false
	}
	if errors.Is(err, auth.ErrCancelled) {
		return false
	}
	return !errors.Is(err, ErrBinaryMissing)
}
