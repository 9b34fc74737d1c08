package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/lazysync/lazysync/internal/sshx"
)

// Platform is an operating system and CPU architecture pair in uname
// vocabulary after normalization.
type Platform struct {
	OS   string
	Arch string
}

func (p Platform) String() string { return p.OS + "/" + p.Arch }

// Detect lets a fixed Platform serve as a PlatformSource.
func (p Platform) Detect(context.Context) (Platform, error) { return p, nil }

var archAliases = map[string]string{
	"x86_64":  "x86_64",
	"amd64":   "x86_64",
	"x64":     "x86_64",
	"aarch64": "aarch64",
	"arm64":   "aarch64",
	"i386":    "x86",
	"i686":    "x86",
	"386":     "x86",
	"x86":     "x86",
	"armv7l":  "arm",
	"arm":     "arm",
}

// Normalize maps the spellings reported by uname and the Go runtime onto one
// vocabulary, so amd64 and x86_64 compare equal.
func Normalize(osName, arch string) Platform {
	a := strings.ToLower(strings.TrimSpace(arch))
	if canon, ok := archAliases[a]; ok {
		a = canon
	}
	return Platform{
		OS:   strings.ToLower(strings.TrimSpace(osName)),
		Arch: a,
	}
}

// PlatformSource reports the platform of the machine holding the service
// binary.
type PlatformSource interface {
	Detect(ctx context.Context) (Platform, error)
}

// LocalPlatform detects the local host with uname, falling back to the Go
// runtime values.
type LocalPlatform struct {
	Runner sshx.LocalRunner
}

func (l LocalPlatform) Detect(ctx context.Context) (Platform, error) {
	osName, arch := l.Runner.Uname(ctx)
	return Normalize(osName, arch), nil
}

// RemotePlatform runs uname on the remote host.
func RemotePlatform(ctx context.Context, conn sshx.Conn) (Platform, error) {
	osName, err := sshx.Run(ctx, conn, "uname -s")
	if err != nil {
		return Platform{}, fmt.Errorf("detect remote os: %w", err)
	}
	arch, err := sshx.Run(ctx, conn, "uname -m")
	if err != nil {
		return Platform{}, fmt.Errorf("detect remote arch: %w", err)
	}
	return Normalize(osName, arch), nil
}
