package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lazysync/lazysync/internal/secret"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LAZYSYNC_LOCAL_PORT", "")
	t.Setenv("LAZYSYNC_REQUEST_TIMEOUT", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LocalPort != 9000 || cfg.RemotePort != 9000 {
		t.Errorf("ports = %d/%d, want 9000/9000", cfg.LocalPort, cfg.RemotePort)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.RequestTimeout)
	}
	if cfg.RemoteHost != "127.0.0.1" {
		t.Errorf("RemoteHost = %q, want loopback", cfg.RemoteHost)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LAZYSYNC_LOCAL_PORT", "9100")
	t.Setenv("LAZYSYNC_REQUEST_TIMEOUT", "3")
	t.Setenv("LAZYSYNC_CORS_ORIGINS", "http://a, http://b")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LocalPort != 9100 {
		t.Errorf("LocalPort = %d, want 9100", cfg.LocalPort)
	}
	if cfg.RequestTimeout != 3*time.Second {
		t.Errorf("bare integer timeout should be seconds, got %v", cfg.RequestTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "http://b" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoad_RejectsBadPort(t *testing.T) {
	t.Setenv("LAZYSYNC_REMOTE_PORT", "70000")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidate_RequiresHost(t *testing.T) {
	cfg := &Config{SSHUser: "u", SSHPort: 22, LocalPort: 9000, RemotePort: 9000}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when host is empty")
	}
	cfg.SSHHost = "example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRedisAddr(t *testing.T) {
	cases := map[string]string{
		"redis://cache:6380/": "cache:6380",
		"cache":               "cache:6379",
		"localhost:6379":      "localhost:6379",
	}
	for in, want := range cases {
		if got := parseRedisAddr(in); got != want {
			t.Errorf("parseRedisAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHosts_SaveLoadResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	h := &Hosts{
		Current: "lab",
		Hosts: map[string]*Host{
			"lab": {Host: "10.0.0.5", Port: 2222, User: "ubuntu"},
		},
	}
	if err := h.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode()&0o077 != 0 {
		t.Errorf("hosts file mode %o is too permissive", info.Mode())
	}

	loaded, err := LoadHosts(path)
	if err != nil {
		t.Fatalf("LoadHosts: %v", err)
	}
	host, name, err := loaded.Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if name != "lab" || host.Port != 2222 {
		t.Errorf("Resolve = %q %+v", name, host)
	}

	if _, _, err := loaded.Resolve("missing"); !errors.Is(err, ErrHostNotFound) {
		t.Errorf("Resolve(missing) err = %v, want ErrHostNotFound", err)
	}
}

func TestLoadHosts_MissingFile(t *testing.T) {
	h, err := LoadHosts(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil || h != nil {
		t.Fatalf("LoadHosts(missing) = %v, %v; want nil, nil", h, err)
	}
}

func TestApplyHost(t *testing.T) {
	cfg := &Config{SSHHost: "a", SSHPort: 22, SSHUser: "root"}
	if err := cfg.ApplyHost(&Host{Host: "b", Port: 2200}); err != nil {
		t.Fatal(err)
	}
	if cfg.SSHHost != "b" || cfg.SSHPort != 2200 || cfg.SSHUser != "root" {
		t.Errorf("ApplyHost result = %+v", cfg)
	}
}

func TestApplyHost_SealedPassword(t *testing.T) {
	t.Setenv(secret.EnvKey, strings.Repeat("ab", 32))
	sealed, err := secret.Seal("hunter2")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	cfg := &Config{}
	if err := cfg.ApplyHost(&Host{Host: "b", Password: sealed}); err != nil {
		t.Fatalf("ApplyHost: %v", err)
	}
	if cfg.SSHPassword != "hunter2" {
		t.Errorf("SSHPassword = %q", cfg.SSHPassword)
	}

	if err := cfg.ApplyHost(&Host{Password: "zz"}); err == nil {
		t.Error("expected error for a malformed sealed password")
	}
}
