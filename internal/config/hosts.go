package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Hosts models the host profiles file (~/.lazysync/hosts.yaml).
type Hosts struct {
	Current string           `yaml:"current"`
	Hosts   map[string]*Host `yaml:"hosts"`
}

// Host is one named SSH target.
type Host struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"keyPath"`
	// Password is sealed with secret.Seal; see `lazysync seal`.
	Password string `yaml:"password,omitempty"`
}

// ErrHostNotFound indicates the requested profile is missing.
var ErrHostNotFound = errors.New("host profile not found")

// LoadHosts decodes the hosts file. Missing files return (nil, nil).
func LoadHosts(path string) (*Hosts, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := ExpandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var h Hosts
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse hosts file: %w", err)
	}
	return &h, nil
}

// Save writes the hosts file, creating parent directories if needed.
func (h *Hosts) Save(path string) error {
	if h == nil {
		return fmt.Errorf("hosts is nil")
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal hosts: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// Resolve picks a profile by explicit name or falls back to Current.
func (h *Hosts) Resolve(name string) (*Host, string, error) {
	if h == nil {
		return nil, "", ErrHostNotFound
	}
	target := strings.TrimSpace(name)
	if target == "" {
		target = strings.TrimSpace(h.Current)
	}
	if target == "" {
		return nil, "", ErrHostNotFound
	}
	host, ok := h.Hosts[target]
	if !ok || host == nil {
		return nil, target, fmt.Errorf("%w: %s", ErrHostNotFound, target)
	}
	return host, target, nil
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
	}
	return p, nil
}
