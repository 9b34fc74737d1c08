package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lazysync/lazysync/internal/secret"
)

type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// SSH
	SSHHost     string
	SSHPort     int
	SSHUser     string
	SSHPassword string
	SSHKeyPath  string

	// Tunnel
	LocalHost  string
	LocalPort  int
	RemoteHost string
	RemotePort int

	// Cache service
	RequestTimeout time.Duration
	ServerBinary   string
	RemoteDir      string
	CacheTTL       time.Duration

	// API
	APIAddr            string
	APIToken           string
	CORSAllowedOrigins []string

	// Redis (asynq)
	RedisAddr string

	// HostsFile points at the optional YAML host profiles.
	HostsFile string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:           getEnv("LAZYSYNC_LOG_LEVEL", "info"),
		LogFormat:          getEnv("LAZYSYNC_LOG_FORMAT", "json"),
		SSHHost:            getEnv("LAZYSYNC_SSH_HOST", ""),
		SSHPort:            getEnvAsInt("LAZYSYNC_SSH_PORT", 22),
		SSHUser:            getEnv("LAZYSYNC_SSH_USER", os.Getenv("USER")),
		SSHPassword:        getEnv("LAZYSYNC_SSH_PASSWORD", ""),
		SSHKeyPath:         getEnv("LAZYSYNC_SSH_KEY_PATH", ""),
		LocalHost:          getEnv("LAZYSYNC_LOCAL_HOST", "127.0.0.1"),
		LocalPort:          getEnvAsInt("LAZYSYNC_LOCAL_PORT", 9000),
		RemoteHost:         getEnv("LAZYSYNC_REMOTE_HOST", "127.0.0.1"),
		RemotePort:         getEnvAsInt("LAZYSYNC_REMOTE_PORT", 9000),
		RequestTimeout:     getEnvAsDuration("LAZYSYNC_REQUEST_TIMEOUT", 5*time.Second),
		ServerBinary:       getEnv("LAZYSYNC_SERVER_BINARY", "lazysync-server"),
		RemoteDir:          getEnv("LAZYSYNC_REMOTE_DIR", ".lazysync"),
		CacheTTL:           getEnvAsDuration("LAZYSYNC_CACHE_TTL", 30*time.Second),
		APIAddr:            getEnv("LAZYSYNC_API_ADDR", "127.0.0.1:8088"),
		APIToken:           getEnv("LAZYSYNC_API_TOKEN", ""),
		CORSAllowedOrigins: getEnvAsSlice("LAZYSYNC_CORS_ORIGINS", []string{"http://localhost:5173"}),
		RedisAddr:          parseRedisAddr(getEnv("LAZYSYNC_REDIS_ADDR", "localhost:6379")),
		HostsFile:          getEnv("LAZYSYNC_HOSTS_FILE", "~/.lazysync/hosts.yaml"),
	}

	if err := cfg.validatePorts(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields needed to reach a remote host.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SSHHost) == "" {
		return fmt.Errorf("config: ssh host is required (LAZYSYNC_SSH_HOST or --host)")
	}
	if strings.TrimSpace(c.SSHUser) == "" {
		return fmt.Errorf("config: ssh user is required (LAZYSYNC_SSH_USER or --user)")
	}
	return c.validatePorts()
}

func (c *Config) validatePorts() error {
	for name, p := range map[string]int{
		"ssh port":    c.SSHPort,
		"local port":  c.LocalPort,
		"remote port": c.RemotePort,
	} {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("config: %s %d out of range", name, p)
		}
	}
	return nil
}

// ApplyHost overlays a host profile onto the SSH fields. Empty profile
// fields leave the current value untouched.
func (c *Config) ApplyHost(h *Host) error {
	if h == nil {
		return nil
	}
	if h.Host != "" {
		c.SSHHost = h.Host
	}
	if h.Port != 0 {
		c.SSHPort = h.Port
	}
	if h.User != "" {
		c.SSHUser = h.User
	}
	if h.KeyPath != "" {
		c.SSHKeyPath = h.KeyPath
	}
	if h.Password != "" {
		pw, err := secret.Open(h.Password)
		if err != nil {
			return fmt.Errorf("host password: %w", err)
		}
		c.SSHPassword = pw
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	// Bare integers are seconds.
	if n, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// parseRedisAddr extracts host:port from a Redis URL.
// Supports: redis://host:port, host:port, host
func parseRedisAddr(redisURL string) string {
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")

	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}
	return addr
}
