// Package config holds the broker's server configuration, assembled from
// defaults, an optional YAML file, environment variables, and flags (in
// increasing precedence).
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the tunnel-server process.
type ServerConfig struct {
	ListenSSH  string `yaml:"listen_ssh"`
	ListenHTTP string `yaml:"listen_http"`
	ListenOps  string `yaml:"listen_ops"`

	// BaseURL is the public base URL tunnels are exposed under, e.g.
	// https://tunnels.example.com. Tunnel URLs are {key}.{base host}.
	BaseURL string `yaml:"base_url"`

	HostKeyFile string `yaml:"host_key_file"`
	SocketDir   string `yaml:"socket_dir"`
	DBPath      string `yaml:"db_path"`

	SaaSPublicKeyFile string `yaml:"saas_public_key_file"`
	SaaSIssuer        string `yaml:"saas_issuer"`
	LoginURL          string `yaml:"login_url"`
	CookieSecret      string `yaml:"cookie_secret"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	SSHKeepaliveInterval time.Duration `yaml:"ssh_keepalive_interval"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout"`
	EvictionWaitTimeout  time.Duration `yaml:"eviction_wait_timeout"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

const (
	defaultListenSSH            = ":2222"
	defaultListenHTTP           = ":8080"
	defaultListenOps            = ":8888"
	defaultSSHKeepaliveInterval = 30 * time.Second
	defaultProbeTimeout         = 5 * time.Second
	defaultEvictionWaitTimeout  = 10 * time.Second
	defaultShutdownTimeout      = 15 * time.Second
)

// ParseServerFlags assembles a ServerConfig from args and the environment.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		ListenSSH:            defaultListenSSH,
		ListenHTTP:           defaultListenHTTP,
		ListenOps:            defaultListenOps,
		SocketDir:            filepath.Join(os.TempDir(), "tunnel-server"),
		LogLevel:             "info",
		LogFormat:            "text",
		SSHKeepaliveInterval: defaultSSHKeepaliveInterval,
		ProbeTimeout:         defaultProbeTimeout,
		EvictionWaitTimeout:  defaultEvictionWaitTimeout,
		ShutdownTimeout:      defaultShutdownTimeout,
	}

	if path := configFileArg(args, os.Getenv("TUNNEL_SERVER_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)

	fs := flag.NewFlagSet("tunnel-server", flag.ContinueOnError)
	var configFile string
	fs.StringVar(&configFile, "config", "", "YAML config file path")
	fs.StringVar(&cfg.ListenSSH, "listen-ssh", cfg.ListenSSH, "SSH listen address")
	fs.StringVar(&cfg.ListenHTTP, "listen-http", cfg.ListenHTTP, "HTTP ingress listen address")
	fs.StringVar(&cfg.ListenOps, "listen-ops", cfg.ListenOps, "Metrics/pprof/health listen address (empty disables)")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Public base URL, e.g. https://tunnels.example.com")
	fs.StringVar(&cfg.HostKeyFile, "host-key", cfg.HostKeyFile, "SSH host private key PEM file")
	fs.StringVar(&cfg.SocketDir, "socket-dir", cfg.SocketDir, "Directory for per-tunnel unix sockets")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite audit log path (empty disables)")
	fs.StringVar(&cfg.SaaSPublicKeyFile, "saas-public-key", cfg.SaaSPublicKeyFile, "Delegated SaaS issuer public key PEM file")
	fs.StringVar(&cfg.SaaSIssuer, "saas-issuer", cfg.SaaSIssuer, "Delegated SaaS JWT issuer")
	fs.StringVar(&cfg.LoginURL, "login-url", cfg.LoginURL, "SaaS login URL for the SSO bounce")
	fs.StringVar(&cfg.CookieSecret, "cookie-secret", cfg.CookieSecret, "Session cookie signing secret")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.DurationVar(&cfg.SSHKeepaliveInterval, "ssh-keepalive", cfg.SSHKeepaliveInterval, "Interval between server-side SSH keepalives")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "Liveness probe timeout during collision resolution")
	fs.DurationVar(&cfg.EvictionWaitTimeout, "eviction-wait", cfg.EvictionWaitTimeout, "How long to await a stale tunnel's deletion before retrying")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func (c *ServerConfig) validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("missing --base-url or TUNNEL_SERVER_BASE_URL")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("base url must be an absolute http(s) URL: %q", c.BaseURL)
	}
	if strings.TrimSpace(c.HostKeyFile) == "" {
		return errors.New("missing --host-key or TUNNEL_SERVER_HOST_KEY")
	}
	if c.SaaSPublicKeyFile != "" && c.SaaSIssuer == "" {
		return errors.New("saas public key configured without --saas-issuer")
	}
	if c.SSHKeepaliveInterval <= 0 {
		return errors.New("ssh keepalive interval must be > 0")
	}
	if c.ProbeTimeout <= 0 || c.EvictionWaitTimeout <= 0 {
		return errors.New("probe and eviction-wait timeouts must be > 0")
	}
	return nil
}

// BaseHost returns the hostname (without port) of the public base URL.
// Validation guarantees the URL parses.
func (c *ServerConfig) BaseHost() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func applyEnv(cfg *ServerConfig) {
	setFromEnv(&cfg.ListenSSH, "TUNNEL_SERVER_LISTEN_SSH")
	setFromEnv(&cfg.ListenHTTP, "TUNNEL_SERVER_LISTEN_HTTP")
	setFromEnv(&cfg.ListenOps, "TUNNEL_SERVER_LISTEN_OPS")
	setFromEnv(&cfg.BaseURL, "TUNNEL_SERVER_BASE_URL")
	setFromEnv(&cfg.HostKeyFile, "TUNNEL_SERVER_HOST_KEY")
	setFromEnv(&cfg.SocketDir, "TUNNEL_SERVER_SOCKET_DIR")
	setFromEnv(&cfg.DBPath, "TUNNEL_SERVER_DB_PATH")
	setFromEnv(&cfg.SaaSPublicKeyFile, "TUNNEL_SERVER_SAAS_PUBLIC_KEY")
	setFromEnv(&cfg.SaaSIssuer, "TUNNEL_SERVER_SAAS_ISSUER")
	setFromEnv(&cfg.LoginURL, "TUNNEL_SERVER_LOGIN_URL")
	setFromEnv(&cfg.CookieSecret, "TUNNEL_SERVER_COOKIE_SECRET")
	setFromEnv(&cfg.LogLevel, "TUNNEL_SERVER_LOG_LEVEL")
	setFromEnv(&cfg.LogFormat, "TUNNEL_SERVER_LOG_FORMAT")
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func loadFile(path string, cfg *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// configFileArg pre-scans args for -config/--config so the file can be
// loaded before flags are applied on top of it.
func configFileArg(args []string, fallback string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		name, value, hasValue := strings.Cut(a, "=")
		if name != "-config" && name != "--config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return fallback
}
