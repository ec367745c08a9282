// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/webgate/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong. Every flag can also be set
// through its environment variable, which is the primary configuration surface
// for containerized deployments.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Allowlist     string `kong:"help='Comma-separated host rules permitted for fetching (host or *.host).',env='ALLOWLIST'"`
	Blocklist     string `kong:"help='Comma-separated host rules refused for fetching (host or *.host).',env='BLOCKLIST'"`
	EnableRewrite string `kong:"help='Rewrite HTML responses: true|false (overrides config).',env='ENABLE_REWRITE'"`
	MaxBodyMB     int    `kong:"help='Inbound request body ceiling in megabytes (overrides config).',env='MAX_BODY_MB'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Static   StaticConfig   `toml:"static"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig holds the host policy and response rewriting settings.
type ProxyConfig struct {
	Allowlist   []string `toml:"allowlist"`
	Blocklist   []string `toml:"blocklist"`
	RewriteHTML *bool    `toml:"rewrite_html"` // nil means "use default" (enabled)
	MaxBodyMB   int      `toml:"max_body_mb"`
	UserAgent   string   `toml:"user_agent"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// StaticConfig holds static asset serving settings.
type StaticConfig struct {
	Dir string `toml:"dir"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/webgate/config.toml then configs/config.toml; a missing file is not an
// error because the whole surface is reachable through flags and environment
// variables.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	explicit := path != ""
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Allowlist != "" {
		c.Proxy.Allowlist = splitCSV(cli.Allowlist)
	}
	if cli.Blocklist != "" {
		c.Proxy.Blocklist = splitCSV(cli.Blocklist)
	}
	if cli.EnableRewrite != "" {
		v, err := strconv.ParseBool(cli.EnableRewrite)
		if err != nil {
			return fmt.Errorf("ENABLE_REWRITE must be a boolean; got %q", cli.EnableRewrite)
		}
		c.Proxy.RewriteHTML = &v
	}
	if cli.MaxBodyMB != 0 {
		c.Proxy.MaxBodyMB = cli.MaxBodyMB
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	return nil
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Proxy.MaxBodyMB < 0 {
		return fmt.Errorf("proxy.max_body_mb must be non-negative; got %d", c.Proxy.MaxBodyMB)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Policy rule syntax.
	for _, list := range []struct {
		name  string
		rules []string
	}{
		{"proxy.allowlist", c.Proxy.Allowlist},
		{"proxy.blocklist", c.Proxy.Blocklist},
	} {
		for _, rule := range list.rules {
			if err := validateRule(rule); err != nil {
				return fmt.Errorf("%s: %w", list.name, err)
			}
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/proxy", "/ws", "/healthz", "/webgate/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateRule checks a single host rule: a bare hostname or "*.suffix".
func validateRule(rule string) error {
	r := strings.TrimSpace(rule)
	if r == "" {
		return fmt.Errorf("empty host rule")
	}
	if strings.ContainsAny(r, "/ \t") {
		return fmt.Errorf("host rule %q must not contain slashes or spaces", rule)
	}
	if i := strings.Index(r, "*"); i >= 0 {
		if i != 0 || !strings.HasPrefix(r, "*.") || strings.Contains(r[1:], "*") {
			return fmt.Errorf("host rule %q: wildcard is only valid as a leading \"*.\"", rule)
		}
	}
	if _, err := url.Parse("http://" + strings.TrimPrefix(r, "*.")); err != nil {
		return fmt.Errorf("host rule %q is not a valid hostname: %w", rule, err)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Proxy.MaxBodyMB == 0 {
		c.Proxy.MaxBodyMB = 10
	}
	if c.Proxy.UserAgent == "" {
		c.Proxy.UserAgent = "Mozilla/5.0 (compatible; webgate/1.0)"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Static.Dir == "" {
		c.Static.Dir = "web/static"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// splitCSV splits a comma-separated list, trimming entries and dropping empties.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RewriteEnabled reports whether HTML responses should be rewritten.
// Rewriting defaults to on; ENABLE_REWRITE=false or rewrite_html=false in the
// config file turns it off.
func (c *Config) RewriteEnabled() bool {
	return c.Proxy.RewriteHTML == nil || *c.Proxy.RewriteHTML
}

// MaxBodyBytes returns the inbound request body ceiling in bytes.
func (c *Config) MaxBodyBytes() int64 {
	return int64(c.Proxy.MaxBodyMB) * 1024 * 1024
}
