package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mir00r/bulu/internal/domain"
	lberrors "github.com/mir00r/bulu/internal/errors"
	"github.com/mir00r/bulu/pkg/logger"
	"gopkg.in/yaml.v2"
)

// Config is the proxy configuration. Exactly one of Nodes (flat mode) or
// Domains (virtual-host mode) must be set.
type Config struct {
	Host      string           `json:"host" yaml:"host"`
	PemPath   string           `json:"pemPath" yaml:"pemPath"`
	KeyPath   string           `json:"keyPath" yaml:"keyPath"`
	Proto     string           `json:"proto" yaml:"proto"`
	JwtSecret string           `json:"jwtSecret,omitempty" yaml:"jwtSecret,omitempty"`
	RateLimit *RateLimitConfig `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	Nodes     []NodeConfig     `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Domains   []DomainConfig   `json:"domains,omitempty" yaml:"domains,omitempty"`

	Timeout     Duration          `json:"timeout" yaml:"timeout"`
	MaxRetries  int               `json:"maxRetries" yaml:"maxRetries"`
	MaxConns    int               `json:"maxConns" yaml:"maxConns"`
	Listeners   int               `json:"listeners" yaml:"listeners"`
	Upstream    UpstreamConfig    `json:"upstream" yaml:"upstream"`
	HealthCheck HealthCheckConfig `json:"healthCheck" yaml:"healthCheck"`
	Admin       AdminConfig       `json:"admin" yaml:"admin"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

// RateLimitConfig is the global fixed-window admission policy
type RateLimitConfig struct {
	RateTime  Duration `json:"rateTime" yaml:"rateTime"`
	RateLimit int64    `json:"rateLimit" yaml:"rateLimit"`
}

// Enabled reports whether the policy admits a bounded number of requests
func (r *RateLimitConfig) Enabled() bool {
	return r != nil && r.RateLimit > 0
}

// DomainConfig maps a virtual host to its node pool
type DomainConfig struct {
	Domain string       `json:"domain" yaml:"domain"`
	Nodes  []NodeConfig `json:"nodes" yaml:"nodes"`
}

// NodeConfig describes one backend node
type NodeConfig struct {
	Name    string `json:"name" yaml:"name"`
	URL     string `json:"url" yaml:"url"`
	Weights int    `json:"weights" yaml:"weights"`
}

// UpstreamConfig tunes the per-node connection pools
type UpstreamConfig struct {
	DialTimeout           Duration `json:"dialTimeout" yaml:"dialTimeout"`
	ResponseHeaderTimeout Duration `json:"responseHeaderTimeout" yaml:"responseHeaderTimeout"`
	IdleConnTimeout       Duration `json:"idleConnTimeout" yaml:"idleConnTimeout"`
	MaxIdleConnsPerNode   int      `json:"maxIdleConnsPerNode" yaml:"maxIdleConnsPerNode"`
}

// HealthCheckConfig controls the background node prober
type HealthCheckConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Interval Duration `json:"interval" yaml:"interval"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
	Path     string   `json:"path" yaml:"path"`
}

// AdminConfig controls the admin API listener; an empty host disables it
type AdminConfig struct {
	Host string `json:"host" yaml:"host"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	Output     string `json:"output" yaml:"output"`
	File       string `json:"file" yaml:"file"`
	MaxSize    int    `json:"maxSize" yaml:"maxSize"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	MaxAge     int    `json:"maxAge" yaml:"maxAge"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// Duration is a time.Duration written as a Go duration string ("1s", "500ms")
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"1s\": %w", err)
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// DefaultConfig returns a configuration with sensible defaults and no nodes
func DefaultConfig() *Config {
	return &Config{
		Host:       ":7003",
		Proto:      "http",
		Timeout:    Duration(30 * time.Second),
		MaxRetries: 1,
		Upstream: UpstreamConfig{
			DialTimeout:           Duration(2 * time.Second),
			ResponseHeaderTimeout: Duration(15 * time.Second),
			IdleConnTimeout:       Duration(90 * time.Second),
			MaxIdleConnsPerNode:   64,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:  true,
			Interval: Duration(10 * time.Second),
			Timeout:  Duration(2 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
	}
}

// Parse decodes a configuration document on top of the defaults. Files
// ending in .yaml or .yml are YAML, everything else (bulu_conf.js, .json)
// is JSON.
func Parse(data []byte, filename string) (*Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, lberrors.NewConfigError("failed to parse %s: %v", filename, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, lberrors.NewConfigError("failed to parse %s: %v", filename, err)
		}
	}
	return cfg, nil
}

// LoadFromFile reads and parses a configuration file without validating it
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, lberrors.NewConfigError("failed to read config file %s: %v", filename, err)
	}
	return Parse(data, filename)
}

// Load reads the file, applies environment overrides and validates the result
func Load(filename string) (*Config, error) {
	cfg, err := LoadFromFile(filename)
	if err != nil {
		return nil, err
	}
	ApplyEnvironment(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FlatMode reports whether the configuration uses a single global pool
func (c *Config) FlatMode() bool {
	return len(c.Nodes) > 0
}

// AuthEnabled reports whether bearer tokens are required
func (c *Config) AuthEnabled() bool {
	return c.JwtSecret != "" && c.JwtSecret != "none"
}

// TransportConfig converts the upstream settings for node construction
func (c *Config) TransportConfig() domain.TransportConfig {
	return domain.TransportConfig{
		DialTimeout:           c.Upstream.DialTimeout.Std(),
		ResponseHeaderTimeout: c.Upstream.ResponseHeaderTimeout.Std(),
		IdleConnTimeout:       c.Upstream.IdleConnTimeout.Std(),
		MaxIdleConnsPerHost:   c.Upstream.MaxIdleConnsPerNode,
	}
}

// LoggerConfig converts the logging section for logger.New
func (l LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      l.Level,
		Format:     l.Format,
		Output:     l.Output,
		File:       l.File,
		MaxSize:    l.MaxSize,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAge,
		Compress:   l.Compress,
	}
}

// Validate checks the configuration and returns a CONFIG_INVALID error
// describing the first problem found.
func (c *Config) Validate() error {
	if c.Host == "" {
		return lberrors.NewConfigError("host cannot be empty")
	}

	switch c.Proto {
	case "http":
	case "https":
		if c.PemPath == "" || c.KeyPath == "" {
			return lberrors.NewConfigError("proto https requires pemPath and keyPath")
		}
		if _, err := os.Stat(c.PemPath); err != nil {
			return lberrors.NewConfigError("pemPath: %v", err)
		}
		if _, err := os.Stat(c.KeyPath); err != nil {
			return lberrors.NewConfigError("keyPath: %v", err)
		}
	default:
		return lberrors.NewConfigError("proto must be either http or https, got %q", c.Proto)
	}

	hasNodes, hasDomains := len(c.Nodes) > 0, len(c.Domains) > 0
	switch {
	case hasNodes && hasDomains:
		return lberrors.NewConfigError("nodes and domains are mutually exclusive")
	case !hasNodes && !hasDomains:
		return lberrors.NewConfigError("either nodes or domains must be configured")
	}

	if hasNodes {
		if err := validatePool("nodes", c.Nodes); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.Domains))
	for i, d := range c.Domains {
		host := domain.NormalizeHost(d.Domain)
		if host == "" {
			return lberrors.NewConfigError("domains[%d]: domain cannot be empty", i)
		}
		if seen[host] {
			return lberrors.NewConfigError("domains[%d]: duplicate domain %q", i, d.Domain)
		}
		seen[host] = true
		if err := validatePool(fmt.Sprintf("domains[%d] (%s)", i, d.Domain), d.Nodes); err != nil {
			return err
		}
	}

	if c.RateLimit.Enabled() && c.RateLimit.RateTime <= 0 {
		return lberrors.NewConfigError("rateLimit.rateTime must be a positive duration")
	}
	if c.Timeout <= 0 {
		return lberrors.NewConfigError("timeout must be positive: %v", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return lberrors.NewConfigError("maxRetries cannot be negative: %d", c.MaxRetries)
	}
	if c.MaxConns < 0 {
		return lberrors.NewConfigError("maxConns cannot be negative: %d", c.MaxConns)
	}
	if c.Listeners < 0 {
		return lberrors.NewConfigError("listeners cannot be negative: %d", c.Listeners)
	}
	if c.Upstream.DialTimeout < 0 || c.Upstream.ResponseHeaderTimeout < 0 || c.Upstream.IdleConnTimeout < 0 {
		return lberrors.NewConfigError("upstream timeouts cannot be negative")
	}

	// Both apply with checks disabled too: the startup probe and the
	// recovery of nodes taken out by failed requests still run.
	if c.HealthCheck.Interval <= 0 {
		return lberrors.NewConfigError("healthCheck.interval must be positive")
	}
	if c.HealthCheck.Timeout <= 0 {
		return lberrors.NewConfigError("healthCheck.timeout must be positive")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return lberrors.NewConfigError("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return lberrors.NewConfigError("invalid log format: %s", c.Logging.Format)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return lberrors.NewConfigError("invalid log output: %s", c.Logging.Output)
	}

	return nil
}

func validatePool(label string, nodes []NodeConfig) error {
	if len(nodes) == 0 {
		return lberrors.NewConfigError("%s: pool cannot be empty", label)
	}

	names := make(map[string]bool, len(nodes))
	total := 0
	for i, n := range nodes {
		if n.Name == "" {
			return lberrors.NewConfigError("%s: node[%d] name cannot be empty", label, i)
		}
		if names[n.Name] {
			return lberrors.NewConfigError("%s: duplicate node name %q", label, n.Name)
		}
		names[n.Name] = true

		if _, err := ParseNodeURL(n.URL); err != nil {
			return lberrors.NewConfigError("%s: node %q: %v", label, n.Name, err)
		}
		if n.Weights <= 0 {
			return lberrors.NewConfigError("%s: node %q: weights must be positive", label, n.Name)
		}
		total += n.Weights
	}
	if total <= 0 {
		return lberrors.NewConfigError("%s: total weight must be positive", label)
	}
	return nil
}

// ParseNodeURL parses a node address, accepting only absolute http(s) URLs
func ParseNodeURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	return u, nil
}
