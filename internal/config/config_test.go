package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	lberrors "github.com/mir00r/bulu/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFlatConfig() *Config {
	cfg := DefaultConfig()
	cfg.Nodes = []NodeConfig{
		{Name: "a", URL: "http://127.0.0.1:9001", Weights: 1},
		{Name: "b", URL: "http://127.0.0.1:9002", Weights: 2},
	}
	return cfg
}

func TestLoadTabIndentedJSON(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "bulu_conf.js"))
	require.NoError(t, err)

	assert.Equal(t, ":7003", cfg.Host)
	assert.False(t, cfg.FlatMode())
	assert.False(t, cfg.AuthEnabled(), "jwtSecret none disables auth")
	require.NotNil(t, cfg.RateLimit)
	assert.True(t, cfg.RateLimit.Enabled())
	assert.Equal(t, time.Second, cfg.RateLimit.RateTime.Std())
	assert.Equal(t, int64(3), cfg.RateLimit.RateLimit)

	require.Len(t, cfg.Domains, 2)
	assert.Equal(t, "ccc.xbyct.net", cfg.Domains[1].Domain)
	assert.Equal(t, 100, cfg.Domains[1].Nodes[0].Weights)

	// Defaults survive for keys the file does not mention
	assert.Equal(t, 30*time.Second, cfg.Timeout.Std())
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.True(t, cfg.HealthCheck.Enabled)
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "flat.yaml"))
	require.NoError(t, err)

	assert.True(t, cfg.FlatMode())
	assert.True(t, cfg.AuthEnabled())
	assert.Nil(t, cfg.RateLimit)
	assert.Equal(t, 5*time.Second, cfg.Timeout.Std())
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, "/healthz", cfg.HealthCheck.Path)
	assert.Equal(t, 3*time.Second, cfg.HealthCheck.Interval.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Nodes, 2)
	assert.Equal(t, 2, cfg.Nodes[0].Weights)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.js"))
	require.Error(t, err)
	assert.Equal(t, lberrors.ErrCodeConfigInvalid, lberrors.GetErrorCode(err))
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte(`{"host": `), "bulu_conf.js")
	require.Error(t, err)
	assert.Equal(t, lberrors.ErrCodeConfigInvalid, lberrors.GetErrorCode(err))

	_, err = Parse([]byte(`{"timeout": 30}`), "bulu_conf.json")
	assert.Error(t, err, "durations must be strings")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"flat ok", func(c *Config) {}, true},
		{"domains ok", func(c *Config) {
			c.Domains = []DomainConfig{{Domain: "a.example", Nodes: c.Nodes}}
			c.Nodes = nil
		}, true},
		{"both nodes and domains", func(c *Config) {
			c.Domains = []DomainConfig{{Domain: "a.example", Nodes: c.Nodes}}
		}, false},
		{"neither nodes nor domains", func(c *Config) { c.Nodes = nil }, false},
		{"empty domain pool", func(c *Config) {
			c.Domains = []DomainConfig{{Domain: "a.example"}}
			c.Nodes = nil
		}, false},
		{"duplicate domain ignoring case and port", func(c *Config) {
			c.Domains = []DomainConfig{
				{Domain: "a.example", Nodes: c.Nodes},
				{Domain: "A.Example:443", Nodes: c.Nodes},
			}
			c.Nodes = nil
		}, false},
		{"empty domain name", func(c *Config) {
			c.Domains = []DomainConfig{{Domain: "", Nodes: c.Nodes}}
			c.Nodes = nil
		}, false},
		{"duplicate node name", func(c *Config) { c.Nodes[1].Name = "a" }, false},
		{"empty node name", func(c *Config) { c.Nodes[0].Name = "" }, false},
		{"zero weight", func(c *Config) { c.Nodes[0].Weights = 0 }, false},
		{"negative weight", func(c *Config) { c.Nodes[0].Weights = -1 }, false},
		{"malformed url", func(c *Config) { c.Nodes[0].URL = "://bad" }, false},
		{"relative url", func(c *Config) { c.Nodes[0].URL = "127.0.0.1:9001" }, false},
		{"unsupported scheme", func(c *Config) { c.Nodes[0].URL = "ftp://127.0.0.1" }, false},
		{"bad proto", func(c *Config) { c.Proto = "gopher" }, false},
		{"https without cert", func(c *Config) { c.Proto = "https" }, false},
		{"https with missing cert file", func(c *Config) {
			c.Proto = "https"
			c.PemPath = "/nonexistent/cert.pem"
			c.KeyPath = "/nonexistent/key.pem"
		}, false},
		{"empty host", func(c *Config) { c.Host = "" }, false},
		{"rate limit without window", func(c *Config) {
			c.RateLimit = &RateLimitConfig{RateLimit: 5}
		}, false},
		{"rate limit zero is disabled", func(c *Config) {
			c.RateLimit = &RateLimitConfig{RateLimit: 0}
		}, true},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, false},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, false},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, true},
		{"bad health interval", func(c *Config) { c.HealthCheck.Interval = 0 }, false},
		{"zero health timeout", func(c *Config) { c.HealthCheck.Timeout = 0 }, false},
		{"disabled health check still needs interval", func(c *Config) {
			c.HealthCheck.Enabled = false
			c.HealthCheck.Interval = 0
		}, false},
		{"disabled health check still needs timeout", func(c *Config) {
			c.HealthCheck.Enabled = false
			c.HealthCheck.Timeout = 0
		}, false},
		{"disabled health check", func(c *Config) { c.HealthCheck.Enabled = false }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validFlatConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, lberrors.ErrCodeConfigInvalid, lberrors.GetErrorCode(err))
		})
	}
}

func TestHTTPSWithCertificates(t *testing.T) {
	dir := t.TempDir()
	pem := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(pem, []byte("cert"), 0600))
	require.NoError(t, os.WriteFile(key, []byte("key"), 0600))

	cfg := validFlatConfig()
	cfg.Proto = "https"
	cfg.PemPath = pem
	cfg.KeyPath = key
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvironment(t *testing.T) {
	t.Setenv("BULU_HOST", "127.0.0.1:9999")
	t.Setenv("BULU_JWT_SECRET", "from-env")
	t.Setenv("BULU_TIMEOUT", "3s")
	t.Setenv("BULU_MAX_RETRIES", "4")
	t.Setenv("BULU_LOG_LEVEL", "warn")
	t.Setenv("BULU_ADMIN_HOST", "127.0.0.1:9998")

	cfg := validFlatConfig()
	ApplyEnvironment(cfg)

	assert.Equal(t, "127.0.0.1:9999", cfg.Host)
	assert.Equal(t, "from-env", cfg.JwtSecret)
	assert.Equal(t, 3*time.Second, cfg.Timeout.Std())
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:9998", cfg.Admin.Host)
}

func TestApplyEnvironmentIgnoresGarbage(t *testing.T) {
	t.Setenv("BULU_TIMEOUT", "soon")
	t.Setenv("BULU_MAX_RETRIES", "-2")

	cfg := validFlatConfig()
	ApplyEnvironment(cfg)

	assert.Equal(t, 30*time.Second, cfg.Timeout.Std())
	assert.Equal(t, 1, cfg.MaxRetries)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("BULU_CONFIG", "/etc/bulu/bulu_conf.js")
	assert.Equal(t, "/etc/bulu/bulu_conf.js", DefaultPath())

	t.Setenv("BULU_CONFIG", "")
	assert.Equal(t, "bulu_conf.js", filepath.Base(DefaultPath()))
}

func TestTransportConfig(t *testing.T) {
	cfg := DefaultConfig()
	tc := cfg.TransportConfig()
	assert.Equal(t, 2*time.Second, tc.DialTimeout)
	assert.Equal(t, 15*time.Second, tc.ResponseHeaderTimeout)
	assert.Equal(t, 64, tc.MaxIdleConnsPerHost)
}
