package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ApplyEnvironment overrides file settings with BULU_* environment variables
func ApplyEnvironment(config *Config) {
	if host := getEnv("BULU_HOST", ""); host != "" {
		config.Host = host
	}

	if proto := getEnv("BULU_PROTO", ""); proto != "" {
		config.Proto = proto
	}

	if pem := getEnv("BULU_PEM_PATH", ""); pem != "" {
		config.PemPath = pem
	}

	if key := getEnv("BULU_KEY_PATH", ""); key != "" {
		config.KeyPath = key
	}

	if secret, ok := os.LookupEnv("BULU_JWT_SECRET"); ok {
		config.JwtSecret = secret
	}

	if timeout := getEnv("BULU_TIMEOUT", ""); timeout != "" {
		if t, err := time.ParseDuration(timeout); err == nil && t > 0 {
			config.Timeout = Duration(t)
		}
	}

	if maxRetries := getEnv("BULU_MAX_RETRIES", ""); maxRetries != "" {
		if retries, err := strconv.Atoi(maxRetries); err == nil && retries >= 0 {
			config.MaxRetries = retries
		}
	}

	if maxConns := getEnv("BULU_MAX_CONNS", ""); maxConns != "" {
		if n, err := strconv.Atoi(maxConns); err == nil && n >= 0 {
			config.MaxConns = n
		}
	}

	if admin := getEnv("BULU_ADMIN_HOST", ""); admin != "" {
		config.Admin.Host = admin
	}

	if level := getEnv("BULU_LOG_LEVEL", ""); level != "" {
		config.Logging.Level = level
	}

	if format := getEnv("BULU_LOG_FORMAT", ""); format != "" {
		config.Logging.Format = format
	}

	if output := getEnv("BULU_LOG_OUTPUT", ""); output != "" {
		config.Logging.Output = output
	}

	if file := getEnv("BULU_LOG_FILE", ""); file != "" {
		config.Logging.File = file
	}
}

// DefaultPath returns the configuration file used when none is given:
// $BULU_CONFIG, or bulu_conf.js next to the executable.
func DefaultPath() string {
	if path := getEnv("BULU_CONFIG", ""); path != "" {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return "bulu_conf.js"
	}
	return filepath.Join(filepath.Dir(exe), "bulu_conf.js")
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
