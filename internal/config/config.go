// Package config loads and validates client configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all client configuration.
type Config struct {
	// Tracking server settings.
	TrackingURI    string
	RequestTimeout time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	timeout, err := envDuration("MLFLOW_HTTP_REQUEST_TIMEOUT", 120*time.Second)
	collect(err)
	insecure, err := envBool("MLFLOW_GO_OTEL_INSECURE", false)
	collect(err)

	cfg := Config{
		TrackingURI:    envStr("MLFLOW_TRACKING_URI", "http://localhost:5000"),
		RequestTimeout: timeout,
		OTELEndpoint:   envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:   insecure,
		ServiceName:    envStr("OTEL_SERVICE_NAME", "mlflow-go"),
		LogLevel:       envStr("MLFLOW_GO_LOG_LEVEL", "info"),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and well formed.
func (c Config) Validate() error {
	if c.TrackingURI == "" {
		return fmt.Errorf("config: MLFLOW_TRACKING_URI is required")
	}
	u, err := url.Parse(c.TrackingURI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: MLFLOW_TRACKING_URI=%q must be an http(s) URL", c.TrackingURI)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: MLFLOW_HTTP_REQUEST_TIMEOUT must be positive")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: MLFLOW_GO_LOG_LEVEL: %w", err)
	}
	return nil
}

// SlogLevel returns the configured log level. Validate guarantees it parses.
func (c Config) SlogLevel() slog.Level {
	level, _ := ParseLogLevel(c.LogLevel)
	return level
}

// ParseLogLevel maps debug, info, warn, and error (case-insensitive) to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

// envDuration accepts a Go duration ("90s", "2m") or a bare integer number of
// seconds, which is how the Python client reads its timeout variables.
func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	if secs, err := envInt(key, 0); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
