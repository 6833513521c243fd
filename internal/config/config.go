// Package config holds all configuration types and loading logic for BatchQ.
// Fields are only added to Config, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration wraps every problem reported by Validate.
var ErrConfiguration = errors.New("config: invalid configuration")

// Endpoint kinds.
const (
	KindMessage = "message"
	KindFile    = "file"
)

// Config is the root configuration for one BatchQ run.
type Config struct {
	Endpoint   EndpointConfig   `yaml:"endpoint"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Journal    JournalConfig    `yaml:"journal"`
	Inspect    InspectConfig    `yaml:"inspect"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// EndpointConfig describes the remote service items are sent to.
type EndpointConfig struct {
	BaseURL string `yaml:"base_url"`
	// Kind is "message" (JSON messages) or "file" (multipart uploads).
	Kind string `yaml:"kind"`
	// MessageType is email, app or sms. Only used when Kind is "message".
	MessageType string `yaml:"message_type"`
	// Template switches message sends to the named server-side template.
	Template string `yaml:"template"`

	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	SigningSecret string `yaml:"signing_secret"`

	// RateLimitRPS caps outgoing requests per second; 0 disables the cap.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// DispatcherConfig controls send rounds.
type DispatcherConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	MessageTimeout time.Duration `yaml:"message_timeout"`
	UploadTimeout  time.Duration `yaml:"upload_timeout"`
}

// JournalConfig controls queue persistence. An empty Path keeps the queue in
// memory only.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// InspectConfig controls the inspection HTTP API.
type InspectConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// APIKey, when set, is required as a Bearer token or X-Api-Key header.
	APIKey string `yaml:"api_key"`
	// RateLimit is requests per second per client IP; Burst allows spikes.
	RateLimit int `yaml:"rate_limit"`
	Burst     int `yaml:"burst"`
	// MaxBodyKB caps request bodies.
	MaxBodyKB int `yaml:"max_body_kb"`
}

// MetricsConfig controls the Prometheus metrics endpoint on the inspection API.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Kind:           KindMessage,
			MessageType:    "sms",
			RateLimitBurst: 1,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrency: 10,
			MessageTimeout: 120 * time.Second,
			UploadTimeout:  600 * time.Second,
		},
		Inspect: InspectConfig{
			Enabled:   false,
			Addr:      "127.0.0.1:8080",
			RateLimit: 50,
			Burst:     100,
			MaxBodyKB: 64,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	BATCHQ_API_USER        sets endpoint.user
//	BATCHQ_API_PASS        sets endpoint.password
//	BATCHQ_BASE_URL        sets endpoint.base_url
//	BATCHQ_MAX_CONCURRENCY sets dispatcher.max_concurrency
//	BATCHQ_INSPECT_API_KEY sets inspect.api_key
//
// Load does not validate; call Validate before use.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := applyEnv(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("BATCHQ_API_USER"); v != "" {
		cfg.Endpoint.User = v
	}
	if v := os.Getenv("BATCHQ_API_PASS"); v != "" {
		cfg.Endpoint.Password = v
	}
	if v := os.Getenv("BATCHQ_BASE_URL"); v != "" {
		cfg.Endpoint.BaseURL = v
	}
	if v := os.Getenv("BATCHQ_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: BATCHQ_MAX_CONCURRENCY=%q is not an integer", ErrConfiguration, v)
		}
		cfg.Dispatcher.MaxConcurrency = n
	}
	if v := os.Getenv("BATCHQ_INSPECT_API_KEY"); v != "" {
		cfg.Inspect.APIKey = v
	}
	return nil
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first problem found, wrapped in ErrConfiguration.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Endpoint.BaseURL == "" {
		return errors.New("endpoint.base_url must not be empty")
	}
	if !strings.HasPrefix(c.Endpoint.BaseURL, "http://") && !strings.HasPrefix(c.Endpoint.BaseURL, "https://") {
		return errors.New("endpoint.base_url must start with http:// or https://")
	}
	switch c.Endpoint.Kind {
	case KindMessage:
		switch c.Endpoint.MessageType {
		case "email", "app", "sms":
		default:
			return errors.New(`endpoint.message_type must be one of "email", "app", "sms"`)
		}
	case KindFile:
	default:
		return errors.New(`endpoint.kind must be "message" or "file"`)
	}
	if c.Endpoint.RateLimitRPS < 0 {
		return errors.New("endpoint.rate_limit_rps must be >= 0")
	}
	if c.Dispatcher.MaxConcurrency < 1 {
		return errors.New("dispatcher.max_concurrency must be at least 1")
	}
	if c.Dispatcher.MessageTimeout <= 0 {
		return errors.New("dispatcher.message_timeout must be positive")
	}
	if c.Dispatcher.UploadTimeout <= 0 {
		return errors.New("dispatcher.upload_timeout must be positive")
	}
	if c.Inspect.Enabled {
		if c.Inspect.Addr == "" {
			return errors.New("inspect.addr must not be empty when inspect is enabled")
		}
		if c.Inspect.RateLimit < 1 || c.Inspect.Burst < 1 {
			return errors.New("inspect.rate_limit and inspect.burst must be at least 1")
		}
		if c.Inspect.MaxBodyKB < 1 {
			return errors.New("inspect.max_body_kb must be at least 1")
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.New(`log.format must be "json" or "text"`)
	}
	return nil
}

// Timeout returns the per-request deadline for the configured endpoint kind.
func (c *Config) Timeout() time.Duration {
	if c.Endpoint.Kind == KindFile {
		return c.Dispatcher.UploadTimeout
	}
	return c.Dispatcher.MessageTimeout
}

// SlogLevel returns log.level as a slog.Level. Invalid levels map to Info;
// Validate reports them.
func (c *Config) SlogLevel() slog.Level {
	l, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level %q must be one of debug, info, warn, error", s)
}
