package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/batchq/internal/config"
)

// validConfig returns the defaults plus the one field they leave empty.
func validConfig() *config.Config {
	cfg := config.Default()
	cfg.Endpoint.BaseURL = "https://api.example.com"
	return cfg
}

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Dispatcher.MaxConcurrency != 10 {
		t.Errorf("expected default max_concurrency 10, got %d", cfg.Dispatcher.MaxConcurrency)
	}
	if cfg.Dispatcher.MessageTimeout != 120*time.Second {
		t.Errorf("expected default message_timeout 120s, got %s", cfg.Dispatcher.MessageTimeout)
	}
	if cfg.Dispatcher.UploadTimeout != 600*time.Second {
		t.Errorf("expected default upload_timeout 600s, got %s", cfg.Dispatcher.UploadTimeout)
	}
	if cfg.Endpoint.Kind != config.KindMessage {
		t.Errorf("expected default kind message, got %s", cfg.Endpoint.Kind)
	}
	if cfg.Inspect.Enabled {
		t.Error("inspection API must be disabled by default")
	}
	if cfg.Journal.Path != "" {
		t.Errorf("journal must be off by default, got %q", cfg.Journal.Path)
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Dispatcher.MaxConcurrency != 10 {
		t.Errorf("expected default max_concurrency for missing file, got %d", cfg.Dispatcher.MaxConcurrency)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
endpoint:
  base_url: "https://bpa.example.com"
  kind: file
dispatcher:
  max_concurrency: 4
  upload_timeout: 5m
journal:
  path: /tmp/batchq/journal.db
log:
  level: debug
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Endpoint.BaseURL != "https://bpa.example.com" {
		t.Errorf("expected base_url override, got %s", cfg.Endpoint.BaseURL)
	}
	if cfg.Dispatcher.MaxConcurrency != 4 {
		t.Errorf("expected max_concurrency 4, got %d", cfg.Dispatcher.MaxConcurrency)
	}
	if cfg.Timeout() != 5*time.Minute {
		t.Errorf("expected file timeout 5m, got %s", cfg.Timeout())
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", cfg.SlogLevel())
	}
	// Unset fields keep their defaults.
	if cfg.Dispatcher.MessageTimeout != 120*time.Second {
		t.Errorf("expected default message_timeout (unchanged), got %s", cfg.Dispatcher.MessageTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BATCHQ_API_USER", "svc")
	t.Setenv("BATCHQ_API_PASS", "pw")
	t.Setenv("BATCHQ_BASE_URL", "http://localhost:9000")
	t.Setenv("BATCHQ_MAX_CONCURRENCY", "3")
	t.Setenv("BATCHQ_INSPECT_API_KEY", "k")

	cfg, err := config.Load(writeTempYAML(t, "endpoint:\n  user: from-file\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Endpoint.User != "svc" || cfg.Endpoint.Password != "pw" {
		t.Errorf("credentials: got %q/%q", cfg.Endpoint.User, cfg.Endpoint.Password)
	}
	if cfg.Endpoint.BaseURL != "http://localhost:9000" {
		t.Errorf("base_url: got %s", cfg.Endpoint.BaseURL)
	}
	if cfg.Dispatcher.MaxConcurrency != 3 {
		t.Errorf("max_concurrency: got %d", cfg.Dispatcher.MaxConcurrency)
	}
	if cfg.Inspect.APIKey != "k" {
		t.Errorf("inspect.api_key: got %q", cfg.Inspect.APIKey)
	}
}

func TestLoad_BadEnvConcurrency(t *testing.T) {
	t.Setenv("BATCHQ_MAX_CONCURRENCY", "ten")
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "endpoint: [invalid: yaml: {{{}}")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty base url", func(c *config.Config) { c.Endpoint.BaseURL = "" }},
		{"non-http base url", func(c *config.Config) { c.Endpoint.BaseURL = "ftp://x" }},
		{"unknown kind", func(c *config.Config) { c.Endpoint.Kind = "fax" }},
		{"unknown message type", func(c *config.Config) { c.Endpoint.MessageType = "pigeon" }},
		{"zero concurrency", func(c *config.Config) { c.Dispatcher.MaxConcurrency = 0 }},
		{"negative concurrency", func(c *config.Config) { c.Dispatcher.MaxConcurrency = -1 }},
		{"zero message timeout", func(c *config.Config) { c.Dispatcher.MessageTimeout = 0 }},
		{"zero upload timeout", func(c *config.Config) { c.Dispatcher.UploadTimeout = 0 }},
		{"negative rate", func(c *config.Config) { c.Endpoint.RateLimitRPS = -1 }},
		{"inspect without addr", func(c *config.Config) { c.Inspect.Enabled = true; c.Inspect.Addr = "" }},
		{"bad log level", func(c *config.Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *config.Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, config.ErrConfiguration) {
				t.Errorf("want ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestValidate_FileKindIgnoresMessageType(t *testing.T) {
	cfg := validConfig()
	cfg.Endpoint.Kind = config.KindFile
	cfg.Endpoint.MessageType = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("file endpoint: %v", err)
	}
	if cfg.Timeout() != 600*time.Second {
		t.Errorf("file Timeout: want 600s, got %s", cfg.Timeout())
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
