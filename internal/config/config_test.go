package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Setenv("PORT", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  cors_origins: ["https://app.example.com"]
  request_timeout_seconds: 30
auth:
  enabled: true
  api_key: secret
remote:
  base_url: https://acme.egnyte.com
  user_agent: test-agent
export:
  time_layout: "2006-01-02 15:04"
  time_zone: UTC
  max_depth: 4
progress:
  buffer_size: 32
  write_timeout_ms: 250
  log_enabled: true
retention:
  backend: local
  local_dir: /tmp/exports
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://app.example.com" {
		t.Fatalf("expected cors origins override, got %v", cfg.Server.CORSOrigins)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Remote.BaseURL != "https://acme.egnyte.com" || cfg.Remote.UserAgent != "test-agent" {
		t.Fatalf("expected remote overrides to apply: %+v", cfg.Remote)
	}
	if cfg.Export.MaxDepth != 4 || cfg.Export.TimeLayout != "2006-01-02 15:04" {
		t.Fatalf("expected export overrides to apply: %+v", cfg.Export)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("expected UTC location, got %v (%v)", loc, err)
	}
	if cfg.Retention.Backend != RetentionLocal || cfg.Retention.LocalDir != "/tmp/exports" {
		t.Fatalf("expected retention overrides: %+v", cfg.Retention)
	}
	if got := cfg.WriteTimeout(); got != 250*time.Millisecond {
		t.Fatalf("expected write timeout 250ms, got %v", got)
	}
	if got := cfg.RequestTimeout(); got != 30*time.Second {
		t.Fatalf("expected request timeout 30s, got %v", got)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("TREEXPORT_REMOTE_BASE_URL", "https://env.egnyte.com")
	t.Setenv("PORT", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8001 {
		t.Fatalf("expected default port 8001, got %d", cfg.Server.Port)
	}
	if cfg.Remote.BaseURL != "https://env.egnyte.com" {
		t.Fatalf("expected base url from env, got %q", cfg.Remote.BaseURL)
	}
	if cfg.Export.TimeLayout != "1/2/2006, 3:04:05 PM" {
		t.Fatalf("unexpected default time layout %q", cfg.Export.TimeLayout)
	}
	if cfg.Progress.BufferSize != 256 {
		t.Fatalf("unexpected default buffer size %d", cfg.Progress.BufferSize)
	}
	if cfg.Retention.Backend != RetentionNone {
		t.Fatalf("unexpected default retention backend %q", cfg.Retention.Backend)
	}
	if cfg.Remote.RequestsPerSecond != 0 || cfg.Remote.Burst != 5 {
		t.Fatalf("unexpected remote rate defaults %+v", cfg.Remote)
	}
	if cfg.Telemetry.ServiceName != "treexport" || cfg.Telemetry.SampleRatio != 1 {
		t.Fatalf("unexpected telemetry defaults %+v", cfg.Telemetry)
	}
}

func TestLoadPortEnvOverride(t *testing.T) {
	t.Setenv("TREEXPORT_REMOTE_BASE_URL", "https://env.egnyte.com")
	t.Setenv("PORT", "7070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected PORT override, got %d", cfg.Server.Port)
	}
}

func TestLoadEnvOnlyKeys(t *testing.T) {
	env := map[string]string{
		"TREEXPORT_REMOTE_BASE_URL":      "https://env.egnyte.com",
		"TREEXPORT_AUTH_ENABLED":         "true",
		"TREEXPORT_AUTH_API_KEY":         "k3y",
		"TREEXPORT_RETENTION_BACKEND":    RetentionGCS,
		"TREEXPORT_RETENTION_GCS_BUCKET": "exports-bucket",
		"TREEXPORT_RETENTION_LOCAL_DIR":  "/var/lib/treexport",
		"TREEXPORT_PUBSUB_PROJECT_ID":    "proj",
		"TREEXPORT_PUBSUB_TOPIC_NAME":    "exports",
		"TREEXPORT_TELEMETRY_PROJECT_ID": "trace-proj",
		"TREEXPORT_LOGGING_LEVEL":        "warn",
		"PORT":                           "",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "k3y" {
		t.Fatalf("auth not read from env: %+v", cfg.Auth)
	}
	if cfg.Retention.Backend != RetentionGCS || cfg.Retention.GCSBucket != "exports-bucket" ||
		cfg.Retention.LocalDir != "/var/lib/treexport" {
		t.Fatalf("retention not read from env: %+v", cfg.Retention)
	}
	if cfg.PubSub.ProjectID != "proj" || cfg.PubSub.TopicName != "exports" {
		t.Fatalf("pubsub not read from env: %+v", cfg.PubSub)
	}
	if cfg.Telemetry.ProjectID != "trace-proj" {
		t.Fatalf("telemetry project not read from env: %+v", cfg.Telemetry)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("logging level not read from env: %+v", cfg.Logging)
	}
}

func TestLoadRejectsMissingBaseURL(t *testing.T) {
	t.Setenv("TREEXPORT_REMOTE_BASE_URL", "")
	t.Setenv("PORT", "")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "remote.base_url") {
		t.Fatalf("expected base url validation error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Remote:   RemoteConfig{BaseURL: "https://acme.egnyte.com"},
		Progress: ProgressConfig{BufferSize: 8},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "negative depth",
			cfg: func() Config {
				c := base
				c.Export.MaxDepth = -1
				return c
			}(),
			want: "export.max_depth",
		},
		{
			name: "unknown zone",
			cfg: func() Config {
				c := base
				c.Export.TimeZone = "Mars/Olympus"
				return c
			}(),
			want: "export.time_zone",
		},
		{
			name: "zero buffer",
			cfg: func() Config {
				c := base
				c.Progress.BufferSize = 0
				return c
			}(),
			want: "progress.buffer_size",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Retention.Backend = RetentionGCS
				return c
			}(),
			want: "retention.gcs_bucket",
		},
		{
			name: "sample ratio above one",
			cfg: func() Config {
				c := base
				c.Telemetry.SampleRatio = 1.5
				return c
			}(),
			want: "telemetry.sample_ratio",
		},
		{
			name: "bad log level",
			cfg: func() Config {
				c := base
				c.Logging.Level = "loud"
				return c
			}(),
			want: "logging.level",
		},
		{
			name: "negative request rate",
			cfg: func() Config {
				c := base
				c.Remote.RequestsPerSecond = -1
				return c
			}(),
			want: "remote.requests_per_second",
		},
		{
			name: "unknown backend",
			cfg: func() Config {
				c := base
				c.Retention.Backend = "s3"
				return c
			}(),
			want: "retention.backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
