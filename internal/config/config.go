// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Export    ExportConfig    `mapstructure:"export"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Retention RetentionConfig `mapstructure:"retention"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                int      `mapstructure:"port"`
	CORSOrigins         []string `mapstructure:"cors_origins"`
	RequestTimeoutSec   int      `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSec  int      `mapstructure:"shutdown_timeout_seconds"`
	ReadHeaderTimeoutMs int      `mapstructure:"read_header_timeout_ms"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RemoteConfig points at the remote file store.
type RemoteConfig struct {
	BaseURL                  string `mapstructure:"base_url"`
	UserAgent                string `mapstructure:"user_agent"`
	ResponseHeaderTimeoutSec int    `mapstructure:"response_header_timeout_seconds"`

	// RequestsPerSecond caps calls per credential; zero leaves them unthrottled.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ExportConfig shapes both export kinds.
type ExportConfig struct {
	TimeLayout string `mapstructure:"time_layout"`
	TimeZone   string `mapstructure:"time_zone"`
	MaxDepth   int    `mapstructure:"max_depth"`
}

// ProgressConfig tunes the progress feed.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	WriteTimeoutMs int  `mapstructure:"write_timeout_ms"`
	LogEnabled     bool `mapstructure:"log_enabled"`
}

// RetentionConfig selects where generated CSV exports are copied, if anywhere.
type RetentionConfig struct {
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig selects the zap preset and minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing. An empty ProjectID keeps spans local.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Retention backends.
const (
	RetentionNone   = "none"
	RetentionMemory = "memory"
	RetentionLocal  = "local"
	RetentionGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TREEXPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Container platforms hand the listen port over as PORT.
	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8001)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.read_header_timeout_ms", 5000)
	// Keys without a useful default still need registering, or AutomaticEnv
	// never consults their TREEXPORT_* variables during Unmarshal.
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.user_agent", "treexport/0.1")
	v.SetDefault("remote.response_header_timeout_seconds", 30)
	v.SetDefault("remote.requests_per_second", 0)
	v.SetDefault("remote.burst", 5)
	v.SetDefault("export.time_layout", "1/2/2006, 3:04:05 PM")
	v.SetDefault("export.time_zone", "Local")
	v.SetDefault("export.max_depth", 0)
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.write_timeout_ms", 1000)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("retention.backend", RetentionNone)
	v.SetDefault("retention.prefix", "exports")
	v.SetDefault("retention.local_dir", "")
	v.SetDefault("retention.gcs_bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "treexport")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Export.MaxDepth < 0 {
		return fmt.Errorf("export.max_depth must be >= 0")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Remote.RequestsPerSecond < 0 {
		return fmt.Errorf("remote.requests_per_second must be >= 0")
	}
	if c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Retention.Backend {
	case "", RetentionNone, RetentionMemory:
	case RetentionLocal:
		if c.Retention.LocalDir == "" {
			return fmt.Errorf("retention.local_dir must be set for the local backend")
		}
	case RetentionGCS:
		if c.Retention.GCSBucket == "" {
			return fmt.Errorf("retention.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown retention.backend %q", c.Retention.Backend)
	}
	return nil
}

// Location resolves export.time_zone.
func (c Config) Location() (*time.Location, error) {
	if c.Export.TimeZone == "" || c.Export.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Export.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("export.time_zone: %w", err)
	}
	return loc, nil
}

// RequestTimeout bounds the short, non-streaming routes.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}

// WriteTimeout bounds a single progress frame write to an observer.
func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.Progress.WriteTimeoutMs) * time.Millisecond
}
