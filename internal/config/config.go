// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Auth     AuthConfig     `mapstructure:"auth" json:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging" json:"logging"`
	Fetch    FetchConfig    `mapstructure:"fetch" json:"fetch"`
	Collect  CollectConfig  `mapstructure:"collect" json:"collect"`
	Headless HeadlessConfig `mapstructure:"headless" json:"headless"`
	LLM      LLMConfig      `mapstructure:"llm" json:"llm"`
	Storage  StorageConfig  `mapstructure:"storage" json:"storage"`
	DB       DBConfig       `mapstructure:"db" json:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub" json:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress" json:"progress"`
	Sources  SourcesConfig  `mapstructure:"sources" json:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port" json:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	APIKey  string `mapstructure:"api_key" json:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development" json:"development"`
	Level       string `mapstructure:"level" json:"level"`
}

// FetchConfig holds the global fetch defaults that per-source settings
// override.
type FetchConfig struct {
	UserAgent             string  `mapstructure:"user_agent" json:"user_agent"`
	DefaultTimeoutSeconds float64 `mapstructure:"default_timeout_seconds" json:"default_timeout_seconds"`
	DefaultRateLimitRPS   float64 `mapstructure:"default_rate_limit_rps" json:"default_rate_limit_rps"`
	DefaultMaxRetries     int     `mapstructure:"default_max_retries" json:"default_max_retries"`
	Burst                 int     `mapstructure:"burst" json:"burst"`
}

// CollectConfig governs collect-stage fan-out and serve-mode queueing.
type CollectConfig struct {
	Concurrency int `mapstructure:"concurrency" json:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth" json:"queue_depth"`
	Executors   int `mapstructure:"executors" json:"executors"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled" json:"enabled"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds" json:"nav_timeout_seconds"`
}

// LLMConfig identifies the completion provider and model for extraction.
type LLMConfig struct {
	Provider       string  `mapstructure:"provider" json:"provider"`
	Model          string  `mapstructure:"model" json:"model"`
	BaseURL        string  `mapstructure:"base_url" json:"base_url"`
	Temperature    float64 `mapstructure:"temperature" json:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens" json:"max_tokens"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds" json:"timeout_seconds"`
}

// StorageConfig selects the snapshot/parse backend and its paths.
type StorageConfig struct {
	Backend            string `mapstructure:"backend" json:"backend"`
	SnapshotsDir       string `mapstructure:"snapshots_dir" json:"snapshots_dir"`
	ParsedDir          string `mapstructure:"parsed_dir" json:"parsed_dir"`
	ConfigSnapshotsDir string `mapstructure:"config_snapshots_dir" json:"config_snapshots_dir"`
	GCSBucket          string `mapstructure:"gcs_bucket" json:"gcs_bucket"`
	GCSPrefix          string `mapstructure:"gcs_prefix" json:"gcs_prefix"`
}

// DBConfig controls access to the run registry database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn" json:"dsn"`
	MaxConns int    `mapstructure:"max_conns" json:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id" json:"project_id"`
	TopicName string `mapstructure:"topic_name" json:"topic_name"`
}

// ProgressConfig tunes the run-event hub that feeds the registry and
// metrics sinks.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled" json:"enabled"`
	LogEvents      bool `mapstructure:"log_events" json:"log_events"`
	BufferSize     int  `mapstructure:"buffer_size" json:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events" json:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms" json:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms" json:"sink_timeout_ms"`
}

// BatchWait converts the hub flush interval into a duration.
func (p ProgressConfig) BatchWait() time.Duration {
	return time.Duration(p.MaxBatchWaitMs) * time.Millisecond
}

// SinkTimeout converts the per-sink flush timeout into a duration.
func (p ProgressConfig) SinkTimeout() time.Duration {
	return time.Duration(p.SinkTimeoutMs) * time.Millisecond
}

// SourcesConfig points at the declarative sources file.
type SourcesConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEADPIPE")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("fetch.user_agent", "JobAgent/1.0 (Lead Discovery Bot)")
	v.SetDefault("fetch.default_timeout_seconds", 20.0)
	v.SetDefault("fetch.default_rate_limit_rps", 1.0)
	v.SetDefault("fetch.default_max_retries", 3)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("collect.concurrency", 1)
	v.SetDefault("collect.queue_depth", 16)
	v.SetDefault("collect.executors", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.snapshots_dir", "data/snapshots")
	v.SetDefault("storage.parsed_dir", "data/parsed")
	v.SetDefault("storage.config_snapshots_dir", "data/config_snapshots")
	v.SetDefault("storage.gcs_prefix", "snapshots")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("sources.path", "sources.yaml")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.default_timeout_seconds must be > 0")
	}
	if c.Fetch.DefaultMaxRetries <= 0 {
		return fmt.Errorf("fetch.default_max_retries must be > 0")
	}
	if c.Collect.Concurrency <= 0 {
		return fmt.Errorf("collect.concurrency must be > 0")
	}
	switch c.Storage.Backend {
	case "fs", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be one of fs, memory, gcs")
	}
	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("llm.provider must be one of openai, ollama")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model must be set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// Redacted returns a copy safe to persist in run artifacts. Credentials are
// masked, everything else is kept verbatim.
func (c Config) Redacted() Config {
	if c.Auth.APIKey != "" {
		c.Auth.APIKey = "[redacted]"
	}
	if c.DB.DSN != "" {
		c.DB.DSN = "[redacted]"
	}
	return c
}

// FetchTimeout converts the default fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.DefaultTimeoutSeconds * float64(time.Second))
}

// LLMTimeout converts the completion-call timeout into a duration.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}
