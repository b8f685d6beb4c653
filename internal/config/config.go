// Package config loads service configuration via Viper. Every key in the
// defaults table can be overridden by an environment variable of the same
// name uppercased (MAX_PAGES_LIMIT, CRAWLER_USER_AGENT, ...) or a config
// file handed to Load.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config captures all daemon knobs.
type Config struct {
	API      APIConfig      `mapstructure:",squash"`
	DB       DBConfig       `mapstructure:",squash"`
	Jobs     JobsConfig     `mapstructure:",squash"`
	Crawler  CrawlerConfig  `mapstructure:",squash"`
	Worker   WorkerConfig   `mapstructure:",squash"`
	Quality  QualityConfig  `mapstructure:",squash"`
	Headless HeadlessConfig `mapstructure:",squash"`
	Cloud    CloudConfig    `mapstructure:",squash"`
	Logging  LoggingConfig  `mapstructure:",squash"`
}

// APIConfig controls the HTTP control plane.
type APIConfig struct {
	Port int `mapstructure:"api_port"`
}

// DBConfig selects and configures the store backend.
type DBConfig struct {
	Backend string `mapstructure:"db_backend"`
	Path    string `mapstructure:"db_path"`
	DSN     string `mapstructure:"db_dsn"`
}

// JobsConfig bounds per-job parameters.
type JobsConfig struct {
	MaxPagesLimit         int    `mapstructure:"max_pages_limit"`
	DefaultMaxPages       int    `mapstructure:"default_max_pages"`
	DefaultTimeoutSeconds int    `mapstructure:"default_timeout_seconds"`
	MaxTimeoutSeconds     int    `mapstructure:"max_timeout_seconds"`
	ExpiryHours           int    `mapstructure:"job_expiry_hours"`
	OutputDir             string `mapstructure:"output_dir"`
}

// CrawlerConfig governs the fetch pipeline.
type CrawlerConfig struct {
	ConcurrentRequests int     `mapstructure:"crawler_concurrent_requests"`
	DownloadDelay      float64 `mapstructure:"crawler_download_delay"`
	DepthLimit         int     `mapstructure:"crawler_depth_limit"`
	UserAgent          string  `mapstructure:"crawler_user_agent"`
	RespectRobots      bool    `mapstructure:"respect_robots"`
	LeaseTTLSeconds    int     `mapstructure:"lease_ttl_seconds"`
	DrainSeconds       int     `mapstructure:"drain_timeout_seconds"`
}

// WorkerConfig tunes the supervisor loop.
type WorkerConfig struct {
	PollIntervalSeconds int `mapstructure:"worker_poll_interval_seconds"`
	HeartbeatSeconds    int `mapstructure:"heartbeat_interval_seconds"`
	OrphanedSeconds     int `mapstructure:"orphaned_threshold_seconds"`
	StalledSeconds      int `mapstructure:"stalled_threshold_seconds"`
	HardStalledSeconds  int `mapstructure:"hard_stalled_threshold_seconds"`
	MaxRestarts         int `mapstructure:"max_restarts"`
}

// QualityConfig anchors the quality gate.
type QualityConfig struct {
	MinTextSuccess  int `mapstructure:"min_text_length_success"`
	MinTextMarginal int `mapstructure:"min_text_length_marginal"`
}

// HeadlessConfig controls the JS fetch backend.
type HeadlessConfig struct {
	Enabled     bool `mapstructure:"headless_enabled"`
	MaxParallel int  `mapstructure:"headless_max_parallel"`
}

// CloudConfig configures optional artifact mirroring and event publishing.
type CloudConfig struct {
	GCSBucket       string `mapstructure:"gcs_bucket"`
	PubSubProjectID string `mapstructure:"pubsub_project_id"`
	PubSubTopic     string `mapstructure:"pubsub_topic"`
}

// LoggingConfig toggles zap development mode.
type LoggingConfig struct {
	Development bool `mapstructure:"log_development"`
}

// Load builds a Config from defaults, an optional config file, and the
// environment.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

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
	v.SetDefault("api_port", 8080)

	v.SetDefault("db_backend", "sqlite")
	v.SetDefault("db_path", "data/crawler.db")
	v.SetDefault("db_dsn", "")

	v.SetDefault("max_pages_limit", 1000)
	v.SetDefault("default_max_pages", 100)
	v.SetDefault("default_timeout_seconds", 1800)
	v.SetDefault("max_timeout_seconds", 1800)
	v.SetDefault("job_expiry_hours", 24)
	v.SetDefault("output_dir", "out/jobs")

	v.SetDefault("crawler_concurrent_requests", 128)
	v.SetDefault("crawler_download_delay", 0.02)
	v.SetDefault("crawler_depth_limit", 20)
	v.SetDefault("crawler_user_agent", "SkrappBot/1.0")
	v.SetDefault("respect_robots", true)
	v.SetDefault("lease_ttl_seconds", 30)
	v.SetDefault("drain_timeout_seconds", 60)

	v.SetDefault("worker_poll_interval_seconds", 1)
	v.SetDefault("heartbeat_interval_seconds", 15)
	v.SetDefault("orphaned_threshold_seconds", 120)
	v.SetDefault("stalled_threshold_seconds", 300)
	v.SetDefault("hard_stalled_threshold_seconds", 180)
	v.SetDefault("max_restarts", 2)

	v.SetDefault("min_text_length_success", 200)
	v.SetDefault("min_text_length_marginal", 50)

	v.SetDefault("headless_enabled", true)
	v.SetDefault("headless_max_parallel", 2)

	v.SetDefault("gcs_bucket", "")
	v.SetDefault("pubsub_project_id", "")
	v.SetDefault("pubsub_topic", "")

	v.SetDefault("log_development", false)
}

// Validate rejects unusable combinations early.
func (c Config) Validate() error {
	if c.API.Port <= 0 {
		return fmt.Errorf("api_port must be > 0")
	}
	switch c.DB.Backend {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("db_path must be set for the sqlite backend")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db_dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown db_backend %q", c.DB.Backend)
	}
	if c.Jobs.MaxPagesLimit <= 0 || c.Jobs.DefaultMaxPages <= 0 {
		return fmt.Errorf("page limits must be > 0")
	}
	if c.Jobs.DefaultMaxPages > c.Jobs.MaxPagesLimit {
		return fmt.Errorf("default_max_pages exceeds max_pages_limit")
	}
	if c.Crawler.ConcurrentRequests <= 0 {
		return fmt.Errorf("crawler_concurrent_requests must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless_max_parallel must be > 0 when headless is enabled")
	}
	if (c.Cloud.PubSubProjectID == "") != (c.Cloud.PubSubTopic == "") {
		return fmt.Errorf("pubsub_project_id and pubsub_topic must be set together")
	}
	return nil
}

// DownloadDelay converts the fractional-seconds knob.
func (c Config) DownloadDelay() time.Duration {
	return time.Duration(c.Crawler.DownloadDelay * float64(time.Second))
}

// JobTTL is the queued-to-expiry window.
func (c Config) JobTTL() time.Duration {
	return time.Duration(c.Jobs.ExpiryHours) * time.Hour
}
