// Package config loads and validates link tracker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendS3       = "s3"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Env       string          `mapstructure:"env"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// APIKey protects the trigger routes when set.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ScraperConfig governs the browser pool and scrape tasks.
type ScraperConfig struct {
	HashLength      int           `mapstructure:"hash_length"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	RenderTimeout   time.Duration `mapstructure:"render_timeout"`
	SameDomainDelay time.Duration `mapstructure:"same_domain_delay"`
	Settle          time.Duration `mapstructure:"settle"`
	ViewportWidth   int64         `mapstructure:"viewport_width"`
	ViewportHeight  int64         `mapstructure:"viewport_height"`
	UserAgent       string        `mapstructure:"user_agent"`
	Headless        bool          `mapstructure:"headless"`
	ChromePath      string        `mapstructure:"chrome_path"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	Timezone        string        `mapstructure:"timezone"`
	// RespectRobots checks robots.txt before each render.
	RespectRobots bool          `mapstructure:"respect_robots"`
	PreflightTimeout  time.Duration `mapstructure:"preflight_timeout"`
	DetectBlocks  bool          `mapstructure:"detect_blocks"`
}

// StorageConfig selects the artifact blob backend.
type StorageConfig struct {
	Backend      string             `mapstructure:"backend"`
	Bucket       string             `mapstructure:"bucket"`
	Region       string             `mapstructure:"region"`
	Endpoint     string             `mapstructure:"endpoint"`
	AccessKey    string             `mapstructure:"access_key"`
	SecretKey    string             `mapstructure:"secret_key"`
	StorageClass string             `mapstructure:"storage_class"`
	PresignTTL   time.Duration      `mapstructure:"presign_ttl"`
	GCS          GCSConfig          `mapstructure:"gcs"`
	Local        LocalStorageConfig `mapstructure:"local"`
}

// GCSConfig holds optional URL signing credentials.
type GCSConfig struct {
	SignerEmail    string `mapstructure:"signer_email"`
	PrivateKeyFile string `mapstructure:"private_key_file"`
}

// LocalStorageConfig roots the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls access to the relational database. An empty DSN
// selects the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig holds the queue connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend      string        `mapstructure:"backend"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ScheduleConfig holds the cron entries.
type ScheduleConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Daily    string `mapstructure:"daily"`
	Weekly   string `mapstructure:"weekly"`
	Monthly  string `mapstructure:"monthly"`
	Stale    string `mapstructure:"stale"`
	Timezone string `mapstructure:"timezone"`
}

// NotifyConfig holds the Slack webhook.
type NotifyConfig struct {
	SlackWebhookURL string        `mapstructure:"slack_webhook_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// PubSubConfig holds metadata for capture event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	ProjectID   string  `mapstructure:"project_id"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from .env, disk and environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("LINKTRACKER")
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
	v.SetDefault("env", "development")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("scraper.hash_length", 5)
	v.SetDefault("scraper.max_concurrency", 4)
	v.SetDefault("scraper.render_timeout", "90s")
	v.SetDefault("scraper.same_domain_delay", "1s")
	v.SetDefault("scraper.settle", "0s")
	v.SetDefault("scraper.viewport_width", 1600)
	v.SetDefault("scraper.viewport_height", 998)
	v.SetDefault("scraper.user_agent", "")
	v.SetDefault("scraper.headless", true)
	v.SetDefault("scraper.chrome_path", "")
	v.SetDefault("scraper.stale_after", "72h")
	v.SetDefault("scraper.batch_timeout", "0s")
	v.SetDefault("scraper.drain_timeout", "5m")
	v.SetDefault("scraper.timezone", "UTC")
	v.SetDefault("scraper.respect_robots", false)
	v.SetDefault("scraper.preflight_timeout", "15s")
	v.SetDefault("scraper.detect_blocks", true)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.storage_class", "")
	v.SetDefault("storage.presign_ttl", "15m")
	v.SetDefault("storage.gcs.signer_email", "")
	v.SetDefault("storage.gcs.private_key_file", "")
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "linktracker")
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.poll_interval", "250ms")
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.daily", "0 2 * * *")
	v.SetDefault("schedule.weekly", "0 3 * * 1")
	v.SetDefault("schedule.monthly", "0 4 1 * *")
	v.SetDefault("schedule.stale", "0 6 * * *")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("notify.slack_webhook_url", "")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.service_name", "linktracker")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scraper.HashLength <= 0 || c.Scraper.HashLength > 64 {
		return fmt.Errorf("scraper.hash_length must be between 1 and 64")
	}
	if c.Scraper.MaxConcurrency <= 0 {
		return fmt.Errorf("scraper.max_concurrency must be > 0")
	}
	if c.Scraper.RenderTimeout <= 0 {
		return fmt.Errorf("scraper.render_timeout must be > 0")
	}
	if c.Scraper.BatchTimeout < 0 {
		return fmt.Errorf("scraper.batch_timeout must be >= 0")
	}
	if _, err := time.LoadLocation(c.Scraper.Timezone); err != nil {
		return fmt.Errorf("scraper.timezone: %w", err)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case BackendS3, BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.PresignTTL <= 0 {
		return fmt.Errorf("storage.presign_ttl must be > 0")
	}
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for the redis queue")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns must not exceed database.max_conns")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	return nil
}

// PublishEnabled reports whether capture events go to Pub/Sub.
func (c Config) PublishEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""
}
