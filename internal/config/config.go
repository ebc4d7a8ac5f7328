package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Log          LogConfig          `yaml:"log"`
	Sending      SendingConfig      `yaml:"sending"`
	SES          SESConfig          `yaml:"ses"`
	SMTP         SMTPConfig         `yaml:"smtp"`
	Tracking     TrackingConfig     `yaml:"tracking"`
	Worker       WorkerConfig       `yaml:"worker"`
	Campaign     CampaignConfig     `yaml:"campaign"`
	Automation   AutomationConfig   `yaml:"automation"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
}

// ServerConfig holds the ops HTTP listener (health, metrics, tracking).
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for the listener.
func (c ServerConfig) Addr() string {
	return c.GetHost() + ":" + strconv.Itoa(c.Port)
}

// DatabaseConfig holds the Postgres connection.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection used by jobs, locks and caches.
type RedisConfig struct {
	URL         string `yaml:"url"`
	QueuePrefix string `yaml:"queue_prefix"`
	CachePrefix string `yaml:"cache_prefix"`
	CacheTTLSec int    `yaml:"cache_ttl_seconds"`
	LockTTLSec  int    `yaml:"lock_ttl_seconds"`
}

// CacheTTL returns the cache TTL as a duration
func (c RedisConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// LockTTL returns the distributed lock TTL as a duration
func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSec) * time.Second
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact defaults to true when unset.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// SendingConfig selects the transport and tunes batching.
type SendingConfig struct {
	Transport           string `yaml:"transport"` // "ses" or "smtp"
	BatchSize           int    `yaml:"batch_size"`
	DelayBetweenBatchMS int    `yaml:"delay_between_batches_ms"`
	Concurrency         int    `yaml:"concurrency"`
}

// DelayBetweenBatches returns the inter-batch pause as a duration
func (c SendingConfig) DelayBetweenBatches() time.Duration {
	return time.Duration(c.DelayBetweenBatchMS) * time.Millisecond
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// SMTPConfig holds the relay used when transport is smtp.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	StartTLS       bool   `yaml:"starttls"`
	Hostname       string `yaml:"hostname"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TrackingConfig holds the public tracking link base and signing key.
type TrackingConfig struct {
	BaseURL    string `yaml:"base_url"`
	SigningKey string `yaml:"signing_key"`
}

// WorkerConfig tunes the job queue poller.
type WorkerConfig struct {
	Concurrency    int `yaml:"concurrency"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
	EventBuffer    int `yaml:"event_buffer"`
	VisibilitySec  int `yaml:"visibility_timeout_seconds"`
}

// PollInterval returns the queue poll interval as a duration
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// VisibilityTimeout returns the job lease as a duration
func (c WorkerConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilitySec) * time.Second
}

// CampaignConfig tunes the orchestrator.
type CampaignConfig struct {
	StatsRefreshCron string `yaml:"stats_refresh_cron"`
	InsertChunkSize  int    `yaml:"insert_chunk_size"`
}

// AutomationConfig holds automation engine settings.
type AutomationConfig struct {
	DateSweepCron string `yaml:"date_sweep_cron"`
}

// SegmentationConfig controls condition evaluation.
type SegmentationConfig struct {
	FailOpenUnknown *bool `yaml:"fail_open_unknown"`
}

// FailOpen defaults to true when unset.
func (c SegmentationConfig) FailOpen() bool {
	return c.FailOpenUnknown == nil || *c.FailOpenUnknown
}

// Load reads and parses the configuration file. An empty path yields the
// defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Redis.QueuePrefix == "" {
		cfg.Redis.QueuePrefix = "jobs"
	}
	if cfg.Redis.CachePrefix == "" {
		cfg.Redis.CachePrefix = "cache"
	}
	if cfg.Redis.CacheTTLSec == 0 {
		cfg.Redis.CacheTTLSec = 300
	}
	if cfg.Redis.LockTTLSec == 0 {
		cfg.Redis.LockTTLSec = 120
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Sending.Transport == "" {
		cfg.Sending.Transport = "ses"
	}
	if cfg.Sending.BatchSize == 0 {
		cfg.Sending.BatchSize = 500
	}
	if cfg.Sending.DelayBetweenBatchMS == 0 {
		cfg.Sending.DelayBetweenBatchMS = 2000
	}
	if cfg.Sending.Concurrency == 0 {
		cfg.Sending.Concurrency = 10
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.TimeoutSeconds == 0 {
		cfg.SMTP.TimeoutSeconds = 30
	}
	if cfg.Tracking.BaseURL == "" {
		cfg.Tracking.BaseURL = "http://localhost:8080"
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.PollIntervalMS == 0 {
		cfg.Worker.PollIntervalMS = 1000
	}
	if cfg.Worker.EventBuffer == 0 {
		cfg.Worker.EventBuffer = 256
	}
	if cfg.Worker.VisibilitySec == 0 {
		cfg.Worker.VisibilitySec = 600
	}
	if cfg.Campaign.StatsRefreshCron == "" {
		cfg.Campaign.StatsRefreshCron = "*/5 * * * *"
	}
	if cfg.Campaign.InsertChunkSize == 0 {
		cfg.Campaign.InsertChunkSize = 1000
	}
	if cfg.Automation.DateSweepCron == "" {
		cfg.Automation.DateSweepCron = "0 8 * * *"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SENDING_TRANSPORT"); v != "" {
		cfg.Sending.Transport = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("AWS_SES_CONFIGURATION_SET"); v != "" {
		cfg.SES.ConfigurationSet = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("TRACKING_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("SIGNING_KEY"); v != "" {
		cfg.Tracking.SigningKey = v
	}
	return cfg, nil
}
