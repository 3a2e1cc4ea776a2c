package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Lock     LockConfig     `yaml:"lock"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	SES      SESConfig      `yaml:"ses"`
	Tracking TrackingConfig `yaml:"tracking"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
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
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the pool connection lifetime
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig selects and tunes the job queue backend
type QueueConfig struct {
	Driver         string    `yaml:"driver"` // memory | redis | sqs
	Name           string    `yaml:"name"`
	Concurrency    int       `yaml:"concurrency"`
	MaxAttempts    int       `yaml:"max_attempts"`
	BackoffSeconds int       `yaml:"backoff_seconds"`
	DedupeTTLHours int       `yaml:"dedupe_ttl_hours"`
	SQS            SQSConfig `yaml:"sqs"`
}

// Backoff returns the base retry backoff
func (c QueueConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffSeconds) * time.Second
}

// DedupeTTL returns how long a dedupe key is held
func (c QueueConfig) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLHours) * time.Hour
}

// SQSConfig holds the cloud queue settings
type SQSConfig struct {
	QueueURL        string `yaml:"queue_url"`
	Region          string `yaml:"region"`
	WaitTimeSeconds int32  `yaml:"wait_time_seconds"`
}

// LockConfig selects the distributed lock backend
type LockConfig struct {
	Backend     string `yaml:"backend"` // redis | postgres | dynamodb
	DynamoTable string `yaml:"dynamo_table"`
	Region      string `yaml:"region"`
}

// PipelineConfig tunes campaign delivery
type PipelineConfig struct {
	ChunkSize              int  `yaml:"chunk_size"`
	PageSize               int  `yaml:"page_size"`
	StallThresholdHours    int  `yaml:"stall_threshold_hours"`
	PartialGeneration      bool `yaml:"partial_generation"`
	PartialPageSize        int  `yaml:"partial_page_size"`
	ProgressTTLSeconds     int  `yaml:"progress_ttl_seconds"`
	ProcessIntervalSeconds int  `yaml:"process_interval_seconds"`
	StateIntervalSeconds   int  `yaml:"state_interval_seconds"`
	GenerateLeadMinutes    int  `yaml:"generate_lead_minutes"`
	EventRetentionDays     int  `yaml:"event_retention_days"`
}

// StallThreshold returns how long a throttled send may linger
func (c PipelineConfig) StallThreshold() time.Duration {
	return time.Duration(c.StallThresholdHours) * time.Hour
}

// ProgressTTL returns the lifetime of population progress counters
func (c PipelineConfig) ProgressTTL() time.Duration {
	return time.Duration(c.ProgressTTLSeconds) * time.Second
}

// ProcessInterval returns the scheduler tick for campaign processing
func (c PipelineConfig) ProcessInterval() time.Duration {
	return time.Duration(c.ProcessIntervalSeconds) * time.Second
}

// StateInterval returns the scheduler tick for state reconciliation
func (c PipelineConfig) StateInterval() time.Duration {
	return time.Duration(c.StateIntervalSeconds) * time.Second
}

// GenerateLead returns how early a scheduled list is generated
func (c PipelineConfig) GenerateLead() time.Duration {
	return time.Duration(c.GenerateLeadMinutes) * time.Minute
}

// EventRetention returns how long user events are kept
func (c PipelineConfig) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionDays) * 24 * time.Hour
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TrackingConfig holds open/click link settings
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level            string `yaml:"level"`
	DisableRedaction bool   `yaml:"disable_redaction"`
}

// MetricsConfig holds the worker's prometheus listener
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied and no file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "relay"
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 25
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BackoffSeconds == 0 {
		cfg.Queue.BackoffSeconds = 5
	}
	if cfg.Queue.DedupeTTLHours == 0 {
		cfg.Queue.DedupeTTLHours = 24
	}
	if cfg.Queue.SQS.WaitTimeSeconds == 0 {
		cfg.Queue.SQS.WaitTimeSeconds = 20
	}
	if cfg.Queue.SQS.Region == "" {
		cfg.Queue.SQS.Region = "us-west-2"
	}
	if cfg.Lock.Region == "" {
		cfg.Lock.Region = "us-west-2"
	}
	if cfg.Pipeline.ChunkSize == 0 {
		cfg.Pipeline.ChunkSize = 500
	}
	if cfg.Pipeline.PageSize == 0 {
		cfg.Pipeline.PageSize = 1000
	}
	if cfg.Pipeline.StallThresholdHours == 0 {
		cfg.Pipeline.StallThresholdHours = 48
	}
	if cfg.Pipeline.PartialPageSize == 0 {
		cfg.Pipeline.PartialPageSize = 50000
	}
	if cfg.Pipeline.ProgressTTLSeconds == 0 {
		cfg.Pipeline.ProgressTTLSeconds = 86400
	}
	if cfg.Pipeline.ProcessIntervalSeconds == 0 {
		cfg.Pipeline.ProcessIntervalSeconds = 60
	}
	if cfg.Pipeline.StateIntervalSeconds == 0 {
		cfg.Pipeline.StateIntervalSeconds = 120
	}
	if cfg.Pipeline.EventRetentionDays == 0 {
		cfg.Pipeline.EventRetentionDays = 90
	}
	if cfg.Pipeline.GenerateLeadMinutes == 0 {
		cfg.Pipeline.GenerateLeadMinutes = 60
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9100
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// Override with environment variables if present
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("QUEUE_DRIVER"); v != "" {
		cfg.Queue.Driver = v
	}
	if v := os.Getenv("QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Concurrency = n
		}
	}
	if v := os.Getenv("SQS_QUEUE_URL"); v != "" {
		cfg.Queue.SQS.QueueURL = v
	}
	if v := os.Getenv("LOCK_BACKEND"); v != "" {
		cfg.Lock.Backend = v
	}
	if v := os.Getenv("LOCK_DYNAMO_TABLE"); v != "" {
		cfg.Lock.DynamoTable = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Queue.SQS.Region = v
		cfg.Lock.Region = v
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
	if v := os.Getenv("TRACKING_SECRET"); v != "" {
		cfg.Tracking.Secret = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}
