package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Apple      AppleConfig      `yaml:"apple"`
	Google     GoogleConfig     `yaml:"google"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Bulk       BulkConfig       `yaml:"bulk"`
	Events     EventsConfig     `yaml:"events"`
	Retention  RetentionConfig  `yaml:"retention"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the operator notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for operator web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
}

// StorageConfig selects where artifacts, images and credential bundles live.
type StorageConfig struct {
	Driver          string `yaml:"driver"` // local or gcs
	LocalRoot       string `yaml:"local_root"`
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AppleConfig holds wallet-wide Apple settings. Per-account certificates live on the account.
type AppleConfig struct {
	WWDRCertificatePath string `yaml:"wwdr_certificate_path"`
	WebServiceURL       string `yaml:"web_service_url"`
	PushEnvironment     string `yaml:"push_environment"` // production or sandbox
	PushPerSecondLimit  int64  `yaml:"push_per_second_limit"`
	PushTimeoutSeconds  int    `yaml:"push_timeout_seconds"`
}

// GoogleConfig holds Google Wallet API settings.
type GoogleConfig struct {
	BaseURL         string   `yaml:"base_url"`
	ImageBaseURL    string   `yaml:"image_base_url"`
	DailyPatchLimit int64    `yaml:"daily_patch_limit"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
	SaveLinkOrigins []string `yaml:"save_link_origins"`
}

// RateLimitConfig selects the shared counter backend.
type RateLimitConfig struct {
	Backend string `yaml:"backend"` // memory or database
}

// DeliveryConfig holds the delivery worker pool and retry policy.
type DeliveryConfig struct {
	Workers        int   `yaml:"workers"`
	QueueSize      int   `yaml:"queue_size"`
	MaxRetries     int   `yaml:"max_retries"`
	BackoffSeconds []int `yaml:"backoff_seconds"`
}

// BulkConfig holds bulk fan-out pacing.
type BulkConfig struct {
	PassesPerSecond float64 `yaml:"passes_per_second"`
	Burst           int     `yaml:"burst"`
}

// EventsConfig selects the domain event sink.
type EventsConfig struct {
	Driver          string `yaml:"driver"` // log or pubsub
	ProjectID       string `yaml:"project_id"`
	Topic           string `yaml:"topic"`
	CredentialsFile string `yaml:"credentials_file"`
}

// RetentionConfig controls pruning of update records.
type RetentionConfig struct {
	UpdateRecordDays int           `yaml:"update_record_days"`
	IntervalMinutes  int           `yaml:"interval_minutes"`
	Interval         time.Duration `yaml:"-"` // Ignored by YAML parser
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	// .env is optional; it only feeds the overrides below.
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("VAPID_PUBLIC_KEY"); v != "" {
		cfg.Push.PublicKey = v
	}
	if v := os.Getenv("VAPID_PRIVATE_KEY"); v != "" {
		cfg.Push.PrivateKey = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" {
		if cfg.Storage.CredentialsFile == "" {
			cfg.Storage.CredentialsFile = v
		}
		if cfg.Events.CredentialsFile == "" {
			cfg.Events.CredentialsFile = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 300
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "local"
	}
	if cfg.Storage.LocalRoot == "" {
		cfg.Storage.LocalRoot = "./data"
	}

	if cfg.Apple.PushEnvironment == "" {
		cfg.Apple.PushEnvironment = "production"
	}
	if cfg.Apple.PushPerSecondLimit <= 0 {
		cfg.Apple.PushPerSecondLimit = 100
	}
	if cfg.Apple.PushTimeoutSeconds <= 0 {
		cfg.Apple.PushTimeoutSeconds = 10
	}

	if cfg.Google.BaseURL == "" {
		cfg.Google.BaseURL = "https://walletobjects.googleapis.com/walletobjects/v1"
	}
	if cfg.Google.DailyPatchLimit <= 0 {
		cfg.Google.DailyPatchLimit = 3
	}
	if cfg.Google.TimeoutSeconds <= 0 {
		cfg.Google.TimeoutSeconds = 30
	}

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}

	if cfg.Delivery.Workers <= 0 {
		log.Printf("delivery.workers is not set or invalid; defaulting to 4")
		cfg.Delivery.Workers = 4
	}
	if cfg.Delivery.QueueSize <= 0 {
		cfg.Delivery.QueueSize = 1024
	}
	if cfg.Delivery.MaxRetries <= 0 {
		cfg.Delivery.MaxRetries = 3
	}
	if len(cfg.Delivery.BackoffSeconds) == 0 {
		cfg.Delivery.BackoffSeconds = []int{30, 120, 600}
	}

	if cfg.Bulk.PassesPerSecond <= 0 {
		cfg.Bulk.PassesPerSecond = 20
	}
	if cfg.Bulk.Burst <= 0 {
		cfg.Bulk.Burst = 1
	}

	if cfg.Events.Driver == "" {
		cfg.Events.Driver = "log"
	}

	if cfg.Retention.UpdateRecordDays <= 0 {
		cfg.Retention.UpdateRecordDays = 90
	}
	if cfg.Retention.IntervalMinutes <= 0 {
		cfg.Retention.IntervalMinutes = 24 * 60
	}
	cfg.Retention.Interval = time.Duration(cfg.Retention.IntervalMinutes) * time.Minute

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
}
