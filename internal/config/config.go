package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the metering service
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Billing       BillingConfig
	Metering      MeteringConfig
	Security      SecurityConfig
	Monitoring    MonitoringConfig
	Notifications NotificationsConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port         int           `env:"SERVER_PORT" envDefault:"8080"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	// AllowedOrigins is the CORS allow-list for browser clients.
	AllowedOrigins []string `env:"SERVER_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// URL, when set, takes precedence over the discrete fields.
	URL             string        `env:"DATABASE_URL"`
	Host            string        `env:"DB_HOST" envDefault:"localhost"`
	Port            int           `env:"DB_PORT" envDefault:"5432"`
	User            string        `env:"DB_USER" envDefault:"metering"`
	Password        string        `env:"DB_PASSWORD"`
	Database        string        `env:"DB_NAME" envDefault:"metering"`
	SSLMode         string        `env:"DB_SSL_MODE" envDefault:"disable"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	AutoMigrate     bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED" envDefault:"true"`
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`
}

// BillingConfig holds billing provider configuration
type BillingConfig struct {
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	// CycleResetInterval is how often the cycle reset sweep runs.
	CycleResetInterval time.Duration `env:"BILLING_CYCLE_RESET_INTERVAL" envDefault:"15m"`
}

// MeteringConfig holds quota metering configuration
type MeteringConfig struct {
	SnapshotTTL time.Duration `env:"METERING_SNAPSHOT_TTL" envDefault:"24h"`
	// CacheTimeout bounds every snapshot cache call so a slow Redis degrades to a DB read.
	CacheTimeout time.Duration `env:"METERING_CACHE_TIMEOUT" envDefault:"250ms"`
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	AdminAPIToken string `env:"ADMIN_API_TOKEN"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `env:"MONITORING_ENABLED" envDefault:"true"`
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// NotificationsConfig controls forwarding of billing events to an outbound webhook
type NotificationsConfig struct {
	Enabled          bool          `env:"NOTIFICATIONS_ENABLED" envDefault:"false"`
	WebhookURL       string        `env:"NOTIFICATIONS_WEBHOOK_URL"`
	WebhookSecret    string        `env:"NOTIFICATIONS_WEBHOOK_SECRET"`
	DeliveryTimeout  time.Duration `env:"NOTIFICATIONS_DELIVERY_TIMEOUT" envDefault:"10s"`
	MaxRetries       int           `env:"NOTIFICATIONS_MAX_RETRIES" envDefault:"3"`
	RetryBackoffBase time.Duration `env:"NOTIFICATIONS_RETRY_BACKOFF_BASE" envDefault:"1s"`
	RetryQueueSize   int           `env:"NOTIFICATIONS_RETRY_QUEUE_SIZE" envDefault:"1000"`
	RetryWorkers     int           `env:"NOTIFICATIONS_RETRY_WORKERS" envDefault:"2"`
}

var (
	ErrMissingDatabasePassword = errors.New("DB_PASSWORD or DATABASE_URL is required")
	ErrMissingWebhookSecret    = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrMissingAdminToken       = errors.New("ADMIN_API_TOKEN is required")
	ErrMissingNotificationURL  = errors.New("NOTIFICATIONS_WEBHOOK_URL is required when notifications are enabled")
	ErrInvalidCycleInterval    = errors.New("BILLING_CYCLE_RESET_INTERVAL must be positive")
)

// LoadConfig loads configuration from the environment, reading a .env file first when present.
func LoadConfig() (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" && c.Database.Password == "" {
		errs = append(errs, ErrMissingDatabasePassword)
	}
	if c.Billing.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingWebhookSecret)
	}
	if c.Billing.CycleResetInterval <= 0 {
		errs = append(errs, ErrInvalidCycleInterval)
	}
	if c.Security.AdminAPIToken == "" {
		errs = append(errs, ErrMissingAdminToken)
	}
	if c.Notifications.Enabled && c.Notifications.WebhookURL == "" {
		errs = append(errs, ErrMissingNotificationURL)
	}
	return errors.Join(errs...)
}
