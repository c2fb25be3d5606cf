package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config is the server configuration, read from the environment.
type Config struct {
	App
	Stripe
	Storage
	Postgres
	Redis
	Firestore
	Kafka
}

type App struct {
	Port              string        `env:"APP_PORT" envDefault:"8080"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	ProcessingTimeout time.Duration `env:"PROCESSING_TIMEOUT" envDefault:"10s"`
	MetricsNamespace  string        `env:"METRICS_NAMESPACE" envDefault:"goentitle"`
	CacheSize         int           `env:"CACHE_SIZE" envDefault:"10000"`
	CacheTTL          time.Duration `env:"CACHE_TTL" envDefault:"1m"`
	EntitledStatuses  []string      `env:"ENTITLED_STATUSES" envSeparator:"," envDefault:"active"`
	CircuitBreaker    bool          `env:"CIRCUIT_BREAKER_ENABLED" envDefault:"false"`

	WebhookRateLimit         int  `env:"WEBHOOK_RATE_LIMIT" envDefault:"100"`
	WebhookTrustForwardedFor bool `env:"WEBHOOK_TRUST_FORWARDED_FOR" envDefault:"false"`
}

type Stripe struct {
	SecretKey          string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret      string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	SignatureTolerance time.Duration `env:"STRIPE_SIGNATURE_TOLERANCE" envDefault:"5m"`
	DefaultAmount      int64         `env:"PAYMENT_DEFAULT_AMOUNT" envDefault:"1999"`
	DefaultCurrency    string        `env:"PAYMENT_DEFAULT_CURRENCY" envDefault:"pln"`
}

type Storage struct {
	Backend string `env:"STORAGE_BACKEND" envDefault:"memory"`
}

type Postgres struct {
	URL           string `env:"DATABASE_URL"`
	MaxConns      int32  `env:"POSTGRES_MAX_CONNS" envDefault:"10"`
	RunMigrations bool   `env:"POSTGRES_RUN_MIGRATIONS" envDefault:"true"`
}

type Redis struct {
	Addr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password  string        `env:"REDIS_PASSWORD"`
	DB        int           `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix string        `env:"REDIS_KEY_PREFIX" envDefault:"goentitle"`
	EventTTL  time.Duration `env:"REDIS_EVENT_TTL" envDefault:"0s"`
}

type Firestore struct {
	ProjectID string `env:"FIRESTORE_PROJECT_ID"`
}

type Kafka struct {
	Brokers          []string      `env:"KAFKA_BROKERS" envSeparator:","`
	Topic            string        `env:"KAFKA_TOPIC" envDefault:"entitlements.changed"`
	RetryMaxAttempts int           `env:"KAFKA_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay   time.Duration `env:"KAFKA_RETRY_BASE_DELAY" envDefault:"100ms"`
	RetryMaxDelay    time.Duration `env:"KAFKA_RETRY_MAX_DELAY" envDefault:"10s"`
	RetryJitter      bool          `env:"KAFKA_RETRY_JITTER" envDefault:"true"`
}

// LoadConfig parses the environment. With GO_ENV=local a .env file is read first.
func LoadConfig() (*Config, error) {
	if os.Getenv("GO_ENV") == "local" {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET must not be empty")
	}
	switch c.Storage.Backend {
	case "memory", "redis":
	case "postgres":
		if c.Postgres.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case "firestore":
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	return nil
}
