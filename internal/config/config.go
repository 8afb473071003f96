// Package config loads captod settings from the environment.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/iacapto/capto/pkg/entitlement"
)

// Storage backends
const (
	StorageMemory    = "memory"
	StorageRedis     = "redis"
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed
	ErrParsingConfig = errors.New("failed to parse config")

	// ErrInvalidConfig is returned when parsed values are inconsistent
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the complete service configuration
type Config struct {
	Port            string        `env:"PORT" envDefault:"3001"`
	WebappURL       string        `env:"WEBAPP_URL"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	StripeSecretKey       string        `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret   string        `env:"STRIPE_WEBHOOK_SECRET"`
	StripeTimeout         time.Duration `env:"STRIPE_TIMEOUT" envDefault:"10s"`
	PricePixWeekly        string        `env:"PRICE_PIX_WEEKLY" envDefault:"price_1SRJF3FkcJq2kyKuDYM9RY0g"`
	PriceMonthly          string        `env:"PRICE_MONTHLY" envDefault:"price_1SRJJZFkcJq2kyKuy5H4luf3"`
	PriceAnnual           string        `env:"PRICE_ANNUAL" envDefault:"price_1SRJKgFkcJq2kyKupMYiqHVp"`
	SubscriptionFetchMode string        `env:"SUBSCRIPTION_FETCH_MODE" envDefault:"sync"`
	WebhookRateLimit      int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"0"`

	GeminiAPIKey     string        `env:"API_KEY"`
	InferenceTimeout time.Duration `env:"INFERENCE_TIMEOUT" envDefault:"60s"`

	StorageBackend      string `env:"STORAGE_BACKEND" envDefault:"memory"`
	RedisAddr           string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword       string `env:"REDIS_PASSWORD"`
	RedisDB             int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix      string `env:"REDIS_KEY_PREFIX" envDefault:"capto:"`
	DatabaseURL         string `env:"DATABASE_URL"`
	FirestoreProjectID  string `env:"FIRESTORE_PROJECT_ID"`
	FirestoreCollection string `env:"FIRESTORE_COLLECTION" envDefault:"capto_users"`

	BreakerThreshold    int           `env:"STORAGE_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"STORAGE_BREAKER_RESET" envDefault:"30s"`

	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string `env:"LOG_FORMAT" envDefault:"json"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"capto"`
}

// Load reads an optional .env file, then parses the environment into a Config.
// Variables already set in the environment win over the .env file.
func Load() (*Config, error) {
	// A missing .env file is fine
	_ = godotenv.Load()
	return Parse()
}

// Parse parses the current environment without touching .env files
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend selection and its required settings
func (c *Config) Validate() error {
	backends := []string{StorageMemory, StorageRedis, StoragePostgres, StorageFirestore}
	if !slices.Contains(backends, c.StorageBackend) {
		return fmt.Errorf("%w: STORAGE_BACKEND %q must be one of %v", ErrInvalidConfig, c.StorageBackend, backends)
	}

	switch c.StorageBackend {
	case StorageRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: REDIS_ADDR is required for the redis backend", ErrInvalidConfig)
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres backend", ErrInvalidConfig)
		}
	case StorageFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("%w: FIRESTORE_PROJECT_ID is required for the firestore backend", ErrInvalidConfig)
		}
	}

	if !c.FetchMode().Valid() {
		return fmt.Errorf("%w: SUBSCRIPTION_FETCH_MODE %q must be sync or async", ErrInvalidConfig, c.SubscriptionFetchMode)
	}
	if c.WebhookRateLimit < 0 {
		return fmt.Errorf("%w: WEBHOOK_RATE_LIMIT must not be negative", ErrInvalidConfig)
	}
	return nil
}

// FetchMode returns the configured secondary fetch strategy
func (c *Config) FetchMode() entitlement.FetchMode {
	return entitlement.FetchMode(c.SubscriptionFetchMode)
}

// Prices maps purchasable plans to their configured price IDs. Unset prices are omitted.
func (c *Config) Prices() map[entitlement.Plan]string {
	prices := make(map[entitlement.Plan]string, 3)
	for plan, price := range map[entitlement.Plan]string{
		entitlement.PlanPixWeekly: c.PricePixWeekly,
		entitlement.PlanMonthly:   c.PriceMonthly,
		entitlement.PlanAnnual:    c.PriceAnnual,
	} {
		if price != "" {
			prices[plan] = price
		}
	}
	return prices
}

// MissingSecrets lists the unset variables the service cannot fully work without
func (c *Config) MissingSecrets() []string {
	var missing []string
	for name, value := range map[string]string{
		"STRIPE_SECRET_KEY":     c.StripeSecretKey,
		"STRIPE_WEBHOOK_SECRET": c.StripeWebhookSecret,
		"API_KEY":               c.GeminiAPIKey,
		"WEBAPP_URL":            c.WebappURL,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	slices.Sort(missing)
	return missing
}
