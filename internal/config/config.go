// Package config loads the service configuration from the environment.
package config

import (
	"community_lending/internal/processor"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StoreSQLite   StoreDriver = "sqlite"
	StorePostgres StoreDriver = "postgres"
)

type Config struct {
	HTTPAddr    string `env:"LENDING_HTTP_ADDR"    envDefault:":8080"`
	MetricsAddr string `env:"LENDING_METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LENDING_LOG_LEVEL"    envDefault:"info"`

	StoreDriver StoreDriver `env:"LENDING_STORE_DRIVER" envDefault:"memory"`
	SQLitePath  string      `env:"LENDING_SQLITE_PATH"  envDefault:"lending.db"`
	PostgresDSN string      `env:"LENDING_POSTGRES_DSN"`

	// SigningSecret enables HMAC verification of payment notifications.
	SigningSecret    string          `env:"LENDING_SIGNING_SECRET"`
	SignatureMaxSkew time.Duration   `env:"LENDING_SIGNATURE_MAX_SKEW" envDefault:"5m"`
	MaxPaymentAmount decimal.Decimal `env:"LENDING_MAX_PAYMENT_AMOUNT" envDefault:"1000000"`

	MessageWorkers   int `env:"LENDING_MESSAGE_WORKERS"    envDefault:"3"`
	MessageQueueSize int `env:"LENDING_MESSAGE_QUEUE_SIZE" envDefault:"1000"`
	FeedSize         int `env:"LENDING_FEED_SIZE"          envDefault:"100"`

	LateDays                  int             `env:"LENDING_LATE_DAYS"                   envDefault:"15"`
	AtRiskDays                int             `env:"LENDING_AT_RISK_DAYS"                envDefault:"30"`
	PaymentIntervalDays       int             `env:"LENDING_PAYMENT_INTERVAL_DAYS"       envDefault:"30"`
	RecoveryPaymentsThreshold int             `env:"LENDING_RECOVERY_PAYMENTS_THRESHOLD" envDefault:"3"`
	MinimumCreditLimit        decimal.Decimal `env:"LENDING_MINIMUM_CREDIT_LIMIT"        envDefault:"100"`
	DefaultCreditLimit        decimal.Decimal `env:"LENDING_DEFAULT_CREDIT_LIMIT"        envDefault:"500"`
	ConflictRetries           int             `env:"LENDING_CONFLICT_RETRIES"            envDefault:"3"`

	ShutdownTimeout time.Duration `env:"LENDING_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads dotenvPath when it exists, then parses the environment.
// Variables already set in the environment win over the file.
func Load(dotenvPath string) (Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return errors.New("LENDING_POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}

	if c.AtRiskDays <= c.LateDays {
		return fmt.Errorf("at-risk days (%d) must exceed late days (%d)", c.AtRiskDays, c.LateDays)
	}
	if c.MessageWorkers <= 0 {
		return fmt.Errorf("message workers must be positive, got %d", c.MessageWorkers)
	}
	if !c.MinimumCreditLimit.IsPositive() || c.DefaultCreditLimit.LessThan(c.MinimumCreditLimit) {
		return fmt.Errorf("credit limits must satisfy 0 < minimum (%s) <= default (%s)",
			c.MinimumCreditLimit, c.DefaultCreditLimit)
	}
	return nil
}

// Policy converts the lifecycle thresholds into a processor policy.
func (c Config) Policy() processor.Policy {
	return processor.Policy{
		LateDays:                  c.LateDays,
		AtRiskDays:                c.AtRiskDays,
		PaymentInterval:           time.Duration(c.PaymentIntervalDays) * 24 * time.Hour,
		RecoveryPaymentsThreshold: c.RecoveryPaymentsThreshold,
		MinimumCreditLimit:        c.MinimumCreditLimit,
		DefaultCreditLimit:        c.DefaultCreditLimit,
		ConflictRetries:           c.ConflictRetries,
	}
}
