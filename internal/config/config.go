// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration
type Config struct {
	Env            string
	Port           string
	Debug          bool
	JWTSecret      string
	InternalAPIKey string
	WSOrigin       string
	Database       Database
	Wallet         Wallet
	Quotes         Quotes
	Scheduler      Scheduler
}

// Database selects the gorm dialector. Driver is "sqlite" or "postgres".
type Database struct {
	Driver string
	DSN    string
}

// Wallet is the policy for lazily created wallets
type Wallet struct {
	StartingBalance decimal.Decimal
	Currency        string
}

// Quotes configures the quote provider and its retry policy
type Quotes struct {
	Provider        string // "simulated" or "alpaca"
	Timeout         time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	AlpacaAPIKey    string
	AlpacaAPISecret string
	AlpacaDataURL   string
	SimulatedSeed   int64
}

type Scheduler struct {
	OrderSweep       string
	IdempotencySweep string
}

// Load reads configuration from environment variables, loading a .env file
// first when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	startingBalance, err := decimal.NewFromString(getEnv("WALLET_STARTING_BALANCE", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid WALLET_STARTING_BALANCE: %w", err)
	}

	quoteTimeout, err := getEnvAsDuration("QUOTE_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	initialBackoff, err := getEnvAsDuration("QUOTE_INITIAL_BACKOFF", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	maxBackoff, err := getEnvAsDuration("QUOTE_MAX_BACKOFF", time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Env:            getEnv("ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		Debug:          getEnvAsBool("DEBUG", false),
		JWTSecret:      getEnv("JWT_SECRET", "papertrade-secret-key"),
		InternalAPIKey: getEnv("INTERNAL_API_KEY", ""),
		WSOrigin:       getEnv("WS_ORIGIN", "*"),
		Database: Database{
			Driver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			DSN:    getEnv("DB_DSN", "papertrade.db"),
		},
		Wallet: Wallet{
			StartingBalance: startingBalance,
			Currency:        strings.ToUpper(getEnv("WALLET_CURRENCY", "USD")),
		},
		Quotes: Quotes{
			Provider:        strings.ToLower(getEnv("QUOTE_PROVIDER", "simulated")),
			Timeout:         quoteTimeout,
			MaxAttempts:     getEnvAsInt("QUOTE_MAX_ATTEMPTS", 3),
			InitialBackoff:  initialBackoff,
			MaxBackoff:      maxBackoff,
			AlpacaAPIKey:    getEnv("ALPACA_API_KEY", ""),
			AlpacaAPISecret: getEnv("ALPACA_API_SECRET", ""),
			AlpacaDataURL:   getEnv("ALPACA_DATA_URL", ""),
			SimulatedSeed:   int64(getEnvAsInt("QUOTE_SIMULATED_SEED", 0)),
		},
		Scheduler: Scheduler{
			OrderSweep:       getEnv("ORDER_SWEEP_SCHEDULE", "@every 5s"),
			IdempotencySweep: getEnv("IDEMPOTENCY_SWEEP_SCHEDULE", "@hourly"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the combinations Load cannot express through defaults
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid DB_DRIVER %q: use sqlite or postgres", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if c.Wallet.StartingBalance.IsNegative() {
		return fmt.Errorf("WALLET_STARTING_BALANCE must not be negative")
	}
	switch c.Quotes.Provider {
	case "simulated":
	case "alpaca":
		if c.Quotes.AlpacaAPIKey == "" || c.Quotes.AlpacaAPISecret == "" {
			return fmt.Errorf("ALPACA_API_KEY and ALPACA_API_SECRET are required for the alpaca quote provider")
		}
	default:
		return fmt.Errorf("invalid QUOTE_PROVIDER %q: use simulated or alpaca", c.Quotes.Provider)
	}
	if c.Quotes.MaxAttempts < 1 {
		return fmt.Errorf("QUOTE_MAX_ATTEMPTS must be at least 1")
	}
	if c.Env == "production" && c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
