// Package config loads and validates all runtime configuration for the
// metering proxy.
//
// Configuration is read from environment variables (preferred for
// containers), with an optional .env file in the working directory loaded
// first so local development does not require exporting every variable by
// hand. Environment variables always take precedence over the .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 3000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// AnthropicAPIKey is the shared upstream key forwarded to
	// https://api.anthropic.com/v1/messages on behalf of every gated request.
	AnthropicAPIKey string

	// JWTSecret is the HMAC secret used to verify client bearer credentials.
	JWTSecret string

	// DomesticAPIURL is the base URL of the billing service
	// ({DomesticAPIURL}/api/billing/balance, {DomesticAPIURL}/api/billing/usage).
	DomesticAPIURL string

	// Balance controls the balance cache's TTL and janitor behaviour.
	Balance BalanceConfig

	// Retry controls the usage reporter's retry queue.
	Retry RetryConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any origin.
	CORSOrigins []string
}

// BalanceConfig mirrors the balance cache's configuration constants (§4.3).
type BalanceConfig struct {
	// FreshTTL is how long a snapshot is authoritative without refetch. Default: 2m.
	FreshTTL time.Duration
	// StaleTTL is the additional grace window during which a stale snapshot may
	// still serve requests if the billing service is unreachable. Default: 10m.
	StaleTTL time.Duration
	// JanitorInterval is how often expired entries are swept. Default: 5m.
	JanitorInterval time.Duration
}

// RetryConfig mirrors the usage reporter's retry-queue constants (§4.5).
type RetryConfig struct {
	// MaxQueued is the hard cap on queued retry entries. Default: 1000.
	MaxQueued int
	// MaxRetries is the number of retry attempts after the initial POST. Default: 3.
	MaxRetries int
	// BaseBackoff is the backoff unit; retry n waits BaseBackoff·2^(n-1). Default: 30s.
	BaseBackoff time.Duration
	// ScanInterval is how often the retry queue is scanned for due entries. Default: 30s.
	ScanInterval time.Duration
}

// Load reads configuration from environment variables and an optional .env file.
//
// ANTHROPIC_API_KEY, JWT_SECRET, and DOMESTIC_API_URL are required; startup
// aborts with a descriptive error when any is missing.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 3000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("BALANCE_FRESH_TTL", "2m")
	v.SetDefault("BALANCE_STALE_TTL", "10m")
	v.SetDefault("BALANCE_JANITOR_INTERVAL", "5m")

	v.SetDefault("RETRY_MAX_FAILED_REPORTS", 1000)
	v.SetDefault("RETRY_MAX_RETRIES", 3)
	v.SetDefault("RETRY_BASE_BACKOFF", "30s")
	v.SetDefault("RETRY_SCAN_INTERVAL", "30s")

	cfg := &Config{
		Port:            v.GetInt("PORT"),
		LogLevel:        strings.ToLower(v.GetString("LOG_LEVEL")),
		AnthropicAPIKey: v.GetString("ANTHROPIC_API_KEY"),
		JWTSecret:       v.GetString("JWT_SECRET"),
		DomesticAPIURL:  strings.TrimSuffix(v.GetString("DOMESTIC_API_URL"), "/"),

		Balance: BalanceConfig{
			FreshTTL:        v.GetDuration("BALANCE_FRESH_TTL"),
			StaleTTL:        v.GetDuration("BALANCE_STALE_TTL"),
			JanitorInterval: v.GetDuration("BALANCE_JANITOR_INTERVAL"),
		},

		Retry: RetryConfig{
			MaxQueued:    v.GetInt("RETRY_MAX_FAILED_REPORTS"),
			MaxRetries:   v.GetInt("RETRY_MAX_RETRIES"),
			BaseBackoff:  v.GetDuration("RETRY_BASE_BACKOFF"),
			ScanInterval: v.GetDuration("RETRY_SCAN_INTERVAL"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("config: ANTHROPIC_API_KEY is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if c.DomesticAPIURL == "" {
		return fmt.Errorf("config: DOMESTIC_API_URL is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Balance.FreshTTL <= 0 {
		return fmt.Errorf("config: BALANCE_FRESH_TTL must be a positive duration")
	}
	if c.Balance.StaleTTL <= 0 || c.Balance.StaleTTL < c.Balance.FreshTTL {
		return fmt.Errorf("config: BALANCE_STALE_TTL must be a positive duration ≥ BALANCE_FRESH_TTL")
	}
	if c.Balance.JanitorInterval <= 0 {
		return fmt.Errorf("config: BALANCE_JANITOR_INTERVAL must be a positive duration")
	}

	if c.Retry.MaxQueued < 1 {
		return fmt.Errorf("config: RETRY_MAX_FAILED_REPORTS must be ≥ 1, got %d", c.Retry.MaxQueued)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: RETRY_MAX_RETRIES must be ≥ 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseBackoff <= 0 {
		return fmt.Errorf("config: RETRY_BASE_BACKOFF must be a positive duration")
	}
	if c.Retry.ScanInterval <= 0 {
		return fmt.Errorf("config: RETRY_SCAN_INTERVAL must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
