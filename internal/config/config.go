// Package config loads process configuration from the environment and
// optional YAML policy files.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds everything the process needs at startup. Storage
// settings are mandatory; a missing value is a fatal configuration
// error per the startup contract.
type Config struct {
	DBHost     string `env:"DB_HOST,required"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER,required"`
	DBPassword string `env:"DB_PASSWORD,required"`
	DBName     string `env:"DB_NAME,required"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	// CoinalyzeKey enables the cross-venue liquidation-history feed.
	// The feed is skipped when empty.
	CoinalyzeKey string `env:"COINALYZE_KEY"`

	// ProxyURL is an optional http(s)://user:pass@host:port proxy used
	// for the proxy half of the fetcher's connection split.
	ProxyURL string `env:"PROXY_URL"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9180"`

	Symbols []string `env:"SYMBOLS" envSeparator:","`

	// PolicyFile optionally overrides the built-in venue endpoint
	// policies (YAML).
	PolicyFile string `env:"POLICY_FILE"`
}

// DefaultSymbols is the canonical universe collected when SYMBOLS is
// not set.
var DefaultSymbols = []string{
	"BTC", "ETH", "SOL", "XRP", "BNB", "DOGE", "ADA", "AVAX", "LINK",
	"TON", "DOT", "LTC", "SUI", "PEPE", "BONK", "FLOKI",
}

// MarketBasket is the fixed majors basket the synthetic MT index is
// derived from.
var MarketBasket = []string{"BTC", "ETH", "SOL", "XRP", "BNB"}

// Load reads an optional .env file, then parses the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = append([]string(nil), DefaultSymbols...)
	}
	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return cfg, nil
}

// DSN builds the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}
