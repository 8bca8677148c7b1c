// Package config loads the escrowd process configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mu-platform/escrow_ledger/internal/app/settings"
	"github.com/mu-platform/escrow_ledger/pkg/logger"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig controls the PostgreSQL backend. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// EndpointConfig points at one external collaborator.
type EndpointConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (e EndpointConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// PlatformConfig identifies the platform's ledger accounts and quote pair.
type PlatformConfig struct {
	// AccountID is the platform's ledger account, the parent of all escrow
	// subaccounts.
	AccountID string `yaml:"account_id"`
	// MintingAccount receives escrow debits that buy resource credit.
	MintingAccount string `yaml:"minting_account"`
	BaseAsset      string `yaml:"base_asset"`
	QuoteAsset     string `yaml:"quote_asset"`
}

// SettingsConfig is the one-time billing configuration payload.
type SettingsConfig struct {
	MinimumEscrowBalanceForDeploy int64   `yaml:"minimum_escrow_balance_for_deploy"`
	MaxAppsPerDeveloper           int     `yaml:"max_apps_per_developer"`
	CommissionRate                float64 `yaml:"commission_rate"`
	ExchangeRateTimeoutSeconds    int     `yaml:"exchange_rate_timeout_seconds"`
}

// Settings converts the raw payload into validated billing settings.
func (s SettingsConfig) Settings() settings.Settings {
	return settings.Settings{
		MinimumEscrowBalanceForDeploy: s.MinimumEscrowBalanceForDeploy,
		MaxAppsPerDeveloper:           s.MaxAppsPerDeveloper,
		CommissionRate:                s.CommissionRate,
		ExchangeRateTTL:               time.Duration(s.ExchangeRateTimeoutSeconds) * time.Second,
	}
}

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Ledger   EndpointConfig       `yaml:"ledger"`
	Oracle   EndpointConfig       `yaml:"oracle"`
	Minting  EndpointConfig       `yaml:"minting"`
	Platform PlatformConfig       `yaml:"platform"`
	Settings SettingsConfig       `yaml:"settings"`
}

// Load reads configuration from the given YAML file, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LEDGER_ENDPOINT"); v != "" {
		cfg.Ledger.Endpoint = v
	}
	if v := os.Getenv("ORACLE_ENDPOINT"); v != "" {
		cfg.Oracle.Endpoint = v
	}
	if v := os.Getenv("MINTING_ENDPOINT"); v != "" {
		cfg.Minting.Endpoint = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Platform.BaseAsset == "" {
		cfg.Platform.BaseAsset = "TOKEN"
	}
	if cfg.Platform.QuoteAsset == "" {
		cfg.Platform.QuoteAsset = "CREDIT"
	}
	if cfg.Settings.MaxAppsPerDeveloper == 0 {
		cfg.Settings.MaxAppsPerDeveloper = 10
	}
	if cfg.Settings.ExchangeRateTimeoutSeconds == 0 {
		cfg.Settings.ExchangeRateTimeoutSeconds = 300
	}
}

// Validate rejects configurations escrowd cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Ledger.Endpoint == "" {
		return fmt.Errorf("ledger endpoint is required")
	}
	if c.Oracle.Endpoint == "" {
		return fmt.Errorf("oracle endpoint is required")
	}
	if c.Minting.Endpoint == "" {
		return fmt.Errorf("minting endpoint is required")
	}
	if c.Platform.AccountID == "" {
		return fmt.Errorf("platform account_id is required")
	}
	if c.Platform.MintingAccount == "" {
		return fmt.Errorf("platform minting_account is required")
	}
	if err := c.Settings.Settings().Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}
