package config

import (
	"encoding/json"
	"fmt"
	"os"

	"binance-signal-bot-go/internal/models"
)

// Defaults applied when the config file leaves a field unset.
const (
	defaultRecvWindowMs        = 10000
	defaultRetryAttempts       = 3
	defaultRetryDelayMs        = 500
	defaultRequestTimeoutSec   = 10
	defaultResyncIntervalSec   = 1800
	defaultMaxConsecFailures   = 3
	defaultPriceIntervalMs     = 250
	defaultAccountIntervalMs   = 500
	defaultOrderIntervalMs     = 300
	defaultAdminListenAddr     = ":8720"
)

// Load reads the JSON config file, applies defaults, overlays credentials
// from the environment and resolves the API base URLs.
func Load(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg)

	cfg.APIKey = os.Getenv("BINANCE_API_KEY")
	cfg.SecretKey = os.Getenv("BINANCE_SECRET_KEY")

	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
	} else {
		cfg.BaseURL = cfg.LiveAPIURL
		cfg.WSBaseURL = cfg.LiveWSURL
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("no API base URL configured (is_testnet=%v)", cfg.IsTestnet)
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db_path must be set")
	}

	return cfg, nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.RecvWindowMs == 0 {
		cfg.RecvWindowMs = defaultRecvWindowMs
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryInitialDelayMs == 0 {
		cfg.RetryInitialDelayMs = defaultRetryDelayMs
	}
	if cfg.RequestTimeoutSec == 0 {
		cfg.RequestTimeoutSec = defaultRequestTimeoutSec
	}
	if cfg.ClockResyncIntervalSec == 0 {
		cfg.ClockResyncIntervalSec = defaultResyncIntervalSec
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = defaultMaxConsecFailures
	}
	if cfg.Throttle.PriceIntervalMs == 0 {
		cfg.Throttle.PriceIntervalMs = defaultPriceIntervalMs
	}
	if cfg.Throttle.AccountIntervalMs == 0 {
		cfg.Throttle.AccountIntervalMs = defaultAccountIntervalMs
	}
	if cfg.Throttle.OrderIntervalMs == 0 {
		cfg.Throttle.OrderIntervalMs = defaultOrderIntervalMs
	}
	if cfg.AdminListenAddr == "" {
		cfg.AdminListenAddr = defaultAdminListenAddr
	}
}
