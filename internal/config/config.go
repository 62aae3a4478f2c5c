// Package config defines all configuration for the coordinator daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via COORD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Account     AccountConfig     `mapstructure:"account"`
	Exchanges   ExchangesConfig   `mapstructure:"exchanges"`
	Queue       QueueConfig       `mapstructure:"queue"`
	DupGuard    DupGuardConfig    `mapstructure:"dup_guard"`
	Allocator   AllocatorConfig   `mapstructure:"allocator"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
	ControlAPI  ControlAPIConfig  `mapstructure:"control_api"`
}

// AccountConfig identifies the platform account orders execute under.
type AccountConfig struct {
	ID      string `mapstructure:"id"`
	DryRun  bool   `mapstructure:"dry_run"`
}

// ExchangesConfig holds credentials for each supported execution adapter.
// Secrets are never logged; they are overridable via env vars only.
type ExchangesConfig struct {
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Kalshi     KalshiConfig     `mapstructure:"kalshi"`
}

// PolymarketConfig mirrors the wallet/API shape the Polymarket adapter
// needs: an EOA private key for EIP-712 L1 auth, and optional pre-derived
// L2 API credentials.
type PolymarketConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
	CLOBBaseURL   string `mapstructure:"clob_base_url"`
	GammaBaseURL  string `mapstructure:"gamma_base_url"`
	WSMarketURL   string `mapstructure:"ws_market_url"`
	ApiKey        string `mapstructure:"api_key"`
	Secret        string `mapstructure:"secret"`
	Passphrase    string `mapstructure:"passphrase"`
}

// KalshiConfig holds Kalshi adapter credentials.
type KalshiConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AccessKey string `mapstructure:"access_key"`
	AccessSecret string `mapstructure:"access_secret"`
}

// QueueConfig bounds the priority order queue.
type QueueConfig struct {
	MaxSize   int `mapstructure:"max_size"`
	BatchSize int `mapstructure:"batch_size"`
}

// DupGuardConfig tunes the duplicate-intent suppression window.
type DupGuardConfig struct {
	WindowMs int64 `mapstructure:"window_ms"`
}

// AllocatorConfig groups the crypto and sports capital allocator caps.
type AllocatorConfig struct {
	Crypto CryptoAllocatorConfig `mapstructure:"crypto"`
	Sports SportsAllocatorConfig `mapstructure:"sports"`
}

// CryptoAllocatorConfig maps to allocator.CryptoConfig at startup.
type CryptoAllocatorConfig struct {
	TotalCapPct   float64            `mapstructure:"total_cap_pct"`
	CoinCapPct    map[string]float64 `mapstructure:"coin_cap_pct"`
	HorizonCapPct map[string]float64 `mapstructure:"horizon_cap_pct"`
}

// SportsAllocatorConfig maps to allocator.SportsConfig at startup.
type SportsAllocatorConfig struct {
	TotalCapPct       float64 `mapstructure:"total_cap_pct"`
	MarketCapPct      float64 `mapstructure:"market_cap_pct"`
	AutoSplitByActive bool    `mapstructure:"auto_split_by_active_markets"`
}

// RiskConfig maps to risk.Config at startup.
type RiskConfig struct {
	MaxPlatformExposure       float64            `mapstructure:"max_platform_exposure"`
	MaxConsecutiveFailures    int                `mapstructure:"max_consecutive_failures"`
	DailyLossLimit            float64            `mapstructure:"daily_loss_limit"`
	MaxSpreadBps              int                `mapstructure:"max_spread_bps"`
	DomainExposureCap         map[string]float64 `mapstructure:"domain_exposure_cap"`
	DomainLossLimit           map[string]float64 `mapstructure:"domain_loss_limit"`
	CircuitBreakerAutoRecover bool               `mapstructure:"circuit_breaker_auto_recover"`
	CircuitBreakerCooldownSecs int               `mapstructure:"circuit_breaker_cooldown_secs"`
}

// IdempotencyConfig tunes the store-backed dedup layer.
type IdempotencyConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	CleanupCron  string        `mapstructure:"cleanup_cron"`
}

// PersistenceConfig points at the sqlite database backing the audit trail.
type PersistenceConfig struct {
	DSN string `mapstructure:"dsn"`
}

// CoordinatorConfig tunes the main event loop's channels and tick periods.
type CoordinatorConfig struct {
	OrderChannelSize    int `mapstructure:"order_channel_size"`
	StateChannelSize    int `mapstructure:"state_channel_size"`
	ControlChannelSize  int `mapstructure:"control_channel_size"`
	AgentCmdChannelSize int `mapstructure:"agent_cmd_channel_size"`

	QueueDrainMs       int64 `mapstructure:"queue_drain_ms"`
	StateRefreshMs     int64 `mapstructure:"state_refresh_ms"`
	ReconcileMs        int64 `mapstructure:"reconcile_ms"`
	HeartbeatTimeoutMs int64 `mapstructure:"heartbeat_timeout_ms"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only health/snapshot HTTP server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ControlAPIConfig controls the operator control-channel HTTP server that
// coordinatorctl talks to.
type ControlAPIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: COORD_ACCOUNT_ID, COORD_EXCHANGES_POLYMARKET_PRIVATE_KEY,
// COORD_EXCHANGES_POLYMARKET_API_KEY/SECRET/PASSPHRASE, COORD_EXCHANGES_KALSHI_ACCESS_KEY/SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if id := os.Getenv("COORD_ACCOUNT_ID"); id != "" {
		cfg.Account.ID = id
	}
	if key := os.Getenv("COORD_EXCHANGES_POLYMARKET_PRIVATE_KEY"); key != "" {
		cfg.Exchanges.Polymarket.PrivateKey = key
	}
	if key := os.Getenv("COORD_EXCHANGES_POLYMARKET_API_KEY"); key != "" {
		cfg.Exchanges.Polymarket.ApiKey = key
	}
	if secret := os.Getenv("COORD_EXCHANGES_POLYMARKET_SECRET"); secret != "" {
		cfg.Exchanges.Polymarket.Secret = secret
	}
	if pass := os.Getenv("COORD_EXCHANGES_POLYMARKET_PASSPHRASE"); pass != "" {
		cfg.Exchanges.Polymarket.Passphrase = pass
	}
	if key := os.Getenv("COORD_EXCHANGES_KALSHI_ACCESS_KEY"); key != "" {
		cfg.Exchanges.Kalshi.AccessKey = key
	}
	if secret := os.Getenv("COORD_EXCHANGES_KALSHI_ACCESS_SECRET"); secret != "" {
		cfg.Exchanges.Kalshi.AccessSecret = secret
	}
	if os.Getenv("COORD_DRY_RUN") == "true" || os.Getenv("COORD_DRY_RUN") == "1" {
		cfg.Account.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Account.ID == "" {
		return fmt.Errorf("account.id is required")
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be > 0")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be > 0")
	}
	if c.Risk.MaxPlatformExposure <= 0 {
		return fmt.Errorf("risk.max_platform_exposure must be > 0")
	}
	if c.Risk.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("risk.max_consecutive_failures must be > 0")
	}
	if c.Coordinator.QueueDrainMs <= 0 {
		return fmt.Errorf("coordinator.queue_drain_ms must be > 0")
	}
	if c.Coordinator.StateRefreshMs <= 0 {
		return fmt.Errorf("coordinator.state_refresh_ms must be > 0")
	}
	if c.Persistence.DSN == "" {
		return fmt.Errorf("persistence.dsn is required")
	}
	return nil
}
