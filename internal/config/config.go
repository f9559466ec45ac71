// Package config defines all configuration for the market-making bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via LIP_* environment variables.
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
	DryRun    bool            `mapstructure:"dry_run"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Trading   TradingConfig   `mapstructure:"trading"`
	LIP       LIPConfig       `mapstructure:"lip"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Circuit   CircuitConfig   `mapstructure:"circuit"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ExchangeConfig holds API endpoints and credentials.
// APIKeyID identifies the key; PrivateKeyPath points at the PEM file used to
// sign requests. Both are overridable via LIP_API_KEY_ID / LIP_PRIVATE_KEY_PATH.
type ExchangeConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	WSOrderbookURL string `mapstructure:"ws_orderbook_url"`
	WSFillsURL     string `mapstructure:"ws_fills_url"`
	APIKeyID       string `mapstructure:"api_key_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
}

// TradingConfig tunes the per-market state machine.
//
//   - Dt: main scheduler period.
//   - MaxPosition: absolute YES-equivalent inventory cap per market.
//   - PositionLimitBuffer: fraction of the cap at which inventory skew begins.
//   - InventorySkewFactor: scaling of the skew applied to quote depth.
//   - ImproveOncePerTouch: allow at most one price improvement per external
//     touch change.
//   - ImproveCooldown: minimum gap between improvements (0 = no cooldown).
//   - MinQuoteWidthCents: floor for (ask − bid); widened symmetrically.
//   - MaxMarketsWithOrders: concurrency cap on tracked markets.
//   - OrderbookUpdateCooldown: per-market throttle on reactive ask replacement.
//   - FastMoveCooldown: hold-off after the external touch jumps >1 tick.
//   - HardExpiryHours: within this window before close, quoting is exit-only.
//   - StaleBookTimeout: hold quotes when the book mirror has not been updated
//     for this long (0 disables the guard).
type TradingConfig struct {
	Dt                      time.Duration `mapstructure:"dt"`
	MaxPosition             int           `mapstructure:"max_position"`
	PositionLimitBuffer     float64       `mapstructure:"position_limit_buffer"`
	InventorySkewFactor     float64       `mapstructure:"inventory_skew_factor"`
	ImproveOncePerTouch     bool          `mapstructure:"improve_once_per_touch"`
	ImproveCooldown         time.Duration `mapstructure:"improve_cooldown"`
	MinQuoteWidthCents      int           `mapstructure:"min_quote_width_cents"`
	MaxMarketsWithOrders    int           `mapstructure:"max_markets_with_orders"`
	OrderbookUpdateCooldown time.Duration `mapstructure:"orderbook_update_cooldown"`
	FastMoveCooldown        time.Duration `mapstructure:"fast_move_cooldown"`
	HardExpiryHours         float64       `mapstructure:"hard_expiry_hours"`
	StaleBookTimeout        time.Duration `mapstructure:"stale_book_timeout"`
}

// LIPConfig tunes the liquidity-incentive risk model and quote-level policy.
//
//   - DiscountFactor: rebate multiplier base per tick behind best (d^ticks).
//   - RiskThreshold: skip markets scoring above this.
//   - RiskAlpha: reserved coefficient for the legacy continuous bucket policy.
//   - TimeRiskK: decay constant for exp(−k·hours_to_expiry).
//   - VolGamma: weight of the volatility percentile in the risk score.
//   - VolRefreshInterval: cadence of the cross-sectional σ refresh.
//   - MediumRiskThreshold / HighRiskThreshold: discrete bucket boundaries
//     (join touch / one tick behind / skip).
type LIPConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	DiscountFactor      float64       `mapstructure:"discount_factor"`
	RiskThreshold       float64       `mapstructure:"risk_threshold"`
	RiskAlpha           float64       `mapstructure:"risk_alpha"`
	TimeRiskK           float64       `mapstructure:"time_risk_k"`
	VolGamma            float64       `mapstructure:"vol_gamma"`
	VolRefreshInterval  time.Duration `mapstructure:"vol_refresh_interval"`
	MediumRiskThreshold float64       `mapstructure:"medium_risk_threshold"`
	HighRiskThreshold   float64       `mapstructure:"high_risk_threshold"`
}

// DiscoveryConfig controls the background market-discovery worker.
//
//   - Interval: poll cadence against the incentive-program listing.
//   - QueueSize: bound on the candidate queue; overflow drops the oldest.
//   - ScanCap: max listings examined per cycle.
//   - MarkoutAlpha / MarkoutBadThreshold / MarkoutHorizon: per-ticker markout
//     EMA used both for bid suppression and for the discovery toxicity filter.
type DiscoveryConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	QueueSize           int           `mapstructure:"queue_size"`
	ScanCap             int           `mapstructure:"scan_cap"`
	MarkoutAlpha        float64       `mapstructure:"markout_alpha"`
	MarkoutBadThreshold float64       `mapstructure:"markout_bad_threshold"`
	MarkoutHorizon      time.Duration `mapstructure:"markout_horizon"`
}

// CircuitConfig sets the latching circuit-breaker trip conditions.
// Once tripped, only cancellations are permitted until a manual reset
// (restart). Status is persisted on every state change.
type CircuitConfig struct {
	MaxConsecutiveErrors  int     `mapstructure:"max_consecutive_errors"`
	PnLThreshold          float64 `mapstructure:"pnl_threshold"`
	MaxInventoryImbalance float64 `mapstructure:"max_inventory_imbalance"`
}

// StoreConfig sets where state is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: LIP_API_KEY_ID, LIP_PRIVATE_KEY_PATH.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("LIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("LIP_API_KEY_ID"); key != "" {
		cfg.Exchange.APIKeyID = key
	}
	if path := os.Getenv("LIP_PRIVATE_KEY_PATH"); path != "" {
		cfg.Exchange.PrivateKeyPath = path
	}
	if os.Getenv("LIP_DRY_RUN") == "true" || os.Getenv("LIP_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults installs the documented defaults so a minimal YAML file works.
func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.dt", "1s")
	v.SetDefault("trading.max_position", 100)
	v.SetDefault("trading.position_limit_buffer", 0.2)
	v.SetDefault("trading.inventory_skew_factor", 0.01)
	v.SetDefault("trading.improve_once_per_touch", true)
	v.SetDefault("trading.improve_cooldown", "0s")
	v.SetDefault("trading.min_quote_width_cents", 0)
	v.SetDefault("trading.max_markets_with_orders", 20)
	v.SetDefault("trading.orderbook_update_cooldown", "500ms")
	v.SetDefault("trading.fast_move_cooldown", "15s")
	v.SetDefault("trading.hard_expiry_hours", 1.0)
	v.SetDefault("trading.stale_book_timeout", "30s")

	v.SetDefault("lip.enabled", true)
	v.SetDefault("lip.discount_factor", 0.95)
	v.SetDefault("lip.risk_threshold", 3.0)
	v.SetDefault("lip.risk_alpha", 1.0)
	v.SetDefault("lip.time_risk_k", 0.15)
	v.SetDefault("lip.vol_gamma", 2.0)
	v.SetDefault("lip.vol_refresh_interval", "300s")
	v.SetDefault("lip.medium_risk_threshold", 1.5)
	v.SetDefault("lip.high_risk_threshold", 2.5)

	v.SetDefault("discovery.interval", "10s")
	v.SetDefault("discovery.queue_size", 64)
	v.SetDefault("discovery.scan_cap", 100)
	v.SetDefault("discovery.markout_alpha", 0.4)
	v.SetDefault("discovery.markout_bad_threshold", -0.003)
	v.SetDefault("discovery.markout_horizon", "30s")

	v.SetDefault("circuit.max_consecutive_errors", 10)
	v.SetDefault("circuit.pnl_threshold", -100.0)
	v.SetDefault("circuit.max_inventory_imbalance", 0.9)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if !c.DryRun && c.Exchange.APIKeyID == "" {
		return fmt.Errorf("exchange.api_key_id is required (set LIP_API_KEY_ID)")
	}
	if c.Trading.Dt <= 0 {
		return fmt.Errorf("trading.dt must be > 0")
	}
	if c.Trading.MaxPosition <= 0 {
		return fmt.Errorf("trading.max_position must be > 0")
	}
	if c.Trading.PositionLimitBuffer < 0 || c.Trading.PositionLimitBuffer > 1 {
		return fmt.Errorf("trading.position_limit_buffer must be in [0, 1]")
	}
	if c.Trading.MaxMarketsWithOrders <= 0 {
		return fmt.Errorf("trading.max_markets_with_orders must be > 0")
	}
	if c.LIP.DiscountFactor <= 0 || c.LIP.DiscountFactor > 1 {
		return fmt.Errorf("lip.discount_factor must be in (0, 1]")
	}
	if c.LIP.MediumRiskThreshold > c.LIP.HighRiskThreshold {
		return fmt.Errorf("lip.medium_risk_threshold must not exceed lip.high_risk_threshold")
	}
	if c.LIP.VolRefreshInterval <= 0 {
		return fmt.Errorf("lip.vol_refresh_interval must be > 0")
	}
	if c.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery.interval must be > 0")
	}
	if c.Circuit.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("circuit.max_consecutive_errors must be > 0")
	}
	if c.Circuit.MaxInventoryImbalance <= 0 || c.Circuit.MaxInventoryImbalance > 1 {
		return fmt.Errorf("circuit.max_inventory_imbalance must be in (0, 1]")
	}
	return nil
}
