// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"cryptoengine/internal/errs"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	TradingMode string         `mapstructure:"trading_mode"` // "simulated" or "live"
	Exchange    ExchangeConfig `mapstructure:"exchange"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
	Risk        RiskConfig     `mapstructure:"risk"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Scoring     ScoringConfig  `mapstructure:"scoring"`
	Allocator   AllocatorConfig `mapstructure:"allocator"`
	Store       StoreConfig    `mapstructure:"store"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
}

// ExchangeConfig holds exchange connection and bearer-token auth credentials.
type ExchangeConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	MinRequestGapMs int    `mapstructure:"min_request_gap_ms"` // default 60ms
}

// InstrumentsConfig configures which instruments the scheduler cycles over
// and the derivative leverage. Leverage is validated but no component reads
// it: order sizing and position records do not compute margin from it.
type InstrumentsConfig struct {
	Targets  []string `mapstructure:"target_instruments"`
	Leverage int      `mapstructure:"leverage"` // >= 1
}

// RiskConfig holds Risk Engine parameters: the max-hold deadline, the
// daily-loss circuit breaker threshold, and the supplemented
// consecutive-loss throttle. StopLossPct, TakeProfitPct and TrailingStopPct
// are loaded but internal/risk does not read them; its exit cascade uses
// its own fixed stop, take-profit and trailing thresholds.
type RiskConfig struct {
	StopLossPct         float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct       float64 `mapstructure:"take_profit_pct"`
	TrailingStopPct     float64 `mapstructure:"trailing_stop_pct"`
	MaxHoldingMinutes   int     `mapstructure:"max_holding_minutes"`
	DailyLossLimitPct   float64 `mapstructure:"daily_loss_limit_pct"` // negative, e.g. -0.05
	MaxConsecutiveLosses int    `mapstructure:"max_consecutive_losses"`
}

// SchedulerConfig holds the five interval-job intervals (minutes) plus the daily cron.
type SchedulerConfig struct {
	DataCollectionIntervalMin int    `mapstructure:"data_collection_interval_min"`
	IndicatorCalcIntervalMin  int    `mapstructure:"indicator_calc_interval_min"`
	ScoringIntervalMin        int    `mapstructure:"scoring_interval_min"`
	BuyExecutionIntervalMin   int    `mapstructure:"buy_execution_interval_min"`
	RiskCheckIntervalMin      int    `mapstructure:"risk_check_interval_min"`
	DailyFeedbackCron         string `mapstructure:"daily_feedback_cron"` // e.g. "30 0 * * *", Asia/Seoul
}

// ScoringConfig holds the Scoring Engine's weights and signal thresholds.
type ScoringConfig struct {
	WeightTechnical  float64 `mapstructure:"weight_technical"`
	WeightMomentum   float64 `mapstructure:"weight_momentum"`
	WeightVolatility float64 `mapstructure:"weight_volatility"`
	WeightVolume     float64 `mapstructure:"weight_volume"`
	WeightSentiment  float64 `mapstructure:"weight_sentiment"`

	BuyThreshold       float64 `mapstructure:"buy_threshold"`
	StrongBuyThreshold float64 `mapstructure:"strong_buy_threshold"`
	SellThreshold      float64 `mapstructure:"sell_threshold"`
}

// AllocatorConfig holds the Allocator's sizing parameters, including the
// supplemented portfolio-wide safety-gate ratios and volatility-scaled
// sizing toggle.
type AllocatorConfig struct {
	MinAllocationPct float64 `mapstructure:"min_allocation_pct"`
	MaxAllocationPct float64 `mapstructure:"max_allocation_pct"`
	StrongBuyBoost   float64 `mapstructure:"strong_buy_boost"`
	LimitDiscountPct float64 `mapstructure:"limit_discount_pct"`
	ReserveRatio     float64 `mapstructure:"reserve_ratio"`
	MinOrderNotional float64 `mapstructure:"min_order_notional"`

	MaxTotalMarginPct      float64 `mapstructure:"max_total_margin_pct"`      // pre-flight gate 1
	MinAvailableBalancePct float64 `mapstructure:"min_available_balance_pct"` // pre-flight gate 2
	VolScaledSizing        bool    `mapstructure:"vol_scaled_sizing"`
	TargetATRPct           float64 `mapstructure:"target_atr_pct"`
	MaxPerTickerPct        float64 `mapstructure:"max_per_ticker_pct"`
}

// StoreConfig sets where positions, the simulated wallet, and the trade log
// are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the ambient Prometheus /metrics + /healthz server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BOT_ACCESS_KEY, BOT_SECRET_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("BOT_ACCESS_KEY"); key != "" {
		cfg.Exchange.AccessKey = key
	}
	if secret := os.Getenv("BOT_SECRET_KEY"); secret != "" {
		cfg.Exchange.SecretKey = secret
	}
	if mode := os.Getenv("BOT_TRADING_MODE"); mode != "" {
		cfg.TradingMode = mode
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, returning a
// ConfigError on the first violation found.
func (c *Config) Validate() error {
	switch c.TradingMode {
	case "simulated", "live":
	default:
		return errs.NewConfigError("trading_mode", "must be \"simulated\" or \"live\"")
	}
	if c.TradingMode == "live" {
		if c.Exchange.AccessKey == "" {
			return errs.NewConfigError("exchange.access_key", "required when trading_mode is live (set BOT_ACCESS_KEY)")
		}
		if c.Exchange.SecretKey == "" {
			return errs.NewConfigError("exchange.secret_key", "required when trading_mode is live (set BOT_SECRET_KEY)")
		}
	}
	if c.Exchange.BaseURL == "" {
		return errs.NewConfigError("exchange.base_url", "required")
	}
	if len(c.Instruments.Targets) == 0 {
		return errs.NewConfigError("instruments.target_instruments", "must list at least one instrument")
	}
	if c.Instruments.Leverage < 1 {
		return errs.NewConfigError("instruments.leverage", "must be >= 1")
	}

	weightSum := c.Scoring.WeightTechnical + c.Scoring.WeightMomentum + c.Scoring.WeightVolatility +
		c.Scoring.WeightVolume + c.Scoring.WeightSentiment
	if weightSum < 0.99 || weightSum > 1.01 {
		return errs.NewConfigError("scoring.weight_*", fmt.Sprintf("must sum to 1.0 +/- 0.01, got %.4f", weightSum))
	}

	if c.Allocator.MinOrderNotional <= 0 {
		return errs.NewConfigError("allocator.min_order_notional", "must be > 0")
	}
	if c.Allocator.MinAllocationPct <= 0 || c.Allocator.MaxAllocationPct <= c.Allocator.MinAllocationPct {
		return errs.NewConfigError("allocator.min_allocation_pct/max_allocation_pct", "must satisfy 0 < min < max")
	}
	if c.Allocator.ReserveRatio < 0 || c.Allocator.ReserveRatio >= 1 {
		return errs.NewConfigError("allocator.reserve_ratio", "must be in [0,1)")
	}

	if c.Scheduler.DataCollectionIntervalMin <= 0 || c.Scheduler.IndicatorCalcIntervalMin <= 0 ||
		c.Scheduler.ScoringIntervalMin <= 0 || c.Scheduler.BuyExecutionIntervalMin <= 0 ||
		c.Scheduler.RiskCheckIntervalMin <= 0 {
		return errs.NewConfigError("scheduler.*_interval_min", "all interval knobs must be > 0")
	}
	if c.Scheduler.DailyFeedbackCron == "" {
		return errs.NewConfigError("scheduler.daily_feedback_cron", "required")
	}

	if c.Store.DataDir == "" {
		return errs.NewConfigError("store.data_dir", "required")
	}

	return nil
}
