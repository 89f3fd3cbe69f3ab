// Package config loads the trader's YAML configuration and applies
// environment overrides for deploy-time secrets like DSNs. Durations in the
// file use Go syntax ("90s", "15m").
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"polytrader/internal/exit"
	"polytrader/internal/risk"
	"polytrader/internal/trader"
)

// Config is the top-level configuration.
type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Feed    Feed    `yaml:"feed"`
	Trader  Trader  `yaml:"trader"`
	Risk    Risk    `yaml:"risk"`
	Exit    Exit    `yaml:"exit"`
	Logging Logging `yaml:"logging"`
}

// Server holds the control-plane listener configuration.
type Server struct {
	Addr             string `yaml:"addr"`
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// Storage selects and configures persistence backends.
type Storage struct {
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"`
	UseMemory     bool   `yaml:"use_memory"`
}

// Feed configures the market-update stream.
type Feed struct {
	Endpoint string `yaml:"endpoint"`
}

// Trader holds the event-loop timing knobs.
type Trader struct {
	MaxTickAge        Duration `yaml:"max_tick_age"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`
	SweepInterval     Duration `yaml:"sweep_interval"`
	KillSwitchPoll    Duration `yaml:"kill_switch_poll"`
	KillSwitchFile    string   `yaml:"kill_switch_file"`
}

// Risk mirrors the risk limits with YAML tags.
type Risk struct {
	MaxPositionPerTrade  float64  `yaml:"max_position_per_trade"`
	MaxExposurePerWindow float64  `yaml:"max_exposure_per_window"`
	MaxTotalExposure     float64  `yaml:"max_total_exposure"`
	MaxOpenPositions     int      `yaml:"max_open_positions"`
	MaxDailyLoss         float64  `yaml:"max_daily_loss"`
	MaxHourlyLoss        float64  `yaml:"max_hourly_loss"`
	MaxConsecutiveLosses int      `yaml:"max_consecutive_losses"`
	TradeCooldown        Duration `yaml:"trade_cooldown"`
	LossCooldown         Duration `yaml:"loss_cooldown"`
	BreakerWindow        Duration `yaml:"breaker_window"`
	BreakerThreshold     float64  `yaml:"breaker_threshold"`
	BreakerCooldown      Duration `yaml:"breaker_cooldown"`
	MinTimeRemaining     Duration `yaml:"min_time_remaining"`
	MaxTimeRemaining     Duration `yaml:"max_time_remaining"`
	MaxSpreadPct         float64  `yaml:"max_spread_pct"`
	MinBookSize          float64  `yaml:"min_book_size"`
	MaxSlippagePct       float64  `yaml:"max_slippage_pct"`
}

// Exit mirrors the exit controller configuration with YAML-friendly types.
type Exit struct {
	Defaults  exit.RuleSet             `yaml:"defaults"`
	Overrides map[string]exit.Override `yaml:"overrides"`

	PendingEntryTimeout Duration `yaml:"pending_entry_timeout"`
	RetryExtraSlippage  float64  `yaml:"retry_extra_slippage"`
	MinOrderValue       float64  `yaml:"min_order_value"`
	TrustTxProof        bool     `yaml:"trust_tx_proof"`
	MaxExitAttempts     int      `yaml:"max_exit_attempts"`
	ExitPriceBuffer     float64  `yaml:"exit_price_buffer"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration: memory storage, production
// risk and exit parameters.
func Default() *Config {
	r := risk.DefaultConfig()
	e := exit.DefaultConfig()
	return &Config{
		Server: Server{
			Addr:             ":8080",
			MetricsNamespace: "polytrader",
		},
		Storage: Storage{UseMemory: true},
		Trader: Trader{
			MaxTickAge:        Duration(5 * time.Second),
			ReconcileInterval: Duration(1 * time.Minute),
			SweepInterval:     Duration(30 * time.Second),
			KillSwitchPoll:    Duration(2 * time.Second),
			KillSwitchFile:    "data/killswitch",
		},
		Risk: Risk{
			MaxPositionPerTrade:  r.MaxPositionPerTrade,
			MaxExposurePerWindow: r.MaxExposurePerWindow,
			MaxTotalExposure:     r.MaxTotalExposure,
			MaxOpenPositions:     r.MaxOpenPositions,
			MaxDailyLoss:         r.MaxDailyLoss,
			MaxHourlyLoss:        r.MaxHourlyLoss,
			MaxConsecutiveLosses: r.MaxConsecutiveLosses,
			TradeCooldown:        Duration(r.TradeCooldown),
			LossCooldown:         Duration(r.LossCooldown),
			BreakerWindow:        Duration(r.BreakerWindow),
			BreakerThreshold:     r.BreakerThreshold,
			BreakerCooldown:      Duration(r.BreakerCooldown),
			MinTimeRemaining:     Duration(r.MinTimeRemaining),
			MaxTimeRemaining:     Duration(r.MaxTimeRemaining),
			MaxSpreadPct:         r.MaxSpreadPct,
			MinBookSize:          r.MinBookSize,
			MaxSlippagePct:       r.MaxSlippagePct,
		},
		Exit: Exit{
			Defaults:            e.Defaults,
			Overrides:           e.Overrides,
			PendingEntryTimeout: Duration(e.PendingEntryTimeout),
			RetryExtraSlippage:  e.RetryExtraSlippage,
			MinOrderValue:       e.MinOrderValue,
			TrustTxProof:        e.TrustTxProof,
			MaxExitAttempts:     e.MaxExitAttempts,
			ExitPriceBuffer:     e.ExitPriceBuffer,
		},
		Logging: Logging{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path loads defaults and overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps deploy-time environment variables over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
		cfg.Storage.UseMemory = false
	}
	if v := os.Getenv("CLICKHOUSE_DSN"); v != "" {
		cfg.Storage.ClickhouseDSN = v
	}
	if v := os.Getenv("FEED_ENDPOINT"); v != "" {
		cfg.Feed.Endpoint = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("KILL_SWITCH_FILE"); v != "" {
		cfg.Trader.KillSwitchFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects contradictory configuration before anything starts.
func (c *Config) Validate() error {
	if !c.Storage.UseMemory && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage: postgres_dsn required unless use_memory is set")
	}
	if c.Trader.MaxTickAge <= 0 {
		return fmt.Errorf("trader: max_tick_age must be positive")
	}
	if c.Trader.KillSwitchFile == "" {
		return fmt.Errorf("trader: kill_switch_file required")
	}
	if err := c.ExitConfig().Validate(); err != nil {
		return fmt.Errorf("exit: %w", err)
	}
	return nil
}

// RiskConfig converts the YAML shape to the risk manager's config.
func (c *Config) RiskConfig() risk.Config {
	return risk.Config{
		MaxPositionPerTrade:  c.Risk.MaxPositionPerTrade,
		MaxExposurePerWindow: c.Risk.MaxExposurePerWindow,
		MaxTotalExposure:     c.Risk.MaxTotalExposure,
		MaxOpenPositions:     c.Risk.MaxOpenPositions,
		MaxDailyLoss:         c.Risk.MaxDailyLoss,
		MaxHourlyLoss:        c.Risk.MaxHourlyLoss,
		MaxConsecutiveLosses: c.Risk.MaxConsecutiveLosses,
		TradeCooldown:        c.Risk.TradeCooldown.Std(),
		LossCooldown:         c.Risk.LossCooldown.Std(),
		BreakerWindow:        c.Risk.BreakerWindow.Std(),
		BreakerThreshold:     c.Risk.BreakerThreshold,
		BreakerCooldown:      c.Risk.BreakerCooldown.Std(),
		MinTimeRemaining:     c.Risk.MinTimeRemaining.Std(),
		MaxTimeRemaining:     c.Risk.MaxTimeRemaining.Std(),
		MaxSpreadPct:         c.Risk.MaxSpreadPct,
		MinBookSize:          c.Risk.MinBookSize,
		MaxSlippagePct:       c.Risk.MaxSlippagePct,
	}
}

// ExitConfig converts the YAML shape to the exit controller's config.
func (c *Config) ExitConfig() exit.Config {
	return exit.Config{
		Defaults:            c.Exit.Defaults,
		Overrides:           c.Exit.Overrides,
		PendingEntryTimeout: c.Exit.PendingEntryTimeout.Std(),
		RetryExtraSlippage:  c.Exit.RetryExtraSlippage,
		MinOrderValue:       c.Exit.MinOrderValue,
		TrustTxProof:        c.Exit.TrustTxProof,
		MaxExitAttempts:     c.Exit.MaxExitAttempts,
		ExitPriceBuffer:     c.Exit.ExitPriceBuffer,
	}
}

// TraderConfig converts the YAML shape to the event loop's config.
func (c *Config) TraderConfig() trader.Config {
	return trader.Config{
		MaxTickAge:        c.Trader.MaxTickAge.Std(),
		ReconcileInterval: c.Trader.ReconcileInterval.Std(),
		SweepInterval:     c.Trader.SweepInterval.Std(),
		KillSwitchPoll:    c.Trader.KillSwitchPoll.Std(),
	}
}
