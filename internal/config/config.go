// Package config defines all configuration for the trading engine core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"tradecore/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchanges []ExchangeConfig `mapstructure:"exchanges"`
	Risk      RiskConfig       `mapstructure:"risk"`
	Sync      SyncConfig       `mapstructure:"sync"`
	Store     StoreConfig      `mapstructure:"store"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// ExchangeConfig describes one venue connection. Credentials may be left
// empty in the file and injected via TRADE_<NAME>_API_KEY / _API_SECRET.
type ExchangeConfig struct {
	Name      string `mapstructure:"name"`
	BaseURL   string `mapstructure:"base_url"`
	WSURL     string `mapstructure:"ws_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// RiskConfig sets the pre-trade limits. A zero value disables that limit.
//
//   - MaxPositionSize:  max base quantity per symbol after a hypothetical fill.
//   - MaxDailyLoss:     realized loss budget per UTC day; breach stops the engine.
//   - MaxDrawdown:      fraction of equity decline from the session peak.
//   - MaxOpenPositions: cap on concurrently open positions.
//   - MaxLeverage:      total notional over account equity.
type RiskConfig struct {
	MaxPositionSize  float64 `mapstructure:"max_position_size"`
	MaxDailyLoss     float64 `mapstructure:"max_daily_loss"`
	MaxDrawdown      float64 `mapstructure:"max_drawdown"`
	MaxOpenPositions int     `mapstructure:"max_open_positions"`
	MaxLeverage      float64 `mapstructure:"max_leverage"`
}

// SyncConfig tunes the background order reconciliation service.
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// StoreConfig sets where engine state is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Credentials use env vars: TRADE_<EXCHANGE-NAME>_API_KEY and _API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override credentials from env
	for i := range cfg.Exchanges {
		prefix := "TRADE_" + strings.ToUpper(strings.ReplaceAll(cfg.Exchanges[i].Name, "-", "_"))
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			cfg.Exchanges[i].APIKey = key
		}
		if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
			cfg.Exchanges[i].APISecret = secret
		}
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange is required")
	}
	seen := make(map[string]bool)
	for _, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchange name is required")
		}
		if seen[ex.Name] {
			return fmt.Errorf("duplicate exchange name %q", ex.Name)
		}
		seen[ex.Name] = true
		if ex.BaseURL == "" {
			return fmt.Errorf("exchange %s: base_url is required", ex.Name)
		}
	}
	if c.Risk.MaxPositionSize < 0 || c.Risk.MaxDailyLoss < 0 || c.Risk.MaxLeverage < 0 {
		return fmt.Errorf("risk limits must not be negative")
	}
	if c.Risk.MaxDrawdown < 0 || c.Risk.MaxDrawdown > 1 {
		return fmt.Errorf("risk.max_drawdown must be within [0, 1]")
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	return nil
}

// RiskLimits converts the float config into the decimal form the risk gate
// consumes.
func (c *Config) RiskLimits() types.RiskLimits {
	return types.RiskLimits{
		MaxPositionSize:  decimal.NewFromFloat(c.Risk.MaxPositionSize),
		MaxDailyLoss:     decimal.NewFromFloat(c.Risk.MaxDailyLoss),
		MaxDrawdown:      decimal.NewFromFloat(c.Risk.MaxDrawdown),
		MaxOpenPositions: c.Risk.MaxOpenPositions,
		MaxLeverage:      decimal.NewFromFloat(c.Risk.MaxLeverage),
	}
}
