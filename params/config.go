// Package params holds engine configuration. Values load from an optional
// config file plus PERPETRA_* environment variables; a .env file in the
// working directory is picked up first.
package params

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// MarkWalk parameterizes the simulated mark-price oracle: a seeded random
// walk stepping at most Step (a fraction of the price) per tick, clamped to
// [Min, Max].
type MarkWalk struct {
	Seed  int64           `mapstructure:"seed"`
	Start decimal.Decimal `mapstructure:"-"`
	Min   decimal.Decimal `mapstructure:"-"`
	Max   decimal.Decimal `mapstructure:"-"`
	Step  decimal.Decimal `mapstructure:"-"`
}

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// Engine
	MaxLeverage          int64           `mapstructure:"max_leverage"`
	DecimalScale         int32           `mapstructure:"decimal_scale"`
	LiquidationThreshold decimal.Decimal `mapstructure:"-"`
	RiskTickInterval     time.Duration   `mapstructure:"risk_tick_interval"`
	FundingInterval      time.Duration   `mapstructure:"funding_interval"`
	FundingRate          decimal.Decimal `mapstructure:"-"`
	QueueSize            int             `mapstructure:"queue_size"`

	Mark MarkWalk `mapstructure:"mark"`

	// Ambient
	AuthSecret  string `mapstructure:"auth_secret"`
	JournalPath string `mapstructure:"journal_path"`
	LogLevel    string `mapstructure:"log_level"`
	LogFile     string `mapstructure:"log_file"`
}

// Default returns the stock engine configuration.
func Default() Config {
	return Config{
		ListenAddr:           ":8080",
		MaxLeverage:          50,
		DecimalScale:         8,
		LiquidationThreshold: decimal.RequireFromString("0.05"),
		RiskTickInterval:     100 * time.Millisecond,
		FundingInterval:      1 * time.Hour,
		FundingRate:          decimal.RequireFromString("0.0001"),
		QueueSize:            1024,
		Mark: MarkWalk{
			Seed:  1,
			Start: decimal.RequireFromString("60000"),
			Min:   decimal.RequireFromString("50000"),
			Max:   decimal.RequireFromString("70000"),
			Step:  decimal.RequireFromString("0.02"),
		},
		AuthSecret:  "dev-secret",
		JournalPath: "data/journal",
		LogLevel:    "info",
	}
}

// Load reads configuration from path (optional; empty skips the file) with
// environment overrides. Decimal-valued options are read as strings so no
// precision is lost in transit.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("PERPETRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults registered up front so environment overrides bind to known
	// keys during Unmarshal.
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("max_leverage", cfg.MaxLeverage)
	v.SetDefault("decimal_scale", cfg.DecimalScale)
	v.SetDefault("risk_tick_interval", cfg.RiskTickInterval)
	v.SetDefault("funding_interval", cfg.FundingInterval)
	v.SetDefault("queue_size", cfg.QueueSize)
	v.SetDefault("mark.seed", cfg.Mark.Seed)
	v.SetDefault("auth_secret", cfg.AuthSecret)
	v.SetDefault("journal_path", cfg.JournalPath)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}

	// Decimal fields ride as strings.
	if err := overrideDecimal(v, "liquidation_threshold", &cfg.LiquidationThreshold); err != nil {
		return cfg, err
	}
	if err := overrideDecimal(v, "funding_rate", &cfg.FundingRate); err != nil {
		return cfg, err
	}
	if err := overrideDecimal(v, "mark.start", &cfg.Mark.Start); err != nil {
		return cfg, err
	}
	if err := overrideDecimal(v, "mark.min", &cfg.Mark.Min); err != nil {
		return cfg, err
	}
	if err := overrideDecimal(v, "mark.max", &cfg.Mark.Max); err != nil {
		return cfg, err
	}
	if err := overrideDecimal(v, "mark.step", &cfg.Mark.Step); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func overrideDecimal(v *viper.Viper, key string, dst *decimal.Decimal) error {
	s := v.GetString(key)
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("config %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.MaxLeverage < 1 {
		return fmt.Errorf("max_leverage must be >= 1, got %d", c.MaxLeverage)
	}
	if c.DecimalScale < 0 {
		return fmt.Errorf("decimal_scale must be >= 0, got %d", c.DecimalScale)
	}
	if !c.LiquidationThreshold.IsPositive() || c.LiquidationThreshold.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("liquidation_threshold must be in (0, 1), got %s", c.LiquidationThreshold)
	}
	if c.RiskTickInterval <= 0 || c.FundingInterval <= 0 {
		return fmt.Errorf("risk and funding intervals must be positive")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be >= 1, got %d", c.QueueSize)
	}
	if !c.Mark.Start.IsPositive() || c.Mark.Min.GreaterThan(c.Mark.Max) {
		return fmt.Errorf("mark walk bounds invalid")
	}
	return nil
}
