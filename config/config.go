// Package config loads the trading loop configuration from YAML or JSON and
// the exchange and webhook secrets from the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rustyeddy/tradeloop/engine"
	"github.com/rustyeddy/tradeloop/reconcile"
	"github.com/rustyeddy/tradeloop/risk"
	"github.com/rustyeddy/tradeloop/signal"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid")

// Mode selects the exchange the loop trades against.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeTestnet  Mode = "testnet"
	ModeLive     Mode = "live"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeBacktest, ModeTestnet, ModeLive:
		return m, nil
	}
	return "", fmt.Errorf("%w: mode %q (want backtest, testnet or live)", ErrInvalid, s)
}

// Config represents the complete trading loop configuration
type Config struct {
	Mode     Mode           `json:"mode" yaml:"mode"`
	LogLevel string         `json:"log_level" yaml:"log_level"`
	Account  AccountConfig  `json:"account" yaml:"account"`
	Symbols  []SymbolConfig `json:"symbols" yaml:"symbols"`
	Risk     RiskConfig     `json:"risk" yaml:"risk"`
	Levels   LevelsConfig   `json:"levels" yaml:"levels"`
	Loop     LoopConfig     `json:"loop" yaml:"loop"`
	Strategy StrategyConfig `json:"strategy" yaml:"strategy"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	Admin    AdminConfig    `json:"admin" yaml:"admin"`
	Backtest BacktestConfig `json:"backtest" yaml:"backtest"`
}

// AccountConfig names the account and its quote asset
type AccountConfig struct {
	Name    string `json:"name" yaml:"name"`
	Quote   string `json:"quote" yaml:"quote"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // overrides the mode's endpoint
}

// SymbolConfig carries the exchange filters of one tracked symbol
type SymbolConfig struct {
	Name        string  `json:"name" yaml:"name"`
	StepSize    float64 `json:"step_size" yaml:"step_size"`
	MinQty      float64 `json:"min_qty" yaml:"min_qty"`
	MinNotional float64 `json:"min_notional" yaml:"min_notional"`
	MaxNotional float64 `json:"max_notional,omitempty" yaml:"max_notional,omitempty"`
}

type RiskConfig struct {
	RiskPerTrade        float64 `json:"risk_per_trade" yaml:"risk_per_trade"`
	MaxOpenTrades       int     `json:"max_open_trades" yaml:"max_open_trades"`
	MaxDrawdown         float64 `json:"max_drawdown" yaml:"max_drawdown"`
	DailyLossLimit      float64 `json:"daily_loss_limit" yaml:"daily_loss_limit"`
	MinPositionNotional float64 `json:"min_position_notional" yaml:"min_position_notional"`
	MaxPositionNotional float64 `json:"max_position_notional" yaml:"max_position_notional"`
	DynamicSizing       bool    `json:"dynamic_sizing" yaml:"dynamic_sizing"`
	MinRewardRisk       float64 `json:"min_reward_risk" yaml:"min_reward_risk"`
}

type LevelsConfig struct {
	Mode          string  `json:"mode" yaml:"mode"` // "percent" or "atr"
	StopPct       float64 `json:"stop_pct" yaml:"stop_pct"`
	TakeProfitPct float64 `json:"take_profit_pct" yaml:"take_profit_pct"`
	ATRMultiplier float64 `json:"atr_multiplier" yaml:"atr_multiplier"`
	RewardRisk    float64 `json:"reward_risk" yaml:"reward_risk"`
	TrailPct      float64 `json:"trail_pct" yaml:"trail_pct"`
}

type LoopConfig struct {
	PollInterval      time.Duration `json:"poll_interval" yaml:"poll_interval"`
	ReconcileInterval time.Duration `json:"reconcile_interval" yaml:"reconcile_interval"`
	ExchangeTimeout   time.Duration `json:"exchange_timeout" yaml:"exchange_timeout"`
	ReadRetries       int           `json:"read_retries" yaml:"read_retries"`
	SignalCooldown    time.Duration `json:"signal_cooldown" yaml:"signal_cooldown"`
	MinConfidence     float64       `json:"min_confidence" yaml:"min_confidence"`
	UnknownOrderGrace time.Duration `json:"unknown_order_grace" yaml:"unknown_order_grace"`
	ProtectiveOrders  bool          `json:"protective_orders" yaml:"protective_orders"`
}

// StrategyConfig picks the signal source and its parameters
type StrategyConfig struct {
	Kind          string `json:"kind" yaml:"kind"`
	signal.Config `yaml:",inline"`
}

type JournalConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

type NotifyConfig struct {
	Discord bool   `json:"discord" yaml:"discord"` // webhook url comes from DISCORD_WEBHOOK_URL
	Footer  string `json:"footer,omitempty" yaml:"footer,omitempty"`
	Queue   int    `json:"queue,omitempty" yaml:"queue,omitempty"`
}

type AdminConfig struct {
	Listen string `json:"listen" yaml:"listen"` // empty disables the admin server
}

type BacktestConfig struct {
	TicksFile      string  `json:"ticks_file" yaml:"ticks_file"`
	InitialBalance float64 `json:"initial_balance" yaml:"initial_balance"`
	FeeRate        float64 `json:"fee_rate" yaml:"fee_rate"`
	ReconcileEvery int     `json:"reconcile_every" yaml:"reconcile_every"` // ticks between reconcile passes
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Mode:     ModeBacktest,
		LogLevel: "info",
		Account:  AccountConfig{Name: "paper", Quote: "USDT"},
		Symbols: []SymbolConfig{
			{Name: "BTCUSDT", StepSize: 0.00001, MinQty: 0.00001, MinNotional: 5},
			{Name: "ETHUSDT", StepSize: 0.0001, MinQty: 0.0001, MinNotional: 5},
		},
		Risk: RiskConfig{
			RiskPerTrade:        0.01,
			MaxOpenTrades:       3,
			MaxDrawdown:         0.15,
			DailyLossLimit:      0.05,
			MinPositionNotional: 10,
			DynamicSizing:       true,
			MinRewardRisk:       1.5,
		},
		Levels: LevelsConfig{
			Mode:          string(risk.LevelsPercent),
			StopPct:       0.02,
			TakeProfitPct: 0.04,
			ATRMultiplier: 2,
		},
		Loop: LoopConfig{
			PollInterval:      30 * time.Second,
			ReconcileInterval: 5 * time.Minute,
			ExchangeTimeout:   10 * time.Second,
			ReadRetries:       3,
			SignalCooldown:    2 * time.Minute,
			MinConfidence:     0.5,
			UnknownOrderGrace: 2 * time.Minute,
			ProtectiveOrders:  true,
		},
		Strategy: StrategyConfig{Kind: string(signal.Ensemble), Config: signal.DefaultConfig()},
		Journal:  JournalConfig{DBPath: "./tradeloop.db"},
		Notify:   NotifyConfig{Footer: "tradeloop"},
		Admin:    AdminConfig{Listen: "127.0.0.1:8080"},
		Backtest: BacktestConfig{
			TicksFile:      "./ticks.csv",
			InitialBalance: 10000,
			FeeRate:        0.001,
			ReconcileEvery: 60,
		},
	}
}

// LoadFromFile loads configuration from a file (JSON or YAML based on extension)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	// Weights given in the file replace the defaults instead of merging.
	cfg.Strategy.Weights = nil
	if isJSON(path) {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func isJSON(path string) bool { return strings.EqualFold(filepath.Ext(path), ".json") }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Account.Quote == "" {
		return invalid("account.quote is required")
	}
	if len(c.Symbols) == 0 {
		return invalid("at least one symbol is required")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Name == "" {
			return invalid("symbol name is required")
		}
		if seen[s.Name] {
			return invalid("symbol %s listed twice", s.Name)
		}
		seen[s.Name] = true
		if s.StepSize < 0 || s.MinQty < 0 || s.MinNotional < 0 {
			return invalid("symbol %s filters must not be negative", s.Name)
		}
	}

	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("%w: risk: %w", ErrInvalid, err)
	}

	switch risk.LevelMode(c.Levels.Mode) {
	case risk.LevelsPercent, risk.LevelsATR:
	default:
		return invalid("levels.mode must be 'percent' or 'atr'")
	}
	if c.Levels.StopPct <= 0 || c.Levels.StopPct >= 1 {
		return invalid("levels.stop_pct must be in (0, 1)")
	}
	if c.Levels.TakeProfitPct <= 0 && c.Levels.RewardRisk <= 0 {
		return invalid("levels needs take_profit_pct or reward_risk")
	}
	if risk.LevelMode(c.Levels.Mode) == risk.LevelsATR && c.Levels.ATRMultiplier <= 0 {
		return invalid("levels.atr_multiplier must be positive in atr mode")
	}
	if c.Levels.TrailPct < 0 || c.Levels.TrailPct >= 0.5 {
		return invalid("levels.trail_pct must be in [0, 0.5)")
	}

	if c.Loop.PollInterval <= 0 || c.Loop.ReconcileInterval <= 0 {
		return invalid("loop.poll_interval and loop.reconcile_interval must be positive")
	}
	if c.Loop.ExchangeTimeout <= 0 {
		return invalid("loop.exchange_timeout must be positive")
	}
	if c.Loop.ReadRetries < 1 {
		return invalid("loop.read_retries must be at least 1")
	}
	if c.Loop.MinConfidence < 0 || c.Loop.MinConfidence > 1 {
		return invalid("loop.min_confidence must be in [0, 1]")
	}
	if c.Loop.SignalCooldown < 0 || c.Loop.UnknownOrderGrace < 0 {
		return invalid("loop durations must not be negative")
	}

	if _, err := signal.ParseKind(c.Strategy.Kind); err != nil {
		return fmt.Errorf("%w: strategy: %w", ErrInvalid, err)
	}
	if err := c.Strategy.Config.Validate(); err != nil {
		return fmt.Errorf("%w: strategy: %w", ErrInvalid, err)
	}

	if c.Mode != ModeBacktest && c.Journal.DBPath == "" {
		return invalid("journal.db_path is required outside backtest mode")
	}
	if c.Mode == ModeBacktest {
		if c.Backtest.TicksFile == "" {
			return invalid("backtest.ticks_file is required in backtest mode")
		}
		if c.Backtest.InitialBalance <= 0 {
			return invalid("backtest.initial_balance must be positive")
		}
		if c.Backtest.FeeRate < 0 || c.Backtest.ReconcileEvery < 0 {
			return invalid("backtest fee_rate and reconcile_every must not be negative")
		}
	}
	return nil
}

// Policy is the risk section as a risk.Policy.
func (c *Config) Policy() risk.Policy {
	r := c.Risk
	return risk.Policy{
		RiskPerTrade:        r.RiskPerTrade,
		DynamicSizing:       r.DynamicSizing,
		MinPositionNotional: r.MinPositionNotional,
		MaxPositionNotional: r.MaxPositionNotional,
		MaxOpenTrades:       r.MaxOpenTrades,
		MaxDrawdown:         r.MaxDrawdown,
		DailyLossLimit:      r.DailyLossLimit,
		MinRewardRisk:       r.MinRewardRisk,
	}
}

// LevelConfig is the levels section as a risk.LevelConfig. ATR is filled
// per signal.
func (c *Config) LevelConfig() risk.LevelConfig {
	return risk.LevelConfig{
		Mode:          risk.LevelMode(c.Levels.Mode),
		StopPct:       c.Levels.StopPct,
		TakeProfitPct: c.Levels.TakeProfitPct,
		ATRMultiplier: c.Levels.ATRMultiplier,
		RewardRisk:    c.Levels.RewardRisk,
	}
}

// EngineConfig is the loop section as an engine.Config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		PollInterval:      c.Loop.PollInterval,
		ReconcileInterval: c.Loop.ReconcileInterval,
		SignalCooldown:    c.Loop.SignalCooldown,
		MinConfidence:     c.Loop.MinConfidence,
		Levels:            c.LevelConfig(),
		TrailPct:          c.Levels.TrailPct,
		ProtectiveOrders:  c.Loop.ProtectiveOrders,
		Strategy:          c.Strategy.Kind,
	}
}

func (c *Config) ReconcileConfig() reconcile.Config {
	return reconcile.Config{UnknownOrderGrace: c.Loop.UnknownOrderGrace}
}

// Filters maps each tracked symbol to its exchange filters.
func (c *Config) Filters() map[string]risk.Filters {
	out := make(map[string]risk.Filters, len(c.Symbols))
	for _, s := range c.Symbols {
		out[s.Name] = risk.Filters{
			StepSize:    s.StepSize,
			MinQty:      s.MinQty,
			MinNotional: s.MinNotional,
			MaxNotional: s.MaxNotional,
		}
	}
	return out
}

func (c *Config) SymbolNames() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		out = append(out, s.Name)
	}
	return out
}

// NewSource builds the configured signal source.
func (c *Config) NewSource() (signal.Source, error) {
	kind, err := signal.ParseKind(c.Strategy.Kind)
	if err != nil {
		return nil, err
	}
	return signal.New(kind, c.Strategy.Config)
}

// Secrets are read from the environment, optionally seeded from .env files.
type Secrets struct {
	BinanceAPIKey     string `envconfig:"BINANCE_API_KEY"`
	BinanceAPISecret  string `envconfig:"BINANCE_API_SECRET"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
}

// LoadSecrets loads the given .env files (".env" when none are named) into
// the environment and reads Secrets from it. Missing files are not an error.
func LoadSecrets(envFiles ...string) (Secrets, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Secrets{}, fmt.Errorf("load env file: %w", err)
	}
	var s Secrets
	if err := envconfig.Process("", &s); err != nil {
		return Secrets{}, fmt.Errorf("read environment: %w", err)
	}
	return s, nil
}

// CheckSecrets reports the secrets the configured mode cannot run without.
func (c *Config) CheckSecrets(s Secrets) error {
	if c.Mode != ModeBacktest && (s.BinanceAPIKey == "" || s.BinanceAPISecret == "") {
		return invalid("%s mode requires BINANCE_API_KEY and BINANCE_API_SECRET", c.Mode)
	}
	if c.Notify.Discord && s.DiscordWebhookURL == "" {
		return invalid("notify.discord requires DISCORD_WEBHOOK_URL")
	}
	return nil
}
