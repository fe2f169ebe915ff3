package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rustyeddy/tradeloop/risk"
	"github.com/rustyeddy/tradeloop/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := Default()
	assert.Equal(t, ModeBacktest, cfg.Mode)
	assert.Equal(t, "USDT", cfg.Account.Quote)
	assert.Equal(t, 0.01, cfg.Risk.RiskPerTrade)
	assert.Equal(t, 2*time.Minute, cfg.Loop.SignalCooldown)
	assert.NoError(t, cfg.Validate())

	src, err := cfg.NewSource()
	require.NoError(t, err)
	assert.NotNil(t, src)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid config", func(*Config) {}, ""},
		{"unknown mode", func(c *Config) { c.Mode = "paper" }, "mode"},
		{"missing quote", func(c *Config) { c.Account.Quote = "" }, "account.quote is required"},
		{"no symbols", func(c *Config) { c.Symbols = nil }, "at least one symbol"},
		{"duplicate symbol", func(c *Config) { c.Symbols = append(c.Symbols, c.Symbols[0]) }, "listed twice"},
		{"negative step", func(c *Config) { c.Symbols[0].StepSize = -1 }, "must not be negative"},
		{"risk too high", func(c *Config) { c.Risk.RiskPerTrade = 0.5 }, "risk_per_trade"},
		{"no open trades", func(c *Config) { c.Risk.MaxOpenTrades = 0 }, "max_open_trades"},
		{"bad level mode", func(c *Config) { c.Levels.Mode = "pips" }, "levels.mode"},
		{"no take profit", func(c *Config) { c.Levels.TakeProfitPct = 0 }, "take_profit_pct or reward_risk"},
		{"reward risk instead of take profit", func(c *Config) { c.Levels.TakeProfitPct = 0; c.Levels.RewardRisk = 2 }, ""},
		{"atr without multiplier", func(c *Config) { c.Levels.Mode = "atr"; c.Levels.ATRMultiplier = 0 }, "atr_multiplier"},
		{"zero poll", func(c *Config) { c.Loop.PollInterval = 0 }, "poll_interval"},
		{"no retries", func(c *Config) { c.Loop.ReadRetries = 0 }, "read_retries"},
		{"confidence above one", func(c *Config) { c.Loop.MinConfidence = 1.2 }, "min_confidence"},
		{"unknown strategy", func(c *Config) { c.Strategy.Kind = "martingale" }, "strategy"},
		{"fast above slow", func(c *Config) { c.Strategy.FastPeriod = 50 }, "fast_period"},
		{"live needs db", func(c *Config) { c.Mode = ModeLive; c.Journal.DBPath = "" }, "journal.db_path"},
		{"backtest needs ticks", func(c *Config) { c.Backtest.TicksFile = "" }, "ticks_file"},
		{"backtest needs balance", func(c *Config) { c.Backtest.InitialBalance = 0 }, "initial_balance"},
		{"testnet without ticks", func(c *Config) { c.Mode = ModeTestnet; c.Backtest.TicksFile = "" }, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	tests := []struct {
		name string
		ext  string
	}{
		{"json format", ".json"},
		{"yaml format", ".yaml"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			cfg.Mode = ModeTestnet
			cfg.Loop.PollInterval = 45 * time.Second
			path := filepath.Join(tmpDir, "test"+tt.ext)

			require.NoError(t, cfg.SaveToFile(path))
			_, err := os.Stat(path)
			require.NoError(t, err)

			loaded, err := LoadFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestLoadPartialYAMLKeepsDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cfg.yaml")
	doc := `
mode: live
symbols:
  - name: SOLUSDT
    step_size: 0.01
    min_notional: 5
loop:
  poll_interval: 15s
  protective_orders: false
strategy:
  kind: breakout
  lookback: 30
  weights:
    breakout: 1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, cfg.Mode)
	assert.Equal(t, []string{"SOLUSDT"}, cfg.SymbolNames())
	assert.Equal(t, 15*time.Second, cfg.Loop.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Loop.ReconcileInterval)
	assert.False(t, cfg.Loop.ProtectiveOrders)
	assert.Equal(t, 30, cfg.Strategy.Lookback)
	assert.Equal(t, 26, cfg.Strategy.SlowPeriod)
	assert.Equal(t, map[signal.Kind]float64{signal.Breakout: 1}, cfg.Strategy.Weights)

	assert.Equal(t, risk.Filters{StepSize: 0.01, MinNotional: 5}, cfg.Filters()["SOLUSDT"])
	assert.Equal(t, 3, cfg.Policy().MaxOpenTrades)
	assert.Equal(t, risk.LevelsPercent, cfg.LevelConfig().Mode)

	ec := cfg.EngineConfig()
	assert.Equal(t, 15*time.Second, ec.PollInterval)
	assert.False(t, ec.ProtectiveOrders)
	assert.Equal(t, "breakout", ec.Strategy)
	assert.Equal(t, 2*time.Minute, cfg.ReconcileConfig().UnknownOrderGrace)
}

func TestLoadInvalidFile(t *testing.T) {
	t.Parallel()
	_, err := LoadFromFile("/nonexistent/path.yaml")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: paper\n"), 0o644))
	_, err = LoadFromFile(path)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	m, err := ParseMode(" Testnet ")
	require.NoError(t, err)
	assert.Equal(t, ModeTestnet, m)
	_, err = ParseMode("demo")
	assert.ErrorIs(t, err, ErrInvalid)
}

// The secrets tests change the process environment and cannot run in parallel.

func TestLoadSecretsFromEnvFile(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")
	t.Setenv("DISCORD_WEBHOOK_URL", "")
	os.Unsetenv("BINANCE_API_KEY")
	os.Unsetenv("BINANCE_API_SECRET")
	os.Unsetenv("DISCORD_WEBHOOK_URL")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BINANCE_API_KEY=k\nBINANCE_API_SECRET=s\n"), 0o600))

	s, err := LoadSecrets(path)
	require.NoError(t, err)
	assert.Equal(t, Secrets{BinanceAPIKey: "k", BinanceAPISecret: "s"}, s)

	cfg := Default()
	cfg.Mode = ModeLive
	require.NoError(t, cfg.CheckSecrets(s))
	cfg.Notify.Discord = true
	require.ErrorIs(t, cfg.CheckSecrets(s), ErrInvalid)
}

func TestLoadSecretsMissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_API_SECRET", "")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://discord.example/hook")

	s, err := LoadSecrets(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "env-key", s.BinanceAPIKey)
	assert.Equal(t, "https://discord.example/hook", s.DiscordWebhookURL)

	cfg := Default()
	require.NoError(t, cfg.CheckSecrets(s), "backtest needs no keys")
	cfg.Mode = ModeTestnet
	require.ErrorIs(t, cfg.CheckSecrets(s), ErrInvalid)
}
