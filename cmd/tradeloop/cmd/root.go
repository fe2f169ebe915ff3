package cmd

import (
	"github.com/rustyeddy/tradeloop/config"
	"github.com/rustyeddy/tradeloop/internal/logger"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tradeloop",
	Short: "A risk-managed spot trading loop for Binance",
	Long: `Tradeloop runs a signal-driven trading loop against Binance spot
(testnet or live) with position sizing, a drawdown circuit breaker and a
durable SQLite ledger that is reconciled against the exchange.

It provides tools for:
  - Running the loop with an operator HTTP surface
  - Reconciling the ledger against the exchange on demand
  - Inspecting and resetting the circuit breaker
  - Querying the trade journal and daily performance
  - Replaying tick files through the same loop`,
	SilenceUsage: true,
}

var (
	configPath string
	envFile    string
	logLevel   string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "tradeloop.yaml", "path to config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "env file holding exchange and webhook secrets")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the config log level (debug, info, warn, error)")
}

// loadConfig reads the --config file and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// loadSecrets reads the env file and checks what the configured mode needs.
func loadSecrets(cfg *config.Config) (config.Secrets, error) {
	s, err := config.LoadSecrets(envFile)
	if err != nil {
		return s, err
	}
	return s, cfg.CheckSecrets(s)
}
