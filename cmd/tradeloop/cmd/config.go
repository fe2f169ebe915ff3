package cmd

import (
	"fmt"

	"github.com/rustyeddy/tradeloop/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage tradeloop configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  tradeloop config init -o tradeloop.yaml
  tradeloop config validate -f tradeloop.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Long: `Create a new configuration file with default settings. The format
follows the extension: .json writes JSON, anything else YAML.

Example:
  tradeloop config init -o tradeloop.yaml`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Check that a configuration file loads and is valid, including the
secrets its mode needs.

Example:
  tradeloop config validate -f tradeloop.yaml`,
	RunE: runConfigValidate,
}

var configInitOutput string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "tradeloop.yaml", "output config file path")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nEdit the file and run with:")
	fmt.Fprintf(out, "  tradeloop backtest -f %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if _, err := loadSecrets(cfg); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", configPath)
	fmt.Fprintf(out, "  Mode: %s (account %s, quote %s)\n", cfg.Mode, cfg.Account.Name, cfg.Account.Quote)
	fmt.Fprintf(out, "  Symbols: %v\n", cfg.SymbolNames())
	fmt.Fprintf(out, "  Strategy: %s (Risk: %.1f%%, max open %d)\n", cfg.Strategy.Kind, cfg.Risk.RiskPerTrade*100, cfg.Risk.MaxOpenTrades)
	fmt.Fprintf(out, "  Journal: %s\n", cfg.Journal.DBPath)
	return nil
}
