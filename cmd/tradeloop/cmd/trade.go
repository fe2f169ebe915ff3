package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Operator actions on single trades",
}

var tradeClearCmd = &cobra.Command{
	Use:   "clear <trade-id>",
	Short: "Close an ERROR trade by hand, releasing its symbol",
	Long: `Mark an ERROR trade as closed after the position was checked and
settled on the exchange by hand. Other states are refused.

Example:
  tradeloop trade clear 01J2Z3... -f tradeloop.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runTradeClear,
}

func init() {
	rootCmd.AddCommand(tradeCmd)
	tradeCmd.AddCommand(tradeClearCmd)
}

func runTradeClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newOfflineApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tr, err := a.orch.ClearTrade(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("clear trade: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Trade %s (%s) is %s\n", tr.ID, tr.Symbol, tr.State)
	return nil
}
