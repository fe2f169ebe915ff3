package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/spf13/cobra"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect or reset the circuit breaker",
	Long: `Inspect or reset the drawdown circuit breaker stored in the ledger.

Subcommands:
  status - Print the breaker state
  reset  - Clear a drawdown trip (a daily loss trip clears at the day rollover)

Stop the running loop before resetting from the command line, or use
POST /breaker/reset on the admin surface.

Examples:
  tradeloop breaker status -f tradeloop.yaml
  tradeloop breaker reset -f tradeloop.yaml`,
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the breaker state",
	Args:  cobra.NoArgs,
	RunE:  runBreakerStatus,
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear a drawdown trip",
	Args:  cobra.NoArgs,
	RunE:  runBreakerReset,
}

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(breakerStatusCmd)
	breakerCmd.AddCommand(breakerResetCmd)
}

func printBreaker(w io.Writer, b ledger.BreakerState) {
	state := "armed"
	if b.Tripped {
		state = fmt.Sprintf("TRIPPED (%s) at %s", b.Reason, b.TrippedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Breaker:        %s\n", state)
	fmt.Fprintf(w, "Equity peak:    %.2f\n", b.EquityPeak)
	fmt.Fprintf(w, "Drawdown:       %.2f%%\n", b.CurrentDrawdown*100)
	fmt.Fprintf(w, "Trading day:    %s\n", b.TradingDay)
	fmt.Fprintf(w, "Day start:      %.2f\n", b.DailyStartEquity)
	fmt.Fprintf(w, "Day loss:       %.2f\n", b.DailyLossSoFar)
}

func runBreakerStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newOfflineApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	printBreaker(cmd.OutOrStdout(), a.desk.Ledger.Breaker())
	return nil
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newOfflineApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	cleared, err := a.orch.ResetBreaker(cmd.Context())
	if err != nil {
		return fmt.Errorf("reset breaker: %w", err)
	}
	out := cmd.OutOrStdout()
	if cleared {
		fmt.Fprintln(out, "✓ Breaker reset")
	} else {
		fmt.Fprintln(out, "Nothing to reset")
	}
	printBreaker(out, a.desk.Ledger.Breaker())
	return nil
}
