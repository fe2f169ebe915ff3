package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass against the exchange",
	Long: `Compare the ledger with the exchange once, apply the corrections and
print the report. Nothing is traded.

Example:
  tradeloop reconcile -f tradeloop.yaml`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	secrets, err := loadSecrets(cfg)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, secrets, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.orch.Reconcile(cmd.Context())
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "reconcile %s (%s)\n", rep.Started.Format("2006-01-02 15:04:05"), rep.Duration)
	fmt.Fprintf(out, "  %s\n", rep)
	for _, id := range rep.ForeignOrders {
		fmt.Fprintf(out, "  foreign order: %s\n", id)
	}
	for _, sym := range rep.SkippedSymbols {
		fmt.Fprintf(out, "  skipped: %s\n", sym)
	}
	if rep.Breaker.Tripped {
		fmt.Fprintf(out, "  breaker tripped: %s\n", rep.Breaker.Reason)
	}
	return nil
}
