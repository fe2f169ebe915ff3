package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rustyeddy/tradeloop/journal"
	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query trade journal data",
	Long: `Query and display ledger records from the SQLite journal.

Subcommands:
  trades      - List trades, optionally in one state
  trade       - Get details of a specific trade by ID
  today       - List trades closed today (UTC)
  day         - List trades closed on a specific day (UTC)
  performance - List daily performance records

Examples:
  tradeloop journal trades --state OPEN
  tradeloop journal trade <trade-id>
  tradeloop journal day 2024-01-15 --csv`,
}

var journalTradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "List trades",
	Args:  cobra.NoArgs,
	RunE:  runJournalTrades,
}

var journalTradeCmd = &cobra.Command{
	Use:   "trade <trade-id>",
	Short: "Get details of a specific trade",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalTrade,
}

var journalTodayCmd = &cobra.Command{
	Use:   "today",
	Short: "List trades closed today",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listClosedOn(cmd, time.Now().UTC().Format("2006-01-02"))
	},
}

var journalDayCmd = &cobra.Command{
	Use:   "day <YYYY-MM-DD>",
	Short: "List trades closed on a specific day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listClosedOn(cmd, args[0])
	},
}

var journalPerformanceCmd = &cobra.Command{
	Use:   "performance",
	Short: "List daily performance records",
	Args:  cobra.NoArgs,
	RunE:  runJournalPerformance,
}

var (
	journalDBPath string
	journalState  string
	journalCSV    bool
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalTradesCmd)
	journalCmd.AddCommand(journalTradeCmd)
	journalCmd.AddCommand(journalTodayCmd)
	journalCmd.AddCommand(journalDayCmd)
	journalCmd.AddCommand(journalPerformanceCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./tradeloop.db", "path to SQLite journal DB")
	journalCmd.PersistentFlags().BoolVar(&journalCSV, "csv", false, "print trades as CSV")
	journalTradesCmd.Flags().StringVar(&journalState, "state", "", "only trades in this state (OPEN, CLOSED, ERROR, ...)")
}

func openJournal() (*journal.SQLite, error) {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return j, nil
}

func printTrades(w io.Writer, trades []ledger.Trade) error {
	if journalCSV {
		return journal.WriteTradesCSV(w, trades)
	}
	if len(trades) == 0 {
		fmt.Fprintln(w, "no trades")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSYMBOL\tSIDE\tSTATE\tSIZE\tENTRY\tEXIT\tPNL\tREASON")
	for _, t := range trades {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%g\t%.4f\t%.4f\t%.2f\t%s\n",
			t.ID, t.Symbol, t.Side, t.State, t.Size, t.EntryPrice, t.ExitPrice, t.RealizedPnL, t.ExitReason)
	}
	return tw.Flush()
}

func runJournalTrades(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	trades, err := j.ListTrades(cmd.Context(), ledger.TradeState(strings.ToUpper(journalState)))
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}
	return printTrades(cmd.OutOrStdout(), trades)
}

func runJournalTrade(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	t, err := j.GetTrade(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get trade: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Trade %s\n", t.ID)
	fmt.Fprintf(out, "  Symbol:      %s %s\n", t.Symbol, t.Side)
	fmt.Fprintf(out, "  State:       %s\n", t.State)
	fmt.Fprintf(out, "  Strategy:    %s (confidence %.2f)\n", t.Strategy, t.Confidence)
	fmt.Fprintf(out, "  Size:        %g of %g requested\n", t.Size, t.RequestedSize)
	fmt.Fprintf(out, "  Entry:       %.4f at %s\n", t.EntryPrice, t.EntryTime.Format(time.RFC3339))
	fmt.Fprintf(out, "  Stop:        %.4f (initial %.4f)\n", t.StopPrice, t.InitialStop)
	fmt.Fprintf(out, "  Take profit: %.4f\n", t.TakeProfitPrice)
	if t.State == ledger.StateClosed {
		fmt.Fprintf(out, "  Exit:        %.4f at %s (%s)\n", t.ExitPrice, t.ExitTime.Format(time.RFC3339), t.ExitReason)
		fmt.Fprintf(out, "  P/L:         %.2f (fees %.2f)\n", t.RealizedPnL, t.Fees)
	}
	if t.Note != "" {
		fmt.Fprintf(out, "  Note:        %s\n", t.Note)
	}
	return nil
}

func listClosedOn(cmd *cobra.Command, day string) error {
	start, err := time.Parse("2006-01-02", day)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	trades, err := j.ListTradesClosedBetween(cmd.Context(), start, start.Add(24*time.Hour))
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}
	if err := printTrades(cmd.OutOrStdout(), trades); err != nil {
		return err
	}
	if !journalCSV {
		s := journal.Summarize(trades)
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d trades, %d wins, %d losses, net %.2f\n", s.Trades, s.Wins, s.Losses, s.NetPnL)
	}
	return nil
}

func runJournalPerformance(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	recs, err := j.Performance(cmd.Context())
	if err != nil {
		return fmt.Errorf("query performance: %w", err)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tACCOUNT\tTRADES\tWINS\tLOSSES\tWIN RATE\tPNL\tSTART\tEND")
	for _, p := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%.1f%%\t%.2f\t%.2f\t%.2f\n",
			p.Day, p.Account, p.Trades, p.Wins, p.Losses, p.WinRate*100, p.RealizedPnL, p.StartEquity, p.EndEquity)
	}
	return tw.Flush()
}
