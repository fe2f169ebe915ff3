package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rustyeddy/tradeloop/backtest"
	"github.com/rustyeddy/tradeloop/journal"
	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/rustyeddy/tradeloop/market"
	"github.com/spf13/cobra"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay a tick file through the trading loop",
	Long: `Replay ticks (time,symbol,bid[,ask]) through the same orchestrator and
reconciler the live loop uses, against a simulated exchange whose clock is
the tick time.

Examples:
  tradeloop backtest -f tradeloop.yaml
  tradeloop backtest -f tradeloop.yaml --ticks btc.csv --from 2024-05-01 --close-end
  tradeloop backtest -f tradeloop.yaml --db backtest.db --trades-csv trades.csv`,
	Args: cobra.NoArgs,
	RunE: runBacktest,
}

var (
	btTicks     string
	btFrom      string
	btTo        string
	btDB        string
	btTradesCSV string
	btCloseEnd  bool
)

func init() {
	rootCmd.AddCommand(backtestCmd)

	backtestCmd.Flags().StringVar(&btTicks, "ticks", "", "tick CSV file (default backtest.ticks_file)")
	backtestCmd.Flags().StringVar(&btFrom, "from", "", "first tick time, RFC3339 or YYYY-MM-DD")
	backtestCmd.Flags().StringVar(&btTo, "to", "", "end of the replay (exclusive), RFC3339 or YYYY-MM-DD")
	backtestCmd.Flags().StringVar(&btDB, "db", "", "keep the replayed ledger in this SQLite file")
	backtestCmd.Flags().StringVar(&btTradesCSV, "trades-csv", "", "write the replayed trades to this CSV file")
	backtestCmd.Flags().BoolVar(&btCloseEnd, "close-end", false, "exit open trades at the last prices")
}

func parseBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ticks := btTicks
	if ticks == "" {
		ticks = cfg.Backtest.TicksFile
	}
	if ticks == "" {
		return fmt.Errorf("no tick file: set backtest.ticks_file or --ticks")
	}
	from, err := parseBound(btFrom)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := parseBound(btTo)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}

	src, err := cfg.NewSource()
	if err != nil {
		return err
	}
	feed, err := market.OpenCSVTicksFeed(ticks, from, to)
	if err != nil {
		return fmt.Errorf("open ticks: %w", err)
	}

	var store ledger.Store
	if btDB != "" {
		j, err := journal.NewSQLite(btDB)
		if err != nil {
			_ = feed.Close()
			return fmt.Errorf("open db: %w", err)
		}
		defer j.Close()
		store = j
	}

	opts := backtest.OptionsFromConfig(cfg)
	opts.CloseEnd = btCloseEnd
	r := &backtest.Runner{Feed: feed, Source: src, Store: store, Options: opts}
	res, err := r.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("backtest: %w", err)
	}

	backtest.PrintResult(cmd.OutOrStdout(), res)
	if btTradesCSV != "" {
		f, err := os.Create(btTradesCSV)
		if err != nil {
			return fmt.Errorf("create trades csv: %w", err)
		}
		defer f.Close()
		if err := journal.WriteTradesCSV(f, res.Trades); err != nil {
			return fmt.Errorf("write trades csv: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Trades written to %s\n", btTradesCSV)
	}
	return nil
}
