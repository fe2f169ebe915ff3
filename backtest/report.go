package backtest

import (
	"fmt"
	"io"
	"math"
	"time"
)

func PrintResult(w io.Writer, r Result) {
	fmt.Fprintln(w, "==================================================")
	fmt.Fprintln(w, " Backtest Result")
	fmt.Fprintln(w, "==================================================")

	fmt.Fprintln(w, "Period")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Start:         %s\n", r.Start.Format(time.RFC3339))
	fmt.Fprintf(w, "End:           %s\n", r.End.Format(time.RFC3339))
	fmt.Fprintf(w, "Ticks:         %d\n", r.Ticks)
	fmt.Fprintf(w, "Steps:         %d\n", r.Steps)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Trade Statistics")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Trades:        %d\n", r.Stats.Trades)
	fmt.Fprintf(w, "Wins:          %d\n", r.Stats.Wins)
	fmt.Fprintf(w, "Losses:        %d\n", r.Stats.Losses)
	fmt.Fprintf(w, "Win Rate:      %.2f%%\n", r.Stats.WinRate*100)
	switch {
	case math.IsInf(r.Stats.ProfitFactor, 1):
		fmt.Fprintln(w, "Profit Factor: inf")
	case r.Stats.ProfitFactor > 0:
		fmt.Fprintf(w, "Profit Factor: %.2f\n", r.Stats.ProfitFactor)
	}
	fmt.Fprintf(w, "Fees:          %.2f\n", r.Stats.Fees)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Account Performance")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Start Equity:  %.2f\n", r.StartEquity)
	fmt.Fprintf(w, "End Equity:    %.2f\n", r.EndEquity)
	fmt.Fprintf(w, "Net P/L:       %.2f\n", r.Stats.NetPnL)
	fmt.Fprintf(w, "Return:        %.2f%%\n", r.ReturnPct())
	fmt.Fprintf(w, "Max Drawdown:  %.2f%%\n", r.MaxDrawdown*100)
	if r.Breaker.Tripped {
		fmt.Fprintf(w, "Breaker:       tripped (%s) at %s\n", r.Breaker.Reason, r.Breaker.TrippedAt.Format(time.RFC3339))
	}

	if len(r.Performance) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Daily")
		fmt.Fprintln(w, "--------------------------------------------------")
		for _, p := range r.Performance {
			fmt.Fprintf(w, "%s  trades=%-3d wins=%-3d losses=%-3d pnl=%.2f\n", p.Day, p.Trades, p.Wins, p.Losses, p.RealizedPnL)
		}
	}
	fmt.Fprintln(w)
}
