package journal

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/rustyeddy/tradeloop/ledger"
)

var tradeHeader = []string{
	"trade_id", "symbol", "side", "state", "size", "entry_price", "exit_price",
	"entry_time", "exit_time", "realized_pnl", "fees", "exit_reason",
}

// WriteTradesCSV writes one row per trade with a header row.
func WriteTradesCSV(w io.Writer, trades []ledger.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeHeader); err != nil {
		return err
	}
	for _, t := range trades {
		if err := cw.Write([]string{
			t.ID,
			t.Symbol,
			string(t.Side),
			string(t.State),
			f(t.Size),
			f(t.EntryPrice),
			f(t.ExitPrice),
			ts(t.EntryTime),
			ts(t.ExitTime),
			f(t.RealizedPnL),
			f(t.Fees),
			string(t.ExitReason),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
