package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/tradeloop/ledger"
)

// GetTrade returns a single trade by id.
func (j *SQLite) GetTrade(ctx context.Context, id string) (ledger.Trade, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Trade{}, fmt.Errorf("trade %q: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTrades returns trades in the given state, or all trades when state is
// empty.
func (j *SQLite) ListTrades(ctx context.Context, state ledger.TradeState) ([]ledger.Trade, error) {
	if state == "" {
		return j.trades(ctx, "", nil)
	}
	return j.trades(ctx, "state = ?", []any{string(state)})
}

// ListTradesClosedBetween returns closed trades whose exit time is within
// [start, end).
func (j *SQLite) ListTradesClosedBetween(ctx context.Context, start, end time.Time) ([]ledger.Trade, error) {
	return j.trades(ctx, "state = ? AND exit_time >= ? AND exit_time < ?",
		[]any{string(ledger.StateClosed), formatTime(start), formatTime(end)})
}

func (j *SQLite) Performance(ctx context.Context) ([]ledger.PerformanceRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT day, account, realized_pnl, trades, wins, losses, win_rate, start_equity, end_equity
		FROM performance ORDER BY day ASC, account ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.PerformanceRecord
	for rows.Next() {
		var p ledger.PerformanceRecord
		if err := rows.Scan(&p.Day, &p.Account, &p.RealizedPnL, &p.Trades, &p.Wins, &p.Losses,
			&p.WinRate, &p.StartEquity, &p.EndEquity); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Breaker returns the stored breaker state, or the zero value before the
// first save.
func (j *SQLite) Breaker(ctx context.Context) (ledger.BreakerState, error) {
	var b ledger.BreakerState
	var tripped int
	var trippedAt, reason string
	err := j.db.QueryRowContext(ctx, `
		SELECT equity_peak, current_drawdown, tripped, tripped_at, reason, daily_loss_so_far,
		       daily_start_equity, trading_day
		FROM breaker WHERE id = 1`).Scan(&b.EquityPeak, &b.CurrentDrawdown, &tripped, &trippedAt,
		&reason, &b.DailyLossSoFar, &b.DailyStartEquity, &b.TradingDay)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.BreakerState{}, nil
	}
	if err != nil {
		return b, err
	}
	b.Tripped = tripped != 0
	b.Reason = ledger.TripReason(reason)
	b.TrippedAt, err = parseTime(trippedAt)
	return b, err
}

// BalanceCount is the number of stored balance snapshots.
func (j *SQLite) BalanceCount(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM balances`).Scan(&n)
	return n, err
}

// Stats summarises a set of closed trades.
type Stats struct {
	Trades       int
	Wins         int
	Losses       int
	WinRate      float64
	NetPnL       float64
	GrossProfit  float64
	GrossLoss    float64
	ProfitFactor float64 // +Inf with no losses, 0 with no trades
	Fees         float64
}

func Summarize(trades []ledger.Trade) Stats {
	var s Stats
	for _, t := range trades {
		if t.State != ledger.StateClosed {
			continue
		}
		s.Trades++
		s.NetPnL += t.RealizedPnL
		s.Fees += t.Fees
		switch {
		case t.RealizedPnL > 0:
			s.Wins++
			s.GrossProfit += t.RealizedPnL
		case t.RealizedPnL < 0:
			s.Losses++
			s.GrossLoss += -t.RealizedPnL
		}
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	switch {
	case s.GrossLoss > 0:
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	case s.GrossProfit > 0:
		s.ProfitFactor = math.Inf(1)
	}
	return s
}
