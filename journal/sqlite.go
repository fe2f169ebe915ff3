// Package journal is the SQLite implementation of the ledger store, plus
// read-only queries over the same database.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/tradeloop/ledger"
)

var ErrNotFound = errors.New("journal: not found")

// timeFormat is fixed width so text comparison orders by time.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

type SQLite struct {
	db *sql.DB
}

var _ ledger.Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path and applies the
// schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

// migrate adds columns missing from databases created by older schemas.
func migrate(db *sql.DB) error {
	for _, m := range migrations {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := db.Exec(m.ddl); err != nil {
			return fmt.Errorf("%s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (j *SQLite) SaveTrade(ctx context.Context, t ledger.Trade) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades
		(id, symbol, side, state, requested_size, size, entry_price, entry_time, exit_price, exit_time,
		 stop_price, initial_stop, take_profit_price, trail_pct, realized_pnl, fees, exit_reason, note,
		 strategy, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			requested_size = excluded.requested_size,
			size = excluded.size,
			entry_price = excluded.entry_price,
			entry_time = excluded.entry_time,
			exit_price = excluded.exit_price,
			exit_time = excluded.exit_time,
			stop_price = excluded.stop_price,
			initial_stop = excluded.initial_stop,
			take_profit_price = excluded.take_profit_price,
			trail_pct = excluded.trail_pct,
			realized_pnl = excluded.realized_pnl,
			fees = excluded.fees,
			exit_reason = excluded.exit_reason,
			note = excluded.note,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		t.ID, t.Symbol, string(t.Side), string(t.State), t.RequestedSize, t.Size,
		t.EntryPrice, formatTime(t.EntryTime), t.ExitPrice, formatTime(t.ExitTime),
		t.StopPrice, t.InitialStop, t.TakeProfitPrice, t.TrailPct, t.RealizedPnL, t.Fees,
		string(t.ExitReason), t.Note, t.Strategy, t.Confidence,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	return err
}

func (j *SQLite) SaveOrder(ctx context.Context, o ledger.Order) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO orders
		(id, client_id, exchange_id, trade_id, symbol, side, type, role, quantity, price, stop_price,
		 status, reason, unknown, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			exchange_id = excluded.exchange_id,
			quantity = excluded.quantity,
			price = excluded.price,
			stop_price = excluded.stop_price,
			status = excluded.status,
			reason = excluded.reason,
			unknown = excluded.unknown,
			updated_at = excluded.updated_at`,
		o.ID, o.ClientID, o.ExchangeID, o.TradeID, o.Symbol, string(o.Side), string(o.Type),
		string(o.Role), o.Quantity, o.Price, o.StopPrice, string(o.Status), o.Reason,
		boolInt(o.Unknown), formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	return err
}

// SaveFill inserts f. Fills are immutable, so a second save of the same id
// is ignored.
func (j *SQLite) SaveFill(ctx context.Context, f ledger.Fill) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills
		(id, exchange_fill_id, order_id, trade_id, symbol, quantity, price, fee, fee_base, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ExchangeFillID, f.OrderID, f.TradeID, f.Symbol, f.Quantity, f.Price, f.Fee, f.FeeBase,
		formatTime(f.Time),
	)
	return err
}

func (j *SQLite) SaveBalance(ctx context.Context, b ledger.BalanceSnapshot) error {
	assets, err := json.Marshal(b.Assets)
	if err != nil {
		return fmt.Errorf("encode assets: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO balances (time, equity, peak, drawdown, assets)
		VALUES (?, ?, ?, ?, ?)`,
		formatTime(b.Time), b.Equity, b.Peak, b.Drawdown, string(assets),
	)
	return err
}

// SavePerformance keeps the first record written for a day and account.
func (j *SQLite) SavePerformance(ctx context.Context, p ledger.PerformanceRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO performance
		(day, account, realized_pnl, trades, wins, losses, win_rate, start_equity, end_equity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Day, p.Account, p.RealizedPnL, p.Trades, p.Wins, p.Losses, p.WinRate,
		p.StartEquity, p.EndEquity,
	)
	return err
}

func (j *SQLite) SaveBreaker(ctx context.Context, b ledger.BreakerState) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO breaker
		(id, equity_peak, current_drawdown, tripped, tripped_at, reason, daily_loss_so_far,
		 daily_start_equity, trading_day)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			equity_peak = excluded.equity_peak,
			current_drawdown = excluded.current_drawdown,
			tripped = excluded.tripped,
			tripped_at = excluded.tripped_at,
			reason = excluded.reason,
			daily_loss_so_far = excluded.daily_loss_so_far,
			daily_start_equity = excluded.daily_start_equity,
			trading_day = excluded.trading_day`,
		b.EquityPeak, b.CurrentDrawdown, boolInt(b.Tripped), formatTime(b.TrippedAt),
		string(b.Reason), b.DailyLossSoFar, b.DailyStartEquity, b.TradingDay,
	)
	return err
}

// Load reads the whole ledger back.
func (j *SQLite) Load(ctx context.Context) (ledger.Snapshot, error) {
	var snap ledger.Snapshot
	var err error

	if snap.Trades, err = j.trades(ctx, "", nil); err != nil {
		return snap, fmt.Errorf("load trades: %w", err)
	}
	if snap.Orders, err = j.orders(ctx); err != nil {
		return snap, fmt.Errorf("load orders: %w", err)
	}
	if snap.Fills, err = j.fills(ctx); err != nil {
		return snap, fmt.Errorf("load fills: %w", err)
	}
	if snap.Balances, err = j.balances(ctx); err != nil {
		return snap, fmt.Errorf("load balances: %w", err)
	}
	if snap.Performance, err = j.Performance(ctx); err != nil {
		return snap, fmt.Errorf("load performance: %w", err)
	}
	if snap.Breaker, err = j.Breaker(ctx); err != nil {
		return snap, fmt.Errorf("load breaker: %w", err)
	}
	return snap, nil
}

const tradeColumns = `id, symbol, side, state, requested_size, size, entry_price, entry_time,
	exit_price, exit_time, stop_price, initial_stop, take_profit_price, trail_pct, realized_pnl, fees,
	exit_reason, note, strategy, confidence, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (ledger.Trade, error) {
	var t ledger.Trade
	var side, state, reason, entry, exit, created, updated string
	err := s.Scan(&t.ID, &t.Symbol, &side, &state, &t.RequestedSize, &t.Size, &t.EntryPrice,
		&entry, &t.ExitPrice, &exit, &t.StopPrice, &t.InitialStop, &t.TakeProfitPrice, &t.TrailPct,
		&t.RealizedPnL, &t.Fees, &reason, &t.Note, &t.Strategy, &t.Confidence, &created, &updated)
	if err != nil {
		return t, err
	}
	t.Side = ledger.Side(side)
	t.State = ledger.TradeState(state)
	t.ExitReason = ledger.ExitReason(reason)
	for _, p := range []struct {
		dst *time.Time
		src string
	}{{&t.EntryTime, entry}, {&t.ExitTime, exit}, {&t.CreatedAt, created}, {&t.UpdatedAt, updated}} {
		if *p.dst, err = parseTime(p.src); err != nil {
			return t, fmt.Errorf("trade %s: %w", t.ID, err)
		}
	}
	return t, nil
}

// trades runs a trade query; where is appended after WHERE when not empty.
func (j *SQLite) trades(ctx context.Context, where string, args []any) ([]ledger.Trade, error) {
	q := `SELECT ` + tradeColumns + ` FROM trades`
	if where != "" {
		q += ` WHERE ` + where
	}
	q += ` ORDER BY created_at ASC, id ASC`
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (j *SQLite) orders(ctx context.Context) ([]ledger.Order, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, client_id, exchange_id, trade_id, symbol, side, type, role, quantity, price,
		       stop_price, status, reason, unknown, created_at, updated_at
		FROM orders ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Order
	for rows.Next() {
		var o ledger.Order
		var side, typ, role, status, created, updated string
		var unknown int
		if err := rows.Scan(&o.ID, &o.ClientID, &o.ExchangeID, &o.TradeID, &o.Symbol, &side, &typ,
			&role, &o.Quantity, &o.Price, &o.StopPrice, &status, &o.Reason, &unknown,
			&created, &updated); err != nil {
			return nil, err
		}
		o.Side = ledger.OrderSide(side)
		o.Type = ledger.OrderType(typ)
		o.Role = ledger.OrderRole(role)
		o.Status = ledger.OrderStatus(status)
		o.Unknown = unknown != 0
		if o.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if o.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (j *SQLite) fills(ctx context.Context) ([]ledger.Fill, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, exchange_fill_id, order_id, trade_id, symbol, quantity, price, fee, fee_base, time
		FROM fills ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Fill
	for rows.Next() {
		var f ledger.Fill
		var ts string
		if err := rows.Scan(&f.ID, &f.ExchangeFillID, &f.OrderID, &f.TradeID, &f.Symbol,
			&f.Quantity, &f.Price, &f.Fee, &f.FeeBase, &ts); err != nil {
			return nil, err
		}
		if f.Time, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (j *SQLite) balances(ctx context.Context) ([]ledger.BalanceSnapshot, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT time, equity, peak, drawdown, assets FROM balances ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.BalanceSnapshot
	for rows.Next() {
		var b ledger.BalanceSnapshot
		var ts, assets string
		if err := rows.Scan(&ts, &b.Equity, &b.Peak, &b.Drawdown, &assets); err != nil {
			return nil, err
		}
		if b.Time, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(assets), &b.Assets); err != nil {
			return nil, fmt.Errorf("decode assets: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
