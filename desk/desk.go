// Package desk is the explicit shared context of the trading loop: the
// ledger, the risk engine, the symbol filters and the exclusive sections
// that serialize work on them.
package desk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/rustyeddy/tradeloop/risk"
)

// Desk is passed to the orchestrator and the reconciler. Lock order is
// always symbol sections (sorted by name) before the global section.
type Desk struct {
	Ledger  *ledger.Ledger
	Risk    *risk.Engine
	Account string

	filters map[string]risk.Filters
	symbols []string

	mu      sync.Mutex // guards sections
	section map[string]*sync.Mutex
	global  sync.Mutex

	now func() time.Time
}

type Option func(*Desk)

// WithClock replaces time.Now, for replayed time.
func WithClock(now func() time.Time) Option { return func(d *Desk) { d.now = now } }

// New builds a desk tracking the given symbols.
func New(l *ledger.Ledger, r *risk.Engine, account string, filters map[string]risk.Filters, opts ...Option) *Desk {
	d := &Desk{
		Ledger:  l,
		Risk:    r,
		Account: account,
		filters: make(map[string]risk.Filters, len(filters)),
		section: make(map[string]*sync.Mutex, len(filters)),
		now:     time.Now,
	}
	for sym, f := range filters {
		d.filters[sym] = f
		d.symbols = append(d.symbols, sym)
		d.section[sym] = &sync.Mutex{}
	}
	sort.Strings(d.symbols)
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Desk) Now() time.Time { return d.now() }

// Symbols returns the tracked symbols in sorted order.
func (d *Desk) Symbols() []string { return append([]string(nil), d.symbols...) }

func (d *Desk) Filters(symbol string) risk.Filters { return d.filters[symbol] }

func (d *Desk) Tracks(symbol string) bool {
	_, ok := d.filters[symbol]
	return ok
}

func (d *Desk) sectionFor(symbol string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.section[symbol]
	if !ok {
		m = &sync.Mutex{}
		d.section[symbol] = m
	}
	return m
}

// LockSymbol enters the exclusive section of one symbol.
func (d *Desk) LockSymbol(symbol string) func() {
	m := d.sectionFor(symbol)
	m.Lock()
	return m.Unlock
}

// LockSymbols enters several symbol sections in sorted order.
func (d *Desk) LockSymbols(symbols ...string) func() {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	unlocks := make([]func(), 0, len(sorted))
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		unlocks = append(unlocks, d.LockSymbol(s))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// LockGlobal enters the account-wide section. Take it after any symbol
// section, never before.
func (d *Desk) LockGlobal() func() {
	d.global.Lock()
	return d.global.Unlock
}

// PersistBreaker writes the risk engine's breaker state through the ledger.
// Callers hold the global section.
func (d *Desk) PersistBreaker(ctx context.Context) error {
	if err := d.Ledger.SaveBreaker(ctx, d.Risk.State()); err != nil {
		return fmt.Errorf("persist breaker: %w", err)
	}
	return nil
}

// RollDay moves the risk engine to the trading day of at. On a rollover it
// writes the finished day's performance record and persists the breaker.
// Callers hold the global section.
func (d *Desk) RollDay(ctx context.Context, at time.Time, equity float64) (ledger.PerformanceRecord, bool, error) {
	before := d.Risk.State()
	prev, rolled := d.Risk.RollDay(at, equity)
	if !rolled {
		return ledger.PerformanceRecord{}, false, nil
	}
	rec := d.DayRecord(prev, before.DailyStartEquity, d.Risk.State().DailyStartEquity)
	if _, err := d.Ledger.SavePerformance(ctx, rec); err != nil {
		return rec, true, err
	}
	return rec, true, d.PersistBreaker(ctx)
}

// DayRecord aggregates the trades that closed on day (YYYY-MM-DD, UTC).
func (d *Desk) DayRecord(day string, startEquity, endEquity float64) ledger.PerformanceRecord {
	rec := ledger.PerformanceRecord{
		Day:         day,
		Account:     d.Account,
		StartEquity: startEquity,
		EndEquity:   endEquity,
	}
	closed := d.Ledger.Trades(func(t ledger.Trade) bool {
		return t.State == ledger.StateClosed && !t.ExitTime.IsZero() && risk.TradingDay(t.ExitTime) == day
	})
	for _, t := range closed {
		rec.Trades++
		rec.RealizedPnL += t.RealizedPnL
		switch {
		case t.RealizedPnL > 0:
			rec.Wins++
		case t.RealizedPnL < 0:
			rec.Losses++
		}
	}
	if rec.Trades > 0 {
		rec.WinRate = float64(rec.Wins) / float64(rec.Trades)
	}
	return rec
}
