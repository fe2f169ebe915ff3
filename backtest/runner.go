// Package backtest replays a tick file through the trading loop against the
// simulated exchange. The loop's clock is the time of the tick being replayed.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/tradeloop/broker/sim"
	"github.com/rustyeddy/tradeloop/config"
	"github.com/rustyeddy/tradeloop/desk"
	"github.com/rustyeddy/tradeloop/engine"
	"github.com/rustyeddy/tradeloop/internal/logger"
	"github.com/rustyeddy/tradeloop/journal"
	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/rustyeddy/tradeloop/market"
	"github.com/rustyeddy/tradeloop/notify"
	"github.com/rustyeddy/tradeloop/reconcile"
	"github.com/rustyeddy/tradeloop/risk"
	"github.com/rustyeddy/tradeloop/signal"
)

var (
	ErrEmptyFeed = errors.New("backtest: feed has no ticks")
	ErrUnordered = errors.New("backtest: ticks out of time order")
)

// Feed yields ticks in time order and returns (ok=false, err=nil) at EOF.
type Feed interface {
	Next() (t market.Tick, ok bool, err error)
	Close() error
}

// Options controls the simulated account and the loop under test.
type Options struct {
	Account        string
	Quote          string
	InitialBalance float64
	FeeRate        float64

	Filters   map[string]risk.Filters
	Policy    risk.Policy
	Engine    engine.Config
	Reconcile reconcile.Config

	// ReconcileEvery is the number of steps between reconcile passes. The
	// first step and the end of the replay always reconcile.
	ReconcileEvery int

	// CloseEnd exits every open trade at the last prices.
	CloseEnd bool
}

// OptionsFromConfig takes the account, symbols, risk, loop and backtest
// sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Account:        cfg.Account.Name,
		Quote:          cfg.Account.Quote,
		InitialBalance: cfg.Backtest.InitialBalance,
		FeeRate:        cfg.Backtest.FeeRate,
		Filters:        cfg.Filters(),
		Policy:         cfg.Policy(),
		Engine:         cfg.EngineConfig(),
		Reconcile:      cfg.ReconcileConfig(),
		ReconcileEvery: cfg.Backtest.ReconcileEvery,
	}
}

// Result summarizes a replay.
type Result struct {
	Start time.Time
	End   time.Time
	Ticks int
	Steps int

	StartEquity float64
	EndEquity   float64
	MaxDrawdown float64 // fraction of the running equity peak

	Stats   journal.Stats
	Breaker ledger.BreakerState
	// Performance holds one record per replayed day. The last day is
	// included even though it never rolled over.
	Performance []ledger.PerformanceRecord
	Trades      []ledger.Trade
}

func (r Result) ReturnPct() float64 {
	if r.StartEquity == 0 {
		return 0
	}
	return (r.EndEquity - r.StartEquity) / r.StartEquity * 100
}

type replayClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *replayClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *replayClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Runner drives the orchestrator forward through a feed. Ticks sharing a
// timestamp are applied together and followed by a single step.
type Runner struct {
	Feed     Feed
	Source   signal.Source
	Store    ledger.Store // nil keeps the ledger in memory
	Notifier notify.Notifier
	Options  Options
}

func (r *Runner) Run(ctx context.Context) (Result, error) {
	if r.Feed == nil {
		return Result{}, fmt.Errorf("backtest: Feed is required")
	}
	defer r.Feed.Close()
	if r.Source == nil {
		return Result{}, fmt.Errorf("backtest: Source is required")
	}
	opts := r.Options
	if len(opts.Filters) == 0 {
		return Result{}, fmt.Errorf("backtest: no symbols to trade")
	}

	store := r.Store
	if store == nil {
		store = ledger.NewMemoryStore()
	}
	l, err := ledger.Open(ctx, store)
	if err != nil {
		return Result{}, fmt.Errorf("backtest: open ledger: %w", err)
	}

	clk := &replayClock{}
	ex := sim.New(opts.Quote, opts.InitialBalance, sim.WithFeeRate(opts.FeeRate), sim.WithClock(clk.now))
	d := desk.New(l, risk.NewEngine(opts.Policy, l.Breaker()), opts.Account, opts.Filters, desk.WithClock(clk.now))
	rec := reconcile.New(d, ex, r.Notifier, opts.Reconcile)
	orch := engine.New(d, ex, r.Source, rec, r.Notifier, opts.Engine)

	every := opts.ReconcileEvery
	if every < 1 {
		every = 1
	}

	res := Result{StartEquity: opts.InitialBalance}
	peak := res.StartEquity

	tick, ok, err := r.Feed.Next()
	if err != nil {
		return res, err
	}
	if !ok {
		return res, ErrEmptyFeed
	}
	res.Start = tick.Time

	for ok {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		at := tick.Time
		if at.Before(res.End) {
			return res, fmt.Errorf("%w: %s after %s", ErrUnordered, at.Format(time.RFC3339Nano), res.End.Format(time.RFC3339Nano))
		}
		clk.set(at)
		res.End = at

		for ok && tick.Time.Equal(at) {
			if d.Tracks(tick.Symbol) {
				ex.SetTick(tick)
			}
			res.Ticks++
			tick, ok, err = r.Feed.Next()
			if err != nil {
				return res, err
			}
		}

		if res.Steps%every == 0 {
			if _, err := orch.Reconcile(ctx); err != nil {
				return res, fmt.Errorf("backtest: reconcile at %s: %w", at.Format(time.RFC3339), err)
			}
		}
		if err := orch.Step(ctx); err != nil {
			return res, err
		}
		res.Steps++

		eq := ex.Equity()
		if eq > peak {
			peak = eq
		}
		if peak > 0 && (peak-eq)/peak > res.MaxDrawdown {
			res.MaxDrawdown = (peak - eq) / peak
		}
	}

	if opts.CloseEnd {
		for _, tr := range l.Trades(func(t ledger.Trade) bool { return t.State == ledger.StateOpen }) {
			if _, err := orch.CloseTrade(ctx, tr.ID); err != nil {
				logger.Warnf("backtest: close %s %s: %v", tr.Symbol, tr.ID, err)
			}
		}
	}
	if _, err := orch.Reconcile(ctx); err != nil {
		return res, fmt.Errorf("backtest: final reconcile: %w", err)
	}

	res.EndEquity = ex.Equity()
	res.Trades = l.Trades(nil)
	res.Stats = journal.Summarize(res.Trades)
	res.Breaker = l.Breaker()
	res.Performance = append(l.Performance(),
		d.DayRecord(risk.TradingDay(res.End), res.Breaker.DailyStartEquity, res.EndEquity))

	logger.Infof("backtest: %d ticks, %d steps, %d trades, equity %.2f -> %.2f",
		res.Ticks, res.Steps, res.Stats.Trades, res.StartEquity, res.EndEquity)
	return res, nil
}
