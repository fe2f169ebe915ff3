package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rustyeddy/tradeloop/broker"
	"github.com/rustyeddy/tradeloop/broker/sim"
	"github.com/rustyeddy/tradeloop/desk"
	"github.com/rustyeddy/tradeloop/fsm"
	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/rustyeddy/tradeloop/notify"
	"github.com/rustyeddy/tradeloop/reconcile"
	"github.com/rustyeddy/tradeloop/risk"
	"github.com/rustyeddy/tradeloop/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

const sym = "BTCUSDT"

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) has(k notify.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == k {
			return true
		}
	}
	return false
}

type fixture struct {
	mu     sync.Mutex
	now    time.Time
	ex     *sim.Exchange
	desk   *desk.Desk
	rec    *reconcile.Reconciler
	script *signal.Script
	notes  *recorder
	orch   *Orchestrator
}

func testConfig() Config {
	return Config{
		PollInterval:      10 * time.Millisecond,
		ReconcileInterval: 25 * time.Millisecond,
		MinConfidence:     0.5,
		Levels:            risk.LevelConfig{Mode: risk.LevelsPercent, StopPct: 0.02, TakeProfitPct: 0.04},
		Strategy:          "scripted",
	}
}

func newFixture(t *testing.T, cfg Config, symbols ...string) *fixture {
	t.Helper()
	if len(symbols) == 0 {
		symbols = []string{sym}
	}
	f := &fixture{now: t0, notes: &recorder{}, script: signal.NewScript()}

	f.ex = sim.New("USDT", 10000, sim.WithClock(f.clock))
	filters := make(map[string]risk.Filters, len(symbols))
	for _, s := range symbols {
		f.ex.SetPrice(s, 100, t0)
		filters[s] = risk.Filters{StepSize: 0.001}
	}

	l := ledger.New(ledger.NewMemoryStore())
	eng := risk.NewEngine(risk.Policy{RiskPerTrade: 0.01, MaxOpenTrades: 3, MaxDrawdown: 0.15, DailyLossLimit: 0.05}, ledger.BreakerState{})
	f.desk = desk.New(l, eng, "paper", filters, desk.WithClock(f.clock))
	f.rec = reconcile.New(f.desk, f.ex, f.notes, reconcile.Config{UnknownOrderGrace: time.Minute})
	f.orch = New(f.desk, f.ex, f.script, f.rec, f.notes, cfg)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) price(t *testing.T, symbol string, px float64) {
	t.Helper()
	f.ex.SetPrice(symbol, px, f.clock())
}

func (f *fixture) step(t *testing.T) {
	t.Helper()
	require.NoError(t, f.orch.Step(context.Background()))
}

func (f *fixture) current(t *testing.T, symbol string) ledger.Trade {
	t.Helper()
	tr, ok := f.desk.Ledger.Current(symbol)
	require.True(t, ok, "no trade on %s", symbol)
	return tr
}

func (f *fixture) orders(role ledger.OrderRole) []ledger.Order {
	return f.desk.Ledger.Orders(func(o ledger.Order) bool { return o.Role == role })
}

func long(conf float64) signal.Signal {
	return signal.Signal{Action: signal.Long, Confidence: conf, Reason: "test"}
}

func TestEntryOpensTradeWithRestingStop(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ProtectiveOrders = true
	f := newFixture(t, cfg)
	f.script.Push(sym, long(0.7))
	f.step(t)

	tr := f.current(t, sym)
	assert.Equal(t, ledger.StateOpen, tr.State)
	assert.Equal(t, ledger.Long, tr.Side)
	assert.InDelta(t, 50, tr.Size, 1e-9, "1% of 10000 over a 2.0 stop distance")
	assert.InDelta(t, 100, tr.EntryPrice, 1e-9)
	assert.InDelta(t, 98, tr.StopPrice, 1e-9)
	assert.InDelta(t, 98, tr.InitialStop, 1e-9)
	assert.InDelta(t, 104, tr.TakeProfitPrice, 1e-9)
	assert.Equal(t, "scripted", tr.Strategy)
	assert.Equal(t, 0.7, tr.Confidence)

	entries := f.orders(ledger.RoleEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.OrderFilled, entries[0].Status)
	assert.Len(t, f.desk.Ledger.Fills(entries[0].ID), 1)

	stops := f.orders(ledger.RoleStop)
	require.Len(t, stops, 1)
	assert.Equal(t, ledger.OrderSubmitted, stops[0].Status)
	assert.Equal(t, ledger.Sell, stops[0].Side)
	assert.InDelta(t, 98, stops[0].StopPrice, 1e-9)
	assert.InDelta(t, 50, stops[0].Quantity, 1e-9)

	assert.True(t, f.notes.has(notify.KindTradeOpened))
	acct, err := f.ex.GetAccount(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 50, acct.Position(sym), 1e-9)

	// The stop is in place; another iteration places nothing new.
	f.step(t)
	assert.Len(t, f.orders(ledger.RoleStop), 1)
}

func TestLowConfidenceAndHoldDoNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.script.Push(sym, long(0.3), signal.Signal{Action: signal.Hold}, signal.Signal{Action: signal.Exit, Confidence: 1})
	for i := 0; i < 3; i++ {
		f.step(t)
	}
	assert.Empty(t, f.desk.Ledger.Trades(nil))
	assert.Equal(t, 3, f.script.Calls(sym))
}

func TestSoftwareStopExitsAtMarket(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.script.Push(sym, long(0.7))
	f.step(t)
	require.Equal(t, ledger.StateOpen, f.current(t, sym).State)
	assert.Empty(t, f.orders(ledger.RoleStop))

	f.advance(time.Minute)
	f.price(t, sym, 97.5)
	f.step(t)

	_, held := f.desk.Ledger.Current(sym)
	require.False(t, held)
	closed := f.desk.Ledger.Trades(nil)
	require.Len(t, closed, 1)
	tr := closed[0]
	assert.Equal(t, ledger.StateClosed, tr.State)
	assert.Equal(t, ledger.ExitStopLoss, tr.ExitReason)
	assert.InDelta(t, 97.5, tr.ExitPrice, 1e-9)
	assert.InDelta(t, -125, tr.RealizedPnL, 1e-9)
	assert.Equal(t, t0.Add(time.Minute), tr.ExitTime)

	assert.True(t, f.notes.has(notify.KindTradeClosed))
	assert.InDelta(t, 125, f.desk.Ledger.Breaker().DailyLossSoFar, 1e-9)
}

func TestExitSellsNetOfBaseCommission(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	f := newFixture(t, cfg)
	f.ex = sim.New("USDT", 10000, sim.WithClock(f.clock), sim.WithFeeRate(0.00075), sim.WithBaseFees())
	f.ex.SetPrice(sym, 100, t0)
	f.rec = reconcile.New(f.desk, f.ex, f.notes, reconcile.Config{UnknownOrderGrace: time.Minute})
	f.orch = New(f.desk, f.ex, f.script, f.rec, f.notes, cfg)

	f.script.Push(sym, long(0.7))
	f.step(t)
	tr := f.current(t, sym)
	require.Equal(t, ledger.StateOpen, tr.State)
	assert.InDelta(t, 50, tr.Size, 1e-9)
	fills := f.desk.Ledger.Fills(f.orders(ledger.RoleEntry)[0].ID)
	require.Len(t, fills, 1)
	assert.InDelta(t, 0.0375, fills[0].FeeBase, 1e-12)

	f.advance(time.Minute)
	f.price(t, sym, 97.5)
	f.step(t)

	exits := f.orders(ledger.RoleExit)
	require.Len(t, exits, 1)
	assert.InDelta(t, 49.962, exits[0].Quantity, 1e-9, "net holding floored to the lot step")
	assert.Equal(t, ledger.OrderFilled, exits[0].Status)

	_, held := f.desk.Ledger.Current(sym)
	require.False(t, held, "dust below one step does not keep the trade open")
	closed := f.desk.Ledger.Trades(nil)
	require.Len(t, closed, 1)
	assert.Equal(t, ledger.StateClosed, closed[0].State)
	assert.Equal(t, ledger.ExitStopLoss, closed[0].ExitReason)

	acct, err := f.ex.GetAccount(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.0005, acct.Position(sym), 1e-9, "never sells more than the account holds")
}

func TestTakeProfitExit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.script.Push(sym, long(0.7))
	f.step(t)

	f.price(t, sym, 105)
	f.step(t)

	tr, ok := f.desk.Ledger.Trade(f.orders(ledger.RoleEntry)[0].TradeID)
	require.True(t, ok)
	assert.Equal(t, ledger.StateClosed, tr.State)
	assert.Equal(t, ledger.ExitTakeProfit, tr.ExitReason)
	assert.InDelta(t, 250, tr.RealizedPnL, 1e-9)
}

func TestRestingStopFillIsSettledByReconciler(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ProtectiveOrders = true
	f := newFixture(t, cfg)
	f.script.Push(sym, long(0.7))
	f.step(t)
	id := f.current(t, sym).ID

	// The exchange stop fires between iterations.
	f.advance(time.Minute)
	f.price(t, sym, 97)
	f.step(t)
	assert.Equal(t, ledger.StateOpen, f.current(t, sym).State, "cancel of a filled stop fails, exit deferred")
	assert.Empty(t, f.orders(ledger.RoleExit))

	rep, err := f.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TradesClosed)

	tr, _ := f.desk.Ledger.Trade(id)
	assert.Equal(t, ledger.StateClosed, tr.State)
	assert.Equal(t, ledger.ExitStopLoss, tr.ExitReason)
	assert.InDelta(t, -150, tr.RealizedPnL, 1e-9)
}

func TestTrailingReplacesRestingStop(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ProtectiveOrders = true
	cfg.TrailPct = 0.01
	f := newFixture(t, cfg)
	f.script.Push(sym, long(0.7))
	f.step(t)
	first := f.orders(ledger.RoleStop)
	require.Len(t, first, 1)

	f.advance(time.Minute)
	f.price(t, sym, 103)
	f.step(t)

	tr := f.current(t, sym)
	assert.Equal(t, ledger.StateOpen, tr.State)
	assert.InDelta(t, 101.97, tr.StopPrice, 1e-9)
	assert.InDelta(t, 98, tr.InitialStop, 1e-9)

	stops := f.orders(ledger.RoleStop)
	require.Len(t, stops, 2)
	old, _ := f.desk.Ledger.Order(first[0].ID)
	assert.Equal(t, ledger.OrderCancelled, old.Status)
	view, ok := f.ex.Order(old.ExchangeID)
	require.True(t, ok)
	assert.Equal(t, ledger.OrderCancelled, view.Status)
	for _, s := range stops {
		if s.ID != old.ID {
			assert.Equal(t, ledger.OrderSubmitted, s.Status)
			assert.InDelta(t, 101.97, s.StopPrice, 1e-9)
		}
	}

	// A lower price never loosens the stop.
	f.price(t, sym, 102.5)
	f.step(t)
	assert.InDelta(t, 101.97, f.current(t, sym).StopPrice, 1e-9)
	assert.Len(t, f.orders(ledger.RoleStop), 2)

	f.advance(time.Minute)
	f.price(t, sym, 101.5)
	_, err := f.orch.Reconcile(context.Background())
	require.NoError(t, err)

	tr, _ = f.desk.Ledger.Trade(tr.ID)
	assert.Equal(t, ledger.StateClosed, tr.State)
	assert.Equal(t, ledger.ExitTrailing, tr.ExitReason)
	assert.InDelta(t, 75, tr.RealizedPnL, 1e-9)
}

func TestTrailKeepsOldStopWhenCancelFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ProtectiveOrders = true
	cfg.TrailPct = 0.01
	f := newFixture(t, cfg)
	f.script.Push(sym, long(0.7))
	f.step(t)

	f.ex.Fail(sim.OpCancel, sim.Fault{Err: broker.ErrNetwork})
	f.price(t, sym, 103)
	f.step(t)

	tr := f.current(t, sym)
	assert.InDelta(t, 98, tr.StopPrice, 1e-9)
	stops := f.orders(ledger.RoleStop)
	require.Len(t, stops, 1)
	assert.Equal(t, ledger.OrderSubmitted, stops[0].Status)
}

func TestSignalExitCancelsStopFirst(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ProtectiveOrders = true
	f := newFixture(t, cfg)
	f.script.Push(sym, long(0.7), signal.Signal{Action: signal.Exit, Confidence: 0.6})
	f.step(t)
	f.price(t, sym, 101)
	f.step(t)

	trades := f.desk.Ledger.Trades(nil)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, ledger.StateClosed, tr.State)
	assert.Equal(t, ledger.ExitSignal, tr.ExitReason)
	assert.InDelta(t, 50, tr.RealizedPnL, 1e-9)

	stops := f.orders(ledger.RoleStop)
	require.Len(t, stops, 1)
	assert.Equal(t, ledger.OrderCancelled, stops[0].Status)
	exits := f.orders(ledger.RoleExit)
	require.Len(t, exits, 1)
	assert.Equal(t, ledger.OrderFilled, exits[0].Status)

	acct, err := f.ex.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, acct.Position(sym))
}

func TestCloseTradeByOperator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig()
	cfg.ProtectiveOrders = true
	f := newFixture(t, cfg)
	f.script.Push(sym, long(0.7))
	f.step(t)
	open := f.current(t, sym)

	_, err := f.orch.CloseTrade(ctx, "missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)

	f.price(t, sym, 101)
	tr, err := f.orch.CloseTrade(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClosed, tr.State)
	assert.Equal(t, ledger.ExitManual, tr.ExitReason)
	assert.InDelta(t, 50, tr.RealizedPnL, 1e-9)
	assert.Equal(t, ledger.OrderCancelled, f.orders(ledger.RoleStop)[0].Status)
	assert.True(t, f.notes.has(notify.KindTradeClosed))

	_, err = f.orch.CloseTrade(ctx, open.ID)
	require.ErrorIs(t, err, fsm.ErrIllegalTransition)
}

func TestRejectedExitReturnsToOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.script.Push(sym, long(0.7), signal.Signal{Action: signal.Exit})
	f.step(t)

	f.ex.Fail(sim.OpPlace, sim.Fault{Err: broker.Rejected("market closed")})
	f.step(t)

	tr := f.current(t, sym)
	assert.Equal(t, ledger.StateOpen, tr.State)
	assert.Equal(t, ledger.ExitNone, tr.ExitReason)
	exits := f.orders(ledger.RoleExit)
	require.Len(t, exits, 1)
	assert.Equal(t, ledger.OrderRejected, exits[0].Status)
	assert.Equal(t, "market closed", exits[0].Reason)
	assert.True(t, f.notes.has(notify.KindOrderRejected))
}

func TestRejectedEntryReturnsToIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.ex.Fail(sim.OpPlace, sim.Fault{Err: broker.Rejected("insufficient balance")})
	f.script.Push(sym, long(0.7))
	f.step(t)

	trades := f.desk.Ledger.Trades(nil)
	require.Len(t, trades, 1)
	assert.Equal(t, ledger.StateIdle, trades[0].State)
	assert.Zero(t, f.desk.Ledger.ActiveCount())

	entries := f.orders(ledger.RoleEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.OrderRejected, entries[0].Status)
	assert.Equal(t, "insufficient balance", entries[0].Reason)
	assert.True(t, f.notes.has(notify.KindOrderRejected))
}

func TestSignalCooldown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SignalCooldown = 2 * time.Minute
	f := newFixture(t, cfg)
	f.ex.Fail(sim.OpPlace, sim.Fault{Err: broker.Rejected("try later")})
	f.script.Push(sym, long(0.7), long(0.7), long(0.7))

	f.step(t)
	f.advance(time.Minute)
	f.step(t)
	assert.Len(t, f.orders(ledger.RoleEntry), 1, "second signal inside cooldown")

	f.advance(2 * time.Minute)
	f.step(t)
	assert.Len(t, f.orders(ledger.RoleEntry), 2)
	assert.Equal(t, ledger.StateOpen, f.current(t, sym).State)
}

func TestEntryTimeoutIsResolvedByReconcile(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ProtectiveOrders = true
	f := newFixture(t, cfg)
	f.ex.Fail(sim.OpPlace, sim.Fault{Err: broker.ErrTimeout, Apply: true})
	f.script.Push(sym, long(0.7), long(0.9))
	f.step(t)

	tr := f.current(t, sym)
	assert.Equal(t, ledger.StateEntryPending, tr.State)
	entries := f.orders(ledger.RoleEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.OrderSubmitted, entries[0].Status)
	assert.True(t, entries[0].Unknown)

	// The symbol stays occupied, nothing is resent.
	f.step(t)
	assert.Len(t, f.orders(ledger.RoleEntry), 1)

	_, err := f.orch.Reconcile(context.Background())
	require.NoError(t, err)
	tr = f.current(t, sym)
	assert.Equal(t, ledger.StateOpen, tr.State)
	assert.InDelta(t, 50, tr.Size, 1e-9)
	assert.Len(t, f.desk.Ledger.Fills(entries[0].ID), 1)

	f.step(t)
	assert.Len(t, f.orders(ledger.RoleStop), 1)
	assert.Len(t, f.orders(ledger.RoleEntry), 1)
	acct, err := f.ex.GetAccount(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 50, acct.Position(sym), 1e-9)
}

func TestMaxOpenTradesHoldsUnderConcurrency(t *testing.T) {
	t.Parallel()

	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT", "EEEUSDT", "FFFUSDT"}
	cfg := testConfig()
	cfg.Levels.StopPct = 0.1
	cfg.Levels.TakeProfitPct = 0.2
	f := newFixture(t, cfg, symbols...)
	for _, s := range symbols {
		f.script.Push(s, long(0.7), long(0.7), long(0.7))
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.orch.Step(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, f.desk.Ledger.ActiveCount())
	assert.Len(t, f.orders(ledger.RoleEntry), 3)
}

func TestBreakerBlocksEntriesOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), "BTCUSDT", "ETHUSDT")
	f.script.Push("BTCUSDT", long(0.7), signal.Signal{Action: signal.Exit})
	f.step(t)
	require.Equal(t, ledger.StateOpen, f.current(t, "BTCUSDT").State)

	unlock := f.desk.LockGlobal()
	f.desk.Risk.EvaluateBreaker(risk.EquityPoint{Time: t0, Equity: 10000})
	v := f.desk.Risk.EvaluateBreaker(risk.EquityPoint{Time: t0, Equity: 8400})
	unlock()
	require.True(t, v.Tripped)

	f.script.Push("ETHUSDT", long(0.9))
	f.step(t)

	_, held := f.desk.Ledger.Current("BTCUSDT")
	assert.False(t, held, "open trade still managed to exit")
	_, held = f.desk.Ledger.Current("ETHUSDT")
	assert.False(t, held, "entry denied")
	assert.Len(t, f.orders(ledger.RoleEntry), 1)

	ok, err := f.orch.ResetBreaker(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, f.desk.Ledger.Breaker().Tripped)
	assert.True(t, f.notes.has(notify.KindBreaker))

	ok, err = f.orch.ResetBreaker(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestErrorTradeIsLeftAloneUntilCleared(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()
	require.NoError(t, f.desk.Ledger.SaveTrade(ctx, ledger.Trade{
		ID: "stuck", Symbol: sym, Side: ledger.Long, State: ledger.StateError, Note: "drift",
	}))
	f.script.Push(sym, long(0.9), long(0.9))

	f.step(t)
	assert.Zero(t, f.script.Calls(sym))
	assert.Empty(t, f.orders(ledger.RoleEntry))
	assert.Equal(t, 0, f.desk.Ledger.ActiveCount())

	_, err := f.orch.ClearTrade(ctx, "missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)

	tr, err := f.orch.ClearTrade(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClosed, tr.State)
	assert.Equal(t, ledger.ExitManual, tr.ExitReason)

	_, err = f.orch.ClearTrade(ctx, "stuck")
	require.Error(t, err)

	f.step(t)
	assert.Equal(t, ledger.StateOpen, f.current(t, sym).State)
}

func TestSuggestedLevelsUsedWhenValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sig      signal.Signal
		stop, tp float64
	}{
		{"valid hint", signal.Signal{Action: signal.Long, Confidence: 0.8, SuggestedStop: 95, SuggestedTarget: 112}, 95, 112},
		{"stop above entry ignored", signal.Signal{Action: signal.Long, Confidence: 0.8, SuggestedStop: 101}, 98, 104},
		{"target only", signal.Signal{Action: signal.Long, Confidence: 0.8, SuggestedTarget: 110}, 98, 110},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, testConfig())
			f.script.Push(sym, tt.sig)
			f.step(t)
			tr := f.current(t, sym)
			assert.InDelta(t, tt.stop, tr.StopPrice, 1e-9)
			assert.InDelta(t, tt.tp, tr.TakeProfitPrice, 1e-9)
		})
	}
}

func TestStepRollsTradingDay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.script.Push(sym, long(0.7), signal.Signal{Action: signal.Exit})
	_, err := f.orch.Reconcile(context.Background())
	require.NoError(t, err)
	f.step(t)
	f.price(t, sym, 102)
	f.step(t)

	f.advance(24 * time.Hour)
	f.step(t)

	perf := f.desk.Ledger.Performance()
	require.Len(t, perf, 1)
	assert.Equal(t, "2024-07-01", perf[0].Day)
	assert.Equal(t, 1, perf[0].Trades)
	assert.Equal(t, 1, perf[0].Wins)
	assert.InDelta(t, 100, perf[0].RealizedPnL, 1e-9)
	assert.True(t, f.notes.has(notify.KindDailySummary))
	assert.Equal(t, "2024-07-02", f.desk.Ledger.Breaker().TradingDay)
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.script.Push(sym, long(0.7))

	errc := make(chan error, 1)
	go func() { errc <- f.orch.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		tr, ok := f.desk.Ledger.Current(sym)
		return ok && tr.State == ledger.StateOpen
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.orch.Status().Running }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.orch.Start(context.Background()), ErrRunning)

	st := f.orch.Status()
	require.Len(t, st.Trades, 1)
	assert.Equal(t, sym, st.Trades[0].Symbol)

	f.orch.Stop()
	require.NoError(t, <-errc)
	assert.False(t, f.orch.Status().Running)
	assert.True(t, f.notes.has(notify.KindStarted))
	assert.True(t, f.notes.has(notify.KindStopped))
	f.orch.Stop()
}

// heldPlace blocks the first PlaceOrder until release is closed.
type heldPlace struct {
	broker.Exchange
	once    sync.Once
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func (h *heldPlace) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	first := false
	h.once.Do(func() { first = true; close(h.entered) })
	if first {
		<-h.release
		h.mu.Lock()
		h.ctxErr = ctx.Err()
		h.mu.Unlock()
	}
	return h.Exchange.PlaceOrder(ctx, req)
}

func TestRunDrainsPlaceInFlightOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	held := &heldPlace{Exchange: f.ex, entered: make(chan struct{}), release: make(chan struct{})}
	orch := New(f.desk, held, f.script, f.rec, f.notes, testConfig())
	f.script.Push(sym, long(0.7), long(0.7))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- orch.Run(ctx) }()

	select {
	case <-held.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("entry was never placed")
	}
	cancel()

	select {
	case err := <-errc:
		t.Fatalf("Run returned with a placement in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(held.release)
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the placement finished")
	}

	held.mu.Lock()
	assert.NoError(t, held.ctxErr, "placement saw a cancelled context")
	held.mu.Unlock()

	tr := f.current(t, sym)
	assert.Equal(t, ledger.StateOpen, tr.State)
	entries := f.orders(ledger.RoleEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.OrderFilled, entries[0].Status)
	assert.False(t, entries[0].Unknown)
	assert.True(t, f.notes.has(notify.KindStopped))
	assert.False(t, orch.Status().Running)
}

func TestRunReturnsStartupError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.ex.Fail(sim.OpAccount, sim.Fault{Err: fmt.Errorf("%w: down", broker.ErrUnavailable)})
	require.ErrorIs(t, f.orch.Run(context.Background()), broker.ErrUnavailable)
}

func TestStartFailsWhenStartupReconcileFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.ex.Fail(sim.OpAccount, sim.Fault{Err: fmt.Errorf("%w: down", broker.ErrUnavailable)})
	err := f.orch.Start(context.Background())
	require.ErrorIs(t, err, broker.ErrUnavailable)
	assert.False(t, f.notes.has(notify.KindStarted))
}
