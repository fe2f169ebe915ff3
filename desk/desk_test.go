package desk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/rustyeddy/tradeloop/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDesk() *Desk {
	l := ledger.New(ledger.NewMemoryStore())
	r := risk.NewEngine(risk.Policy{RiskPerTrade: 0.01, MaxOpenTrades: 2, MaxDrawdown: 0.1}, ledger.BreakerState{})
	return New(l, r, "paper", map[string]risk.Filters{
		"ETHUSDT": {StepSize: 0.001},
		"BTCUSDT": {StepSize: 0.00001},
	})
}

func TestSymbolsSorted(t *testing.T) {
	t.Parallel()
	d := newDesk()
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, d.Symbols())
	assert.True(t, d.Tracks("ETHUSDT"))
	assert.False(t, d.Tracks("XRPUSDT"))
	assert.Equal(t, 0.001, d.Filters("ETHUSDT").StepSize)
}

func TestLockSymbolsOppositeOrderDoesNotDeadlock(t *testing.T) {
	t.Parallel()

	d := newDesk()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := d.LockSymbols("BTCUSDT", "ETHUSDT")
			g := d.LockGlobal()
			counter++
			g()
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := d.LockSymbols("ETHUSDT", "BTCUSDT", "ETHUSDT")
			g := d.LockGlobal()
			counter++
			g()
			unlock()
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock")
	}
	assert.Equal(t, 100, counter)
}

func TestPersistBreaker(t *testing.T) {
	t.Parallel()

	d := newDesk()
	d.Risk.EvaluateBreaker(risk.EquityPoint{Time: time.Now(), Equity: 1000})
	require.NoError(t, d.PersistBreaker(context.Background()))
	assert.Equal(t, 1000.0, d.Ledger.Breaker().EquityPeak)
}

func TestRollDayWritesPerformanceOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newDesk()
	day1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d.Risk.EvaluateBreaker(risk.EquityPoint{Time: day1, Equity: 1000})

	for i, pnl := range []float64{12, -5, 3} {
		tr := ledger.Trade{
			ID: string(rune('a' + i)), Symbol: "BTCUSDT", Side: ledger.Long, State: ledger.StateClosed,
			RealizedPnL: pnl, ExitTime: day1.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, d.Ledger.SaveTrade(ctx, tr))
	}
	// Closed the next day, not part of day one.
	require.NoError(t, d.Ledger.SaveTrade(ctx, ledger.Trade{
		ID: "z", Symbol: "ETHUSDT", State: ledger.StateClosed, RealizedPnL: 100, ExitTime: day1.Add(24 * time.Hour),
	}))

	_, rolled, err := d.RollDay(ctx, day1.Add(time.Hour), 1010)
	require.NoError(t, err)
	assert.False(t, rolled, "same day")

	rec, rolled, err := d.RollDay(ctx, day1.Add(13*time.Hour), 1010)
	require.NoError(t, err)
	require.True(t, rolled)
	assert.Equal(t, ledger.PerformanceRecord{
		Day: "2024-05-01", Account: "paper", RealizedPnL: 10, Trades: 3, Wins: 2, Losses: 1,
		WinRate: 2.0 / 3, StartEquity: 1000, EndEquity: 1010,
	}, rec)
	assert.Equal(t, []ledger.PerformanceRecord{rec}, d.Ledger.Performance())
	assert.Equal(t, d.Risk.State(), d.Ledger.Breaker(), "breaker persisted with the new day")

	_, rolled, err = d.RollDay(ctx, day1.Add(14*time.Hour), 1020)
	require.NoError(t, err)
	assert.False(t, rolled)
}
