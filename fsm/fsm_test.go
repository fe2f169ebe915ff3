package fsm

import (
	"testing"
	"time"

	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	legal := [][2]ledger.TradeState{
		{ledger.StateIdle, ledger.StateEntryPending},
		{ledger.StateEntryPending, ledger.StateOpen},
		{ledger.StateEntryPending, ledger.StateIdle},
		{ledger.StateOpen, ledger.StateExitPending},
		{ledger.StateExitPending, ledger.StateClosed},
		{ledger.StateExitPending, ledger.StateOpen},
		{ledger.StateExitPending, ledger.StateExitPending},
		{ledger.StateOpen, ledger.StateError},
		{ledger.StateIdle, ledger.StateError},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]ledger.TradeState{
		{ledger.StateIdle, ledger.StateOpen},
		{ledger.StateOpen, ledger.StateClosed},
		{ledger.StateOpen, ledger.StateEntryPending},
		{ledger.StateClosed, ledger.StateOpen},
		{ledger.StateClosed, ledger.StateError},
		{ledger.StateError, ledger.StateClosed},
		{ledger.StateError, ledger.StateOpen},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestTransitionAndManualClear(t *testing.T) {
	t.Parallel()

	tr := ledger.Trade{ID: "t1", State: ledger.StateOpen}
	err := Transition(&tr, ledger.StateClosed, t0)
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, ledger.StateOpen, tr.State)

	require.NoError(t, MarkError(&tr, "position vanished", t0))
	assert.Equal(t, ledger.StateError, tr.State)
	assert.Equal(t, "position vanished", tr.Note)

	require.ErrorIs(t, Transition(&tr, ledger.StateClosed, t0), ErrIllegalTransition)

	require.NoError(t, ClearError(&tr, "checked by hand", t0.Add(time.Minute)))
	assert.Equal(t, ledger.StateClosed, tr.State)
	assert.Equal(t, ledger.ExitManual, tr.ExitReason)
	assert.Equal(t, t0.Add(time.Minute), tr.ExitTime)

	require.ErrorIs(t, ClearError(&tr, "", t0), ErrIllegalTransition)
}

func order(id string, role ledger.OrderRole, qty float64, status ledger.OrderStatus) ledger.Order {
	return ledger.Order{ID: id, TradeID: "t1", Symbol: "BTCUSDT", Role: role, Quantity: qty, Status: status}
}

func fill(id, orderID string, qty, px, fee float64, at time.Time) ledger.Fill {
	return ledger.Fill{ID: id, ExchangeFillID: id, OrderID: orderID, TradeID: "t1", Quantity: qty, Price: px, Fee: fee, Time: at}
}

func TestSettleTwoExitFillsClose(t *testing.T) {
	t.Parallel()

	tr := ledger.Trade{ID: "t1", Symbol: "BTCUSDT", Side: ledger.Long, State: ledger.StateExitPending, ExitReason: ledger.ExitTakeProfit}
	orders := []ledger.Order{
		order("e", ledger.RoleEntry, 1, ledger.OrderFilled),
		order("x", ledger.RoleExit, 1, ledger.OrderFilled),
	}
	fills := map[string][]ledger.Fill{
		"e": {fill("f1", "e", 1, 100, 0.1, t0)},
		"x": {
			fill("f2", "x", 0.4, 110, 0.04, t0.Add(time.Hour)),
			fill("f3", "x", 0.6, 105, 0.06, t0.Add(2*time.Hour)),
		},
	}

	got, pos, err := Settle(tr, orders, fills, 0, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClosed, got.State)
	assert.InDelta(t, 105, got.ExitPrice, 1e-9, "latest exit fill")
	assert.InDelta(t, 107, pos.ExitVWAP, 1e-9)
	assert.InDelta(t, 7-0.2, got.RealizedPnL, 1e-9)
	assert.Equal(t, t0.Add(2*time.Hour), got.ExitTime)
	assert.Equal(t, ledger.ExitTakeProfit, got.ExitReason)
	assert.True(t, pos.Flat())
}

func TestSettleNetsBaseCommission(t *testing.T) {
	t.Parallel()

	tr := ledger.Trade{ID: "t1", Symbol: "BTCUSDT", Side: ledger.Long, State: ledger.StateExitPending, ExitReason: ledger.ExitSignal}
	orders := []ledger.Order{
		order("e", ledger.RoleEntry, 1, ledger.OrderFilled),
		order("x", ledger.RoleExit, 0.999, ledger.OrderFilled),
	}
	entry := fill("f1", "e", 1, 100, 0.075, t0)
	entry.FeeBase = 0.00075
	fills := map[string][]ledger.Fill{
		"e": {entry},
		"x": {fill("f2", "x", 0.999, 110, 0, t0.Add(time.Hour))},
	}

	pos, err := Aggregate(orders, fills)
	require.NoError(t, err)
	assert.InDelta(t, 0.00025, pos.Open(), 1e-12)

	tests := []struct {
		name string
		step float64
		want ledger.TradeState
	}{
		{"dust below step is flat", 0.001, ledger.StateClosed},
		{"no step keeps the remainder open", 0, ledger.StateOpen},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, _, err := Settle(tr, orders, fills, tt.step, t0.Add(2*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.State)
		})
	}

	extra := map[string][]ledger.Fill{"e": {entry}, "x": {fill("f2", "x", 0.9999, 110, 0, t0)}}
	_, err = Aggregate([]ledger.Order{orders[0], order("x", ledger.RoleExit, 1, ledger.OrderFilled)}, extra)
	require.ErrorIs(t, err, ErrFillOverflow, "exits beyond the net holding")
}

func TestSettlePartialExitStaysPending(t *testing.T) {
	t.Parallel()

	tr := ledger.Trade{ID: "t1", Side: ledger.Short, State: ledger.StateExitPending}
	orders := []ledger.Order{
		order("e", ledger.RoleEntry, 2, ledger.OrderFilled),
		order("x", ledger.RoleExit, 2, ledger.OrderPartiallyFilled),
	}
	fills := map[string][]ledger.Fill{
		"e": {fill("f1", "e", 2, 50, 0, t0)},
		"x": {fill("f2", "x", 0.5, 45, 0, t0.Add(time.Minute))},
	}
	got, pos, err := Settle(tr, orders, fills, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateExitPending, got.State)
	assert.InDelta(t, 1.5, pos.Open(), 1e-9)
	assert.InDelta(t, 2.5, got.RealizedPnL, 1e-9)

	// Exit cancelled with a partial fill: back to OPEN holding the rest.
	orders[1].Status = ledger.OrderCancelled
	got, pos, err = Settle(got, orders, fills, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateOpen, got.State)
	assert.InDelta(t, 1.5, pos.Open(), 1e-9)
}

func TestSettleEntryOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status ledger.OrderStatus
		fills  []ledger.Fill
		want   ledger.TradeState
	}{
		{"working", ledger.OrderSubmitted, nil, ledger.StateEntryPending},
		{"rejected", ledger.OrderRejected, nil, ledger.StateIdle},
		{"cancelled unfilled", ledger.OrderCancelled, nil, ledger.StateIdle},
		{"filled", ledger.OrderFilled, []ledger.Fill{fill("f1", "e", 1, 10, 0, t0)}, ledger.StateOpen},
		{"partly filled then cancelled", ledger.OrderCancelled, []ledger.Fill{fill("f1", "e", 0.3, 10, 0, t0)}, ledger.StateOpen},
		{"partly filled and working", ledger.OrderPartiallyFilled, []ledger.Fill{fill("f1", "e", 0.3, 10, 0, t0)}, ledger.StateEntryPending},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := ledger.Trade{ID: "t1", Side: ledger.Long, State: ledger.StateEntryPending}
			orders := []ledger.Order{order("e", ledger.RoleEntry, 1, tt.status)}
			got, _, err := Settle(tr, orders, map[string][]ledger.Fill{"e": tt.fills}, 0, t0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.State)
		})
	}
}

func TestSettleRestingStopFilledCloses(t *testing.T) {
	t.Parallel()

	tr := ledger.Trade{ID: "t1", Side: ledger.Long, State: ledger.StateOpen}
	orders := []ledger.Order{
		order("e", ledger.RoleEntry, 1, ledger.OrderFilled),
		order("s", ledger.RoleStop, 1, ledger.OrderFilled),
	}
	fills := map[string][]ledger.Fill{
		"e": {fill("f1", "e", 1, 100, 0, t0)},
		"s": {fill("f2", "s", 1, 97, 0, t0.Add(time.Hour))},
	}
	got, _, err := Settle(tr, orders, fills, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClosed, got.State)
	assert.Equal(t, ledger.ExitStopLoss, got.ExitReason)
	assert.InDelta(t, -3, got.RealizedPnL, 1e-9)

	tr.InitialStop, tr.StopPrice = 95, 97
	got, _, err = Settle(tr, orders, fills, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExitTrailing, got.ExitReason, "stop moved since entry")

	// Flat without a stop fill: the exchange closed it some other way.
	orders[1].Role = ledger.RoleExit
	tr.InitialStop, tr.StopPrice = 0, 0
	got, _, err = Settle(tr, orders, fills, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExitReconciled, got.ExitReason)
}

func TestSettleOverflow(t *testing.T) {
	t.Parallel()

	tr := ledger.Trade{ID: "t1", Side: ledger.Long, State: ledger.StateOpen}
	orders := []ledger.Order{order("e", ledger.RoleEntry, 1, ledger.OrderFilled)}
	fills := map[string][]ledger.Fill{"e": {fill("f1", "e", 0.7, 10, 0, t0), fill("f2", "e", 0.7, 10, 0, t0)}}

	got, _, err := Settle(tr, orders, fills, 0, t0)
	require.ErrorIs(t, err, ErrFillOverflow)
	assert.Equal(t, ledger.StateOpen, got.State)

	err = CheckFill(orders[0], fills["e"][:1], 0.3)
	require.NoError(t, err)
	err = CheckFill(orders[0], fills["e"][:1], 0.31)
	require.ErrorIs(t, err, ErrFillOverflow)
}

func TestSettleLeavesClosedAndErrorStates(t *testing.T) {
	t.Parallel()

	orders := []ledger.Order{order("e", ledger.RoleEntry, 1, ledger.OrderFilled)}
	fills := map[string][]ledger.Fill{"e": {fill("f1", "e", 1, 10, 0, t0)}}

	closed := ledger.Trade{ID: "t1", State: ledger.StateClosed, RealizedPnL: 5}
	got, _, err := Settle(closed, orders, fills, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, closed, got)

	errored := ledger.Trade{ID: "t1", Side: ledger.Long, State: ledger.StateError}
	got, _, err = Settle(errored, orders, fills, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateError, got.State)
	assert.InDelta(t, 1, got.Size, 1e-9)
}
