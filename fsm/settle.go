package fsm

import (
	"fmt"
	"time"

	"github.com/rustyeddy/tradeloop/ledger"
)

// qtyEpsilon absorbs float noise when comparing quantities.
const qtyEpsilon = 1e-9

// Position aggregates a trade's orders and fills.
type Position struct {
	EntryQty   float64
	EntryVWAP  float64
	ExitQty    float64
	ExitVWAP   float64
	Fees       float64
	FeeBase    float64 // entry commission taken from the bought asset
	FirstEntry time.Time
	LastExit   time.Time
	LastExitPx float64 // price of the latest exit fill

	EntryLive bool // an entry order is still working
	ExitLive  bool // an exit order, or a partly filled stop, is working
	StopLive  bool // a resting protective stop is working

	StopFilled bool // a protective stop has executed

	// Dust is the lot step. Once exits have filled, a remainder below it
	// cannot be traded and the position counts as flat.
	Dust float64
}

// Open is the quantity still held: entry fills net of base-asset
// commission, less exit fills.
func (p Position) Open() float64 {
	q := p.EntryQty - p.FeeBase - p.ExitQty
	if q < qtyEpsilon {
		return 0
	}
	return q
}

func (p Position) Flat() bool {
	if p.EntryQty <= 0 {
		return false
	}
	open := p.Open()
	return open == 0 || (p.ExitQty > 0 && open < p.Dust-qtyEpsilon)
}

// CheckFill reports ErrFillOverflow if adding qty to the recorded fills
// would exceed the order quantity.
func CheckFill(o ledger.Order, recorded []ledger.Fill, qty float64) error {
	sum := qty
	for _, f := range recorded {
		sum += f.Quantity
	}
	if sum > o.Quantity+qtyEpsilon {
		return fmt.Errorf("%w: order %s filled %v of %v", ErrFillOverflow, o.ID, sum, o.Quantity)
	}
	return nil
}

// Aggregate folds orders and their fills into a Position.
func Aggregate(orders []ledger.Order, fills map[string][]ledger.Fill) (Position, error) {
	var (
		p                     Position
		entryNotional, exitNt float64
	)
	for _, o := range orders {
		var filled float64
		for _, f := range fills[o.ID] {
			filled += f.Quantity
			p.Fees += f.Fee
			if o.Role.Reduces() {
				p.StopFilled = p.StopFilled || o.Role == ledger.RoleStop
				p.ExitQty += f.Quantity
				exitNt += f.Quantity * f.Price
				if !f.Time.Before(p.LastExit) {
					p.LastExit = f.Time
					p.LastExitPx = f.Price
				}
			} else {
				p.EntryQty += f.Quantity
				p.FeeBase += f.FeeBase
				entryNotional += f.Quantity * f.Price
				if p.FirstEntry.IsZero() || f.Time.Before(p.FirstEntry) {
					p.FirstEntry = f.Time
				}
			}
		}
		if filled > o.Quantity+qtyEpsilon {
			return p, fmt.Errorf("%w: order %s filled %v of %v", ErrFillOverflow, o.ID, filled, o.Quantity)
		}
		if o.Status.Terminal() {
			continue
		}
		switch o.Role {
		case ledger.RoleEntry:
			p.EntryLive = true
		case ledger.RoleExit:
			p.ExitLive = true
		case ledger.RoleStop:
			p.StopLive = true
			if filled > 0 {
				p.ExitLive = true
			}
		}
	}
	if p.ExitQty > p.EntryQty-p.FeeBase+qtyEpsilon {
		return p, fmt.Errorf("%w: exits %v exceed entries %v", ErrFillOverflow, p.ExitQty, p.EntryQty-p.FeeBase)
	}
	if p.EntryQty > 0 {
		p.EntryVWAP = entryNotional / p.EntryQty
	}
	if p.ExitQty > 0 {
		p.ExitVWAP = exitNt / p.ExitQty
	}
	return p, nil
}

// Derive is the state a trade's orders and fills put it in.
func (p Position) Derive() ledger.TradeState {
	switch {
	case p.EntryQty == 0 && p.EntryLive:
		return ledger.StateEntryPending
	case p.EntryQty == 0:
		return ledger.StateIdle
	case p.EntryLive:
		return ledger.StateEntryPending
	case p.Flat():
		return ledger.StateClosed
	case p.ExitLive:
		return ledger.StateExitPending
	default:
		return ledger.StateOpen
	}
}

// Settle recomputes t from its orders and fills: entry VWAP, size, fees,
// realized PnL (from the exit VWAP) and state. The exit price and time are
// those of the latest exit fill. step is the symbol's lot step; see
// Position.Dust. CLOSED trades are returned as is; ERROR
// trades get their numbers refreshed but keep their state. A close with no
// recorded reason is attributed by stopReason.
func Settle(t ledger.Trade, orders []ledger.Order, fills map[string][]ledger.Fill, step float64, at time.Time) (ledger.Trade, Position, error) {
	p, err := Aggregate(orders, fills)
	if err != nil {
		return t, p, err
	}
	p.Dust = step
	if t.State == ledger.StateClosed {
		return t, p, nil
	}

	t.Size = p.EntryQty
	t.EntryPrice = p.EntryVWAP
	if !p.FirstEntry.IsZero() {
		t.EntryTime = p.FirstEntry
	}
	t.ExitPrice = p.LastExitPx
	t.Fees = p.Fees
	t.RealizedPnL = (p.ExitVWAP-p.EntryVWAP)*t.Side.Sign()*p.ExitQty - p.Fees
	t.UpdatedAt = at

	if t.State == ledger.StateError {
		return t, p, nil
	}

	next := p.Derive()
	if !Reachable(t.State, next) {
		return t, p, fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, t.ID, t.State, next)
	}
	t.State = next
	if next == ledger.StateClosed {
		t.ExitTime = p.LastExit
		if t.ExitReason == ledger.ExitNone {
			t.ExitReason = stopReason(t, p)
		}
	}
	return t, p, nil
}

// stopReason names a close nobody asked for: a protective stop (trailed or
// not) or else whatever the reconciler found on the exchange.
func stopReason(t ledger.Trade, p Position) ledger.ExitReason {
	switch {
	case !p.StopFilled:
		return ledger.ExitReconciled
	case t.InitialStop > 0 && t.StopPrice != t.InitialStop:
		return ledger.ExitTrailing
	default:
		return ledger.ExitStopLoss
	}
}
