package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SizePosition returns the quantity that loses equity*riskPerTrade if price
// moves from entry to stop, floored to the symbol's step size.
func SizePosition(equity, riskPerTrade, entry, stop float64, f Filters) (float64, error) {
	if equity <= 0 || riskPerTrade <= 0 || entry <= 0 || stop <= 0 {
		return 0, fmt.Errorf("%w: equity=%v risk=%v entry=%v stop=%v", ErrInvalidInput, equity, riskPerTrade, entry, stop)
	}

	px := decimal.NewFromFloat(entry)
	dist := px.Sub(decimal.NewFromFloat(stop)).Abs()
	if dist.IsZero() {
		return 0, ErrZeroStopDistance
	}

	budget := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(riskPerTrade))
	qty := budget.Div(dist)

	if f.MaxNotional > 0 {
		capQty := decimal.NewFromFloat(f.MaxNotional).Div(px)
		if qty.GreaterThan(capQty) {
			qty = capQty
		}
	}

	qty = floorStep(qty, f.StepSize)
	if !qty.IsPositive() || qty.LessThan(decimal.NewFromFloat(f.MinQty)) {
		return 0, fmt.Errorf("%w: qty %s (min %v)", ErrTooSmall, qty, f.MinQty)
	}
	notional := qty.Mul(px)
	if notional.LessThan(decimal.NewFromFloat(f.MinNotional)) {
		return 0, fmt.Errorf("%w: notional %s (min %v)", ErrTooSmall, notional.StringFixed(2), f.MinNotional)
	}
	return qty.InexactFloat64(), nil
}

// Size applies the policy to a candidate entry: confidence-scaled risk when
// dynamic sizing is on, and the policy's notional bounds on top of the
// symbol filters.
func (p Policy) Size(equity, entry, stop, confidence float64, f Filters) (float64, error) {
	r := p.RiskPerTrade
	if p.DynamicSizing {
		r *= RiskMultiplier(confidence)
	}
	return SizePosition(equity, r, entry, stop, p.merge(f))
}

// RiskMultiplier scales per-trade risk by signal confidence.
func RiskMultiplier(confidence float64) float64 {
	switch {
	case confidence >= 0.8:
		return 1.5
	case confidence >= 0.6:
		return 1.25
	case confidence >= 0.4:
		return 1.0
	default:
		return 0.75
	}
}

// RoundStep floors qty to a multiple of step. A non-positive step leaves qty
// unchanged.
func RoundStep(qty, step float64) float64 {
	return floorStep(decimal.NewFromFloat(qty), step).InexactFloat64()
}

func floorStep(qty decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return qty
	}
	s := decimal.NewFromFloat(step)
	return qty.Div(s).Floor().Mul(s)
}
