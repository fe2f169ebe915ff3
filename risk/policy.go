// Package risk sizes positions, places protective levels and guards entries
// with the drawdown and daily-loss circuit breaker.
package risk

import (
	"errors"
	"fmt"
)

var (
	ErrTooSmall         = errors.New("risk: position below minimum notional after rounding")
	ErrZeroStopDistance = errors.New("risk: stop distance is zero")
	ErrInvalidInput     = errors.New("risk: invalid input")
	ErrWrongSide        = errors.New("risk: protective level on wrong side of entry")
	ErrRewardRisk       = errors.New("risk: reward/risk below minimum")
)

// InvariantError marks a programming error. It is never retried; the caller
// stops automated handling of whatever it was working on.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %v", e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Policy is the account-wide risk configuration.
type Policy struct {
	// Sizing
	RiskPerTrade        float64 // 0.02 = 2% of equity at risk per trade
	DynamicSizing       bool    // scale risk by signal confidence
	MinPositionNotional float64 // quote currency
	MaxPositionNotional float64 // 0 = uncapped

	// Exposure
	MaxOpenTrades int

	// Circuit breakers
	MaxDrawdown    float64 // 0.15 = trip at 15% below peak
	DailyLossLimit float64 // fraction of the day's starting equity

	// Trade constraints
	MinRewardRisk float64 // 0 disables the check
}

// Validate checks the policy for values the engine cannot work with.
func (p Policy) Validate() error {
	if p.RiskPerTrade <= 0 || p.RiskPerTrade > 0.1 {
		return fmt.Errorf("%w: risk_per_trade must be in (0, 0.1]", ErrInvalidInput)
	}
	if p.MaxOpenTrades < 1 {
		return fmt.Errorf("%w: max_open_trades must be at least 1", ErrInvalidInput)
	}
	if p.MaxDrawdown <= 0 || p.MaxDrawdown >= 1 {
		return fmt.Errorf("%w: max_drawdown must be in (0, 1)", ErrInvalidInput)
	}
	if p.DailyLossLimit < 0 || p.DailyLossLimit >= 1 {
		return fmt.Errorf("%w: daily_loss_limit must be in [0, 1)", ErrInvalidInput)
	}
	if p.MaxPositionNotional > 0 && p.MaxPositionNotional < p.MinPositionNotional {
		return fmt.Errorf("%w: max position notional below minimum", ErrInvalidInput)
	}
	return nil
}

// Filters are the exchange's per-symbol quantity rules.
type Filters struct {
	StepSize    float64
	MinQty      float64
	MinNotional float64
	MaxNotional float64 // 0 = uncapped
}

// merge folds the policy's notional bounds into the symbol filters, keeping
// the stricter of each.
func (p Policy) merge(f Filters) Filters {
	if p.MinPositionNotional > f.MinNotional {
		f.MinNotional = p.MinPositionNotional
	}
	if p.MaxPositionNotional > 0 && (f.MaxNotional == 0 || p.MaxPositionNotional < f.MaxNotional) {
		f.MaxNotional = p.MaxPositionNotional
	}
	return f
}
