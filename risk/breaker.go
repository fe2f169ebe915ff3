package risk

import (
	"fmt"
	"time"

	"github.com/rustyeddy/tradeloop/ledger"
)

const dayLayout = "2006-01-02"

// TradingDay is the UTC calendar day of t.
func TradingDay(t time.Time) string { return t.UTC().Format(dayLayout) }

// EquityPoint is one equity observation.
type EquityPoint struct {
	Time   time.Time
	Equity float64
}

// Verdict is the outcome of a breaker evaluation.
type Verdict struct {
	Tripped  bool
	Reason   ledger.TripReason
	Drawdown float64
	// NewTrip is set only on the evaluation that tripped the breaker.
	NewTrip bool
}

func (v Verdict) OK() bool { return !v.Tripped }

// Engine owns the circuit breaker state. It is not safe for concurrent use;
// callers serialize through the global section.
type Engine struct {
	policy Policy
	state  ledger.BreakerState
}

// NewEngine restores an engine from persisted breaker state.
func NewEngine(p Policy, state ledger.BreakerState) *Engine {
	return &Engine{policy: p, state: state}
}

func (e *Engine) Policy() Policy { return e.policy }

// State returns a copy of the current breaker state for persistence.
func (e *Engine) State() ledger.BreakerState { return e.state }

func (e *Engine) lastEquity() float64 {
	return e.state.EquityPeak * (1 - e.state.CurrentDrawdown)
}

// RollDay moves the engine to the trading day of at. On a new day the daily
// loss counter restarts from equity and a daily-loss trip clears. It returns
// the previous day when a rollover happened. Days never move backwards.
func (e *Engine) RollDay(at time.Time, equity float64) (prev string, rolled bool) {
	day := TradingDay(at)
	if day <= e.state.TradingDay {
		return "", false
	}
	prev = e.state.TradingDay
	if equity <= 0 {
		equity = e.lastEquity()
	}
	e.state.TradingDay = day
	e.state.DailyLossSoFar = 0
	e.state.DailyStartEquity = equity
	if e.state.Tripped && e.state.Reason == ledger.TripDailyLoss {
		e.state.Tripped = false
		e.state.Reason = ledger.TripNone
		e.state.TrippedAt = time.Time{}
	}
	return prev, prev != ""
}

// EvaluateBreaker folds an equity observation into the running peak and
// drawdown and trips the breaker when a limit is reached.
func (e *Engine) EvaluateBreaker(pt EquityPoint) Verdict {
	e.RollDay(pt.Time, pt.Equity)
	if e.state.DailyStartEquity <= 0 {
		e.state.DailyStartEquity = pt.Equity
	}
	if pt.Equity > e.state.EquityPeak {
		e.state.EquityPeak = pt.Equity
	}
	if e.state.EquityPeak > 0 && pt.Equity >= 0 {
		e.state.CurrentDrawdown = (e.state.EquityPeak - pt.Equity) / e.state.EquityPeak
	}

	tripped := false
	if e.policy.MaxDrawdown > 0 && e.state.CurrentDrawdown >= e.policy.MaxDrawdown {
		tripped = e.trip(ledger.TripDrawdown, pt.Time)
	}
	if e.dailyLimitHit() {
		tripped = e.trip(ledger.TripDailyLoss, pt.Time) || tripped
	}
	return e.verdict(tripped)
}

// RecordRealized adds a closed trade's PnL to the day's running total.
// DailyLossSoFar is the day's net realized loss and goes negative on a
// profitable day.
func (e *Engine) RecordRealized(pnl float64, at time.Time) Verdict {
	e.RollDay(at, 0)
	if TradingDay(at) < e.state.TradingDay {
		// Belongs to a day that is already over.
		return e.verdict(false)
	}
	e.state.DailyLossSoFar -= pnl
	tripped := false
	if e.dailyLimitHit() {
		tripped = e.trip(ledger.TripDailyLoss, at)
	}
	return e.verdict(tripped)
}

func (e *Engine) dailyLimitHit() bool {
	if e.policy.DailyLossLimit <= 0 || e.state.DailyStartEquity <= 0 {
		return false
	}
	return e.state.DailyLossSoFar >= e.policy.DailyLossLimit*e.state.DailyStartEquity
}

// trip sets the breaker and reports whether it was newly tripped. A
// drawdown trip replaces a daily-loss trip so it survives the rollover.
func (e *Engine) trip(reason ledger.TripReason, at time.Time) bool {
	if e.state.Tripped {
		if reason == ledger.TripDrawdown && e.state.Reason == ledger.TripDailyLoss {
			e.state.Reason = ledger.TripDrawdown
		}
		return false
	}
	e.state.Tripped = true
	e.state.Reason = reason
	e.state.TrippedAt = at
	return true
}

func (e *Engine) verdict(newTrip bool) Verdict {
	return Verdict{
		Tripped:  e.state.Tripped,
		Reason:   e.state.Reason,
		Drawdown: e.state.CurrentDrawdown,
		NewTrip:  newTrip,
	}
}

// Reset clears a drawdown trip and restarts the peak from the last observed
// equity. A daily-loss trip is left to the day rollover. It reports whether
// anything was cleared.
func (e *Engine) Reset() bool {
	if !e.state.Tripped || e.state.Reason != ledger.TripDrawdown {
		return false
	}
	e.state.EquityPeak = e.lastEquity()
	e.state.CurrentDrawdown = 0
	e.state.Tripped = false
	e.state.Reason = ledger.TripNone
	e.state.TrippedAt = time.Time{}
	if e.dailyLimitHit() {
		e.state.Tripped = true
		e.state.Reason = ledger.TripDailyLoss
	}
	return true
}

type Violation struct {
	Code string
	Msg  string
}

// Admission is the answer to a request to open a new trade.
type Admission struct {
	Allowed    bool
	Violations []Violation
}

func (a *Admission) add(code, msg string) {
	a.Violations = append(a.Violations, Violation{Code: code, Msg: msg})
	a.Allowed = false
}

// Reason is the first violation, or empty when allowed.
func (a Admission) Reason() string {
	if a.Allowed || len(a.Violations) == 0 {
		return ""
	}
	return a.Violations[0].Code + ": " + a.Violations[0].Msg
}

// AdmitEntry decides whether another trade may open. It does not change
// engine state.
func (e *Engine) AdmitEntry(openCount, maxOpen int) Admission {
	a := Admission{Allowed: true}
	if e.state.Tripped {
		a.add("BREAKER_TRIPPED", fmt.Sprintf("breaker tripped (%s) at %s", e.state.Reason, e.state.TrippedAt.Format(time.RFC3339)))
	}
	if openCount >= maxOpen {
		a.add("TOO_MANY_OPEN_TRADES", fmt.Sprintf("open trades %d >= max %d", openCount, maxOpen))
	}
	return a
}
