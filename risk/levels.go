package risk

import (
	"fmt"

	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/shopspring/decimal"
)

type LevelMode string

const (
	LevelsPercent LevelMode = "percent"
	LevelsATR     LevelMode = "atr"
)

// LevelConfig controls where protective levels go.
type LevelConfig struct {
	Mode          LevelMode
	StopPct       float64 // percent mode: 0.025 = 2.5% from entry
	TakeProfitPct float64
	ATR           float64 // atr mode: current average true range
	ATRMultiplier float64
	RewardRisk    float64 // if set, take profit = stop distance * RewardRisk
}

// Levels are the protective prices for a position.
type Levels struct {
	Stop       float64
	TakeProfit float64
}

// ProtectiveLevels computes stop and take profit for a position entered at
// entry. ATR mode falls back to percent when no ATR is available.
func ProtectiveLevels(entry float64, side ledger.Side, cfg LevelConfig) (Levels, error) {
	if entry <= 0 {
		return Levels{}, fmt.Errorf("%w: entry %v", ErrInvalidInput, entry)
	}
	px := decimal.NewFromFloat(entry)

	var dist decimal.Decimal
	if cfg.Mode == LevelsATR && cfg.ATR > 0 && cfg.ATRMultiplier > 0 {
		dist = decimal.NewFromFloat(cfg.ATR).Mul(decimal.NewFromFloat(cfg.ATRMultiplier))
	} else {
		if cfg.StopPct <= 0 {
			return Levels{}, fmt.Errorf("%w: stop_pct %v", ErrInvalidInput, cfg.StopPct)
		}
		dist = px.Mul(decimal.NewFromFloat(cfg.StopPct))
	}

	var tpDist decimal.Decimal
	switch {
	case cfg.RewardRisk > 0:
		tpDist = dist.Mul(decimal.NewFromFloat(cfg.RewardRisk))
	case cfg.TakeProfitPct > 0:
		tpDist = px.Mul(decimal.NewFromFloat(cfg.TakeProfitPct))
	default:
		return Levels{}, fmt.Errorf("%w: no take profit distance", ErrInvalidInput)
	}

	sign := decimal.NewFromFloat(side.Sign())
	lv := Levels{
		Stop:       px.Sub(dist.Mul(sign)).InexactFloat64(),
		TakeProfit: px.Add(tpDist.Mul(sign)).InexactFloat64(),
	}
	if err := CheckLevels(entry, side, lv); err != nil {
		return Levels{}, &InvariantError{Op: "protective_levels", Err: err}
	}
	return lv, nil
}

// CheckLevels verifies the stop is on the losing side of entry and the
// take profit on the winning side, with both prices positive.
func CheckLevels(entry float64, side ledger.Side, lv Levels) error {
	ok := false
	switch side {
	case ledger.Long:
		ok = lv.Stop > 0 && lv.Stop < entry && lv.TakeProfit > entry
	case ledger.Short:
		ok = lv.TakeProfit > 0 && lv.TakeProfit < entry && lv.Stop > entry
	}
	if !ok {
		return fmt.Errorf("%w: %s entry=%v stop=%v tp=%v", ErrWrongSide, side, entry, lv.Stop, lv.TakeProfit)
	}
	return nil
}

// TrailStop ratchets a stop toward price. It never loosens: the long stop
// only rises and the short stop only falls. A zero oldStop means no stop yet.
func TrailStop(side ledger.Side, oldStop, price, trailPct float64) float64 {
	if trailPct <= 0 || price <= 0 {
		return oldStop
	}
	switch side {
	case ledger.Long:
		next := price * (1 - trailPct)
		if next > oldStop {
			return next
		}
	case ledger.Short:
		next := price * (1 + trailPct)
		if oldStop <= 0 || next < oldStop {
			return next
		}
	}
	return oldStop
}

// Breached reports which protective level, if any, price has crossed.
func Breached(side ledger.Side, price, stop, takeProfit float64) ledger.ExitReason {
	switch side {
	case ledger.Long:
		if stop > 0 && price <= stop {
			return ledger.ExitStopLoss
		}
		if takeProfit > 0 && price >= takeProfit {
			return ledger.ExitTakeProfit
		}
	case ledger.Short:
		if stop > 0 && price >= stop {
			return ledger.ExitStopLoss
		}
		if takeProfit > 0 && price <= takeProfit {
			return ledger.ExitTakeProfit
		}
	}
	return ledger.ExitNone
}

// Metrics describes the risk and reward of a candidate position.
type Metrics struct {
	PotentialLoss   float64
	PotentialProfit float64
	RewardRisk      float64
}

// RiskMetrics computes potential loss and profit for qty at the given levels.
func RiskMetrics(entry, stop, target, qty float64, side ledger.Side) Metrics {
	s := side.Sign()
	m := Metrics{
		PotentialLoss:   (entry - stop) * s * qty,
		PotentialProfit: (target - entry) * s * qty,
	}
	if m.PotentialLoss > 0 {
		m.RewardRisk = m.PotentialProfit / m.PotentialLoss
	}
	return m
}

// CheckRewardRisk rejects metrics below the policy's minimum reward:risk.
func (p Policy) CheckRewardRisk(m Metrics) error {
	if p.MinRewardRisk <= 0 {
		return nil
	}
	if m.RewardRisk < p.MinRewardRisk {
		return fmt.Errorf("%w: %.2f < %.2f", ErrRewardRisk, m.RewardRisk, p.MinRewardRisk)
	}
	return nil
}
