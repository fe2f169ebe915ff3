package signal

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rustyeddy/tradeloop/indicators"
	"github.com/rustyeddy/tradeloop/ledger"
)

// vote is a detector's reading of the latest price.
type vote struct {
	action   Action // Hold, Long or Short
	strength float64
	stop     float64
	target   float64
	reason   string
}

// detector consumes one price per call. It never sees positions.
type detector interface {
	step(price float64) vote
}

type series struct {
	mu  sync.Mutex
	det detector
	atr *indicators.ATR
}

// strategy keeps one indicator series per symbol and turns detector votes
// into entry and exit signals.
type strategy struct {
	kind Kind
	cfg  Config
	mk   func() detector

	mu     sync.Mutex
	series map[string]*series
}

func (s *strategy) String() string { return string(s.kind) }

func (s *strategy) seriesFor(symbol string) *series {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.series[symbol]
	if !ok {
		sr = &series{det: s.mk(), atr: indicators.NewATR(s.cfg.ATRPeriod)}
		s.series[symbol] = sr
	}
	return sr
}

// Signal feeds c.Price to the symbol's indicators. When flat it returns the
// entry vote; when holding a position an opposing vote becomes Exit and
// anything else Hold.
func (s *strategy) Signal(ctx context.Context, symbol string, c Context) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	if c.Price <= 0 || math.IsNaN(c.Price) || math.IsInf(c.Price, 0) {
		return Signal{Action: Hold}, fmt.Errorf("%s %s: %w", s.kind, symbol, ErrInvalidPrice)
	}

	sr := s.seriesFor(symbol)
	sr.mu.Lock()
	sr.atr.Update(c.Price)
	v := sr.det.step(c.Price)
	atr := sr.atr.Value()
	sr.mu.Unlock()

	if c.Position != "" {
		if opposes(v.action, c.Position) {
			return Signal{Action: Exit, Confidence: v.strength, ATR: atr, Reason: v.reason}, nil
		}
		return Signal{Action: Hold, ATR: atr}, nil
	}
	if v.action == Hold {
		return Signal{Action: Hold, ATR: atr}, nil
	}
	return Signal{
		Action:          v.action,
		Confidence:      clamp01(v.strength),
		SuggestedStop:   v.stop,
		SuggestedTarget: v.target,
		ATR:             atr,
		Reason:          v.reason,
	}, nil
}

func opposes(a Action, held ledger.Side) bool {
	return (a == Long && held == ledger.Short) || (a == Short && held == ledger.Long)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
