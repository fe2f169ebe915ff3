package signal

import (
	"math"
	"sort"

	"github.com/rustyeddy/tradeloop/indicators"
)

var hold = vote{action: Hold}

// meanReversion buys closes at or under the lower Bollinger band with an
// oversold RSI and sells the mirror image. The suggested target is the
// middle band.
type meanReversion struct {
	cfg  Config
	mean *indicators.SMA
	sd   *indicators.StdDev
	rsi  *indicators.RSI
}

func newMeanReversion(cfg Config) *meanReversion {
	return &meanReversion{
		cfg:  cfg,
		mean: indicators.NewSMA(cfg.BandPeriod),
		sd:   indicators.NewStdDev(cfg.BandPeriod),
		rsi:  indicators.NewRSI(cfg.RSIPeriod),
	}
}

func (m *meanReversion) step(price float64) vote {
	m.mean.Update(price)
	m.sd.Update(price)
	m.rsi.Update(price)
	if !m.mean.Ready() || !m.rsi.Ready() {
		return hold
	}
	mid := m.mean.Value()
	width := m.cfg.BandWidth * m.sd.Value()
	rsi := m.rsi.Value()

	switch {
	case price <= mid-width && rsi < m.cfg.RSIOversold:
		return vote{
			action:   Long,
			strength: math.Min(1, (m.cfg.RSIOversold-rsi)/20),
			target:   mid,
			reason:   "lower band, oversold",
		}
	case price >= mid+width && rsi > m.cfg.RSIOverbought:
		return vote{
			action:   Short,
			strength: math.Min(1, (rsi-m.cfg.RSIOverbought)/20),
			target:   mid,
			reason:   "upper band, overbought",
		}
	}
	return hold
}

// breakout trades a close outside the channel of the previous lookback
// prices. The suggested stop is the channel middle.
type breakout struct {
	channel *indicators.Channel
	atr     *indicators.ATR
}

func newBreakout(cfg Config) *breakout {
	return &breakout{
		channel: indicators.NewChannel(cfg.Lookback),
		atr:     indicators.NewATR(cfg.ATRPeriod),
	}
}

func (b *breakout) step(price float64) vote {
	b.atr.Update(price)
	defer b.channel.Update(price)
	if !b.channel.Ready() {
		return hold
	}
	lo, hi := b.channel.Bounds()
	mid := (lo + hi) / 2

	strength := func(excess float64) float64 {
		if a := b.atr.Value(); a > 0 {
			return math.Min(1, 0.5+0.5*excess/a)
		}
		return 0.5
	}
	switch {
	case price > hi:
		return vote{action: Long, strength: strength(price - hi), stop: mid, reason: "channel breakout"}
	case price < lo:
		return vote{action: Short, strength: strength(lo - price), stop: mid, reason: "channel breakdown"}
	}
	return hold
}

// trendFollowing enters on a fast/slow EMA cross in the direction of the
// trend EMA, confirmed by the MACD line against its signal line.
type trendFollowing struct {
	fast, slow, trend *indicators.EMA
	macdSignal        *indicators.EMA
	atr               *indicators.ATR

	lastDiff     float64
	haveLastDiff bool
}

func newTrendFollowing(cfg Config) *trendFollowing {
	return &trendFollowing{
		fast:       indicators.NewEMA(cfg.FastPeriod),
		slow:       indicators.NewEMA(cfg.SlowPeriod),
		trend:      indicators.NewEMA(cfg.TrendPeriod),
		macdSignal: indicators.NewEMA(cfg.SignalPeriod),
		atr:        indicators.NewATR(cfg.ATRPeriod),
	}
}

func (t *trendFollowing) step(price float64) vote {
	t.fast.Update(price)
	t.slow.Update(price)
	t.trend.Update(price)
	t.atr.Update(price)
	if !t.fast.Ready() || !t.slow.Ready() {
		return hold
	}

	diff := t.fast.Value() - t.slow.Value()
	t.macdSignal.Update(diff)
	if !t.haveLastDiff {
		t.lastDiff = diff
		t.haveLastDiff = true
		return hold
	}
	bullCross := diff > 0 && t.lastDiff <= 0
	bearCross := diff < 0 && t.lastDiff >= 0
	t.lastDiff = diff
	if !t.trend.Ready() || !t.macdSignal.Ready() {
		return hold
	}

	strength := 0.5
	if a := t.atr.Value(); a > 0 {
		strength = math.Min(1, 0.5+math.Abs(diff)/(2*a))
	}
	trend, sig := t.trend.Value(), t.macdSignal.Value()
	switch {
	case bullCross && price > trend && diff > sig:
		return vote{action: Long, strength: strength, reason: "bull cross"}
	case bearCross && price < trend && diff < sig:
		return vote{action: Short, strength: strength, reason: "bear cross"}
	}
	return hold
}

// ensemble is a weighted vote of the other kinds. A side wins when its
// weighted strength beats the other side and the threshold.
type ensemble struct {
	threshold float64
	members   []member
}

type member struct {
	kind   Kind
	weight float64
	det    detector
}

func newEnsemble(cfg Config) *ensemble {
	total := 0.0
	for _, w := range cfg.Weights {
		total += w
	}
	e := &ensemble{threshold: cfg.Threshold}
	for k, w := range cfg.Weights {
		if w == 0 {
			continue
		}
		var d detector
		switch k {
		case MeanReversion:
			d = newMeanReversion(cfg)
		case Breakout:
			d = newBreakout(cfg)
		case TrendFollowing:
			d = newTrendFollowing(cfg)
		default:
			continue
		}
		e.members = append(e.members, member{kind: k, weight: w / total, det: d})
	}
	sort.Slice(e.members, func(i, j int) bool { return e.members[i].kind < e.members[j].kind })
	return e
}

func (e *ensemble) step(price float64) vote {
	var buy, sell float64
	var best vote
	for _, m := range e.members {
		v := m.det.step(price)
		score := v.strength * m.weight
		switch v.action {
		case Long:
			buy += score
		case Short:
			sell += score
		default:
			continue
		}
		if v.strength > best.strength {
			best = v
		}
	}
	side, score := Hold, 0.0
	switch {
	case buy > sell && buy > e.threshold:
		side, score = Long, buy
	case sell > buy && sell > e.threshold:
		side, score = Short, sell
	default:
		return hold
	}
	hint := pick(best, side)
	return vote{action: side, strength: score, stop: hint.stop, target: hint.target, reason: "ensemble"}
}

// pick returns v when it agrees with the winning side.
func pick(v vote, side Action) vote {
	if v.action == side {
		return v
	}
	return vote{}
}
