package indicators

import (
	"fmt"
	"math"
)

// ATR is a streaming average true range with Wilder smoothing. On a single
// price series the true range of a step is the absolute close-to-close move.
type ATR struct {
	period    int
	atr       float64
	count     int
	warmupSum float64
	prev      float64
	havePrev  bool
}

func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string { return fmt.Sprintf("ATR(%d)", a.period) }

// Warmup is period+1 because the first price only seeds the previous close.
func (a *ATR) Warmup() int { return a.period + 1 }

func (a *ATR) Reset() {
	a.atr = 0
	a.count = 0
	a.warmupSum = 0
	a.havePrev = false
}

func (a *ATR) Update(price float64) {
	if !a.havePrev {
		a.prev = price
		a.havePrev = true
		return
	}
	tr := math.Abs(price - a.prev)
	a.prev = price

	if a.count < a.period {
		a.warmupSum += tr
		a.count++
		if a.count == a.period {
			a.atr = a.warmupSum / float64(a.period)
		}
		return
	}
	a.atr = (a.atr*float64(a.period-1) + tr) / float64(a.period)
}

func (a *ATR) Ready() bool { return a.count >= a.period }

func (a *ATR) Value() float64 {
	if !a.Ready() {
		return 0
	}
	return a.atr
}
