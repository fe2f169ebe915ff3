package indicators

import "fmt"

// RSI is Wilder's relative strength index on a 0..100 scale.
type RSI struct {
	period   int
	prev     float64
	havePrev bool
	count    int
	avgGain  float64
	avgLoss  float64
}

func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string { return fmt.Sprintf("RSI(%d)", r.period) }
func (r *RSI) Warmup() int  { return r.period + 1 }

func (r *RSI) Reset() {
	*r = RSI{period: r.period}
}

func (r *RSI) Update(price float64) {
	if !r.havePrev {
		r.prev = price
		r.havePrev = true
		return
	}
	change := price - r.prev
	r.prev = price
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	p := float64(r.period)
	if r.count < r.period {
		r.avgGain += gain / p
		r.avgLoss += loss / p
		r.count++
		return
	}
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
}

func (r *RSI) Ready() bool { return r.count >= r.period }

func (r *RSI) Value() float64 {
	if !r.Ready() {
		return 0
	}
	if r.avgLoss == 0 {
		if r.avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs)
}
