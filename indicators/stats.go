package indicators

import (
	"fmt"
	"math"
)

// StdDev is the rolling population standard deviation of the last period
// prices.
type StdDev struct {
	period int
	win    window
}

func NewStdDev(period int) *StdDev {
	return &StdDev{period: period, win: newWindow(period)}
}

func (s *StdDev) Name() string { return fmt.Sprintf("STDDEV(%d)", s.period) }
func (s *StdDev) Warmup() int  { return s.period }
func (s *StdDev) Reset()       { s.win.reset() }

func (s *StdDev) Update(price float64) { s.win.push(price) }

func (s *StdDev) Ready() bool { return s.win.len() >= s.period }

func (s *StdDev) Value() float64 {
	if !s.Ready() {
		return 0
	}
	mean := 0.0
	s.win.each(func(v float64) { mean += v })
	mean /= float64(s.period)
	ss := 0.0
	s.win.each(func(v float64) { ss += (v - mean) * (v - mean) })
	return math.Sqrt(ss / float64(s.period))
}

// Channel tracks the highest and lowest of the last period prices
// (a Donchian channel). Value is the channel width.
type Channel struct {
	period int
	win    window
}

func NewChannel(period int) *Channel {
	return &Channel{period: period, win: newWindow(period)}
}

func (c *Channel) Name() string { return fmt.Sprintf("CHANNEL(%d)", c.period) }
func (c *Channel) Warmup() int  { return c.period }
func (c *Channel) Reset()       { c.win.reset() }

func (c *Channel) Update(price float64) { c.win.push(price) }

func (c *Channel) Ready() bool { return c.win.len() >= c.period }

// Bounds returns the lowest and highest price in the window.
func (c *Channel) Bounds() (lo, hi float64) {
	if c.win.len() == 0 {
		return 0, 0
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	c.win.each(func(v float64) {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	})
	return lo, hi
}

func (c *Channel) Value() float64 {
	if !c.Ready() {
		return 0
	}
	lo, hi := c.Bounds()
	return hi - lo
}
