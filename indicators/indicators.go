// Package indicators provides streaming technical indicators over a price
// series. Every indicator consumes one price per Update and is deterministic,
// so the same values come out live, in replay and in backtests.
package indicators

// Indicator computes a single streaming value.
type Indicator interface {
	// Name returns a stable identifier like "EMA(20)".
	Name() string

	// Warmup returns how many updates are needed before Ready can be true.
	Warmup() int

	// Reset clears all internal state.
	Reset()

	// Update consumes the next price.
	Update(price float64)

	// Ready reports whether Value is meaningful.
	Ready() bool

	// Value returns the current value, or 0 before warmup completes.
	Value() float64
}

// window is a fixed-size ring of the most recent prices.
type window struct {
	buf  []float64
	next int
	full bool
}

func newWindow(n int) window {
	if n < 1 {
		n = 1
	}
	return window{buf: make([]float64, n)}
}

func (w *window) push(v float64) (evicted float64, ok bool) {
	if w.full {
		evicted, ok = w.buf[w.next], true
	}
	w.buf[w.next] = v
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
	return evicted, ok
}

func (w *window) len() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

func (w *window) reset() {
	w.next = 0
	w.full = false
}

// each visits the stored values oldest first.
func (w *window) each(fn func(float64)) {
	if w.full {
		for _, v := range w.buf[w.next:] {
			fn(v)
		}
	}
	for _, v := range w.buf[:w.next] {
		fn(v)
	}
}
