// Package market holds price ticks: the latest-price store and the CSV tick
// feed used for replay.
package market

import (
	"errors"
	"sync"
	"time"
)

var ErrNoPrice = errors.New("market: price not found")

type Tick struct {
	Symbol string
	Time   time.Time
	Bid    float64
	Ask    float64
}

// Mid is the midpoint, or whichever side is set when the other is zero.
func (t Tick) Mid() float64 {
	switch {
	case t.Bid == 0:
		return t.Ask
	case t.Ask == 0:
		return t.Bid
	}
	return (t.Bid + t.Ask) / 2
}

func (t Tick) Spread() float64 { return t.Ask - t.Bid }

// TickStore keeps the latest tick per symbol.
type TickStore struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

func NewTickStore() *TickStore {
	return &TickStore{ticks: make(map[string]Tick)}
}

func (ps *TickStore) Set(p Tick) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.ticks[p.Symbol] = p
}

func (ps *TickStore) Get(symbol string) (Tick, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.ticks[symbol]
	if !ok {
		return Tick{}, ErrNoPrice
	}
	return p, nil
}
