package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNotFound       = errors.New("ledger: not found")
	ErrSymbolOccupied = errors.New("ledger: symbol already has an active trade")
)

// Ledger is the in-memory book backed by a Store. Every Save writes through
// to the store first, so memory never runs ahead of durable state.
//
// The internal lock only protects the maps. Ordering of read-modify-write
// sequences on one symbol is the caller's job (see package desk).
type Ledger struct {
	store Store

	mu          sync.RWMutex
	trades      map[string]Trade
	orders      map[string]Order
	byClientID  map[string]string
	fills       map[string][]Fill // by order id
	fillKeys    map[string]struct{}
	lastBalance *BalanceSnapshot
	balances    int
	performance map[string]PerformanceRecord
	breaker     BreakerState
}

func New(store Store) *Ledger {
	return &Ledger{
		store:       store,
		trades:      make(map[string]Trade),
		orders:      make(map[string]Order),
		byClientID:  make(map[string]string),
		fills:       make(map[string][]Fill),
		fillKeys:    make(map[string]struct{}),
		performance: make(map[string]PerformanceRecord),
	}
}

// Open loads the store's snapshot into a new Ledger.
func Open(ctx context.Context, store Store) (*Ledger, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	l := New(store)
	for _, t := range snap.Trades {
		l.trades[t.ID] = t
	}
	for _, o := range snap.Orders {
		l.putOrderLocked(o)
	}
	for _, f := range snap.Fills {
		l.putFillLocked(f)
	}
	for i := range snap.Balances {
		b := snap.Balances[i].clone()
		l.lastBalance = &b
		l.balances++
	}
	for _, p := range snap.Performance {
		l.performance[perfKey(p.Day, p.Account)] = p
	}
	l.breaker = snap.Breaker
	return l, nil
}

func fillKey(f Fill) string {
	if f.ExchangeFillID != "" {
		return f.OrderID + "/" + f.ExchangeFillID
	}
	return f.OrderID + "/" + f.ID
}

func perfKey(day, account string) string { return day + "/" + account }

func (l *Ledger) putOrderLocked(o Order) {
	l.orders[o.ID] = o
	if o.ClientID != "" {
		l.byClientID[o.ClientID] = o.ID
	}
}

func (l *Ledger) putFillLocked(f Fill) {
	l.fills[f.OrderID] = append(l.fills[f.OrderID], f)
	l.fillKeys[fillKey(f)] = struct{}{}
}

// SaveTrade upserts t. A new trade is refused when its symbol is already
// occupied by another trade.
func (l *Ledger) SaveTrade(ctx context.Context, t Trade) error {
	if t.State.Occupies() {
		l.mu.RLock()
		for _, have := range l.trades {
			if have.ID != t.ID && have.Symbol == t.Symbol && have.State.Occupies() {
				l.mu.RUnlock()
				return fmt.Errorf("%w: %s held by %s", ErrSymbolOccupied, t.Symbol, have.ID)
			}
		}
		l.mu.RUnlock()
	}
	if err := l.store.SaveTrade(ctx, t); err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	l.mu.Lock()
	l.trades[t.ID] = t
	l.mu.Unlock()
	return nil
}

func (l *Ledger) SaveOrder(ctx context.Context, o Order) error {
	if err := l.store.SaveOrder(ctx, o); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	l.mu.Lock()
	l.putOrderLocked(o)
	l.mu.Unlock()
	return nil
}

// AddFill records f unless a fill with the same exchange fill id is already
// recorded for its order. It reports whether the fill was new.
func (l *Ledger) AddFill(ctx context.Context, f Fill) (bool, error) {
	l.mu.RLock()
	_, dup := l.fillKeys[fillKey(f)]
	l.mu.RUnlock()
	if dup {
		return false, nil
	}
	if err := l.store.SaveFill(ctx, f); err != nil {
		return false, fmt.Errorf("save fill %s: %w", f.ID, err)
	}
	l.mu.Lock()
	l.putFillLocked(f)
	l.mu.Unlock()
	return true, nil
}

// HasFill reports whether an exchange fill id is already recorded for an order.
func (l *Ledger) HasFill(orderID, exchangeFillID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.fillKeys[orderID+"/"+exchangeFillID]
	return ok
}

// SaveBalance appends b unless it matches the last snapshot's content. It
// reports whether a row was written.
func (l *Ledger) SaveBalance(ctx context.Context, b BalanceSnapshot) (bool, error) {
	l.mu.RLock()
	same := l.lastBalance != nil && l.lastBalance.SameAs(b)
	l.mu.RUnlock()
	if same {
		return false, nil
	}
	if err := l.store.SaveBalance(ctx, b); err != nil {
		return false, fmt.Errorf("save balance: %w", err)
	}
	c := b.clone()
	l.mu.Lock()
	l.lastBalance = &c
	l.balances++
	l.mu.Unlock()
	return true, nil
}

// SavePerformance appends p once per day and account.
func (l *Ledger) SavePerformance(ctx context.Context, p PerformanceRecord) (bool, error) {
	key := perfKey(p.Day, p.Account)
	l.mu.RLock()
	_, ok := l.performance[key]
	l.mu.RUnlock()
	if ok {
		return false, nil
	}
	if err := l.store.SavePerformance(ctx, p); err != nil {
		return false, fmt.Errorf("save performance %s: %w", p.Day, err)
	}
	l.mu.Lock()
	l.performance[key] = p
	l.mu.Unlock()
	return true, nil
}

// SaveBreaker persists b when it differs from the current value.
func (l *Ledger) SaveBreaker(ctx context.Context, b BreakerState) error {
	l.mu.RLock()
	same := l.breaker == b
	l.mu.RUnlock()
	if same {
		return nil
	}
	if err := l.store.SaveBreaker(ctx, b); err != nil {
		return fmt.Errorf("save breaker: %w", err)
	}
	l.mu.Lock()
	l.breaker = b
	l.mu.Unlock()
	return nil
}

func (l *Ledger) Trade(id string) (Trade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.trades[id]
	return t, ok
}

// Current returns the trade occupying symbol, if any.
func (l *Ledger) Current(symbol string) (Trade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, t := range l.trades {
		if t.Symbol == symbol && t.State.Occupies() {
			return t, true
		}
	}
	return Trade{}, false
}

// Trades returns trades matching keep (all when keep is nil), oldest first.
func (l *Ledger) Trades(keep func(Trade) bool) []Trade {
	l.mu.RLock()
	out := make([]Trade, 0, len(l.trades))
	for _, t := range l.trades {
		if keep == nil || keep(t) {
			out = append(out, t)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount is the number of trades in ENTRY_PENDING, OPEN or EXIT_PENDING.
func (l *Ledger) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, t := range l.trades {
		if t.State.Active() {
			n++
		}
	}
	return n
}

func (l *Ledger) Order(id string) (Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[id]
	return o, ok
}

func (l *Ledger) OrderByClientID(clientID string) (Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byClientID[clientID]
	if !ok {
		return Order{}, false
	}
	o, ok := l.orders[id]
	return o, ok
}

// Orders returns orders matching keep, oldest first.
func (l *Ledger) Orders(keep func(Order) bool) []Order {
	l.mu.RLock()
	out := make([]Order, 0)
	for _, o := range l.orders {
		if keep == nil || keep(o) {
			out = append(out, o)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) OrdersForTrade(tradeID string) []Order {
	return l.Orders(func(o Order) bool { return o.TradeID == tradeID })
}

// Fills returns a copy of the fills recorded against an order, in arrival order.
func (l *Ledger) Fills(orderID string) []Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Fill(nil), l.fills[orderID]...)
}

// FillsForTrade groups a trade's fills by order id.
func (l *Ledger) FillsForTrade(tradeID string) map[string][]Fill {
	out := make(map[string][]Fill)
	for _, o := range l.OrdersForTrade(tradeID) {
		if fs := l.Fills(o.ID); len(fs) > 0 {
			out[o.ID] = fs
		}
	}
	return out
}

// FilledQty sums the recorded fills of an order.
func (l *Ledger) FilledQty(orderID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := 0.0
	for _, f := range l.fills[orderID] {
		sum += f.Quantity
	}
	return sum
}

func (l *Ledger) LastBalance() (BalanceSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lastBalance == nil {
		return BalanceSnapshot{}, false
	}
	return l.lastBalance.clone(), true
}

func (l *Ledger) Breaker() BreakerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.breaker
}

func (l *Ledger) Performance() []PerformanceRecord {
	l.mu.RLock()
	out := make([]PerformanceRecord, 0, len(l.performance))
	for _, p := range l.performance {
		out = append(out, p)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}

// Snapshot copies the trading entities in a stable order. Balance history is
// represented by the number of snapshots and the last one.
func (l *Ledger) Snapshot() Snapshot {
	snap := Snapshot{
		Trades:      l.Trades(nil),
		Orders:      l.Orders(nil),
		Performance: l.Performance(),
		Breaker:     l.Breaker(),
	}
	l.mu.RLock()
	ids := make([]string, 0, len(l.fills))
	for id := range l.fills {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Fills = append(snap.Fills, l.fills[id]...)
	}
	if l.lastBalance != nil {
		snap.Balances = []BalanceSnapshot{l.lastBalance.clone()}
	}
	l.mu.RUnlock()
	return snap
}

// BalanceCount is the number of balance snapshots written.
func (l *Ledger) BalanceCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances
}
