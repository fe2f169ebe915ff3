// Package sim is a paper exchange: market orders fill at the last price,
// limit and stop orders rest until a price update crosses them. It supports
// fault injection so callers can exercise timeouts and rejections.
package sim

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rustyeddy/tradeloop/broker"
	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/rustyeddy/tradeloop/market"
)

type Op string

const (
	OpPrice      Op = "price"
	OpAccount    Op = "account"
	OpOpenOrders Op = "open_orders"
	OpGetOrder   Op = "get_order"
	OpPlace      Op = "place"
	OpCancel     Op = "cancel"
)

// Fault is returned by the next call of its Op. With Apply set the call
// still takes effect on the exchange before the error is returned, which is
// how a timed-out write that actually landed looks to the client.
type Fault struct {
	Err   error
	Apply bool
}

type order struct {
	view broker.OrderView
	seq  int
}

type Exchange struct {
	mu        sync.Mutex
	quote     string
	cash      float64
	positions map[string]float64
	ticks     *market.TickStore
	orders    map[string]*order // by exchange id
	byClient  map[string]string
	nextID    int
	nextFill  int
	feeRate   float64
	feeInBase bool
	faults    map[Op][]Fault
	now       func() time.Time
}

var _ broker.Exchange = (*Exchange)(nil)

type Option func(*Exchange)

// WithFeeRate charges rate of notional per fill, in the quote currency.
func WithFeeRate(rate float64) Option { return func(e *Exchange) { e.feeRate = rate } }

// WithBaseFees takes the commission on buys from the bought asset, as
// Binance spot does without BNB fee payment. Sells still pay in quote.
func WithBaseFees() Option { return func(e *Exchange) { e.feeInBase = true } }

// WithClock sets the time stamped on fills and order updates.
func WithClock(now func() time.Time) Option { return func(e *Exchange) { e.now = now } }

// New opens a paper account holding cash in the quote asset.
func New(quote string, cash float64, opts ...Option) *Exchange {
	e := &Exchange{
		quote:     quote,
		cash:      cash,
		positions: make(map[string]float64),
		ticks:     market.NewTickStore(),
		orders:    make(map[string]*order),
		byClient:  make(map[string]string),
		faults:    make(map[Op][]Fault),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Fail queues a fault for the next call of op.
func (e *Exchange) Fail(op Op, f Fault) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[op] = append(e.faults[op], f)
}

func (e *Exchange) takeFault(op Op) (Fault, bool) {
	q := e.faults[op]
	if len(q) == 0 {
		return Fault{}, false
	}
	e.faults[op] = q[1:]
	return q[0], true
}

// SetPrice records a new last price and fills any resting order it crosses.
// It returns the number of orders that filled.
func (e *Exchange) SetPrice(symbol string, price float64, at time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ticks.Set(market.Tick{Symbol: symbol, Time: at, Bid: price, Ask: price})

	var resting []*order
	for _, o := range e.orders {
		if o.view.Symbol == symbol && o.view.Open() {
			resting = append(resting, o)
		}
	}
	sort.Slice(resting, func(i, j int) bool { return resting[i].seq < resting[j].seq })

	n := 0
	for _, o := range resting {
		if triggered(o.view, price) {
			if err := e.executeLocked(o, price); err == nil {
				n++
			}
		}
	}
	return n
}

// SetTick is SetPrice for a replayed tick.
func (e *Exchange) SetTick(t market.Tick) int { return e.SetPrice(t.Symbol, t.Mid(), t.Time) }

func triggered(v broker.OrderView, price float64) bool {
	switch v.Type {
	case ledger.Stop:
		if v.Side == ledger.Sell {
			return price <= v.StopPrice
		}
		return price >= v.StopPrice
	case ledger.Limit:
		if v.Side == ledger.Buy {
			return price <= v.Price
		}
		return price >= v.Price
	}
	return false
}

// SetPosition seeds a holding without a trade, for tests and for starting a
// paper account from existing balances.
func (e *Exchange) SetPosition(symbol string, qty float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[symbol] = qty
}

func (e *Exchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.takeFault(OpPrice); ok {
		return 0, f.Err
	}
	p, err := e.ticks.Get(symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", broker.ErrNoPrice, symbol)
	}
	return p.Mid(), nil
}

func (e *Exchange) GetAccount(ctx context.Context) (broker.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.takeFault(OpAccount); ok {
		return broker.Account{}, f.Err
	}
	return e.accountLocked(), nil
}

func (e *Exchange) accountLocked() broker.Account {
	acct := broker.Account{
		Equity:    e.cash,
		Assets:    map[string]ledger.AssetBalance{e.quote: {Free: e.cash}},
		Positions: make(map[string]float64, len(e.positions)),
	}
	for sym, qty := range e.positions {
		if qty == 0 {
			continue
		}
		acct.Positions[sym] = qty
		acct.Assets[strings.TrimSuffix(sym, e.quote)] = ledger.AssetBalance{Free: qty}
		if p, err := e.ticks.Get(sym); err == nil {
			acct.Equity += qty * p.Mid()
		}
	}
	return acct
}

// Equity is the account value at the last prices.
func (e *Exchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accountLocked().Equity
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]broker.OrderView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.takeFault(OpOpenOrders); ok {
		return nil, f.Err
	}
	var open []*order
	for _, o := range e.orders {
		if o.view.Symbol == symbol && o.view.Open() {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].seq < open[j].seq })
	out := make([]broker.OrderView, 0, len(open))
	for _, o := range open {
		out = append(out, copyView(o.view))
	}
	return out, nil
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, clientID string) (broker.OrderView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.takeFault(OpGetOrder); ok {
		return broker.OrderView{}, f.Err
	}
	id, ok := e.byClient[clientID]
	if !ok || e.orders[id].view.Symbol != symbol {
		return broker.OrderView{}, fmt.Errorf("%w: client id %s", broker.ErrOrderNotFound, clientID)
	}
	return copyView(e.orders[id].view), nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, faulted := e.takeFault(OpPlace)
	if faulted && !f.Apply {
		return broker.OrderAck{}, f.Err
	}

	ack, err := e.placeLocked(req)
	if faulted {
		return broker.OrderAck{}, f.Err
	}
	return ack, err
}

func (e *Exchange) placeLocked(req broker.OrderRequest) (broker.OrderAck, error) {
	if req.Quantity <= 0 {
		return broker.OrderAck{}, broker.Rejected("invalid quantity")
	}
	if req.ClientID != "" {
		if _, dup := e.byClient[req.ClientID]; dup {
			return broker.OrderAck{}, broker.Rejected("duplicate client order id")
		}
	}
	switch req.Type {
	case ledger.Limit:
		if req.Price <= 0 {
			return broker.OrderAck{}, broker.Rejected("limit order without price")
		}
	case ledger.Stop:
		if req.StopPrice <= 0 {
			return broker.OrderAck{}, broker.Rejected("stop order without stop price")
		}
	}

	last, err := e.ticks.Get(req.Symbol)
	if err != nil {
		return broker.OrderAck{}, broker.Rejected("unknown symbol " + req.Symbol)
	}
	px := last.Mid()
	if req.Type == ledger.Market && req.Side == ledger.Buy && e.cash < req.Quantity*px*(1+e.feeRate) {
		return broker.OrderAck{}, broker.Rejected("insufficient balance")
	}

	e.nextID++
	o := &order{
		seq: e.nextID,
		view: broker.OrderView{
			ExchangeID: strconv.Itoa(e.nextID),
			ClientID:   req.ClientID,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Type:       req.Type,
			Quantity:   req.Quantity,
			Price:      req.Price,
			StopPrice:  req.StopPrice,
			Status:     ledger.OrderSubmitted,
			UpdatedAt:  e.now(),
		},
	}
	e.orders[o.view.ExchangeID] = o
	if req.ClientID != "" {
		e.byClient[req.ClientID] = o.view.ExchangeID
	}

	if req.Type == ledger.Market || triggered(o.view, px) {
		fillPx := px
		if req.Type == ledger.Limit {
			fillPx = req.Price
		}
		if err := e.executeLocked(o, fillPx); err != nil {
			return broker.OrderAck{}, err
		}
	}

	v := o.view
	return broker.OrderAck{
		ExchangeID:  v.ExchangeID,
		ClientID:    v.ClientID,
		Status:      v.Status,
		ExecutedQty: v.ExecutedQty,
		Fills:       append([]broker.ExchangeFill(nil), v.Fills...),
	}, nil
}

// executeLocked fills the rest of o at price.
func (e *Exchange) executeLocked(o *order, price float64) error {
	qty := o.view.Quantity - o.view.ExecutedQty
	if qty <= 0 {
		return nil
	}
	notional := qty * price
	fee := notional * e.feeRate
	cost := notional + fee
	var feeBase float64
	if e.feeInBase && o.view.Side == ledger.Buy {
		feeBase = qty * e.feeRate
		cost = notional
	}

	switch o.view.Side {
	case ledger.Buy:
		if e.cash < cost {
			o.view.Status = ledger.OrderCancelled
			o.view.UpdatedAt = e.now()
			return broker.Rejected("insufficient balance")
		}
		e.cash -= cost
		e.positions[o.view.Symbol] += qty - feeBase
	case ledger.Sell:
		e.cash += notional - fee
		e.positions[o.view.Symbol] -= qty
	}

	e.nextFill++
	at := e.now()
	o.view.Fills = append(o.view.Fills, broker.ExchangeFill{
		ID:       "T" + strconv.Itoa(e.nextFill),
		Quantity: qty,
		Price:    price,
		Fee:      fee,
		FeeBase:  feeBase,
		Time:     at,
	})
	o.view.ExecutedQty += qty
	o.view.AvgPrice = avgPrice(o.view.Fills)
	o.view.Status = ledger.OrderFilled
	o.view.UpdatedAt = at
	return nil
}

func avgPrice(fills []broker.ExchangeFill) float64 {
	var q, n float64
	for _, f := range fills {
		q += f.Quantity
		n += f.Quantity * f.Price
	}
	if q == 0 {
		return 0
	}
	return n / q
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, faulted := e.takeFault(OpCancel)
	if faulted && !f.Apply {
		return f.Err
	}
	o, ok := e.orders[exchangeID]
	if !ok || o.view.Symbol != symbol || !o.view.Open() {
		if faulted {
			return f.Err
		}
		return fmt.Errorf("%w: %s", broker.ErrOrderNotFound, exchangeID)
	}
	o.view.Status = ledger.OrderCancelled
	o.view.UpdatedAt = e.now()
	if faulted {
		return f.Err
	}
	return nil
}

// PartialFill executes qty of a resting order at price, leaving the rest
// working. Tests use it to produce partially filled orders.
func (e *Exchange) PartialFill(exchangeID string, qty, price float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeID]
	if !ok || !o.view.Open() {
		return fmt.Errorf("%w: %s", broker.ErrOrderNotFound, exchangeID)
	}
	full := o.view.Quantity
	if o.view.ExecutedQty+qty >= full {
		return e.executeLocked(o, price)
	}
	o.view.Quantity = o.view.ExecutedQty + qty
	err := e.executeLocked(o, price)
	o.view.Quantity = full
	if err == nil {
		o.view.Status = ledger.OrderPartiallyFilled
	}
	return err
}

// Order returns the exchange view of an order by exchange id.
func (e *Exchange) Order(exchangeID string) (broker.OrderView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeID]
	if !ok {
		return broker.OrderView{}, false
	}
	return copyView(o.view), true
}

func copyView(v broker.OrderView) broker.OrderView {
	v.Fills = append([]broker.ExchangeFill(nil), v.Fills...)
	return v
}
