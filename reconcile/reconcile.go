// Package reconcile resynchronizes the ledger with the exchange. The
// exchange is authoritative for order state and balances; local fills are
// only ever added from exchange records.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/rustyeddy/tradeloop/broker"
	"github.com/rustyeddy/tradeloop/desk"
	"github.com/rustyeddy/tradeloop/fsm"
	"github.com/rustyeddy/tradeloop/internal/id"
	"github.com/rustyeddy/tradeloop/internal/logger"
	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/rustyeddy/tradeloop/notify"
	"github.com/rustyeddy/tradeloop/risk"
)

const qtyTolerance = 1e-9

type Config struct {
	// UnknownOrderGrace is how long a submission the exchange has never seen
	// is kept before it is cancelled locally.
	UnknownOrderGrace time.Duration
}

// Report summarizes one reconciliation pass.
type Report struct {
	Started  time.Time
	Duration time.Duration

	OrdersChecked   int
	OrdersCorrected int
	UnknownPending  int
	FillsAppended   int
	TradesSettled   int
	TradesClosed    int
	TradesErrored   int
	ForeignOrders   []string // exchange ids

	SkippedSymbols []string
	Equity         float64
	BalanceWritten bool
	Breaker        risk.Verdict
}

// Changed reports whether the pass altered the ledger, ignoring the
// balance snapshot.
func (r Report) Changed() bool {
	return r.OrdersCorrected+r.FillsAppended+r.TradesSettled+r.TradesErrored > 0
}

func (r Report) String() string {
	return fmt.Sprintf("orders=%d corrected=%d unknown=%d fills=%d settled=%d closed=%d errored=%d foreign=%d skipped=%d equity=%.2f",
		r.OrdersChecked, r.OrdersCorrected, r.UnknownPending, r.FillsAppended, r.TradesSettled,
		r.TradesClosed, r.TradesErrored, len(r.ForeignOrders), len(r.SkippedSymbols), r.Equity)
}

type Reconciler struct {
	desk     *desk.Desk
	ex       broker.Exchange
	notifier notify.Notifier
	cfg      Config
}

func New(d *desk.Desk, ex broker.Exchange, n notify.Notifier, cfg Config) *Reconciler {
	if n == nil {
		n = notify.Nop{}
	}
	return &Reconciler{desk: d, ex: ex, notifier: n, cfg: cfg}
}

type realized struct {
	pnl float64
	at  time.Time
}

// Run performs one pass. It holds every symbol section for the duration, so
// no orchestrator worker runs concurrently with it.
func (r *Reconciler) Run(ctx context.Context) (rep Report, err error) {
	now := r.desk.Now()
	rep.Started = now
	start := time.Now()
	defer func() { rep.Duration = time.Since(start) }()

	symbols := r.symbols()
	unlock := r.desk.LockSymbols(symbols...)
	defer unlock()

	acct, err := r.ex.GetAccount(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile account: %w", err)
	}
	rep.Equity = acct.Equity

	var closed []realized
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		pnl, err := r.symbol(ctx, sym, acct, now, &rep)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return rep, err
			}
			logger.Warnf("reconcile %s skipped: %v", sym, err)
			rep.SkippedSymbols = append(rep.SkippedSymbols, sym)
			continue
		}
		closed = append(closed, pnl...)
	}

	if err := r.account(ctx, acct, closed, now, &rep); err != nil {
		return rep, err
	}
	if len(rep.ForeignOrders) > 0 {
		r.notify(ctx, notify.Event{
			Kind:    notify.KindForeignOrder,
			Level:   notify.LevelWarn,
			Title:   "Foreign orders on exchange",
			Message: fmt.Sprintf("%d open order(s) not placed by this ledger", len(rep.ForeignOrders)),
			Time:    now,
		})
	}
	return rep, nil
}

// symbols is every tracked symbol plus any symbol the ledger still has
// live business on.
func (r *Reconciler) symbols() []string {
	set := map[string]struct{}{}
	for _, s := range r.desk.Symbols() {
		set[s] = struct{}{}
	}
	for _, t := range r.desk.Ledger.Trades(func(t ledger.Trade) bool { return t.State.Occupies() }) {
		set[t.Symbol] = struct{}{}
	}
	for _, o := range r.desk.Ledger.Orders(func(o ledger.Order) bool { return !o.Status.Terminal() }) {
		set[o.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *Reconciler) symbol(ctx context.Context, sym string, acct broker.Account, now time.Time, rep *Report) ([]realized, error) {
	l := r.desk.Ledger

	open, err := r.ex.GetOpenOrders(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	byClient := make(map[string]broker.OrderView, len(open))
	byExchange := make(map[string]broker.OrderView, len(open))
	for _, v := range open {
		if v.ClientID != "" {
			byClient[v.ClientID] = v
		}
		byExchange[v.ExchangeID] = v
	}

	// Local orders the exchange may have moved on.
	badTrades := map[string]error{}
	for _, o := range l.Orders(func(o ledger.Order) bool { return o.Symbol == sym && !o.Status.Terminal() }) {
		rep.OrdersChecked++
		view, found := byClient[o.ClientID]
		if !found && o.ExchangeID != "" {
			view, found = byExchange[o.ExchangeID]
		}
		if !found {
			view, err = r.ex.GetOrder(ctx, sym, o.ClientID)
			switch {
			case errors.Is(err, broker.ErrOrderNotFound):
				if err := r.notOnExchange(ctx, o, now, rep); err != nil {
					return nil, err
				}
				continue
			case err != nil:
				logger.Warnf("reconcile order %s lookup failed: %v", o.ID, err)
				continue
			}
		}
		if err := r.applyView(ctx, o, view, now, rep); err != nil {
			if errors.Is(err, fsm.ErrFillOverflow) {
				badTrades[o.TradeID] = err
				continue
			}
			return nil, err
		}
	}

	// Open exchange orders this ledger did not place.
	for _, v := range open {
		if _, ok := l.OrderByClientID(v.ClientID); ok && v.ClientID != "" {
			continue
		}
		if r.knownExchangeID(sym, v.ExchangeID) {
			continue
		}
		logger.Warnf("reconcile %s: foreign order %s (%s %s %v) left alone", sym, v.ExchangeID, v.Side, v.Type, v.Quantity)
		rep.ForeignOrders = append(rep.ForeignOrders, v.ExchangeID)
	}

	tr, ok := l.Current(sym)
	if !ok {
		return nil, nil
	}
	return r.settle(ctx, tr, acct, badTrades[tr.ID], now, rep)
}

func (r *Reconciler) knownExchangeID(sym, exchangeID string) bool {
	return len(r.desk.Ledger.Orders(func(o ledger.Order) bool {
		return o.Symbol == sym && o.ExchangeID == exchangeID
	})) > 0
}

// notOnExchange handles a local order the exchange has no record of. A
// submission is given UnknownOrderGrace to appear before it is cancelled.
func (r *Reconciler) notOnExchange(ctx context.Context, o ledger.Order, now time.Time, rep *Report) error {
	since := o.UpdatedAt
	if since.IsZero() {
		since = o.CreatedAt
	}
	if now.Sub(since) < r.cfg.UnknownOrderGrace {
		rep.UnknownPending++
		return nil
	}
	o.Status = ledger.OrderCancelled
	o.Unknown = false
	o.Reason = "not found on exchange"
	o.UpdatedAt = now
	if err := r.desk.Ledger.SaveOrder(ctx, o); err != nil {
		return err
	}
	logger.Infof("reconcile order %s (%s) never reached the exchange, cancelled", o.ID, o.Symbol)
	rep.OrdersCorrected++
	return nil
}

// applyView brings one local order in line with the exchange view.
func (r *Reconciler) applyView(ctx context.Context, o ledger.Order, v broker.OrderView, now time.Time, rep *Report) error {
	l := r.desk.Ledger

	for _, ef := range v.Fills {
		if l.HasFill(o.ID, ef.ID) {
			continue
		}
		if err := r.addFill(ctx, o, ef, now, rep); err != nil {
			return err
		}
	}

	// The exchange may report executed quantity without itemized fills.
	recorded := l.FilledQty(o.ID)
	switch {
	case v.ExecutedQty > recorded+qtyTolerance:
		delta := v.ExecutedQty - recorded
		ef := broker.ExchangeFill{
			ID:       v.ExchangeID + "#" + strconv.FormatFloat(v.ExecutedQty, 'f', -1, 64),
			Quantity: delta,
			Price:    deltaPrice(l.Fills(o.ID), v, delta),
			Time:     v.UpdatedAt,
		}
		if !l.HasFill(o.ID, ef.ID) {
			if err := r.addFill(ctx, o, ef, now, rep); err != nil {
				return err
			}
		}
	case recorded > v.ExecutedQty+qtyTolerance && v.ExecutedQty > 0:
		return fmt.Errorf("%w: order %s recorded %v, exchange executed %v", fsm.ErrFillOverflow, o.ID, recorded, v.ExecutedQty)
	}

	if o.Status == v.Status && !o.Unknown && o.ExchangeID == v.ExchangeID {
		return nil
	}
	logger.Infof("reconcile order %s %s: %s -> %s", o.ID, o.Symbol, o.Status, v.Status)
	o.Status = v.Status
	o.ExchangeID = v.ExchangeID
	o.Unknown = false
	o.UpdatedAt = now
	if err := l.SaveOrder(ctx, o); err != nil {
		return err
	}
	rep.OrdersCorrected++
	return nil
}

func (r *Reconciler) addFill(ctx context.Context, o ledger.Order, ef broker.ExchangeFill, now time.Time, rep *Report) error {
	l := r.desk.Ledger
	if err := fsm.CheckFill(o, l.Fills(o.ID), ef.Quantity); err != nil {
		return err
	}
	at := ef.Time
	if at.IsZero() {
		at = now
	}
	added, err := l.AddFill(ctx, ledger.Fill{
		ID:             id.NewAt(at),
		ExchangeFillID: ef.ID,
		OrderID:        o.ID,
		TradeID:        o.TradeID,
		Symbol:         o.Symbol,
		Quantity:       ef.Quantity,
		Price:          ef.Price,
		Fee:            ef.Fee,
		FeeBase:        ef.FeeBase,
		Time:           at,
	})
	if err != nil {
		return err
	}
	if added {
		rep.FillsAppended++
	}
	return nil
}

// deltaPrice prices the part of an order the exchange reports executed but
// not itemized, from the exchange's average price.
func deltaPrice(recorded []ledger.Fill, v broker.OrderView, delta float64) float64 {
	if v.AvgPrice <= 0 {
		return v.Price
	}
	var notional float64
	for _, f := range recorded {
		notional += f.Quantity * f.Price
	}
	px := (v.AvgPrice*v.ExecutedQty - notional) / delta
	if px <= 0 || math.IsNaN(px) || math.IsInf(px, 0) {
		return v.AvgPrice
	}
	return px
}

// settle recomputes the symbol's current trade from its orders and fills,
// and flags trades the exchange no longer backs.
func (r *Reconciler) settle(ctx context.Context, tr ledger.Trade, acct broker.Account, fillErr error, now time.Time, rep *Report) ([]realized, error) {
	l := r.desk.Ledger
	if tr.State == ledger.StateError {
		return nil, nil
	}

	next, pos, err := fsm.Settle(tr, l.OrdersForTrade(tr.ID), l.FillsForTrade(tr.ID), r.desk.Filters(tr.Symbol).StepSize, now)
	if err == nil && fillErr != nil {
		err = fillErr
	}
	if err == nil && (next.State == ledger.StateOpen || next.State == ledger.StateExitPending) &&
		!pos.EntryLive && !pos.ExitLive && !pos.StopLive && flatOnExchange(acct, tr) {
		err = fmt.Errorf("exchange shows no %s position and no live order, %v still open locally", tr.Symbol, pos.Open())
	}
	if err != nil {
		return nil, r.markError(ctx, tr, err, now, rep)
	}

	if sameTrade(tr, next) {
		return nil, nil
	}
	if err := l.SaveTrade(ctx, next); err != nil {
		return nil, err
	}
	rep.TradesSettled++
	logger.Infof("reconcile trade %s %s: %s -> %s", tr.ID, tr.Symbol, tr.State, next.State)

	if next.State == ledger.StateClosed && tr.State != ledger.StateClosed {
		rep.TradesClosed++
		r.cancelLeftovers(ctx, next, now)
		r.notify(ctx, notify.Event{
			Kind:    notify.KindTradeClosed,
			Level:   notify.LevelInfo,
			Symbol:  next.Symbol,
			TradeID: next.ID,
			Title:   "Trade closed",
			Message: string(next.ExitReason),
			Fields:  map[string]string{"pnl": strconv.FormatFloat(next.RealizedPnL, 'f', 2, 64)},
			Time:    now,
		})
		return []realized{{pnl: next.RealizedPnL, at: next.ExitTime}}, nil
	}
	return nil, nil
}

// cancelLeftovers cancels orders of a closed trade that the exchange still
// works, typically a protective stop that outlived its position.
func (r *Reconciler) cancelLeftovers(ctx context.Context, tr ledger.Trade, now time.Time) {
	for _, o := range r.desk.Ledger.OrdersForTrade(tr.ID) {
		if o.Status.Terminal() || o.ExchangeID == "" {
			continue
		}
		if err := r.ex.CancelOrder(ctx, o.Symbol, o.ExchangeID); err != nil {
			logger.Warnf("reconcile cancel leftover order %s: %v", o.ID, err)
			continue
		}
		o.Status = ledger.OrderCancelled
		o.Reason = "trade closed"
		o.UpdatedAt = now
		if err := r.desk.Ledger.SaveOrder(ctx, o); err != nil {
			logger.Warnf("reconcile save leftover order %s: %v", o.ID, err)
		}
	}
}

func flatOnExchange(acct broker.Account, tr ledger.Trade) bool {
	held := acct.Position(tr.Symbol)
	if tr.Side == ledger.Short {
		return held > -qtyTolerance
	}
	return held < qtyTolerance
}

func (r *Reconciler) markError(ctx context.Context, tr ledger.Trade, cause error, now time.Time, rep *Report) error {
	if err := fsm.MarkError(&tr, cause.Error(), now); err != nil {
		return err
	}
	if err := r.desk.Ledger.SaveTrade(ctx, tr); err != nil {
		return err
	}
	rep.TradesErrored++
	logger.Errorf("reconcile trade %s %s -> ERROR: %v", tr.ID, tr.Symbol, cause)
	r.notify(ctx, notify.Event{
		Kind:    notify.KindTradeError,
		Level:   notify.LevelError,
		Symbol:  tr.Symbol,
		TradeID: tr.ID,
		Title:   "Trade needs attention",
		Message: cause.Error(),
		Time:    now,
	})
	return nil
}

// account records the balance snapshot and feeds the breaker under the
// global section.
func (r *Reconciler) account(ctx context.Context, acct broker.Account, closed []realized, now time.Time, rep *Report) error {
	unlock := r.desk.LockGlobal()
	defer unlock()

	day, rolled, err := r.desk.RollDay(ctx, now, acct.Equity)
	if err != nil {
		return err
	}
	if rolled {
		r.notify(ctx, notify.DailySummary(day, now))
	}

	eng := r.desk.Risk
	newTrip := false
	for _, c := range closed {
		newTrip = eng.RecordRealized(c.pnl, c.at).NewTrip || newTrip
	}
	v := eng.EvaluateBreaker(risk.EquityPoint{Time: now, Equity: acct.Equity})
	v.NewTrip = v.NewTrip || newTrip
	rep.Breaker = v
	st := eng.State()

	written, err := r.desk.Ledger.SaveBalance(ctx, ledger.BalanceSnapshot{
		Time:     now,
		Equity:   acct.Equity,
		Peak:     st.EquityPeak,
		Drawdown: st.CurrentDrawdown,
		Assets:   acct.Assets,
	})
	if err != nil {
		return err
	}
	rep.BalanceWritten = written
	if err := r.desk.PersistBreaker(ctx); err != nil {
		return err
	}

	if v.NewTrip {
		logger.Errorf("breaker tripped: %s drawdown=%.2f%%", v.Reason, 100*v.Drawdown)
		r.notify(ctx, notify.Event{
			Kind:    notify.KindBreaker,
			Level:   notify.LevelError,
			Title:   "Circuit breaker tripped",
			Message: string(v.Reason),
			Fields:  map[string]string{"drawdown": strconv.FormatFloat(100*v.Drawdown, 'f', 2, 64) + "%"},
			Time:    now,
		})
	}
	return nil
}

func (r *Reconciler) notify(ctx context.Context, e notify.Event) {
	if err := r.notifier.Notify(ctx, e); err != nil {
		logger.Warnf("notify %s: %v", e.Kind, err)
	}
}

func sameTrade(a, b ledger.Trade) bool {
	a.UpdatedAt = b.UpdatedAt
	return a == b
}
