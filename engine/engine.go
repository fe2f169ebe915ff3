// Package engine is the trade orchestrator. Each iteration runs one worker
// per tracked symbol: flat symbols ask the signal source for an entry, held
// symbols are checked against their protective levels, trailed and exited.
// Anything the orchestrator cannot observe is left to the reconciler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/tradeloop/broker"
	"github.com/rustyeddy/tradeloop/desk"
	"github.com/rustyeddy/tradeloop/fsm"
	"github.com/rustyeddy/tradeloop/internal/id"
	"github.com/rustyeddy/tradeloop/internal/logger"
	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/rustyeddy/tradeloop/notify"
	"github.com/rustyeddy/tradeloop/reconcile"
	"github.com/rustyeddy/tradeloop/risk"
	"github.com/rustyeddy/tradeloop/signal"
)

var ErrRunning = errors.New("engine: already running")

type Config struct {
	PollInterval      time.Duration
	ReconcileInterval time.Duration

	// SignalCooldown is the minimum time between two entry attempts on one
	// symbol.
	SignalCooldown time.Duration
	MinConfidence  float64

	Levels   risk.LevelConfig
	TrailPct float64

	// ProtectiveOrders keeps a resting stop order on the exchange for every
	// open trade. Without it stops are enforced by the loop alone.
	ProtectiveOrders bool

	// Strategy is recorded on every trade.
	Strategy string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	return c
}

// Status is the operator view of the running loop.
type Status struct {
	Running       bool                `json:"running"`
	Breaker       ledger.BreakerState `json:"breaker"`
	Trades        []ledger.Trade      `json:"trades"`
	LastReconcile reconcile.Report    `json:"last_reconcile"`
}

type Orchestrator struct {
	desk     *desk.Desk
	ex       broker.Exchange
	src      signal.Source
	rec      *reconcile.Reconciler
	notifier notify.Notifier
	cfg      Config

	mu         sync.Mutex
	lastEntry  map[string]time.Time
	lastReport reconcile.Report
	running    bool
	done       chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// New wires the orchestrator. The caller bounds ex with broker.Guard and
// wraps n in notify.Async.
func New(d *desk.Desk, ex broker.Exchange, src signal.Source, rec *reconcile.Reconciler, n notify.Notifier, cfg Config) *Orchestrator {
	if n == nil {
		n = notify.Nop{}
	}
	return &Orchestrator{
		desk:      d,
		ex:        ex,
		src:       src,
		rec:       rec,
		notifier:  n,
		cfg:       cfg.withDefaults(),
		lastEntry: make(map[string]time.Time),
		stop:      make(chan struct{}),
	}
}

// Start reconciles once, then iterates every PollInterval and reconciles
// every ReconcileInterval until ctx is cancelled or Stop is called. A failed
// startup reconcile is returned and nothing is traded.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrRunning
	}
	o.running = true
	done := make(chan struct{})
	o.done = done
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		close(done)
	}()

	if _, err := o.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	logger.Infof("engine started: %d symbols, poll %s, reconcile %s",
		len(o.desk.Symbols()), o.cfg.PollInterval, o.cfg.ReconcileInterval)
	o.notify(ctx, notify.Event{
		Kind:    notify.KindStarted,
		Level:   notify.LevelInfo,
		Title:   "Trading loop started",
		Message: o.desk.Account,
		Time:    o.desk.Now(),
	})

	poll := time.NewTicker(o.cfg.PollInterval)
	recon := time.NewTicker(o.cfg.ReconcileInterval)
	defer poll.Stop()
	defer recon.Stop()

	for {
		select {
		case <-ctx.Done():
			o.stopped()
			return nil
		case <-o.stop:
			o.stopped()
			return nil
		case <-poll.C:
			if o.stopping() {
				o.stopped()
				return nil
			}
			if err := o.Step(ctx); err != nil && ctx.Err() == nil {
				logger.Warnf("engine iteration: %v", err)
			}
		case <-recon.C:
			if _, err := o.Reconcile(ctx); err != nil && ctx.Err() == nil {
				logger.Warnf("engine reconcile: %v", err)
			}
		}
	}
}

// Stop ends Start after the iteration in flight and waits for it to return.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	o.mu.Lock()
	running, done := o.running, o.done
	o.mu.Unlock()
	if running {
		<-done
	}
}

// Run is Start bound to ctx. When ctx is done the loop is stopped as by
// Stop: exchange calls in flight run to completion on a context that is not
// cancelled, and nothing new is submitted.
func (o *Orchestrator) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- o.Start(context.WithoutCancel(ctx)) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		o.Stop()
		return <-errc
	}
}

func (o *Orchestrator) stopping() bool {
	select {
	case <-o.stop:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) stopped() {
	now := o.desk.Now()
	day := o.desk.DayRecord(risk.TradingDay(now), o.desk.Ledger.Breaker().DailyStartEquity, 0)
	logger.Infof("engine stopped: today %d trades, pnl %.2f", day.Trades, day.RealizedPnL)
	o.notify(context.Background(), notify.Event{
		Kind:    notify.KindStopped,
		Level:   notify.LevelInfo,
		Title:   "Trading loop stopped",
		Message: o.desk.Account,
		Fields: map[string]string{
			"trades today": strconv.Itoa(day.Trades),
			"pnl today":    strconv.FormatFloat(day.RealizedPnL, 'f', 2, 64),
		},
		Time: now,
	})
}

// Reconcile runs one reconciliation pass and keeps its report for Status.
func (o *Orchestrator) Reconcile(ctx context.Context) (reconcile.Report, error) {
	rep, err := o.rec.Run(ctx)
	if err != nil {
		return rep, err
	}
	o.mu.Lock()
	o.lastReport = rep
	o.mu.Unlock()
	if rep.Changed() || len(rep.SkippedSymbols) > 0 {
		logger.Infof("reconcile: %s", rep)
	} else {
		logger.Debugf("reconcile: %s", rep)
	}
	return rep, nil
}

// Step runs one iteration over every tracked symbol. Symbol failures are
// logged and the symbol is retried next iteration; only cancellation is
// returned.
func (o *Orchestrator) Step(ctx context.Context) error {
	now := o.desk.Now()
	o.rollDay(ctx, now)

	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range o.desk.Symbols() {
		sym := sym
		g.Go(func() error {
			err := o.symbol(gctx, sym, now)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warnf("engine %s: %v", sym, err)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) rollDay(ctx context.Context, now time.Time) {
	unlock := o.desk.LockGlobal()
	defer unlock()
	rec, rolled, err := o.desk.RollDay(ctx, now, 0)
	if err != nil {
		logger.Errorf("engine day rollover: %v", err)
	}
	if rolled {
		o.notify(ctx, notify.DailySummary(rec, now))
	}
}

func (o *Orchestrator) symbol(ctx context.Context, sym string, now time.Time) error {
	unlock := o.desk.LockSymbol(sym)
	defer unlock()

	tr, held := o.desk.Ledger.Current(sym)
	if held && tr.State == ledger.StateError {
		return nil
	}

	price, err := o.ex.GetPrice(ctx, sym)
	if err != nil {
		return &broker.OpError{Symbol: sym, Op: "price", Err: err}
	}
	sc := signal.Context{Time: now, Price: price}
	if held {
		sc.Position = tr.Side
	}
	sig, err := o.src.Signal(ctx, sym, sc)
	if err != nil {
		return fmt.Errorf("signal: %w", err)
	}

	switch {
	case !held:
		return o.enter(ctx, sym, price, sig, now)
	case tr.State == ledger.StateOpen:
		return o.manage(ctx, tr, price, sig, now)
	}
	// Pending trades wait for their order or the reconciler.
	return nil
}

func (o *Orchestrator) coolingDown(sym string, now time.Time) bool {
	if o.cfg.SignalCooldown <= 0 {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	last, ok := o.lastEntry[sym]
	return ok && now.Sub(last) < o.cfg.SignalCooldown
}

func (o *Orchestrator) markEntry(sym string, now time.Time) {
	o.mu.Lock()
	o.lastEntry[sym] = now
	o.mu.Unlock()
}

func (o *Orchestrator) enter(ctx context.Context, sym string, price float64, sig signal.Signal, now time.Time) error {
	side, ok := sig.Action.Side()
	if !ok || sig.Confidence < o.cfg.MinConfidence {
		return nil
	}
	if o.coolingDown(sym, now) {
		logger.Debugf("engine %s: %s signal inside cooldown", sym, side)
		return nil
	}

	lv, err := o.levels(price, side, sig)
	if err != nil {
		return err
	}
	acct, err := o.ex.GetAccount(ctx)
	if err != nil {
		return &broker.OpError{Symbol: sym, Op: "account", Err: err}
	}
	policy := o.desk.Risk.Policy()
	qty, err := policy.Size(acct.Equity, price, lv.Stop, sig.Confidence, o.desk.Filters(sym))
	if err != nil {
		logger.Infof("engine %s: entry skipped: %v", sym, err)
		return nil
	}
	if err := policy.CheckRewardRisk(risk.RiskMetrics(price, lv.Stop, lv.TakeProfit, qty, side)); err != nil {
		logger.Infof("engine %s: entry skipped: %v", sym, err)
		return nil
	}

	tr, ord, ok, err := o.admit(ctx, sym, side, qty, lv, sig, now)
	if err != nil || !ok {
		return err
	}
	o.markEntry(sym, now)
	logger.Infof("engine %s: %s %v @ ~%v stop=%v tp=%v conf=%.2f", sym, side, qty, price, lv.Stop, lv.TakeProfit, sig.Confidence)

	tr, err = o.submit(ctx, tr, ord, now)
	if err != nil {
		return err
	}
	if tr.State != ledger.StateOpen {
		return nil
	}
	o.notify(ctx, notify.Event{
		Kind:    notify.KindTradeOpened,
		Level:   notify.LevelInfo,
		Symbol:  tr.Symbol,
		TradeID: tr.ID,
		Title:   "Trade opened",
		Message: fmt.Sprintf("%s %v @ %v", tr.Side, tr.Size, tr.EntryPrice),
		Fields: map[string]string{
			"stop":        strconv.FormatFloat(tr.StopPrice, 'f', -1, 64),
			"take profit": strconv.FormatFloat(tr.TakeProfitPrice, 'f', -1, 64),
			"confidence":  strconv.FormatFloat(tr.Confidence, 'f', 2, 64),
		},
		Time: now,
	})
	return o.ensureStop(ctx, tr, now)
}

// levels computes the protective levels for an entry. A strategy's own
// stop and target replace them when they sit on the right side of price.
func (o *Orchestrator) levels(price float64, side ledger.Side, sig signal.Signal) (risk.Levels, error) {
	cfg := o.cfg.Levels
	cfg.ATR = sig.ATR
	lv, err := risk.ProtectiveLevels(price, side, cfg)
	if err != nil {
		return lv, err
	}
	if sig.SuggestedStop <= 0 && sig.SuggestedTarget <= 0 {
		return lv, nil
	}
	hint := lv
	if sig.SuggestedStop > 0 {
		hint.Stop = sig.SuggestedStop
	}
	if sig.SuggestedTarget > 0 {
		hint.TakeProfit = sig.SuggestedTarget
	}
	if err := risk.CheckLevels(price, side, hint); err != nil {
		logger.Warnf("engine suggested levels ignored: %v", err)
		return lv, nil
	}
	return hint, nil
}

// admit checks the breaker and capacity and creates the pending trade and
// its entry order, all under the global section so concurrent workers can
// never exceed max_open_trades.
func (o *Orchestrator) admit(ctx context.Context, sym string, side ledger.Side, qty float64, lv risk.Levels, sig signal.Signal, now time.Time) (ledger.Trade, ledger.Order, bool, error) {
	unlock := o.desk.LockGlobal()
	defer unlock()

	l := o.desk.Ledger
	adm := o.desk.Risk.AdmitEntry(l.ActiveCount(), o.desk.Risk.Policy().MaxOpenTrades)
	if !adm.Allowed {
		logger.Infof("engine %s: entry denied: %s", sym, adm.Reason())
		return ledger.Trade{}, ledger.Order{}, false, nil
	}

	tr := ledger.Trade{
		ID:              id.NewAt(now),
		Symbol:          sym,
		Side:            side,
		State:           ledger.StateIdle,
		RequestedSize:   qty,
		StopPrice:       lv.Stop,
		InitialStop:     lv.Stop,
		TakeProfitPrice: lv.TakeProfit,
		TrailPct:        o.cfg.TrailPct,
		Strategy:        o.cfg.Strategy,
		Confidence:      sig.Confidence,
		Note:            sig.Reason,
		CreatedAt:       now,
	}
	if err := fsm.Transition(&tr, ledger.StateEntryPending, now); err != nil {
		return tr, ledger.Order{}, false, err
	}
	ord := newOrder(tr, ledger.RoleEntry, ledger.Market, side.EntrySide(), qty, 0, now)
	if err := l.SaveTrade(ctx, tr); err != nil {
		return tr, ord, false, err
	}
	if err := l.SaveOrder(ctx, ord); err != nil {
		return tr, ord, false, err
	}
	return tr, ord, true, nil
}

func newOrder(tr ledger.Trade, role ledger.OrderRole, typ ledger.OrderType, side ledger.OrderSide, qty, stopPrice float64, now time.Time) ledger.Order {
	return ledger.Order{
		ID:        id.NewAt(now),
		ClientID:  id.ClientOrderID(),
		TradeID:   tr.ID,
		Symbol:    tr.Symbol,
		Side:      side,
		Type:      typ,
		Role:      role,
		Quantity:  qty,
		StopPrice: stopPrice,
		Status:    ledger.OrderNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// place records a new order for tr and submits it.
func (o *Orchestrator) place(ctx context.Context, tr ledger.Trade, ord ledger.Order, now time.Time) (ledger.Trade, error) {
	if err := o.desk.Ledger.SaveOrder(ctx, ord); err != nil {
		return tr, err
	}
	return o.submit(ctx, tr, ord, now)
}

// submit sends a recorded order and applies the outcome. Anything other
// than an acknowledgement or a rejection leaves the order SUBMITTED with an
// unknown outcome; it is never resent.
func (o *Orchestrator) submit(ctx context.Context, tr ledger.Trade, ord ledger.Order, now time.Time) (ledger.Trade, error) {
	l := o.desk.Ledger
	ack, err := o.ex.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:    ord.Symbol,
		ClientID:  ord.ClientID,
		Side:      ord.Side,
		Type:      ord.Type,
		Quantity:  ord.Quantity,
		Price:     ord.Price,
		StopPrice: ord.StopPrice,
	})
	switch {
	case err == nil:
		return o.applyAck(ctx, tr, ord, ack, now)
	case errors.Is(err, broker.ErrRejected):
		ord.Status = ledger.OrderRejected
		ord.Reason = broker.RejectReason(err)
		ord.UpdatedAt = now
		if err := l.SaveOrder(ctx, ord); err != nil {
			return tr, err
		}
		logger.Warnf("engine %s: %s order %s rejected: %s", ord.Symbol, ord.Role, ord.ID, ord.Reason)
		o.notify(ctx, notify.Event{
			Kind:    notify.KindOrderRejected,
			Level:   notify.LevelWarn,
			Symbol:  ord.Symbol,
			TradeID: tr.ID,
			Title:   "Order rejected",
			Message: ord.Reason,
			Fields:  map[string]string{"role": string(ord.Role), "side": string(ord.Side)},
			Time:    now,
		})
		return o.settle(ctx, tr, now)
	default:
		ord.Status = ledger.OrderSubmitted
		ord.Unknown = true
		ord.Reason = err.Error()
		ord.UpdatedAt = now
		logger.Warnf("engine %s: %s order %s outcome unknown: %v", ord.Symbol, ord.Role, ord.ID, err)
		return tr, l.SaveOrder(ctx, ord)
	}
}

// applyAck records the fills of an acknowledged order, then its status,
// and settles the trade. Fills go first so a crash in between leaves a
// live order for the reconciler to finish.
func (o *Orchestrator) applyAck(ctx context.Context, tr ledger.Trade, ord ledger.Order, ack broker.OrderAck, now time.Time) (ledger.Trade, error) {
	l := o.desk.Ledger
	for _, ef := range ack.Fills {
		if l.HasFill(ord.ID, ef.ID) {
			continue
		}
		if err := fsm.CheckFill(ord, l.Fills(ord.ID), ef.Quantity); err != nil {
			return o.markError(ctx, tr, err, now)
		}
		at := ef.Time
		if at.IsZero() {
			at = now
		}
		if _, err := l.AddFill(ctx, ledger.Fill{
			ID:             id.NewAt(at),
			ExchangeFillID: ef.ID,
			OrderID:        ord.ID,
			TradeID:        ord.TradeID,
			Symbol:         ord.Symbol,
			Quantity:       ef.Quantity,
			Price:          ef.Price,
			Fee:            ef.Fee,
			FeeBase:        ef.FeeBase,
			Time:           at,
		}); err != nil {
			return tr, err
		}
	}
	ord.ExchangeID = ack.ExchangeID
	ord.Status = ack.Status
	ord.Unknown = false
	ord.UpdatedAt = now
	if err := l.SaveOrder(ctx, ord); err != nil {
		return tr, err
	}
	return o.settle(ctx, tr, now)
}

// settle recomputes tr from the ledger and saves it. A trade that closes
// here feeds its realized PnL to the breaker.
func (o *Orchestrator) settle(ctx context.Context, tr ledger.Trade, now time.Time) (ledger.Trade, error) {
	l := o.desk.Ledger
	next, _, err := fsm.Settle(tr, l.OrdersForTrade(tr.ID), l.FillsForTrade(tr.ID), o.desk.Filters(tr.Symbol).StepSize, now)
	if err != nil {
		return o.markError(ctx, tr, err, now)
	}
	if err := l.SaveTrade(ctx, next); err != nil {
		return tr, err
	}
	if next.State != tr.State {
		logger.Infof("engine trade %s %s: %s -> %s", next.ID, next.Symbol, tr.State, next.State)
	}
	if next.State == ledger.StateClosed && tr.State != ledger.StateClosed {
		o.closed(ctx, next, now)
	}
	return next, nil
}

func (o *Orchestrator) closed(ctx context.Context, tr ledger.Trade, now time.Time) {
	unlock := o.desk.LockGlobal()
	v := o.desk.Risk.RecordRealized(tr.RealizedPnL, tr.ExitTime)
	dailyLoss := o.desk.Risk.State().DailyLossSoFar
	if err := o.desk.PersistBreaker(ctx); err != nil {
		logger.Errorf("engine: %v", err)
	}
	unlock()

	o.notify(ctx, notify.Event{
		Kind:    notify.KindTradeClosed,
		Level:   notify.LevelInfo,
		Symbol:  tr.Symbol,
		TradeID: tr.ID,
		Title:   "Trade closed",
		Message: string(tr.ExitReason),
		Fields: map[string]string{
			"pnl":   strconv.FormatFloat(tr.RealizedPnL, 'f', 2, 64),
			"entry": strconv.FormatFloat(tr.EntryPrice, 'f', -1, 64),
			"exit":  strconv.FormatFloat(tr.ExitPrice, 'f', -1, 64),
		},
		Time: now,
	})
	if v.NewTrip {
		logger.Errorf("breaker tripped: %s", v.Reason)
		o.notify(ctx, notify.Event{
			Kind:    notify.KindBreaker,
			Level:   notify.LevelError,
			Title:   "Circuit breaker tripped",
			Message: string(v.Reason),
			Fields:  map[string]string{"daily loss": strconv.FormatFloat(dailyLoss, 'f', 2, 64)},
			Time:    now,
		})
	}
}

func (o *Orchestrator) markError(ctx context.Context, tr ledger.Trade, cause error, now time.Time) (ledger.Trade, error) {
	if err := fsm.MarkError(&tr, cause.Error(), now); err != nil {
		return tr, err
	}
	if err := o.desk.Ledger.SaveTrade(ctx, tr); err != nil {
		return tr, err
	}
	logger.Errorf("engine trade %s %s -> ERROR: %v", tr.ID, tr.Symbol, cause)
	o.notify(ctx, notify.Event{
		Kind:    notify.KindTradeError,
		Level:   notify.LevelError,
		Symbol:  tr.Symbol,
		TradeID: tr.ID,
		Title:   "Trade needs attention",
		Message: cause.Error(),
		Time:    now,
	})
	return tr, nil
}

// manage handles an OPEN trade: protective breach, signal exit, trailing.
func (o *Orchestrator) manage(ctx context.Context, tr ledger.Trade, price float64, sig signal.Signal, now time.Time) error {
	if reason := breach(tr, price); reason != ledger.ExitNone {
		return o.exit(ctx, tr, reason, now)
	}
	if sig.Action == signal.Exit {
		return o.exit(ctx, tr, ledger.ExitSignal, now)
	}
	if next := risk.TrailStop(tr.Side, tr.StopPrice, price, tr.TrailPct); next != tr.StopPrice {
		var (
			moved bool
			err   error
		)
		tr, moved, err = o.trail(ctx, tr, next, now)
		if err != nil || !moved {
			return err
		}
	}
	return o.ensureStop(ctx, tr, now)
}

func breach(tr ledger.Trade, price float64) ledger.ExitReason {
	reason := risk.Breached(tr.Side, price, tr.StopPrice, tr.TakeProfitPrice)
	if reason == ledger.ExitStopLoss && tr.InitialStop > 0 && tr.StopPrice != tr.InitialStop {
		return ledger.ExitTrailing
	}
	return reason
}

func liveStops(l *ledger.Ledger, tradeID string) []ledger.Order {
	return l.Orders(func(o ledger.Order) bool {
		return o.TradeID == tradeID && o.Role == ledger.RoleStop && !o.Status.Terminal()
	})
}

// trail ratchets the trade's stop to next. A resting stop is cancelled
// first; when that fails the old stop stays in force.
func (o *Orchestrator) trail(ctx context.Context, tr ledger.Trade, next float64, now time.Time) (ledger.Trade, bool, error) {
	l := o.desk.Ledger
	for _, s := range liveStops(l, tr.ID) {
		if s.ExchangeID == "" {
			logger.Debugf("engine %s: stop %s unresolved, trail deferred", tr.Symbol, s.ID)
			return tr, false, nil
		}
		if err := o.ex.CancelOrder(ctx, s.Symbol, s.ExchangeID); err != nil {
			return tr, false, &broker.OpError{Symbol: tr.Symbol, Op: "cancel stop", Err: err}
		}
		s.Status = ledger.OrderCancelled
		s.Reason = "replaced by trailing stop"
		s.UpdatedAt = now
		if err := l.SaveOrder(ctx, s); err != nil {
			return tr, false, err
		}
	}
	logger.Infof("engine %s: trail stop %v -> %v", tr.Symbol, tr.StopPrice, next)
	tr.StopPrice = next
	tr.UpdatedAt = now
	if err := l.SaveTrade(ctx, tr); err != nil {
		return tr, false, err
	}
	return tr, true, nil
}

// ensureStop places a resting stop for the open quantity when none works.
func (o *Orchestrator) ensureStop(ctx context.Context, tr ledger.Trade, now time.Time) error {
	if !o.cfg.ProtectiveOrders || tr.State != ledger.StateOpen || tr.StopPrice <= 0 {
		return nil
	}
	l := o.desk.Ledger
	pos, err := fsm.Aggregate(l.OrdersForTrade(tr.ID), l.FillsForTrade(tr.ID))
	if err != nil {
		_, err = o.markError(ctx, tr, err, now)
		return err
	}
	if pos.StopLive || pos.ExitLive || pos.Open() <= 0 {
		return nil
	}
	qty := risk.RoundStep(pos.Open(), o.desk.Filters(tr.Symbol).StepSize)
	if qty <= 0 {
		return nil
	}
	stop := newOrder(tr, ledger.RoleStop, ledger.Stop, tr.Side.ExitSide(), qty, tr.StopPrice, now)
	_, err = o.place(ctx, tr, stop, now)
	return err
}

// exit closes an OPEN trade at market. Resting stops are cancelled first so
// the exit and the stop can never both fill; a stop that cannot be
// cancelled defers the exit to the reconciler.
func (o *Orchestrator) exit(ctx context.Context, tr ledger.Trade, reason ledger.ExitReason, now time.Time) error {
	l := o.desk.Ledger
	for _, s := range liveStops(l, tr.ID) {
		if s.ExchangeID == "" {
			logger.Warnf("engine %s: exit %s deferred, stop %s unresolved", tr.Symbol, reason, s.ID)
			return nil
		}
		if err := o.ex.CancelOrder(ctx, s.Symbol, s.ExchangeID); err != nil {
			return &broker.OpError{Symbol: tr.Symbol, Op: "cancel stop", Err: err}
		}
		s.Status = ledger.OrderCancelled
		s.Reason = "exit: " + string(reason)
		s.UpdatedAt = now
		if err := l.SaveOrder(ctx, s); err != nil {
			return err
		}
	}

	pos, err := fsm.Aggregate(l.OrdersForTrade(tr.ID), l.FillsForTrade(tr.ID))
	if err != nil {
		_, err = o.markError(ctx, tr, err, now)
		return err
	}
	qty := risk.RoundStep(pos.Open(), o.desk.Filters(tr.Symbol).StepSize)
	if qty <= 0 {
		_, err := o.settle(ctx, tr, now)
		return err
	}

	if err := fsm.Transition(&tr, ledger.StateExitPending, now); err != nil {
		return err
	}
	tr.ExitReason = reason
	if err := l.SaveTrade(ctx, tr); err != nil {
		return err
	}
	logger.Infof("engine %s: exit %v (%s)", tr.Symbol, qty, reason)

	ord := newOrder(tr, ledger.RoleExit, ledger.Market, tr.Side.ExitSide(), qty, 0, now)
	tr, err = o.place(ctx, tr, ord, now)
	if err != nil {
		return err
	}
	if tr.State == ledger.StateOpen && tr.ExitReason != ledger.ExitNone {
		tr.ExitReason = ledger.ExitNone
		return l.SaveTrade(ctx, tr)
	}
	return nil
}

// ResetBreaker clears a drawdown trip. It reports whether anything was
// cleared; a daily loss trip only clears at the day rollover.
func (o *Orchestrator) ResetBreaker(ctx context.Context) (bool, error) {
	unlock := o.desk.LockGlobal()
	defer unlock()
	if !o.desk.Risk.Reset() {
		return false, nil
	}
	if err := o.desk.PersistBreaker(ctx); err != nil {
		return true, err
	}
	logger.Infof("breaker reset by operator")
	o.notify(ctx, notify.Event{
		Kind:    notify.KindBreaker,
		Level:   notify.LevelInfo,
		Title:   "Circuit breaker reset",
		Message: "entries allowed again",
		Time:    o.desk.Now(),
	})
	return true, nil
}

// ClearTrade closes an ERROR trade by hand, releasing its symbol.
func (o *Orchestrator) ClearTrade(ctx context.Context, tradeID string) (ledger.Trade, error) {
	l := o.desk.Ledger
	tr, ok := l.Trade(tradeID)
	if !ok {
		return ledger.Trade{}, fmt.Errorf("%w: trade %s", ledger.ErrNotFound, tradeID)
	}
	unlock := o.desk.LockSymbol(tr.Symbol)
	defer unlock()

	tr, _ = l.Trade(tradeID)
	if err := fsm.ClearError(&tr, "cleared by operator", o.desk.Now()); err != nil {
		return tr, err
	}
	if err := l.SaveTrade(ctx, tr); err != nil {
		return tr, err
	}
	logger.Infof("engine trade %s %s cleared by operator", tr.ID, tr.Symbol)
	return tr, nil
}

// CloseTrade exits an OPEN trade at market. The returned trade is OPEN
// again when the exit was deferred or rejected.
func (o *Orchestrator) CloseTrade(ctx context.Context, tradeID string) (ledger.Trade, error) {
	l := o.desk.Ledger
	tr, ok := l.Trade(tradeID)
	if !ok {
		return ledger.Trade{}, fmt.Errorf("%w: trade %s", ledger.ErrNotFound, tradeID)
	}
	unlock := o.desk.LockSymbol(tr.Symbol)
	defer unlock()

	tr, _ = l.Trade(tradeID)
	if tr.State != ledger.StateOpen {
		return tr, fmt.Errorf("%w: trade %s is %s", fsm.ErrIllegalTransition, tr.ID, tr.State)
	}
	if err := o.exit(ctx, tr, ledger.ExitManual, o.desk.Now()); err != nil {
		return tr, err
	}
	tr, _ = l.Trade(tradeID)
	return tr, nil
}

// Status snapshots the breaker, the trades holding a symbol and the last
// reconcile report.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{Running: o.running, LastReconcile: o.lastReport}
	o.mu.Unlock()
	st.Breaker = o.desk.Ledger.Breaker()
	st.Trades = o.desk.Ledger.Trades(func(t ledger.Trade) bool { return t.State.Occupies() })
	return st
}

// Trades lists the trades in state, or every trade when state is empty.
func (o *Orchestrator) Trades(state ledger.TradeState) []ledger.Trade {
	return o.desk.Ledger.Trades(func(t ledger.Trade) bool { return state == "" || t.State == state })
}

func (o *Orchestrator) notify(ctx context.Context, e notify.Event) {
	if err := o.notifier.Notify(ctx, e); err != nil {
		logger.Warnf("notify %s: %v", e.Kind, err)
	}
}
