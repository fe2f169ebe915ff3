// Package ledger holds the durable record of trades, orders, fills, balances,
// daily performance and breaker state.
package ledger

import "time"

// Side is the direction of a position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// EntrySide is the order side that opens a position of this direction.
func (s Side) EntrySide() OrderSide {
	if s == Short {
		return Sell
	}
	return Buy
}

// ExitSide is the order side that reduces a position of this direction.
func (s Side) ExitSide() OrderSide {
	if s == Short {
		return Buy
	}
	return Sell
}

type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
	Stop   OrderType = "stop"
)

// OrderRole says what an order does for its trade.
type OrderRole string

const (
	RoleEntry OrderRole = "entry"
	RoleExit  OrderRole = "exit"
	RoleStop  OrderRole = "stop" // resting protective stop
)

// Reduces reports whether fills of this role reduce the position.
func (r OrderRole) Reduces() bool { return r == RoleExit || r == RoleStop }

type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the exchange will never change this order again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// TradeState is the order state machine state of a trade.
type TradeState string

const (
	StateIdle         TradeState = "IDLE"
	StateEntryPending TradeState = "ENTRY_PENDING"
	StateOpen         TradeState = "OPEN"
	StateExitPending  TradeState = "EXIT_PENDING"
	StateClosed       TradeState = "CLOSED"
	StateError        TradeState = "ERROR"
)

// Active states count against max_open_trades.
func (s TradeState) Active() bool {
	switch s {
	case StateEntryPending, StateOpen, StateExitPending:
		return true
	}
	return false
}

// Occupies reports whether a trade in this state blocks new entries on its
// symbol. ERROR trades hold the symbol until cleared by hand.
func (s TradeState) Occupies() bool {
	return s.Active() || s == StateError
}

// TradeStatus is the coarse lifecycle of a round trip.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// ExitReason records why a trade was closed.
type ExitReason string

const (
	ExitNone       ExitReason = ""
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitTrailing   ExitReason = "trailing_stop"
	ExitSignal     ExitReason = "signal"
	ExitManual     ExitReason = "manual"
	ExitReconciled ExitReason = "reconciled"
)

// Trade is one logical round trip in one symbol.
type Trade struct {
	ID     string
	Symbol string
	Side   Side
	State  TradeState

	RequestedSize float64
	Size          float64 // filled entry quantity
	EntryPrice    float64 // VWAP of entry fills
	EntryTime     time.Time
	ExitPrice     float64 // price of the latest exit fill
	ExitTime      time.Time

	StopPrice       float64 // current protective stop, ratcheted by trailing
	InitialStop     float64
	TakeProfitPrice float64
	TrailPct        float64

	RealizedPnL float64
	Fees        float64
	ExitReason  ExitReason
	Note        string

	Strategy   string
	Confidence float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status derives OPEN/CLOSED from the state machine state.
func (t Trade) Status() TradeStatus {
	if t.State == StateClosed || t.State == StateIdle {
		return TradeClosed
	}
	return TradeOpen
}

// Order is one instruction sent to the exchange.
type Order struct {
	ID         string
	ClientID   string
	ExchangeID string
	TradeID    string
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Role       OrderRole
	Quantity   float64
	Price      float64 // limit price, 0 for market
	StopPrice  float64
	Status     OrderStatus
	Reason     string

	// Unknown is set when the submission outcome was not observed (timeout,
	// network failure, rate limit). The reconciler resolves it.
	Unknown bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fill is an immutable execution record.
type Fill struct {
	ID             string
	ExchangeFillID string
	OrderID        string
	TradeID        string
	Symbol         string
	Quantity       float64
	Price          float64
	Fee            float64 // quote asset, including any FeeBase valued at Price
	FeeBase        float64 // commission taken from the bought base asset
	Time           time.Time
}

type AssetBalance struct {
	Free   float64
	Locked float64
}

// BalanceSnapshot is point-in-time account state captured by each
// reconciliation pass.
type BalanceSnapshot struct {
	Time     time.Time
	Equity   float64
	Peak     float64
	Drawdown float64
	Assets   map[string]AssetBalance
}

// SameAs compares content, ignoring the capture time.
func (b BalanceSnapshot) SameAs(o BalanceSnapshot) bool {
	if b.Equity != o.Equity || b.Peak != o.Peak || b.Drawdown != o.Drawdown || len(b.Assets) != len(o.Assets) {
		return false
	}
	for k, v := range b.Assets {
		if ov, ok := o.Assets[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (b BalanceSnapshot) clone() BalanceSnapshot {
	out := b
	if b.Assets != nil {
		out.Assets = make(map[string]AssetBalance, len(b.Assets))
		for k, v := range b.Assets {
			out.Assets[k] = v
		}
	}
	return out
}

// PerformanceRecord is the daily aggregate of closed trades. One per day per
// account.
type PerformanceRecord struct {
	Day         string // YYYY-MM-DD, UTC
	Account     string
	RealizedPnL float64
	Trades      int
	Wins        int
	Losses      int
	WinRate     float64
	StartEquity float64
	EndEquity   float64
}

// TripReason identifies which guard tripped the breaker.
type TripReason string

const (
	TripNone      TripReason = ""
	TripDrawdown  TripReason = "drawdown"
	TripDailyLoss TripReason = "daily_loss"
)

// BreakerState is the process-wide circuit breaker value.
type BreakerState struct {
	EquityPeak       float64
	CurrentDrawdown  float64
	Tripped          bool
	TrippedAt        time.Time
	Reason           TripReason
	DailyLossSoFar   float64
	DailyStartEquity float64
	TradingDay       string
}

// Snapshot is a full copy of the ledger, used to load and to compare state.
type Snapshot struct {
	Trades      []Trade
	Orders      []Order
	Fills       []Fill
	Balances    []BalanceSnapshot
	Performance []PerformanceRecord
	Breaker     BreakerState
}
