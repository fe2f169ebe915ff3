// Package broker defines the exchange contract the trading loop depends on,
// the exchange error taxonomy, and the timeout/retry guard around it.
package broker

import (
	"context"
	"time"

	"github.com/rustyeddy/tradeloop/ledger"
)

// Exchange is the remote venue. It is the authority for balances and order
// state.
type Exchange interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetAccount(ctx context.Context) (Account, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderView, error)
	// GetOrder looks an order up by the client correlation id. It returns
	// ErrOrderNotFound when the exchange has never seen it.
	GetOrder(ctx context.Context, symbol, clientID string) (OrderView, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, exchangeID string) error
}

type Account struct {
	// Equity is the account value in the quote currency at current prices.
	Equity float64
	Assets map[string]ledger.AssetBalance
	// Positions is the base asset quantity held per tracked symbol.
	Positions map[string]float64
}

// Position returns the quantity held for symbol.
func (a Account) Position(symbol string) float64 { return a.Positions[symbol] }

type OrderRequest struct {
	Symbol    string
	ClientID  string
	Side      ledger.OrderSide
	Type      ledger.OrderType
	Quantity  float64
	Price     float64 // limit only
	StopPrice float64 // stop only
}

// ExchangeFill is one execution as reported by the exchange.
type ExchangeFill struct {
	ID       string
	Quantity float64
	Price    float64
	Fee      float64 // in the quote asset
	FeeBase  float64 // part of the commission paid in the base asset
	Time     time.Time
}

type OrderAck struct {
	ExchangeID  string
	ClientID    string
	Status      ledger.OrderStatus
	ExecutedQty float64
	Fills       []ExchangeFill
}

// OrderView is the exchange's current picture of one order.
type OrderView struct {
	ExchangeID  string
	ClientID    string
	Symbol      string
	Side        ledger.OrderSide
	Type        ledger.OrderType
	Quantity    float64
	Price       float64
	StopPrice   float64
	Status      ledger.OrderStatus
	ExecutedQty float64
	// AvgPrice is the average execution price when the exchange does not
	// report individual fills.
	AvgPrice  float64
	Fills     []ExchangeFill
	UpdatedAt time.Time
}

// Open reports whether the exchange still works the order.
func (v OrderView) Open() bool { return !v.Status.Terminal() }
