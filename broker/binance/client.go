// Package binance adapts the Binance spot REST API to broker.Exchange.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	bn "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rustyeddy/tradeloop/broker"
	"github.com/rustyeddy/tradeloop/internal/logger"
	"github.com/rustyeddy/tradeloop/ledger"
)

const (
	LiveURL    = "https://api.binance.com"
	TestnetURL = "https://testnet.binance.vision"
)

// Binance API error codes the adapter maps.
const (
	codeTooManyRequests = -1003
	codeTimeout         = -1007
	codeNewOrderReject  = -2010
	codeCancelReject    = -2011
	codeNoSuchOrder     = -2013
)

type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	BaseURL   string // overrides Testnet when set
	Quote     string // quote asset, e.g. USDT
	Symbols   []string
	HTTP      *http.Client
}

type Client struct {
	api     *bn.Client
	quote   string
	symbols []string
}

var _ broker.Exchange = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.Quote == "" {
		return nil, errors.New("binance: quote asset required")
	}
	api := bn.NewClient(cfg.APIKey, cfg.APISecret)
	switch {
	case strings.TrimSpace(cfg.BaseURL) != "":
		api.BaseURL = strings.TrimSpace(cfg.BaseURL)
	case cfg.Testnet:
		api.BaseURL = TestnetURL
	default:
		api.BaseURL = LiveURL
	}
	if cfg.HTTP != nil {
		api.HTTPClient = cfg.HTTP
	}
	return &Client{api: api, quote: cfg.Quote, symbols: cfg.Symbols}, nil
}

func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, mapError(err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseFloat(p.Price), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", broker.ErrNoPrice, symbol)
}

func (c *Client) GetAccount(ctx context.Context) (broker.Account, error) {
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return broker.Account{}, mapError(err)
	}
	prices, err := c.api.NewListPricesService().Do(ctx)
	if err != nil {
		return broker.Account{}, mapError(err)
	}
	last := make(map[string]float64, len(prices))
	for _, p := range prices {
		last[p.Symbol] = parseFloat(p.Price)
	}

	balances := make(map[string]ledger.AssetBalance, len(acct.Balances))
	for _, b := range acct.Balances {
		ab := ledger.AssetBalance{Free: parseFloat(b.Free), Locked: parseFloat(b.Locked)}
		if ab.Free == 0 && ab.Locked == 0 {
			continue
		}
		balances[b.Asset] = ab
	}
	return valueAccount(c.quote, c.symbols, balances, last), nil
}

// valueAccount values tracked holdings in the quote asset.
func valueAccount(quote string, symbols []string, balances map[string]ledger.AssetBalance, last map[string]float64) broker.Account {
	q := balances[quote]
	out := broker.Account{
		Equity:    q.Free + q.Locked,
		Assets:    balances,
		Positions: make(map[string]float64, len(symbols)),
	}
	for _, sym := range symbols {
		b, ok := balances[strings.TrimSuffix(sym, quote)]
		if !ok {
			continue
		}
		qty := b.Free + b.Locked
		out.Positions[sym] = qty
		out.Equity += qty * last[sym]
	}
	return out
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]broker.OrderView, error) {
	orders, err := c.api.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]broker.OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, toView(o))
	}
	return out, nil
}

func (c *Client) GetOrder(ctx context.Context, symbol, clientID string) (broker.OrderView, error) {
	o, err := c.api.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientID).Do(ctx)
	if err != nil {
		return broker.OrderView{}, mapError(err)
	}
	// TODO: list the order's trades so fills the reconciler derives from this
	// view carry their base-asset commission.
	return toView(o), nil
}

func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toSide(req.Side)).
		Quantity(formatFloat(req.Quantity)).
		NewClientOrderID(req.ClientID)

	switch req.Type {
	case ledger.Market:
		svc = svc.Type(bn.OrderTypeMarket)
	case ledger.Limit:
		svc = svc.Type(bn.OrderTypeLimit).TimeInForce(bn.TimeInForceTypeGTC).Price(formatFloat(req.Price))
	case ledger.Stop:
		svc = svc.Type(bn.OrderTypeStopLoss).StopPrice(formatFloat(req.StopPrice))
	default:
		return broker.OrderAck{}, broker.Rejected("unsupported order type " + string(req.Type))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return broker.OrderAck{}, mapError(err)
	}
	return toAck(resp, c.baseAsset(req.Symbol), c.quote), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	id, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad exchange id %q", broker.ErrOrderNotFound, exchangeID)
	}
	if _, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

func (c *Client) baseAsset(symbol string) string { return strings.TrimSuffix(symbol, c.quote) }

func toAck(resp *bn.CreateOrderResponse, base, quote string) broker.OrderAck {
	ack := broker.OrderAck{
		ExchangeID:  strconv.FormatInt(resp.OrderID, 10),
		ClientID:    resp.ClientOrderID,
		Status:      toStatus(resp.Status),
		ExecutedQty: parseFloat(resp.ExecutedQuantity),
	}
	at := time.UnixMilli(resp.TransactTime).UTC()
	for _, f := range resp.Fills {
		px := parseFloat(f.Price)
		commission := parseFloat(f.Commission)
		ef := broker.ExchangeFill{
			ID:       strconv.FormatInt(f.TradeID, 10),
			Quantity: parseFloat(f.Quantity),
			Price:    px,
			Fee:      feeInQuote(commission, f.CommissionAsset, px, base, quote),
			Time:     at,
		}
		if f.CommissionAsset == base {
			// Quantity stays gross; the account holds Quantity - FeeBase.
			ef.FeeBase = commission
		}
		ack.Fills = append(ack.Fills, ef)
	}
	return ack
}

// feeInQuote converts a commission to the quote asset. Commissions paid in
// a third asset (BNB discounts) are not valued.
func feeInQuote(amount float64, asset string, price float64, base, quote string) float64 {
	switch asset {
	case quote:
		return amount
	case base:
		return amount * price
	}
	if amount != 0 {
		logger.Debugf("binance: commission %v %s not valued", amount, asset)
	}
	return 0
}

func toView(o *bn.Order) broker.OrderView {
	executed := parseFloat(o.ExecutedQuantity)
	v := broker.OrderView{
		ExchangeID:  strconv.FormatInt(o.OrderID, 10),
		ClientID:    o.ClientOrderID,
		Symbol:      o.Symbol,
		Side:        fromSide(o.Side),
		Type:        fromType(o.Type),
		Quantity:    parseFloat(o.OrigQuantity),
		Price:       parseFloat(o.Price),
		StopPrice:   parseFloat(o.StopPrice),
		Status:      toStatus(o.Status),
		ExecutedQty: executed,
		UpdatedAt:   time.UnixMilli(o.UpdateTime).UTC(),
	}
	if executed > 0 {
		v.AvgPrice = parseFloat(o.CummulativeQuoteQuantity) / executed
	}
	return v
}

func toStatus(s bn.OrderStatusType) ledger.OrderStatus {
	switch s {
	case bn.OrderStatusTypeNew, bn.OrderStatusTypePendingCancel:
		return ledger.OrderSubmitted
	case bn.OrderStatusTypePartiallyFilled:
		return ledger.OrderPartiallyFilled
	case bn.OrderStatusTypeFilled:
		return ledger.OrderFilled
	case bn.OrderStatusTypeCanceled, bn.OrderStatusTypeExpired:
		return ledger.OrderCancelled
	case bn.OrderStatusTypeRejected:
		return ledger.OrderRejected
	}
	return ledger.OrderSubmitted
}

func toSide(s ledger.OrderSide) bn.SideType {
	if s == ledger.Sell {
		return bn.SideTypeSell
	}
	return bn.SideTypeBuy
}

func fromSide(s bn.SideType) ledger.OrderSide {
	if s == bn.SideTypeSell {
		return ledger.Sell
	}
	return ledger.Buy
}

func fromType(t bn.OrderType) ledger.OrderType {
	switch t {
	case bn.OrderTypeMarket:
		return ledger.Market
	case bn.OrderTypeStopLoss, bn.OrderTypeStopLossLimit:
		return ledger.Stop
	}
	return ledger.Limit
}

// mapError sorts SDK and transport errors into the broker taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeTooManyRequests:
			return fmt.Errorf("%w: %s", broker.ErrRateLimited, apiErr.Message)
		case codeTimeout:
			return fmt.Errorf("%w: %s", broker.ErrTimeout, apiErr.Message)
		case codeNoSuchOrder, codeCancelReject:
			return fmt.Errorf("%w: %s", broker.ErrOrderNotFound, apiErr.Message)
		case codeNewOrderReject:
			return broker.Rejected(apiErr.Message)
		}
		if apiErr.Code <= -1100 && apiErr.Code > -2000 {
			// request parameter errors
			return broker.Rejected(apiErr.Message)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", broker.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %w", broker.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", broker.ErrNetwork, err)
	}
	return err
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
