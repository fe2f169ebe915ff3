// Package notify delivers operator notifications. Delivery is best effort:
// the trading loop wraps every notifier in Async so a slow or failing sink
// never holds up a ledger write.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/tradeloop/internal/logger"
	"github.com/rustyeddy/tradeloop/ledger"
)

type Kind string

const (
	KindStarted       Kind = "started"
	KindStopped       Kind = "stopped"
	KindTradeOpened   Kind = "trade_opened"
	KindTradeClosed   Kind = "trade_closed"
	KindOrderRejected Kind = "order_rejected"
	KindTradeError    Kind = "trade_error"
	KindBreaker       Kind = "breaker"
	KindForeignOrder  Kind = "foreign_order"
	KindDailySummary  Kind = "daily_summary"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Event struct {
	Kind    Kind
	Level   Level
	Symbol  string
	TradeID string
	Title   string
	Message string
	Fields  map[string]string
	Time    time.Time
}

// Text renders the event as a single line.
func (e Event) Text() string {
	var b strings.Builder
	b.WriteString(e.Title)
	if e.Symbol != "" {
		fmt.Fprintf(&b, " [%s]", e.Symbol)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, e.Fields[k])
	}
	return b.String()
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, e Event) error

func (f Func) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Log writes events to the process logger at their level.
type Log struct{}

func (Log) Notify(_ context.Context, e Event) error {
	switch e.Level {
	case LevelError:
		logger.Errorf("notify: %s", e.Text())
	case LevelWarn:
		logger.Warnf("notify: %s", e.Text())
	default:
		logger.Infof("notify: %s", e.Text())
	}
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DailySummary reports a finished trading day.
func DailySummary(p ledger.PerformanceRecord, at time.Time) Event {
	return Event{
		Kind:    KindDailySummary,
		Level:   LevelInfo,
		Title:   "Daily summary " + p.Day,
		Message: fmt.Sprintf("%d trades, %d wins, %d losses", p.Trades, p.Wins, p.Losses),
		Fields: map[string]string{
			"pnl":      strconv.FormatFloat(p.RealizedPnL, 'f', 2, 64),
			"win_rate": strconv.FormatFloat(100*p.WinRate, 'f', 1, 64) + "%",
			"equity":   strconv.FormatFloat(p.EndEquity, 'f', 2, 64),
		},
		Time: at,
	}
}
