package cmd

import (
	"context"
	"fmt"

	"github.com/rustyeddy/tradeloop/broker"
	"github.com/rustyeddy/tradeloop/broker/binance"
	"github.com/rustyeddy/tradeloop/config"
	"github.com/rustyeddy/tradeloop/desk"
	"github.com/rustyeddy/tradeloop/engine"
	"github.com/rustyeddy/tradeloop/journal"
	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/rustyeddy/tradeloop/notify"
	"github.com/rustyeddy/tradeloop/reconcile"
	"github.com/rustyeddy/tradeloop/risk"
	"github.com/rustyeddy/tradeloop/signal"
)

// app is the wired loop for one config.
type app struct {
	cfg      *config.Config
	journal  *journal.SQLite
	desk     *desk.Desk
	notifier *notify.Async
	rec      *reconcile.Reconciler
	orch     *engine.Orchestrator
}

// openDesk loads the ledger from the journal and restores the breaker.
func openDesk(ctx context.Context, cfg *config.Config) (*journal.SQLite, *desk.Desk, error) {
	j, err := journal.NewSQLite(cfg.Journal.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	l, err := ledger.Open(ctx, j)
	if err != nil {
		_ = j.Close()
		return nil, nil, fmt.Errorf("load ledger: %w", err)
	}
	d := desk.New(l, risk.NewEngine(cfg.Policy(), l.Breaker()), cfg.Account.Name, cfg.Filters())
	return j, d, nil
}

func newExchange(cfg *config.Config, s config.Secrets) (broker.Exchange, error) {
	if cfg.Mode == config.ModeBacktest {
		return nil, fmt.Errorf("%w: mode backtest has no exchange, use the backtest command", config.ErrInvalid)
	}
	c, err := binance.New(binance.Config{
		APIKey:    s.BinanceAPIKey,
		APISecret: s.BinanceAPISecret,
		Testnet:   cfg.Mode == config.ModeTestnet,
		BaseURL:   cfg.Account.BaseURL,
		Quote:     cfg.Account.Quote,
		Symbols:   cfg.SymbolNames(),
	})
	if err != nil {
		return nil, err
	}
	retry := broker.DefaultRetryPolicy()
	retry.Attempts = cfg.Loop.ReadRetries
	return broker.NewGuard(c, cfg.Loop.ExchangeTimeout, retry), nil
}

func newNotifier(cfg *config.Config, s config.Secrets) *notify.Async {
	var n notify.Notifier = notify.Log{}
	if cfg.Notify.Discord {
		n = notify.Multi{notify.Log{}, notify.NewDiscord(s.DiscordWebhookURL, cfg.Notify.Footer, nil)}
	}
	return notify.NewAsync(n, cfg.Notify.Queue, 0)
}

// newApp wires every component against the configured exchange. The signal
// source may be nil for commands that never iterate.
func newApp(ctx context.Context, cfg *config.Config, s config.Secrets, src signal.Source) (*app, error) {
	ex, err := newExchange(cfg, s)
	if err != nil {
		return nil, err
	}
	j, d, err := openDesk(ctx, cfg)
	if err != nil {
		return nil, err
	}
	n := newNotifier(cfg, s)
	rec := reconcile.New(d, ex, n, cfg.ReconcileConfig())
	return &app{
		cfg:      cfg,
		journal:  j,
		desk:     d,
		notifier: n,
		rec:      rec,
		orch:     engine.New(d, ex, src, rec, n, cfg.EngineConfig()),
	}, nil
}

// newOfflineApp wires the ledger alone. Its orchestrator serves the operator
// actions that never reach the exchange: breaker reset and trade clear.
func newOfflineApp(ctx context.Context, cfg *config.Config) (*app, error) {
	j, d, err := openDesk(ctx, cfg)
	if err != nil {
		return nil, err
	}
	n := notify.NewAsync(notify.Log{}, cfg.Notify.Queue, 0)
	return &app{
		cfg:      cfg,
		journal:  j,
		desk:     d,
		notifier: n,
		orch:     engine.New(d, nil, nil, nil, n, cfg.EngineConfig()),
	}, nil
}

// Close drains pending notifications and closes the journal.
func (a *app) Close() error {
	a.notifier.Close()
	return a.journal.Close()
}
