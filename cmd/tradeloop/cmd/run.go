package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rustyeddy/tradeloop/admin"
	"github.com/rustyeddy/tradeloop/internal/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading loop from a config file",
	Long: `Run the trading loop against Binance testnet or live.

The loop reconciles the ledger against the exchange before trading, then
iterates every poll interval and reconciles every reconcile interval until
interrupted. The admin HTTP surface is served on admin.listen when set.

Example:
  tradeloop run -f tradeloop.yaml`,
	RunE: runRun,
}

var runNoAdmin bool

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runNoAdmin, "no-admin", false, "do not serve the admin HTTP surface")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	secrets, err := loadSecrets(cfg)
	if err != nil {
		return err
	}
	src, err := cfg.NewSource()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, secrets, src)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Infof("tradeloop %s: mode=%s account=%s symbols=%v strategy=%s",
		version, cfg.Mode, cfg.Account.Name, cfg.SymbolNames(), cfg.Strategy.Kind)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// An interrupt stops the loop; calls in flight still complete.
		return a.orch.Run(gctx)
	})
	if cfg.Admin.Listen != "" && !runNoAdmin {
		srv := admin.NewServer(cfg.Admin.Listen, a.orch)
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
