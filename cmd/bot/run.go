package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitos/futures_guard/internal/web"
	"go.uber.org/zap"
)

const configPollInterval = 5 * time.Second

func newRunCmd(rc *rootConfig) *cobra.Command {
	var (
		dryRun  bool
		symbols []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the trading loops with the watchdog, reconciler and status server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, rc.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			cfg := a.cfg.Current()
			if !cmd.Flags().Changed("dry-run") {
				dryRun = cfg.Lifecycle.DryRun
			}

			go a.cfg.Watch(ctx, configPollInterval)

			if a.bybit != nil {
				a.bybit.OnPriceUpdate(a.prices.Update)
				go a.bybit.StreamTickers(ctx, a.tickerSymbols(ctx, symbols))
			}

			if err := a.orchestrator.Start(ctx, dryRun); err != nil {
				a.log.Error("Bot failed to start", zap.Error(err))
				return err
			}

			go a.reconciler.RunPeriodic(ctx, a.cfg)
			go a.watchdog.Run(ctx)

			server := web.NewServer(cfg.Server.Port, a.watchdog, a.capital, a.ledger, a.metrics.Handler(), a.log)
			go func() {
				if err := server.Start(); err != nil {
					a.log.Error("Status server failed", zap.Error(err))
				}
			}()

			<-ctx.Done()
			a.log.Info("Shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Lifecycle.StopTimeout+5*time.Second)
			defer cancel()
			if err := a.orchestrator.Stop(shutdownCtx); err != nil {
				a.log.Info("Bot already stopped", zap.Error(err))
			}
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.log.Error("Status server shutdown failed", zap.Error(err))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record positions without sending orders (default from lifecycle.dry_run)")
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "extra symbols to stream prices for")
	return cmd
}
