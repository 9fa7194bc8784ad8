// Command tradingcore runs the execution-safety core: risk engine, kill
// switch, execution adapter, shadow controller, reconciliation loop, market
// data heartbeat feed, and the operator HTTP surface.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/quantsentinel/trading-core/internal/config"
	"github.com/quantsentinel/trading-core/internal/execution"
	"github.com/quantsentinel/trading-core/internal/killswitch"
	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/quantsentinel/trading-core/internal/marketdata"
	"github.com/quantsentinel/trading-core/internal/metrics"
	"github.com/quantsentinel/trading-core/internal/ops"
	"github.com/quantsentinel/trading-core/internal/reconciliation"
	"github.com/quantsentinel/trading-core/internal/risk"
	"github.com/quantsentinel/trading-core/internal/shadow"
	"github.com/quantsentinel/trading-core/internal/types"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	logg, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logg.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	ksStore, err := killswitch.OpenBoltStore(cfg.KillSwitch.StorePath)
	if err != nil {
		return err
	}
	defer func() { _ = ksStore.Close() }()

	ks, err := killswitch.New(ksStore, cfg.KillSwitch.AutoMode, logg, m)
	if err != nil {
		return err
	}

	riskEngine := risk.NewEngine(risk.LimitsFromConfig(cfg.RiskLimits), ks, logg, m)

	venue := execution.NewBinanceVenueClient(
		cfg.Execution.ApiKey, cfg.Execution.SecretKey,
		cfg.Execution.UseTestnet, cfg.Execution.BaseURL)
	adapter := execution.NewAdapter(venue, riskEngine, cfg.Execution, logg, m)

	if err := adapter.VerifyClockDrift(ctx); err != nil {
		return err
	}

	// Venue state is authoritative at startup; resync before accepting work.
	summary, err := adapter.Resync(ctx)
	if err != nil {
		return err
	}

	logg.Info("startup resync complete",
		zap.Int("open_orders", summary.OpenOrders),
		zap.Int("trades_replayed", summary.TradesReplayed),
		zap.Int("symbols", summary.SymbolsCovered))

	// Engaging the switch cancels all resting orders.
	ks.RegisterCallback(func(event types.KillSwitchEvent) error {
		if !event.Activated {
			return nil
		}

		canceled := adapter.CancelAllOpen(context.Background())
		logg.Warn("kill switch engaged, open orders canceled",
			zap.String("trigger", string(event.Trigger)),
			zap.Int("canceled", canceled))

		return nil
	})

	controller, err := shadow.NewController(adapter, riskEngine, cfg.Shadow, logg, m)
	if err != nil {
		return err
	}

	reportStore, err := reconciliation.OpenBoltReportStore(cfg.Reconciliation.StorePath)
	if err != nil {
		return err
	}
	defer func() { _ = reportStore.Close() }()

	reconciler := reconciliation.NewEngine(adapter, riskEngine, controller, ks,
		cfg.Reconciliation.EpsilonDecimal(), reportStore, logg, m)

	feed := marketdata.NewFeed(cfg.MarketData, riskEngine, logg, m)

	server := ops.NewServer(cfg.Ops, riskEngine, controller, ks, registry, logg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		errCh <- feed.Run(runCtx)
	}()

	go func() {
		errCh <- server.Start(runCtx)
	}()

	go runtimeCheckLoop(runCtx, riskEngine, cfg.RuntimeCheckInterval.Std())
	go pollLoop(runCtx, adapter, cfg.Execution.PollInterval.Std(), logg)
	go reconcileLoop(runCtx, reconciler, cfg.Reconciliation.Interval.Std(), logg)
	go endOfDayLoop(runCtx, reconciler, riskEngine, logg)

	logg.Info("trading core started",
		zap.String("mode", string(controller.Mode())),
		zap.String("kill_switch", string(ks.State())),
		zap.String("listen_addr", cfg.Ops.ListenAddr))

	select {
	case <-runCtx.Done():
		return nil
	case err := <-errCh:
		if err != nil && runCtx.Err() == nil {
			return err
		}

		return nil
	}
}

func runtimeCheckLoop(ctx context.Context, engine *risk.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.RuntimeCheck()
		}
	}
}

func pollLoop(ctx context.Context, adapter *execution.Adapter, interval time.Duration, logg *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := adapter.PollOnce(ctx); err != nil {
				logg.Warn("order poll failed", zap.Error(err))
			}
		}
	}
}

func reconcileLoop(ctx context.Context, reconciler *reconciliation.Engine, interval time.Duration, logg *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := reconciler.ReconcilePositions(ctx)
			if err != nil {
				logg.Error("reconciliation pass failed", zap.Error(err))

				continue
			}

			if len(report.Discrepancies) > 0 {
				logg.Warn("reconciliation corrected discrepancies",
					zap.Int("count", len(report.Discrepancies)))
			}
		}
	}
}

// endOfDayLoop writes the daily report at UTC midnight, then resets the
// engine's daily counters for the new session.
func endOfDayLoop(ctx context.Context, reconciler *reconciliation.Engine, engine *risk.Engine, logg *logger.Logger) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.C:
			date := time.Now().UTC().Add(-time.Minute).Format("2006-01-02")
			if _, err := reconciler.GenerateEndOfDayReport(date); err != nil {
				logg.Error("end of day report failed", zap.String("date", date), zap.Error(err))
			} else {
				logg.Info("end of day report written", zap.String("date", date))
			}

			engine.ResetDailyCounters()
		}
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "tradingcore",
		Usage: "Run the execution-safety trading core",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the YAML configuration file",
				Required: true,
			},
		},
		Action: runAction,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
