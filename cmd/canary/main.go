// Command canary executes a staged rollout plan against a running trading
// stack: it builds the same core components as tradingcore, walks the phase
// plan, and exits nonzero when the rollout rolls back or cannot be enacted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quantsentinel/trading-core/internal/canary"
	"github.com/quantsentinel/trading-core/internal/config"
	"github.com/quantsentinel/trading-core/internal/execution"
	"github.com/quantsentinel/trading-core/internal/killswitch"
	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/quantsentinel/trading-core/internal/metrics"
	"github.com/quantsentinel/trading-core/internal/reconciliation"
	"github.com/quantsentinel/trading-core/internal/risk"
	"github.com/quantsentinel/trading-core/internal/shadow"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func rolloutAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	plan, err := canary.LoadPlan(cmd.String("plan"))
	if err != nil {
		return err
	}

	logg, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logg.Sync() }()

	m := metrics.New(prometheus.NewRegistry())

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

	if _, err := adapter.Resync(ctx); err != nil {
		return err
	}

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

	orchestrator := canary.NewOrchestrator(plan, controller, riskEngine, reconciler, ks, logg, m)

	result, err := orchestrator.Run(ctx)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	if result.RolledBack {
		logg.Warn("rollout rolled back",
			zap.String("phase", result.FailedPhase),
			zap.String("reason", result.Reason))

		return cli.Exit("rollout rolled back", 1)
	}

	logg.Info("rollout completed", zap.Int("phases", result.CompletedPhases))

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "canary",
		Usage: "Execute a staged rollout phase plan",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the YAML configuration file",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "plan",
				Aliases:  []string{"p"},
				Usage:    "Path to the YAML rollout phase plan",
				Required: true,
			},
		},
		Action: rolloutAction,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
