package canary

import (
	"context"
	"strconv"
	"time"

	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/quantsentinel/trading-core/internal/metrics"
	"github.com/quantsentinel/trading-core/internal/types"
	"github.com/quantsentinel/trading-core/pkg/errors"
	"go.uber.org/zap"
)

// ModeController is the shadow controller capability the orchestrator drives.
type ModeController interface {
	SetMode(mode types.TradingMode) error
	SetCanaryPercentage(pct int) error
	GetStatus() types.ShadowStatus
	RollbackToShadow(ctx context.Context, reason string) int
}

// HealthSource exposes the risk engine snapshot consulted on every check.
type HealthSource interface {
	Status() types.RiskStatus
}

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	ReconcilePositions(ctx context.Context) (*types.ReconciliationReport, error)
}

// Breaker is the kill switch surface the orchestrator trips on rollback.
type Breaker interface {
	Engaged() bool
	Activate(trigger types.KillSwitchTrigger, reason string, metadata map[string]string) (*types.KillSwitchEvent, error)
}

// Result summarizes one orchestrator run.
type Result struct {
	CompletedPhases int    `json:"completed_phases"`
	RolledBack      bool   `json:"rolled_back"`
	FailedPhase     string `json:"failed_phase,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Orchestrator walks a phase plan, advancing only while every health check
// passes. Any failed check rolls the system back to SHADOW and trips the kill
// switch; the run never continues past a rollback.
type Orchestrator struct {
	plan       *Plan
	controller ModeController
	risk       HealthSource
	reconciler Reconciler
	breaker    Breaker
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// NewOrchestrator creates a canary orchestrator for a validated plan.
func NewOrchestrator(plan *Plan, controller ModeController, risk HealthSource, reconciler Reconciler, breaker Breaker, log *logger.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		plan:       plan,
		controller: controller,
		risk:       risk,
		reconciler: reconciler,
		breaker:    breaker,
		log:        log,
		metrics:    m,
	}
}

// Run executes the plan phase by phase. The returned Result reports how far
// the run got; a rollback is not an error, a failure to enact the plan is.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	result := &Result{}

	for i, phase := range o.plan.Phases {
		o.metrics.SetCanaryPhase(i)
		o.log.Info("entering rollout phase",
			zap.String("phase", phase.Name),
			zap.String("mode", phase.Mode),
			zap.Int("canary_percentage", phase.CanaryPercentage),
			zap.Duration("duration", phase.Duration.Std()),
		)

		if err := o.enterPhase(phase); err != nil {
			return result, err
		}

		if reason := o.runPhase(ctx, phase); reason != "" {
			o.rollback(ctx, phase, reason, result)

			return result, nil
		}

		if ctx.Err() != nil {
			result.Reason = "run canceled"

			return result, errors.Wrap(errors.ErrCodePhaseFailed, "rollout canceled", ctx.Err())
		}

		result.CompletedPhases++
		o.log.Info("rollout phase completed", zap.String("phase", phase.Name))
	}

	o.log.Info("rollout plan completed", zap.Int("phases", result.CompletedPhases))

	return result, nil
}

func (o *Orchestrator) enterPhase(phase Phase) error {
	if err := o.controller.SetMode(phase.TradingMode()); err != nil {
		return errors.Wrapf(errors.ErrCodePhaseFailed, err, "failed to enter phase %s", phase.Name)
	}

	if phase.TradingMode() == types.TradingModeCanary {
		if err := o.controller.SetCanaryPercentage(phase.CanaryPercentage); err != nil {
			return errors.Wrapf(errors.ErrCodePhaseFailed, err, "failed to set canary percentage for phase %s", phase.Name)
		}
	}

	return nil
}

// runPhase holds the phase for its duration, health-checking on the phase's
// cadence. Returns the failure reason, or empty when the phase ran healthy to
// completion. Context cancellation ends the phase without failing it; Run
// surfaces the cancellation.
func (o *Orchestrator) runPhase(ctx context.Context, phase Phase) string {
	// Success rate is judged on this phase's own orders, not history.
	baseline := o.controller.GetStatus()

	deadline := time.NewTimer(phase.Duration.Std())
	defer deadline.Stop()

	ticker := time.NewTicker(phase.checkInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ""
		case <-deadline.C:
			return o.healthCheck(ctx, phase, baseline)
		case <-ticker.C:
			if reason := o.healthCheck(ctx, phase, baseline); reason != "" {
				return reason
			}
		}
	}
}

func (o *Orchestrator) healthCheck(ctx context.Context, phase Phase, baseline types.ShadowStatus) string {
	if o.breaker.Engaged() {
		return "kill switch engaged"
	}

	riskStatus := o.risk.Status()
	if riskStatus.DailyPnL.IsNegative() {
		return "daily P&L turned negative"
	}

	report, err := o.reconciler.ReconcilePositions(ctx)
	if err != nil {
		return "reconciliation pass failed: " + err.Error()
	}

	if len(report.Discrepancies) > phase.MaxDiscrepancies {
		return "reconciliation discrepancies exceed phase tolerance"
	}

	status := o.controller.GetStatus()

	executed := status.ExecutedOrders - baseline.ExecutedOrders
	succeeded := status.SucceededOrders - baseline.SucceededOrders

	if executed > 0 {
		rate := float64(succeeded) / float64(executed)
		if rate < phase.MinSuccessRate {
			return "order success rate below phase minimum"
		}
	}

	return ""
}

func (o *Orchestrator) rollback(ctx context.Context, phase Phase, reason string, result *Result) {
	result.RolledBack = true
	result.FailedPhase = phase.Name
	result.Reason = reason

	canceled := o.controller.RollbackToShadow(ctx, reason)

	if !o.breaker.Engaged() {
		if _, err := o.breaker.Activate(types.KillSwitchTriggerExternal, "canary rollback: "+reason, map[string]string{
			"phase":           phase.Name,
			"orders_canceled": strconv.Itoa(canceled),
		}); err != nil {
			o.log.Error("failed to trip kill switch during rollback", zap.Error(err))
		}
	}

	o.log.Warn("rollout rolled back",
		zap.String("phase", phase.Name),
		zap.String("reason", reason),
		zap.Int("orders_canceled", canceled),
	)
}
