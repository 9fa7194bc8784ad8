// Package risk implements the pre-trade and runtime risk policy evaluator.
// Every order is gated through PreTradeCheck before it may reach the venue,
// and RuntimeCheck continuously validates live operating conditions. All
// monetary comparisons use exact decimal arithmetic.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/quantsentinel/trading-core/internal/config"
	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/quantsentinel/trading-core/internal/metrics"
	"github.com/quantsentinel/trading-core/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// latencyWindow is the size of the rolling latency sample buffer.
const latencyWindow = 256

// dailyLossWarnFraction is the fraction of the daily loss limit at which a
// pre-trade WARN is raised for orders that would deepen an existing loss.
var dailyLossWarnFraction = decimal.NewFromFloat(0.8)

// bpsFactor converts a price ratio into basis points.
var bpsFactor = decimal.NewFromInt(10000)

// CircuitBreaker is the kill switch capability the engine depends on. The
// concrete implementation lives in the killswitch package.
type CircuitBreaker interface {
	// Engaged reports whether the switch is ON.
	Engaged() bool
	// AutoEnabled reports whether a HALT should escalate the switch to ON.
	AutoEnabled() bool
	// Activate turns the switch ON.
	Activate(trigger types.KillSwitchTrigger, reason string, metadata map[string]string) (*types.KillSwitchEvent, error)
}

// Limits holds the engine thresholds in exact decimal form.
type Limits struct {
	MaxOrderNotional  decimal.Decimal
	MaxSymbolExposure decimal.Decimal
	MaxTotalExposure  decimal.Decimal
	DailyLossLimit    decimal.Decimal
	SlippageWarnBps   decimal.Decimal
	MaxLatencyMicros  int64
	MaxWsDowntime     time.Duration
	MaxErrorRate      int64
	AuditLogSize      int
}

// LimitsFromConfig converts the YAML limit values into decimals once at startup.
func LimitsFromConfig(cfg config.RiskLimitsConfig) Limits {
	return Limits{
		MaxOrderNotional:  cfg.MaxOrderNotionalDecimal(),
		MaxSymbolExposure: cfg.MaxSymbolExposureDecimal(),
		MaxTotalExposure:  cfg.MaxTotalExposureDecimal(),
		DailyLossLimit:    cfg.DailyLossLimitDecimal(),
		SlippageWarnBps:   cfg.SlippageWarnBpsDecimal(),
		MaxLatencyMicros:  cfg.MaxLatencyMicros,
		MaxWsDowntime:     cfg.MaxWsDowntime.Std(),
		MaxErrorRate:      cfg.MaxErrorRate,
		AuditLogSize:      cfg.AuditLogSize,
	}
}

// Engine evaluates risk policy over mutable counters. A single mutex guards
// the positions map, daily P&L, latency samples, heartbeat timestamp, and the
// audit ring buffer: threshold checks are read-modify-write sequences that
// must be atomic, or a race permits exceeding a limit.
type Engine struct {
	mu            sync.Mutex
	limits        Limits
	breaker       CircuitBreaker
	positions     map[string]decimal.Decimal
	dailyPnL      decimal.Decimal
	latencies     [latencyWindow]int64
	latencyIdx    int
	latencyCount  int
	lastHeartbeat time.Time
	errorCount    int64
	blockedCount  int64
	audit         []types.RiskCheckResult
	startedAt     time.Time
	log           *logger.Logger
	metrics       *metrics.Metrics
}

// NewEngine creates a risk engine with the given limits and circuit breaker.
func NewEngine(limits Limits, breaker CircuitBreaker, log *logger.Logger, m *metrics.Metrics) *Engine {
	if limits.AuditLogSize <= 0 {
		limits.AuditLogSize = config.DefaultAuditLogSize
	}

	return &Engine{
		limits:    limits,
		breaker:   breaker,
		positions: make(map[string]decimal.Decimal),
		dailyPnL:  decimal.Zero,
		startedAt: time.Now().UTC(),
		log:       log,
		metrics:   m,
	}
}

// PreTradeCheck gates an order request. Checks run in fixed order and the
// first non-ALLOW result wins: kill switch, single order cap, per-symbol
// exposure cap, global exposure cap, daily loss proximity (WARN), market order
// slippage (WARN). BLOCK results are recorded and logged before the caller
// observes them.
func (e *Engine) PreTradeCheck(req types.OrderRequest) types.RiskCheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.breaker != nil && e.breaker.Engaged() {
		return e.record(types.RiskCheckResult{
			Check:     types.RiskCheckKillSwitch,
			Action:    types.RiskActionBlock,
			Reason:    "kill switch is engaged; all order submissions are blocked",
			Value:     decimal.NewFromInt(1),
			Threshold: decimal.Zero,
			Timestamp: time.Now().UTC(),
		})
	}

	notional := req.Notional()

	// A market order with no known price cannot be sized. Coerce to WARN
	// rather than fault; the adapter re-validates against venue rules.
	if notional.IsZero() && req.Type == types.OrderTypeMarket {
		return e.record(types.RiskCheckResult{
			Check:     types.RiskCheckPreTrade,
			Action:    types.RiskActionWarn,
			Reason:    fmt.Sprintf("market order for %s has no reference price; notional unknown", req.Symbol),
			Value:     decimal.Zero,
			Threshold: decimal.Zero,
			Timestamp: time.Now().UTC(),
		})
	}

	if notional.GreaterThan(e.limits.MaxOrderNotional) {
		return e.record(types.RiskCheckResult{
			Check:  types.RiskCheckSingleOrderSize,
			Action: types.RiskActionBlock,
			Reason: fmt.Sprintf("single_order_size: order notional %s exceeds cap %s",
				notional.String(), e.limits.MaxOrderNotional.String()),
			Value:     notional,
			Threshold: e.limits.MaxOrderNotional,
			Timestamp: time.Now().UTC(),
		})
	}

	symbolExposure := e.positions[req.Symbol].Abs().Add(notional)
	if symbolExposure.GreaterThan(e.limits.MaxSymbolExposure) {
		return e.record(types.RiskCheckResult{
			Check:  types.RiskCheckSymbolExposure,
			Action: types.RiskActionBlock,
			Reason: fmt.Sprintf("symbol_exposure: %s exposure %s would exceed cap %s",
				req.Symbol, symbolExposure.String(), e.limits.MaxSymbolExposure.String()),
			Value:     symbolExposure,
			Threshold: e.limits.MaxSymbolExposure,
			Timestamp: time.Now().UTC(),
		})
	}

	totalExposure := e.totalExposureLocked().Add(notional)
	if totalExposure.GreaterThan(e.limits.MaxTotalExposure) {
		return e.record(types.RiskCheckResult{
			Check:  types.RiskCheckTotalExposure,
			Action: types.RiskActionBlock,
			Reason: fmt.Sprintf("total_exposure: total exposure %s would exceed cap %s",
				totalExposure.String(), e.limits.MaxTotalExposure.String()),
			Value:     totalExposure,
			Threshold: e.limits.MaxTotalExposure,
			Timestamp: time.Now().UTC(),
		})
	}

	if e.dailyPnL.IsNegative() {
		worstCase := e.dailyPnL.Neg().Add(notional)
		warnLevel := e.limits.DailyLossLimit.Mul(dailyLossWarnFraction)

		if worstCase.GreaterThan(warnLevel) {
			return e.record(types.RiskCheckResult{
				Check:  types.RiskCheckDailyLoss,
				Action: types.RiskActionWarn,
				Reason: fmt.Sprintf("daily_loss: worst-case loss %s exceeds 80%% of daily limit %s",
					worstCase.String(), e.limits.DailyLossLimit.String()),
				Value:     worstCase,
				Threshold: warnLevel,
				Timestamp: time.Now().UTC(),
			})
		}
	}

	if req.Type == types.OrderTypeMarket {
		if result, breached := e.slippageCheckLocked(req); breached {
			return e.record(result)
		}
	}

	return types.RiskCheckResult{
		Check:     types.RiskCheckPreTrade,
		Action:    types.RiskActionAllow,
		Reason:    "all pre-trade checks passed",
		Value:     notional,
		Threshold: decimal.Zero,
		Timestamp: time.Now().UTC(),
	}
}

// slippageCheckLocked compares the current market price against the request's
// reference price in basis points. A zero or missing reference price skips the
// check entirely rather than faulting.
func (e *Engine) slippageCheckLocked(req types.OrderRequest) (types.RiskCheckResult, bool) {
	if e.limits.SlippageWarnBps.IsZero() || req.Price.IsNone() || req.MarketPrice.IsNone() {
		return types.RiskCheckResult{}, false
	}

	reference := req.Price.Unwrap()
	if reference.IsZero() {
		return types.RiskCheckResult{}, false
	}

	current := req.MarketPrice.Unwrap()
	slippageBps := current.Sub(reference).Abs().Div(reference).Mul(bpsFactor)

	if slippageBps.LessThanOrEqual(e.limits.SlippageWarnBps) {
		return types.RiskCheckResult{}, false
	}

	return types.RiskCheckResult{
		Check:  types.RiskCheckSlippage,
		Action: types.RiskActionWarn,
		Reason: fmt.Sprintf("slippage: market price deviates %s bps from reference, threshold %s bps",
			slippageBps.StringFixed(2), e.limits.SlippageWarnBps.String()),
		Value:     slippageBps,
		Threshold: e.limits.SlippageWarnBps,
		Timestamp: time.Now().UTC(),
	}, true
}

// RuntimeCheck validates live operating conditions independent of any order:
// market data downtime, rolling average latency, and daily P&L. Any breach
// returns HALT and, when the kill switch is in auto mode, engages it.
func (e *Engine) RuntimeCheck() types.RiskCheckResult {
	e.mu.Lock()

	last := e.lastHeartbeat
	if last.IsZero() {
		last = e.startedAt
	}

	downtime := time.Since(last)
	avgLatency := e.avgLatencyLocked()
	dailyPnL := e.dailyPnL
	e.mu.Unlock()

	if downtime > e.limits.MaxWsDowntime {
		return e.halt(types.KillSwitchTriggerWsDowntime, types.RiskCheckWsDowntime,
			fmt.Sprintf("market data silent for %s, threshold %s", downtime.Round(time.Millisecond), e.limits.MaxWsDowntime),
			decimal.NewFromInt(downtime.Microseconds()),
			decimal.NewFromInt(e.limits.MaxWsDowntime.Microseconds()))
	}

	if avgLatency > e.limits.MaxLatencyMicros {
		return e.halt(types.KillSwitchTriggerLatency, types.RiskCheckLatency,
			fmt.Sprintf("rolling average latency %dus exceeds threshold %dus", avgLatency, e.limits.MaxLatencyMicros),
			decimal.NewFromInt(avgLatency),
			decimal.NewFromInt(e.limits.MaxLatencyMicros))
	}

	if dailyPnL.LessThan(e.limits.DailyLossLimit.Neg()) {
		return e.halt(types.KillSwitchTriggerDailyLoss, types.RiskCheckDailyLoss,
			fmt.Sprintf("daily pnl %s breaches daily loss limit %s", dailyPnL.String(), e.limits.DailyLossLimit.String()),
			dailyPnL,
			e.limits.DailyLossLimit.Neg())
	}

	return types.RiskCheckResult{
		Check:     types.RiskCheckRuntime,
		Action:    types.RiskActionAllow,
		Reason:    "runtime conditions nominal",
		Value:     decimal.Zero,
		Threshold: decimal.Zero,
		Timestamp: time.Now().UTC(),
	}
}

// halt builds a HALT result, records it, and escalates the kill switch when
// auto mode is enabled.
func (e *Engine) halt(trigger types.KillSwitchTrigger, check, reason string, value, threshold decimal.Decimal) types.RiskCheckResult {
	result := types.RiskCheckResult{
		Check:     check,
		Action:    types.RiskActionHalt,
		Reason:    reason,
		Value:     value,
		Threshold: threshold,
		Timestamp: time.Now().UTC(),
	}

	e.mu.Lock()
	result = e.record(result)
	e.mu.Unlock()

	if e.breaker != nil && e.breaker.AutoEnabled() && !e.breaker.Engaged() {
		if _, err := e.breaker.Activate(trigger, reason, nil); err != nil {
			e.log.Error("failed to auto-activate kill switch", zap.Error(err))
		}
	}

	return result
}

// UpdateDailyPnL sets the current daily profit and loss.
func (e *Engine) UpdateDailyPnL(value decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dailyPnL = value
}

// UpdatePosition sets the signed notional position for a symbol.
func (e *Engine) UpdatePosition(symbol string, notional decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if notional.IsZero() {
		delete(e.positions, symbol)

		return
	}

	e.positions[symbol] = notional
}

// AddPositionDelta folds a fill delta into the signed notional position for a
// symbol within a single critical section, so concurrent fills on the same
// symbol cannot lose an update.
func (e *Engine) AddPositionDelta(symbol string, delta decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.positions[symbol].Add(delta)
	if next.IsZero() {
		delete(e.positions, symbol)

		return
	}

	e.positions[symbol] = next
}

// AddLatencySample records one venue round-trip latency sample in microseconds.
func (e *Engine) AddLatencySample(micros int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.latencies[e.latencyIdx] = micros
	e.latencyIdx = (e.latencyIdx + 1) % latencyWindow

	if e.latencyCount < latencyWindow {
		e.latencyCount++
	}
}

// Heartbeat records that the market data feed is alive.
func (e *Engine) Heartbeat() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastHeartbeat = time.Now().UTC()
}

// RecordVenueError increments the venue error counter consulted by the error
// rate trigger check.
func (e *Engine) RecordVenueError() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.errorCount++
}

// ResetDailyCounters clears the daily P&L and error counters at day rollover.
func (e *Engine) ResetDailyCounters() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dailyPnL = decimal.Zero
	e.errorCount = 0
}

// Positions returns a copy of the signed notional position book.
func (e *Engine) Positions() map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(e.positions))
	for symbol, notional := range e.positions {
		out[symbol] = notional
	}

	return out
}

// SetPosition overwrites a symbol's position. Invoked by the reconciliation
// engine when correcting internal state to the venue truth.
func (e *Engine) SetPosition(symbol string, notional decimal.Decimal) {
	e.UpdatePosition(symbol, notional)
}

// Status returns a read-only snapshot of the engine's counters and recent
// audit entries.
func (e *Engine) Status() types.RiskStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	positions := make(map[string]decimal.Decimal, len(e.positions))
	for symbol, notional := range e.positions {
		positions[symbol] = notional
	}

	audit := make([]types.RiskCheckResult, len(e.audit))
	copy(audit, e.audit)

	engaged := false
	if e.breaker != nil {
		engaged = e.breaker.Engaged()
	}

	return types.RiskStatus{
		KillSwitchEngaged: engaged,
		Positions:         positions,
		TotalExposure:     e.totalExposureLocked(),
		DailyPnL:          e.dailyPnL,
		AvgLatencyMicros:  e.avgLatencyLocked(),
		LastHeartbeat:     e.lastHeartbeat,
		ErrorCount:        e.errorCount,
		BlockedCount:      e.blockedCount,
		RecentAudit:       audit,
	}
}

// DailyPnL returns the current daily profit and loss.
func (e *Engine) DailyPnL() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.dailyPnL
}

// BlockedCount returns the number of BLOCK and HALT results since start.
func (e *Engine) BlockedCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.blockedCount
}

// NoteDivergence appends a WARN entry to the audit log for a condition
// detected outside the engine, such as a reconciliation discrepancy.
func (e *Engine) NoteDivergence(check, reason string, value, threshold decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record(types.RiskCheckResult{
		Check:     check,
		Action:    types.RiskActionWarn,
		Reason:    reason,
		Value:     value,
		Threshold: threshold,
		Timestamp: time.Now().UTC(),
	})
}

// ErrorCount returns the venue error count since the last daily reset.
func (e *Engine) ErrorCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.errorCount
}

// record appends non-ALLOW results to the bounded audit ring, counts blocking
// results, and logs them before the caller observes the result. Callers must
// hold e.mu.
func (e *Engine) record(result types.RiskCheckResult) types.RiskCheckResult {
	e.audit = append(e.audit, result)
	if len(e.audit) > e.limits.AuditLogSize {
		e.audit = e.audit[len(e.audit)-e.limits.AuditLogSize:]
	}

	if result.Blocking() {
		e.blockedCount++
		e.metrics.RiskBlock(result.Check)
		e.log.Warn("risk check failed",
			zap.String("check", result.Check),
			zap.String("action", string(result.Action)),
			zap.String("reason", result.Reason),
			zap.String("value", result.Value.String()),
			zap.String("threshold", result.Threshold.String()),
		)
	}

	return result
}

// totalExposureLocked sums absolute exposure across all symbols. Callers must
// hold e.mu.
func (e *Engine) totalExposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, notional := range e.positions {
		total = total.Add(notional.Abs())
	}

	return total
}

// avgLatencyLocked computes the rolling average latency in microseconds.
// Callers must hold e.mu.
func (e *Engine) avgLatencyLocked() int64 {
	if e.latencyCount == 0 {
		return 0
	}

	var sum int64
	for i := 0; i < e.latencyCount; i++ {
		sum += e.latencies[i]
	}

	return sum / int64(e.latencyCount)
}
