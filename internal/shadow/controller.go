// Package shadow gates order flow by trading mode. In SHADOW mode every order
// request is logged and none executes; in CANARY mode a sampled percentage
// executes; in LIVE mode everything executes. The controller owns the audit
// trail and the virtual position book that reconciliation compares against.
package shadow

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/quantsentinel/trading-core/internal/config"
	"github.com/quantsentinel/trading-core/internal/execution"
	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/quantsentinel/trading-core/internal/metrics"
	"github.com/quantsentinel/trading-core/internal/types"
	"github.com/quantsentinel/trading-core/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Shadow request outcomes reported to metrics.
const (
	outcomeLogged    = "logged"
	outcomeBlocked   = "blocked"
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
)

// OrderExecutor is the execution adapter capability the controller needs.
type OrderExecutor interface {
	CreateOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	CancelAllOpen(ctx context.Context) int
}

// RiskGate supplies the pre-trade check for orders that do not execute, and
// the daily P&L consulted by the promotion criteria.
type RiskGate interface {
	PreTradeCheck(req types.OrderRequest) types.RiskCheckResult
	DailyPnL() decimal.Decimal
}

// Controller routes order requests by trading mode. A single mutex guards the
// mode, counters, virtual positions, and the shadow order log; execution calls
// happen outside the lock.
type Controller struct {
	mu               sync.Mutex
	mode             types.TradingMode
	canaryPercentage int
	rng              *rand.Rand

	executor OrderExecutor
	risk     RiskGate
	cfg      config.ShadowConfig

	totalRequests    int64
	executedOrders   int64
	succeededOrders  int64
	virtualPositions map[string]decimal.Decimal
	shadowLog        []types.ShadowOrder
	maxLogSize       int

	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewController creates a shadow mode controller in the configured initial
// mode (SHADOW when unset).
func NewController(executor OrderExecutor, risk RiskGate, cfg config.ShadowConfig, log *logger.Logger, m *metrics.Metrics) (*Controller, error) {
	mode := types.TradingModeShadow

	if cfg.InitialMode != "" {
		parsed, err := types.ParseTradingMode(cfg.InitialMode)
		if err != nil {
			return nil, err
		}

		mode = parsed
	}

	maxLogSize := cfg.ShadowLogSize
	if maxLogSize <= 0 {
		maxLogSize = config.DefaultShadowLogSize
	}

	return &Controller{
		mode:             mode,
		canaryPercentage: cfg.CanaryPercentage,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		executor:         executor,
		risk:             risk,
		cfg:              cfg,
		virtualPositions: make(map[string]decimal.Decimal),
		maxLogSize:       maxLogSize,
		log:              log,
		metrics:          m,
	}, nil
}

// CreateOrder routes one order request through the current trading mode. The
// returned bool reports whether the order was handed to the execution adapter.
// Every request produces one shadow log record regardless of outcome.
func (c *Controller) CreateOrder(ctx context.Context, req types.OrderRequest) (bool, *types.Order, error) {
	if err := req.Validate(); err != nil {
		return false, nil, err
	}

	c.mu.Lock()
	mode := c.mode
	execute := c.shouldExecuteLocked()
	c.totalRequests++
	c.mu.Unlock()

	if !execute {
		// The pre-trade check still runs so the log records what would have
		// been blocked, and the virtual book tracks what would have filled.
		result := c.risk.PreTradeCheck(req)

		record := shadowRecord(req, mode)
		outcome := outcomeLogged

		if result.Blocking() {
			record.BlockReason = result.Reason
			outcome = outcomeBlocked
		} else {
			c.applyVirtualFill(req)
		}

		c.appendRecord(record)
		c.metrics.ShadowRequest(outcome)

		return false, nil, nil
	}

	order, err := c.executor.CreateOrder(ctx, req)

	record := shadowRecord(req, mode)

	switch {
	case err == nil:
		record.Executed = true
		record.Succeeded = true

		c.mu.Lock()
		c.executedOrders++
		c.succeededOrders++
		c.mu.Unlock()

		c.appendRecord(record)
		c.metrics.ShadowRequest(outcomeSucceeded)

		return true, order, nil
	default:
		if blocked, ok := execution.AsRiskBlocked(err); ok {
			record.BlockReason = blocked.Result.Reason
			c.appendRecord(record)
			c.metrics.ShadowRequest(outcomeBlocked)

			return false, nil, err
		}

		record.Executed = true

		c.mu.Lock()
		c.executedOrders++
		c.mu.Unlock()

		c.appendRecord(record)
		c.metrics.ShadowRequest(outcomeFailed)

		return true, nil, err
	}
}

// Mode returns the current trading mode.
func (c *Controller) Mode() types.TradingMode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mode
}

// SetMode switches the trading mode directly. Mode transitions are always
// permitted downward (toward SHADOW); the guarded upward path is
// PromoteToLive.
func (c *Controller) SetMode(mode types.TradingMode) error {
	if _, err := types.ParseTradingMode(string(mode)); err != nil {
		return err
	}

	c.mu.Lock()
	previous := c.mode
	c.mode = mode
	c.mu.Unlock()

	c.log.Info("trading mode changed",
		zap.String("from", string(previous)),
		zap.String("to", string(mode)),
	)

	return nil
}

// SetCanaryPercentage adjusts the canary sampling rate.
func (c *Controller) SetCanaryPercentage(pct int) error {
	if pct < 0 || pct > 100 {
		return errors.Newf(errors.ErrCodeInvalidParameter, "canary percentage %d is outside [0,100]", pct)
	}

	c.mu.Lock()
	c.canaryPercentage = pct
	c.mu.Unlock()

	c.log.Info("canary percentage changed", zap.Int("percentage", pct))

	return nil
}

// GetStatus returns a snapshot of the controller's counters and virtual book.
func (c *Controller) GetStatus() types.ShadowStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	positions := make(map[string]decimal.Decimal, len(c.virtualPositions))
	for symbol, notional := range c.virtualPositions {
		positions[symbol] = notional
	}

	return types.ShadowStatus{
		Mode:             c.mode,
		CanaryPercentage: c.canaryPercentage,
		TotalRequests:    c.totalRequests,
		ExecutedOrders:   c.executedOrders,
		SucceededOrders:  c.succeededOrders,
		VirtualPositions: positions,
	}
}

// ShadowLog returns a copy of the shadow order audit trail.
func (c *Controller) ShadowLog() []types.ShadowOrder {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.ShadowOrder, len(c.shadowLog))
	copy(out, c.shadowLog)

	return out
}

// VirtualPositions returns a copy of the virtual position book.
func (c *Controller) VirtualPositions() map[string]decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(c.virtualPositions))
	for symbol, notional := range c.virtualPositions {
		out[symbol] = notional
	}

	return out
}

// SetVirtualPosition overwrites one virtual position. Used by reconciliation
// when correcting the virtual book to venue truth.
func (c *Controller) SetVirtualPosition(symbol string, notional decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if notional.IsZero() {
		delete(c.virtualPositions, symbol)

		return
	}

	c.virtualPositions[symbol] = notional
}

// ShouldPromoteToLive evaluates the promotion criteria: the controller must be
// in CANARY mode with enough executed orders, a sufficient success rate, and a
// non-negative daily P&L. Returns the first failing criterion as the reason.
func (c *Controller) ShouldPromoteToLive() (bool, string) {
	status := c.GetStatus()

	if status.Mode != types.TradingModeCanary {
		return false, "not in CANARY mode"
	}

	if status.ExecutedOrders < c.cfg.MinCanaryOrders {
		return false, "insufficient canary orders executed"
	}

	if status.SuccessRate() < c.cfg.PromotionSuccessRate {
		return false, "canary success rate below promotion threshold"
	}

	if c.risk.DailyPnL().IsNegative() {
		return false, "daily P&L is negative"
	}

	return true, ""
}

// PromoteToLive switches CANARY to LIVE when the promotion criteria hold.
func (c *Controller) PromoteToLive() error {
	ok, reason := c.ShouldPromoteToLive()
	if !ok {
		return errors.Newf(errors.ErrCodeNotInCanaryMode, "promotion refused: %s", reason)
	}

	c.mu.Lock()
	c.mode = types.TradingModeLive
	c.mu.Unlock()

	c.log.Info("promoted to LIVE trading mode")

	return nil
}

// RollbackToShadow drops to SHADOW mode immediately and cancels every open
// order, best effort. Rollback always succeeds: cancel failures are logged by
// the adapter, not propagated.
func (c *Controller) RollbackToShadow(ctx context.Context, reason string) int {
	c.mu.Lock()
	previous := c.mode
	c.mode = types.TradingModeShadow
	c.mu.Unlock()

	canceled := c.executor.CancelAllOpen(ctx)

	c.log.Warn("rolled back to SHADOW trading mode",
		zap.String("from", string(previous)),
		zap.String("reason", reason),
		zap.Int("orders_canceled", canceled),
	)

	return canceled
}

// Callers must hold c.mu.
func (c *Controller) shouldExecuteLocked() bool {
	switch c.mode {
	case types.TradingModeLive:
		return true
	case types.TradingModeCanary:
		return c.rng.Intn(100) < c.canaryPercentage
	default:
		return false
	}
}

// applyVirtualFill folds a would-be order into the virtual position book at
// the best known price. An order with no known price leaves the book
// untouched.
func (c *Controller) applyVirtualFill(req types.OrderRequest) {
	var price decimal.Decimal

	switch {
	case req.Price.IsSome():
		price = req.Price.Unwrap()
	case req.MarketPrice.IsSome():
		price = req.MarketPrice.Unwrap()
	default:
		return
	}

	delta := req.Quantity.Mul(price)
	if req.Side == types.OrderSideSell {
		delta = delta.Neg()
	}

	c.mu.Lock()
	c.virtualPositions[req.Symbol] = c.virtualPositions[req.Symbol].Add(delta)
	c.mu.Unlock()
}

func (c *Controller) appendRecord(record types.ShadowOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shadowLog = append(c.shadowLog, record)
	if len(c.shadowLog) > c.maxLogSize {
		c.shadowLog = c.shadowLog[len(c.shadowLog)-c.maxLogSize:]
	}
}

func shadowRecord(req types.OrderRequest, mode types.TradingMode) types.ShadowOrder {
	return types.ShadowOrder{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Mode:          mode,
		StrategyTag:   req.StrategyTag,
		CorrelationID: req.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
}
