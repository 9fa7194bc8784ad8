package types

import (
	"time"

	"github.com/moznion/go-optional"
	"github.com/quantsentinel/trading-core/pkg/errors"
	"github.com/shopspring/decimal"
)

type TradingMode string

const (
	// TradingModeShadow logs every order request without executing any.
	TradingModeShadow TradingMode = "SHADOW"
	// TradingModeCanary executes a configured percentage of order requests.
	TradingModeCanary TradingMode = "CANARY"
	// TradingModeLive executes every order request.
	TradingModeLive TradingMode = "LIVE"
)

// ParseTradingMode converts a string into a TradingMode.
func ParseTradingMode(s string) (TradingMode, error) {
	switch TradingMode(s) {
	case TradingModeShadow, TradingModeCanary, TradingModeLive:
		return TradingMode(s), nil
	default:
		return "", errors.Newf(errors.ErrCodeInvalidTradingMode, "unknown trading mode: %s", s)
	}
}

// ShadowOrder mirrors an order request's intended parameters plus the resolved
// mode and execution outcome. One record is logged for every order request
// regardless of whether it executed; this is the audit trail used to compute
// the canary success rate.
type ShadowOrder struct {
	Symbol        string                           `yaml:"symbol" json:"symbol"`
	Side          OrderSide                        `yaml:"side" json:"side"`
	Type          OrderType                        `yaml:"type" json:"type"`
	Quantity      decimal.Decimal                  `yaml:"quantity" json:"quantity"`
	Price         optional.Option[decimal.Decimal] `yaml:"price" json:"price"`
	Mode          TradingMode                      `yaml:"mode" json:"mode"`
	Executed      bool                             `yaml:"executed" json:"executed"`
	Succeeded     bool                             `yaml:"succeeded" json:"succeeded"`
	BlockReason   string                           `yaml:"block_reason" json:"block_reason"`
	StrategyTag   string                           `yaml:"strategy_tag" json:"strategy_tag"`
	CorrelationID string                           `yaml:"correlation_id" json:"correlation_id"`
	Timestamp     time.Time                        `yaml:"timestamp" json:"timestamp"`
}

// ShadowStatus is a read-only snapshot of the shadow controller, used by the
// canary orchestrator's health checks.
type ShadowStatus struct {
	Mode             TradingMode                `yaml:"mode" json:"mode"`
	CanaryPercentage int                        `yaml:"canary_percentage" json:"canary_percentage"`
	TotalRequests    int64                      `yaml:"total_requests" json:"total_requests"`
	ExecutedOrders   int64                      `yaml:"executed_orders" json:"executed_orders"`
	SucceededOrders  int64                      `yaml:"succeeded_orders" json:"succeeded_orders"`
	VirtualPositions map[string]decimal.Decimal `yaml:"virtual_positions" json:"virtual_positions"`
}

// SuccessRate returns the fraction of executed canary orders that succeeded,
// or zero when none executed.
func (s ShadowStatus) SuccessRate() float64 {
	if s.ExecutedOrders == 0 {
		return 0
	}

	return float64(s.SucceededOrders) / float64(s.ExecutedOrders)
}
