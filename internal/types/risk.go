package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type RiskAction string

const (
	RiskActionAllow RiskAction = "ALLOW"
	RiskActionBlock RiskAction = "BLOCK"
	RiskActionWarn  RiskAction = "WARN"
	RiskActionHalt  RiskAction = "HALT"
)

// Risk check names used in RiskCheckResult.Check and in block reasons.
const (
	RiskCheckKillSwitch      string = "kill_switch"
	RiskCheckSingleOrderSize string = "single_order_size"
	RiskCheckSymbolExposure  string = "symbol_exposure"
	RiskCheckTotalExposure   string = "total_exposure"
	RiskCheckDailyLoss       string = "daily_loss"
	RiskCheckSlippage        string = "slippage"
	RiskCheckWsDowntime      string = "ws_downtime"
	RiskCheckLatency         string = "latency"
	RiskCheckPreTrade        string = "pre_trade"
	RiskCheckRuntime         string = "runtime"
	RiskCheckReconciliation  string = "reconciliation"
)

// RiskCheckResult is an immutable record of a single risk evaluation. Results
// with action BLOCK or HALT are appended to the risk engine's audit log before
// the caller observes them.
type RiskCheckResult struct {
	Check     string          `yaml:"check" json:"check"`
	Action    RiskAction      `yaml:"action" json:"action"`
	Reason    string          `yaml:"reason" json:"reason"`
	Value     decimal.Decimal `yaml:"value" json:"value"`
	Threshold decimal.Decimal `yaml:"threshold" json:"threshold"`
	Timestamp time.Time       `yaml:"timestamp" json:"timestamp"`
}

// Blocking reports whether the result forbids the order from proceeding.
func (r RiskCheckResult) Blocking() bool {
	return r.Action == RiskActionBlock || r.Action == RiskActionHalt
}

// RiskStatus is a read-only snapshot of the risk engine's counters, used by
// health checks and the canary orchestrator.
type RiskStatus struct {
	KillSwitchEngaged bool                       `yaml:"kill_switch_engaged" json:"kill_switch_engaged"`
	Positions         map[string]decimal.Decimal `yaml:"positions" json:"positions"`
	TotalExposure     decimal.Decimal            `yaml:"total_exposure" json:"total_exposure"`
	DailyPnL          decimal.Decimal            `yaml:"daily_pnl" json:"daily_pnl"`
	AvgLatencyMicros  int64                      `yaml:"avg_latency_micros" json:"avg_latency_micros"`
	LastHeartbeat     time.Time                  `yaml:"last_heartbeat" json:"last_heartbeat"`
	ErrorCount        int64                      `yaml:"error_count" json:"error_count"`
	BlockedCount      int64                      `yaml:"blocked_count" json:"blocked_count"`
	RecentAudit       []RiskCheckResult          `yaml:"recent_audit" json:"recent_audit"`
}
