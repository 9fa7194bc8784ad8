package types

import "time"

type KillSwitchState string

const (
	// KillSwitchOff permits trading.
	KillSwitchOff KillSwitchState = "OFF"
	// KillSwitchOn blocks all new order submissions.
	KillSwitchOn KillSwitchState = "ON"
	// KillSwitchAuto behaves as OFF but escalates to ON on a risk engine HALT.
	KillSwitchAuto KillSwitchState = "AUTO"
)

type KillSwitchTrigger string

const (
	KillSwitchTriggerManual        KillSwitchTrigger = "manual"
	KillSwitchTriggerDailyLoss     KillSwitchTrigger = "daily_loss"
	KillSwitchTriggerLatency       KillSwitchTrigger = "latency"
	KillSwitchTriggerWsDowntime    KillSwitchTrigger = "websocket_downtime"
	KillSwitchTriggerErrorRate     KillSwitchTrigger = "error_rate"
	KillSwitchTriggerPositionLimit KillSwitchTrigger = "position_limit"
	KillSwitchTriggerExternal      KillSwitchTrigger = "external"
)

// KillSwitchEvent records a single state change of the kill switch. Events are
// append-only and persisted to durable storage before the transition is
// acknowledged, so a restarted process recovers the last known state.
type KillSwitchEvent struct {
	Trigger   KillSwitchTrigger `yaml:"trigger" json:"trigger"`
	Reason    string            `yaml:"reason" json:"reason"`
	Timestamp time.Time         `yaml:"timestamp" json:"timestamp"`
	Metadata  map[string]string `yaml:"metadata" json:"metadata"`
	// Activated is true when the switch turned on, false when it turned off
	// or was reconfigured.
	Activated bool `yaml:"activated" json:"activated"`
}
