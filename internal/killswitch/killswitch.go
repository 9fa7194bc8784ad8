// Package killswitch implements the trading circuit breaker. When engaged, all
// new order submissions are blocked by the risk engine's pre-trade check. Every
// transition is persisted before the caller observes success, so a restarted
// process cannot silently resume live trading after a halt.
package killswitch

import (
	"strconv"
	"sync"
	"time"

	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/quantsentinel/trading-core/internal/metrics"
	"github.com/quantsentinel/trading-core/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Callback is invoked after a completed transition. Used by monitoring and by
// the execution adapter to cancel working orders. Callback failures are logged
// but never block the transition.
type Callback func(event types.KillSwitchEvent) error

// KillSwitch is the persistent circuit breaker. All state is guarded by a
// single mutex; the durable write completes inside the critical section so a
// crash between decision and persistence cannot acknowledge an unsaved
// transition.
type KillSwitch struct {
	mu        sync.Mutex
	engaged   bool
	auto      bool
	tripCount int
	store     StateStore
	callbacks []Callback
	log       *logger.Logger
	metrics   *metrics.Metrics
}

// New creates a KillSwitch, recovering the last persisted state from the
// store. A store read failure is fatal: the switch must not start in an
// unknown-safe state.
func New(store StateStore, autoMode bool, log *logger.Logger, m *metrics.Metrics) (*KillSwitch, error) {
	state, found, err := store.Load()
	if err != nil {
		return nil, err
	}

	ks := &KillSwitch{
		engaged:   false,
		auto:      autoMode,
		tripCount: 0,
		store:     store,
		callbacks: nil,
		log:       log,
		metrics:   m,
	}

	if found {
		ks.engaged = state.Engaged
		ks.auto = state.Auto

		if state.Engaged {
			log.Warn("kill switch recovered in engaged state; trading remains halted")
		}
	}

	m.SetKillSwitchEngaged(ks.engaged)

	return ks, nil
}

// RegisterCallback adds a callback invoked on every completed transition.
func (k *KillSwitch) RegisterCallback(cb Callback) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.callbacks = append(k.callbacks, cb)
}

// Engaged reports whether the switch is ON.
func (k *KillSwitch) Engaged() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.engaged
}

// AutoEnabled reports whether a risk engine HALT escalates the switch to ON.
func (k *KillSwitch) AutoEnabled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.auto
}

// State returns the switch position: ON when engaged, otherwise AUTO or OFF
// depending on auto mode.
func (k *KillSwitch) State() types.KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch {
	case k.engaged:
		return types.KillSwitchOn
	case k.auto:
		return types.KillSwitchAuto
	default:
		return types.KillSwitchOff
	}
}

// TripCount returns the number of activations since process start.
func (k *KillSwitch) TripCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.tripCount
}

// Activate turns the switch ON. Activating an already-ON switch is a no-op and
// returns a nil event without duplicating the persisted log. The transition is
// durable before this method returns success.
func (k *KillSwitch) Activate(trigger types.KillSwitchTrigger, reason string, metadata map[string]string) (*types.KillSwitchEvent, error) {
	k.mu.Lock()

	if k.engaged {
		k.mu.Unlock()

		return nil, nil
	}

	event := types.KillSwitchEvent{
		Trigger:   trigger,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
		Activated: true,
	}

	if err := k.store.SaveTransition(PersistedState{Engaged: true, Auto: k.auto}, event); err != nil {
		k.mu.Unlock()

		return nil, err
	}

	k.engaged = true
	k.tripCount++
	callbacks := append([]Callback(nil), k.callbacks...)
	k.mu.Unlock()

	k.metrics.KillSwitchTrip()
	k.metrics.SetKillSwitchEngaged(true)
	k.log.Error("kill switch activated",
		zap.String("trigger", string(trigger)),
		zap.String("reason", reason),
	)

	k.runCallbacks(callbacks, event)

	return &event, nil
}

// Deactivate turns the switch OFF. Deactivating an already-OFF switch is a
// no-op and returns a nil event.
func (k *KillSwitch) Deactivate(reason string) (*types.KillSwitchEvent, error) {
	k.mu.Lock()

	if !k.engaged {
		k.mu.Unlock()

		return nil, nil
	}

	event := types.KillSwitchEvent{
		Trigger:   types.KillSwitchTriggerManual,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
		Metadata:  nil,
		Activated: false,
	}

	if err := k.store.SaveTransition(PersistedState{Engaged: false, Auto: k.auto}, event); err != nil {
		k.mu.Unlock()

		return nil, err
	}

	k.engaged = false
	callbacks := append([]Callback(nil), k.callbacks...)
	k.mu.Unlock()

	k.metrics.SetKillSwitchEngaged(false)
	k.log.Warn("kill switch deactivated", zap.String("reason", reason))

	k.runCallbacks(callbacks, event)

	return &event, nil
}

// SetAutoMode enables or disables automatic escalation. The reconfiguration is
// persisted like any other transition.
func (k *KillSwitch) SetAutoMode(enabled bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.auto == enabled {
		return nil
	}

	event := types.KillSwitchEvent{
		Trigger:   types.KillSwitchTriggerManual,
		Reason:    "auto mode reconfigured",
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{"auto": strconv.FormatBool(enabled)},
		Activated: false,
	}

	if err := k.store.SaveTransition(PersistedState{Engaged: k.engaged, Auto: enabled}, event); err != nil {
		return err
	}

	k.auto = enabled

	return nil
}

// Events returns the persisted append-only event log.
func (k *KillSwitch) Events() ([]types.KillSwitchEvent, error) {
	return k.store.Events()
}

// CheckDailyLoss activates the switch when the daily P&L breaches the loss
// limit. Returns whether the switch was tripped by this call.
func (k *KillSwitch) CheckDailyLoss(dailyPnL, lossLimit decimal.Decimal) (bool, error) {
	if dailyPnL.GreaterThanOrEqual(lossLimit.Neg()) {
		return false, nil
	}

	event, err := k.Activate(types.KillSwitchTriggerDailyLoss,
		"daily loss limit breached: pnl "+dailyPnL.String()+" exceeds limit "+lossLimit.String(),
		map[string]string{"daily_pnl": dailyPnL.String(), "limit": lossLimit.String()})

	return event != nil, err
}

// CheckLatency activates the switch when the rolling average latency breaches
// the threshold.
func (k *KillSwitch) CheckLatency(avgMicros, maxMicros int64) (bool, error) {
	if avgMicros <= maxMicros {
		return false, nil
	}

	event, err := k.Activate(types.KillSwitchTriggerLatency,
		"latency threshold breached",
		map[string]string{
			"avg_latency_micros": formatInt(avgMicros),
			"max_latency_micros": formatInt(maxMicros),
		})

	return event != nil, err
}

// CheckWsDowntime activates the switch when the market data feed has been
// silent longer than the threshold.
func (k *KillSwitch) CheckWsDowntime(downtime, maxDowntime time.Duration) (bool, error) {
	if downtime <= maxDowntime {
		return false, nil
	}

	event, err := k.Activate(types.KillSwitchTriggerWsDowntime,
		"websocket downtime threshold breached",
		map[string]string{
			"downtime":     downtime.String(),
			"max_downtime": maxDowntime.String(),
		})

	return event != nil, err
}

// CheckErrorRate activates the switch when the venue error count breaches the
// threshold.
func (k *KillSwitch) CheckErrorRate(count, threshold int64) (bool, error) {
	if threshold <= 0 || count <= threshold {
		return false, nil
	}

	event, err := k.Activate(types.KillSwitchTriggerErrorRate,
		"venue error rate threshold breached",
		map[string]string{
			"error_count": formatInt(count),
			"threshold":   formatInt(threshold),
		})

	return event != nil, err
}

func (k *KillSwitch) runCallbacks(callbacks []Callback, event types.KillSwitchEvent) {
	for _, cb := range callbacks {
		if err := cb(event); err != nil {
			k.log.Warn("kill switch callback failed",
				zap.String("trigger", string(event.Trigger)),
				zap.Error(err),
			)
		}
	}
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
