// Package metrics exposes Prometheus collectors for the trading core. A single
// Metrics value is constructed at process start and shared by the components;
// all recording methods are safe to call on a nil receiver so components can
// run without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ordersSubmitted      prometheus.Counter
	ordersRejected       prometheus.Counter
	riskBlocks           *prometheus.CounterVec
	killSwitchTrips      prometheus.Counter
	killSwitchEngaged    prometheus.Gauge
	shadowRequests       *prometheus.CounterVec
	discrepancies        prometheus.Counter
	reconciliationPasses prometheus.Counter
	canaryPhase          prometheus.Gauge
	heartbeats           prometheus.Counter
}

// New creates the collector set and registers it with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingcore_orders_submitted_total",
			Help: "Orders accepted by the venue.",
		}),
		ordersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingcore_orders_rejected_total",
			Help: "Orders rejected by the venue.",
		}),
		riskBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingcore_risk_blocks_total",
			Help: "Pre-trade and runtime risk results with action BLOCK or HALT.",
		}, []string{"check"}),
		killSwitchTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingcore_kill_switch_trips_total",
			Help: "Kill switch activations.",
		}),
		killSwitchEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradingcore_kill_switch_engaged",
			Help: "1 when the kill switch is ON, 0 otherwise.",
		}),
		shadowRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingcore_shadow_requests_total",
			Help: "Order requests by resolved outcome (executed or logged).",
		}, []string{"outcome"}),
		discrepancies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingcore_position_discrepancies_total",
			Help: "Position discrepancies found during reconciliation.",
		}),
		reconciliationPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingcore_reconciliation_passes_total",
			Help: "Completed reconciliation passes.",
		}),
		canaryPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradingcore_canary_phase",
			Help: "Index of the currently executing canary phase.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingcore_market_data_heartbeats_total",
			Help: "Heartbeats received from the market data feed.",
		}),
	}

	reg.MustRegister(
		m.ordersSubmitted,
		m.ordersRejected,
		m.riskBlocks,
		m.killSwitchTrips,
		m.killSwitchEngaged,
		m.shadowRequests,
		m.discrepancies,
		m.reconciliationPasses,
		m.canaryPhase,
		m.heartbeats,
	)

	return m
}

func (m *Metrics) OrderSubmitted() {
	if m != nil {
		m.ordersSubmitted.Inc()
	}
}

func (m *Metrics) OrderRejected() {
	if m != nil {
		m.ordersRejected.Inc()
	}
}

func (m *Metrics) RiskBlock(check string) {
	if m != nil {
		m.riskBlocks.WithLabelValues(check).Inc()
	}
}

func (m *Metrics) KillSwitchTrip() {
	if m != nil {
		m.killSwitchTrips.Inc()
	}
}

func (m *Metrics) SetKillSwitchEngaged(engaged bool) {
	if m == nil {
		return
	}

	if engaged {
		m.killSwitchEngaged.Set(1)
	} else {
		m.killSwitchEngaged.Set(0)
	}
}

func (m *Metrics) ShadowRequest(outcome string) {
	if m != nil {
		m.shadowRequests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Discrepancy() {
	if m != nil {
		m.discrepancies.Inc()
	}
}

func (m *Metrics) ReconciliationPass() {
	if m != nil {
		m.reconciliationPasses.Inc()
	}
}

func (m *Metrics) SetCanaryPhase(index int) {
	if m != nil {
		m.canaryPhase.Set(float64(index))
	}
}

func (m *Metrics) Heartbeat() {
	if m != nil {
		m.heartbeats.Inc()
	}
}
