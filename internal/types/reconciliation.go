package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionDiscrepancy records a symbol whose internally tracked position
// diverged from the venue-reported position. The venue value is always the
// source of truth; every discrepancy above epsilon is recorded, never dropped.
type PositionDiscrepancy struct {
	Symbol   string          `yaml:"symbol" json:"symbol"`
	Venue    decimal.Decimal `yaml:"venue" json:"venue"`
	Internal decimal.Decimal `yaml:"internal" json:"internal"`
	// Difference is venue minus internal, signed.
	Difference decimal.Decimal `yaml:"difference" json:"difference"`
	// Book identifies which internal book diverged ("risk" or "shadow").
	Book      string    `yaml:"book" json:"book"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
}

// ReconciliationReport is the structured result of one reconciliation pass.
type ReconciliationReport struct {
	Timestamp      time.Time             `yaml:"timestamp" json:"timestamp"`
	SymbolsChecked int                   `yaml:"symbols_checked" json:"symbols_checked"`
	Discrepancies  []PositionDiscrepancy `yaml:"discrepancies" json:"discrepancies"`
	Corrected      int                   `yaml:"corrected" json:"corrected"`
}

// Converged reports whether the pass found no discrepancies.
func (r ReconciliationReport) Converged() bool {
	return len(r.Discrepancies) == 0
}

// EndOfDayReport aggregates one trading day's activity into a durable summary
// used for audit and as an input to the canary orchestrator's promotion gates.
type EndOfDayReport struct {
	Date            string                     `yaml:"date" json:"date"`
	GeneratedAt     time.Time                  `yaml:"generated_at" json:"generated_at"`
	TotalOrders     int                        `yaml:"total_orders" json:"total_orders"`
	FilledOrders    int                        `yaml:"filled_orders" json:"filled_orders"`
	CanceledOrders  int                        `yaml:"canceled_orders" json:"canceled_orders"`
	RejectedOrders  int                        `yaml:"rejected_orders" json:"rejected_orders"`
	TotalVolume     decimal.Decimal            `yaml:"total_volume" json:"total_volume"`
	TotalFees       decimal.Decimal            `yaml:"total_fees" json:"total_fees"`
	RealizedPnL     decimal.Decimal            `yaml:"realized_pnl" json:"realized_pnl"`
	VolumeBySymbol  map[string]decimal.Decimal `yaml:"volume_by_symbol" json:"volume_by_symbol"`
	TopSymbols      []string                   `yaml:"top_symbols" json:"top_symbols"`
	RiskBlocks      int64                      `yaml:"risk_blocks" json:"risk_blocks"`
	KillSwitchTrips int                        `yaml:"kill_switch_trips" json:"kill_switch_trips"`
}

// Render produces the human-readable form of the report. Operators read this
// directly, so every machine field appears in plain text as well.
func (r EndOfDayReport) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "End of day report for %s\n", r.Date)
	fmt.Fprintf(&b, "  orders: %d total, %d filled, %d canceled, %d rejected\n",
		r.TotalOrders, r.FilledOrders, r.CanceledOrders, r.RejectedOrders)
	fmt.Fprintf(&b, "  volume: %s, fees: %s, realized pnl: %s\n",
		r.TotalVolume.String(), r.TotalFees.String(), r.RealizedPnL.String())
	fmt.Fprintf(&b, "  top symbols: %s\n", strings.Join(r.TopSymbols, ", "))
	fmt.Fprintf(&b, "  risk blocks: %d, kill switch trips: %d\n", r.RiskBlocks, r.KillSwitchTrips)

	return b.String()
}
