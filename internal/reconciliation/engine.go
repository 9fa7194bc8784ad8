// Package reconciliation compares the internally tracked position books
// against venue truth and corrects them when they diverge. The venue is always
// right: internal state is overwritten, never the reverse, and every
// divergence above epsilon is recorded durably.
package reconciliation

import (
	"context"
	"sort"
	"time"

	"github.com/quantsentinel/trading-core/internal/execution"
	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/quantsentinel/trading-core/internal/metrics"
	"github.com/quantsentinel/trading-core/internal/types"
	"github.com/quantsentinel/trading-core/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Book names used in discrepancy records.
const (
	bookRisk   = "risk"
	bookShadow = "shadow"
)

const topSymbolCount = 3

// VenueSource resyncs order state from the venue and exposes the
// venue-derived positions and order history.
type VenueSource interface {
	Resync(ctx context.Context) (*execution.ResyncSummary, error)
	VenuePositions() map[string]decimal.Decimal
	Orders() []types.Order
}

// RiskBook is the risk engine's position book plus the daily counters folded
// into the end-of-day report.
type RiskBook interface {
	Positions() map[string]decimal.Decimal
	SetPosition(symbol string, notional decimal.Decimal)
	NoteDivergence(check, reason string, value, threshold decimal.Decimal)
	DailyPnL() decimal.Decimal
	BlockedCount() int64
}

// ShadowBook is the shadow controller's virtual position book.
type ShadowBook interface {
	VirtualPositions() map[string]decimal.Decimal
	SetVirtualPosition(symbol string, notional decimal.Decimal)
}

// TripCounter reports how many times the kill switch tripped.
type TripCounter interface {
	TripCount() int
}

// Engine runs reconciliation passes and produces end-of-day reports.
type Engine struct {
	venue   VenueSource
	risk    RiskBook
	shadow  ShadowBook
	trips   TripCounter
	epsilon decimal.Decimal
	store   ReportStore
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewEngine creates a reconciliation engine. shadow and trips may be nil when
// those components are not running.
func NewEngine(venue VenueSource, risk RiskBook, shadow ShadowBook, trips TripCounter, epsilon decimal.Decimal, store ReportStore, log *logger.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		venue:   venue,
		risk:    risk,
		shadow:  shadow,
		trips:   trips,
		epsilon: epsilon,
		store:   store,
		log:     log,
		metrics: m,
	}
}

// ReconcilePositions runs one full pass: resync order state from the venue,
// compare each internal book against the venue-derived positions, correct
// every divergent entry to the venue value, and persist the report. A venue
// that cannot be reached fails the pass; nothing is corrected on guesses.
func (e *Engine) ReconcilePositions(ctx context.Context) (*types.ReconciliationReport, error) {
	summary, err := e.venue.Resync(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeReconcileFailed, "reconciliation aborted: venue resync failed", err)
	}

	venuePositions := e.venue.VenuePositions()

	report := &types.ReconciliationReport{
		Timestamp: time.Now().UTC(),
	}

	symbols := make(map[string]bool)
	for symbol := range venuePositions {
		symbols[symbol] = true
	}

	e.reconcileBook(report, bookRisk, venuePositions, e.risk.Positions(), symbols, e.risk.SetPosition)

	if e.shadow != nil {
		e.reconcileBook(report, bookShadow, venuePositions, e.shadow.VirtualPositions(), symbols, e.shadow.SetVirtualPosition)
	}

	report.SymbolsChecked = len(symbols)

	if report.Converged() {
		e.log.Info("reconciliation converged",
			zap.Int("symbols", report.SymbolsChecked),
			zap.Int("open_orders", summary.OpenOrders),
		)
	} else {
		e.log.Warn("reconciliation found discrepancies",
			zap.Int("symbols", report.SymbolsChecked),
			zap.Int("discrepancies", len(report.Discrepancies)),
			zap.Int("corrected", report.Corrected),
		)
	}

	e.metrics.ReconciliationPass()

	if e.store != nil {
		if err := e.store.SaveReconciliation(*report); err != nil {
			e.log.Error("failed to persist reconciliation report", zap.Error(err))
		}
	}

	return report, nil
}

// reconcileBook compares one internal book against venue truth over the union
// of both books' symbols, correcting divergent entries in place.
func (e *Engine) reconcileBook(report *types.ReconciliationReport, book string, venue, internal map[string]decimal.Decimal, symbols map[string]bool, correct func(string, decimal.Decimal)) {
	for symbol := range internal {
		symbols[symbol] = true
	}

	for symbol := range symbols {
		venueValue := venue[symbol]
		internalValue := internal[symbol]

		difference := venueValue.Sub(internalValue)
		if difference.Abs().LessThanOrEqual(e.epsilon) {
			continue
		}

		report.Discrepancies = append(report.Discrepancies, types.PositionDiscrepancy{
			Symbol:     symbol,
			Venue:      venueValue,
			Internal:   internalValue,
			Difference: difference,
			Book:       book,
			Timestamp:  time.Now().UTC(),
		})

		correct(symbol, venueValue)
		report.Corrected++

		e.risk.NoteDivergence("reconciliation_"+book,
			"position for "+symbol+" corrected to venue value",
			difference.Abs(), e.epsilon)

		e.metrics.Discrepancy()
		e.log.Warn("position corrected to venue value",
			zap.String("book", book),
			zap.String("symbol", symbol),
			zap.String("venue", venueValue.String()),
			zap.String("internal", internalValue.String()),
		)
	}
}

// GenerateEndOfDayReport aggregates the day's order activity and risk counters
// into a durable report.
func (e *Engine) GenerateEndOfDayReport(date string) (*types.EndOfDayReport, error) {
	orders := e.venue.Orders()

	report := &types.EndOfDayReport{
		Date:           date,
		GeneratedAt:    time.Now().UTC(),
		TotalOrders:    len(orders),
		VolumeBySymbol: make(map[string]decimal.Decimal),
		RealizedPnL:    e.risk.DailyPnL(),
		RiskBlocks:     e.risk.BlockedCount(),
	}

	if e.trips != nil {
		report.KillSwitchTrips = e.trips.TripCount()
	}

	for _, order := range orders {
		switch order.State {
		case types.OrderStateFilled:
			report.FilledOrders++
		case types.OrderStateCanceled:
			report.CanceledOrders++
		case types.OrderStateRejected:
			report.RejectedOrders++
		}

		if order.FilledQuantity.IsZero() || order.AvgFillPrice.IsZero() {
			continue
		}

		volume := order.FilledQuantity.Mul(order.AvgFillPrice)
		report.TotalVolume = report.TotalVolume.Add(volume)
		report.TotalFees = report.TotalFees.Add(order.Fee)
		report.VolumeBySymbol[order.Symbol] = report.VolumeBySymbol[order.Symbol].Add(volume)
	}

	report.TopSymbols = topSymbols(report.VolumeBySymbol, topSymbolCount)

	if e.store != nil {
		if err := e.store.SaveEndOfDay(*report); err != nil {
			return nil, err
		}
	}

	// Operators read the daily summary from the log; the store keeps the
	// machine-readable form.
	e.log.Info("end of day report generated",
		zap.String("date", report.Date),
		zap.Int("orders", report.TotalOrders),
		zap.String("volume", report.TotalVolume.String()),
		zap.String("summary", report.Render()),
	)

	return report, nil
}

func topSymbols(volumes map[string]decimal.Decimal, n int) []string {
	symbols := make([]string, 0, len(volumes))
	for symbol := range volumes {
		symbols = append(symbols, symbol)
	}

	sort.Slice(symbols, func(i, j int) bool {
		vi, vj := volumes[symbols[i]], volumes[symbols[j]]
		if vi.Equal(vj) {
			return symbols[i] < symbols[j]
		}

		return vi.GreaterThan(vj)
	})

	if len(symbols) > n {
		symbols = symbols[:n]
	}

	return symbols
}
