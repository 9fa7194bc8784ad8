// Package execution manages the order state machine against a live market
// venue. It is the only component that speaks the venue protocol: submission
// with idempotent client order identifiers and bounded retries, cancellation,
// open order refresh, and full state resync from venue truth.
package execution

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/quantsentinel/trading-core/internal/config"
	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/quantsentinel/trading-core/internal/metrics"
	"github.com/quantsentinel/trading-core/internal/types"
	"github.com/quantsentinel/trading-core/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RiskAccounting is the risk engine capability the adapter depends on: the
// pre-trade gate plus the mutation operations the adapter is responsible for
// invoking (position updates, latency samples, venue error counts).
type RiskAccounting interface {
	PreTradeCheck(req types.OrderRequest) types.RiskCheckResult
	UpdatePosition(symbol string, notional decimal.Decimal)
	AddPositionDelta(symbol string, delta decimal.Decimal)
	AddLatencySample(micros int64)
	RecordVenueError()
}

// RiskBlockedError is returned by CreateOrder when the pre-trade check blocks
// the order. It is an expected outcome carried as data, not a fault.
type RiskBlockedError struct {
	Result types.RiskCheckResult
}

func (e *RiskBlockedError) Error() string {
	return fmt.Sprintf("order blocked by risk check %s: %s", e.Result.Check, e.Result.Reason)
}

// AsRiskBlocked extracts a RiskBlockedError from an error chain.
func AsRiskBlocked(err error) (*RiskBlockedError, bool) {
	var blocked *RiskBlockedError
	ok := errors.As(err, &blocked)

	return blocked, ok
}

// ResyncSummary describes one full state rebuild from venue truth.
type ResyncSummary struct {
	OpenOrders     int       `json:"open_orders"`
	TradesReplayed int       `json:"trades_replayed"`
	SymbolsCovered int       `json:"symbols_covered"`
	Timestamp      time.Time `json:"timestamp"`
}

// Adapter owns the order map and the order state machine. A single mutex
// guards the map; venue-reported updates pass through the transition table and
// can never overwrite a terminal state.
type Adapter struct {
	mu          sync.Mutex
	client      VenueClient
	risk        RiskAccounting
	cfg         config.ExecutionConfig
	minNotional decimal.Decimal
	orders      map[string]*types.Order
	log         *logger.Logger
	metrics     *metrics.Metrics
}

// NewAdapter creates an order execution adapter.
func NewAdapter(client VenueClient, risk RiskAccounting, cfg config.ExecutionConfig, log *logger.Logger, m *metrics.Metrics) *Adapter {
	return &Adapter{
		client:      client,
		risk:        risk,
		cfg:         cfg,
		minNotional: cfg.MinNotionalDecimal(),
		orders:      make(map[string]*types.Order),
		log:         log,
		metrics:     m,
	}
}

// VerifyClockDrift compares the local clock to the venue clock. Drift beyond
// the configured bound is a fatal startup condition: the system must not trade
// with an untrusted clock.
func (a *Adapter) VerifyClockDrift(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout.Std())
	defer cancel()

	serverMillis, err := a.client.NewServerTimeService().Do(cctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeVenueUnavailable, "failed to fetch venue server time", err)
	}

	drift := time.Since(time.UnixMilli(serverMillis))
	if drift < 0 {
		drift = -drift
	}

	if drift > a.cfg.MaxClockDrift.Std() {
		return errors.Newf(errors.ErrCodeClockDriftExceeded,
			"local clock drifts %s from venue, tolerance %s", drift, a.cfg.MaxClockDrift.Std())
	}

	a.log.Info("venue clock drift verified", zap.Duration("drift", drift))

	return nil
}

// GenerateClientOrderID builds a unique, human-traceable client order
// identifier: strategy tag, millisecond timestamp, random suffix. It is
// generated once per logical order and reused across submission retries so the
// venue can deduplicate.
func GenerateClientOrderID(strategyTag string) string {
	suffix := uuid.NewString()[:8]

	return fmt.Sprintf("%s-%d-%s", strategyTag, time.Now().UnixMilli(), suffix)
}

// CreateOrder validates, risk-gates, and submits an order. Venue rounding
// rules are applied to price and quantity before submission; the notional must
// clear the venue minimum. Rate-limit and transient network errors are retried
// with the same client order identifier; all other errors surface immediately.
func (a *Adapter) CreateOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if a.risk != nil {
		result := a.risk.PreTradeCheck(req)
		if result.Blocking() {
			return nil, &RiskBlockedError{Result: result}
		}

		if result.Action == types.RiskActionWarn {
			a.log.Warn("pre-trade warning",
				zap.String("check", result.Check),
				zap.String("reason", result.Reason),
			)
		}
	}

	quantity := req.Quantity.RoundDown(int32(a.cfg.QuantityPrecision))
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Newf(errors.ErrCodeInvalidQuantity,
			"quantity %s rounds to zero at venue precision %d", req.Quantity.String(), a.cfg.QuantityPrecision)
	}

	var price decimal.Decimal
	if req.Price.IsSome() {
		price = req.Price.Unwrap().Round(int32(a.cfg.PricePrecision))
	} else if req.MarketPrice.IsSome() {
		price = req.MarketPrice.Unwrap()
	}

	if !price.IsZero() {
		notional := price.Mul(quantity)
		if notional.LessThan(a.minNotional) {
			return nil, errors.Newf(errors.ErrCodeBelowMinNotional,
				"order notional %s is below venue minimum %s", notional.String(), a.minNotional.String())
		}
	}

	clientOrderID := GenerateClientOrderID(req.StrategyTag)

	return a.submit(ctx, req, clientOrderID, quantity, price)
}

// submit sends the order with a fixed client order identifier. A duplicate
// response from the venue means an earlier attempt was accepted; the order is
// adopted rather than re-executed.
func (a *Adapter) submit(ctx context.Context, req types.OrderRequest, clientOrderID string, quantity, price decimal.Decimal) (*types.Order, error) {
	var (
		resp      *binance.CreateOrderResponse
		duplicate bool
	)

	err := retryVenueCall(ctx, a.cfg.MaxRateLimitRetries, a.cfg.MaxNetworkRetries, func() error {
		service := a.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(binance.SideType(req.Side)).
			Type(binance.OrderType(req.Type)).
			Quantity(quantity.String()).
			NewClientOrderID(clientOrderID)

		if req.Type == types.OrderTypeLimit {
			service = service.
				Price(price.String()).
				TimeInForce(binance.TimeInForceTypeGTC)
		}

		cctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout.Std())
		defer cancel()

		start := time.Now()

		var callErr error
		resp, callErr = service.Do(cctx)

		a.risk.AddLatencySample(time.Since(start).Microseconds())

		if callErr != nil && isDuplicateClientOrderID(callErr) {
			duplicate = true

			return nil
		}

		return callErr
	})
	if err != nil {
		a.risk.RecordVenueError()
		a.metrics.OrderRejected()

		if errors.HasCode(err, errors.ErrCodeRetriesExhausted) {
			return nil, err
		}

		return nil, errors.Wrapf(errors.ErrCodeVenueRejected, err,
			"venue rejected order %s", clientOrderID)
	}

	now := time.Now().UTC()
	order := &types.Order{
		ClientOrderID: clientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      quantity,
		Price:         req.Price,
		State:         types.OrderStateNew,
		StrategyTag:   req.StrategyTag,
		CorrelationID: req.CorrelationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if duplicate {
		// The venue already holds this client order id from a prior attempt.
		// State is resolved by the next poll or resync, never guessed.
		a.log.Warn("venue reported duplicate client order id; adopting existing order",
			zap.String("client_order_id", clientOrderID),
		)
	} else {
		order.VenueOrderID = strconv.FormatInt(resp.OrderID, 10)

		filled := dec(resp.ExecutedQuantity)
		if filled.GreaterThan(decimal.Zero) {
			fillPrice := price
			if len(resp.Fills) > 0 {
				fillPrice = dec(resp.Fills[0].Price)
			}

			state := types.OrderStatePartiallyFilled
			if mapVenueStatus(resp.Status) == types.OrderStateFilled {
				state = types.OrderStateFilled
			}

			order.FilledQuantity = filled
			order.AvgFillPrice = fillPrice
			order.State = state
			a.applyPositionDelta(order.Symbol, order.Side, filled, fillPrice)
		}
	}

	a.mu.Lock()
	a.orders[clientOrderID] = order
	snapshot := *order
	a.mu.Unlock()

	a.metrics.OrderSubmitted()
	a.log.Info("order submitted",
		zap.String("client_order_id", order.ClientOrderID),
		zap.String("venue_order_id", order.VenueOrderID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("quantity", order.Quantity.String()),
	)

	return &snapshot, nil
}

// CancelOrder cancels an order by client order identifier. An order unknown to
// the venue is treated as already resolved and returns false without error.
func (a *Adapter) CancelOrder(ctx context.Context, clientOrderID, symbol string) (bool, error) {
	var notFound bool

	err := retryVenueCall(ctx, a.cfg.MaxRateLimitRetries, a.cfg.MaxNetworkRetries, func() error {
		cctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout.Std())
		defer cancel()

		_, callErr := a.client.NewCancelOrderService().
			Symbol(symbol).
			OrigClientOrderID(clientOrderID).
			Do(cctx)

		if callErr != nil && isUnknownOrder(callErr) {
			notFound = true

			return nil
		}

		return callErr
	})
	if err != nil {
		a.risk.RecordVenueError()

		return false, errors.Wrapf(errors.ErrCodeVenueRejected, err, "failed to cancel order %s", clientOrderID)
	}

	if notFound {
		return false, nil
	}

	a.mu.Lock()
	if order, ok := a.orders[clientOrderID]; ok {
		a.applyVenueUpdateLocked(order, types.OrderStateCanceled, order.FilledQuantity, order.AvgFillPrice)
	}
	a.mu.Unlock()

	a.log.Info("order canceled", zap.String("client_order_id", clientOrderID))

	return true, nil
}

// GetOpenOrders fetches open orders from the venue, refreshing local state for
// every returned order. An empty symbol fetches across all symbols.
func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	venueOrders, err := a.fetchOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.Order, 0, len(venueOrders))

	for _, vo := range venueOrders {
		order := a.adoptVenueOrderLocked(vo)
		out = append(out, *order)
	}

	return out, nil
}

// OpenOrders returns the locally tracked non-terminal orders without touching
// the venue.
func (a *Adapter) OpenOrders() []types.Order {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []types.Order

	for _, order := range a.orders {
		if !order.State.IsTerminal() {
			out = append(out, *order)
		}
	}

	return out
}

// Orders returns a snapshot of every tracked order, open and terminal.
func (a *Adapter) Orders() []types.Order {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.Order, 0, len(a.orders))
	for _, order := range a.orders {
		out = append(out, *order)
	}

	return out
}

// PollOnce refreshes open order state from the venue and replays trade history
// for tracked orders that have left the venue's open set. Ambiguous states are
// left for Resync rather than guessed.
func (a *Adapter) PollOnce(ctx context.Context) error {
	venueOrders, err := a.fetchOpenOrders(ctx, "")
	if err != nil {
		return err
	}

	open := make(map[string]bool, len(venueOrders))

	a.mu.Lock()

	for _, vo := range venueOrders {
		a.adoptVenueOrderLocked(vo)
		open[vo.ClientOrderID] = true
	}

	missingSymbols := make(map[string]bool)

	for clientID, order := range a.orders {
		if !order.State.IsTerminal() && !open[clientID] {
			missingSymbols[order.Symbol] = true
		}
	}

	a.mu.Unlock()

	for symbol := range missingSymbols {
		trades, err := a.fetchTrades(ctx, symbol, time.Now().Add(-24*time.Hour))
		if err != nil {
			a.log.Warn("failed to fetch trades while resolving orders",
				zap.String("symbol", symbol),
				zap.Error(err),
			)

			continue
		}

		a.mu.Lock()
		a.replayTradesLocked(symbol, trades)
		a.mu.Unlock()
	}

	return nil
}

// Resync is the authoritative recovery path after a disconnect or restart:
// the local order cache is rebuilt from venue open orders and recent trade
// history, and the risk engine's positions are recomputed from the rebuilt
// book.
func (a *Adapter) Resync(ctx context.Context) (*ResyncSummary, error) {
	venueOrders, err := a.fetchOpenOrders(ctx, "")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeVenueUnavailable, "resync failed to fetch open orders", err)
	}

	a.mu.Lock()
	previous := a.orders
	symbols := make(map[string]bool)

	for _, order := range previous {
		symbols[order.Symbol] = true
	}

	for _, vo := range venueOrders {
		symbols[vo.Symbol] = true
	}

	// Rebuild: venue open orders are adopted fresh; terminal orders are
	// venue-confirmed history and survive the rebuild untouched.
	a.orders = make(map[string]*types.Order, len(venueOrders)+len(previous))

	for clientID, order := range previous {
		if order.State.IsTerminal() {
			a.orders[clientID] = order
		}
	}

	for _, vo := range venueOrders {
		a.adoptVenueOrderLocked(vo)
	}

	a.mu.Unlock()

	tradesReplayed := 0
	since := time.Now().Add(-24 * time.Hour)

	for symbol := range symbols {
		trades, err := a.fetchTrades(ctx, symbol, since)
		if err != nil {
			a.log.Warn("resync failed to fetch trades",
				zap.String("symbol", symbol),
				zap.Error(err),
			)

			continue
		}

		a.mu.Lock()
		tradesReplayed += a.replayTradesLocked(symbol, trades)
		a.mu.Unlock()
	}

	// Positions follow the rebuilt book: venue truth overwrites whatever the
	// risk engine held before the resync.
	for symbol, notional := range a.VenuePositions() {
		a.risk.UpdatePosition(symbol, notional)
	}

	summary := &ResyncSummary{
		OpenOrders:     len(venueOrders),
		TradesReplayed: tradesReplayed,
		SymbolsCovered: len(symbols),
		Timestamp:      time.Now().UTC(),
	}

	a.log.Info("order state resynced",
		zap.Int("open_orders", summary.OpenOrders),
		zap.Int("trades_replayed", summary.TradesReplayed),
		zap.Int("symbols", summary.SymbolsCovered),
	)

	return summary, nil
}

// VenuePositions derives the signed notional position per symbol from the
// venue-confirmed fills in the order book.
func (a *Adapter) VenuePositions() map[string]decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make(map[string]decimal.Decimal)

	for _, order := range a.orders {
		if order.FilledQuantity.IsZero() {
			continue
		}

		fillPrice := order.AvgFillPrice
		if fillPrice.IsZero() && order.Price.IsSome() {
			fillPrice = order.Price.Unwrap()
		}

		notional := order.SignedFilledQuantity().Mul(fillPrice)
		positions[order.Symbol] = positions[order.Symbol].Add(notional)
	}

	return positions
}

// CancelAllOpen cancels every locally tracked open order, best effort.
// Individual cancel failures are logged, not fatal. Returns the number of
// successful cancels.
func (a *Adapter) CancelAllOpen(ctx context.Context) int {
	canceled := 0

	for _, order := range a.OpenOrders() {
		ok, err := a.CancelOrder(ctx, order.ClientOrderID, order.Symbol)
		if err != nil {
			a.log.Warn("failed to cancel open order",
				zap.String("client_order_id", order.ClientOrderID),
				zap.Error(err),
			)

			continue
		}

		if ok {
			canceled++
		}
	}

	return canceled
}

// Internal helpers

func (a *Adapter) fetchOpenOrders(ctx context.Context, symbol string) ([]*binance.Order, error) {
	var venueOrders []*binance.Order

	err := retryVenueCall(ctx, a.cfg.MaxRateLimitRetries, a.cfg.MaxNetworkRetries, func() error {
		service := a.client.NewListOpenOrdersService()
		if symbol != "" {
			service = service.Symbol(symbol)
		}

		cctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout.Std())
		defer cancel()

		start := time.Now()

		var callErr error
		venueOrders, callErr = service.Do(cctx)

		a.risk.AddLatencySample(time.Since(start).Microseconds())

		return callErr
	})
	if err != nil {
		a.risk.RecordVenueError()

		return nil, errors.Wrap(errors.ErrCodeVenueUnavailable, "failed to fetch open orders", err)
	}

	return venueOrders, nil
}

func (a *Adapter) fetchTrades(ctx context.Context, symbol string, since time.Time) ([]*binance.TradeV3, error) {
	var trades []*binance.TradeV3

	err := retryVenueCall(ctx, a.cfg.MaxRateLimitRetries, a.cfg.MaxNetworkRetries, func() error {
		cctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout.Std())
		defer cancel()

		var callErr error
		trades, callErr = a.client.NewListTradesService().
			Symbol(symbol).
			StartTime(since.UnixMilli()).
			Do(cctx)

		return callErr
	})
	if err != nil {
		a.risk.RecordVenueError()

		return nil, errors.Wrapf(errors.ErrCodeVenueUnavailable, err, "failed to fetch trades for %s", symbol)
	}

	return trades, nil
}

// adoptVenueOrderLocked merges a venue order into the local book, creating an
// entry when the order is unknown locally. Callers must hold a.mu.
func (a *Adapter) adoptVenueOrderLocked(vo *binance.Order) *types.Order {
	order, ok := a.orders[vo.ClientOrderID]
	if !ok {
		order = &types.Order{
			ClientOrderID: vo.ClientOrderID,
			VenueOrderID:  strconv.FormatInt(vo.OrderID, 10),
			Symbol:        vo.Symbol,
			Side:          types.OrderSide(vo.Side),
			Type:          mapVenueOrderType(vo.Type),
			Quantity:      dec(vo.OrigQuantity),
			State:         types.OrderStateNew,
			CreatedAt:     time.UnixMilli(vo.Time).UTC(),
			UpdatedAt:     time.UnixMilli(vo.Time).UTC(),
		}

		if price := dec(vo.Price); !price.IsZero() {
			order.Price = optional.Some(price)
		}

		a.orders[vo.ClientOrderID] = order
	}

	if order.VenueOrderID == "" {
		order.VenueOrderID = strconv.FormatInt(vo.OrderID, 10)
	}

	a.applyVenueUpdateLocked(order, mapVenueStatus(vo.Status), dec(vo.ExecutedQuantity), dec(vo.Price))

	return order
}

// applyVenueUpdateLocked advances an order's state machine from a venue
// report. Transitions absent from the table are rejected: a terminal state is
// never overwritten. Fill increments flow into the risk engine's position
// book. Callers must hold a.mu.
func (a *Adapter) applyVenueUpdateLocked(order *types.Order, state types.OrderState, filled, fillPrice decimal.Decimal) {
	if state != order.State && !order.State.CanTransitionTo(state) {
		a.log.Warn("rejected illegal order state transition",
			zap.String("client_order_id", order.ClientOrderID),
			zap.String("from", string(order.State)),
			zap.String("to", string(state)),
		)

		return
	}

	fillDelta := filled.Sub(order.FilledQuantity)
	if fillDelta.GreaterThan(decimal.Zero) {
		price := fillPrice
		if price.IsZero() {
			if order.Price.IsSome() {
				price = order.Price.Unwrap()
			} else {
				price = order.AvgFillPrice
			}
		}

		order.FilledQuantity = filled
		if !price.IsZero() {
			order.AvgFillPrice = price
		}

		a.applyPositionDelta(order.Symbol, order.Side, fillDelta, price)
	}

	if state != order.State {
		order.State = state
	}

	order.UpdatedAt = time.Now().UTC()
}

// replayTradesLocked replays venue trade history onto matching orders,
// recomputing filled quantity, average fill price, and state. Terminal orders
// are already venue truth and are skipped. Callers must hold a.mu. Returns the
// number of trades that matched a tracked order.
func (a *Adapter) replayTradesLocked(symbol string, trades []*binance.TradeV3) int {
	byVenueID := make(map[string]*types.Order)

	for _, order := range a.orders {
		if order.Symbol == symbol && order.VenueOrderID != "" && !order.State.IsTerminal() {
			byVenueID[order.VenueOrderID] = order
		}
	}

	type fillAccumulator struct {
		quantity decimal.Decimal
		notional decimal.Decimal
		fee      decimal.Decimal
	}

	fills := make(map[string]*fillAccumulator)

	matched := 0

	for _, trade := range trades {
		venueID := strconv.FormatInt(trade.OrderID, 10)
		if _, ok := byVenueID[venueID]; !ok {
			continue
		}

		matched++

		acc := fills[venueID]
		if acc == nil {
			acc = &fillAccumulator{}
			fills[venueID] = acc
		}

		quantity := dec(trade.Quantity)
		price := dec(trade.Price)
		acc.quantity = acc.quantity.Add(quantity)
		acc.notional = acc.notional.Add(quantity.Mul(price))
		acc.fee = acc.fee.Add(dec(trade.Commission))
	}

	for venueID, acc := range fills {
		order := byVenueID[venueID]

		if acc.quantity.LessThanOrEqual(order.FilledQuantity) {
			continue
		}

		avgPrice := decimal.Zero
		if !acc.quantity.IsZero() {
			avgPrice = acc.notional.Div(acc.quantity)
		}

		state := types.OrderStatePartiallyFilled
		if acc.quantity.GreaterThanOrEqual(order.Quantity) {
			state = types.OrderStateFilled
		}

		order.Fee = acc.fee
		a.applyVenueUpdateLocked(order, state, acc.quantity, avgPrice)
	}

	return matched
}

// applyPositionDelta folds a fill into the risk engine's signed notional
// position for the symbol.
func (a *Adapter) applyPositionDelta(symbol string, side types.OrderSide, quantity, price decimal.Decimal) {
	if a.risk == nil || price.IsZero() {
		return
	}

	delta := quantity.Mul(price)
	if side == types.OrderSideSell {
		delta = delta.Neg()
	}

	a.risk.AddPositionDelta(symbol, delta)
}

// Helper functions

func mapVenueStatus(status binance.OrderStatusType) types.OrderState {
	switch status {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePendingCancel:
		return types.OrderStateNew
	case binance.OrderStatusTypePartiallyFilled:
		return types.OrderStatePartiallyFilled
	case binance.OrderStatusTypeFilled:
		return types.OrderStateFilled
	case binance.OrderStatusTypeCanceled:
		return types.OrderStateCanceled
	case binance.OrderStatusTypeRejected:
		return types.OrderStateRejected
	case binance.OrderStatusTypeExpired:
		return types.OrderStateExpired
	default:
		return types.OrderStateNew
	}
}

func mapVenueOrderType(orderType binance.OrderType) types.OrderType {
	if orderType == binance.OrderTypeMarket {
		return types.OrderTypeMarket
	}

	return types.OrderTypeLimit
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}

	return d
}
