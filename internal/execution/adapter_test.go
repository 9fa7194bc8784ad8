package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/moznion/go-optional"
	"github.com/quantsentinel/trading-core/internal/config"
	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/quantsentinel/trading-core/internal/types"
	"github.com/quantsentinel/trading-core/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

// Mock venue services

type fakeVenue struct {
	mu sync.Mutex

	createErrs  []error
	createResp  *binance.CreateOrderResponse
	createCalls int
	clientIDs   []string
	quantities  []string

	cancelErr   error
	cancelCalls int

	openOrders []*binance.Order
	openErr    error

	trades []*binance.TradeV3

	serverTime    int64
	serverTimeErr error
}

func (f *fakeVenue) NewCreateOrderService() CreateOrderService {
	return &fakeCreateOrderService{venue: f}
}

func (f *fakeVenue) NewCancelOrderService() CancelOrderService {
	return &fakeCancelOrderService{venue: f}
}

func (f *fakeVenue) NewListOpenOrdersService() ListOpenOrdersService {
	return &fakeListOpenOrdersService{venue: f}
}

func (f *fakeVenue) NewListTradesService() ListTradesService {
	return &fakeListTradesService{venue: f}
}

func (f *fakeVenue) NewServerTimeService() ServerTimeService {
	return &fakeServerTimeService{venue: f}
}

type fakeCreateOrderService struct {
	venue         *fakeVenue
	symbol        string
	clientOrderID string
	quantity      string
}

func (s *fakeCreateOrderService) Symbol(symbol string) CreateOrderService {
	s.symbol = symbol

	return s
}

func (s *fakeCreateOrderService) Side(binance.SideType) CreateOrderService { return s }

func (s *fakeCreateOrderService) Type(binance.OrderType) CreateOrderService { return s }

func (s *fakeCreateOrderService) Quantity(quantity string) CreateOrderService {
	s.quantity = quantity

	return s
}

func (s *fakeCreateOrderService) Price(string) CreateOrderService { return s }

func (s *fakeCreateOrderService) TimeInForce(binance.TimeInForceType) CreateOrderService { return s }

func (s *fakeCreateOrderService) NewClientOrderID(id string) CreateOrderService {
	s.clientOrderID = id

	return s
}

func (s *fakeCreateOrderService) Do(context.Context) (*binance.CreateOrderResponse, error) {
	s.venue.mu.Lock()
	defer s.venue.mu.Unlock()

	s.venue.createCalls++
	s.venue.clientIDs = append(s.venue.clientIDs, s.clientOrderID)
	s.venue.quantities = append(s.venue.quantities, s.quantity)

	if len(s.venue.createErrs) > 0 {
		err := s.venue.createErrs[0]
		s.venue.createErrs = s.venue.createErrs[1:]

		return nil, err
	}

	resp := s.venue.createResp
	if resp == nil {
		resp = &binance.CreateOrderResponse{
			OrderID:       1001,
			ClientOrderID: s.clientOrderID,
			Symbol:        s.symbol,
			Status:        binance.OrderStatusTypeNew,
		}
	}

	return resp, nil
}

type fakeCancelOrderService struct {
	venue *fakeVenue
}

func (s *fakeCancelOrderService) Symbol(string) CancelOrderService { return s }

func (s *fakeCancelOrderService) OrigClientOrderID(string) CancelOrderService { return s }

func (s *fakeCancelOrderService) Do(context.Context) (*binance.CancelOrderResponse, error) {
	s.venue.mu.Lock()
	defer s.venue.mu.Unlock()

	s.venue.cancelCalls++

	if s.venue.cancelErr != nil {
		return nil, s.venue.cancelErr
	}

	return &binance.CancelOrderResponse{}, nil
}

type fakeListOpenOrdersService struct {
	venue *fakeVenue
}

func (s *fakeListOpenOrdersService) Symbol(string) ListOpenOrdersService { return s }

func (s *fakeListOpenOrdersService) Do(context.Context) ([]*binance.Order, error) {
	s.venue.mu.Lock()
	defer s.venue.mu.Unlock()

	return s.venue.openOrders, s.venue.openErr
}

type fakeListTradesService struct {
	venue *fakeVenue
}

func (s *fakeListTradesService) Symbol(string) ListTradesService { return s }

func (s *fakeListTradesService) StartTime(int64) ListTradesService { return s }

func (s *fakeListTradesService) Limit(int) ListTradesService { return s }

func (s *fakeListTradesService) Do(context.Context) ([]*binance.TradeV3, error) {
	s.venue.mu.Lock()
	defer s.venue.mu.Unlock()

	return s.venue.trades, nil
}

type fakeServerTimeService struct {
	venue *fakeVenue
}

func (s *fakeServerTimeService) Do(context.Context) (int64, error) {
	return s.venue.serverTime, s.venue.serverTimeErr
}

// fakeRisk records the accounting calls the adapter makes.
type fakeRisk struct {
	mu             sync.Mutex
	result         types.RiskCheckResult
	checkCalls     int
	positions      map[string]decimal.Decimal
	latencySamples int
	venueErrors    int
}

func newFakeRisk() *fakeRisk {
	return &fakeRisk{
		result:    types.RiskCheckResult{Check: types.RiskCheckPreTrade, Action: types.RiskActionAllow},
		positions: make(map[string]decimal.Decimal),
	}
}

func (r *fakeRisk) PreTradeCheck(types.OrderRequest) types.RiskCheckResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkCalls++

	return r.result
}

func (r *fakeRisk) UpdatePosition(symbol string, notional decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.positions[symbol] = notional
}

func (r *fakeRisk) AddPositionDelta(symbol string, delta decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.positions[symbol] = r.positions[symbol].Add(delta)
}

func (r *fakeRisk) Positions() map[string]decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(r.positions))
	for symbol, notional := range r.positions {
		out[symbol] = notional
	}

	return out
}

func (r *fakeRisk) AddLatencySample(int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latencySamples++
}

func (r *fakeRisk) RecordVenueError() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.venueErrors++
}

type AdapterTestSuite struct {
	suite.Suite
	venue   *fakeVenue
	risk    *fakeRisk
	adapter *Adapter
}

func TestAdapterSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}

func (s *AdapterTestSuite) SetupTest() {
	s.venue = &fakeVenue{}
	s.risk = newFakeRisk()
	s.adapter = NewAdapter(s.venue, s.risk, config.ExecutionConfig{
		PricePrecision:      2,
		QuantityPrecision:   3,
		MinNotional:         10,
		MaxClockDrift:       config.Duration(500 * time.Millisecond),
		RequestTimeout:      config.Duration(2 * time.Second),
		MaxRateLimitRetries: 3,
		MaxNetworkRetries:   3,
		PollInterval:        config.Duration(time.Second),
	}, logger.NewNopLogger(), nil)
}

func (s *AdapterTestSuite) limitRequest() types.OrderRequest {
	return types.OrderRequest{
		Symbol:      "BTCUSDT",
		Side:        types.OrderSideBuy,
		Type:        types.OrderTypeLimit,
		Quantity:    decimal.RequireFromString("0.5"),
		Price:       optional.Some(decimal.RequireFromString("50000")),
		StrategyTag: "momentum",
	}
}

func (s *AdapterTestSuite) TestCreateOrderSubmitsAndTracks() {
	order, err := s.adapter.CreateOrder(context.Background(), s.limitRequest())
	s.Require().NoError(err)

	s.Equal(types.OrderStateNew, order.State)
	s.Equal("1001", order.VenueOrderID)
	s.Contains(order.ClientOrderID, "momentum-")
	s.Equal(1, s.venue.createCalls)
	s.Equal(1, s.risk.checkCalls)
	s.Len(s.adapter.Orders(), 1)
}

func (s *AdapterTestSuite) TestClientOrderIDReusedAcrossRetries() {
	s.venue.createErrs = []error{
		&common.APIError{Code: venueCodeDisconnected, Message: "disconnected"},
		&common.APIError{Code: venueCodeUnknown, Message: "unknown error"},
	}

	order, err := s.adapter.CreateOrder(context.Background(), s.limitRequest())
	s.Require().NoError(err)

	s.Equal(3, s.venue.createCalls)
	s.Require().Len(s.venue.clientIDs, 3)
	s.Equal(s.venue.clientIDs[0], s.venue.clientIDs[1])
	s.Equal(s.venue.clientIDs[0], s.venue.clientIDs[2])
	s.Equal(s.venue.clientIDs[0], order.ClientOrderID)
	s.Len(s.adapter.Orders(), 1)
}

func (s *AdapterTestSuite) TestDuplicateClientOrderIDMeansAccepted() {
	s.venue.createErrs = []error{
		&common.APIError{Code: venueCodeDuplicateOrder, Message: "duplicate order sent"},
	}

	order, err := s.adapter.CreateOrder(context.Background(), s.limitRequest())
	s.Require().NoError(err)

	s.Equal(types.OrderStateNew, order.State)
	s.Len(s.adapter.Orders(), 1)
	s.Equal(0, s.risk.venueErrors)
}

func (s *AdapterTestSuite) TestVenueRejectionSurfacesImmediately() {
	s.venue.createErrs = []error{
		&common.APIError{Code: -2019, Message: "margin is insufficient"},
	}

	_, err := s.adapter.CreateOrder(context.Background(), s.limitRequest())
	s.Require().Error(err)

	s.True(errors.HasCode(err, errors.ErrCodeVenueRejected))
	s.Equal(1, s.venue.createCalls)
	s.Equal(1, s.risk.venueErrors)
	s.Empty(s.adapter.Orders())
}

func (s *AdapterTestSuite) TestRetriesExhaustedAfterBudget() {
	s.venue.createErrs = []error{
		&common.APIError{Code: venueCodeDisconnected},
		&common.APIError{Code: venueCodeDisconnected},
		&common.APIError{Code: venueCodeDisconnected},
		&common.APIError{Code: venueCodeDisconnected},
	}

	_, err := s.adapter.CreateOrder(context.Background(), s.limitRequest())
	s.Require().Error(err)

	s.True(errors.HasCode(err, errors.ErrCodeRetriesExhausted))
	s.Equal(4, s.venue.createCalls)
}

func (s *AdapterTestSuite) TestRiskBlockReturnsTypedError() {
	s.risk.result = types.RiskCheckResult{
		Check:  types.RiskCheckSingleOrderSize,
		Action: types.RiskActionBlock,
		Reason: "order notional exceeds cap",
	}

	_, err := s.adapter.CreateOrder(context.Background(), s.limitRequest())
	s.Require().Error(err)

	blocked, ok := AsRiskBlocked(err)
	s.Require().True(ok)
	s.Equal(types.RiskCheckSingleOrderSize, blocked.Result.Check)
	s.Equal(0, s.venue.createCalls)
}

func (s *AdapterTestSuite) TestQuantityFlooredToVenuePrecision() {
	req := s.limitRequest()
	req.Quantity = decimal.RequireFromString("0.123999")

	_, err := s.adapter.CreateOrder(context.Background(), req)
	s.Require().NoError(err)

	s.Require().Len(s.venue.quantities, 1)
	s.Equal("0.123", s.venue.quantities[0])
}

func (s *AdapterTestSuite) TestBelowMinNotionalRejected() {
	req := s.limitRequest()
	req.Quantity = decimal.RequireFromString("0.0001")
	req.Price = optional.Some(decimal.RequireFromString("50"))

	_, err := s.adapter.CreateOrder(context.Background(), req)
	s.Require().Error(err)

	s.True(errors.HasCode(err, errors.ErrCodeBelowMinNotional))
	s.Equal(0, s.venue.createCalls)
}

func (s *AdapterTestSuite) TestImmediateFillUpdatesPosition() {
	s.venue.createResp = &binance.CreateOrderResponse{
		OrderID:          2002,
		Symbol:           "BTCUSDT",
		Status:           binance.OrderStatusTypeFilled,
		ExecutedQuantity: "0.5",
		Fills: []*binance.Fill{
			{Price: "50000", Quantity: "0.5"},
		},
	}

	order, err := s.adapter.CreateOrder(context.Background(), s.limitRequest())
	s.Require().NoError(err)

	s.Equal(types.OrderStateFilled, order.State)
	s.True(order.FilledQuantity.Equal(decimal.RequireFromString("0.5")))
	s.True(s.risk.positions["BTCUSDT"].Equal(decimal.RequireFromString("25000")))
}

func (s *AdapterTestSuite) TestConcurrentFillsAccumulatePosition() {
	s.venue.createResp = &binance.CreateOrderResponse{
		OrderID:          2003,
		Symbol:           "BTCUSDT",
		Status:           binance.OrderStatusTypeFilled,
		ExecutedQuantity: "0.5",
		Fills:            []*binance.Fill{{Price: "50000", Quantity: "0.5"}},
	}

	const fills = 8

	var wg sync.WaitGroup
	for i := 0; i < fills; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.adapter.CreateOrder(context.Background(), s.limitRequest())
			s.NoError(err)
		}()
	}

	wg.Wait()

	// Every fill delta of 0.5 @ 50000 must land in the book.
	s.True(s.risk.Positions()["BTCUSDT"].Equal(decimal.NewFromInt(25000*fills)))
}

func (s *AdapterTestSuite) TestCancelUnknownOrderResolvesFalse() {
	s.venue.cancelErr = &common.APIError{Code: venueCodeUnknownOrder, Message: "unknown order sent"}

	canceled, err := s.adapter.CancelOrder(context.Background(), "momentum-1-abc", "BTCUSDT")
	s.Require().NoError(err)
	s.False(canceled)
}

func (s *AdapterTestSuite) TestCancelTransitionsOrder() {
	order, err := s.adapter.CreateOrder(context.Background(), s.limitRequest())
	s.Require().NoError(err)

	canceled, err := s.adapter.CancelOrder(context.Background(), order.ClientOrderID, order.Symbol)
	s.Require().NoError(err)
	s.True(canceled)

	orders := s.adapter.Orders()
	s.Require().Len(orders, 1)
	s.Equal(types.OrderStateCanceled, orders[0].State)
	s.Empty(s.adapter.OpenOrders())
}

func (s *AdapterTestSuite) TestTerminalStateNeverOverwritten() {
	s.venue.createResp = &binance.CreateOrderResponse{
		OrderID:          3003,
		Symbol:           "BTCUSDT",
		Status:           binance.OrderStatusTypeFilled,
		ExecutedQuantity: "0.5",
		Fills:            []*binance.Fill{{Price: "50000", Quantity: "0.5"}},
	}

	order, err := s.adapter.CreateOrder(context.Background(), s.limitRequest())
	s.Require().NoError(err)
	s.Equal(types.OrderStateFilled, order.State)

	// A stale venue snapshot claims the order is still NEW.
	s.venue.openOrders = []*binance.Order{{
		Symbol:           "BTCUSDT",
		OrderID:          3003,
		ClientOrderID:    order.ClientOrderID,
		Price:            "50000",
		OrigQuantity:     "0.5",
		ExecutedQuantity: "0",
		Status:           binance.OrderStatusTypeNew,
		Side:             binance.SideTypeBuy,
		Type:             binance.OrderTypeLimit,
	}}

	_, err = s.adapter.GetOpenOrders(context.Background(), "BTCUSDT")
	s.Require().NoError(err)

	orders := s.adapter.Orders()
	s.Require().Len(orders, 1)
	s.Equal(types.OrderStateFilled, orders[0].State)
}

func (s *AdapterTestSuite) TestGetOpenOrdersAdoptsUntrackedOrders() {
	s.venue.openOrders = []*binance.Order{{
		Symbol:           "ETHUSDT",
		OrderID:          4004,
		ClientOrderID:    "external-1-deadbeef",
		Price:            "3000",
		OrigQuantity:     "1",
		ExecutedQuantity: "0.4",
		Status:           binance.OrderStatusTypePartiallyFilled,
		Side:             binance.SideTypeSell,
		Type:             binance.OrderTypeLimit,
	}}

	orders, err := s.adapter.GetOpenOrders(context.Background(), "")
	s.Require().NoError(err)

	s.Require().Len(orders, 1)
	s.Equal(types.OrderStatePartiallyFilled, orders[0].State)
	s.True(orders[0].FilledQuantity.Equal(decimal.RequireFromString("0.4")))
	s.True(s.risk.positions["ETHUSDT"].Equal(decimal.RequireFromString("-1200")))
}

func (s *AdapterTestSuite) TestResyncRebuildsFromVenueTruth() {
	s.venue.openOrders = []*binance.Order{{
		Symbol:           "BTCUSDT",
		OrderID:          5005,
		ClientOrderID:    "momentum-2-cafe0001",
		Price:            "40000",
		OrigQuantity:     "1",
		ExecutedQuantity: "0",
		Status:           binance.OrderStatusTypeNew,
		Side:             binance.SideTypeBuy,
		Type:             binance.OrderTypeLimit,
	}}
	s.venue.trades = []*binance.TradeV3{
		{OrderID: 5005, Symbol: "BTCUSDT", Price: "40000", Quantity: "0.25", Commission: "0.1"},
		{OrderID: 5005, Symbol: "BTCUSDT", Price: "40100", Quantity: "0.25", Commission: "0.1"},
	}

	summary, err := s.adapter.Resync(context.Background())
	s.Require().NoError(err)

	s.Equal(1, summary.OpenOrders)
	s.Equal(2, summary.TradesReplayed)

	orders := s.adapter.Orders()
	s.Require().Len(orders, 1)
	s.Equal(types.OrderStatePartiallyFilled, orders[0].State)
	s.True(orders[0].FilledQuantity.Equal(decimal.RequireFromString("0.5")))

	// Position follows the replayed fills: 0.25*40000 + 0.25*40100.
	s.True(s.risk.positions["BTCUSDT"].Equal(decimal.RequireFromString("20025")))
}

func (s *AdapterTestSuite) TestVerifyClockDrift() {
	s.venue.serverTime = time.Now().UnixMilli()
	s.Require().NoError(s.adapter.VerifyClockDrift(context.Background()))

	s.venue.serverTime = time.Now().Add(-5 * time.Second).UnixMilli()
	err := s.adapter.VerifyClockDrift(context.Background())
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeClockDriftExceeded))
}

func (s *AdapterTestSuite) TestCancelAllOpen() {
	_, err := s.adapter.CreateOrder(context.Background(), s.limitRequest())
	s.Require().NoError(err)

	req := s.limitRequest()
	req.Symbol = "ETHUSDT"
	req.Price = optional.Some(decimal.RequireFromString("3000"))
	_, err = s.adapter.CreateOrder(context.Background(), req)
	s.Require().NoError(err)

	canceled := s.adapter.CancelAllOpen(context.Background())
	s.Equal(2, canceled)
	s.Empty(s.adapter.OpenOrders())
}
