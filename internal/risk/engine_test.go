package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/quantsentinel/trading-core/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type fakeBreaker struct {
	mu          sync.Mutex
	engaged     bool
	auto        bool
	activations []types.KillSwitchTrigger
}

func (f *fakeBreaker) Engaged() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.engaged
}

func (f *fakeBreaker) AutoEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.auto
}

func (f *fakeBreaker) Activate(trigger types.KillSwitchTrigger, _ string, _ map[string]string) (*types.KillSwitchEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.engaged = true
	f.activations = append(f.activations, trigger)

	return &types.KillSwitchEvent{Trigger: trigger, Activated: true}, nil
}

type EngineTestSuite struct {
	suite.Suite
	breaker *fakeBreaker
	engine  *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	s.breaker = &fakeBreaker{}
	s.engine = NewEngine(Limits{
		MaxOrderNotional:  decimal.NewFromInt(1000),
		MaxSymbolExposure: decimal.NewFromInt(5000),
		MaxTotalExposure:  decimal.NewFromInt(8000),
		DailyLossLimit:    decimal.NewFromInt(200),
		SlippageWarnBps:   decimal.NewFromInt(50),
		MaxLatencyMicros:  1000,
		MaxWsDowntime:     time.Minute,
		MaxErrorRate:      10,
		AuditLogSize:      100,
	}, s.breaker, logger.NewNopLogger(), nil)
}

func (s *EngineTestSuite) request(quantity, price string) types.OrderRequest {
	return types.OrderRequest{
		Symbol:      "BTCUSDT",
		Side:        types.OrderSideBuy,
		Type:        types.OrderTypeLimit,
		Quantity:    decimal.RequireFromString(quantity),
		Price:       optional.Some(decimal.RequireFromString(price)),
		StrategyTag: "momentum",
	}
}

func (s *EngineTestSuite) TestAllowWithinAllLimits() {
	result := s.engine.PreTradeCheck(s.request("0.01", "50000"))

	s.Equal(types.RiskActionAllow, result.Action)
	s.Equal(int64(0), s.engine.BlockedCount())
}

func (s *EngineTestSuite) TestKillSwitchBlocksEverything() {
	s.breaker.engaged = true

	// Even a tiny order is blocked while the switch is engaged.
	result := s.engine.PreTradeCheck(s.request("0.0001", "50000"))

	s.Equal(types.RiskActionBlock, result.Action)
	s.Equal(types.RiskCheckKillSwitch, result.Check)
	s.Equal(int64(1), s.engine.BlockedCount())
}

func (s *EngineTestSuite) TestSingleOrderCapBlocks() {
	// $5,000 order against a $1,000 cap.
	result := s.engine.PreTradeCheck(s.request("0.1", "50000"))

	s.Equal(types.RiskActionBlock, result.Action)
	s.Equal(types.RiskCheckSingleOrderSize, result.Check)
	s.Contains(result.Reason, "single_order_size")
	s.True(result.Value.Equal(decimal.NewFromInt(5000)))
	s.True(result.Threshold.Equal(decimal.NewFromInt(1000)))
}

func (s *EngineTestSuite) TestSymbolExposureBlocks() {
	s.engine.UpdatePosition("BTCUSDT", decimal.NewFromInt(4500))

	result := s.engine.PreTradeCheck(s.request("0.012", "50000"))

	s.Equal(types.RiskActionBlock, result.Action)
	s.Equal(types.RiskCheckSymbolExposure, result.Check)
}

func (s *EngineTestSuite) TestShortPositionCountsAsExposure() {
	// A short position is exposure too; signed notional is taken absolute.
	s.engine.UpdatePosition("BTCUSDT", decimal.NewFromInt(-4500))

	result := s.engine.PreTradeCheck(s.request("0.012", "50000"))

	s.Equal(types.RiskActionBlock, result.Action)
	s.Equal(types.RiskCheckSymbolExposure, result.Check)
}

func (s *EngineTestSuite) TestTotalExposureBlocksAcrossSymbols() {
	s.engine.UpdatePosition("ETHUSDT", decimal.NewFromInt(4000))
	s.engine.UpdatePosition("SOLUSDT", decimal.NewFromInt(3500))

	// Fits the per-symbol cap but breaches the global cap.
	result := s.engine.PreTradeCheck(s.request("0.02", "50000"))

	s.Equal(types.RiskActionBlock, result.Action)
	s.Equal(types.RiskCheckTotalExposure, result.Check)
}

func (s *EngineTestSuite) TestDailyLossProximityWarns() {
	s.engine.UpdateDailyPnL(decimal.NewFromInt(-150))

	result := s.engine.PreTradeCheck(s.request("0.01", "50000"))

	s.Equal(types.RiskActionWarn, result.Action)
	s.Equal(types.RiskCheckDailyLoss, result.Check)
}

func (s *EngineTestSuite) TestMarketOrderWithoutPriceWarnsNotFaults() {
	req := types.OrderRequest{
		Symbol:      "BTCUSDT",
		Side:        types.OrderSideBuy,
		Type:        types.OrderTypeMarket,
		Quantity:    decimal.RequireFromString("0.01"),
		StrategyTag: "momentum",
	}

	result := s.engine.PreTradeCheck(req)

	s.Equal(types.RiskActionWarn, result.Action)
	s.Contains(result.Reason, "no reference price")
}

func (s *EngineTestSuite) TestSlippageWarns() {
	req := types.OrderRequest{
		Symbol:      "BTCUSDT",
		Side:        types.OrderSideBuy,
		Type:        types.OrderTypeMarket,
		Quantity:    decimal.RequireFromString("0.01"),
		Price:       optional.Some(decimal.RequireFromString("50000")),
		MarketPrice: optional.Some(decimal.RequireFromString("50300")),
		StrategyTag: "momentum",
	}

	// 60 bps deviation against a 50 bps threshold.
	result := s.engine.PreTradeCheck(req)

	s.Equal(types.RiskActionWarn, result.Action)
	s.Equal(types.RiskCheckSlippage, result.Check)
}

func (s *EngineTestSuite) TestSlippageSkippedWithoutReference() {
	req := types.OrderRequest{
		Symbol:      "BTCUSDT",
		Side:        types.OrderSideBuy,
		Type:        types.OrderTypeMarket,
		Quantity:    decimal.RequireFromString("0.01"),
		MarketPrice: optional.Some(decimal.RequireFromString("50300")),
		StrategyTag: "momentum",
	}

	result := s.engine.PreTradeCheck(req)

	s.Equal(types.RiskActionAllow, result.Action)
}

func (s *EngineTestSuite) TestCheckOrderIsFixed() {
	// An order that breaches several limits at once reports only the first
	// check in the fixed order; here single order cap fires before exposure.
	s.engine.UpdatePosition("BTCUSDT", decimal.NewFromInt(4900))

	result := s.engine.PreTradeCheck(s.request("0.1", "50000"))

	s.Equal(types.RiskCheckSingleOrderSize, result.Check)
}

func (s *EngineTestSuite) TestRuntimeDailyLossHaltsAndEscalates() {
	s.breaker.auto = true
	s.engine.Heartbeat()
	s.engine.UpdateDailyPnL(decimal.NewFromInt(-250))

	result := s.engine.RuntimeCheck()

	s.Equal(types.RiskActionHalt, result.Action)
	s.Equal(types.RiskCheckDailyLoss, result.Check)
	s.True(s.breaker.Engaged())
	s.Equal([]types.KillSwitchTrigger{types.KillSwitchTriggerDailyLoss}, s.breaker.activations)
}

func (s *EngineTestSuite) TestRuntimeHaltWithoutAutoModeDoesNotEscalate() {
	s.engine.Heartbeat()
	s.engine.UpdateDailyPnL(decimal.NewFromInt(-250))

	result := s.engine.RuntimeCheck()

	s.Equal(types.RiskActionHalt, result.Action)
	s.False(s.breaker.Engaged())
}

func (s *EngineTestSuite) TestRuntimeLatencyHalt() {
	s.engine.Heartbeat()

	for i := 0; i < 10; i++ {
		s.engine.AddLatencySample(2000)
	}

	result := s.engine.RuntimeCheck()

	s.Equal(types.RiskActionHalt, result.Action)
	s.Equal(types.RiskCheckLatency, result.Check)
}

func (s *EngineTestSuite) TestRuntimeNominal() {
	s.engine.Heartbeat()
	s.engine.AddLatencySample(500)

	result := s.engine.RuntimeCheck()

	s.Equal(types.RiskActionAllow, result.Action)
	s.Equal(types.RiskCheckRuntime, result.Check)
}

func (s *EngineTestSuite) TestStatusSnapshot() {
	s.engine.UpdatePosition("BTCUSDT", decimal.NewFromInt(2500))
	s.engine.UpdatePosition("ETHUSDT", decimal.NewFromInt(-1500))
	s.engine.UpdateDailyPnL(decimal.NewFromInt(-50))
	s.engine.AddLatencySample(400)
	s.engine.AddLatencySample(600)
	s.engine.RecordVenueError()

	// One blocked order lands in the audit trail.
	s.engine.PreTradeCheck(s.request("0.1", "50000"))

	status := s.engine.Status()

	s.True(status.TotalExposure.Equal(decimal.NewFromInt(4000)))
	s.True(status.DailyPnL.Equal(decimal.NewFromInt(-50)))
	s.Equal(int64(500), status.AvgLatencyMicros)
	s.Equal(int64(1), status.ErrorCount)
	s.Equal(int64(1), status.BlockedCount)
	s.Require().Len(status.RecentAudit, 1)
	s.Equal(types.RiskCheckSingleOrderSize, status.RecentAudit[0].Check)
}

func (s *EngineTestSuite) TestResetDailyCounters() {
	s.engine.UpdateDailyPnL(decimal.NewFromInt(-150))
	s.engine.RecordVenueError()

	s.engine.ResetDailyCounters()

	s.True(s.engine.DailyPnL().IsZero())
	s.Equal(int64(0), s.engine.ErrorCount())
}

func (s *EngineTestSuite) TestZeroPositionIsDropped() {
	s.engine.UpdatePosition("BTCUSDT", decimal.NewFromInt(2500))
	s.engine.UpdatePosition("BTCUSDT", decimal.Zero)

	s.Empty(s.engine.Positions())
}

func (s *EngineTestSuite) TestAuditLogIsBounded() {
	s.breaker.engaged = true

	for i := 0; i < 150; i++ {
		s.engine.PreTradeCheck(s.request("0.001", "50000"))
	}

	status := s.engine.Status()
	s.Len(status.RecentAudit, 100)
	s.Equal(int64(150), status.BlockedCount)
}

func (s *EngineTestSuite) TestNoteDivergenceAppearsInAudit() {
	s.engine.NoteDivergence("reconciliation_risk", "position corrected",
		decimal.RequireFromString("5000"), decimal.RequireFromString("0.01"))

	status := s.engine.Status()
	s.Require().Len(status.RecentAudit, 1)
	s.Equal(types.RiskActionWarn, status.RecentAudit[0].Action)
	s.Equal("reconciliation_risk", status.RecentAudit[0].Check)
	// A warning is not a block.
	s.Equal(int64(0), status.BlockedCount)
}

func (s *EngineTestSuite) TestConcurrentPositionDeltas() {
	const workers = 16

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			s.engine.AddPositionDelta("BTCUSDT", decimal.NewFromInt(100))
		}()
	}

	wg.Wait()

	s.True(s.engine.Positions()["BTCUSDT"].Equal(decimal.NewFromInt(workers*100)))
}

func (s *EngineTestSuite) TestPositionDeltaToZeroDropsSymbol() {
	s.engine.AddPositionDelta("BTCUSDT", decimal.NewFromInt(2500))
	s.engine.AddPositionDelta("BTCUSDT", decimal.NewFromInt(-2500))

	s.Empty(s.engine.Positions())
}
