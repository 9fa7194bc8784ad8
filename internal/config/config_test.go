package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantsentinel/trading-core/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

const validConfigYAML = `
risk_limits:
  max_order_notional: 1000
  max_symbol_exposure: 5000
  max_total_exposure: 8000
  daily_loss_limit: 200
  slippage_warn_bps: 50
  max_latency_micros: 1000
  max_ws_downtime: 1m
  max_error_rate: 10
kill_switch:
  auto_mode: true
  store_path: /var/lib/tradingcore/killswitch.db
execution:
  api_key: test-key
  secret_key: test-secret
  use_testnet: true
  price_precision: 2
  quantity_precision: 3
  min_notional: 10
  max_clock_drift: 500ms
  request_timeout: 5s
  max_rate_limit_retries: 3
  max_network_retries: 3
  poll_interval: 2s
shadow:
  canary_percentage: 10
  min_canary_orders: 50
  promotion_success_rate: 0.95
reconciliation:
  interval: 30s
  epsilon: 0.01
  store_path: /var/lib/tradingcore/reconciliation.db
market_data:
  stream_url: wss://stream.binance.com:9443
  symbols:
    - BTCUSDT
    - ETHUSDT
  reconnect_backoff: 1s
ops:
  listen_addr: :8080
runtime_check_interval: 10s
`

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) TestParseValidConfig() {
	cfg, err := Parse([]byte(validConfigYAML))
	s.Require().NoError(err)

	s.Equal(time.Minute, cfg.RiskLimits.MaxWsDowntime.Std())
	s.Equal(500*time.Millisecond, cfg.Execution.MaxClockDrift.Std())
	s.Equal(5*time.Second, cfg.Execution.RequestTimeout.Std())
	s.Equal(30*time.Second, cfg.Reconciliation.Interval.Std())
	s.Equal(10*time.Second, cfg.RuntimeCheckInterval.Std())
	s.True(cfg.KillSwitch.AutoMode)
	s.Equal([]string{"BTCUSDT", "ETHUSDT"}, cfg.MarketData.Symbols)
	s.True(cfg.RiskLimits.MaxOrderNotionalDecimal().Equal(decimal.NewFromInt(1000)))
	s.True(cfg.Reconciliation.EpsilonDecimal().Equal(decimal.NewFromFloat(0.01)))
}

func (s *ConfigTestSuite) TestParseAppliesDefaults() {
	cfg, err := Parse([]byte(validConfigYAML))
	s.Require().NoError(err)

	s.Equal("SHADOW", cfg.Shadow.InitialMode)
	s.Equal(DefaultAuditLogSize, cfg.RiskLimits.AuditLogSize)
	s.Equal(DefaultShadowLogSize, cfg.Shadow.ShadowLogSize)
}

func (s *ConfigTestSuite) TestParseRejectsBadDuration() {
	bad := []byte(`
risk_limits:
  max_ws_downtime: soon
`)

	_, err := Parse(bad)
	s.Require().Error(err)
	s.Equal(errors.ErrCodeInvalidConfiguration, errors.GetCode(err))
}

func (s *ConfigTestSuite) TestParseRejectsMissingRequiredFields() {
	_, err := Parse([]byte(`runtime_check_interval: 10s`))
	s.Require().Error(err)
	s.Equal(errors.ErrCodeInvalidConfiguration, errors.GetCode(err))
}

func (s *ConfigTestSuite) TestParseRejectsUnknownInitialMode() {
	bad := []byte(validConfigYAML + "\n")
	cfg, err := Parse(bad)
	s.Require().NoError(err)
	cfg.Shadow.InitialMode = "REPLAY"
	s.Error(cfg.Validate())
}

func (s *ConfigTestSuite) TestLoadMissingFile() {
	_, err := Load(filepath.Join(s.T().TempDir(), "missing.yaml"))
	s.Require().Error(err)
	s.Equal(errors.ErrCodeInvalidConfiguration, errors.GetCode(err))
}

func (s *ConfigTestSuite) TestLoadFromFile() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(validConfigYAML), 0o600))

	cfg, err := Load(path)
	s.Require().NoError(err)
	s.Equal(":8080", cfg.Ops.ListenAddr)
}

func (s *ConfigTestSuite) TestDurationRoundTrip() {
	d := Duration(90 * time.Second)
	s.Equal("1m30s", d.String())

	out, err := d.MarshalYAML()
	s.Require().NoError(err)
	s.Equal("1m30s", out)
}
