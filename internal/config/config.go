package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/quantsentinel/trading-core/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration accepts "30s" style strings in YAML, which the yaml package does
// not decode into time.Duration on its own.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid duration %q", raw)
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// RiskLimitsConfig holds the monetary and operational thresholds enforced by
// the risk engine. Monetary values are declared as YAML numbers and converted
// to exact decimals at load time; threshold comparisons never use binary
// floating point.
type RiskLimitsConfig struct {
	// MaxOrderNotional caps the monetary size of a single order.
	MaxOrderNotional float64 `yaml:"max_order_notional" validate:"required,gt=0"`
	// MaxSymbolExposure caps total exposure per symbol.
	MaxSymbolExposure float64 `yaml:"max_symbol_exposure" validate:"required,gt=0"`
	// MaxTotalExposure caps exposure summed across all symbols.
	MaxTotalExposure float64 `yaml:"max_total_exposure" validate:"required,gt=0"`
	// DailyLossLimit is the maximum tolerated daily loss, expressed positive.
	DailyLossLimit float64 `yaml:"daily_loss_limit" validate:"required,gt=0"`
	// SlippageWarnBps is the market order slippage warning threshold in basis points.
	SlippageWarnBps float64 `yaml:"slippage_warn_bps" validate:"gte=0"`
	// MaxLatencyMicros is the rolling average latency threshold.
	MaxLatencyMicros int64 `yaml:"max_latency_micros" validate:"required,gt=0"`
	// MaxWsDowntime is the tolerated gap between market data heartbeats.
	MaxWsDowntime Duration `yaml:"max_ws_downtime" validate:"required"`
	// MaxErrorRate is the tolerated venue error count per minute.
	MaxErrorRate int64 `yaml:"max_error_rate" validate:"gte=0"`
	// AuditLogSize bounds the in-memory risk audit ring buffer.
	AuditLogSize int `yaml:"audit_log_size" validate:"gte=0"`
}

// Decimal accessors keep all limit comparisons in exact arithmetic.

func (c RiskLimitsConfig) MaxOrderNotionalDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxOrderNotional)
}

func (c RiskLimitsConfig) MaxSymbolExposureDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxSymbolExposure)
}

func (c RiskLimitsConfig) MaxTotalExposureDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxTotalExposure)
}

func (c RiskLimitsConfig) DailyLossLimitDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.DailyLossLimit)
}

func (c RiskLimitsConfig) SlippageWarnBpsDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.SlippageWarnBps)
}

// KillSwitchConfig configures the circuit breaker and its durable store.
type KillSwitchConfig struct {
	// AutoMode escalates the switch to ON when the risk engine returns HALT.
	AutoMode bool `yaml:"auto_mode"`
	// StorePath is the bbolt database file holding switch state and events.
	StorePath string `yaml:"store_path" validate:"required"`
}

// ExecutionConfig configures the order execution adapter and venue client.
type ExecutionConfig struct {
	ApiKey     string `yaml:"api_key" validate:"required"`
	SecretKey  string `yaml:"secret_key" validate:"required"`
	UseTestnet bool   `yaml:"use_testnet"`
	BaseURL    string `yaml:"base_url"`
	// PricePrecision and QuantityPrecision are the venue rounding rules.
	PricePrecision    int `yaml:"price_precision" validate:"gte=0,lte=18"`
	QuantityPrecision int `yaml:"quantity_precision" validate:"gte=0,lte=18"`
	// MinNotional is the venue's minimum order value.
	MinNotional float64 `yaml:"min_notional" validate:"gte=0"`
	// MaxClockDrift bounds local vs venue clock skew; exceeded at startup is fatal.
	MaxClockDrift Duration `yaml:"max_clock_drift" validate:"required"`
	// RequestTimeout bounds each venue call.
	RequestTimeout Duration `yaml:"request_timeout" validate:"required"`
	// MaxRateLimitRetries bounds retries on venue rate-limit responses.
	MaxRateLimitRetries uint64 `yaml:"max_rate_limit_retries" validate:"gte=0"`
	// MaxNetworkRetries bounds retries on transient network errors.
	MaxNetworkRetries uint64 `yaml:"max_network_retries" validate:"gte=0"`
	// PollInterval drives the order fill/state poll loop.
	PollInterval Duration `yaml:"poll_interval" validate:"required"`
}

func (c ExecutionConfig) MinNotionalDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MinNotional)
}

// ShadowConfig configures the shadow mode controller.
type ShadowConfig struct {
	// InitialMode is the trading mode at startup. Defaults to SHADOW.
	InitialMode string `yaml:"initial_mode" validate:"omitempty,oneof=SHADOW CANARY LIVE"`
	// CanaryPercentage is the initial canary sampling percentage.
	CanaryPercentage int `yaml:"canary_percentage" validate:"gte=0,lte=100"`
	// MinCanaryOrders is the minimum executed canary orders before promotion.
	MinCanaryOrders int64 `yaml:"min_canary_orders" validate:"gte=0"`
	// PromotionSuccessRate is the canary success rate required for promotion.
	PromotionSuccessRate float64 `yaml:"promotion_success_rate" validate:"gte=0,lte=1"`
	// ShadowLogSize bounds the in-memory shadow order audit trail.
	ShadowLogSize int `yaml:"shadow_log_size" validate:"gte=0"`
}

// ReconciliationConfig configures the reconciliation engine.
type ReconciliationConfig struct {
	// Interval drives the periodic reconciliation loop.
	Interval Duration `yaml:"interval" validate:"required"`
	// Epsilon absorbs floating rounding when comparing positions.
	Epsilon float64 `yaml:"epsilon" validate:"gte=0"`
	// StorePath is the bbolt database file holding reconciliation and EOD reports.
	StorePath string `yaml:"store_path" validate:"required"`
}

func (c ReconciliationConfig) EpsilonDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Epsilon)
}

// MarketDataConfig configures the heartbeat feed.
type MarketDataConfig struct {
	// StreamURL is the venue websocket stream endpoint.
	StreamURL string `yaml:"stream_url" validate:"required,url"`
	// Symbols to subscribe for heartbeat purposes.
	Symbols []string `yaml:"symbols" validate:"required,min=1"`
	// ReconnectBackoff is the initial reconnect delay after a dropped stream.
	ReconnectBackoff Duration `yaml:"reconnect_backoff" validate:"required"`
}

// OpsConfig configures the HTTP status surface.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`
}

// Config is the root configuration for the trading core.
type Config struct {
	RiskLimits     RiskLimitsConfig     `yaml:"risk_limits" validate:"required"`
	KillSwitch     KillSwitchConfig     `yaml:"kill_switch" validate:"required"`
	Execution      ExecutionConfig      `yaml:"execution" validate:"required"`
	Shadow         ShadowConfig         `yaml:"shadow"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation" validate:"required"`
	MarketData     MarketDataConfig     `yaml:"market_data" validate:"required"`
	Ops            OpsConfig            `yaml:"ops"`
	// RuntimeCheckInterval drives the runtime risk-check loop.
	RuntimeCheckInterval Duration `yaml:"runtime_check_interval" validate:"required"`
}

// Validate validates the Config struct.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid trading core config", err)
	}

	return nil
}

// Load reads and validates a YAML configuration file. Any parse or validation
// failure is fatal to startup: the system must not start in an unknown-safe state.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to read config file %s", path)
	}

	return Parse(data)
}

// Parse parses and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse config", err)
	}

	if cfg.Shadow.InitialMode == "" {
		cfg.Shadow.InitialMode = "SHADOW"
	}

	if cfg.RiskLimits.AuditLogSize == 0 {
		cfg.RiskLimits.AuditLogSize = DefaultAuditLogSize
	}

	if cfg.Shadow.ShadowLogSize == 0 {
		cfg.Shadow.ShadowLogSize = DefaultShadowLogSize
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default bounds for the in-memory audit structures.
const (
	DefaultAuditLogSize  = 1000
	DefaultShadowLogSize = 10000
)
