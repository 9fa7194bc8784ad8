// Package canary orchestrates staged rollout of live trading: a phase plan
// walks from shadow through increasing canary percentages toward live, with
// health checks gating every advance and an automatic rollback path that trips
// the kill switch.
package canary

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/quantsentinel/trading-core/internal/config"
	"github.com/quantsentinel/trading-core/internal/types"
	"github.com/quantsentinel/trading-core/pkg/errors"
	"gopkg.in/yaml.v3"
)

const defaultCheckInterval = 30 * time.Second

// Phase is one stage of the rollout plan.
type Phase struct {
	Name string `yaml:"name" validate:"required"`
	// Mode is the trading mode this phase runs in.
	Mode string `yaml:"mode" validate:"required,oneof=SHADOW CANARY LIVE"`
	// CanaryPercentage applies in CANARY mode only.
	CanaryPercentage int `yaml:"canary_percentage" validate:"gte=0,lte=100"`
	// Duration is how long the phase must run healthy before advancing.
	Duration config.Duration `yaml:"duration" validate:"required"`
	// CheckInterval is the health check cadence. Defaults to 30s.
	CheckInterval config.Duration `yaml:"check_interval"`
	// MaxDiscrepancies bounds reconciliation discrepancies tolerated per check.
	MaxDiscrepancies int `yaml:"max_discrepancies" validate:"gte=0"`
	// MinSuccessRate is the executed-order success rate required once any
	// order has executed.
	MinSuccessRate float64 `yaml:"min_success_rate" validate:"gte=0,lte=1"`
}

// TradingMode returns the phase's mode as a typed value. The plan is validated
// at load time, so this cannot fail on a loaded plan.
func (p Phase) TradingMode() types.TradingMode {
	return types.TradingMode(p.Mode)
}

func (p Phase) checkInterval() time.Duration {
	if p.CheckInterval > 0 {
		return p.CheckInterval.Std()
	}

	return defaultCheckInterval
}

// Plan is an ordered list of rollout phases.
type Plan struct {
	Phases []Phase `yaml:"phases" validate:"required,min=1,dive"`
}

// Validate checks structural constraints plus the ordering rule: canary
// percentages must not decrease across CANARY phases. A rollout ratchets
// upward; stepping exposure back down is a rollback, not a phase.
func (p *Plan) Validate() error {
	validate := validator.New()
	if err := validate.Struct(p); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidPhasePlan, "invalid canary phase plan", err)
	}

	lastPct := -1

	for _, phase := range p.Phases {
		if phase.TradingMode() != types.TradingModeCanary {
			continue
		}

		if phase.CanaryPercentage < lastPct {
			return errors.Newf(errors.ErrCodeInvalidPhasePlan,
				"phase %q decreases canary percentage from %d to %d", phase.Name, lastPct, phase.CanaryPercentage)
		}

		lastPct = phase.CanaryPercentage
	}

	return nil
}

// LoadPlan reads and validates a YAML phase plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidPhasePlan, err, "failed to read phase plan %s", path)
	}

	return ParsePlan(data)
}

// ParsePlan parses and validates YAML phase plan bytes.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidPhasePlan, "failed to parse phase plan", err)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	return &plan, nil
}
