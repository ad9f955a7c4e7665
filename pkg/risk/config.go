package risk

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Params bounds what a session may do per trade and in aggregate. A copy is
// frozen into every session at create time.
type Params struct {
	MaxLeverage         int     `yaml:"max_leverage" json:"max_leverage"`
	MaxNotionalPerTrade float64 `yaml:"max_notional_per_trade" json:"max_notional_per_trade"`
	MaxDrawdownPct      float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
	MaxPositions        int     `yaml:"max_positions" json:"max_positions"`
	MaxTotalExposure    float64 `yaml:"max_total_exposure" json:"max_total_exposure"`
	MinRiskReward       float64 `yaml:"min_risk_reward" json:"min_risk_reward"`
	MinConfidence       int     `yaml:"min_confidence" json:"min_confidence"`

	// LeverageInclusiveLoss treats stop_loss_pct as already accounting for
	// leverage when estimating worst-case loss. The default multiplies the
	// loss by leverage.
	LeverageInclusiveLoss bool `yaml:"leverage_inclusive_loss" json:"leverage_inclusive_loss"`
}

// LoadParams reads risk parameters from disk.
func LoadParams(path string) (*Params, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open risk config: %w", err)
	}
	defer file.Close()
	return LoadParamsFromReader(file)
}

// LoadParamsFromReader constructs Params from a reader.
func LoadParamsFromReader(r io.Reader) (*Params, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read risk config: %w", err)
	}
	var p Params
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal risk config: %w", err)
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ApplyDefaults fills the soft thresholds that are rarely configured.
func (p *Params) ApplyDefaults() {
	if p.MinRiskReward <= 0 {
		p.MinRiskReward = 1.5
	}
	if p.MinConfidence <= 0 {
		p.MinConfidence = 60
	}
}

// Validate ensures parameter sanity.
func (p *Params) Validate() error {
	if p.MaxLeverage <= 0 {
		return fmt.Errorf("risk config: max_leverage must be positive")
	}
	if p.MaxNotionalPerTrade <= 0 {
		return fmt.Errorf("risk config: max_notional_per_trade must be positive")
	}
	if p.MaxDrawdownPct <= 0 || p.MaxDrawdownPct > 100 {
		return fmt.Errorf("risk config: max_drawdown_pct must be in (0,100]")
	}
	if p.MaxPositions <= 0 {
		return fmt.Errorf("risk config: max_positions must be positive")
	}
	if p.MaxTotalExposure <= 0 {
		return fmt.Errorf("risk config: max_total_exposure must be positive")
	}
	if p.MinConfidence < 0 || p.MinConfidence > 100 {
		return fmt.Errorf("risk config: min_confidence must be 0-100")
	}
	return nil
}
