// Package risk filters model decisions through per-decision clamps and
// portfolio-level limits before anything reaches the exchange.
package risk

import (
	"fmt"
	"math"

	"tradepilot/pkg/decision"
)

// VerdictKind tags the outcome for a single decision.
type VerdictKind string

const (
	VerdictApproved VerdictKind = "approved"
	VerdictClamped  VerdictKind = "clamped"
	VerdictRejected VerdictKind = "rejected"
)

// Verdict is the gate's ruling on one decision. For clamped verdicts the
// embedded decision carries the adjusted values.
type Verdict struct {
	Kind     VerdictKind       `json:"kind"`
	Decision decision.Decision `json:"decision"`
	Warnings []string          `json:"warnings,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// PortfolioVerdict summarizes the batch-level checks applied before any
// per-decision mutation.
type PortfolioVerdict struct {
	TotalExposure float64  `json:"total_exposure"`
	PositionCount int      `json:"position_count"`
	NewOpenCount  int      `json:"new_open_count"`
	BatchRiskPct  float64  `json:"batch_risk_pct"`
	HardFailure   string   `json:"hard_failure,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Result bundles everything the pipeline needs to act and audit.
type Result struct {
	Approved  []decision.Decision `json:"approved"`
	Rejected  []Verdict           `json:"rejected"`
	Verdicts  []Verdict           `json:"verdicts"`
	Portfolio PortfolioVerdict    `json:"portfolio"`
}

// Input is the account context the gate evaluates against.
type Input struct {
	AccountEquity   float64
	CurrentNotional float64            // Σ mark notional of live positions
	OpenPositions   int                // live position count
	MarkPrices      map[string]float64 // symbol -> mark price, for stop canonicalization
}

// Gate applies the session's risk parameters to a decision batch.
type Gate struct {
	params Params
}

// NewGate constructs a gate. Params are copied; the gate is stateless and
// safe for concurrent use across workers.
func NewGate(params Params) *Gate {
	params.ApplyDefaults()
	return &Gate{params: params}
}

// Evaluate rules on every decision in batch order. Portfolio checks run
// first against the unclamped values, so clamping a single decision cannot
// smuggle an over-exposed batch through. Close, hold and wait decisions pass
// untouched.
func (g *Gate) Evaluate(in Input, decisions []decision.Decision) *Result {
	res := &Result{}
	res.Portfolio = g.checkPortfolio(in, decisions)

	for _, d := range decisions {
		if !d.Action.IsOpen() {
			v := Verdict{Kind: VerdictApproved, Decision: d}
			res.Verdicts = append(res.Verdicts, v)
			res.Approved = append(res.Approved, d)
			continue
		}
		if res.Portfolio.HardFailure != "" {
			v := Verdict{Kind: VerdictRejected, Decision: d, Reason: res.Portfolio.HardFailure}
			res.Verdicts = append(res.Verdicts, v)
			res.Rejected = append(res.Rejected, v)
			continue
		}
		v := g.evaluateOpen(in, d)
		res.Verdicts = append(res.Verdicts, v)
		if v.Kind == VerdictRejected {
			res.Rejected = append(res.Rejected, v)
		} else {
			res.Approved = append(res.Approved, v.Decision)
		}
	}
	return res
}

func (g *Gate) checkPortfolio(in Input, decisions []decision.Decision) PortfolioVerdict {
	pv := PortfolioVerdict{PositionCount: in.OpenPositions}

	var newExposure, newRiskUSD float64
	var longs, shorts int
	for _, d := range decisions {
		if !d.Action.IsOpen() {
			continue
		}
		pv.NewOpenCount++
		lev := d.Leverage
		if lev < 1 {
			lev = 1
		}
		newExposure += d.PositionSizeUSD * float64(lev)
		newRiskUSD += d.RiskUSD
		if d.Action == decision.ActionOpenLong {
			longs++
		} else {
			shorts++
		}
	}
	pv.TotalExposure = in.CurrentNotional + newExposure

	if pv.NewOpenCount == 0 {
		return pv
	}
	if pv.TotalExposure > g.params.MaxTotalExposure {
		pv.HardFailure = fmt.Sprintf("total exposure %.2f exceeds limit %.2f", pv.TotalExposure, g.params.MaxTotalExposure)
		return pv
	}
	if in.OpenPositions+pv.NewOpenCount > g.params.MaxPositions {
		pv.HardFailure = fmt.Sprintf("position count %d exceeds limit %d", in.OpenPositions+pv.NewOpenCount, g.params.MaxPositions)
		return pv
	}
	if in.AccountEquity > 0 && newRiskUSD > 0 {
		pv.BatchRiskPct = newRiskUSD / in.AccountEquity * 100
		if pv.BatchRiskPct > g.params.MaxDrawdownPct {
			pv.HardFailure = fmt.Sprintf("batch risk %.2f%% exceeds drawdown limit %.2f%%", pv.BatchRiskPct, g.params.MaxDrawdownPct)
			return pv
		}
	}
	if pv.NewOpenCount > 1 && (longs == 0 || shorts == 0) {
		pv.Warnings = append(pv.Warnings, "low diversification: batch is directionally concentrated")
	}
	return pv
}

// evaluateOpen applies the per-decision clamps. Clamps never increase
// notional or leverage; too many accumulated risk signals reject the
// decision outright.
func (g *Gate) evaluateOpen(in Input, d decision.Decision) Verdict {
	var warnings []string
	clamped := false

	if d.PositionSizeUSD > g.params.MaxNotionalPerTrade {
		warnings = append(warnings, fmt.Sprintf("notional %.2f clamped to %.2f", d.PositionSizeUSD, g.params.MaxNotionalPerTrade))
		d.PositionSizeUSD = g.params.MaxNotionalPerTrade
		clamped = true
	}
	if d.Leverage > g.params.MaxLeverage {
		warnings = append(warnings, fmt.Sprintf("leverage %dx clamped to %dx", d.Leverage, g.params.MaxLeverage))
		d.Leverage = g.params.MaxLeverage
		clamped = true
	}

	slPct := g.stopLossPct(in, d)
	if slPct > 0 && in.AccountEquity > 0 {
		lossMultiplier := slPct / 100
		if !g.params.LeverageInclusiveLoss {
			lossMultiplier *= float64(d.Leverage)
		}
		maxLoss := d.PositionSizeUSD * lossMultiplier
		if maxLoss/in.AccountEquity*100 > g.params.MaxDrawdownPct {
			// Re-solve the notional downward to meet the drawdown bound.
			bounded := g.params.MaxDrawdownPct / 100 * in.AccountEquity / lossMultiplier
			warnings = append(warnings, fmt.Sprintf("notional %.2f reduced to %.2f to meet drawdown bound", d.PositionSizeUSD, bounded))
			d.PositionSizeUSD = bounded
			clamped = true
		}
	}

	if rr, ok := g.rewardRisk(in, d); ok && rr < g.params.MinRiskReward {
		warnings = append(warnings, fmt.Sprintf("reward/risk %.2f below %.2f", rr, g.params.MinRiskReward))
	}
	if d.Confidence < g.params.MinConfidence {
		warnings = append(warnings, fmt.Sprintf("confidence %d below %d", d.Confidence, g.params.MinConfidence))
	}

	if len(warnings) >= 3 {
		return Verdict{Kind: VerdictRejected, Decision: d, Warnings: warnings, Reason: "too many risk signals"}
	}
	if clamped {
		return Verdict{Kind: VerdictClamped, Decision: d, Warnings: warnings}
	}
	return Verdict{Kind: VerdictApproved, Decision: d, Warnings: warnings}
}

// stopLossPct canonicalizes the stop reference to a percentage distance from
// the mark price. Absolute stops are converted; percentage stops are used as
// given.
func (g *Gate) stopLossPct(in Input, d decision.Decision) float64 {
	if d.StopLoss > 0 {
		mark := in.MarkPrices[d.Symbol]
		if mark <= 0 {
			return 0
		}
		return math.Abs(d.StopLoss-mark) / mark * 100
	}
	return math.Abs(d.StopLossPct)
}

func (g *Gate) takeProfitPct(in Input, d decision.Decision) float64 {
	if d.TakeProfit > 0 {
		mark := in.MarkPrices[d.Symbol]
		if mark <= 0 {
			return 0
		}
		return math.Abs(d.TakeProfit-mark) / mark * 100
	}
	return math.Abs(d.TakeProfitPct)
}

func (g *Gate) rewardRisk(in Input, d decision.Decision) (float64, bool) {
	sl := g.stopLossPct(in, d)
	tp := g.takeProfitPct(in, d)
	if sl <= 0 || tp <= 0 {
		return 0, false
	}
	return tp / sl, true
}
