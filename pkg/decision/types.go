// Package decision defines the model-emitted trade instruction and the
// tolerant parser that extracts instructions from free-form LLM replies.
package decision

// Action enumerates what the model may ask for on one instrument.
type Action string

const (
	ActionOpenLong   Action = "open_long"
	ActionOpenShort  Action = "open_short"
	ActionCloseLong  Action = "close_long"
	ActionCloseShort Action = "close_short"
	ActionHold       Action = "hold"
	ActionWait       Action = "wait"
)

// IsOpen reports whether the action opens new exposure.
func (a Action) IsOpen() bool { return a == ActionOpenLong || a == ActionOpenShort }

// IsClose reports whether the action reduces existing exposure.
func (a Action) IsClose() bool { return a == ActionCloseLong || a == ActionCloseShort }

// Known reports whether the action belongs to the documented set.
func (a Action) Known() bool {
	switch a {
	case ActionOpenLong, ActionOpenShort, ActionCloseLong, ActionCloseShort, ActionHold, ActionWait:
		return true
	}
	return false
}

// Decision is a single instruction for one instrument within one cycle.
// Stop-loss and take-profit each accept an absolute price or a percentage;
// when both are present the absolute price wins.
type Decision struct {
	Symbol          string  `json:"symbol"`
	Action          Action  `json:"action"`
	Leverage        int     `json:"leverage,omitempty"`
	PositionSizeUSD float64 `json:"position_size_usd,omitempty"`
	StopLoss        float64 `json:"stop_loss,omitempty"`
	StopLossPct     float64 `json:"stop_loss_pct,omitempty"`
	TakeProfit      float64 `json:"take_profit,omitempty"`
	TakeProfitPct   float64 `json:"take_profit_pct,omitempty"`
	Confidence      int     `json:"confidence,omitempty"`
	RiskUSD         float64 `json:"risk_usd,omitempty"`
	Reasoning       string  `json:"reasoning,omitempty"`
}

// ParsedResponse is the total result of parsing one LLM reply.
type ParsedResponse struct {
	Thinking    string
	Decisions   []Decision
	RawJSON     string
	ParseErrors []string
}
