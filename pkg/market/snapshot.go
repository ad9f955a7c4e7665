// Package market assembles per-instrument snapshots and the filled user
// prompt a decision cycle feeds to the model.
package market

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// TimeframeStats holds the indicator readout for one kline series.
type TimeframeStats struct {
	Interval      string    `json:"interval" msgpack:"interval"`
	EMAShort      float64   `json:"ema_short" msgpack:"ema_short"`
	EMALong       float64   `json:"ema_long" msgpack:"ema_long"`
	MACD          float64   `json:"macd" msgpack:"macd"`
	MACDSignal    float64   `json:"macd_signal" msgpack:"macd_signal"`
	MACDHist      float64   `json:"macd_hist" msgpack:"macd_hist"`
	RSIFast       float64   `json:"rsi_fast" msgpack:"rsi_fast"`
	RSISlow       float64   `json:"rsi_slow" msgpack:"rsi_slow"`
	ATRFast       float64   `json:"atr_fast" msgpack:"atr_fast"`
	ATRSlow       float64   `json:"atr_slow" msgpack:"atr_slow"`
	CurrentVolume float64   `json:"current_volume" msgpack:"current_volume"`
	AvgVolume     float64   `json:"avg_volume" msgpack:"avg_volume"`
	RecentCloses  []float64 `json:"recent_closes,omitempty" msgpack:"recent_closes"`
}

// PositionBrief is the position context rendered into the prompt, including
// any linked protective orders found on the book.
type PositionBrief struct {
	Side          string  `json:"side" msgpack:"side"`
	Contracts     float64 `json:"contracts" msgpack:"contracts"`
	EntryPrice    float64 `json:"entry_price" msgpack:"entry_price"`
	UnrealizedPnl float64 `json:"unrealized_pnl" msgpack:"unrealized_pnl"`
	Leverage      int     `json:"leverage" msgpack:"leverage"`
	Liquidation   float64 `json:"liquidation" msgpack:"liquidation"`
	TakeProfit    float64 `json:"take_profit,omitempty" msgpack:"take_profit"`
	StopLoss      float64 `json:"stop_loss,omitempty" msgpack:"stop_loss"`
}

// InstrumentSnapshot is everything the model sees about one instrument.
type InstrumentSnapshot struct {
	Symbol       string         `json:"symbol" msgpack:"symbol"`
	MarkPrice    float64        `json:"mark_price" msgpack:"mark_price"`
	Change1hPct  float64        `json:"change_1h_pct" msgpack:"change_1h_pct"`
	Change4hPct  float64        `json:"change_4h_pct" msgpack:"change_4h_pct"`
	FundingRate  float64        `json:"funding_rate" msgpack:"funding_rate"`
	OpenInterest float64        `json:"open_interest" msgpack:"open_interest"`
	Intraday     TimeframeStats `json:"intraday" msgpack:"intraday"`
	Context      TimeframeStats `json:"context" msgpack:"context"`
	Position     *PositionBrief `json:"position,omitempty" msgpack:"position"`
}

// AccountBrief aggregates account state at assembly time.
type AccountBrief struct {
	Equity         float64 `json:"equity" msgpack:"equity"`
	AvailableCash  float64 `json:"available_cash" msgpack:"available_cash"`
	UnrealizedPnl  float64 `json:"unrealized_pnl" msgpack:"unrealized_pnl"`
	TotalAsset     float64 `json:"total_asset" msgpack:"total_asset"`
	TotalReturnPct float64 `json:"total_return_pct" msgpack:"total_return_pct"`
	CashPct        float64 `json:"cash_pct" msgpack:"cash_pct"`
	MarginPct      float64 `json:"margin_pct" msgpack:"margin_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio" msgpack:"sharpe_ratio"`
	PositionCount  int     `json:"position_count" msgpack:"position_count"`
}

// Bundle is the assembler's output for one cycle: the filled user prompt
// plus the structured snapshot it was rendered from.
type Bundle struct {
	Ts          time.Time             `json:"ts" msgpack:"ts"`
	UserPrompt  string                `json:"user_prompt" msgpack:"user_prompt"`
	Account     AccountBrief          `json:"account" msgpack:"account"`
	Instruments []*InstrumentSnapshot `json:"instruments" msgpack:"instruments"`
}

// MarkPrices flattens the bundle into the symbol-to-price map the risk gate
// uses to canonicalize absolute stops.
func (b *Bundle) MarkPrices() map[string]float64 {
	out := make(map[string]float64, len(b.Instruments))
	for _, inst := range b.Instruments {
		out[inst.Symbol] = inst.MarkPrice
	}
	return out
}

// render turns one instrument snapshot into its prompt block.
func (s *InstrumentSnapshot) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n", s.Symbol)
	fmt.Fprintf(&b, "price=%.6g  1h=%+.2f%%  4h=%+.2f%%  funding=%.6f  OI=%.6g\n",
		s.MarkPrice, s.Change1hPct, s.Change4hPct, s.FundingRate, s.OpenInterest)
	b.WriteString(s.Intraday.render("intraday"))
	b.WriteString(s.Context.render("context"))
	if s.Position != nil {
		p := s.Position
		fmt.Fprintf(&b, "position: %s %.6g @ %.6g  uPnL=%.2f  lev=%dx  liq=%.6g",
			p.Side, p.Contracts, p.EntryPrice, p.UnrealizedPnl, p.Leverage, p.Liquidation)
		if p.TakeProfit > 0 {
			fmt.Fprintf(&b, "  TP=%.6g", p.TakeProfit)
		}
		if p.StopLoss > 0 {
			fmt.Fprintf(&b, "  SL=%.6g", p.StopLoss)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("position: none\n")
	}
	return b.String()
}

func (t TimeframeStats) render(label string) string {
	return fmt.Sprintf("%s(%s): EMA=%.6g/%.6g MACD=%.4g/%.4g/%.4g RSI=%.1f/%.1f ATR=%.4g/%.4g vol=%.6g(avg %.6g)\n",
		label, t.Interval,
		clean(t.EMAShort), clean(t.EMALong),
		clean(t.MACD), clean(t.MACDSignal), clean(t.MACDHist),
		clean(t.RSIFast), clean(t.RSISlow),
		clean(t.ATRFast), clean(t.ATRSlow),
		t.CurrentVolume, t.AvgVolume)
}

// clean maps NaN indicator values to zero for display.
func clean(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
