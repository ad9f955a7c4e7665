package exchange

import "time"

// PositionSide distinguishes long and short exposure.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Opposite returns the other side, used to match resting TP/SL orders.
func (s PositionSide) Opposite() PositionSide {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Account summarizes account-level balances.
type Account struct {
	TotalEquity        float64
	AvailableBalance   float64
	TotalUnrealizedPnl float64
	TotalMarginBalance float64
}

// Position is a live venue position. Positions with zero contracts are
// filtered out by the adapter before they reach callers.
type Position struct {
	Symbol           string
	Side             PositionSide
	Contracts        float64 // absolute contract quantity
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnl    float64
	Leverage         int
	LiquidationPrice float64
	MarginMode       string // "cross" or "isolated"
	UpdatedAt        time.Time
}

// Notional is the mark value of the position in quote currency.
func (p Position) Notional() float64 {
	return p.Contracts * p.MarkPrice
}

// Order is a resting order as reported by the venue.
type Order struct {
	ID           string
	Symbol       string
	Side         PositionSide // direction the order trades toward
	Type         string       // venue order type, e.g. "STOP_MARKET", "TAKE_PROFIT_MARKET"
	Price        float64
	TriggerPrice float64
	Quantity     float64
	ReduceOnly   bool
	CreatedAt    time.Time
}

// OrderResult is the synchronous response to a market order submission.
type OrderResult struct {
	OrderID    string
	Symbol     string
	Side       PositionSide
	Quantity   float64
	AvgPrice   float64
	ReduceOnly bool
	Status     string
}

// Kline is one OHLCV bar, oldest-first in returned slices.
type Kline struct {
	Ts     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Ticker is a point-in-time market quote.
type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	High   float64
	Low    float64
	Volume float64
	Ts     time.Time
}

// FundingRate reports the current perpetual funding rate.
type FundingRate struct {
	Rate   float64
	NextTs time.Time
}

// OpenInterest reports outstanding contract value.
type OpenInterest struct {
	Value float64
	Ts    time.Time
}

// OpenRequest carries the parameters for opening a position. StopLoss and
// TakeProfit references are advisory metadata for the audit trail; adapters
// must never turn them into resting orders.
type OpenRequest struct {
	Symbol     string
	Quantity   float64
	Leverage   int
	StopLoss   float64 // advisory
	TakeProfit float64 // advisory
}
