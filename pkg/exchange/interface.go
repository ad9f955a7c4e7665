package exchange

import "context"

// Provider is the narrow synchronous contract the decision pipeline depends
// on. Every method blocks until the venue answers or ctx is cancelled; there
// are no retries inside the adapter — the caller decides. Implementations
// must be safe for use from any worker goroutine.
type Provider interface {
	// Account information.
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	// GetOpenOrders returns resting orders, optionally filtered by symbol
	// (empty symbol means all). Used to discover linked TP/SL orders.
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// Market data.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error)
	GetOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error)

	// Trading. SetLeverage is idempotent at the venue; callers treat its
	// failure as non-fatal. OpenLong/OpenShort set leverage then submit a
	// market order; advisory SL/TP on the request never become resting
	// orders. ClosePosition submits with the venue's reduce-only flag and
	// qty <= 0 closes the full reported contract amount.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	OpenLong(ctx context.Context, req OpenRequest) (*OrderResult, error)
	OpenShort(ctx context.Context, req OpenRequest) (*OrderResult, error)
	ClosePosition(ctx context.Context, symbol string, side PositionSide, qty float64) (*OrderResult, error)
}
