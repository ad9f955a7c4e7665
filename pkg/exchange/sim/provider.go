// Package sim implements an in-memory paper-trading venue. It backs the
// "sim" provider type for paper sessions and doubles as the exchange fake in
// pipeline and supervisor tests: every submitted order is retained so tests
// can assert on reduce-only flags and the absence of resting TP/SL orders.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"tradepilot/pkg/exchange"
)

const defaultInitialEquity = 10000.0

// SubmittedOrder is the journal entry kept for each order the venue accepts.
type SubmittedOrder struct {
	Symbol     string
	Side       exchange.PositionSide
	Quantity   float64
	Price      float64
	ReduceOnly bool
	Leverage   int
	Ts         time.Time
}

// Provider is the paper venue. All state lives behind one mutex.
type Provider struct {
	mu sync.Mutex

	cash      float64
	leverage  map[string]int
	markPx    map[string]float64
	positions map[string]*positionState
	resting   []exchange.Order

	orders []SubmittedOrder

	failNext map[string]*exchange.Error // op name -> error injected once
	nowFn    func() time.Time
}

type positionState struct {
	symbol   string
	side     exchange.PositionSide
	qty      float64
	entry    float64
	leverage int
	updated  time.Time
}

// New constructs a paper venue with the default starting equity.
func New() *Provider {
	return NewWithEquity(defaultInitialEquity)
}

// NewWithEquity constructs a paper venue seeded with the given cash balance.
func NewWithEquity(equity float64) *Provider {
	return &Provider{
		cash:      equity,
		leverage:  make(map[string]int),
		markPx:    make(map[string]float64),
		positions: make(map[string]*positionState),
		failNext:  make(map[string]*exchange.Error),
		nowFn:     time.Now,
	}
}

func init() {
	exchange.RegisterProvider("sim", func(name string, cfg *exchange.ProviderConfig) (exchange.Provider, error) {
		return New(), nil
	})
}

// SetMarkPrice fixes the reference price used for fills and unrealized pnl.
func (p *Provider) SetMarkPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markPx[symbol] = price
}

// AddRestingOrder seeds a resting order, e.g. a TP/SL left by an operator.
func (p *Provider) AddRestingOrder(o exchange.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resting = append(p.resting, o)
}

// FailNext injects a one-shot error for the named operation.
func (p *Provider) FailNext(op string, kind exchange.ErrorKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[op] = exchange.NewError(kind, op, fmt.Errorf("injected"))
}

// Orders returns a copy of every order accepted so far.
func (p *Provider) Orders() []SubmittedOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SubmittedOrder, len(p.orders))
	copy(out, p.orders)
	return out
}

func (p *Provider) takeFailure(op string) *exchange.Error {
	if err, ok := p.failNext[op]; ok {
		delete(p.failNext, op)
		return err
	}
	return nil
}

func (p *Provider) price(symbol string) float64 {
	if px, ok := p.markPx[symbol]; ok {
		return px
	}
	return 100.0
}

// GetAccount reports equity derived from cash plus open unrealized pnl.
func (p *Provider) GetAccount(ctx context.Context) (*exchange.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("get_account"); err != nil {
		return nil, err
	}
	var unrealized, margin float64
	for _, pos := range p.positions {
		unrealized += p.unrealized(pos)
		lev := pos.leverage
		if lev <= 0 {
			lev = 1
		}
		margin += pos.qty * pos.entry / float64(lev)
	}
	equity := p.cash + unrealized
	return &exchange.Account{
		TotalEquity:        equity,
		AvailableBalance:   math.Max(0, equity-margin),
		TotalUnrealizedPnl: unrealized,
		TotalMarginBalance: equity,
	}, nil
}

func (p *Provider) unrealized(pos *positionState) float64 {
	mark := p.price(pos.symbol)
	if pos.side == exchange.SideLong {
		return (mark - pos.entry) * pos.qty
	}
	return (pos.entry - mark) * pos.qty
}

// GetPositions lists open positions; flat symbols are never reported.
func (p *Provider) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("get_positions"); err != nil {
		return nil, err
	}
	out := make([]exchange.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.qty <= 0 {
			continue
		}
		out = append(out, exchange.Position{
			Symbol:        pos.symbol,
			Side:          pos.side,
			Contracts:     pos.qty,
			EntryPrice:    pos.entry,
			MarkPrice:     p.price(pos.symbol),
			UnrealizedPnl: p.unrealized(pos),
			Leverage:      pos.leverage,
			MarginMode:    "cross",
			UpdatedAt:     pos.updated,
		})
	}
	return out, nil
}

func (p *Provider) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("get_open_orders"); err != nil {
		return nil, err
	}
	out := make([]exchange.Order, 0, len(p.resting))
	for _, o := range p.resting {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// GetKlines synthesizes a flat series anchored at the current mark price so
// indicator code downstream always has enough bars to work with.
func (p *Provider) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	if err := exchange.CheckInterval(interval); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("get_klines"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	px := p.price(symbol)
	now := p.nowFn()
	out := make([]exchange.Kline, limit)
	for i := 0; i < limit; i++ {
		// Small deterministic wobble keeps indicators non-degenerate.
		wobble := px * 0.001 * math.Sin(float64(i)/5)
		c := px + wobble
		out[i] = exchange.Kline{
			Ts:     now.Add(-time.Duration(limit-i) * time.Minute),
			Open:   c * 0.999,
			High:   c * 1.001,
			Low:    c * 0.998,
			Close:  c,
			Volume: 1000,
		}
	}
	return out, nil
}

func (p *Provider) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("get_ticker"); err != nil {
		return nil, err
	}
	px := p.price(symbol)
	return &exchange.Ticker{
		Symbol: symbol,
		Last:   px,
		Bid:    px * 0.9995,
		Ask:    px * 1.0005,
		High:   px * 1.01,
		Low:    px * 0.99,
		Volume: 10000,
		Ts:     p.nowFn(),
	}, nil
}

func (p *Provider) GetFundingRate(ctx context.Context, symbol string) (*exchange.FundingRate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("get_funding_rate"); err != nil {
		return nil, err
	}
	return &exchange.FundingRate{Rate: 0.0001, NextTs: p.nowFn().Add(8 * time.Hour)}, nil
}

func (p *Provider) GetOpenInterest(ctx context.Context, symbol string) (*exchange.OpenInterest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("get_open_interest"); err != nil {
		return nil, err
	}
	return &exchange.OpenInterest{Value: 1_000_000, Ts: p.nowFn()}, nil
}

func (p *Provider) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return exchange.NewError(exchange.KindInvalidOrder, "set_leverage", fmt.Errorf("leverage %d", leverage))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("set_leverage"); err != nil {
		return err
	}
	p.leverage[symbol] = leverage
	return nil
}

func (p *Provider) OpenLong(ctx context.Context, req exchange.OpenRequest) (*exchange.OrderResult, error) {
	return p.open(ctx, req, exchange.SideLong)
}

func (p *Provider) OpenShort(ctx context.Context, req exchange.OpenRequest) (*exchange.OrderResult, error) {
	return p.open(ctx, req, exchange.SideShort)
}

func (p *Provider) open(ctx context.Context, req exchange.OpenRequest, side exchange.PositionSide) (*exchange.OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, exchange.NewError(exchange.KindInvalidOrder, "open", fmt.Errorf("quantity %.8f", req.Quantity))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("open"); err != nil {
		return nil, err
	}
	if req.Leverage > 0 {
		p.leverage[req.Symbol] = req.Leverage
	}
	px := p.price(req.Symbol)
	lev := p.leverage[req.Symbol]
	if lev <= 0 {
		lev = 1
	}
	margin := req.Quantity * px / float64(lev)
	if margin > p.cash {
		return nil, exchange.NewError(exchange.KindInsufficientFunds, "open", fmt.Errorf("margin %.2f exceeds cash %.2f", margin, p.cash))
	}

	now := p.nowFn()
	pos := p.positions[req.Symbol]
	if pos == nil || pos.qty <= 0 {
		p.positions[req.Symbol] = &positionState{
			symbol: req.Symbol, side: side, qty: req.Quantity,
			entry: px, leverage: lev, updated: now,
		}
	} else if pos.side == side {
		total := pos.qty + req.Quantity
		pos.entry = (pos.entry*pos.qty + px*req.Quantity) / total
		pos.qty = total
		pos.updated = now
	} else {
		return nil, exchange.NewError(exchange.KindInvalidOrder, "open", fmt.Errorf("opposing position exists on %s", req.Symbol))
	}

	p.orders = append(p.orders, SubmittedOrder{
		Symbol: req.Symbol, Side: side, Quantity: req.Quantity,
		Price: px, ReduceOnly: false, Leverage: lev, Ts: now,
	})
	return &exchange.OrderResult{
		OrderID:  fmt.Sprintf("sim-%d", len(p.orders)),
		Symbol:   req.Symbol,
		Side:     side,
		Quantity: req.Quantity,
		AvgPrice: px,
		Status:   "filled",
	}, nil
}

// ClosePosition reduces or fully closes the matching position. The order is
// recorded with the reduce-only flag set, mirroring what a real venue would
// receive.
func (p *Provider) ClosePosition(ctx context.Context, symbol string, side exchange.PositionSide, qty float64) (*exchange.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("close_position"); err != nil {
		return nil, err
	}
	pos := p.positions[symbol]
	if pos == nil || pos.qty <= 0 || pos.side != side {
		return nil, exchange.NewError(exchange.KindInvalidOrder, "close_position", fmt.Errorf("no %s position on %s", side, symbol))
	}
	if qty <= 0 || qty > pos.qty {
		qty = pos.qty
	}
	px := p.price(symbol)
	var pnl float64
	if side == exchange.SideLong {
		pnl = (px - pos.entry) * qty
	} else {
		pnl = (pos.entry - px) * qty
	}
	p.cash += pnl
	pos.qty -= qty
	pos.updated = p.nowFn()
	if pos.qty <= 1e-12 {
		delete(p.positions, symbol)
	}

	p.orders = append(p.orders, SubmittedOrder{
		Symbol: symbol, Side: side.Opposite(), Quantity: qty,
		Price: px, ReduceOnly: true, Ts: p.nowFn(),
	})
	return &exchange.OrderResult{
		OrderID:    fmt.Sprintf("sim-%d", len(p.orders)),
		Symbol:     symbol,
		Side:       side.Opposite(),
		Quantity:   qty,
		AvgPrice:   px,
		ReduceOnly: true,
		Status:     "filled",
	}, nil
}

var _ exchange.Provider = (*Provider)(nil)
