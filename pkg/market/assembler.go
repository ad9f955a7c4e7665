package market

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"tradepilot/pkg/exchange"
	"tradepilot/pkg/market/indicators"
	"tradepilot/pkg/prompt"
)

const (
	defaultIntradayInterval = "15m"
	defaultIntradayDepth    = 120
	defaultContextInterval  = "4h"
	defaultContextDepth     = 60
	volumeWindow            = 20

	btcSymbol = "BTC/USDT:USDT"
)

// Input identifies what to assemble for one cycle.
type Input struct {
	SessionID      int64
	CycleNumber    int64
	Symbols        []string
	InitialCapital float64
	StartedAt      time.Time

	// AssetHistory holds recent total-asset samples, oldest first, used for
	// the Sharpe readout. May be empty on early cycles.
	AssetHistory []float64
}

// PromptData is the named-placeholder set the user-prompt template renders.
type PromptData struct {
	UptimeMinutes    int
	CurrentTime      string
	CycleNumber      int64
	BTCSnapshot      string
	InstrumentBlocks string
	TotalReturnPct   float64
	AvailableCash    float64
	AccountValue     float64
	PositionsDetail  string
	SharpeRatio      float64
	CashPct          float64
	MarginPct        float64
	PositionCount    int
}

// Assembler builds the market snapshot and user prompt for a cycle. It never
// fails on recoverable data gaps (funding, open interest, resting orders);
// kline, ticker and account failures abort assembly.
type Assembler struct {
	provider exchange.Provider
	tmpl     *prompt.Template

	intradayInterval string
	intradayDepth    int
	contextInterval  string
	contextDepth     int
	now              func() time.Time
}

// AssemblerOption customises an Assembler.
type AssemblerOption func(*Assembler)

// WithIntraday overrides the short timeframe series.
func WithIntraday(interval string, depth int) AssemblerOption {
	return func(a *Assembler) {
		if exchange.ValidInterval(interval) && depth > 0 {
			a.intradayInterval = interval
			a.intradayDepth = depth
		}
	}
}

// WithContextSeries overrides the long timeframe series.
func WithContextSeries(interval string, depth int) AssemblerOption {
	return func(a *Assembler) {
		if exchange.ValidInterval(interval) && depth > 0 {
			a.contextInterval = interval
			a.contextDepth = depth
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) AssemblerOption {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAssembler constructs an assembler over the given venue and template.
func NewAssembler(provider exchange.Provider, tmpl *prompt.Template, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		provider:         provider,
		tmpl:             tmpl,
		intradayInterval: defaultIntradayInterval,
		intradayDepth:    defaultIntradayDepth,
		contextInterval:  defaultContextInterval,
		contextDepth:     defaultContextDepth,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble produces the cycle bundle: one snapshot per instrument, account
// aggregates and the filled user prompt.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Bundle, error) {
	account, err := a.provider.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("market: account: %w", err)
	}
	positions, err := a.provider.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("market: positions: %w", err)
	}
	bySymbol := make(map[string]exchange.Position, len(positions))
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}

	bundle := &Bundle{Ts: a.now().UTC()}
	var btcSnap *InstrumentSnapshot
	for _, symbol := range in.Symbols {
		snap, err := a.snapshot(ctx, symbol, bySymbol)
		if err != nil {
			return nil, err
		}
		bundle.Instruments = append(bundle.Instruments, snap)
		if symbol == btcSymbol {
			btcSnap = snap
		}
	}
	// BTC is always shown as macro context, traded or not.
	if btcSnap == nil {
		snap, err := a.snapshot(ctx, btcSymbol, bySymbol)
		if err != nil {
			return nil, err
		}
		btcSnap = snap
	}

	bundle.Account = a.accountBrief(account, positions, in)
	bundle.UserPrompt, err = a.renderPrompt(bundle, btcSnap, positions, in)
	if err != nil {
		return nil, fmt.Errorf("market: render prompt: %w", err)
	}
	return bundle, nil
}

// snapshot assembles one instrument. Funding, open interest and resting
// orders are best-effort.
func (a *Assembler) snapshot(ctx context.Context, symbol string, positions map[string]exchange.Position) (*InstrumentSnapshot, error) {
	intraday, err := a.provider.GetKlines(ctx, symbol, a.intradayInterval, a.intradayDepth)
	if err != nil {
		return nil, fmt.Errorf("market: klines %s %s: %w", symbol, a.intradayInterval, err)
	}
	longer, err := a.provider.GetKlines(ctx, symbol, a.contextInterval, a.contextDepth)
	if err != nil {
		return nil, fmt.Errorf("market: klines %s %s: %w", symbol, a.contextInterval, err)
	}
	ticker, err := a.provider.GetTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("market: ticker %s: %w", symbol, err)
	}

	snap := &InstrumentSnapshot{
		Symbol:      symbol,
		MarkPrice:   ticker.Last,
		Change1hPct: changePct(intraday, barsPerHour(a.intradayInterval)),
		Change4hPct: changePct(intraday, 4*barsPerHour(a.intradayInterval)),
		Intraday:    timeframeStats(a.intradayInterval, intraday),
		Context:     timeframeStats(a.contextInterval, longer),
	}
	if fr, err := a.provider.GetFundingRate(ctx, symbol); err == nil && fr != nil {
		snap.FundingRate = fr.Rate
	}
	if oi, err := a.provider.GetOpenInterest(ctx, symbol); err == nil && oi != nil {
		snap.OpenInterest = oi.Value
	}

	if pos, ok := positions[symbol]; ok {
		brief := &PositionBrief{
			Side:          string(pos.Side),
			Contracts:     pos.Contracts,
			EntryPrice:    pos.EntryPrice,
			UnrealizedPnl: pos.UnrealizedPnl,
			Leverage:      pos.Leverage,
			Liquidation:   pos.LiquidationPrice,
		}
		if orders, err := a.provider.GetOpenOrders(ctx, symbol); err == nil {
			brief.TakeProfit, brief.StopLoss = linkProtectiveOrders(orders, pos.Side)
		}
		snap.Position = brief
	}
	return snap, nil
}

// linkProtectiveOrders finds the TP and SL resting orders for a position:
// orders on the opposite side whose type names TAKE_PROFIT, or STOP without
// TAKE_PROFIT.
func linkProtectiveOrders(orders []exchange.Order, side exchange.PositionSide) (tp, sl float64) {
	want := side.Opposite()
	for _, o := range orders {
		if o.Side != want {
			continue
		}
		price := o.TriggerPrice
		if price <= 0 {
			price = o.Price
		}
		typ := strings.ToUpper(o.Type)
		switch {
		case strings.Contains(typ, "TAKE_PROFIT"):
			tp = price
		case strings.Contains(typ, "STOP"):
			sl = price
		}
	}
	return tp, sl
}

func (a *Assembler) accountBrief(account *exchange.Account, positions []exchange.Position, in Input) AccountBrief {
	brief := AccountBrief{
		Equity:        account.TotalEquity,
		AvailableCash: account.AvailableBalance,
		UnrealizedPnl: account.TotalUnrealizedPnl,
		TotalAsset:    account.TotalMarginBalance,
		PositionCount: len(positions),
		SharpeRatio:   sharpeRatio(in.AssetHistory),
	}
	if brief.TotalAsset <= 0 {
		brief.TotalAsset = account.TotalEquity
	}
	if in.InitialCapital > 0 {
		brief.TotalReturnPct = (brief.TotalAsset - in.InitialCapital) / in.InitialCapital * 100
	}
	if brief.TotalAsset > 0 {
		brief.CashPct = brief.AvailableCash / brief.TotalAsset * 100
		var marginUsed float64
		for _, p := range positions {
			lev := p.Leverage
			if lev < 1 {
				lev = 1
			}
			marginUsed += p.Notional() / float64(lev)
		}
		brief.MarginPct = marginUsed / brief.TotalAsset * 100
	}
	return brief
}

func (a *Assembler) renderPrompt(bundle *Bundle, btc *InstrumentSnapshot, positions []exchange.Position, in Input) (string, error) {
	var blocks strings.Builder
	for _, snap := range bundle.Instruments {
		blocks.WriteString(snap.render())
		blocks.WriteString("\n")
	}

	uptime := 0
	if !in.StartedAt.IsZero() {
		uptime = int(a.now().Sub(in.StartedAt).Minutes())
		if uptime < 0 {
			uptime = 0
		}
	}

	data := PromptData{
		UptimeMinutes:    uptime,
		CurrentTime:      a.now().UTC().Format(time.RFC3339),
		CycleNumber:      in.CycleNumber,
		BTCSnapshot:      btcLine(btc),
		InstrumentBlocks: strings.TrimRight(blocks.String(), "\n"),
		TotalReturnPct:   bundle.Account.TotalReturnPct,
		AvailableCash:    bundle.Account.AvailableCash,
		AccountValue:     bundle.Account.TotalAsset,
		PositionsDetail:  positionsDetail(positions),
		SharpeRatio:      bundle.Account.SharpeRatio,
		CashPct:          bundle.Account.CashPct,
		MarginPct:        bundle.Account.MarginPct,
		PositionCount:    bundle.Account.PositionCount,
	}
	return a.tmpl.Render(data)
}

func btcLine(s *InstrumentSnapshot) string {
	return fmt.Sprintf("BTC %.2f (1h %+.2f%%, 4h %+.2f%%, funding %.6f)",
		s.MarkPrice, s.Change1hPct, s.Change4hPct, s.FundingRate)
}

func positionsDetail(positions []exchange.Position) string {
	if len(positions) == 0 {
		return "none"
	}
	var b strings.Builder
	for i, p := range positions {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s %s %.6g @ %.6g uPnL=%.2f lev=%dx",
			p.Symbol, p.Side, p.Contracts, p.EntryPrice, p.UnrealizedPnl, p.Leverage)
	}
	return b.String()
}

// timeframeStats computes the indicator readout for one kline series.
func timeframeStats(interval string, klines []exchange.Kline) TimeframeStats {
	bars := make([]indicators.Bar, len(klines))
	closes := make([]float64, len(klines))
	for i, k := range klines {
		bars[i] = indicators.Bar{High: k.High, Low: k.Low, Close: k.Close, Volume: k.Volume}
		closes[i] = k.Close
	}

	macd, signal, hist := indicators.MACD(closes)
	current, avg := indicators.VolumeStats(bars, volumeWindow)
	return TimeframeStats{
		Interval:      interval,
		EMAShort:      indicators.Last(indicators.EMA(closes, 20)),
		EMALong:       indicators.Last(indicators.EMA(closes, 50)),
		MACD:          indicators.Last(macd),
		MACDSignal:    indicators.Last(signal),
		MACDHist:      indicators.Last(hist),
		RSIFast:       indicators.Last(indicators.RSI(closes, 7)),
		RSISlow:       indicators.Last(indicators.RSI(closes, 14)),
		ATRFast:       indicators.Last(indicators.ATR(bars, 3)),
		ATRSlow:       indicators.Last(indicators.ATR(bars, 14)),
		CurrentVolume: current,
		AvgVolume:     avg,
		RecentCloses:  indicators.Tail(closes, 10),
	}
}

// changePct is the percent move over the last barsBack bars, zero when the
// series is too short or the reference close is zero.
func changePct(klines []exchange.Kline, barsBack int) float64 {
	if barsBack <= 0 || len(klines) <= barsBack {
		return 0
	}
	last := klines[len(klines)-1].Close
	ref := klines[len(klines)-1-barsBack].Close
	if ref == 0 {
		return 0
	}
	return (last - ref) / ref * 100
}

// barsPerHour maps an intraday interval onto bar counts for the 1h change.
func barsPerHour(interval string) int {
	switch interval {
	case "1m":
		return 60
	case "3m":
		return 20
	case "5m":
		return 12
	case "15m":
		return 4
	case "30m":
		return 2
	case "1h":
		return 1
	default:
		return 4
	}
}

// sharpeRatio is the mean/stddev of per-sample returns over the asset
// history, zero when there is not enough signal.
func sharpeRatio(assets []float64) float64 {
	if len(assets) < 3 {
		return 0
	}
	var returns []float64
	for i := 1; i < len(assets); i++ {
		if assets[i-1] == 0 {
			continue
		}
		returns = append(returns, assets[i]/assets[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance <= 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}
