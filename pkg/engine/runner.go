// Package engine runs one decision cycle end to end: assemble market data,
// consult the model, parse, gate and execute, then write the audit record.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeromicro/go-zero/core/logx"

	"tradepilot/pkg/decision"
	"tradepilot/pkg/exchange"
	"tradepilot/pkg/llm"
	"tradepilot/pkg/market"
	"tradepilot/pkg/risk"
	"tradepilot/pkg/session"
)

const (
	defaultOrderPause  = 500 * time.Millisecond
	defaultTemperature = 0.3
	assetHistoryDepth  = 50
)

// Runner executes decision cycles for one session at a time. It is stateless
// between cycles and safe to share across session workers.
type Runner struct {
	provider  exchange.Provider
	assembler *market.Assembler
	gateway   llm.Gateway
	store     session.Store

	systemPrompt string
	promptDigest string
	temperature  float64
	orderPause   time.Duration
	now          func() time.Time
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithSystemPrompt sets the system message and its digest for audit rows.
func WithSystemPrompt(text, digest string) RunnerOption {
	return func(r *Runner) {
		r.systemPrompt = text
		r.promptDigest = digest
	}
}

// WithTemperature sets the sampling temperature forwarded to the gateway.
func WithTemperature(t float64) RunnerOption {
	return func(r *Runner) {
		if t >= 0 {
			r.temperature = t
		}
	}
}

// WithOrderPause overrides the inter-order pause. Tests set it to zero.
func WithOrderPause(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d >= 0 {
			r.orderPause = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner wires a cycle runner.
func NewRunner(provider exchange.Provider, assembler *market.Assembler, gateway llm.Gateway, store session.Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		provider:    provider,
		assembler:   assembler,
		gateway:     gateway,
		store:       store,
		temperature: defaultTemperature,
		orderPause:  defaultOrderPause,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunCycle executes one cycle for the session. Stage failures (assemble,
// consult) are recorded on the cycle record and in last_error; the cycle
// counter advances regardless. The returned error reports only persistence
// failures in the audit step itself.
func (r *Runner) RunCycle(ctx context.Context, sess *session.Session, cycleNo int64) (*session.CycleRecord, error) {
	logger := logx.WithContext(ctx)
	rec := &session.CycleRecord{
		ID:           uuid.NewString(),
		SessionID:    sess.ID,
		CycleNumber:  cycleNo,
		Ts:           r.now().UTC(),
		PromptDigest: r.promptDigest,
	}

	bundle, err := r.assembler.Assemble(ctx, market.Input{
		SessionID:      sess.ID,
		CycleNumber:    cycleNo,
		Symbols:        sess.Symbols,
		InitialCapital: sess.InitialCapital,
		StartedAt:      startedAt(sess),
		AssetHistory:   r.assetHistory(ctx, sess.ID),
	})
	if err != nil {
		logger.Errorf("engine: session %d cycle %d assemble: %v", sess.ID, cycleNo, err)
		return rec, r.audit(ctx, rec, session.StageAssembleFailed, err)
	}
	rec.UserPrompt = bundle.UserPrompt
	rec.Account = session.AccountSummary{
		Equity:        bundle.Account.Equity,
		UnrealizedPnl: bundle.Account.UnrealizedPnl,
		TotalAsset:    bundle.Account.TotalAsset,
		AvailableCash: bundle.Account.AvailableCash,
	}
	if blob, err := msgpack.Marshal(bundle); err == nil {
		rec.Snapshot = blob
	}

	reply, err := r.gateway.Chat(ctx, r.systemPrompt, bundle.UserPrompt, r.temperature)
	if err != nil {
		logger.Errorf("engine: session %d cycle %d consult: %v", sess.ID, cycleNo, err)
		return rec, r.audit(ctx, rec, session.StageLLMFailed, err)
	}
	rec.RawReply = reply

	parsed := decision.Parse(reply)
	rec.Thinking = parsed.Thinking
	rec.ParseErrors = parsed.ParseErrors
	rec.Decisions = parsed.Decisions

	gate := risk.NewGate(sess.Risk)
	result := gate.Evaluate(r.gateInput(bundle), parsed.Decisions)
	rec.Verdicts = result.Verdicts
	rec.Portfolio = &result.Portfolio

	rec.Executions = r.execute(ctx, result.Approved, bundle)
	return rec, r.audit(ctx, rec, "", nil)
}

// gateInput derives the portfolio context the risk gate needs from the
// assembled bundle.
func (r *Runner) gateInput(bundle *market.Bundle) risk.Input {
	var notional float64
	for _, inst := range bundle.Instruments {
		if inst.Position != nil {
			notional += inst.Position.Contracts * inst.MarkPrice
		}
	}
	return risk.Input{
		AccountEquity:   bundle.Account.Equity,
		CurrentNotional: notional,
		OpenPositions:   bundle.Account.PositionCount,
		MarkPrices:      bundle.MarkPrices(),
	}
}

// execute runs approved decisions in list order. A failure on one decision
// never short-circuits the rest; every outcome is recorded.
func (r *Runner) execute(ctx context.Context, approved []decision.Decision, bundle *market.Bundle) []session.ExecutionResult {
	results := make([]session.ExecutionResult, 0, len(approved))
	for i, d := range approved {
		if i > 0 && r.orderPause > 0 {
			if err := sleepCtx(ctx, r.orderPause); err != nil {
				results = append(results, session.ExecutionResult{
					Symbol: d.Symbol, Action: d.Action, Error: err.Error(),
				})
				continue
			}
		}
		results = append(results, r.executeOne(ctx, d, bundle))
	}
	return results
}

func (r *Runner) executeOne(ctx context.Context, d decision.Decision, bundle *market.Bundle) session.ExecutionResult {
	res := session.ExecutionResult{Symbol: d.Symbol, Action: d.Action}
	switch {
	case d.Action.IsOpen():
		r.executeOpen(ctx, d, &res)
	case d.Action.IsClose():
		r.executeClose(ctx, d, &res)
	default:
		// hold / wait: intent only.
		res.Success = true
	}
	return res
}

func (r *Runner) executeOpen(ctx context.Context, d decision.Decision, res *session.ExecutionResult) {
	ticker, err := r.provider.GetTicker(ctx, d.Symbol)
	if err != nil {
		res.Error = err.Error()
		return
	}
	price := ticker.Last
	if price <= 0 {
		res.Error = "no price available"
		return
	}
	qty := d.PositionSizeUSD / price
	if qty <= 0 {
		res.Error = "quantity resolves to zero"
		return
	}

	if err := r.provider.SetLeverage(ctx, d.Symbol, d.Leverage); err != nil {
		logx.WithContext(ctx).Infof("engine: set leverage %s %dx: %v", d.Symbol, d.Leverage, err)
	}

	req := exchange.OpenRequest{
		Symbol:     d.Symbol,
		Quantity:   qty,
		Leverage:   d.Leverage,
		StopLoss:   advisoryStop(d.StopLoss, d.StopLossPct, price, d.Action == decision.ActionOpenLong, true),
		TakeProfit: advisoryStop(d.TakeProfit, d.TakeProfitPct, price, d.Action == decision.ActionOpenLong, false),
	}
	var result *exchange.OrderResult
	if d.Action == decision.ActionOpenLong {
		result, err = r.provider.OpenLong(ctx, req)
	} else {
		result, err = r.provider.OpenShort(ctx, req)
	}
	if err != nil {
		res.Error = err.Error()
		return
	}
	res.Success = true
	res.OrderID = result.OrderID
	res.Quantity = result.Quantity
	res.Price = result.AvgPrice
	if res.Price == 0 {
		res.Price = price
	}
}

func (r *Runner) executeClose(ctx context.Context, d decision.Decision, res *session.ExecutionResult) {
	side := exchange.SideLong
	if d.Action == decision.ActionCloseShort {
		side = exchange.SideShort
	}
	positions, err := r.provider.GetPositions(ctx)
	if err != nil {
		res.Error = err.Error()
		return
	}
	var live *exchange.Position
	for i := range positions {
		if positions[i].Symbol == d.Symbol && positions[i].Side == side {
			live = &positions[i]
			break
		}
	}
	if live == nil {
		res.Error = "position_not_found"
		return
	}
	result, err := r.provider.ClosePosition(ctx, d.Symbol, side, live.Contracts)
	if err != nil {
		res.Error = err.Error()
		return
	}
	res.Success = true
	res.OrderID = result.OrderID
	res.Quantity = result.Quantity
	res.Price = result.AvgPrice
}

// audit writes the cycle record and advances the cycle counter. The counter
// advance happens even when the record write fails, so a persistence blip
// cannot stall the cycle numbering.
func (r *Runner) audit(ctx context.Context, rec *session.CycleRecord, failedStage string, stageErr error) error {
	lastErr := ""
	if stageErr != nil {
		rec.FailedStage = failedStage
		rec.Error = stageErr.Error()
		lastErr = fmt.Sprintf("%s: %v", failedStage, stageErr)
	}

	appendErr := r.store.AppendCycleRecord(ctx, rec)
	markErr := r.store.MarkCycle(ctx, rec.SessionID, rec.Ts, lastErr)
	if appendErr != nil {
		return fmt.Errorf("engine: append cycle record: %w", appendErr)
	}
	if markErr != nil {
		return fmt.Errorf("engine: mark cycle: %w", markErr)
	}
	return nil
}

// assetHistory loads recent total-asset samples for the Sharpe readout.
// Best-effort: an empty history is fine on early cycles or store errors.
func (r *Runner) assetHistory(ctx context.Context, sessionID int64) []float64 {
	points, err := r.store.AssetTimeline(ctx, sessionID)
	if err != nil {
		return nil
	}
	if len(points) > assetHistoryDepth {
		points = points[len(points)-assetHistoryDepth:]
	}
	out := make([]float64, 0, len(points))
	for _, p := range points {
		out = append(out, p.TotalAsset)
	}
	return out
}

// advisoryStop resolves the advisory stop reference to an absolute price.
// Absolute values win; percentages are projected from the entry price on the
// loss side for stops and the profit side for targets.
func advisoryStop(abs, pct, price float64, long, isStop bool) float64 {
	if abs > 0 {
		return abs
	}
	if pct == 0 || price <= 0 {
		return 0
	}
	if pct < 0 {
		pct = -pct
	}
	down := long == isStop
	if down {
		return price * (1 - pct/100)
	}
	return price * (1 + pct/100)
}

func startedAt(sess *session.Session) time.Time {
	if sess.StartedAt != nil {
		return *sess.StartedAt
	}
	return sess.CreatedAt
}

// sleepCtx waits d or returns early with the context error.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
